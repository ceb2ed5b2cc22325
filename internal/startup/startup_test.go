package startup

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"webp-migrator/internal/database"
	"webp-migrator/internal/scheduler"
)

func TestGetBuildInfo(t *testing.T) {
	info := GetBuildInfo()

	if info.Version == "" {
		t.Error("Expected Version to be set")
	}
	if info.OS == "" || info.Arch == "" {
		t.Error("Expected OS and Arch to be set")
	}
	if info.GoVersion != GoVersion {
		t.Errorf("Expected GoVersion=%s, got %s", GoVersion, info.GoVersion)
	}
}

// clearEnv unsets every variable FromEnv reads.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"UPLOADS_DIR", "UPLOADS_URL", "DB_BACKEND", "DATABASE_PATH", "DATABASE_URL",
		"TABLE_PREFIX", "PORT", "METRICS_PORT", "METRICS_ENABLED", "API_TOKEN_HASH",
		"SETTINGS_FILE", "BATCH_TIMEOUT", "REPROCESS_TIMEOUT", "STOP_TIMEOUT",
		"BATCH_DELAY", "DEV_MODE", "LOG_LEVEL", "LOG_HEALTH_CHECKS",
	} {
		t.Setenv(key, "")
	}
}

func TestFromEnvDefaults(t *testing.T) {
	clearEnv(t)
	uploads := t.TempDir()
	t.Setenv("UPLOADS_DIR", uploads)

	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.UploadsDir != uploads || cfg.UploadsURL != "" {
		t.Errorf("uploads = %q %q", cfg.UploadsDir, cfg.UploadsURL)
	}
	if cfg.DB.Backend != database.BackendSQLite || cfg.DB.TablePrefix != "wp_" {
		t.Errorf("db = %+v", cfg.DB)
	}
	if cfg.Port != "8080" || cfg.MetricsPort != "9090" || !cfg.MetricsEnabled {
		t.Errorf("ports = %s %s %v", cfg.Port, cfg.MetricsPort, cfg.MetricsEnabled)
	}
	want := scheduler.Config{
		BatchDelay:       scheduler.DefaultBatchDelay,
		BatchTimeout:     scheduler.DefaultBatchTimeout,
		ReprocessTimeout: scheduler.DefaultReprocessTimeout,
		StopTimeout:      scheduler.DefaultStopTimeout,
	}
	if cfg.Scheduler != want {
		t.Errorf("scheduler = %+v, want %+v", cfg.Scheduler, want)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("UPLOADS_DIR", t.TempDir())
	t.Setenv("UPLOADS_URL", "https://cdn.example.com/uploads/")
	t.Setenv("DB_BACKEND", "postgresql")
	t.Setenv("DATABASE_URL", "postgres://wp:pw@db/wp")
	t.Setenv("TABLE_PREFIX", "site2_")
	t.Setenv("BATCH_TIMEOUT", "90")
	t.Setenv("STOP_TIMEOUT", "2m")
	t.Setenv("BATCH_DELAY", "-1s")
	t.Setenv("DEV_MODE", "true")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.UploadsURL != "https://cdn.example.com/uploads" {
		t.Errorf("UploadsURL = %q", cfg.UploadsURL)
	}
	if cfg.DB.Backend != database.BackendPostgres || cfg.DB.TablePrefix != "site2_" {
		t.Errorf("db = %+v", cfg.DB)
	}
	if cfg.Scheduler.BatchTimeout != 90*time.Second || cfg.Scheduler.StopTimeout != 2*time.Minute {
		t.Errorf("timeouts = %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.BatchDelay != -time.Second {
		t.Errorf("BatchDelay = %v", cfg.Scheduler.BatchDelay)
	}
	if !cfg.DevMode {
		t.Error("DevMode not set")
	}
}

func TestFromEnvErrors(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing uploads dir", map[string]string{"UPLOADS_DIR": filepath.Join(t.TempDir(), "nope")}},
		{"uploads is a file", map[string]string{"UPLOADS_DIR": file}},
		{"unknown backend", map[string]string{"DB_BACKEND": "oracle"}},
		{"postgres without url", map[string]string{"DB_BACKEND": "postgres"}},
		{"relative uploads url", map[string]string{"UPLOADS_URL": "wp-content/uploads"}},
		{"bad token hash", map[string]string{"API_TOKEN_HASH": "plaintext"}},
		{"bad log level", map[string]string{"LOG_LEVEL": "loud"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("UPLOADS_DIR", t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := FromEnv(); !errors.Is(err, ErrConfig) {
				t.Errorf("FromEnv() error = %v, want ErrConfig", err)
			}
		})
	}
}

type optionMap map[string]string

func (m optionMap) GetOption(_ context.Context, name string) (string, bool, error) {
	v, ok := m[name]
	return v, ok, nil
}

func TestResolveUploadsURL(t *testing.T) {
	ctx := context.Background()

	got, err := ResolveUploadsURL(ctx, optionMap{}, "https://cdn/u/")
	if err != nil || got != "https://cdn/u" {
		t.Errorf("configured = %q, %v", got, err)
	}

	got, err = ResolveUploadsURL(ctx, optionMap{"siteurl": "https://blog.example.com/"}, "")
	if err != nil || got != "https://blog.example.com/wp-content/uploads" {
		t.Errorf("derived = %q, %v", got, err)
	}

	if _, err := ResolveUploadsURL(ctx, optionMap{}, ""); !errors.Is(err, ErrConfig) {
		t.Errorf("missing siteurl error = %v", err)
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 5 * time.Second},
		{"1.5", 1500 * time.Millisecond},
		{"250ms", 250 * time.Millisecond},
		{"soon", 5 * time.Second},
	}
	for _, tt := range tests {
		t.Setenv("TEST_DURATION", tt.value)
		if got := getEnvDuration("TEST_DURATION", 5*time.Second); got != tt.want {
			t.Errorf("getEnvDuration(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"false", true, false},
		{"1", false, true},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("TEST_BOOL", tt.value)
		if got := getEnvBool("TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("getEnvBool(%q, %v) = %v", tt.value, tt.def, got)
		}
	}
}

func TestRedactURL(t *testing.T) {
	tests := map[string]string{
		"postgres://wp:secret@db:5432/wp": "postgres://wp:****@db:5432/wp",
		"postgres://db/wp":                "postgres://db/wp",
		"postgres://wp@db/wp":             "postgres://wp@db/wp",
	}
	for in, want := range tests {
		if got := redactURL(in); got != want {
			t.Errorf("redactURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGetRoutes(t *testing.T) {
	r := mux.NewRouter()
	noop := func(_ http.ResponseWriter, _ *http.Request) {}
	r.HandleFunc("/health", noop).Methods("GET")
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/run", noop).Methods("POST")
	api.HandleFunc("/attachments/{id}/retry", noop).Methods("POST")

	routes, err := GetRoutes(r)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, route := range routes {
		seen[route.Method+" "+route.Path] = true
	}
	for _, want := range []string{"GET /health", "POST /api/run", "POST /api/attachments/{id}/retry"} {
		if !seen[want] {
			t.Errorf("route %s missing from %v", want, routes)
		}
	}
}

func TestGetRouteGroup(t *testing.T) {
	tests := map[string]string{
		"/health":                     "health",
		"/api/attachments/{id}/retry": "api/attachments",
		"/api/errors":                 "api/errors",
		"/":                           "",
	}
	for in, want := range tests {
		if got := getRouteGroup(in); got != want {
			t.Errorf("getRouteGroup(%q) = %q, want %q", in, got, want)
		}
	}
}
