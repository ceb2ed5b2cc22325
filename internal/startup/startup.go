package startup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"webp-migrator/internal/database"
	"webp-migrator/internal/logging"
	"webp-migrator/internal/memory"
	"webp-migrator/internal/scheduler"
)

// Build-time variables (injected via -ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
	GoVersion = runtime.Version()
)

// BuildInfo contains version and build information
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
	GoVersion string `json:"goVersion"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// GetBuildInfo returns the current build information
func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: GoVersion,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// RouteInfo contains information about a registered route
type RouteInfo struct {
	Method string
	Path   string
	Name   string
}

// ErrConfig marks configuration errors; the CLI maps them to exit code 2.
var ErrConfig = errors.New("configuration error")

// Config holds all application configuration
type Config struct {
	UploadsDir string
	// UploadsURL is the public base URL of UploadsDir. Empty means it is
	// derived from the host's siteurl option.
	UploadsURL string

	DB database.Config

	Port            string
	MetricsPort     string
	MetricsEnabled  bool
	LogHealthChecks bool

	// TokenHash is the bcrypt hash of the API bearer token.
	TokenHash    string
	SettingsFile string

	Scheduler scheduler.Config
	DevMode   bool
}

// FromEnv reads the configuration from environment variables without
// logging it. Invalid values are reported as ErrConfig.
func FromEnv() (*Config, error) {
	backend, err := database.ParseBackend(getEnv("DB_BACKEND", "sqlite"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	cfg := &Config{
		UploadsDir: getEnv("UPLOADS_DIR", "/var/www/html/wp-content/uploads"),
		UploadsURL: strings.TrimRight(os.Getenv("UPLOADS_URL"), "/"),
		DB: database.Config{
			Backend:     backend,
			Path:        getEnv("DATABASE_PATH", "/database/wordpress.db"),
			URL:         os.Getenv("DATABASE_URL"),
			TablePrefix: getEnv("TABLE_PREFIX", "wp_"),
		},
		Port:            getEnv("PORT", "8080"),
		MetricsPort:     getEnv("METRICS_PORT", "9090"),
		MetricsEnabled:  getEnvBool("METRICS_ENABLED", true),
		LogHealthChecks: getEnvBool("LOG_HEALTH_CHECKS", false),
		TokenHash:       os.Getenv("API_TOKEN_HASH"),
		SettingsFile:    os.Getenv("SETTINGS_FILE"),
		DevMode:         getEnvBool("DEV_MODE", false),
		Scheduler: scheduler.Config{
			BatchTimeout:     getEnvDuration("BATCH_TIMEOUT", scheduler.DefaultBatchTimeout),
			ReprocessTimeout: getEnvDuration("REPROCESS_TIMEOUT", scheduler.DefaultReprocessTimeout),
			StopTimeout:      getEnvDuration("STOP_TIMEOUT", scheduler.DefaultStopTimeout),
			BatchDelay:       getEnvDuration("BATCH_DELAY", scheduler.DefaultBatchDelay),
		},
	}

	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		if _, err := logging.ParseLevel(raw); err != nil {
			return nil, fmt.Errorf("%w: LOG_LEVEL: %v", ErrConfig, err)
		}
	}

	if backend == database.BackendPostgres && cfg.DB.URL == "" {
		return nil, fmt.Errorf("%w: DATABASE_URL is required when DB_BACKEND=postgres", ErrConfig)
	}
	if cfg.UploadsURL != "" && !strings.Contains(cfg.UploadsURL, "://") && !strings.HasPrefix(cfg.UploadsURL, "/") {
		return nil, fmt.Errorf("%w: UPLOADS_URL must be absolute: %q", ErrConfig, cfg.UploadsURL)
	}
	if cfg.TokenHash != "" && !strings.HasPrefix(cfg.TokenHash, "$2") {
		return nil, fmt.Errorf("%w: API_TOKEN_HASH is not a bcrypt hash", ErrConfig)
	}

	cfg.UploadsDir, err = filepath.Abs(cfg.UploadsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve uploads directory path: %w", err)
	}
	if err := checkUploadsDir(cfg.UploadsDir); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return cfg, nil
}

// LoadConfig prints the banner, loads the configuration and logs it.
func LoadConfig() (*Config, error) {
	printBanner()
	logSystemInfo()

	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}

	logging.Info("------------------------------------------------------------")
	logging.Info("CONFIGURATION")
	logging.Info("------------------------------------------------------------")
	logging.Info("  UPLOADS_DIR:         %s", cfg.UploadsDir)
	logging.Info("  UPLOADS_URL:         %s", orDefault(cfg.UploadsURL, "(from siteurl)"))
	logging.Info("  DB_BACKEND:          %s", cfg.DB.Backend)
	if cfg.DB.Backend == database.BackendSQLite {
		logging.Info("  DATABASE_PATH:       %s", cfg.DB.Path)
	} else {
		logging.Info("  DATABASE_URL:        %s", redactURL(cfg.DB.URL))
	}
	logging.Info("  TABLE_PREFIX:        %s", cfg.DB.TablePrefix)
	logging.Info("  PORT:                %s", cfg.Port)
	logging.Info("  METRICS_PORT:        %s", cfg.MetricsPort)
	logging.Info("  METRICS_ENABLED:     %v", cfg.MetricsEnabled)
	logging.Info("  API auth:            %s", enabledString(cfg.TokenHash != ""))
	logging.Info("  SETTINGS_FILE:       %s", orDefault(cfg.SettingsFile, "-"))
	logging.Info("  BATCH_TIMEOUT:       %s", cfg.Scheduler.BatchTimeout)
	logging.Info("  REPROCESS_TIMEOUT:   %s", cfg.Scheduler.ReprocessTimeout)
	logging.Info("  STOP_TIMEOUT:        %s", cfg.Scheduler.StopTimeout)
	logging.Info("  BATCH_DELAY:         %s", cfg.Scheduler.BatchDelay)
	logging.Info("  DEV_MODE:            %v", cfg.DevMode)
	logging.Info("  LOG_LEVEL:           %s", logging.GetLevel())

	if cfg.TokenHash == "" {
		logging.Warn("  API_TOKEN_HASH is not set: the operator API is unauthenticated")
	}

	if err := testWriteAccess(cfg.UploadsDir); err != nil {
		return nil, fmt.Errorf("%w: uploads directory is not writable: %v", ErrConfig, err)
	}
	logging.Info("  [OK] Uploads directory is writable")

	return cfg, nil
}

// OptionReader reads host options.
type OptionReader interface {
	GetOption(ctx context.Context, name string) (string, bool, error)
}

// ResolveUploadsURL returns the configured uploads URL, or derives it
// from the host's siteurl option the way the host builds its upload base.
func ResolveUploadsURL(ctx context.Context, opts OptionReader, configured string) (string, error) {
	if configured != "" {
		return strings.TrimRight(configured, "/"), nil
	}
	site, ok, err := opts.GetOption(ctx, "siteurl")
	if err != nil {
		return "", fmt.Errorf("failed to read siteurl: %w", err)
	}
	if !ok || strings.TrimSpace(site) == "" {
		return "", fmt.Errorf("%w: UPLOADS_URL is not set and the host has no siteurl option", ErrConfig)
	}
	return strings.TrimRight(strings.TrimSpace(site), "/") + "/wp-content/uploads", nil
}

func checkUploadsDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("uploads directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("uploads directory %s is not a directory", path)
	}
	return nil
}

func enabledString(enabled bool) string {
	if enabled {
		return "ENABLED"
	}
	return "DISABLED"
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// redactURL hides the password of a connection string.
func redactURL(raw string) string {
	at := strings.LastIndex(raw, "@")
	scheme := strings.Index(raw, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return raw
	}
	creds := raw[scheme+3 : at]
	if i := strings.Index(creds, ":"); i >= 0 {
		creds = creds[:i] + ":****"
	}
	return raw[:scheme+3] + creds + raw[at:]
}

// LogDatabaseInit logs database initialization
func LogDatabaseInit(duration time.Duration) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("DATABASE INITIALIZATION")
	logging.Info("------------------------------------------------------------")
	logging.Info("  [OK] Database initialized in %v", duration)
}

// LogCodecInit logs which codec backends are available.
func LogCodecInit(vipsAvailable bool) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("CODEC INITIALIZATION")
	logging.Info("------------------------------------------------------------")
	if vipsAvailable {
		logging.Info("  [OK] libvips available")
	} else {
		logging.Warn("  libvips unavailable, using native encoders only")
	}
}

// LogMemoryConfig logs the result of memory.ConfigureFromEnv.
func LogMemoryConfig(res memory.ConfigResult) {
	if !res.Configured {
		logging.Info("  Memory limit:    not configured")
		return
	}
	logging.Info("  Memory limit:    %d bytes (from %s)", res.GoMemLimit, res.Source)
}

// GetRoutes extracts all registered routes from a mux.Router
func GetRoutes(router *mux.Router) ([]RouteInfo, error) {
	var routes []RouteInfo

	err := router.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		pathTemplate, err := route.GetPathTemplate()
		if err != nil {
			return err
		}

		methods, err := route.GetMethods()
		if err != nil {
			methods = []string{"*"}
		}

		for _, method := range methods {
			routes = append(routes, RouteInfo{
				Method: method,
				Path:   pathTemplate,
				Name:   route.GetName(),
			})
		}
		return nil
	})

	return routes, err
}

// LogHTTPRoutes logs all registered HTTP routes at debug level
func LogHTTPRoutes(router *mux.Router, logHealthChecks bool) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("HTTP SERVER SETUP")
	logging.Info("------------------------------------------------------------")

	if logging.IsDebugEnabled() {
		routes, err := GetRoutes(router)
		if err != nil {
			logging.Warn("error walking routes: %v", err)
		}

		logging.Debug("  Registered routes (%d total):", len(routes))
		logging.Debug("")

		groups := make(map[string][]RouteInfo)
		for _, route := range routes {
			prefix := getRouteGroup(route.Path)
			groups[prefix] = append(groups[prefix], route)
		}

		groupKeys := make([]string, 0, len(groups))
		for k := range groups {
			groupKeys = append(groupKeys, k)
		}
		sort.Strings(groupKeys)

		for _, group := range groupKeys {
			if group != "" {
				logging.Debug("  [%s]", group)
			} else {
				logging.Debug("  [root]")
			}
			for _, route := range groups[group] {
				logging.Debug("    %-6s %s", route.Method, route.Path)
			}
			logging.Debug("")
		}
	}

	logging.Info("  HTTP logging enabled")
	if logHealthChecks {
		logging.Info("    Health check logging: ON")
	} else {
		logging.Info("    Health check logging: OFF (set LOG_HEALTH_CHECKS=true to enable)")
	}
}

// getRouteGroup extracts a group name from a route path
func getRouteGroup(path string) string {
	path = strings.TrimPrefix(path, "/")
	parts := strings.SplitN(path, "/", 2)
	first := parts[0]

	if first == "api" && len(parts) > 1 {
		subParts := strings.SplitN(parts[1], "/", 2)
		return "api/" + subParts[0]
	}
	return first
}

// ServerConfig holds configuration for the server startup log
type ServerConfig struct {
	Port            string
	MetricsPort     string
	MetricsEnabled  bool
	StartupDuration time.Duration
}

// LogServerStarted logs successful server start with all endpoint information
func LogServerStarted(config ServerConfig) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("SERVER STARTED")
	logging.Info("------------------------------------------------------------")
	logging.Info("  Startup time:    %v", config.StartupDuration)
	logging.Info("")
	logging.Info("  Endpoints:")
	logging.Info("    API:           http://0.0.0.0:%s/api", config.Port)
	if config.MetricsEnabled {
		logging.Info("    Metrics:       http://0.0.0.0:%s/metrics", config.MetricsPort)
	} else {
		logging.Info("    Metrics:       DISABLED")
	}
	logging.Info("")
	logging.Info("  Press Ctrl+C to stop the server")
	logging.Info("------------------------------------------------------------")
	logging.Info("")
}

// LogShutdownInitiated logs shutdown start
func LogShutdownInitiated(signal string) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("SHUTDOWN INITIATED (received %s)", signal)
	logging.Info("------------------------------------------------------------")
}

// LogShutdownStep logs a shutdown step
func LogShutdownStep(step string) {
	logging.Debug("  %s...", step)
}

// LogShutdownStepComplete logs a completed shutdown step
func LogShutdownStepComplete(step string) {
	logging.Info("  [OK] %s", step)
}

// LogShutdownComplete logs shutdown completion
func LogShutdownComplete() {
	logging.Info("  [OK] Shutdown complete")
}

// LogFatal logs a fatal error and exits
func LogFatal(format string, args ...interface{}) {
	logging.Fatal(format, args...)
}

// Helper functions

func printBanner() {
	banner := `
------------------------------------------------------------
               __                         _                 __
 _      _____ / /_  ____     ____ ___  (_)___ __________ _/ /_____  _____
| | /| / / _ \/ __ \/ __ \   / __ '__ \/ / __ '/ ___/ __ '/ __/ __ \/ ___/
| |/ |/ /  __/ /_/ / /_/ /  / / / / / / / /_/ / /  / /_/ / /_/ /_/ / /
|__/|__/\___/_.___/ .___/  /_/ /_/ /_/_/\__, /_/   \__,_/\__/\____/_/
                 /_/                   /____/
------------------------------------------------------------`
	fmt.Println(banner)
	logging.Info("  Version:    %s", Version)
	logging.Info("  Commit:     %s", Commit)
	logging.Info("  Build Time: %s", BuildTime)
	logging.Info("  Started:    %s", time.Now().Format(time.RFC1123))
	logging.Info("")
}

func logSystemInfo() {
	logging.Info("------------------------------------------------------------")
	logging.Info("SYSTEM INFORMATION")
	logging.Info("------------------------------------------------------------")
	logging.Info("  Go version:      %s", runtime.Version())
	logging.Info("  OS/Arch:         %s/%s", runtime.GOOS, runtime.GOARCH)
	logging.Info("  CPUs available:  %d", runtime.NumCPU())
	logging.Info("  GOMAXPROCS:      %d", runtime.GOMAXPROCS(0))

	if logging.IsDebugEnabled() {
		if wd, err := os.Getwd(); err == nil {
			logging.Debug("  Working dir:     %s", wd)
		}
		if hostname, err := os.Hostname(); err == nil {
			logging.Debug("  Hostname:        %s", hostname)
		}
	}

	logging.Info("")
}

func testWriteAccess(dir string) error {
	testFile := filepath.Join(dir, ".webp-migrator-write-test")
	if err := os.WriteFile(testFile, []byte("test"), 0o644); err != nil {
		return err
	}
	if err := os.Remove(testFile); err != nil {
		logging.Warn("failed to remove write test file %s: %v", testFile, err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		logging.Warn("Invalid boolean value for %s: %q, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

// getEnvDuration accepts Go durations ("90s") and bare seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		logging.Warn("Invalid duration for %s: %q, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}
