package startup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"webp-migrator/internal/commit"
	"webp-migrator/internal/database"
	"webp-migrator/internal/filesystem"
	"webp-migrator/internal/ledger"
	"webp-migrator/internal/logging"
	"webp-migrator/internal/media"
	"webp-migrator/internal/memory"
	"webp-migrator/internal/metrics"
	"webp-migrator/internal/pipeline"
	"webp-migrator/internal/queue"
	"webp-migrator/internal/rewrite"
	"webp-migrator/internal/scheduler"
	"webp-migrator/internal/settings"
)

// Engine is the assembled migration stack shared by the server and the CLI.
type Engine struct {
	DB         *database.Database
	UploadsURL string
	Errors     *ledger.ErrorLedger
	Pipeline   *pipeline.Pipeline
	Selector   *queue.Selector
	Commits    *commit.Manager
	Scheduler  *scheduler.Scheduler
	Monitor    *memory.Monitor
}

// Open connects to the host, initializes the codecs and wires the pipeline,
// queue, commit manager and scheduler. A host that cannot be reached or
// lacks the attachment tables yields database.ErrNotReady.
func Open(ctx context.Context, cfg *Config) (*Engine, error) {
	dbStart := time.Now()
	db, err := database.New(ctx, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", database.ErrNotReady, err)
	}
	if err := db.CheckReady(ctx); err != nil {
		db.Close()
		return nil, err
	}
	LogDatabaseInit(time.Since(dbStart))

	uploadsURL, err := ResolveUploadsURL(ctx, db, cfg.UploadsURL)
	if err != nil {
		db.Close()
		return nil, err
	}
	logging.Info("Uploads URL: %s", uploadsURL)

	filesystem.SetObserver(metrics.FilesystemObserver{})
	filesystem.SetDefaultVolumeResolver(filesystem.NewVolumeResolver(map[string]string{
		"uploads": cfg.UploadsDir,
	}))

	e := &Engine{DB: db, UploadsURL: uploadsURL}
	if err := media.InitVips(0); err != nil {
		logging.Warn("libvips unavailable, using native encoders: %v", err)
	}
	LogCodecInit(media.IsVipsAvailable())

	e.Errors = ledger.NewErrorLedger(cfg.UploadsDir)
	var resizeLog *ledger.ResizeDebugLog
	if cfg.DevMode {
		resizeLog = ledger.NewResizeDebugLog(cfg.UploadsDir)
	}

	rw := rewrite.New(db)
	e.Pipeline = pipeline.New(pipeline.Dependencies{
		Store:      db,
		Meta:       db,
		Encoder:    media.DefaultAdapter(),
		Rewriter:   rw,
		Ledger:     e.Errors,
		Dimensions: ledger.NewDimensionLog(cfg.UploadsDir),
		ResizeLog:  resizeLog,
		UploadsDir: cfg.UploadsDir,
		UploadsURL: uploadsURL,
	})
	e.Selector = queue.NewSelector(db, e.Errors)
	e.Commits = commit.NewManager(db, db, rw, e.Errors, cfg.UploadsDir)
	e.Scheduler = scheduler.New(e.Pipeline, e.Selector, e.Errors, e.LoadSettings, cfg.Scheduler)

	e.Monitor = memory.NewMonitor(memory.DefaultConfig())
	e.Monitor.Start()
	e.Scheduler.SetPressureGate(e.Monitor)

	if cfg.SettingsFile != "" {
		if err := e.ImportSettings(ctx, cfg.SettingsFile); err != nil {
			e.Close()
			return nil, err
		}
	}
	return e, nil
}

// LoadSettings reads the migration settings from the host.
func (e *Engine) LoadSettings(ctx context.Context) (settings.Settings, error) {
	return settings.Load(ctx, e.DB)
}

// ImportSettings stores the settings from a YAML file in the host. Values
// out of range are a configuration error rather than being clamped.
func (e *Engine) ImportSettings(ctx context.Context, path string) error {
	s, err := settings.LoadYAMLFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if _, err := settings.Save(ctx, e.DB, s); err != nil {
		return fmt.Errorf("failed to store settings from %s: %w", path, err)
	}
	logging.Info("Imported migration settings from %s", path)
	return nil
}

// Close stops the memory monitor, releases libvips and closes the host
// database. The scheduler must already be stopped.
func (e *Engine) Close() error {
	if e.Monitor != nil {
		e.Monitor.Stop()
	}
	media.ShutdownVips()
	return e.DB.Close()
}

// IsHostNotReady reports whether err means the host could not be used.
func IsHostNotReady(err error) bool {
	return errors.Is(err, database.ErrNotReady)
}
