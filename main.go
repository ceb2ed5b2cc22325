package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"webp-migrator/internal/handlers"
	"webp-migrator/internal/logging"
	"webp-migrator/internal/memory"
	"webp-migrator/internal/metrics"
	"webp-migrator/internal/middleware"
	"webp-migrator/internal/startup"

	"github.com/gorilla/mux"
)

func main() {
	startTime := time.Now()

	startup.LogMemoryConfig(memory.ConfigureFromEnv())

	// Load configuration
	config, err := startup.LoadConfig()
	if err != nil {
		startup.LogFatal("Configuration error: %v", err)
	}
	if config.DevMode {
		logging.SetLevel(logging.LevelDebug)
	}

	// Assemble the migration engine
	engine, err := startup.Open(context.Background(), config)
	if err != nil {
		startup.LogFatal("Failed to initialize migration engine: %v", err)
	}

	// Initialize handlers
	h := handlers.New(handlers.Deps{
		DB:        engine.DB,
		Scheduler: engine.Scheduler,
		Selector:  engine.Selector,
		Commits:   engine.Commits,
		Tracker:   engine.Pipeline.Tracker(),
		Ledger:    engine.Errors,
		TokenHash: config.TokenHash,
	})

	// Metrics
	var collector *metrics.Collector
	var metricsSrv *http.Server
	if config.MetricsEnabled {
		metrics.InitializeMetrics()
		metrics.SetAppInfo(startup.Version, startup.Commit, startup.GoVersion)
		collector = metrics.NewCollector(h, time.Minute)
		collector.Start()
		metricsSrv = startMetricsServer(config.MetricsPort, h)
	}

	// Setup router
	router := setupRouter(h)

	// Log routes dynamically
	startup.LogHTTPRoutes(router, config.LogHealthChecks)

	// Apply authentication middleware
	authedRouter := h.AuthMiddleware(router)

	// Apply metrics middleware
	measuredHandler := middleware.Metrics(middleware.DefaultMetricsConfig())(authedRouter)

	// Apply logging middleware
	loggingConfig := middleware.DefaultLoggingConfig()
	loggingConfig.LogHealthChecks = config.LogHealthChecks
	loggedHandler := middleware.Logger(loggingConfig)(measuredHandler)

	// Apply compression middleware
	compressionConfig := middleware.DefaultCompressionConfig()
	handler := middleware.Compression(compressionConfig)(loggedHandler)

	// Create server
	srv := &http.Server{
		Addr:         ":" + config.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start graceful shutdown handler
	done := make(chan struct{})
	go handleShutdown(srv, metricsSrv, collector, engine, config.Scheduler.StopTimeout, done)

	// Start server
	startup.LogServerStarted(startup.ServerConfig{
		Port:            config.Port,
		MetricsPort:     config.MetricsPort,
		MetricsEnabled:  config.MetricsEnabled,
		StartupDuration: time.Since(startTime),
	})
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		startup.LogFatal("Server error: %v", err)
	}
	<-done
}

func setupRouter(h *handlers.Handlers) *mux.Router {
	r := mux.NewRouter()

	// Health check and version routes (no auth required)
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.HandleFunc("/healthz", h.HealthCheck).Methods("GET")
	r.HandleFunc("/livez", h.LivenessCheck).Methods("GET", "HEAD")
	r.HandleFunc("/version", h.GetVersion).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()

	// Batch migration
	api.HandleFunc("/progress", h.GetProgress).Methods("GET")
	api.HandleFunc("/count", h.CountEligible).Methods("GET")
	api.HandleFunc("/run", h.StartRun).Methods("POST")
	api.HandleFunc("/stop", h.StopRun).Methods("POST")
	api.HandleFunc("/stats", h.GetStatsJSON).Methods("GET")

	// Single attachments
	api.HandleFunc("/attachments/{id:[0-9]+}/retry", h.RetryAttachment).Methods("POST")
	api.HandleFunc("/attachments/{id:[0-9]+}/commit", h.CommitAttachment).Methods("POST")
	api.HandleFunc("/attachments/{id:[0-9]+}/rollback", h.RollbackAttachment).Methods("POST")
	api.HandleFunc("/attachments/{id:[0-9]+}/status", h.GetAttachmentStatus).Methods("GET")
	api.HandleFunc("/relinked", h.ListRelinked).Methods("GET")
	api.HandleFunc("/commit-all", h.CommitAll).Methods("POST")

	// Error ledger
	api.HandleFunc("/errors", h.ListErrors).Methods("GET")
	api.HandleFunc("/errors", h.ClearErrors).Methods("DELETE")
	api.HandleFunc("/errors/reprocess", h.ReprocessErrors).Methods("POST")
	api.HandleFunc("/errors/{id:[0-9]+}", h.DeleteError).Methods("DELETE")

	// Settings
	api.HandleFunc("/settings", h.GetSettings).Methods("GET")
	api.HandleFunc("/settings", h.UpdateSettings).Methods("PUT")

	return r
}

func startMetricsServer(port string, h *handlers.Handlers) *http.Server {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", h.MetricsHandler())
	metricsMux.HandleFunc("/health", h.LivenessCheck)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Metrics server error: %v", err)
		}
	}()
	return srv
}

func handleShutdown(srv, metricsSrv *http.Server, collector *metrics.Collector, engine *startup.Engine, stopTimeout time.Duration, done chan<- struct{}) {
	defer close(done)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	startup.LogShutdownInitiated(sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	startup.LogShutdownStep("Shutting down HTTP server")
	if err := srv.Shutdown(ctx); err != nil {
		logging.Warn("Server shutdown error: %v", err)
	} else {
		startup.LogShutdownStepComplete("HTTP server stopped")
	}

	if engine.Scheduler.Running() {
		startup.LogShutdownStep("Stopping migration job")
		if err := engine.Scheduler.Stop(false); err != nil {
			logging.Warn("Failed to stop migration job: %v", err)
		}
		waitCtx, waitCancel := context.WithTimeout(context.Background(), stopTimeout+10*time.Second)
		if err := engine.Scheduler.Wait(waitCtx); err != nil {
			logging.Warn("Migration job did not stop in time: %v", err)
		} else {
			startup.LogShutdownStepComplete("Migration job stopped")
		}
		waitCancel()
	}

	if collector != nil {
		startup.LogShutdownStep("Stopping metrics collector")
		collector.Stop()
		startup.LogShutdownStepComplete("Metrics collector stopped")
	}

	if metricsSrv != nil {
		startup.LogShutdownStep("Shutting down metrics server")
		if err := metricsSrv.Shutdown(ctx); err != nil {
			logging.Warn("Metrics server shutdown error: %v", err)
		} else {
			startup.LogShutdownStepComplete("Metrics server stopped")
		}
	}

	startup.LogShutdownStep("Closing database")
	if err := engine.Close(); err != nil {
		logging.Warn("Database close error: %v", err)
	} else {
		startup.LogShutdownStepComplete("Database closed")
	}

	startup.LogShutdownComplete()
}
