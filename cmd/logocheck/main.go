// Command logocheck is the batch image-validation orchestrator: it wires
// the store, tracker, detector client, ingest pipeline, progress hub,
// session store, maintenance scheduler, and HTTP surface together, runs
// startup recovery, and serves until a shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hazyhaar/logocheck/logocheck"
	"github.com/hazyhaar/logocheck/logocheck/internal/batch"
	"github.com/hazyhaar/logocheck/logocheck/internal/config"
	"github.com/hazyhaar/logocheck/logocheck/internal/detector"
	"github.com/hazyhaar/logocheck/logocheck/internal/httpapi"
	"github.com/hazyhaar/logocheck/logocheck/internal/ingest"
	"github.com/hazyhaar/logocheck/logocheck/internal/maintenance"
	"github.com/hazyhaar/logocheck/logocheck/internal/notify"
	"github.com/hazyhaar/logocheck/logocheck/internal/progress"
	"github.com/hazyhaar/logocheck/logocheck/internal/recovery"
	"github.com/hazyhaar/logocheck/logocheck/internal/session"
	"github.com/hazyhaar/logocheck/logocheck/internal/store"
)

func main() {
	yamlPath := flag.String("config", "", "optional YAML config overlay path")
	flag.Parse()

	cfg, err := config.Load(*yamlPath)
	if err != nil {
		slog.Error("config load", "error", err)
		os.Exit(1)
	}
	if cfg.AdminUsername == "" || cfg.AdminPassword == "" {
		slog.Error("ADMIN_USERNAME and ADMIN_PASSWORD are required")
		os.Exit(1)
	}
	if cfg.DetectorURL == "" {
		slog.Error("DETECTOR_URL is required")
		os.Exit(1)
	}

	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(cfg.StoreRoot)
	if err != nil {
		logger.Error("store init", "error", err)
		os.Exit(1)
	}

	var notifier batch.Notifier
	smtpPort, _ := strconv.Atoi(cfg.SMTPPort)
	notifier = notify.New(notify.SMTPConfig{
		Host: cfg.SMTPHost,
		Port: smtpPort,
		User: cfg.SMTPUser,
		Pass: cfg.SMTPPass,
		From: cfg.SMTPFrom,
	}, logger)

	tracker := batch.New(st, logocheck.NewBatchID,
		batch.WithLogger(logger),
		batch.WithNotifier(notifier),
	)

	det, err := detector.New(detector.Config{
		BaseURL:             cfg.DetectorURL,
		Timeout:             cfg.DetectorTimeout,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		Logger:              logger,
	})
	if err != nil {
		logger.Error("detector init", "error", err)
		os.Exit(1)
	}

	hub := progress.New(cfg.StaleWindow, logger)
	pruner := progress.NewPruner(hub, cfg.HeartbeatPeriod)
	pruner.Start()
	defer pruner.Stop()

	policy := ingest.RetryPolicy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		Multiplier:  cfg.RetryMultiplier,
	}
	pipeline := ingest.New(st, tracker, det, hub, policy, cfg.WorkerConcurrency, logger)
	defer pipeline.Stop(30 * time.Second)

	if err := recovery.Run(st, tracker, pipeline, logger); err != nil {
		logger.Error("recovery", "error", err)
		os.Exit(1)
	}

	sessions, err := session.New(cfg.AdminUsername, cfg.AdminPassword, cfg.SessionTTL,
		logocheck.NewSessionID, logocheck.NewCSRFNonce)
	if err != nil {
		logger.Error("session store init", "error", err)
		os.Exit(1)
	}

	maint := maintenance.New(st, tracker, sessions, maintenance.Config{
		TempSweepPeriod:    cfg.TempSweepPeriod,
		TempAge:            cfg.TempAge,
		BatchSweepPeriod:   cfg.BatchSweepPeriod,
		BatchAge:           cfg.BatchAge,
		PendingAgeCap:      cfg.PendingAgeCap,
		SessionSweepPeriod: cfg.SessionSweepPeriod,
	}, logger)
	maint.Start()
	defer maint.Stop()

	srv := httpapi.New(httpapi.Config{
		Tracker:          tracker,
		Pipeline:         pipeline,
		Hub:              hub,
		Sessions:         sessions,
		Maintenance:      maint,
		NewClientID:      logocheck.NewClientID,
		ArchiveThreshold: cfg.ArchiveThreshold,
		Logger:           logger,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Host + ":" + cfg.Port,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	logger.Info("server stopped")
}
