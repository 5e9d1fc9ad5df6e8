// Package main provides the harvester server entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/campustools/vover-harvester/internal/buildinfo"
	"github.com/campustools/vover-harvester/internal/changetrack"
	"github.com/campustools/vover-harvester/internal/config"
	"github.com/campustools/vover-harvester/internal/harvest"
	"github.com/campustools/vover-harvester/internal/logger"
	"github.com/campustools/vover-harvester/internal/metrics"
	"github.com/campustools/vover-harvester/internal/objstore"
	"github.com/campustools/vover-harvester/internal/progress"
	"github.com/campustools/vover-harvester/internal/sentry"
	"github.com/campustools/vover-harvester/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewWithBetterstack(cfg.LogLevel, cfg.BetterstackToken)
	log.Info("Starting vover harvester",
		"version", buildinfo.Version,
		"commit", buildinfo.Commit)

	if err := sentry.Initialize(sentry.Config{
		DSN:         cfg.SentryDSN,
		Environment: cfg.Environment,
		Release:     buildinfo.Version,
	}); err != nil {
		log.WithError(err).Warn("Failed to initialize Sentry, error tracking disabled")
	}
	defer sentry.Flush(2 * time.Second)

	// Optional snapshot restore before the database is opened.
	var snapshotter *objstore.Snapshotter
	if cfg.Snapshot.Enabled() {
		client, err := objstore.New(context.Background(), objstore.Config{
			Endpoint:    cfg.Snapshot.Endpoint,
			AccessKeyID: cfg.Snapshot.AccessKeyID,
			SecretKey:   cfg.Snapshot.SecretKey,
			Bucket:      cfg.Snapshot.Bucket,
		})
		if err != nil {
			log.WithError(err).Fatal("Failed to create object storage client")
		}
		snapshotter = objstore.NewSnapshotter(client, cfg.Snapshot.Key, log)
		if err := snapshotter.RestoreIfMissing(context.Background(), cfg.SQLitePath()); err != nil {
			log.WithError(err).Warn("Snapshot restore failed, starting with local state")
		}
	}

	db, err := storage.New(cfg.SQLitePath())
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer func() { _ = db.Close() }()
	log.WithField("path", cfg.SQLitePath()).Info("Database connected")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewBuildInfoCollector())
	m := metrics.New(registry)

	tracker := progress.NewTracker()
	changes := changetrack.NewTracker(db, log)
	manager := harvest.NewManager(cfg, db, changes, tracker, m, log)
	log.Info("Harvest manager created",
		"parallel", cfg.ParallelEnabled,
		"workers", cfg.ParallelMaxWorkers,
		"session_pool", cfg.ParallelSessionPool)

	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if sentry.IsEnabled() {
		router.Use(sentrygin.New(sentrygin.Options{Repanic: true}))
	}
	router.Use(securityHeadersMiddleware())
	router.Use(loggingMiddleware(log))

	srv := &server{
		cfg:     cfg,
		db:      db,
		manager: manager,
		changes: changes,
		log:     log,
	}
	setupRoutes(router, srv, registry)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Back the database up after every successful harvest, on the job's
	// goroutine so the snapshot sees the finished state.
	if snapshotter != nil {
		manager.OnJobSuccess(func() {
			backupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := snapshotter.Backup(backupCtx, db); err != nil {
				log.WithError(err).Error("Snapshot backup failed")
				sentry.CaptureException(err)
			}
		})
	}

	go func() {
		log.WithField("port", cfg.Port).Info("Server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	manager.StopScraping("Server wird beendet")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}

	if snapshotter != nil {
		backupCtx, backupCancel := context.WithTimeout(context.Background(), 2*time.Minute)
		if err := snapshotter.Backup(backupCtx, db); err != nil {
			log.WithError(err).Error("Final snapshot backup failed")
		}
		backupCancel()
	}

	if err := db.Close(); err != nil {
		log.WithError(err).Error("Failed to close database")
	}
	log.Info("Server stopped")
}
