// Package main provides a one-shot harvest CLI. It runs a single job to
// completion and exits non-zero on failure, for cron-style scheduling.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/campustools/vover-harvester/internal/changetrack"
	"github.com/campustools/vover-harvester/internal/config"
	"github.com/campustools/vover-harvester/internal/harvest"
	"github.com/campustools/vover-harvester/internal/logger"
	"github.com/campustools/vover-harvester/internal/metrics"
	"github.com/campustools/vover-harvester/internal/progress"
	"github.com/campustools/vover-harvester/internal/storage"
)

func main() {
	var (
		list     = flag.Bool("list", false, "print the catalog's selectable semesters and exit")
		discover = flag.Bool("discover", false, "harvest every semester the catalog offers")
		semester = flag.String("semester", "", "comma-separated semester identifiers, e.g. \"SS24,WS24/25\"")
		localID  = flag.Int64("semester-id", 0, "harvest one existing local semester by id")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel)

	db, err := storage.New(cfg.SQLitePath())
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer func() { _ = db.Close() }()

	tracker := progress.NewTracker()
	changes := changetrack.NewTracker(db, log)
	m := metrics.New(prometheus.NewRegistry())
	manager := harvest.NewManager(cfg, db, changes, tracker, m, log)

	if *list {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		defer cancel()
		remotes, err := manager.AvailableRemoteSemesters(ctx)
		if err != nil {
			log.Fatal("Failed to list remote semesters", "error", err.Error())
		}
		for _, remote := range remotes {
			fmt.Printf("%s\t%s\n", remote.ShortName, remote.DisplayName)
		}
		return
	}

	var result harvest.SubmitResult
	switch {
	case *discover:
		result = manager.StartDiscoveryJob()
	case *semester != "":
		var identifiers []string
		for _, id := range strings.Split(*semester, ",") {
			if id = strings.TrimSpace(id); id != "" {
				identifiers = append(identifiers, id)
			}
		}
		result = manager.StartRemoteScrapingJob(identifiers)
	case *localID > 0:
		result = manager.StartLocalScrapingJob(*localID)
	default:
		flag.Usage()
		os.Exit(2)
	}

	if !result.Accepted() {
		log.Fatal("Job rejected", "reason", result.Message)
	}

	// The manager runs the job on its own goroutine; poll until it ends.
	for manager.IsJobRunning() {
		time.Sleep(time.Second)
	}

	snap := manager.ProgressSnapshot()
	switch snap.Status {
	case progress.StatusFailed:
		log.Fatal("Harvest failed", "message", snap.Message)
	default:
		log.Info("Harvest finished", "status", string(snap.Status), "message", snap.Message)
	}
}
