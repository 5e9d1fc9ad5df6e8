package harvest

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"

	"github.com/campustools/vover-harvester/internal/changetrack"
	"github.com/campustools/vover-harvester/internal/config"
	"github.com/campustools/vover-harvester/internal/logger"
	"github.com/campustools/vover-harvester/internal/metrics"
	"github.com/campustools/vover-harvester/internal/progress"
	"github.com/campustools/vover-harvester/internal/scraper"
	"github.com/campustools/vover-harvester/internal/storage"
)

// workerPoolTimeout bounds the parallel fan-out of one semester.
const workerPoolTimeout = 60 * time.Minute

// Runner scrapes one semester: it fetches the study programs, walks every
// program's fach-semesters and feeds each schedule row to the pipeline.
type Runner struct {
	cfg      *config.Config
	db       *storage.DB
	pipeline *Pipeline
	changes  *changetrack.Tracker
	tracker  *progress.Tracker
	metrics  *metrics.Metrics
	log      *logger.Logger
}

// NewRunner wires the semester runner.
func NewRunner(cfg *config.Config, db *storage.DB, pipeline *Pipeline, changes *changetrack.Tracker, tracker *progress.Tracker, m *metrics.Metrics, log *logger.Logger) *Runner {
	return &Runner{
		cfg:      cfg,
		db:       db,
		pipeline: pipeline,
		changes:  changes,
		tracker:  tracker,
		metrics:  m,
		log:      log.WithModule("harvest"),
	}
}

func (r *Runner) sessionOptions() scraper.SessionOptions {
	return scraper.SessionOptions{
		BaseURL:    r.cfg.BaseURL,
		UserAgent:  r.cfg.UserAgent,
		Timeout:    r.cfg.Timeout,
		Delay:      r.cfg.RespectfulDelay,
		MaxRetries: r.cfg.MaxRetries,
		RetryDelay: r.cfg.RetryDelay,
		FixLegacy:  r.cfg.FixLegacyEncoding,
		Logger:     r.log,
	}
}

// ScrapeSemester runs one full semester harvest inside an open run record.
// The returned stats are what was persisted even when an error aborts the
// harvest midway.
func (r *Runner) ScrapeSemester(ctx context.Context, semester storage.Semester, option scraper.SemesterOption) (Stats, error) {
	run, err := r.changes.StartScrapingRun(ctx, semester.ID, r.cfg.BaseURL)
	if err != nil {
		return Stats{}, err
	}

	start := time.Now()
	stats, err := r.scrapePrograms(ctx, semester, option, run.ID)
	elapsed := time.Since(start)
	r.metrics.SemesterDuration.Observe(elapsed.Seconds())

	if err != nil {
		r.metrics.RecordError()
		// Closing the run must survive the job context being cancelled.
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if ctx.Err() != nil {
			if cancelErr := r.changes.CancelScrapingRun(closeCtx, run.ID, err.Error()); cancelErr != nil {
				r.log.WithError(cancelErr).Error("failed to cancel scraping run", "run_id", run.ID)
			}
		} else if failErr := r.changes.FailScrapingRun(closeCtx, run.ID, err.Error()); failErr != nil {
			r.log.WithError(failErr).Error("failed to close scraping run", "run_id", run.ID)
		}
		return stats, err
	}

	if err := r.changes.CompleteScrapingRun(ctx, run.ID, stats.TotalEntries, stats.NewEntries, stats.UpdatedEntries); err != nil {
		return stats, err
	}
	r.log.Info("semester harvested",
		"semester", semester.Name,
		"programs", stats.Programs,
		"total", stats.TotalEntries,
		"new", stats.NewEntries,
		"updated", stats.UpdatedEntries,
		"duration", elapsed.String())
	return stats, nil
}

func (r *Runner) scrapePrograms(ctx context.Context, semester storage.Semester, option scraper.SemesterOption, runID int64) (Stats, error) {
	session, err := scraper.NewSession(r.sessionOptions())
	if err != nil {
		return Stats{}, err
	}
	if err := r.primeSession(ctx, session, option); err != nil {
		return Stats{}, err
	}

	programs, err := session.FetchStudyPrograms(ctx)
	if err != nil {
		return Stats{}, err
	}
	if err := r.ensureStudyPrograms(ctx, runID, programs); err != nil {
		return Stats{}, err
	}

	r.tracker.Update(semester.Name, 0, len(programs),
		fmt.Sprintf("%d Studiengänge gefunden", len(programs)))

	if r.cfg.ParallelEnabled && r.cfg.ParallelMaxWorkers > 1 {
		return r.scrapeParallel(ctx, semester, option, runID, programs)
	}
	return r.scrapeSerial(ctx, session, semester, runID, programs)
}

// primeSession aligns a session's server-side state with the target
// semester.
func (r *Runner) primeSession(ctx context.Context, session *scraper.Session, option scraper.SemesterOption) error {
	if _, err := session.FetchSemesterOptions(ctx); err != nil {
		return err
	}
	return session.SelectSemester(ctx, option.DisplayName)
}

func (r *Runner) scrapeSerial(ctx context.Context, session *scraper.Session, semester storage.Semester, runID int64, programs []scraper.StudyProgramOption) (Stats, error) {
	var total Stats
	for i, program := range programs {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		stats, err := r.scrapeStudyProgram(ctx, session, semester, runID, program)
		total.add(stats)
		if err != nil {
			return total, err
		}
		r.tracker.Update("", i+1, -1, "")
	}
	return total, nil
}

func (r *Runner) scrapeParallel(ctx context.Context, semester storage.Semester, option scraper.SemesterOption, runID int64, programs []scraper.StudyProgramOption) (Stats, error) {
	pool, err := scraper.NewPool(r.cfg.ParallelSessionPool, r.sessionOptions())
	if err != nil {
		return Stats{}, err
	}
	// Every pooled session must select the semester before workers start.
	// The leases are held until all sessions are primed; releasing between
	// acquires would hand out the same slot again and leave the rest of the
	// pool on the server's default semester.
	leases := make([]*scraper.Lease, 0, pool.Size())
	releaseAll := func() {
		for _, lease := range leases {
			lease.Release()
		}
	}
	for i := 0; i < pool.Size(); i++ {
		lease, err := pool.Acquire(ctx)
		if err != nil {
			releaseAll()
			return Stats{}, err
		}
		leases = append(leases, lease)
	}
	for _, lease := range leases {
		if err := r.primeSession(ctx, lease.Session(), option); err != nil {
			releaseAll()
			return Stats{}, err
		}
	}
	releaseAll()

	poolCtx, cancel := context.WithTimeout(ctx, workerPoolTimeout)
	defer cancel()

	collector := newStatsCollector(len(programs))
	var processed atomic.Int64
	g, gCtx := errgroup.WithContext(poolCtx)
	g.SetLimit(r.cfg.ParallelMaxWorkers)

	for _, program := range programs {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			lease, err := pool.Acquire(gCtx)
			if err != nil {
				return err
			}
			stats, err := r.scrapeStudyProgram(gCtx, lease.Session(), semester, runID, program)
			lease.Release()
			collector.report(stats)
			if err != nil {
				return err
			}
			r.tracker.Update("", int(processed.Add(1)), -1, "")
			return scraper.Sleep(gCtx, r.cfg.ParallelInterTaskDelay)
		})
	}

	err = g.Wait()
	total := collector.wait()
	if err == nil && poolCtx.Err() != nil {
		err = poolCtx.Err()
	}
	return total, err
}

func (r *Runner) scrapeStudyProgram(ctx context.Context, session *scraper.Session, semester storage.Semester, runID int64, program scraper.StudyProgramOption) (Stats, error) {
	start := time.Now()
	defer func() {
		r.metrics.ProgramDuration.Observe(time.Since(start).Seconds())
	}()

	subID := program.Code
	r.tracker.StartSubTask(subID, program.DisplayName, 0)

	doc, err := session.OpenProgram(ctx, program)
	if err != nil {
		r.tracker.FinishSubTask(subID, true, err.Error())
		return Stats{}, err
	}

	options := scraper.ParseFachSemesterOptions(doc)
	r.tracker.UpdateSubTask(subID, 0, len(options), "")

	var stats Stats
	stats.Programs = 1
	for i, fachSemester := range options {
		if err := ctx.Err(); err != nil {
			r.tracker.FinishSubTask(subID, true, "abgebrochen")
			return stats, err
		}

		pageDoc := doc
		if fachSemester.PostRequired {
			pageDoc, err = session.OpenProgramSemester(ctx, program, fachSemester.Value)
			if err != nil {
				r.tracker.FinishSubTask(subID, true, err.Error())
				return stats, err
			}
		}

		tableStats, err := r.persistTable(ctx, pageDoc, RowContext{
			RunID:        runID,
			SemesterID:   semester.ID,
			Program:      program,
			FachSemester: fachSemester.Value,
		})
		stats.add(tableStats)
		if err != nil {
			r.tracker.FinishSubTask(subID, true, err.Error())
			return stats, err
		}
		r.tracker.UpdateSubTask(subID, i+1, -1, "")
	}

	r.tracker.FinishSubTask(subID, false, "")
	return stats, nil
}

func (r *Runner) persistTable(ctx context.Context, doc *goquery.Document, rc RowContext) (Stats, error) {
	table, err := scraper.ParseScheduleRows(doc)
	if err != nil {
		// A program page without a schedule table is normal for empty
		// fach-semesters.
		r.tracker.Log(progress.LevelWarn,
			fmt.Sprintf("%s %s: %v", rc.Program.Code, rc.FachSemester, err))
		return Stats{}, nil
	}

	stats := Stats{SkippedRows: table.Skipped}
	if table.Skipped > 0 {
		r.tracker.Log(progress.LevelWarn,
			fmt.Sprintf("%s %s: %d Zeilen übersprungen", rc.Program.Code, rc.FachSemester, table.Skipped))
	}

	for _, row := range table.Rows {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		outcome, err := r.pipeline.PersistRow(ctx, rc, row)
		if err != nil {
			return stats, err
		}
		stats.TotalEntries++
		switch outcome {
		case RowCreated:
			stats.NewEntries++
		case RowUpdated:
			stats.UpdatedEntries++
		}
	}
	return stats, nil
}

// ensureStudyPrograms upserts the discovered program list as reference
// entities before any worker needs to link against them.
func (r *Runner) ensureStudyPrograms(ctx context.Context, runID int64, programs []scraper.StudyProgramOption) error {
	for _, option := range programs {
		existing, err := storage.GetStudyProgramByCode(ctx, r.db.Conn(), option.Code)
		if err != nil && !isNotFound(err) {
			return err
		}

		degree := DegreeOf(option.DisplayName)
		if isNotFound(err) {
			created, err := storage.CreateStudyProgram(ctx, r.db.Conn(), storage.StudyProgram{
				Code:    option.Code,
				Name:    option.DisplayName,
				Degree:  degree,
				Faculty: option.Faculty,
				Active:  true,
			})
			if err != nil {
				if storage.IsUniqueViolation(err) {
					continue
				}
				return err
			}
			if err := r.changes.LogEntityCreated(ctx, r.db.Conn(), runID,
				changetrack.EntityStudyProgram, created.ID, "study program "+option.DisplayName); err != nil {
				return err
			}
			continue
		}

		if existing.Name != option.DisplayName || existing.Faculty != option.Faculty || existing.Degree != degree {
			existing.Name = option.DisplayName
			existing.Faculty = option.Faculty
			existing.Degree = degree
			if err := storage.UpdateStudyProgram(ctx, r.db.Conn(), existing); err != nil {
				return err
			}
		}
	}
	return nil
}

// DegreeOf guesses the degree kind from a program display name.
func DegreeOf(displayName string) string {
	lower := strings.ToLower(displayName)
	switch {
	case strings.Contains(lower, "master"):
		return storage.DegreeMaster
	case strings.Contains(lower, "bachelor"):
		return storage.DegreeBachelor
	case strings.Contains(lower, "promotion") || strings.Contains(lower, "doktor"):
		return storage.DegreeDoctorate
	default:
		return storage.DegreeDiploma
	}
}
