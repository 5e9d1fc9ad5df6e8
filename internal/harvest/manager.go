package harvest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/campustools/vover-harvester/internal/changetrack"
	"github.com/campustools/vover-harvester/internal/config"
	apperrors "github.com/campustools/vover-harvester/internal/errors"
	"github.com/campustools/vover-harvester/internal/logger"
	"github.com/campustools/vover-harvester/internal/metrics"
	"github.com/campustools/vover-harvester/internal/progress"
	"github.com/campustools/vover-harvester/internal/scraper"
	"github.com/campustools/vover-harvester/internal/storage"
)

// BusyMessage is returned when a second job is submitted while one runs.
const BusyMessage = "Es läuft bereits ein Scraping-Prozess"

// defaultStopMessage is used when stop is called without a message, and as
// the fail message when a cancelled job is observed still running.
const defaultStopMessage = "Scraping abgebrochen"

// SubmitStatus classifies the outcome of a job submission.
type SubmitStatus int

const (
	SubmitAccepted SubmitStatus = iota
	SubmitBusy
	SubmitInvalidArgument
	SubmitInternalError
)

// SubmitResult is the outcome of a start method. Accepted means the job is
// scheduled; everything else means no job was created.
type SubmitResult struct {
	Status  SubmitStatus
	Message string
}

// Accepted reports whether the job was scheduled.
func (r SubmitResult) Accepted() bool { return r.Status == SubmitAccepted }

// RemoteSemester is one selectable entry of the catalog's dropdown.
type RemoteSemester struct {
	DisplayName string `json:"displayName"`
	ShortName   string `json:"shortName"`
}

type job struct {
	id      string
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}

	mu          sync.Mutex
	stopMessage string
}

func (j *job) isDone() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

// setStopMessage stores the first stop message; later calls lose.
func (j *job) setStopMessage(msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stopMessage == "" {
		j.stopMessage = msg
	}
}

func (j *job) getStopMessage() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stopMessage
}

// Manager owns the single job slot. At most one harvest job runs at any
// time; submissions while a job is live are rejected as busy.
type Manager struct {
	cfg     *config.Config
	db      *storage.DB
	runner  *Runner
	changes *changetrack.Tracker
	tracker *progress.Tracker
	metrics *metrics.Metrics
	log     *logger.Logger

	mu        sync.Mutex
	current   *job
	onSuccess func()
}

// NewManager wires the orchestrator.
func NewManager(cfg *config.Config, db *storage.DB, changes *changetrack.Tracker, tracker *progress.Tracker, m *metrics.Metrics, log *logger.Logger) *Manager {
	pipeline := NewPipeline(db, changes, tracker, m, log)
	return &Manager{
		cfg:     cfg,
		db:      db,
		runner:  NewRunner(cfg, db, pipeline, changes, tracker, m, log),
		changes: changes,
		tracker: tracker,
		metrics: m,
		log:     log.WithModule("manager"),
	}
}

// OnJobSuccess registers a callback run on the job goroutine after every
// successfully completed job, e.g. a database backup.
func (m *Manager) OnJobSuccess(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSuccess = fn
}

// IsJobRunning reports whether a job currently occupies the slot.
func (m *Manager) IsJobRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && !m.current.isDone()
}

// ProgressSnapshot returns the tracker state.
func (m *Manager) ProgressSnapshot() progress.Snapshot {
	return m.tracker.Snapshot()
}

// StartDiscoveryJob harvests every semester the catalog offers, creating
// missing local semesters along the way.
func (m *Manager) StartDiscoveryJob() SubmitResult {
	return m.submit("Vollständige Erfassung gestartet", m.runDiscovery)
}

// StartRemoteScrapingJob harvests the semesters matching the given
// free-form identifiers. An empty list is rejected without creating a job.
func (m *Manager) StartRemoteScrapingJob(identifiers []string) SubmitResult {
	if len(identifiers) == 0 {
		return SubmitResult{Status: SubmitInvalidArgument, Message: "keine Semester angegeben"}
	}
	for _, id := range identifiers {
		if normalizeIdentifier(id) == "" {
			return SubmitResult{Status: SubmitInvalidArgument, Message: "leerer Semester-Bezeichner"}
		}
	}
	return m.submit("Erfassung ausgewählter Semester gestartet", func(ctx context.Context) error {
		return m.runRemote(ctx, identifiers)
	})
}

// StartLocalScrapingJob harvests one existing local semester. Unknown ids
// are rejected without creating a job.
func (m *Manager) StartLocalScrapingJob(semesterID int64) SubmitResult {
	semester, err := m.db.GetSemesterByID(context.Background(), semesterID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return SubmitResult{Status: SubmitInvalidArgument, Message: "unbekanntes Semester"}
		}
		return SubmitResult{Status: SubmitInternalError, Message: err.Error()}
	}
	return m.submit("Erfassung "+semester.Name+" gestartet", func(ctx context.Context) error {
		return m.runLocal(ctx, semester)
	})
}

// submit claims the job slot and schedules fn on its own goroutine.
func (m *Manager) submit(initialMessage string, fn func(ctx context.Context) error) SubmitResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && !m.current.isDone() {
		m.tracker.Log(progress.LevelWarn, BusyMessage)
		return SubmitResult{Status: SubmitBusy, Message: BusyMessage}
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		id:      uuid.NewString(),
		started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	m.current = j

	m.tracker.Reset("")
	m.tracker.Start(0, "Initialisierung", initialMessage)
	m.log.Info("job accepted", "job_id", j.id)

	go func() {
		defer close(j.done)
		defer cancel()
		m.finishJob(j, fn(ctx))
	}()

	return SubmitResult{Status: SubmitAccepted, Message: initialMessage}
}

func (m *Manager) finishJob(j *job, err error) {
	elapsed := time.Since(j.started)
	stopMsg := j.getStopMessage()
	switch {
	case err == nil:
		m.metrics.RecordRun("success", elapsed.Seconds())
		m.tracker.Finish("Scraping abgeschlossen")
		m.log.Info("job finished", "job_id", j.id)
		m.mu.Lock()
		onSuccess := m.onSuccess
		m.mu.Unlock()
		if onSuccess != nil {
			onSuccess()
		}
	case stopMsg != "" || errors.Is(err, context.Canceled):
		m.metrics.RecordRun("cancelled", elapsed.Seconds())
		// A stopped job ends idle with the stop message; the failed
		// variant only appears if a snapshot races the transition.
		if m.tracker.Status() == progress.StatusRunning {
			m.tracker.Fail(defaultStopMessage)
		}
		if stopMsg == "" {
			stopMsg = defaultStopMessage
		}
		m.tracker.Reset(stopMsg)
		m.log.Info("job cancelled", "job_id", j.id, "reason", stopMsg)
	default:
		m.metrics.RecordRun("failure", elapsed.Seconds())
		m.tracker.Fail(err.Error())
		m.log.WithError(err).Error("job failed", "job_id", j.id)
	}
}

// StopScraping cancels the current job. Idempotent; calling without a
// running job only resets an eventually stale tracker.
func (m *Manager) StopScraping(message string) {
	if message == "" {
		message = defaultStopMessage
	}

	m.mu.Lock()
	j := m.current
	m.mu.Unlock()

	if j == nil || j.isDone() {
		// Nothing to cancel; clear leftover state if the tracker still
		// claims activity.
		if m.tracker.Status() == progress.StatusRunning || m.tracker.Status() == progress.StatusPaused {
			m.tracker.Reset(message)
		}
		return
	}

	j.setStopMessage(message)
	j.cancel()
	m.log.Info("stop requested", "job_id", j.id, "reason", message)
}

// PauseScraping marks the job paused. Advisory only: workers keep running,
// the status is reflected in snapshots.
func (m *Manager) PauseScraping(message string) {
	if !m.IsJobRunning() {
		return
	}
	if message == "" {
		message = "Scraping pausiert"
	}
	m.tracker.Pause(message)
}

// AvailableRemoteSemesters lists the catalog's semester dropdown with
// inferred short names.
func (m *Manager) AvailableRemoteSemesters(ctx context.Context) ([]RemoteSemester, error) {
	session, err := scraper.NewSession(m.runner.sessionOptions())
	if err != nil {
		return nil, err
	}
	options, err := session.FetchSemesterOptions(ctx)
	if err != nil {
		return nil, err
	}

	semesters := make([]RemoteSemester, 0, len(options))
	for _, option := range options {
		semesters = append(semesters, RemoteSemester{
			DisplayName: option.DisplayName,
			ShortName:   InferShortName(option.DisplayName),
		})
	}
	return semesters, nil
}
