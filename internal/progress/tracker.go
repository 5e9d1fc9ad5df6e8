// Package progress tracks the state of the current harvest job: aggregate
// status, per-subtask counters and a bounded log ring. All mutations hold
// one mutex; readers take an immutable Snapshot.
package progress

import (
	"math"
	"sync"
	"time"
)

// Status of the tracker or one of its sub-tasks.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Log levels of the ring entries.
const (
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
	LevelDebug = "DEBUG"
)

// maxLogEntries bounds the log ring.
const maxLogEntries = 100

// LogEntry is one line of the bounded log ring.
type LogEntry struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SubTask is the progress of one unit of work, typically a study program.
type SubTask struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Status    Status    `json:"status"`
	Processed int       `json:"processed"`
	Total     int       `json:"total"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message,omitempty"`
	StartedAt time.Time `json:"startedAt,omitzero"`
}

// Snapshot is an immutable copy of the tracker state.
type Snapshot struct {
	Status      Status     `json:"status"`
	CurrentTask string     `json:"currentTask"`
	Processed   int        `json:"processedCount"`
	Total       int        `json:"totalCount"`
	Progress    int        `json:"progress"`
	Message     string     `json:"message,omitempty"`
	Logs        []LogEntry `json:"logs"`
	SubTasks    []SubTask  `json:"subTasks"`
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	status      Status
	currentTask string
	processed   int
	total       int
	message     string
	logs        []LogEntry
	subTasks    []*SubTask

	now func() time.Time // test hook
}

// NewTracker creates an idle tracker.
func NewTracker() *Tracker {
	return &Tracker{status: StatusIdle, now: time.Now}
}

// Start transitions to running and resets the counters.
func (t *Tracker) Start(total int, task, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusRunning
	t.currentTask = task
	t.processed = 0
	t.total = total
	t.message = message
	t.appendLog(LevelInfo, message)
}

// Update advances the counters while running. Empty task and message keep
// the current values; total < 0 keeps the current total.
func (t *Tracker) Update(task string, processed, total int, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if task != "" {
		t.currentTask = task
	}
	t.processed = processed
	if total >= 0 {
		t.total = total
	}
	if message != "" {
		t.message = message
		t.appendLog(LevelInfo, message)
	}
}

// Finish transitions to completed with full progress.
func (t *Tracker) Finish(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusCompleted
	t.processed = t.total
	t.message = message
	t.appendLog(LevelInfo, message)
}

// Fail transitions to failed.
func (t *Tracker) Fail(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusFailed
	t.message = message
	t.appendLog(LevelError, message)
}

// Pause transitions to paused. Workers are not stopped; the status is
// advisory.
func (t *Tracker) Pause(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusPaused
	if message != "" {
		t.message = message
		t.appendLog(LevelWarn, message)
	}
}

// Reset returns to idle and clears counters and sub-tasks. The log ring
// survives so operators can inspect the previous job.
func (t *Tracker) Reset(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusIdle
	t.currentTask = ""
	t.processed = 0
	t.total = 0
	t.message = message
	t.subTasks = nil
	if message != "" {
		t.appendLog(LevelInfo, message)
	}
}

// Log appends a line to the ring without touching counters.
func (t *Tracker) Log(level, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.appendLog(level, message)
}

// StartSubTask registers a sub-task and marks it running. An existing
// sub-task with the same id is restarted.
func (t *Tracker) StartSubTask(id, label string, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub := t.findSubTask(id)
	if sub == nil {
		sub = &SubTask{ID: id}
		t.subTasks = append(t.subTasks, sub)
	}
	sub.Label = label
	sub.Status = StatusRunning
	sub.Processed = 0
	sub.Total = total
	sub.Progress = 0
	sub.Message = ""
	sub.StartedAt = t.now()
}

// UpdateSubTask advances a sub-task's counters.
func (t *Tracker) UpdateSubTask(id string, processed, total int, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub := t.findSubTask(id)
	if sub == nil {
		return
	}
	sub.Processed = processed
	if total >= 0 {
		sub.Total = total
	}
	if message != "" {
		sub.Message = message
	}
	sub.Progress = percentage(sub.Processed, sub.Total)
}

// FinishSubTask marks a sub-task completed or failed.
func (t *Tracker) FinishSubTask(id string, failed bool, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub := t.findSubTask(id)
	if sub == nil {
		return
	}
	if failed {
		sub.Status = StatusFailed
	} else {
		sub.Status = StatusCompleted
		sub.Processed = sub.Total
		sub.Progress = 100
	}
	if message != "" {
		sub.Message = message
	}
}

// Snapshot returns an immutable copy with the last 100 log lines and a
// deep-copied sub-task list.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		Status:      t.status,
		CurrentTask: t.currentTask,
		Processed:   t.processed,
		Total:       t.total,
		Progress:    t.aggregateProgress(),
		Message:     t.message,
		Logs:        make([]LogEntry, len(t.logs)),
		SubTasks:    make([]SubTask, len(t.subTasks)),
	}
	copy(snap.Logs, t.logs)
	for i, sub := range t.subTasks {
		snap.SubTasks[i] = *sub
	}
	return snap
}

// Status returns the current status without building a full snapshot.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Tracker) findSubTask(id string) *SubTask {
	for _, sub := range t.subTasks {
		if sub.ID == id {
			return sub
		}
	}
	return nil
}

func (t *Tracker) appendLog(level, message string) {
	if message == "" {
		return
	}
	t.logs = append(t.logs, LogEntry{Level: level, Message: message, Timestamp: t.now()})
	if len(t.logs) > maxLogEntries {
		t.logs = append(t.logs[:0], t.logs[len(t.logs)-maxLogEntries:]...)
	}
}

// aggregateProgress prefers the sub-task totals when any exist; without
// totals it averages the per-subtask percentages.
func (t *Tracker) aggregateProgress() int {
	if len(t.subTasks) == 0 {
		return percentage(t.processed, t.total)
	}

	sumProcessed, sumTotal := 0, 0
	for _, sub := range t.subTasks {
		sumProcessed += sub.Processed
		sumTotal += sub.Total
	}
	if sumTotal > 0 {
		return percentage(sumProcessed, sumTotal)
	}

	sum := 0
	for _, sub := range t.subTasks {
		sum += sub.Progress
	}
	return sum / len(t.subTasks)
}

func percentage(processed, total int) int {
	if total <= 0 {
		return 0
	}
	p := int(math.Round(float64(processed) / float64(total) * 100))
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
