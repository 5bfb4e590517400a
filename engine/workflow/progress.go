// Package workflow chains the pipeline passes (link discovery, content
// crawl, forum publish) into supervised executions with journaled progress,
// pre-step gating, and resume.
package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/contentrelay/contentrelay/engine/domain"
)

// Step and execution states as persisted in the journal.
const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
	StepSkipped   = "skipped"

	ExecRunning     = "running"
	ExecCompleted   = "completed"
	ExecFailed      = "failed"
	ExecInterrupted = "interrupted"
)

// Log ring bounds. When an execution accumulates more than maxLogEntries
// lines the oldest are dropped, keeping the most recent keepLogEntries.
const (
	maxLogEntries  = 1000
	keepLogEntries = 500
)

// LogEntry is one journaled log line.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// StepState records one step's progress within an execution.
type StepState struct {
	Name       string         `json:"name"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
	ErrorClass string         `json:"error_class,omitempty"`
	SkipReason string         `json:"skip_reason,omitempty"`
	Summary    map[string]any `json:"summary,omitempty"`
}

// Execution is the journaled record of one workflow run.
type Execution struct {
	ID        string       `json:"id"`
	Status    string       `json:"status"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   *time.Time   `json:"ended_at,omitempty"`
	Steps     []*StepState `json:"steps"`
	Logs      []LogEntry   `json:"logs"`
}

// Step returns the state for a named step, or nil.
func (e *Execution) Step(name string) *StepState {
	for _, s := range e.Steps {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Log appends one journal line, trimming the ring when it overflows.
func (e *Execution) Log(level, format string, args ...any) {
	e.Logs = append(e.Logs, LogEntry{
		Time:    time.Now(),
		Level:   level,
		Message: fmt.Sprintf(format, args...),
	})
	if len(e.Logs) > maxLogEntries {
		e.Logs = append([]LogEntry(nil), e.Logs[len(e.Logs)-keepLogEntries:]...)
	}
}

// Resumable reports whether the execution can be picked up again.
func (e *Execution) Resumable() bool {
	return e.Status == ExecFailed || e.Status == ExecInterrupted
}

// NewExecutionID derives an execution id from the wall clock.
func NewExecutionID(now time.Time) string {
	return now.Format("20060102_150405")
}

// Journal persists executions as one JSON file each under a directory.
type Journal struct {
	dir string
}

// OpenJournal creates the journal directory if needed.
func OpenJournal(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: journal dir: %v", domain.ErrConfig, err)
	}
	return &Journal{dir: dir}, nil
}

func (j *Journal) path(id string) string {
	return filepath.Join(j.dir, "progress_"+id+".json")
}

// Save writes the execution atomically so a crash mid-write never leaves a
// truncated journal behind.
func (j *Journal) Save(e *Execution) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(j.dir, "progress-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), j.path(e.ID))
}

// Load reads one execution by id.
func (j *Journal) Load(id string) (*Execution, error) {
	data, err := os.ReadFile(j.path(id))
	if err != nil {
		return nil, err
	}
	var e Execution
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("journal %s: %w", id, err)
	}
	return &e, nil
}

// List returns all journaled executions, newest first.
func (j *Journal) List() ([]*Execution, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, err
	}
	var out []*Execution
	for _, ent := range entries {
		name := ent.Name()
		if !strings.HasPrefix(name, "progress_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, "progress_"), ".json")
		e, err := j.Load(id)
		if err != nil {
			// A malformed journal should not hide the rest.
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID > out[b].ID })
	return out, nil
}

// ListResumable returns failed and interrupted executions, newest first.
func (j *Journal) ListResumable() ([]*Execution, error) {
	all, err := j.List()
	if err != nil {
		return nil, err
	}
	var out []*Execution
	for _, e := range all {
		if e.Resumable() {
			out = append(out, e)
		}
	}
	return out, nil
}
