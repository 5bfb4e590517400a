package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/contentrelay/contentrelay/engine/domain"
	"github.com/contentrelay/contentrelay/pkg/natsutil"
)

// ErrExecutionRunning rejects a start or resume while another execution
// holds the gate. The pipeline shares one browser and publishes with
// serial-only position math, so executions never overlap.
var ErrExecutionRunning = errors.New("a workflow execution is already running")

// Gate serialises executions. Engines that share a Gate, such as one-off
// engines built with overridden limits, exclude each other too.
type Gate struct {
	busy atomic.Bool
}

// NewGate creates an execution gate.
func NewGate() *Gate { return &Gate{} }

func (g *Gate) acquire() bool { return g.busy.CompareAndSwap(false, true) }
func (g *Gate) release()      { g.busy.Store(false) }

// GateDecision is a gate's verdict before a step runs.
type GateDecision struct {
	Skip   bool
	Reason string
}

// Step is one unit of a workflow.
type Step struct {
	Name string
	// Timeout bounds one attempt. Zero means no per-attempt limit.
	Timeout time.Duration
	// Retries is the number of attempts after the first.
	Retries int
	// Gate decides whether the step needs to run at all. Nil gates always
	// run. SkipOnGateError picks the safe side when the gate itself errors.
	Gate            func(ctx context.Context) (GateDecision, error)
	SkipOnGateError bool
	// Run does the work and returns summary counters for the journal.
	Run func(ctx context.Context) (map[string]any, error)
}

// Event is published on NATS as an execution changes state.
type Event struct {
	ExecutionID string    `json:"execution_id"`
	Status      string    `json:"status"`
	Step        string    `json:"step,omitempty"`
	StepStatus  string    `json:"step_status,omitempty"`
	Time        time.Time `json:"time"`
}

// EventSubject is the NATS subject execution events go out on.
const EventSubject = "workflow.executions"

// Engine runs step sequences under a journal.
type Engine struct {
	journal *Journal
	steps   []Step
	nc      *nats.Conn
	log     *slog.Logger
	gate    *Gate

	// now is swappable in tests.
	now func() time.Time
}

// NewEngine creates an Engine. nc may be nil; events are then not published.
func NewEngine(journal *Journal, steps []Step, nc *nats.Conn, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		journal: journal,
		steps:   steps,
		nc:      nc,
		log:     log.With("component", "workflow"),
		gate:    NewGate(),
		now:     time.Now,
	}
}

// WithGate swaps in a shared gate so several engines over the same journal
// exclude each other. Returns the engine for chaining.
func (e *Engine) WithGate(g *Gate) *Engine {
	e.gate = g
	return e
}

// Run starts a fresh execution and drives it to a terminal status. The
// returned execution is always journaled; the error reflects journal or
// context trouble, never a step failure.
func (e *Engine) Run(ctx context.Context) (*Execution, error) {
	exec, err := e.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return e.Drive(ctx, exec)
}

// Begin creates and journals a fresh execution without running it. Callers
// that want to answer immediately pass the result to Drive on a goroutine.
// The gate is held from here until Drive finishes; a concurrent Begin or
// BeginResume gets ErrExecutionRunning.
func (e *Engine) Begin(ctx context.Context) (*Execution, error) {
	if !e.gate.acquire() {
		return nil, ErrExecutionRunning
	}
	now := e.now()
	exec := &Execution{
		ID:        NewExecutionID(now),
		Status:    ExecRunning,
		StartedAt: now,
	}
	for _, s := range e.steps {
		exec.Steps = append(exec.Steps, &StepState{Name: s.Name, Status: StepPending})
	}
	exec.Log("info", "execution %s started with %d steps", exec.ID, len(e.steps))
	if err := e.journal.Save(exec); err != nil {
		e.gate.release()
		return nil, err
	}
	e.publish(ctx, exec, "", "")
	return exec, nil
}

// Resume picks up a failed or interrupted execution, skipping steps that
// already completed or were skipped.
func (e *Engine) Resume(ctx context.Context, id string) (*Execution, error) {
	exec, err := e.BeginResume(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.Drive(ctx, exec)
}

// BeginResume reopens a resumable execution without running it. It takes
// the same gate Begin does.
func (e *Engine) BeginResume(ctx context.Context, id string) (*Execution, error) {
	if !e.gate.acquire() {
		return nil, ErrExecutionRunning
	}
	exec, err := e.journal.Load(id)
	if err != nil {
		e.gate.release()
		return nil, err
	}
	if !exec.Resumable() {
		e.gate.release()
		return nil, fmt.Errorf("execution %s is %s, not resumable", id, exec.Status)
	}
	exec.Status = ExecRunning
	exec.EndedAt = nil
	exec.Log("info", "execution %s resumed", exec.ID)
	// Steps left running by an interrupt start over.
	for _, s := range exec.Steps {
		if s.Status == StepRunning || s.Status == StepFailed {
			s.Status = StepPending
			s.Error = ""
			s.ErrorClass = ""
		}
	}
	if err := e.journal.Save(exec); err != nil {
		e.gate.release()
		return nil, err
	}
	e.publish(ctx, exec, "", "")
	return exec, nil
}

// Drive runs an execution created by Begin or BeginResume to a terminal
// status.
func (e *Engine) Drive(ctx context.Context, exec *Execution) (*Execution, error) {
	for _, step := range e.steps {
		state := exec.Step(step.Name)
		if state == nil {
			state = &StepState{Name: step.Name, Status: StepPending}
			exec.Steps = append(exec.Steps, state)
		}
		if state.Status == StepCompleted || state.Status == StepSkipped {
			continue
		}

		if err := ctx.Err(); err != nil {
			return e.finish(exec, ExecInterrupted), nil
		}

		if skip, reason := e.stepGate(ctx, step, exec); skip {
			state.Status = StepSkipped
			state.SkipReason = reason
			exec.Log("info", "step %s skipped: %s", step.Name, reason)
			e.checkpoint(ctx, exec, step.Name, StepSkipped)
			continue
		}

		if err := e.runStep(ctx, step, exec, state); err != nil {
			if errors.Is(err, context.Canceled) {
				return e.finish(exec, ExecInterrupted), nil
			}
			// The step already journaled its failure; later steps still
			// get their chance since their gates decide independently.
			continue
		}
	}

	status := ExecCompleted
	for _, s := range exec.Steps {
		if s.Status == StepFailed {
			status = ExecFailed
			break
		}
	}
	return e.finish(exec, status), nil
}

func (e *Engine) stepGate(ctx context.Context, step Step, exec *Execution) (bool, string) {
	if step.Gate == nil {
		return false, ""
	}
	decision, err := step.Gate(ctx)
	if err != nil {
		exec.Log("warn", "step %s gate check failed: %v", step.Name, err)
		if step.SkipOnGateError {
			return true, "gate check failed, skipping"
		}
		return false, ""
	}
	return decision.Skip, decision.Reason
}

func (e *Engine) runStep(ctx context.Context, step Step, exec *Execution, state *StepState) error {
	started := e.now()
	state.Status = StepRunning
	state.StartedAt = &started
	exec.Log("info", "step %s started", step.Name)
	e.checkpoint(ctx, exec, step.Name, StepRunning)

	var lastErr error
	for attempt := 0; attempt <= step.Retries; attempt++ {
		state.Attempts = attempt + 1
		summary, err := e.attempt(ctx, step)
		if err == nil {
			ended := e.now()
			state.Status = StepCompleted
			state.EndedAt = &ended
			state.DurationMS = ended.Sub(started).Milliseconds()
			state.Summary = summary
			exec.Log("info", "step %s completed in %s", step.Name, ended.Sub(started))
			e.checkpoint(ctx, exec, step.Name, StepCompleted)
			return nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) {
			break
		}
		// Expired credentials need a human; retrying rate limits inside the
		// run only digs the hole deeper. Both fail the step on the spot.
		if errors.Is(err, domain.ErrCredentialsExpired) || errors.Is(err, domain.ErrRateLimited) {
			exec.Log("error", "step %s is not retryable: %v", step.Name, err)
			break
		}
		exec.Log("warn", "step %s attempt %d failed: %v", step.Name, attempt+1, err)
	}

	ended := e.now()
	state.Status = StepFailed
	state.EndedAt = &ended
	state.DurationMS = ended.Sub(started).Milliseconds()
	state.Error = lastErr.Error()
	state.ErrorClass = domain.ErrorClass(lastErr)
	exec.Log("error", "step %s failed after %d attempts: %v", step.Name, state.Attempts, lastErr)
	e.checkpoint(ctx, exec, step.Name, StepFailed)
	return lastErr
}

func (e *Engine) attempt(ctx context.Context, step Step) (map[string]any, error) {
	if step.Timeout <= 0 {
		return step.Run(ctx)
	}
	timed, cancel := context.WithTimeout(ctx, step.Timeout)
	defer cancel()
	summary, err := step.Run(timed)
	// A blown per-attempt deadline is the step's timeout, not a caller
	// cancellation; classify it so the journal says TIMEOUT.
	if err != nil && errors.Is(timed.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%w: step %s exceeded %s", domain.ErrTimeout, step.Name, step.Timeout)
	}
	return summary, err
}

func (e *Engine) finish(exec *Execution, status string) *Execution {
	defer e.gate.release()
	ended := e.now()
	exec.Status = status
	exec.EndedAt = &ended
	exec.Log("info", "execution %s finished: %s", exec.ID, status)
	if err := e.journal.Save(exec); err != nil {
		e.log.Error("journal save failed", "execution", exec.ID, "err", err)
	}
	// Terminal events use a background context so a canceled run still
	// announces itself.
	e.publish(context.Background(), exec, "", "")
	e.log.Info("execution finished", "execution", exec.ID, "status", status)
	return exec
}

// checkpoint journals intermediate state and emits an event. Failures here
// are logged, not fatal; the run carries on.
func (e *Engine) checkpoint(ctx context.Context, exec *Execution, step, stepStatus string) {
	if err := e.journal.Save(exec); err != nil {
		e.log.Error("journal save failed", "execution", exec.ID, "err", err)
	}
	e.publish(ctx, exec, step, stepStatus)
}

func (e *Engine) publish(ctx context.Context, exec *Execution, step, stepStatus string) {
	if e.nc == nil {
		return
	}
	ev := Event{
		ExecutionID: exec.ID,
		Status:      exec.Status,
		Step:        step,
		StepStatus:  stepStatus,
		Time:        e.now(),
	}
	if err := natsutil.Publish(ctx, e.nc, EventSubject, ev); err != nil {
		e.log.Warn("event publish failed", "execution", exec.ID, "err", err)
	}
}
