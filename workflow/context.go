package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/songzhibin97/procurement-engine/events"
	"github.com/songzhibin97/procurement-engine/types"
)

// errSuspended unwinds a workflow function when it reaches a wait that cannot be
// satisfied yet. The driver persists the wait and returns.
var errSuspended = errors.New("workflow suspended")

// Context is handed to a workflow function on every drive. The function runs from the
// top each time; Step, Now and Await return the recorded value for every position the
// run already committed and only execute past the end of the log.
type Context struct {
	ctx    context.Context
	engine *Engine
	run    *types.WorkflowRun
	cursor int
	live   bool // a step executed, rather than replayed, during this drive
	logger *slog.Logger
}

// Context returns the drive's context. It is cancelled when the run is cancelled or the engine stops.
func (c *Context) Context() context.Context { return c.ctx }

// RunID returns the ID of the run being driven.
func (c *Context) RunID() string { return c.run.ID }

// Logger returns a logger annotated with the run ID and kind.
func (c *Context) Logger() *slog.Logger { return c.logger }

// Replaying reports whether the next step is answered from the log.
func (c *Context) Replaying() bool { return c.cursor < len(c.run.Steps) }

// Input decodes the run input into v.
func (c *Context) Input(v any) error {
	if err := json.Unmarshal(c.run.Input, v); err != nil {
		return fmt.Errorf("%w: decode input: %v", types.ErrFatalConfiguration, err)
	}
	return nil
}

// SetState replaces the query-visible state of the run. It is persisted with the next commit.
func (c *Context) SetState(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	c.run.State = data
	return nil
}

// Emit publishes a workflow-specific event for the run. Only code that runs after a
// step executed in this drive emits, so replays do not repeat events.
func (c *Context) Emit(eventType string, data map[string]any) {
	if !c.live {
		return
	}
	c.engine.publish(c.run, eventType, data)
}

// Now returns the current time, recorded once under label so replays see the same instant.
func (c *Context) Now(label string) (time.Time, error) {
	return Step(c, "now:"+label, func(context.Context) (time.Time, error) {
		return c.engine.clock.Now(), nil
	})
}

// AwaitResult is the recorded outcome of a wait.
type AwaitResult struct {
	Signals  []types.Signal `json:"signals,omitempty"`
	TimedOut bool           `json:"timed_out,omitempty"`
}

// Await waits for signals with one of keys or for until to pass, whichever comes first.
// All inbox signals matching keys are consumed and returned together. When neither is
// available the run suspends: Await returns an error the workflow must pass up unchanged.
func (c *Context) Await(name string, keys []string, until time.Time) (AwaitResult, error) {
	stepName := "await:" + name
	if c.Replaying() {
		return replay[AwaitResult](c, stepName)
	}
	if err := c.ctx.Err(); err != nil {
		return AwaitResult{}, err
	}

	wait := types.WaitState{Name: name, Keys: keys, Until: until, Step: c.cursor}
	var (
		matched []types.Signal
		rest    []types.Signal
	)
	for _, s := range c.run.Inbox {
		if wait.Accepts(s.Key) {
			matched = append(matched, s)
		} else {
			rest = append(rest, s)
		}
	}

	var res AwaitResult
	switch {
	case len(matched) > 0:
		res.Signals = matched
		c.run.Inbox = rest
	case !c.engine.clock.Now().Before(until):
		res.TimedOut = true
	default:
		c.run.Wait = &wait
		return AwaitResult{}, errSuspended
	}
	if err := c.commit(stepName, res, nil); err != nil {
		return AwaitResult{}, err
	}
	return res, nil
}

// Suspended reports whether err is the suspension raised by Await.
func Suspended(err error) bool {
	return errors.Is(err, errSuspended)
}

// Step runs fn once for this position of the run and records its outcome. On replay the
// recorded result or error is returned without calling fn. Errors caused by the drive's
// context being cancelled are not recorded.
func Step[T any](c *Context, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	if c.Replaying() {
		return replay[T](c, name)
	}
	var zero T
	if err := c.ctx.Err(); err != nil {
		return zero, err
	}

	c.run.StepLabel = name
	v, err := fn(c.ctx)
	if err != nil && c.ctx.Err() != nil {
		return zero, c.ctx.Err()
	}
	if cerr := c.commit(name, v, err); cerr != nil {
		return zero, cerr
	}
	if err != nil {
		return zero, c.stepError(name, err.Error(), kindOf(err))
	}
	return v, nil
}

func replay[T any](c *Context, name string) (T, error) {
	var zero T
	rec := c.run.Steps[c.cursor]
	if rec.Name != name {
		return zero, fmt.Errorf("%w: step %d recorded %q, workflow asked for %q",
			ErrNondeterministic, c.cursor, rec.Name, name)
	}
	c.cursor++
	if rec.Error != "" {
		return zero, c.stepError(name, rec.Error, rec.ErrorKind)
	}
	var v T
	if len(rec.Result) > 0 {
		if err := json.Unmarshal(rec.Result, &v); err != nil {
			return zero, fmt.Errorf("%w: step %q result: %v", ErrNondeterministic, name, err)
		}
	}
	return v, nil
}

// commit appends a step record and persists the run.
func (c *Context) commit(name string, v any, stepErr error) error {
	rec := types.StepRecord{
		Index:       c.cursor,
		Name:        name,
		CommittedAt: c.engine.clock.Now(),
	}
	key := retryKey(c.cursor, name)
	rec.Attempts = c.run.Retries[key] + 1
	if stepErr != nil {
		rec.Error = stepErr.Error()
		rec.ErrorKind = kindOf(stepErr)
		rec.Attempts = c.run.Retries[key]
		if rec.Attempts == 0 {
			rec.Attempts = 1
		}
	} else {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal step %q result: %w", name, err)
		}
		rec.Result = data
	}
	delete(c.run.Retries, key)

	c.run.Steps = append(c.run.Steps, rec)
	c.cursor++
	c.live = true
	c.run.CurrentStep = c.cursor
	c.run.StepLabel = name
	c.run.UpdatedAt = rec.CommittedAt
	if err := c.engine.save(c.ctx, c.run); err != nil {
		// The in-memory log is ahead of storage; drop the record so the drive aborts cleanly.
		c.run.Steps = c.run.Steps[:len(c.run.Steps)-1]
		c.cursor--
		return fmt.Errorf("commit step %q: %w", name, err)
	}
	c.engine.publish(c.run, events.StepCommitted, map[string]any{"step": name, "index": rec.Index})
	return nil
}

func (c *Context) stepError(name, msg, kind string) error {
	return &StepError{Step: name, Message: msg, cause: causeFor(kind)}
}

// noteAttempt records one failed attempt of the current step and persists it, so a
// restarted process resumes with the remaining retry budget.
func (c *Context) noteAttempt(name string) int {
	if c.run.Retries == nil {
		c.run.Retries = make(map[string]int)
	}
	key := retryKey(c.cursor, name)
	c.run.Retries[key]++
	c.run.UpdatedAt = c.engine.clock.Now()
	if err := c.engine.save(c.ctx, c.run); err != nil {
		c.logger.Warn("failed to persist retry counter", "step", name, "error", err)
	}
	return c.run.Retries[key]
}

func (c *Context) attemptsUsed(name string) int {
	return c.run.Retries[retryKey(c.cursor, name)]
}

func retryKey(index int, name string) string {
	return fmt.Sprintf("%d:%s", index, name)
}

// StepError is the error of a recorded step. It unwraps to the known sentinel the
// original error wrapped, so errors.Is keeps working across replays.
type StepError struct {
	Step    string
	Message string
	cause   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %s", e.Step, e.Message)
}

func (e *StepError) Unwrap() error { return e.cause }

// kindOf returns the message of the first known sentinel err wraps.
func kindOf(err error) string {
	var se *StepError
	if errors.As(err, &se) && se.cause != nil {
		return se.cause.Error()
	}
	for _, known := range knownErrors {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return ""
}

func causeFor(kind string) error {
	if kind == "" {
		return nil
	}
	for _, known := range knownErrors {
		if known.Error() == kind {
			return known
		}
	}
	return nil
}

var knownErrors = []error{
	types.ErrBudgetUnavailable,
	types.ErrPolicyViolation,
	types.ErrFatalConfiguration,
	types.ErrApprovalRejected,
	types.ErrEscalatedTimeout,
	types.ErrTransientIO,
	types.ErrNoPoMatch,
	types.ErrMatchException,
}
