package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"github.com/songzhibin97/procurement-engine/events"
	"github.com/songzhibin97/procurement-engine/storage"
	"github.com/songzhibin97/procurement-engine/types"
)

// Standard error definitions
var (
	ErrRunNotFound      = errors.New("run not found")
	ErrRunTerminal      = errors.New("run already terminal")
	ErrUnknownKind      = errors.New("workflow kind not registered")
	ErrSignalConflict   = errors.New("run is not waiting for this signal")
	ErrNondeterministic = errors.New("workflow diverged from its recorded steps")
	ErrCancelled        = errors.New("run cancelled")
)

// DefaultPollInterval is the period of the sweep that re-drives due runs.
const DefaultPollInterval = 15 * time.Minute

// Func is a workflow definition. It is re-executed from the start on every drive and
// must reach the same steps in the same order given the same recorded results. The
// returned value becomes the run result.
type Func func(wc *Context) (any, error)

// Engine drives workflow runs against a persisted, append-only step log.
type Engine struct {
	defs     map[string]Func
	defsMu   sync.RWMutex
	store    storage.Storage
	generate generator.Generator
	clock    Clock
	bus      *events.EventBus
	logger   *slog.Logger
	poll     time.Duration

	locks   map[string]*sync.Mutex
	locksMu sync.Mutex

	active   map[string]context.CancelFunc
	timers   map[string]Timer
	activeMu sync.Mutex

	baseCtx context.Context
	stop    context.CancelFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithEventBus publishes run lifecycle events to bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithPollInterval sets the period used by Run.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.poll = d
		}
	}
}

// NewEngine creates an engine persisting runs in store and naming them with generate.
func NewEngine(generate generator.Generator, store storage.Storage, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	e := &Engine{
		defs:     make(map[string]Func),
		store:    store,
		generate: generate,
		clock:    RealClock(),
		logger:   slog.Default(),
		poll:     DefaultPollInterval,
		locks:    make(map[string]*sync.Mutex),
		active:   make(map[string]context.CancelFunc),
		timers:   make(map[string]Timer),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.baseCtx, e.stop = context.WithCancel(context.Background())
	return e, nil
}

// Register binds a workflow function to a kind.
func (e *Engine) Register(kind string, fn Func) error {
	if kind == "" || fn == nil {
		return errors.New("kind and workflow function are required")
	}
	e.defsMu.Lock()
	defer e.defsMu.Unlock()
	e.defs[kind] = fn
	return nil
}

func (e *Engine) definition(kind string) (Func, bool) {
	e.defsMu.RLock()
	defer e.defsMu.RUnlock()
	fn, ok := e.defs[kind]
	return fn, ok
}

// Clock returns the engine clock.
func (e *Engine) Clock() Clock { return e.clock }

// Start persists a new run of kind and drives it until it suspends or finishes.
// The returned run ID is valid even when the first drive fails.
func (e *Engine) Start(ctx context.Context, kind string, input any) (string, error) {
	if _, ok := e.definition(kind); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	data, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshal input: %w", err)
	}
	id, err := e.generate.NextID()
	if err != nil {
		return "", fmt.Errorf("failed to generate ID: %w", err)
	}

	now := e.clock.Now()
	run := types.WorkflowRun{
		ID:        strconv.FormatUint(id, 10),
		Kind:      kind,
		Input:     data,
		Status:    types.RunRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.save(ctx, &run); err != nil {
		return "", err
	}
	e.publish(&run, events.RunStarted, nil)
	e.logger.Info("run started", "run_id", run.ID, "kind", kind)

	return run.ID, e.drive(run.ID)
}

// Signal delivers a signal to a waiting run and drives it. A run that is not waiting
// for key is left untouched and ErrSignalConflict is returned.
func (e *Engine) Signal(ctx context.Context, runID, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal signal payload: %w", err)
	}

	lock := e.runLock(runID)
	lock.Lock()
	run, err := e.load(ctx, runID)
	if err != nil {
		lock.Unlock()
		return err
	}
	if run.Status.Terminal() {
		lock.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrRunTerminal, runID, run.Status)
	}
	if !run.Wait.Accepts(key) {
		lock.Unlock()
		e.logger.Warn("signal rejected", "run_id", runID, "key", key)
		return fmt.Errorf("%w: run %s, key %s", ErrSignalConflict, runID, key)
	}
	run.Inbox = append(run.Inbox, types.Signal{Key: key, Payload: data, ReceivedAt: e.clock.Now()})
	run.UpdatedAt = e.clock.Now()
	err = e.save(ctx, &run)
	lock.Unlock()
	if err != nil {
		return err
	}
	e.publish(&run, events.RunSignalled, map[string]any{"key": key})

	return e.drive(runID)
}

// Get returns the persisted run.
func (e *Engine) Get(ctx context.Context, runID string) (types.WorkflowRun, error) {
	return e.load(ctx, runID)
}

// List returns the persisted runs matching filter.
func (e *Engine) List(ctx context.Context, filter storage.RunFilter) ([]types.WorkflowRun, error) {
	runs, err := e.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Archive removes terminal runs last updated before the cutoff.
func (e *Engine) Archive(ctx context.Context, before time.Time) (int, error) {
	n, err := e.store.Archive(ctx, before)
	if err != nil {
		return n, fmt.Errorf("archive runs: %w", err)
	}
	if n > 0 {
		e.logger.Info("archived runs", "count", n, "before", before)
	}
	return n, nil
}

// Query decodes the query-visible state of a run into v.
func (e *Engine) Query(ctx context.Context, runID string, v any) (types.WorkflowRun, error) {
	run, err := e.load(ctx, runID)
	if err != nil {
		return run, err
	}
	if len(run.State) > 0 && v != nil {
		if err := json.Unmarshal(run.State, v); err != nil {
			return run, fmt.Errorf("decode state of run %s: %w", runID, err)
		}
	}
	return run, nil
}

// Cancel interrupts any in-flight drive of the run and marks it cancelled.
// Steps already committed are not undone.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	e.activeMu.Lock()
	if cancel, ok := e.active[runID]; ok {
		cancel()
	}
	e.activeMu.Unlock()

	lock := e.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := e.load(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrRunTerminal, runID, run.Status)
	}
	e.disarm(runID)
	run.Status = types.RunCancelled
	run.CancelAsked = true
	run.Wait = nil
	run.Error = ErrCancelled.Error()
	run.UpdatedAt = e.clock.Now()
	if err := e.save(ctx, &run); err != nil {
		return err
	}
	e.publish(&run, events.RunTerminal, nil)
	e.logger.Info("run cancelled", "run_id", runID, "step", run.CurrentStep)
	return nil
}

// Recover re-drives every non-terminal run, for use after a restart.
func (e *Engine) Recover(ctx context.Context) error {
	runs, err := e.store.ListRuns(ctx, storage.RunFilter{Active: true})
	if err != nil {
		return fmt.Errorf("list active runs: %w", err)
	}
	for _, run := range runs {
		if err := e.drive(run.ID); err != nil {
			e.logger.Error("recover drive failed", "run_id", run.ID, "error", err)
		}
	}
	e.logger.Info("recovered runs", "count", len(runs))
	return nil
}

// Tick drives every run whose wait deadline has passed or that was left running.
// It returns how many runs were driven.
func (e *Engine) Tick(ctx context.Context) (int, error) {
	runs, err := e.store.ListRuns(ctx, storage.RunFilter{Active: true})
	if err != nil {
		return 0, fmt.Errorf("list active runs: %w", err)
	}
	now := e.clock.Now()
	n := 0
	for _, run := range runs {
		due := run.Status == types.RunRunning && !e.driving(run.ID)
		if run.Wait != nil && !now.Before(run.Wait.Until) {
			due = true
		}
		if !due {
			continue
		}
		n++
		if err := e.drive(run.ID); err != nil {
			e.logger.Error("tick drive failed", "run_id", run.ID, "error", err)
		}
	}
	return n, nil
}

// Run sweeps due runs every poll interval until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.Tick(ctx); err != nil {
				e.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Stop cancels in-flight drives and disarms timers. Interrupted runs stay non-terminal
// and are picked up by Recover.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	e.stop()
	e.activeMu.Lock()
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	e.activeMu.Unlock()
	return nil
}

// drive executes the workflow of a run from the start of its log until it suspends,
// finishes or fails. Drives of the same run are serialized.
func (e *Engine) drive(runID string) (err error) {
	lock := e.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	if e.baseCtx.Err() != nil {
		return e.baseCtx.Err()
	}
	ctx, cancel := context.WithCancel(e.baseCtx)
	e.activeMu.Lock()
	e.active[runID] = cancel
	e.activeMu.Unlock()
	defer func() {
		e.activeMu.Lock()
		delete(e.active, runID)
		e.activeMu.Unlock()
		cancel()
	}()

	run, err := e.load(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	logger := e.logger.With("run_id", run.ID, "kind", run.Kind)

	fn, ok := e.definition(run.Kind)
	if !ok {
		return e.fail(ctx, &run, fmt.Errorf("%w: %s", ErrUnknownKind, run.Kind))
	}

	run.Status = types.RunRunning
	run.Wait = nil
	wc := &Context{ctx: ctx, engine: e, run: &run, logger: logger}

	result, runErr := e.execute(fn, wc)
	switch {
	case Suspended(runErr):
		return e.suspend(ctx, &run)
	case ctx.Err() != nil:
		// Cancelled or stopping: leave the run as persisted.
		logger.Info("drive interrupted", "step", run.CurrentStep)
		return nil
	case runErr != nil:
		return e.fail(ctx, &run, runErr)
	}
	return e.complete(ctx, &run, result)
}

func (e *Engine) execute(fn Func, wc *Context) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic occurred: %v", r)
		}
	}()
	return fn(wc)
}

func (e *Engine) suspend(ctx context.Context, run *types.WorkflowRun) error {
	run.Status = types.RunWaiting
	run.UpdatedAt = e.clock.Now()
	if err := e.save(ctx, run); err != nil {
		return err
	}
	e.arm(run.ID, run.Wait.Until)
	e.publish(run, events.RunWaiting, map[string]any{"wait": run.Wait.Name, "until": run.Wait.Until})
	e.logger.Debug("run waiting", "run_id", run.ID, "wait", run.Wait.Name, "until", run.Wait.Until)
	return nil
}

func (e *Engine) complete(ctx context.Context, run *types.WorkflowRun, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return e.fail(ctx, run, fmt.Errorf("marshal result: %w", err))
	}
	e.disarm(run.ID)
	run.Status = types.RunCompleted
	run.Result = data
	run.UpdatedAt = e.clock.Now()
	if err := e.save(ctx, run); err != nil {
		return err
	}
	e.publish(run, events.RunTerminal, nil)
	e.logger.Info("run completed", "run_id", run.ID, "kind", run.Kind, "steps", len(run.Steps))
	return nil
}

func (e *Engine) fail(ctx context.Context, run *types.WorkflowRun, cause error) error {
	e.disarm(run.ID)
	run.Status = types.RunFailed
	run.Error = cause.Error()
	run.Wait = nil
	run.UpdatedAt = e.clock.Now()
	if err := e.save(ctx, run); err != nil {
		return fmt.Errorf("original error: %v, failed to save failed state: %w", cause, err)
	}
	e.publish(run, events.RunTerminal, map[string]any{"error": run.Error})
	e.logger.Error("run failed", "run_id", run.ID, "kind", run.Kind, "step", run.StepLabel, "error", cause)
	return nil
}

// arm schedules a drive of the run at until, replacing any earlier timer.
func (e *Engine) arm(runID string, until time.Time) {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	if t, ok := e.timers[runID]; ok {
		t.Stop()
	}
	d := until.Sub(e.clock.Now())
	e.timers[runID] = e.clock.AfterFunc(d, func() {
		e.activeMu.Lock()
		delete(e.timers, runID)
		e.activeMu.Unlock()
		if err := e.drive(runID); err != nil {
			e.logger.Error("timer drive failed", "run_id", runID, "error", err)
		}
	})
}

func (e *Engine) disarm(runID string) {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	if t, ok := e.timers[runID]; ok {
		t.Stop()
		delete(e.timers, runID)
	}
}

func (e *Engine) driving(runID string) bool {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	_, ok := e.active[runID]
	return ok
}

func (e *Engine) runLock(runID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[runID] = l
	}
	return l
}

func (e *Engine) load(ctx context.Context, runID string) (types.WorkflowRun, error) {
	run, err := e.store.GetRun(ctx, runID)
	if errors.Is(err, storage.ErrRunNotFound) {
		return run, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return run, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

func (e *Engine) save(ctx context.Context, run *types.WorkflowRun) error {
	if err := e.store.SaveRun(ctx, *run); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

func (e *Engine) publish(run *types.WorkflowRun, eventType string, data map[string]any) {
	if e.bus == nil {
		return
	}
	err := e.bus.Publish(context.Background(), events.Event{
		Type:   eventType,
		RunID:  run.ID,
		Kind:   run.Kind,
		Status: string(run.Status),
		Data:   data,
		At:     e.clock.Now(),
	})
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.Warn("publish event failed", "run_id", run.ID, "type", eventType, "error", err)
	}
}
