package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/songzhibin97/procurement-engine/action"
	"github.com/songzhibin97/procurement-engine/events"
	"github.com/songzhibin97/procurement-engine/gate"
	"github.com/songzhibin97/procurement-engine/procurement"
	"github.com/songzhibin97/procurement-engine/rules"
	"github.com/songzhibin97/procurement-engine/types"
)

var (
	// ErrMaxIterations is returned when a task exhausts its oracle round trips.
	ErrMaxIterations = fmt.Errorf("%w: max iterations exceeded", types.ErrFatalConfiguration)
	// ErrNotSuspended is returned by Resume for tasks without a pending approval.
	ErrNotSuspended = errors.New("task is not awaiting approval")
)

// Result is what a caller gets back from Run or Resume.
type Result struct {
	TaskID          string           `json:"task_id"`
	AgentID         string           `json:"agent_id"`
	Response        string           `json:"response"`
	PendingApproval *PendingApproval `json:"pending_approval,omitempty"`
	Iterations      int              `json:"iterations"`
}

// Option configures a Loop.
type Option func(*Loop)

func WithLogger(l *slog.Logger) Option {
	return func(loop *Loop) { loop.logger = l }
}

func WithTaskStore(s TaskStore) Option {
	return func(loop *Loop) { loop.tasks = s }
}

// WithPolicy replaces the gate policy, for agents whose overrides need a custom evaluator.
func WithPolicy(p *gate.Policy) Option {
	return func(loop *Loop) { loop.policy = p }
}

// WithEventBus enables Await.
func WithEventBus(bus *events.EventBus) Option {
	return func(loop *Loop) { loop.bus = bus }
}

// WithUniversity sets the {university_name} shown in prompts.
func WithUniversity(name string) Option {
	return func(loop *Loop) { loop.university = name }
}

func WithClock(now func() time.Time) Option {
	return func(loop *Loop) { loop.now = now }
}

// Loop is the per-task decision loop. A task never has two oracle calls in flight;
// distinct tasks run independently.
type Loop struct {
	registry   *Registry
	oracle     Oracle
	toolbox    *Toolbox
	approvals  Approvals
	tasks      TaskStore
	policy     *gate.Policy
	bus        *events.EventBus
	logger     *slog.Logger
	university string
	now        func() time.Time

	locks   map[string]*sync.Mutex
	locksMu sync.Mutex
}

func NewLoop(registry *Registry, oracle Oracle, toolbox *Toolbox, approvals Approvals, opts ...Option) (*Loop, error) {
	if registry == nil || oracle == nil || toolbox == nil || approvals == nil {
		return nil, fmt.Errorf("%w: loop needs a registry, an oracle, a toolbox and approvals", types.ErrFatalConfiguration)
	}
	l := &Loop{
		registry:   registry,
		oracle:     oracle,
		toolbox:    toolbox,
		approvals:  approvals,
		tasks:      NewMemoryTaskStore(),
		logger:     slog.Default(),
		university: "University",
		now:        time.Now,
		locks:      make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.policy == nil {
		l.policy = gate.NewPolicy(rules.NewExprEvaluator())
	}
	return l, nil
}

// Registry returns the agents the loop serves.
func (l *Loop) Registry() *Registry { return l.registry }

// Run starts a task for message and drives it until the oracle stops proposing actions
// or an action is held for approval.
func (l *Loop) Run(ctx context.Context, agentID, message, userID string, taskCtx map[string]string) (Result, error) {
	def, err := l.registry.Get(agentID)
	if err != nil {
		return Result{AgentID: agentID}, err
	}
	now := l.now()
	task := Task{
		ID:        "task-" + uuid.NewString(),
		AgentID:   def.ID,
		UserID:    userID,
		Context:   maps.Clone(taskCtx),
		Turns:     []Turn{{Role: RoleUser, Content: message, At: now}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	l.logger.Info("task started", "task_id", task.ID, "agent", def.ID, "user_id", userID)
	return l.drive(ctx, def, &task)
}

// drive runs the task until it completes or suspends. A task that fails is discarded,
// so a saved task is always either suspended or about to be driven.
func (l *Loop) drive(ctx context.Context, def Definition, task *Task) (res Result, err error) {
	defer func() {
		if err != nil {
			l.discard(ctx, task.ID)
		}
	}()
	res = Result{TaskID: task.ID, AgentID: def.ID}
	prompt := Render(def.Prompt, l.vars(task))
	for {
		res.Iterations = task.Iterations
		if task.Iterations >= def.maxIterations() {
			l.logger.Error("task exceeded max iterations", "task_id", task.ID, "agent", def.ID, "iterations", task.Iterations)
			return res, fmt.Errorf("%w: task %s after %d", ErrMaxIterations, task.ID, task.Iterations)
		}
		task.Iterations++
		res.Iterations = task.Iterations

		p, err := l.oracle.Propose(ctx, prompt, task.Turns, def.Specs())
		if err != nil {
			l.logger.Error("oracle failed", "task_id", task.ID, "agent", def.ID, "error", err)
			return res, fmt.Errorf("oracle: %w", err)
		}
		task.Turns = append(task.Turns, Turn{Role: RoleAssistant, Content: p.Text, Calls: p.Calls, At: l.now()})

		if len(p.Calls) == 0 {
			task.Completed = true
			l.discard(ctx, task.ID)
			res.Response = p.Text
			l.logger.Info("task completed", "task_id", task.ID, "agent", def.ID, "iterations", task.Iterations)
			return res, nil
		}

		actions, err := parseCalls(def, p.Calls)
		if err != nil {
			l.logger.Error("proposal rejected", "task_id", task.ID, "agent", def.ID, "error", err)
			return res, err
		}

		var held []action.Action
		for _, a := range actions {
			if l.policy.Evaluate(a, def.Gate, def.Override) {
				held = append(held, a)
			}
		}
		if len(held) > 0 {
			return l.suspend(ctx, def, task, actions, held, res)
		}

		if err := l.execute(ctx, task, actions, nil); err != nil {
			return res, err
		}
	}
}

func parseCalls(def Definition, calls []Call) ([]action.Action, error) {
	actions := make([]action.Action, 0, len(calls))
	for _, c := range calls {
		a, err := action.Parse(c.ID, c.Name, c.Args)
		if err != nil {
			if errors.Is(err, types.ErrFatalConfiguration) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s: %w", types.ErrPolicyViolation, c.Name, err)
		}
		if !def.Allows(a.Kind) {
			return nil, fmt.Errorf("%w: agent %s may not call %s", types.ErrFatalConfiguration, def.ID, a.Kind)
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// suspend hands the turn to the approval workflow. No action of the turn runs until the
// run completes.
func (l *Loop) suspend(ctx context.Context, def Definition, task *Task, actions, held []action.Action, res Result) (Result, error) {
	req, subject := l.requisitionFor(task, held)
	start := l.approvals.StartApproval
	if req.ReviewOnly {
		start = l.approvals.StartReview
	}
	runID, err := start(ctx, req)
	if err != nil {
		return res, fmt.Errorf("start approval for task %s: %w", task.ID, err)
	}
	task.Pending = &PendingApproval{
		RunID:         runID,
		RequisitionID: req.ID,
		ActionID:      subject,
		Actions:       actions,
	}
	task.UpdatedAt = l.now()
	if err := l.tasks.Save(ctx, *task); err != nil {
		return res, err
	}

	kinds := make([]string, 0, len(held))
	for _, a := range held {
		kinds = append(kinds, string(a.Kind))
	}
	l.logger.Info("task suspended for approval", "task_id", task.ID, "agent", def.ID, "run_id", runID,
		"requisition_id", req.ID, "amount", req.Total(), "held", kinds)

	res.PendingApproval = task.Pending
	res.Response = fmt.Sprintf("%s requires approval. Requisition %s has been routed for review.",
		strings.Join(kinds, ", "), req.ID)
	return res, nil
}

// requisitionFor builds the requisition a held batch is approved under. A held
// create_requisition is approved as itself; anything else goes through review only,
// carrying the largest amount in the batch.
func (l *Loop) requisitionFor(task *Task, held []action.Action) (types.Requisition, string) {
	inv := Invocation{UserID: task.UserID, Context: task.Context, RequisitionID: NewRequisitionID()}
	for _, a := range held {
		if args, ok := a.Args.(action.CreateRequisitionArgs); ok {
			return Requisition(args, inv), a.ID
		}
	}
	var amount float64
	descr := make([]string, 0, len(held))
	for _, a := range held {
		if v, ok := action.Amount(a); ok && v > amount {
			amount = v
		}
		descr = append(descr, string(a.Kind))
	}
	return types.Requisition{
		ID:          inv.RequisitionID,
		RequesterID: task.UserID,
		Department:  task.Context["department"],
		BudgetCode:  task.Context["budget_code"],
		Amount:      amount,
		Urgency:     types.UrgencyStandard,
		ReviewOnly:  true,
		Description: fmt.Sprintf("%s review: %s", task.AgentID, strings.Join(descr, ", ")),
	}, ""
}

// execute runs actions in order and appends a tool turn for each. Failed tools are
// reported to the oracle; fatal configuration errors and cancellation end the task.
func (l *Loop) execute(ctx context.Context, task *Task, actions []action.Action, pending *PendingApproval) error {
	for _, a := range actions {
		inv := Invocation{Action: a, TaskID: task.ID, UserID: task.UserID, Context: task.Context}
		if pending != nil && pending.ActionID != "" && a.ID == pending.ActionID {
			inv.Approved = true
			inv.RequisitionID = pending.RequisitionID
		}
		out, err := l.toolbox.Execute(ctx, inv)
		if err != nil {
			if errors.Is(err, types.ErrFatalConfiguration) || ctx.Err() != nil {
				return err
			}
			l.logger.Warn("tool failed", "task_id", task.ID, "tool", a.Kind, "error", err)
			task.Turns = append(task.Turns, toolTurn(a.ID, map[string]string{"error": err.Error()}, l.now()))
			continue
		}
		l.logger.Debug("tool executed", "task_id", task.ID, "tool", a.Kind)
		task.Turns = append(task.Turns, toolTurn(a.ID, out, l.now()))
	}
	task.UpdatedAt = l.now()
	return nil
}

func toolTurn(callID string, v any, at time.Time) Turn {
	body, err := json.Marshal(v)
	if err != nil {
		body, _ = json.Marshal(map[string]string{"error": err.Error()})
	}
	return Turn{Role: RoleTool, CallID: callID, Content: string(body), At: at}
}

// Resume continues a suspended task. While the approval run is live it returns the
// pending marker unchanged. Once the run is terminal the held actions either execute or
// are reported as not executed, and the task goes back to the oracle.
func (l *Loop) Resume(ctx context.Context, taskID string) (Result, error) {
	lock := l.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	task, err := l.tasks.Get(ctx, taskID)
	if err != nil {
		return Result{TaskID: taskID}, err
	}
	res := Result{TaskID: task.ID, AgentID: task.AgentID, Iterations: task.Iterations}
	if task.Pending == nil {
		return res, fmt.Errorf("%w: %s", ErrNotSuspended, taskID)
	}
	def, err := l.registry.Get(task.AgentID)
	if err != nil {
		return res, err
	}

	pending := task.Pending
	st, err := l.approvals.QueryApproval(ctx, pending.RunID)
	if err != nil {
		return res, err
	}
	if !st.Status.Terminal() {
		res.PendingApproval = pending
		res.Response = fmt.Sprintf("Requisition %s is %s.", pending.RequisitionID, st.CurrentStep)
		return res, nil
	}

	task.Pending = nil
	if approved(st) {
		l.logger.Info("approval granted, releasing actions", "task_id", task.ID, "run_id", pending.RunID)
		if err := l.execute(ctx, &task, pending.Actions, pending); err != nil {
			l.discard(ctx, task.ID)
			return res, err
		}
	} else {
		outcome := map[string]string{"status": "not_executed", "run_id": pending.RunID, "requisition_id": pending.RequisitionID}
		if st.Result != nil {
			outcome["outcome"] = string(st.Result.Outcome)
			if err := st.Result.Err(); err != nil {
				outcome["reason"] = err.Error()
			}
		}
		l.logger.Info("approval not granted", "task_id", task.ID, "run_id", pending.RunID, "outcome", outcome["outcome"])
		for _, a := range pending.Actions {
			task.Turns = append(task.Turns, toolTurn(a.ID, outcome, l.now()))
		}
	}
	if err := l.tasks.Save(ctx, task); err != nil {
		return res, err
	}
	return l.drive(ctx, def, &task)
}

func approved(st procurement.ApprovalStatus) bool {
	return st.Status == types.RunCompleted && st.Result != nil && st.Result.Outcome == procurement.OutcomeCompleted
}

// Tasks lists the suspended tasks.
func (l *Loop) Tasks(ctx context.Context) ([]Task, error) {
	return l.tasks.List(ctx)
}

type waiter struct {
	runID string
	done  chan struct{}
}

func (w *waiter) Handle(_ context.Context, e events.Event) error {
	if e.RunID == w.runID {
		select {
		case w.done <- struct{}{}:
		default:
		}
	}
	return nil
}

// Await blocks until the approval run is terminal and returns its final status.
func (l *Loop) Await(ctx context.Context, runID string) (procurement.ApprovalStatus, error) {
	if l.bus == nil {
		return procurement.ApprovalStatus{}, fmt.Errorf("%w: await needs an event bus", types.ErrFatalConfiguration)
	}
	w := &waiter{runID: runID, done: make(chan struct{}, 1)}
	l.bus.Subscribe(events.RunTerminal, w)
	defer l.bus.Unsubscribe(events.RunTerminal, w)

	st, err := l.approvals.QueryApproval(ctx, runID)
	if err != nil || st.Status.Terminal() {
		return st, err
	}
	select {
	case <-ctx.Done():
		return st, ctx.Err()
	case <-w.done:
	}
	return l.approvals.QueryApproval(ctx, runID)
}

func (l *Loop) vars(task *Task) map[string]string {
	vars := maps.Clone(task.Context)
	if vars == nil {
		vars = make(map[string]string)
	}
	vars["university_name"] = l.university
	if vars["user_name"] == "" {
		vars["user_name"] = task.UserID
	}
	if vars["diversity_goal"] == "" {
		vars["diversity_goal"] = "15"
	}
	return vars
}

func (l *Loop) discard(ctx context.Context, taskID string) {
	if err := l.tasks.Delete(ctx, taskID); err != nil {
		l.logger.Warn("delete task", "task_id", taskID, "error", err)
	}
	l.locksMu.Lock()
	delete(l.locks, taskID)
	l.locksMu.Unlock()
}

func (l *Loop) taskLock(taskID string) *sync.Mutex {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()
	m, ok := l.locks[taskID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[taskID] = m
	}
	return m
}

// Deliver resumes the task suspended on the approval run runID. found is false when no
// task waits on the run, including when another caller already resumed it.
func (l *Loop) Deliver(ctx context.Context, runID string) (res Result, found bool, err error) {
	tasks, err := l.tasks.List(ctx)
	if err != nil {
		return Result{}, false, err
	}
	for _, t := range tasks {
		if t.Pending == nil || t.Pending.RunID != runID {
			continue
		}
		res, err = l.Resume(ctx, t.ID)
		if errors.Is(err, ErrTaskNotFound) || errors.Is(err, ErrNotSuspended) {
			return res, false, nil
		}
		return res, true, err
	}
	return Result{}, false, nil
}

type resumer struct {
	loop    *Loop
	timeout time.Duration
}

func (r *resumer) Handle(_ context.Context, e events.Event) error {
	if e.Kind != procurement.KindRequisitionApproval {
		return nil
	}
	go r.deliver(e.RunID)
	return nil
}

func (r *resumer) deliver(runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	res, found, err := r.loop.Deliver(ctx, runID)
	if !found && err == nil {
		return
	}
	data := map[string]any{"task_id": res.TaskID, "agent_id": res.AgentID, "response": res.Response}
	if res.PendingApproval != nil {
		data["pending_run_id"] = res.PendingApproval.RunID
	}
	if err != nil {
		r.loop.logger.Error("resume after approval failed", "task_id", res.TaskID, "run_id", runID, "error", err)
		data["error"] = err.Error()
	}
	perr := r.loop.bus.Publish(ctx, events.Event{
		Type:   events.TaskResumed,
		RunID:  runID,
		Kind:   "task",
		Status: resumeStatus(res, err),
		Data:   data,
		At:     r.loop.now(),
	})
	if perr != nil && !errors.Is(perr, events.ErrNoHandler) {
		r.loop.logger.Warn("publish task result", "task_id", res.TaskID, "error", perr)
	}
}

func resumeStatus(res Result, err error) string {
	switch {
	case err != nil:
		return "failed"
	case res.PendingApproval != nil:
		return "suspended"
	}
	return "completed"
}

// ResumeOnTerminal subscribes the loop to terminal approval runs, so a suspended task
// continues as soon as its run ends. Each resumed task publishes a TaskResumed event
// carrying its response. timeout bounds one resumed task.
func (l *Loop) ResumeOnTerminal(timeout time.Duration) error {
	if l.bus == nil {
		return fmt.Errorf("%w: resuming on terminal runs needs an event bus", types.ErrFatalConfiguration)
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	l.bus.Subscribe(events.RunTerminal, &resumer{loop: l, timeout: timeout})
	return nil
}
