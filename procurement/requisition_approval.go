package procurement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/songzhibin97/procurement-engine/approval"
	"github.com/songzhibin97/procurement-engine/events"
	"github.com/songzhibin97/procurement-engine/types"
	"github.com/songzhibin97/procurement-engine/workflow"
)

// approvalFlow is the state of one drive of the approval workflow. It is rebuilt from
// the run log on every drive.
type approvalFlow struct {
	s   *Service
	wc  *workflow.Context
	req types.Requisition
	st  ApprovalStatus
}

func (s *Service) requisitionApproval(wc *workflow.Context) (any, error) {
	f := &approvalFlow{s: s, wc: wc}
	if err := wc.Input(&f.req); err != nil {
		return nil, err
	}
	f.st = ApprovalStatus{
		RequisitionID: f.req.ID,
		CurrentStep:   StepValidatingBudget,
		Escalation:    types.NotEscalated,
	}
	return f.run()
}

func (f *approvalFlow) run() (any, error) {
	if err := f.publish(); err != nil {
		return nil, err
	}
	if !f.req.ReviewOnly {
		if res, err := f.checkBudget(); res != nil || err != nil {
			return f.finish(res, err)
		}
	}

	f.st.CurrentStep = StepDeterminingApprovers
	chain, err := workflow.Step(f.wc, "determine_approvers", func(context.Context) ([]types.Tier, error) {
		roles := approval.Resolve(f.req.Total())
		if f.req.ReviewOnly {
			roles = approval.ResolveAtLeast(f.req.Total(), 1)
		}
		return f.s.settings.Directory.Chain(roles), nil
	})
	if err != nil {
		return nil, err
	}
	f.st.Chain = chain

	if len(chain) > 0 {
		f.st.CurrentStep = StepAwaitingApprovals
		for _, tier := range chain {
			res, err := f.awaitTier(tier)
			if res != nil || err != nil {
				return f.finish(res, err)
			}
		}
	}
	f.st.Approved = true
	f.st.CurrentTier = 0

	if f.req.ReviewOnly {
		return f.finish(&ApprovalResult{Outcome: OutcomeCompleted}, nil)
	}
	return f.finish(f.purchase(len(chain) == 0))
}

func (f *approvalFlow) checkBudget() (*ApprovalResult, error) {
	check, err := workflow.Step(f.wc, "validate_budget", func(ctx context.Context) (types.BudgetCheck, error) {
		return f.s.deps.Budget.CheckBudget(ctx, f.req.BudgetCode, f.req.Total())
	})
	switch {
	case errors.Is(err, types.ErrBudgetUnavailable):
		return f.reject(ReasonBudgetUnavailable, types.Tier{}), nil
	case err != nil:
		return nil, err
	case !check.Available:
		f.wc.Logger().Info("insufficient budget", "budget_code", f.req.BudgetCode, "remaining", check.Remaining)
		return f.reject(ReasonInsufficientBudget, types.Tier{}), nil
	}
	return nil, nil
}

// awaitTier notifies the tier's approver and waits for a decision, escalating once when
// the SLA passes. A nil result means the tier approved.
func (f *approvalFlow) awaitTier(tier types.Tier) (*ApprovalResult, error) {
	wc := f.wc
	level := tier.Level
	f.st.CurrentTier = level
	f.st.Escalation = types.NotEscalated

	err := f.notify(fmt.Sprintf("notify_tier_%d", level), Notification{
		Target:   tier.ApproverID,
		Email:    tier.ApproverEmail,
		Subject:  fmt.Sprintf("Approval required: requisition %s", f.req.ID),
		Message:  fmt.Sprintf("Requisition %s for $%.2f (%s) needs %s approval, level %d.", f.req.ID, f.req.Total(), f.req.Urgency, tier.Role, level),
		Severity: severityFor(f.req.Urgency),
	})
	if err != nil {
		return nil, err
	}

	start, err := wc.Now(fmt.Sprintf("tier_%d_wait_start", level))
	if err != nil {
		return nil, err
	}
	deadline := f.s.settings.Ladder.Deadline(start, f.req.Urgency)
	f.st.Pending = &types.ApprovalRequest{
		RequisitionID: f.req.ID,
		ApproverID:    tier.ApproverID,
		ApproverEmail: tier.ApproverEmail,
		Role:          tier.Role,
		Level:         level,
		Amount:        f.req.Total(),
		Deadline:      deadline,
		Decision:      types.DecisionPending,
	}
	if err := f.publish(); err != nil {
		return nil, err
	}

	res, err := wc.Await(fmt.Sprintf("tier_%d", level), []string{SignalKey(tier.ApproverID)}, deadline)
	if err != nil {
		return nil, err
	}
	if !res.TimedOut {
		return f.decide(tier, res.Signals)
	}

	wc.Logger().Info("approval deadline passed, escalating", "tier", level, "approver_id", tier.ApproverID)
	err = f.notify(fmt.Sprintf("escalate_tier_%d", level), Notification{
		Target:   tier.EscalationTarget,
		Email:    tier.EscalationEmail,
		Subject:  fmt.Sprintf("Escalation: requisition %s is overdue", f.req.ID),
		Message:  fmt.Sprintf("%s %s has not decided on requisition %s for $%.2f by %s.", tier.Role, tier.ApproverID, f.req.ID, f.req.Total(), deadline.Format("2006-01-02 15:04 MST")),
		Severity: types.SeverityCritical,
	})
	if err != nil {
		return nil, err
	}
	escalatedAt, err := wc.Now(fmt.Sprintf("tier_%d_escalated", level))
	if err != nil {
		return nil, err
	}
	wc.Emit(events.RunEscalated, map[string]any{
		"tier":              level,
		"approver_id":       tier.ApproverID,
		"escalation_target": tier.EscalationTarget,
	})
	graceEnds := f.s.settings.Ladder.GraceDeadline(escalatedAt)
	f.st.Escalation = types.Escalated
	f.st.Pending.Deadline = graceEnds
	if err := f.publish(); err != nil {
		return nil, err
	}

	keys := []string{SignalKey(tier.ApproverID), SignalKey(tier.EscalationTarget)}
	res, err = wc.Await(fmt.Sprintf("tier_%d_grace", level), keys, graceEnds)
	if err != nil {
		return nil, err
	}
	if res.TimedOut {
		f.st.CurrentStep = string(OutcomeEscalatedTimeout)
		return &ApprovalResult{
			Outcome:    OutcomeEscalatedTimeout,
			Reason:     "approval not received after escalation",
			Tier:       level,
			Role:       tier.Role,
			ApproverID: tier.ApproverID,
		}, nil
	}
	return f.decide(tier, res.Signals)
}

// decide applies the decisions delivered together to a tier. A rejection wins over any
// approval in the same batch.
func (f *approvalFlow) decide(tier types.Tier, signals []types.Signal) (*ApprovalResult, error) {
	var rejection *types.ApprovalDecision
	for _, sig := range signals {
		var d types.ApprovalDecision
		if err := json.Unmarshal(sig.Payload, &d); err != nil {
			return nil, fmt.Errorf("%w: undecodable approval signal %q: %v", types.ErrFatalConfiguration, sig.Key, err)
		}
		f.st.Decisions = append(f.st.Decisions, d)
		if d.Decision == types.DecisionRejected && rejection == nil {
			rejection = &d
		}
	}

	if rejection != nil {
		f.st.Pending.Decision = types.DecisionRejected
		f.st.Pending.Comment = rejection.Comment
		reason := rejection.Comment
		if reason == "" {
			reason = "rejected by approver"
		}
		res := f.reject(reason, tier)
		res.ApproverID = rejection.ApproverID
		return res, nil
	}

	last := f.st.Decisions[len(f.st.Decisions)-1]
	f.st.Pending.Decision = types.DecisionApproved
	f.st.Pending.Comment = last.Comment
	f.wc.Logger().Info("tier approved", "tier", tier.Level, "approver_id", last.ApproverID)
	return nil, nil
}

func (f *approvalFlow) reject(reason string, tier types.Tier) *ApprovalResult {
	f.st.Rejected = true
	f.st.RejectionReason = reason
	f.st.CurrentStep = string(OutcomeRejected)
	return &ApprovalResult{
		Outcome:    OutcomeRejected,
		Reason:     reason,
		Tier:       tier.Level,
		Role:       tier.Role,
		ApproverID: tier.ApproverID,
	}
}

// purchase generates the purchase order and transmits it. Transmission that exhausts
// its attempts still completes the run, with Transmitted false.
func (f *approvalFlow) purchase(auto bool) (*ApprovalResult, error) {
	f.st.CurrentStep = StepGeneratingPO
	if err := f.publish(); err != nil {
		return nil, err
	}
	po, err := workflow.StepWithRetry(f.wc, "generate_po", f.s.settings.CreatePORetry, func(ctx context.Context) (string, error) {
		return f.s.deps.Orders.CreatePO(ctx, f.req.ID)
	})
	if err != nil {
		return nil, err
	}

	f.st.CurrentStep = StepSendingToVendor
	if err := f.publish(); err != nil {
		return nil, err
	}
	sent, err := workflow.StepWithRetry(f.wc, "transmit_po", f.s.settings.TransmitRetry, func(ctx context.Context) (bool, error) {
		ok, err := f.s.deps.Orders.TransmitPO(ctx, po, f.req.VendorID)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, fmt.Errorf("%w: vendor %s did not accept %s", types.ErrTransientIO, f.req.VendorID, po)
		}
		return true, nil
	})
	if err != nil {
		if !recordedFailure(err) {
			return nil, err
		}
		f.wc.Logger().Warn("purchase order not transmitted", "po_number", po, "error", err)
	}

	return &ApprovalResult{
		Outcome:      OutcomeCompleted,
		PONumber:     po,
		Transmitted:  sent,
		AutoApproved: auto,
	}, nil
}

func (f *approvalFlow) finish(res *ApprovalResult, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	if res.Outcome == OutcomeCompleted {
		f.st.CurrentStep = string(OutcomeCompleted)
	}
	f.st.Result = res
	if err := f.publish(); err != nil {
		return nil, err
	}
	return res, nil
}

func (f *approvalFlow) publish() error {
	return f.wc.SetState(f.st)
}

func (f *approvalFlow) notify(step string, n Notification) error {
	n.RunID = f.wc.RunID()
	_, err := workflow.StepWithRetry(f.wc, step, f.s.settings.NotifyRetry, func(ctx context.Context) (bool, error) {
		return true, f.s.deps.Notifier.Notify(ctx, n)
	})
	return bestEffort(f.wc.Logger(), step, err)
}

func severityFor(u types.Urgency) types.Severity {
	if u == types.UrgencyRush || u == types.UrgencyEmergency {
		return types.SeverityWarning
	}
	return types.SeverityInfo
}
