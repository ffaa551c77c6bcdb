// Package procurement defines the requisition approval and invoice matching workflows
// and the service that starts, signals and queries them.
package procurement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/songzhibin97/procurement-engine/approval"
	"github.com/songzhibin97/procurement-engine/rules"
	"github.com/songzhibin97/procurement-engine/storage"
	"github.com/songzhibin97/procurement-engine/types"
	"github.com/songzhibin97/procurement-engine/workflow"
)

// Workflow kinds registered on the engine.
const (
	KindRequisitionApproval = "requisition_approval"
	KindInvoiceMatch        = "invoice_match"
	KindCatalogSync         = "catalog_sync"
	KindContractRenewal     = "contract_renewal"
)

// Query-visible step labels.
const (
	StepValidatingBudget     = "validating_budget"
	StepDeterminingApprovers = "determining_approvers"
	StepAwaitingApprovals    = "awaiting_approvals"
	StepGeneratingPO         = "generating_po"
	StepSendingToVendor      = "sending_to_vendor"
	StepParsingInvoice       = "parsing_invoice"
	StepMatchingPO           = "matching_po"
	StepMatchingLines        = "matching_lines"
	StepValidatingPrices     = "validating_prices"
	StepVerifyingReceipts    = "verifying_receipts"
	StepDeciding             = "deciding"
	StepFetchingCatalog      = "fetching_catalog"
	StepNormalizingCatalog   = "normalizing_catalog"
	StepDetectingChanges     = "detecting_price_changes"
	StepApplyingCatalog      = "applying_catalog"
	StepNotifyingChanges     = "notifying_price_changes"
	StepAnalyzingContract    = "analyzing_contract"
	StepRecommending         = "recommending"
)

// Outcome is the terminal result of a workflow run.
type Outcome string

const (
	OutcomeCompleted        Outcome = "completed"
	OutcomeRejected         Outcome = "rejected"
	OutcomeEscalatedTimeout Outcome = "escalated_timeout"
	OutcomeCancelled        Outcome = "cancelled"
	OutcomeFailed           Outcome = "failed"
	OutcomeApproved         Outcome = "approved"
	OutcomeException        Outcome = "exception"
	OutcomeNoPoMatch        Outcome = "no_po_match"
)

// Rejection reasons recorded by the budget step.
const (
	ReasonInsufficientBudget = "insufficient_budget"
	ReasonBudgetUnavailable  = "budget_unavailable"
)

// ErrInvalidDecision is returned for approval signals that neither approve nor reject.
var ErrInvalidDecision = fmt.Errorf("%w: decision must be approved or rejected", types.ErrPolicyViolation)

// DefaultPriceRule holds an invoiced price to the contract price plus tolerance.
const DefaultPriceRule = "InvoicePrice <= ContractPrice * (1 + Tolerance)"

// DefaultRenewRule renews contracts that kept their prices, delivered on time and met
// the quality bar.
const DefaultRenewRule = "PriceCompliance >= 0.95 && OnTimeDelivery >= 0.9 && QualityScore >= 4"

// Settings tunes the workflows.
type Settings struct {
	Directory      *approval.Directory
	Ladder         approval.Ladder
	NotifyRetry    workflow.RetryPolicy
	CreatePORetry  workflow.RetryPolicy
	TransmitRetry  workflow.RetryPolicy
	LookupRetry    workflow.RetryPolicy
	PriceRule      string
	PriceTolerance float64
	// PriceChangeThreshold is the relative price move that makes a catalog sync notify
	// the catalog team.
	PriceChangeThreshold float64
	CatalogTeam          string
	RenewRule            string
}

// DefaultSettings returns the default directory and ladder, three attempts for
// notifications, PO creation and lookups, and five for vendor transmission.
func DefaultSettings() Settings {
	transmit := workflow.DefaultRetryPolicy
	transmit.MaxAttempts = 5
	return Settings{
		Directory:      approval.DefaultDirectory(),
		Ladder:         approval.DefaultLadder(),
		NotifyRetry:    workflow.DefaultRetryPolicy,
		CreatePORetry:  workflow.DefaultRetryPolicy,
		TransmitRetry:  transmit,
		LookupRetry:    workflow.DefaultRetryPolicy,
		PriceRule:      DefaultPriceRule,
		PriceTolerance: 0.02,

		PriceChangeThreshold: 0.05,
		CatalogTeam:          "procurement-team",
		RenewRule:            DefaultRenewRule,
	}
}

// Option configures a Service.
type Option func(*Service)

// WithSettings replaces the default settings.
func WithSettings(s Settings) Option {
	return func(svc *Service) {
		svc.settings = s
	}
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(svc *Service) {
		svc.logger = l
	}
}

// WithEvaluator sets the expression evaluator used by the price rule.
func WithEvaluator(e rules.Evaluator) Option {
	return func(svc *Service) {
		svc.eval = e
	}
}

// Service is the boundary of the procurement workflows.
type Service struct {
	engine   *workflow.Engine
	deps     Collaborators
	settings Settings
	eval     rules.Evaluator
	prices   *PriceChecker
	logger   *slog.Logger
}

// NewService validates the collaborators and settings and registers the workflows on engine.
func NewService(engine *workflow.Engine, deps Collaborators, opts ...Option) (*Service, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: engine is required", types.ErrFatalConfiguration)
	}
	s := &Service{
		engine:   engine,
		deps:     deps,
		settings: DefaultSettings(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.eval == nil {
		s.eval = rules.NewExprEvaluator()
	}
	if err := s.validate(); err != nil {
		return nil, err
	}

	prices, err := NewPriceChecker(s.eval, s.settings.PriceRule, s.settings.PriceTolerance)
	if err != nil {
		return nil, err
	}
	s.prices = prices
	if c, ok := s.eval.(interface{ Compile(string, any) error }); ok {
		if err := c.Compile(s.settings.RenewRule, types.ContractPerformance{}); err != nil {
			return nil, fmt.Errorf("%w: renew rule: %v", types.ErrFatalConfiguration, err)
		}
	}

	for kind, fn := range map[string]workflow.Func{
		KindRequisitionApproval: s.requisitionApproval,
		KindInvoiceMatch:        s.invoiceMatch,
		KindCatalogSync:         s.catalogSync,
		KindContractRenewal:     s.contractRenewal,
	} {
		if err := engine.Register(kind, fn); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Service) validate() error {
	var missing []string
	if s.deps.Budget == nil {
		missing = append(missing, "budget")
	}
	if s.deps.Orders == nil {
		missing = append(missing, "purchase orders")
	}
	if s.deps.Notifier == nil {
		missing = append(missing, "notifier")
	}
	if s.deps.Invoices == nil {
		missing = append(missing, "invoices")
	}
	if s.deps.POs == nil {
		missing = append(missing, "purchase order lookup")
	}
	if s.deps.Contracts == nil {
		missing = append(missing, "contracts")
	}
	if s.deps.Receipts == nil {
		missing = append(missing, "receipts")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing collaborators: %s", types.ErrFatalConfiguration, strings.Join(missing, ", "))
	}
	if s.settings.Directory == nil {
		return fmt.Errorf("%w: approver directory is required", types.ErrFatalConfiguration)
	}
	if s.settings.PriceRule == "" {
		s.settings.PriceRule = DefaultPriceRule
	}
	if s.settings.RenewRule == "" {
		s.settings.RenewRule = DefaultRenewRule
	}
	if s.settings.PriceChangeThreshold < 0 {
		return fmt.Errorf("%w: price change threshold must not be negative", types.ErrFatalConfiguration)
	}
	if s.settings.CatalogTeam == "" {
		s.settings.CatalogTeam = "procurement-team"
	}
	return s.settings.Ladder.Validate()
}

// Engine returns the engine the workflows run on.
func (s *Service) Engine() *workflow.Engine { return s.engine }

// SignalKey is the signal key an approver's decision is delivered under.
func SignalKey(approverID string) string {
	return "approval:" + approverID
}

// ValidateRequisition checks the fields the approval workflow relies on.
func ValidateRequisition(req types.Requisition) error {
	switch {
	case req.ID == "":
		return fmt.Errorf("%w: requisition ID is required", types.ErrFatalConfiguration)
	case !req.ReviewOnly && req.BudgetCode == "":
		return fmt.Errorf("%w: requisition %s has no budget code", types.ErrFatalConfiguration, req.ID)
	case !req.ReviewOnly && req.Total() <= 0:
		return fmt.Errorf("%w: requisition %s amount must be positive", types.ErrFatalConfiguration, req.ID)
	case req.Total() < 0:
		return fmt.Errorf("%w: requisition %s amount is negative", types.ErrFatalConfiguration, req.ID)
	case slices.ContainsFunc(req.LineItems, types.LineItem.Negative):
		return fmt.Errorf("%w: requisition %s has a line with a negative quantity or price", types.ErrFatalConfiguration, req.ID)
	case req.Urgency != "" && !req.Urgency.Valid():
		return fmt.Errorf("%w: requisition %s has unknown urgency %q", types.ErrFatalConfiguration, req.ID, req.Urgency)
	}
	return nil
}

// StartApproval starts the approval workflow for req and returns its run ID. Review-only
// requisitions are rejected here; they start through StartReview.
func (s *Service) StartApproval(ctx context.Context, req types.Requisition) (string, error) {
	if req.ReviewOnly {
		return "", fmt.Errorf("%w: requisition %s: review-only runs cannot be started as purchases", types.ErrFatalConfiguration, req.ID)
	}
	return s.start(ctx, req)
}

// StartReview starts the approval workflow for a held action that buys nothing. The run
// skips the budget check and the purchase order, and at least the first tier reviews it.
func (s *Service) StartReview(ctx context.Context, req types.Requisition) (string, error) {
	req.ReviewOnly = true
	return s.start(ctx, req)
}

func (s *Service) start(ctx context.Context, req types.Requisition) (string, error) {
	if err := ValidateRequisition(req); err != nil {
		return "", err
	}
	if req.Urgency == "" {
		req.Urgency = types.UrgencyStandard
	}
	if req.Amount <= 0 {
		req.Amount = req.Total()
	}
	runID, err := s.engine.Start(ctx, KindRequisitionApproval, req)
	if err != nil {
		return runID, err
	}
	s.logger.Info("approval started", "run_id", runID, "requisition_id", req.ID, "amount", req.Amount)
	return runID, nil
}

// SignalApproval delivers an approver's decision. It fails with workflow.ErrSignalConflict
// and leaves the run untouched when the run is not waiting on that approver.
func (s *Service) SignalApproval(ctx context.Context, runID, approverID string, decision types.Decision, comment string) error {
	if decision != types.DecisionApproved && decision != types.DecisionRejected {
		return fmt.Errorf("%w: got %q", ErrInvalidDecision, decision)
	}
	if approverID == "" {
		return fmt.Errorf("%w: approver ID is required", types.ErrPolicyViolation)
	}
	payload := types.ApprovalDecision{
		ApproverID: approverID,
		Decision:   decision,
		Comment:    comment,
		DecidedAt:  s.engine.Clock().Now(),
	}
	if err := s.engine.Signal(ctx, runID, SignalKey(approverID), payload); err != nil {
		if errors.Is(err, workflow.ErrSignalConflict) {
			s.logger.Warn("approval signal conflict", "run_id", runID, "approver_id", approverID, "decision", decision)
		}
		return err
	}
	return nil
}

// ApprovalStatus is the query view of an approval run.
type ApprovalStatus struct {
	RunID           string                   `json:"run_id"`
	RequisitionID   string                   `json:"requisition_id"`
	Status          types.RunStatus          `json:"status"`
	CurrentStep     string                   `json:"current_step"`
	Approved        bool                     `json:"approved"`
	Rejected        bool                     `json:"rejected"`
	RejectionReason string                   `json:"rejection_reason,omitempty"`
	Chain           []types.Tier             `json:"chain,omitempty"`
	CurrentTier     int                      `json:"current_tier,omitempty"`
	Pending         *types.ApprovalRequest   `json:"pending,omitempty"`
	Escalation      types.EscalationState    `json:"escalation"`
	Decisions       []types.ApprovalDecision `json:"decisions,omitempty"`
	Result          *ApprovalResult          `json:"result,omitempty"`
	UpdatedAt       time.Time                `json:"updated_at"`
}

// ApprovalResult is the terminal value of an approval run.
type ApprovalResult struct {
	Outcome      Outcome    `json:"outcome"`
	Reason       string     `json:"reason,omitempty"`
	Tier         int        `json:"tier,omitempty"`
	Role         types.Role `json:"role,omitempty"`
	ApproverID   string     `json:"approver_id,omitempty"`
	PONumber     string     `json:"po_number,omitempty"`
	Transmitted  bool       `json:"transmitted"`
	AutoApproved bool       `json:"auto_approved,omitempty"`
}

// Err maps a terminal result onto the error taxonomy. Completed results return nil.
func (r ApprovalResult) Err() error {
	switch r.Outcome {
	case OutcomeRejected:
		if r.Reason == ReasonInsufficientBudget || r.Reason == ReasonBudgetUnavailable {
			return fmt.Errorf("%w: %s", types.ErrBudgetUnavailable, r.Reason)
		}
		return fmt.Errorf("%w: tier %d by %s: %s", types.ErrApprovalRejected, r.Tier, r.ApproverID, r.Reason)
	case OutcomeEscalatedTimeout:
		return fmt.Errorf("%w: tier %d (%s)", types.ErrEscalatedTimeout, r.Tier, r.Role)
	case OutcomeCancelled:
		return workflow.ErrCancelled
	case OutcomeFailed:
		return errors.New(r.Reason)
	}
	return nil
}

// QueryApproval returns the current status of an approval run. It never mutates the run.
func (s *Service) QueryApproval(ctx context.Context, runID string) (ApprovalStatus, error) {
	var st ApprovalStatus
	run, err := s.engine.Query(ctx, runID, &st)
	if err != nil {
		return st, err
	}
	if run.Kind != KindRequisitionApproval {
		return st, fmt.Errorf("%w: run %s is a %s run", workflow.ErrUnknownKind, runID, run.Kind)
	}
	st.RunID = run.ID
	st.Status = run.Status
	st.UpdatedAt = run.UpdatedAt
	if st.Escalation == "" {
		st.Escalation = types.NotEscalated
	}
	if st.RequisitionID == "" {
		var req types.Requisition
		if json.Unmarshal(run.Input, &req) == nil {
			st.RequisitionID = req.ID
		}
	}

	switch run.Status {
	case types.RunCancelled:
		st.CurrentStep = string(OutcomeCancelled)
		st.Result = &ApprovalResult{Outcome: OutcomeCancelled, Reason: run.Error}
	case types.RunFailed:
		st.Result = &ApprovalResult{Outcome: OutcomeFailed, Reason: run.Error}
	case types.RunCompleted:
		if st.Result == nil && len(run.Result) > 0 {
			var res ApprovalResult
			if err := json.Unmarshal(run.Result, &res); err == nil {
				st.Result = &res
			}
		}
	}
	return st, nil
}

// PendingApprovals lists the live approval requests addressed to approverID, including
// escalated requests it is the escalation target of.
func (s *Service) PendingApprovals(ctx context.Context, approverID string) ([]types.ApprovalRequest, error) {
	runs, err := s.engine.List(ctx, storage.RunFilter{
		Kind:     KindRequisitionApproval,
		Statuses: []types.RunStatus{types.RunWaiting},
	})
	if err != nil {
		return nil, err
	}
	var out []types.ApprovalRequest
	for _, run := range runs {
		var st ApprovalStatus
		if len(run.State) == 0 || json.Unmarshal(run.State, &st) != nil || st.Pending == nil {
			continue
		}
		if st.Pending.Decision != types.DecisionPending {
			continue
		}
		addressed := st.Pending.ApproverID == approverID
		if !addressed && st.Escalation == types.Escalated && st.CurrentTier > 0 && st.CurrentTier <= len(st.Chain) {
			addressed = st.Chain[st.CurrentTier-1].EscalationTarget == approverID
		}
		if addressed {
			out = append(out, *st.Pending)
		}
	}
	return out, nil
}

// Archive removes terminal runs last updated before the cutoff.
func (s *Service) Archive(ctx context.Context, before time.Time) (int, error) {
	return s.engine.Archive(ctx, before)
}

// Cancel stops a run. Committed steps are not rolled back.
func (s *Service) Cancel(ctx context.Context, runID string) error {
	if err := s.engine.Cancel(ctx, runID); err != nil {
		return err
	}
	s.logger.Info("run cancelled", "run_id", runID)
	return nil
}

// Snapshot is the kind-independent status of a run.
type Snapshot struct {
	RunID     string          `json:"run_id"`
	Kind      string          `json:"kind"`
	Status    types.RunStatus `json:"status"`
	Step      string          `json:"step"`
	StepsDone int             `json:"steps_done"`
	Error     string          `json:"error,omitempty"`
	Approval  *ApprovalStatus `json:"approval,omitempty"`
	Invoice   *InvoiceStatus  `json:"invoice,omitempty"`
	Catalog   *CatalogStatus  `json:"catalog,omitempty"`
	Renewal   *RenewalStatus  `json:"renewal,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Query returns the status of any run started by the service.
func (s *Service) Query(ctx context.Context, runID string) (Snapshot, error) {
	run, err := s.engine.Get(ctx, runID)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		RunID:     run.ID,
		Kind:      run.Kind,
		Status:    run.Status,
		Step:      run.StepLabel,
		StepsDone: len(run.Steps),
		Error:     run.Error,
		CreatedAt: run.CreatedAt,
		UpdatedAt: run.UpdatedAt,
	}
	switch run.Kind {
	case KindRequisitionApproval:
		st, err := s.QueryApproval(ctx, runID)
		if err != nil {
			return snap, err
		}
		snap.Approval = &st
	case KindInvoiceMatch:
		st, err := s.QueryInvoice(ctx, runID)
		if err != nil {
			return snap, err
		}
		snap.Invoice = &st
	case KindCatalogSync:
		st, err := s.QueryCatalogSync(ctx, runID)
		if err != nil {
			return snap, err
		}
		snap.Catalog = &st
	case KindContractRenewal:
		st, err := s.QueryContractRenewal(ctx, runID)
		if err != nil {
			return snap, err
		}
		snap.Renewal = &st
	}
	return snap, nil
}

// bestEffort swallows the recorded failure of a step and passes anything else up:
// suspension, interruption and storage errors must still unwind the workflow.
func bestEffort(logger *slog.Logger, step string, err error) error {
	if err == nil {
		return nil
	}
	var se *workflow.StepError
	if errors.As(err, &se) {
		logger.Warn("best-effort step failed", "step", step, "error", err)
		return nil
	}
	return err
}

func recordedFailure(err error) bool {
	var se *workflow.StepError
	return errors.As(err, &se)
}
