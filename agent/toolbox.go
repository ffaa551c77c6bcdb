package agent

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/songzhibin97/procurement-engine/action"
	"github.com/songzhibin97/procurement-engine/approval"
	"github.com/songzhibin97/procurement-engine/procurement"
	"github.com/songzhibin97/procurement-engine/types"
)

// Catalog is the read side of the product marketplace.
type Catalog interface {
	Search(ctx context.Context, query, category string, limit int) ([]types.Product, error)
	Match(ctx context.Context, description, category string) ([]types.Product, error)
	Listings(ctx context.Context, productID string) ([]types.Listing, error)
	PriceHistory(ctx context.Context, productID, vendorID string, days int) ([]types.PricePoint, error)
	Benchmark(ctx context.Context, productID string) (types.Benchmark, error)
}

// Vendors is the supplier management backend.
type Vendors interface {
	Scorecard(ctx context.Context, vendorID, category string) (types.VendorScore, error)
	Diverse(ctx context.Context, category, diversityType string) ([]types.Vendor, error)
	Risk(ctx context.Context, vendorID string) (types.VendorRisk, error)
	Performance(ctx context.Context, vendorID, period string) (types.VendorPerformance, error)
}

// Requisitions records requisitions in the ERP. Create is idempotent by requisition ID.
type Requisitions interface {
	Create(ctx context.Context, req types.Requisition) error
	ValidatePolicy(ctx context.Context, items []types.LineItem, requesterID, budgetCode string) (types.PolicyCheck, error)
}

// Alerts stores price alerts.
type Alerts interface {
	CreateAlert(ctx context.Context, alert types.PriceAlert) (string, error)
}

// Approvals is the approval workflow boundary. *procurement.Service implements it.
type Approvals interface {
	StartApproval(ctx context.Context, req types.Requisition) (string, error)
	StartReview(ctx context.Context, req types.Requisition) (string, error)
	SignalApproval(ctx context.Context, runID, approverID string, decision types.Decision, comment string) error
	QueryApproval(ctx context.Context, runID string) (procurement.ApprovalStatus, error)
	PendingApprovals(ctx context.Context, approverID string) ([]types.ApprovalRequest, error)
}

// Backends are the collaborators the toolbox executes actions against.
type Backends struct {
	Catalog      Catalog
	Vendors      Vendors
	Requisitions Requisitions
	Alerts       Alerts
	Budget       procurement.BudgetService
	Notifier     procurement.Notifier
	Approvals    Approvals
	Directory    *approval.Directory
}

// Invocation is one action to execute on behalf of a task.
type Invocation struct {
	Action  action.Action
	TaskID  string
	UserID  string
	Context map[string]string
	// Approved marks an action released by a completed approval run. A released
	// create_requisition is recorded under RequisitionID without a second approval.
	Approved      bool
	RequisitionID string
}

// Toolbox executes catalog actions. Reads are retried on transient failures.
type Toolbox struct {
	b        Backends
	attempts uint
	interval time.Duration
	now      func() time.Time
}

// ToolboxOption configures a Toolbox.
type ToolboxOption func(*Toolbox)

// WithRetry sets the attempts and initial backoff of retried reads.
func WithRetry(attempts int, initial time.Duration) ToolboxOption {
	return func(t *Toolbox) {
		if attempts > 0 {
			t.attempts = uint(attempts)
		}
		if initial > 0 {
			t.interval = initial
		}
	}
}

// WithNow sets the clock used for timing recommendations.
func WithNow(now func() time.Time) ToolboxOption {
	return func(t *Toolbox) { t.now = now }
}

// NewToolbox checks that every backend is present.
func NewToolbox(b Backends, opts ...ToolboxOption) (*Toolbox, error) {
	var missing []string
	for name, ok := range map[string]bool{
		"catalog":      b.Catalog != nil,
		"vendors":      b.Vendors != nil,
		"requisitions": b.Requisitions != nil,
		"alerts":       b.Alerts != nil,
		"budget":       b.Budget != nil,
		"notifier":     b.Notifier != nil,
		"approvals":    b.Approvals != nil,
		"directory":    b.Directory != nil,
	} {
		if !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, fmt.Errorf("%w: toolbox is missing %s", types.ErrFatalConfiguration, strings.Join(missing, ", "))
	}
	t := &Toolbox{b: b, attempts: 3, interval: 200 * time.Millisecond, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func retry[T any](ctx context.Context, t *Toolbox, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.interval
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && types.Permanent(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(t.attempts))
}

// RoutePreview is the approver chain an amount would need.
type RoutePreview struct {
	RequisitionID string       `json:"requisition_id,omitempty"`
	Amount        float64      `json:"amount"`
	AutoApproved  bool         `json:"auto_approved"`
	Chain         []types.Tier `json:"chain"`
}

// RequisitionReceipt is the result of create_requisition.
type RequisitionReceipt struct {
	RequisitionID string  `json:"requisition_id"`
	Total         float64 `json:"total"`
	RunID         string  `json:"run_id,omitempty"`
	Status        string  `json:"status"`
}

// Execute runs one action. Every catalog kind has a case; reaching the default is a
// configuration error.
func (t *Toolbox) Execute(ctx context.Context, inv Invocation) (any, error) {
	switch args := inv.Action.Args.(type) {
	case action.SearchProductsArgs:
		return retry(ctx, t, func() ([]types.Product, error) {
			return t.b.Catalog.Search(ctx, args.Query, args.Category, args.Limit)
		})
	case action.GetPriceHistoryArgs:
		return retry(ctx, t, func() ([]types.PricePoint, error) {
			return t.b.Catalog.PriceHistory(ctx, args.ProductID, args.VendorID, args.Days)
		})
	case action.GetVendorListingsArgs:
		return retry(ctx, t, func() ([]types.Listing, error) {
			return t.b.Catalog.Listings(ctx, args.ProductID)
		})
	case action.CreatePriceAlertArgs:
		id, err := t.b.Alerts.CreateAlert(ctx, types.PriceAlert{
			ProductID:    args.ProductID,
			AlertType:    args.AlertType,
			Threshold:    args.Threshold,
			NotifyEmails: args.NotifyEmails,
			CreatedBy:    inv.UserID,
		})
		if err != nil {
			return nil, err
		}
		return map[string]string{"alert_id": id}, nil
	case action.SendSlackAlertArgs:
		err := t.b.Notifier.Notify(ctx, procurement.Notification{
			Target:   "#" + strings.TrimPrefix(args.Channel, "#"),
			Subject:  "Procurement alert",
			Message:  args.Message,
			Severity: types.Severity(args.Level),
		})
		if err != nil {
			return nil, err
		}
		return map[string]string{"channel": args.Channel, "level": args.Level, "status": "sent"}, nil
	case action.CompareVendorPricesArgs:
		listings, err := retry(ctx, t, func() ([]types.Listing, error) {
			return t.b.Catalog.Listings(ctx, args.ProductID)
		})
		if err != nil {
			return nil, err
		}
		return Compare(listings, args.Quantity), nil
	case action.CalculateTotalCostArgs:
		return t.totalCost(ctx, args)
	case action.GetNetworkBenchmarkArgs:
		return retry(ctx, t, func() (types.Benchmark, error) {
			return t.b.Catalog.Benchmark(ctx, args.ProductID)
		})
	case action.PredictPriceStateArgs:
		return t.trend(ctx, args.ProductID)
	case action.RecommendPurchaseTimingArgs:
		trend, err := t.trend(ctx, args.ProductID)
		if err != nil {
			return nil, err
		}
		return Recommend(trend, args.TargetPrice, t.now()), nil
	case action.ParseRequestArgs:
		candidates, err := retry(ctx, t, func() ([]types.Product, error) {
			return t.b.Catalog.Match(ctx, args.Text, "")
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"text": args.Text, "candidates": candidates}, nil
	case action.MatchProductArgs:
		return retry(ctx, t, func() ([]types.Product, error) {
			return t.b.Catalog.Match(ctx, args.Description, args.Category)
		})
	case action.CheckBudgetArgs:
		return retry(ctx, t, func() (types.BudgetCheck, error) {
			return t.b.Budget.CheckBudget(ctx, args.BudgetCode, args.Amount)
		})
	case action.ValidatePolicyArgs:
		return retry(ctx, t, func() (types.PolicyCheck, error) {
			return t.b.Requisitions.ValidatePolicy(ctx, args.Items, orDefault(args.RequesterID, inv.UserID), args.BudgetCode)
		})
	case action.CreateRequisitionArgs:
		return t.createRequisition(ctx, args, inv)
	case action.RouteApprovalArgs:
		chain := t.b.Directory.Chain(approval.Resolve(args.TotalAmount))
		return RoutePreview{
			RequisitionID: args.RequisitionID,
			Amount:        args.TotalAmount,
			AutoApproved:  len(chain) == 0,
			Chain:         chain,
		}, nil
	case action.GetPendingApprovalsArgs:
		return t.b.Approvals.PendingApprovals(ctx, orDefault(args.ApproverID, inv.UserID))
	case action.SendReminderArgs:
		return t.remind(ctx, args)
	case action.EscalateApprovalArgs:
		return t.escalate(ctx, args)
	case action.ProcessApprovalArgs:
		return t.process(ctx, args, inv)
	case action.ScoreVendorArgs:
		score, err := retry(ctx, t, func() (types.VendorScore, error) {
			return t.b.Vendors.Scorecard(ctx, args.VendorID, args.Category)
		})
		if err != nil {
			return nil, err
		}
		return Scorecard(score), nil
	case action.FindDiverseSuppliersArgs:
		return retry(ctx, t, func() ([]types.Vendor, error) {
			return t.b.Vendors.Diverse(ctx, args.Category, args.DiversityType)
		})
	case action.AssessVendorRiskArgs:
		return retry(ctx, t, func() (types.VendorRisk, error) {
			return t.b.Vendors.Risk(ctx, args.VendorID)
		})
	case action.GetVendorPerformanceArgs:
		return retry(ctx, t, func() (types.VendorPerformance, error) {
			return t.b.Vendors.Performance(ctx, args.VendorID, args.Period)
		})
	}
	return nil, fmt.Errorf("%w: no executor for %q", types.ErrFatalConfiguration, inv.Action.Kind)
}

func (t *Toolbox) totalCost(ctx context.Context, args action.CalculateTotalCostArgs) (Quote, error) {
	listings, err := retry(ctx, t, func() ([]types.Listing, error) {
		return t.b.Catalog.Listings(ctx, args.ProductID)
	})
	if err != nil {
		return Quote{}, err
	}
	shipping := args.IncludeShipping == nil || *args.IncludeShipping
	for _, l := range listings {
		if l.VendorID == args.VendorID {
			return TotalCost(l, args.Quantity, shipping), nil
		}
	}
	return Quote{}, fmt.Errorf("%w: vendor %s does not list %s", types.ErrPolicyViolation, args.VendorID, args.ProductID)
}

func (t *Toolbox) trend(ctx context.Context, productID string) (Trend, error) {
	points, err := retry(ctx, t, func() ([]types.PricePoint, error) {
		return t.b.Catalog.PriceHistory(ctx, productID, "", 365)
	})
	if err != nil {
		return Trend{}, err
	}
	return Classify(points), nil
}

// Requisition builds the requisition a create_requisition action describes. Missing
// requester and budget code fall back to the task's user and context.
func Requisition(args action.CreateRequisitionArgs, inv Invocation) types.Requisition {
	id := inv.RequisitionID
	if id == "" {
		id = NewRequisitionID()
	}
	urgency := args.Urgency
	if urgency == "" {
		urgency = types.UrgencyStandard
	}
	return types.Requisition{
		ID:          id,
		RequesterID: orDefault(args.RequesterID, inv.UserID),
		Department:  inv.Context["department"],
		BudgetCode:  orDefault(args.BudgetCode, inv.Context["budget_code"]),
		LineItems:   args.Items,
		Amount:      args.Total(),
		Urgency:     urgency,
		NeededBy:    args.NeededBy,
	}
}

// NewRequisitionID returns a fresh requisition identifier.
func NewRequisitionID() string {
	return "REQ-" + strings.ToUpper(uuid.NewString()[:8])
}

func (t *Toolbox) createRequisition(ctx context.Context, args action.CreateRequisitionArgs, inv Invocation) (RequisitionReceipt, error) {
	req := Requisition(args, inv)
	if err := procurement.ValidateRequisition(req); err != nil {
		return RequisitionReceipt{}, err
	}
	if err := t.b.Requisitions.Create(ctx, req); err != nil {
		return RequisitionReceipt{}, err
	}
	receipt := RequisitionReceipt{RequisitionID: req.ID, Total: req.Total()}
	if inv.Approved {
		receipt.Status = "approved"
		return receipt, nil
	}

	runID, err := t.b.Approvals.StartApproval(ctx, req)
	if err != nil {
		return receipt, err
	}
	receipt.RunID = runID
	st, err := t.b.Approvals.QueryApproval(ctx, runID)
	if err != nil {
		return receipt, err
	}
	receipt.Status = st.CurrentStep
	if st.Result != nil {
		receipt.Status = string(st.Result.Outcome)
	}
	return receipt, nil
}

func (t *Toolbox) pending(ctx context.Context, runID string) (procurement.ApprovalStatus, types.Tier, error) {
	st, err := t.b.Approvals.QueryApproval(ctx, runID)
	if err != nil {
		return st, types.Tier{}, err
	}
	if st.Status.Terminal() || st.Pending == nil || st.CurrentTier < 1 || st.CurrentTier > len(st.Chain) {
		return st, types.Tier{}, fmt.Errorf("%w: approval %s is not pending", types.ErrPolicyViolation, runID)
	}
	return st, st.Chain[st.CurrentTier-1], nil
}

func (t *Toolbox) remind(ctx context.Context, args action.SendReminderArgs) (map[string]string, error) {
	st, tier, err := t.pending(ctx, args.ApprovalID)
	if err != nil {
		return nil, err
	}
	target, email := tier.ApproverID, tier.ApproverEmail
	if args.ApproverID != "" && args.ApproverID != target {
		if args.ApproverID != tier.EscalationTarget {
			return nil, fmt.Errorf("%w: %s is not an approver of %s", types.ErrPolicyViolation, args.ApproverID, args.ApprovalID)
		}
		target, email = tier.EscalationTarget, tier.EscalationEmail
	}
	err = t.b.Notifier.Notify(ctx, procurement.Notification{
		Target:   target,
		Email:    email,
		Subject:  fmt.Sprintf("Reminder: requisition %s awaits your decision", st.RequisitionID),
		Message:  fmt.Sprintf("Requisition %s is due by %s.", st.RequisitionID, st.Pending.Deadline.Format("2006-01-02 15:04 MST")),
		Severity: types.SeverityWarning,
		RunID:    args.ApprovalID,
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"approval_id": args.ApprovalID, "reminded": target}, nil
}

func (t *Toolbox) escalate(ctx context.Context, args action.EscalateApprovalArgs) (map[string]string, error) {
	st, tier, err := t.pending(ctx, args.ApprovalID)
	if err != nil {
		return nil, err
	}
	err = t.b.Notifier.Notify(ctx, procurement.Notification{
		Target:   tier.EscalationTarget,
		Email:    tier.EscalationEmail,
		Subject:  fmt.Sprintf("Escalation: requisition %s", st.RequisitionID),
		Message:  orDefault(args.Reason, "escalated by the approval workflow agent"),
		Severity: types.SeverityCritical,
		RunID:    args.ApprovalID,
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"approval_id": args.ApprovalID, "escalated_to": tier.EscalationTarget}, nil
}

func (t *Toolbox) process(ctx context.Context, args action.ProcessApprovalArgs, inv Invocation) (map[string]string, error) {
	var d types.Decision
	switch strings.ToLower(args.Decision) {
	case "approve", "approved":
		d = types.DecisionApproved
	case "reject", "rejected":
		d = types.DecisionRejected
	default:
		return nil, fmt.Errorf("%w: decision %q", procurement.ErrInvalidDecision, args.Decision)
	}
	if err := t.b.Approvals.SignalApproval(ctx, args.ApprovalID, inv.UserID, d, args.Comments); err != nil {
		return nil, err
	}
	return map[string]string{"approval_id": args.ApprovalID, "decision": string(d)}, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
