package types

import "time"

// Urgency selects the approval SLA of a requisition.
type Urgency string

const (
	UrgencyStandard  Urgency = "standard"
	UrgencyRush      Urgency = "rush"
	UrgencyEmergency Urgency = "emergency"
)

// Valid reports whether u is one of the known urgencies.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyStandard, UrgencyRush, UrgencyEmergency:
		return true
	}
	return false
}

// Role is a position in the approver ladder, ordered by authority.
type Role string

const (
	RoleManager  Role = "manager"
	RoleDirector Role = "director"
	RoleVP       Role = "vp"
	RoleCFO      Role = "cfo"
)

// LineItem is one requested product line.
type LineItem struct {
	ProductID   string  `json:"product_id,omitempty"`
	SKU         string  `json:"sku,omitempty"`
	Description string  `json:"description,omitempty"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
}

// Negative reports whether the line has a negative quantity or unit price.
func (l LineItem) Negative() bool {
	return l.Quantity < 0 || l.UnitPrice < 0
}

// Total is UnitPrice times Quantity, counting a missing quantity as one.
func (l LineItem) Total() float64 {
	q := l.Quantity
	if q == 0 {
		q = 1
	}
	return l.UnitPrice * q
}

// Requisition is a purchase request entering the approval workflow.
type Requisition struct {
	ID             string     `json:"requisition_id"`
	RequesterID    string     `json:"requester_id"`
	RequesterEmail string     `json:"requester_email,omitempty"`
	Department     string     `json:"department,omitempty"`
	BudgetCode     string     `json:"budget_code"`
	VendorID       string     `json:"vendor_id,omitempty"`
	LineItems      []LineItem `json:"line_items"`
	Amount         float64    `json:"total"`
	Urgency        Urgency    `json:"urgency"`
	NeededBy       string     `json:"needed_by,omitempty"`
	// ReviewOnly marks a held non-purchase action: no budget check, no purchase order,
	// and at least the first tier reviews it.
	ReviewOnly  bool   `json:"review_only,omitempty"`
	Description string `json:"description,omitempty"`
}

// Total returns the declared amount, or the sum of the line items when none was declared.
func (r Requisition) Total() float64 {
	if r.Amount > 0 {
		return r.Amount
	}
	var sum float64
	for _, l := range r.LineItems {
		sum += l.Total()
	}
	return sum
}

// Tier is one resolved position of an approver chain.
type Tier struct {
	Level            int    `json:"level"`
	Role             Role   `json:"role"`
	ApproverID       string `json:"approver_id"`
	ApproverEmail    string `json:"approver_email"`
	EscalationTarget string `json:"escalation_target"`
	EscalationEmail  string `json:"escalation_email,omitempty"`
}

// Decision is the state of an approval request.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// ApprovalRequest is the live request addressed to one tier of a requisition.
type ApprovalRequest struct {
	RequisitionID string    `json:"requisition_id"`
	ApproverID    string    `json:"approver_id"`
	ApproverEmail string    `json:"approver_email"`
	Role          Role      `json:"role"`
	Level         int       `json:"level"`
	Amount        float64   `json:"amount"`
	Deadline      time.Time `json:"deadline"`
	Decision      Decision  `json:"decision"`
	Comment       string    `json:"comment,omitempty"`
}

// ApprovalDecision is the payload of an approval signal.
type ApprovalDecision struct {
	ApproverID string    `json:"approver_id"`
	Decision   Decision  `json:"decision"`
	Comment    string    `json:"comment,omitempty"`
	DecidedAt  time.Time `json:"decided_at"`
}

// EscalationState tracks the single escalation allowed per tier.
type EscalationState string

const (
	NotEscalated EscalationState = "not_escalated"
	Escalated    EscalationState = "escalated"
)

// Severity of an outbound notification.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// BudgetCheck is the budget collaborator's answer.
type BudgetCheck struct {
	Available bool    `json:"available"`
	Remaining float64 `json:"remaining"`
}
