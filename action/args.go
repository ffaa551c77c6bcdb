package action

import (
	"fmt"

	"github.com/songzhibin97/procurement-engine/types"
)

// Item is a requested line inside requisition and policy actions.
type Item = types.LineItem

type SearchProductsArgs struct {
	Query    string `json:"query"`
	Category string `json:"category,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

func (SearchProductsArgs) Kind() Kind { return SearchProducts }

func (a *SearchProductsArgs) setDefaults() {
	if a.Limit <= 0 {
		a.Limit = 10
	}
}

type GetPriceHistoryArgs struct {
	ProductID string `json:"product_id"`
	VendorID  string `json:"vendor_id,omitempty"`
	Days      int    `json:"days,omitempty"`
}

func (GetPriceHistoryArgs) Kind() Kind { return GetPriceHistory }

func (a *GetPriceHistoryArgs) setDefaults() {
	if a.Days <= 0 {
		a.Days = 365
	}
}

type GetVendorListingsArgs struct {
	ProductID string `json:"product_id"`
}

func (GetVendorListingsArgs) Kind() Kind { return GetVendorListings }

// CreatePriceAlertArgs watches a product. AlertType is price_drop, price_increase or
// better_price; Threshold is a percentage.
type CreatePriceAlertArgs struct {
	ProductID    string   `json:"product_id"`
	AlertType    string   `json:"alert_type"`
	Threshold    float64  `json:"threshold"`
	NotifyEmails []string `json:"notify_emails,omitempty"`
}

func (CreatePriceAlertArgs) Kind() Kind { return CreatePriceAlert }

// SendSlackAlertArgs posts to a channel. Level is info, warning or critical.
type SendSlackAlertArgs struct {
	Channel string `json:"channel"`
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

func (SendSlackAlertArgs) Kind() Kind { return SendSlackAlert }

func (a *SendSlackAlertArgs) setDefaults() {
	if a.Level == "" {
		a.Level = string(types.SeverityInfo)
	}
}

type CompareVendorPricesArgs struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity,omitempty"`
}

func (CompareVendorPricesArgs) Kind() Kind { return CompareVendorPrices }

func (a *CompareVendorPricesArgs) setDefaults() {
	if a.Quantity <= 0 {
		a.Quantity = 1
	}
}

type CalculateTotalCostArgs struct {
	ProductID       string `json:"product_id"`
	VendorID        string `json:"vendor_id"`
	Quantity        int    `json:"quantity"`
	IncludeShipping *bool  `json:"include_shipping,omitempty"`
}

func (CalculateTotalCostArgs) Kind() Kind { return CalculateTotalCost }

func (a *CalculateTotalCostArgs) setDefaults() {
	if a.IncludeShipping == nil {
		yes := true
		a.IncludeShipping = &yes
	}
	if a.Quantity <= 0 {
		a.Quantity = 1
	}
}

type GetNetworkBenchmarkArgs struct {
	ProductID string `json:"product_id"`
}

func (GetNetworkBenchmarkArgs) Kind() Kind { return GetNetworkBenchmark }

type PredictPriceStateArgs struct {
	ProductID string `json:"product_id"`
}

func (PredictPriceStateArgs) Kind() Kind { return PredictPriceState }

type RecommendPurchaseTimingArgs struct {
	ProductID   string   `json:"product_id"`
	TargetPrice *float64 `json:"target_price,omitempty"`
}

func (RecommendPurchaseTimingArgs) Kind() Kind { return RecommendPurchaseTiming }

type ParseRequestArgs struct {
	Text string `json:"text"`
}

func (ParseRequestArgs) Kind() Kind { return ParseRequest }

type MatchProductArgs struct {
	Description string `json:"description"`
	Category    string `json:"category,omitempty"`
}

func (MatchProductArgs) Kind() Kind { return MatchProduct }

type CheckBudgetArgs struct {
	BudgetCode string  `json:"budget_code"`
	Amount     float64 `json:"amount"`
}

func (CheckBudgetArgs) Kind() Kind { return CheckBudget }

func (a CheckBudgetArgs) check() error {
	if a.Amount < 0 {
		return fmt.Errorf("amount %v is negative", a.Amount)
	}
	return nil
}

type ValidatePolicyArgs struct {
	Items       []Item `json:"items"`
	RequesterID string `json:"requester_id"`
	BudgetCode  string `json:"budget_code"`
}

func (ValidatePolicyArgs) Kind() Kind { return ValidatePolicy }

func (a ValidatePolicyArgs) check() error { return checkItems(a.Items) }

type CreateRequisitionArgs struct {
	Items       []Item        `json:"items"`
	RequesterID string        `json:"requester_id"`
	BudgetCode  string        `json:"budget_code"`
	Urgency     types.Urgency `json:"urgency,omitempty"`
	NeededBy    string        `json:"needed_by,omitempty"`
}

func (CreateRequisitionArgs) Kind() Kind { return CreateRequisition }

func (a *CreateRequisitionArgs) setDefaults() {
	if a.Urgency == "" {
		a.Urgency = types.UrgencyStandard
	}
}

// Total sums unit price times quantity over the items, a missing quantity counting as one.
func (a CreateRequisitionArgs) check() error { return checkItems(a.Items) }

func checkItems(items []Item) error {
	for i, it := range items {
		if it.Negative() {
			return fmt.Errorf("item %d has a negative quantity or unit price", i)
		}
	}
	return nil
}

func (a CreateRequisitionArgs) Total() float64 {
	var sum float64
	for _, it := range a.Items {
		sum += it.Total()
	}
	return sum
}

type RouteApprovalArgs struct {
	RequisitionID string  `json:"requisition_id"`
	TotalAmount   float64 `json:"total_amount"`
}

func (RouteApprovalArgs) Kind() Kind { return RouteApproval }

func (a RouteApprovalArgs) check() error {
	if a.TotalAmount < 0 {
		return fmt.Errorf("total_amount %v is negative", a.TotalAmount)
	}
	return nil
}

type GetPendingApprovalsArgs struct {
	ApproverID string `json:"approver_id"`
}

func (GetPendingApprovalsArgs) Kind() Kind { return GetPendingApprovals }

type SendReminderArgs struct {
	ApprovalID string `json:"approval_id"`
	ApproverID string `json:"approver_id"`
}

func (SendReminderArgs) Kind() Kind { return SendReminder }

type EscalateApprovalArgs struct {
	ApprovalID string `json:"approval_id"`
	Reason     string `json:"reason"`
}

func (EscalateApprovalArgs) Kind() Kind { return EscalateApproval }

// ProcessApprovalArgs records a decision: approve, reject or delegate.
type ProcessApprovalArgs struct {
	ApprovalID string `json:"approval_id"`
	Decision   string `json:"decision"`
	Comments   string `json:"comments,omitempty"`
}

func (ProcessApprovalArgs) Kind() Kind { return ProcessApproval }

type ScoreVendorArgs struct {
	VendorID string `json:"vendor_id"`
	Category string `json:"category,omitempty"`
}

func (ScoreVendorArgs) Kind() Kind { return ScoreVendor }

// FindDiverseSuppliersArgs searches by category; DiversityType is MWBE, SBE, SDVOSB,
// HUBZone or LGBTBE.
type FindDiverseSuppliersArgs struct {
	Category      string `json:"category"`
	DiversityType string `json:"diversity_type,omitempty"`
}

func (FindDiverseSuppliersArgs) Kind() Kind { return FindDiverseSuppliers }

type AssessVendorRiskArgs struct {
	VendorID string `json:"vendor_id"`
}

func (AssessVendorRiskArgs) Kind() Kind { return AssessVendorRisk }

type GetVendorPerformanceArgs struct {
	VendorID string `json:"vendor_id"`
	Period   string `json:"period,omitempty"`
}

func (GetVendorPerformanceArgs) Kind() Kind { return GetVendorPerformance }

func (a *GetVendorPerformanceArgs) setDefaults() {
	if a.Period == "" {
		a.Period = "12m"
	}
}
