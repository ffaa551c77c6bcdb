// Package action is the closed catalog of actions an agent may propose.
package action

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/songzhibin97/procurement-engine/types"
)

// Kind names an action in the catalog.
type Kind string

const (
	SearchProducts          Kind = "search_products"
	GetPriceHistory         Kind = "get_price_history"
	GetVendorListings       Kind = "get_vendor_listings"
	CreatePriceAlert        Kind = "create_price_alert"
	SendSlackAlert          Kind = "send_slack_alert"
	CompareVendorPrices     Kind = "compare_vendor_prices"
	CalculateTotalCost      Kind = "calculate_total_cost"
	GetNetworkBenchmark     Kind = "get_network_benchmark"
	PredictPriceState       Kind = "predict_price_state"
	RecommendPurchaseTiming Kind = "recommend_purchase_timing"
	ParseRequest            Kind = "parse_request"
	MatchProduct            Kind = "match_product"
	CheckBudget             Kind = "check_budget"
	ValidatePolicy          Kind = "validate_policy"
	CreateRequisition       Kind = "create_requisition"
	RouteApproval           Kind = "route_approval"
	GetPendingApprovals     Kind = "get_pending_approvals"
	SendReminder            Kind = "send_reminder"
	EscalateApproval        Kind = "escalate_approval"
	ProcessApproval         Kind = "process_approval"
	ScoreVendor             Kind = "score_vendor"
	FindDiverseSuppliers    Kind = "find_diverse_suppliers"
	AssessVendorRisk        Kind = "assess_vendor_risk"
	GetVendorPerformance    Kind = "get_vendor_performance"
)

var kinds = []Kind{
	SearchProducts, GetPriceHistory, GetVendorListings, CreatePriceAlert, SendSlackAlert,
	CompareVendorPrices, CalculateTotalCost, GetNetworkBenchmark, PredictPriceState,
	RecommendPurchaseTiming, ParseRequest, MatchProduct, CheckBudget, ValidatePolicy,
	CreateRequisition, RouteApproval, GetPendingApprovals, SendReminder, EscalateApproval,
	ProcessApproval, ScoreVendor, FindDiverseSuppliers, AssessVendorRisk, GetVendorPerformance,
}

var (
	ErrUnknownKind = fmt.Errorf("%w: unknown action", types.ErrFatalConfiguration)
	ErrInvalidArgs = errors.New("invalid action arguments")
)

// Kinds lists the catalog in declaration order.
func Kinds() []Kind {
	return append([]Kind(nil), kinds...)
}

// Valid reports whether k is in the catalog.
func (k Kind) Valid() bool {
	_, err := decodeArgs(k, nil)
	return err == nil
}

// Args is the typed argument record of one action kind.
type Args interface {
	Kind() Kind
}

type defaulter interface {
	setDefaults()
}

type checker interface {
	check() error
}

// Action is a proposed call of a catalog action.
type Action struct {
	ID   string `json:"id"`
	Kind Kind   `json:"name"`
	Args Args   `json:"args"`
}

// New builds an action from already typed arguments. Defaults are not applied.
func New(id string, args Args) Action {
	return Action{ID: id, Kind: args.Kind(), Args: args}
}

// Parse decodes raw JSON arguments for kind. Unknown kinds wrap ErrUnknownKind; bad
// arguments wrap ErrInvalidArgs.
func Parse(id string, kind Kind, raw json.RawMessage) (Action, error) {
	args, err := decodeArgs(kind, raw)
	if err != nil {
		return Action{ID: id, Kind: kind}, err
	}
	return Action{ID: id, Kind: kind, Args: args}, nil
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var wire struct {
		ID   string          `json:"id"`
		Kind Kind            `json:"name"`
		Args json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	parsed, err := Parse(wire.ID, wire.Kind, wire.Args)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func decode[T any](raw json.RawMessage) (Args, error) {
	var v T
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
		}
	}
	if d, ok := any(&v).(defaulter); ok {
		d.setDefaults()
	}
	if c, ok := any(v).(checker); ok {
		if err := c.check(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
		}
	}
	return any(v).(Args), nil
}

func decodeArgs(kind Kind, raw json.RawMessage) (Args, error) {
	switch kind {
	case SearchProducts:
		return decode[SearchProductsArgs](raw)
	case GetPriceHistory:
		return decode[GetPriceHistoryArgs](raw)
	case GetVendorListings:
		return decode[GetVendorListingsArgs](raw)
	case CreatePriceAlert:
		return decode[CreatePriceAlertArgs](raw)
	case SendSlackAlert:
		return decode[SendSlackAlertArgs](raw)
	case CompareVendorPrices:
		return decode[CompareVendorPricesArgs](raw)
	case CalculateTotalCost:
		return decode[CalculateTotalCostArgs](raw)
	case GetNetworkBenchmark:
		return decode[GetNetworkBenchmarkArgs](raw)
	case PredictPriceState:
		return decode[PredictPriceStateArgs](raw)
	case RecommendPurchaseTiming:
		return decode[RecommendPurchaseTimingArgs](raw)
	case ParseRequest:
		return decode[ParseRequestArgs](raw)
	case MatchProduct:
		return decode[MatchProductArgs](raw)
	case CheckBudget:
		return decode[CheckBudgetArgs](raw)
	case ValidatePolicy:
		return decode[ValidatePolicyArgs](raw)
	case CreateRequisition:
		return decode[CreateRequisitionArgs](raw)
	case RouteApproval:
		return decode[RouteApprovalArgs](raw)
	case GetPendingApprovals:
		return decode[GetPendingApprovalsArgs](raw)
	case SendReminder:
		return decode[SendReminderArgs](raw)
	case EscalateApproval:
		return decode[EscalateApprovalArgs](raw)
	case ProcessApproval:
		return decode[ProcessApprovalArgs](raw)
	case ScoreVendor:
		return decode[ScoreVendorArgs](raw)
	case FindDiverseSuppliers:
		return decode[FindDiverseSuppliersArgs](raw)
	case AssessVendorRisk:
		return decode[AssessVendorRiskArgs](raw)
	case GetVendorPerformance:
		return decode[GetVendorPerformanceArgs](raw)
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownKind, kind)
}
