package procurement

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/songzhibin97/procurement-engine/rules"
	"github.com/songzhibin97/procurement-engine/types"
	"github.com/songzhibin97/procurement-engine/workflow"
)

// Renewal recommendations.
const (
	RecommendRenew       = "renew"
	RecommendRenegotiate = "renegotiate"
	RecommendRebid       = "rebid"
)

type renewalInput struct {
	ContractID string `json:"contract_id"`
}

// RenewalRecommendation is what to do with a contract when its term ends.
type RenewalRecommendation struct {
	Recommendation      string   `json:"recommendation"`
	SuggestedChanges    []string `json:"suggested_changes,omitempty"`
	NegotiationPriority string   `json:"negotiation_priority"`
}

// RenewalResult is the terminal value of a contract renewal run.
type RenewalResult struct {
	Outcome        Outcome                   `json:"outcome"`
	ContractID     string                    `json:"contract_id"`
	Analysis       types.ContractPerformance `json:"analysis"`
	Recommendation RenewalRecommendation     `json:"recommendation"`
}

// RenewalStatus is the query view of a contract renewal run.
type RenewalStatus struct {
	RunID       string                     `json:"run_id"`
	ContractID  string                     `json:"contract_id"`
	Status      types.RunStatus            `json:"status"`
	CurrentStep string                     `json:"current_step"`
	Analysis    *types.ContractPerformance `json:"analysis,omitempty"`
	Result      *RenewalResult             `json:"result,omitempty"`
}

// StartContractRenewal starts the renewal review of a contract.
func (s *Service) StartContractRenewal(ctx context.Context, contractID string) (string, error) {
	if s.deps.Reviews == nil {
		return "", fmt.Errorf("%w: no contract review backend configured", types.ErrFatalConfiguration)
	}
	contractID = strings.TrimSpace(contractID)
	if contractID == "" {
		return "", fmt.Errorf("%w: contract ID is required", types.ErrFatalConfiguration)
	}
	runID, err := s.engine.Start(ctx, KindContractRenewal, renewalInput{ContractID: contractID})
	if err != nil {
		return runID, err
	}
	s.logger.Info("contract renewal started", "run_id", runID, "contract_id", contractID)
	return runID, nil
}

// QueryContractRenewal returns the current status of a contract renewal run.
func (s *Service) QueryContractRenewal(ctx context.Context, runID string) (RenewalStatus, error) {
	var st RenewalStatus
	run, err := s.engine.Query(ctx, runID, &st)
	if err != nil {
		return st, err
	}
	if run.Kind != KindContractRenewal {
		return st, fmt.Errorf("%w: run %s is a %s run", workflow.ErrUnknownKind, runID, run.Kind)
	}
	st.RunID = run.ID
	st.Status = run.Status
	if st.ContractID == "" {
		var in renewalInput
		if json.Unmarshal(run.Input, &in) == nil {
			st.ContractID = in.ContractID
		}
	}
	switch run.Status {
	case types.RunCancelled:
		st.Result = &RenewalResult{Outcome: OutcomeCancelled, ContractID: st.ContractID}
	case types.RunFailed:
		st.Result = &RenewalResult{Outcome: OutcomeFailed, ContractID: st.ContractID}
	}
	return st, nil
}

// Recommend turns contract performance into a renewal recommendation. A contract that
// satisfies rule is renewed; one that badly missed price, delivery or quality goes to
// rebid; anything in between is renegotiated.
func Recommend(eval rules.Evaluator, rule string, perf types.ContractPerformance) (RenewalRecommendation, error) {
	var changes []string
	switch {
	case perf.SpendVsCommitment < 0.9:
		changes = append(changes, "lower the volume commitment")
	case perf.SpendVsCommitment >= 1:
		changes = append(changes, "negotiate a volume discount")
	}
	if perf.OnTimeDelivery < 0.95 {
		changes = append(changes, "add delivery SLA penalties")
	}
	if perf.PriceCompliance < 0.98 {
		changes = append(changes, "tighten price adjustment terms")
	}
	if perf.QualityScore < 4 {
		changes = append(changes, "add quality acceptance criteria")
	}

	renew, err := eval.Evaluate(rule, perf)
	if err != nil {
		return RenewalRecommendation{}, fmt.Errorf("%w: renew rule: %v", types.ErrFatalConfiguration, err)
	}
	switch {
	case renew:
		priority := "low"
		if len(changes) > 0 {
			priority = "medium"
		}
		return RenewalRecommendation{Recommendation: RecommendRenew, SuggestedChanges: changes, NegotiationPriority: priority}, nil
	case perf.PriceCompliance < 0.9 || perf.OnTimeDelivery < 0.8 || perf.QualityScore < 3:
		return RenewalRecommendation{Recommendation: RecommendRebid, SuggestedChanges: changes, NegotiationPriority: "high"}, nil
	}
	return RenewalRecommendation{Recommendation: RecommendRenegotiate, SuggestedChanges: changes, NegotiationPriority: "medium"}, nil
}

func (s *Service) contractRenewal(wc *workflow.Context) (any, error) {
	var in renewalInput
	if err := wc.Input(&in); err != nil {
		return nil, err
	}
	if s.deps.Reviews == nil {
		return nil, fmt.Errorf("%w: no contract review backend configured", types.ErrFatalConfiguration)
	}
	st := RenewalStatus{ContractID: in.ContractID, CurrentStep: StepAnalyzingContract}
	publish := func() error { return wc.SetState(st) }
	if err := publish(); err != nil {
		return nil, err
	}

	perf, err := workflow.StepWithRetry(wc, "analyze_contract", s.settings.LookupRetry, func(ctx context.Context) (types.ContractPerformance, error) {
		return s.deps.Reviews.Performance(ctx, in.ContractID)
	})
	if err != nil {
		return nil, err
	}
	st.Analysis = &perf
	st.CurrentStep = StepRecommending
	if err := publish(); err != nil {
		return nil, err
	}

	rec, err := workflow.Step(wc, "recommend_renewal", func(context.Context) (RenewalRecommendation, error) {
		return Recommend(s.eval, s.settings.RenewRule, perf)
	})
	if err != nil {
		return nil, err
	}
	wc.Logger().Info("renewal recommended", "contract_id", in.ContractID, "recommendation", rec.Recommendation)

	res := RenewalResult{Outcome: OutcomeCompleted, ContractID: in.ContractID, Analysis: perf, Recommendation: rec}
	st.CurrentStep = string(res.Outcome)
	st.Result = &res
	if err := publish(); err != nil {
		return nil, err
	}
	return res, nil
}
