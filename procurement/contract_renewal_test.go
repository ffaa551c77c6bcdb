package procurement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/procurement-engine/rules"
	"github.com/songzhibin97/procurement-engine/storage"
	"github.com/songzhibin97/procurement-engine/types"
	"github.com/songzhibin97/procurement-engine/workflow"
)

func TestRecommend(t *testing.T) {
	eval := rules.NewExprEvaluator()
	tests := []struct {
		name     string
		perf     types.ContractPerformance
		want     string
		priority string
		changes  int
	}{
		{
			name:     "clean renewal",
			perf:     types.ContractPerformance{SpendVsCommitment: 0.95, PriceCompliance: 0.99, OnTimeDelivery: 0.97, QualityScore: 4.6},
			want:     RecommendRenew,
			priority: "low",
		},
		{
			name:     "renew with volume discount",
			perf:     types.ContractPerformance{SpendVsCommitment: 1.2, PriceCompliance: 0.99, OnTimeDelivery: 0.97, QualityScore: 4.6},
			want:     RecommendRenew,
			priority: "medium",
			changes:  1,
		},
		{
			name:     "underspent and late",
			perf:     types.ContractPerformance{SpendVsCommitment: 0.85, PriceCompliance: 0.98, OnTimeDelivery: 0.85, QualityScore: 4.5},
			want:     RecommendRenegotiate,
			priority: "medium",
			changes:  2,
		},
		{
			name:     "poor quality",
			perf:     types.ContractPerformance{SpendVsCommitment: 1, PriceCompliance: 0.99, OnTimeDelivery: 0.99, QualityScore: 2.5},
			want:     RecommendRebid,
			priority: "high",
			changes:  2,
		},
		{
			name:     "price drift",
			perf:     types.ContractPerformance{SpendVsCommitment: 0.92, PriceCompliance: 0.8, OnTimeDelivery: 0.99, QualityScore: 4.2},
			want:     RecommendRebid,
			priority: "high",
			changes:  1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Recommend(eval, DefaultRenewRule, tt.perf)
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.Recommendation)
			assert.Equal(t, tt.priority, rec.NegotiationPriority)
			assert.Len(t, rec.SuggestedChanges, tt.changes)
		})
	}

	_, err := Recommend(eval, "QualityScore >", types.ContractPerformance{})
	assert.ErrorIs(t, err, types.ErrFatalConfiguration)
}

func TestContractRenewal_Completed(t *testing.T) {
	h := newHarness(t)
	h.reviews.perf["CTR-FISHER-2023"] = types.ContractPerformance{
		ContractID:        "CTR-FISHER-2023",
		VendorID:          "vendor_fisher",
		Commitment:        100000,
		Spend:             85000,
		SpendVsCommitment: 0.85,
		PriceCompliance:   0.98,
		OnTimeDelivery:    0.95,
		QualityScore:      4.5,
	}

	runID, err := h.svc.StartContractRenewal(h.ctx, "CTR-FISHER-2023")
	require.NoError(t, err)

	st, err := h.svc.QueryContractRenewal(h.ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, st.Status)
	assert.Equal(t, string(OutcomeCompleted), st.CurrentStep)
	require.NotNil(t, st.Analysis)
	assert.Equal(t, "vendor_fisher", st.Analysis.VendorID)
	require.NotNil(t, st.Result)
	assert.Equal(t, RecommendRenew, st.Result.Recommendation.Recommendation)
	assert.Equal(t, "medium", st.Result.Recommendation.NegotiationPriority)
	assert.Equal(t, []string{"lower the volume commitment"}, st.Result.Recommendation.SuggestedChanges)

	snap, err := h.svc.Query(h.ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, KindContractRenewal, snap.Kind)
	require.NotNil(t, snap.Renewal)
	assert.Nil(t, snap.Catalog)
}

func TestContractRenewal_CustomRule(t *testing.T) {
	h := newHarness(t)
	s := testSettings()
	s.RenewRule = "QualityScore >= 4.8"
	engine, err := workflow.NewEngine(&seqGenerator{}, storage.NewMemoryStorage())
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Stop(h.ctx) })
	svc, err := NewService(engine, Collaborators{
		Budget:    h.budget,
		Orders:    h.orders,
		Notifier:  h.notifier,
		Invoices:  h.invoices,
		POs:       h.pos,
		Contracts: h.contracts,
		Receipts:  h.receipts,
		Reviews:   h.reviews,
	}, WithSettings(s))
	require.NoError(t, err)

	h.reviews.perf["CTR-1"] = types.ContractPerformance{SpendVsCommitment: 0.95, PriceCompliance: 0.99, OnTimeDelivery: 0.97, QualityScore: 4.6}
	runID, err := svc.StartContractRenewal(h.ctx, "CTR-1")
	require.NoError(t, err)
	st, err := svc.QueryContractRenewal(h.ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, st.Result)
	assert.Equal(t, RecommendRenegotiate, st.Result.Recommendation.Recommendation)

	s.RenewRule = "QualityScore >"
	_, err = NewService(engine, Collaborators{
		Budget:    h.budget,
		Orders:    h.orders,
		Notifier:  h.notifier,
		Invoices:  h.invoices,
		POs:       h.pos,
		Contracts: h.contracts,
		Receipts:  h.receipts,
	}, WithSettings(s))
	assert.ErrorIs(t, err, types.ErrFatalConfiguration)
}

func TestContractRenewal_UnknownContractFails(t *testing.T) {
	h := newHarness(t)

	runID, err := h.svc.StartContractRenewal(h.ctx, "CTR-404")
	require.NoError(t, err)
	st, err := h.svc.QueryContractRenewal(h.ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunFailed, st.Status)
	require.NotNil(t, st.Result)
	assert.Equal(t, OutcomeFailed, st.Result.Outcome)
	assert.Equal(t, "CTR-404", st.Result.ContractID)
	assert.Nil(t, st.Analysis)

	_, err = h.svc.StartContractRenewal(h.ctx, "")
	assert.ErrorIs(t, err, types.ErrFatalConfiguration)
	_, err = h.svc.QueryInvoice(h.ctx, runID)
	assert.ErrorIs(t, err, workflow.ErrUnknownKind)
}
