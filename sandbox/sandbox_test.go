package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/procurement-engine/action"
	"github.com/songzhibin97/procurement-engine/procurement"
	"github.com/songzhibin97/procurement-engine/storage"
	"github.com/songzhibin97/procurement-engine/types"
	"github.com/songzhibin97/procurement-engine/workflow"
)

var now = time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC)

func seeded(t *testing.T) *Sandbox {
	t.Helper()
	sb := New(func() time.Time { return now }, nil)
	sb.Seed(now)
	return sb
}

func TestOrders(t *testing.T) {
	ctx := context.Background()
	o := NewOrders()

	po, err := o.CreatePO(ctx, "REQ-2025-000417")
	require.NoError(t, err)
	assert.Equal(t, "PO-000417", po)
	again, err := o.CreatePO(ctx, "REQ-2025-000417")
	require.NoError(t, err)
	assert.Equal(t, po, again)

	o.FailTransmits(2)
	for i := 0; i < 2; i++ {
		ok, err := o.TransmitPO(ctx, po, "vendor_fisher")
		assert.False(t, ok)
		assert.ErrorIs(t, err, types.ErrTransientIO)
	}
	ok, err := o.TransmitPO(ctx, po, "vendor_fisher")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, o.Transmitted(po))
}

func TestOrders_FindForInvoice(t *testing.T) {
	ctx := context.Background()
	sb := seeded(t)

	m, err := sb.Orders.FindForInvoice(ctx, types.Invoice{PONumber: "PO-100231"})
	require.NoError(t, err)
	assert.Equal(t, types.POMatch{Found: true, PONumber: "PO-100231", Confidence: 1}, m)

	m, err = sb.Orders.FindForInvoice(ctx, types.Invoice{
		VendorID:  "vendor_fisher",
		LineItems: []types.InvoiceLine{{SKU: "GLOVES-M", Quantity: 1}},
	})
	require.NoError(t, err)
	assert.True(t, m.Found)
	assert.Equal(t, 0.8, m.Confidence)

	m, err = sb.Orders.FindForInvoice(ctx, types.Invoice{VendorID: "vendor_vwr", LineItems: []types.InvoiceLine{{SKU: "GLOVES-M"}}})
	require.NoError(t, err)
	assert.False(t, m.Found)
}

func TestBudget(t *testing.T) {
	ctx := context.Background()
	sb := seeded(t)

	check, err := sb.Budget.CheckBudget(ctx, "PHYS-1010", 3000)
	require.NoError(t, err)
	assert.False(t, check.Available)
	assert.Equal(t, 2500.0, check.Remaining)

	_, err = sb.Budget.CheckBudget(ctx, "NOPE-0000", 1)
	assert.ErrorIs(t, err, types.ErrBudgetUnavailable)
}

func TestCatalog(t *testing.T) {
	ctx := context.Background()
	sb := seeded(t)

	products, err := sb.Catalog.Search(ctx, "gloves", "", 10)
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "prod-gloves-m", products[0].ID)

	products, err = sb.Catalog.Search(ctx, "", "glassware", 0)
	require.NoError(t, err)
	require.Len(t, products, 1)

	matched, err := sb.Catalog.Match(ctx, "sterile pipette tips 200uL", "")
	require.NoError(t, err)
	require.NotEmpty(t, matched)
	assert.Equal(t, "prod-tips-200", matched[0].ID)

	history, err := sb.Catalog.PriceHistory(ctx, "prod-tips-200", "", 90)
	require.NoError(t, err)
	assert.Len(t, history, 3)

	_, err = sb.Catalog.Listings(ctx, "prod-missing")
	assert.ErrorIs(t, err, types.ErrPolicyViolation)
}

func TestVendors(t *testing.T) {
	ctx := context.Background()
	sb := seeded(t)

	diverse, err := sb.Vendors.Diverse(ctx, "lab_supplies", "mwbe")
	require.NoError(t, err)
	require.Len(t, diverse, 1)
	assert.Equal(t, "vendor_greenlab", diverse[0].ID)

	perf, err := sb.Vendors.Performance(ctx, "vendor_vwr", "6m")
	require.NoError(t, err)
	assert.Equal(t, "6m", perf.Period)
	assert.Equal(t, "vendor_vwr", perf.VendorID)

	_, err = sb.Vendors.Risk(ctx, "vendor_unknown")
	assert.ErrorIs(t, err, types.ErrPolicyViolation)
}

func TestRequisitions_ValidatePolicy(t *testing.T) {
	ctx := context.Background()
	r := NewRequisitions(1000, "firearm")

	check, err := r.ValidatePolicy(ctx, []types.LineItem{{Description: "nitrile gloves", Quantity: 10, UnitPrice: 8.75}}, "u1", "CHEM-4410")
	require.NoError(t, err)
	assert.True(t, check.Compliant)

	check, err = r.ValidatePolicy(ctx, []types.LineItem{
		{Description: "training firearm", Quantity: 1, UnitPrice: 400},
		{Description: "microscope", Quantity: 1, UnitPrice: 4000},
	}, "u1", "")
	require.NoError(t, err)
	assert.False(t, check.Compliant)
	assert.Len(t, check.Violations, 3)
}

func TestAlerts(t *testing.T) {
	ctx := context.Background()
	a := NewAlerts()
	id, err := a.CreateAlert(ctx, types.PriceAlert{ProductID: "prod-tips-200", AlertType: "price_drop", Threshold: 5})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Len(t, a.List(), 1)

	_, err = a.CreateAlert(ctx, types.PriceAlert{ProductID: "prod-tips-200", AlertType: "sideways"})
	assert.ErrorIs(t, err, types.ErrPolicyViolation)
}

func TestScriptedOracle(t *testing.T) {
	ctx := context.Background()
	o := NewScriptedOracle(
		Use(CallOf("c1", action.SearchProducts, action.SearchProductsArgs{Query: "gloves"})),
		Say("done"),
	)
	p, err := o.Propose(ctx, "prompt", nil, nil)
	require.NoError(t, err)
	require.Len(t, p.Calls, 1)
	assert.Equal(t, action.SearchProducts, p.Calls[0].Name)
	assert.JSONEq(t, `{"query":"gloves"}`, string(p.Calls[0].Args))

	p, err = o.Propose(ctx, "prompt", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "done", p.Text)

	_, err = o.Propose(ctx, "prompt", nil, nil)
	assert.ErrorIs(t, err, ErrScriptExhausted)
	assert.Equal(t, 3, o.Calls())
}

func TestSeededInvoices(t *testing.T) {
	ctx := context.Background()
	sb := seeded(t)
	gen := generator.NewSnowflake(time.Now().Add(-time.Second), 1)
	engine, err := workflow.NewEngine(gen, storage.NewMemoryStorage(), workflow.WithClock(workflow.NewManualClock(now)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })
	svc, err := procurement.NewService(engine, sb.Collaborators())
	require.NoError(t, err)

	runID, err := svc.StartInvoiceMatch(ctx, "INV-100231")
	require.NoError(t, err)
	st, err := svc.QueryInvoice(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, st.Result)
	assert.Equal(t, procurement.OutcomeApproved, st.Result.Outcome)
	assert.True(t, sb.Invoices.Approved("INV-100231"))

	runID, err = svc.StartInvoiceMatch(ctx, "INV-100232")
	require.NoError(t, err)
	st, err = svc.QueryInvoice(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, st.Result)
	assert.Equal(t, procurement.OutcomeException, st.Result.Outcome)
	assert.Equal(t, "EXC-100232", st.Result.ExceptionID)
	issues, ok := sb.Invoices.Exception("INV-100232")
	require.True(t, ok)
	assert.NotEmpty(t, issues.PriceViolations)
	assert.NotEmpty(t, issues.ReceiptIssues)
}

func TestCatalog_ApplyFeed(t *testing.T) {
	ctx := context.Background()
	sb := seeded(t)

	feed, err := sb.Catalog.FetchFeed(ctx, "vendor_fisher")
	require.NoError(t, err)
	assert.Equal(t, now, feed.FetchedAt)
	_, err = sb.Catalog.FetchFeed(ctx, "vendor_acme")
	assert.ErrorIs(t, err, types.ErrPolicyViolation)

	diff, err := sb.Catalog.Diff(ctx, feed)
	require.NoError(t, err)
	require.Len(t, diff.Changes, 1)
	assert.Equal(t, "TIPS-200", diff.Changes[0].SKU)
	assert.InDelta(t, 0.0645, diff.Changes[0].ChangePct, 1e-3)
	assert.Equal(t, []string{"FLASK-500"}, diff.New)
	assert.Equal(t, []string{"BEAKER-250"}, diff.Discontinued)

	require.NoError(t, sb.Catalog.Apply(ctx, feed))
	require.NoError(t, sb.Catalog.Apply(ctx, feed))

	ls, err := sb.Catalog.Listings(ctx, "prod-tips-200")
	require.NoError(t, err)
	assert.InDelta(t, 13.20, ls[0].UnitPrice, 1e-9)
	hist, err := sb.Catalog.PriceHistory(ctx, "prod-tips-200", "vendor_fisher", 0)
	require.NoError(t, err)
	assert.Len(t, hist, 7)

	ls, err = sb.Catalog.Listings(ctx, "prod-beaker-250")
	require.NoError(t, err)
	require.Len(t, ls, 1)
	assert.Equal(t, "vendor_greenlab", ls[0].VendorID)

	ls, err = sb.Catalog.Listings(ctx, "prod-flask-500")
	require.NoError(t, err)
	require.Len(t, ls, 1)
	products, err := sb.Catalog.Search(ctx, "erlenmeyer", "glassware", 0)
	require.NoError(t, err)
	assert.Len(t, products, 1)

	diff, err = sb.Catalog.Diff(ctx, feed)
	require.NoError(t, err)
	assert.Empty(t, diff.Changes)
	assert.Empty(t, diff.New)
	assert.Empty(t, diff.Discontinued)
}

func TestSeededCatalogSyncAndRenewal(t *testing.T) {
	ctx := context.Background()
	sb := seeded(t)
	gen := generator.NewSnowflake(time.Now().Add(-time.Second), 1)
	engine, err := workflow.NewEngine(gen, storage.NewMemoryStorage(), workflow.WithClock(workflow.NewManualClock(now)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })
	svc, err := procurement.NewService(engine, sb.Collaborators())
	require.NoError(t, err)

	runID, err := svc.StartCatalogSync(ctx, "vendor_fisher")
	require.NoError(t, err)
	st, err := svc.QueryCatalogSync(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, st.Result)
	assert.Equal(t, procurement.OutcomeCompleted, st.Result.Outcome)
	assert.Equal(t, 5, st.Result.ProductsProcessed)
	assert.Equal(t, 1, st.Result.Significant)
	assert.True(t, st.Result.Notified)
	var targets []string
	for _, n := range sb.Notifier.Sent() {
		targets = append(targets, n.Target)
	}
	assert.Contains(t, targets, "procurement-team")

	runID, err = svc.StartContractRenewal(ctx, "CTR-FISHER-2023")
	require.NoError(t, err)
	rs, err := svc.QueryContractRenewal(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, rs.Result)
	assert.InDelta(t, 0.85, rs.Result.Analysis.SpendVsCommitment, 1e-9)
	assert.Equal(t, procurement.RecommendRenew, rs.Result.Recommendation.Recommendation)
}
