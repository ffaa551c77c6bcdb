package procurement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/procurement-engine/events"
	"github.com/songzhibin97/procurement-engine/storage"
	"github.com/songzhibin97/procurement-engine/types"
	"github.com/songzhibin97/procurement-engine/workflow"
)

func seedFeed(h *harness) {
	h.catalogs.listed["TIPS-200"] = 12
	h.catalogs.listed["GLOVES-M"] = 8
	h.catalogs.listed["BEAKER-250"] = 5
	h.catalogs.feeds["vendor_fisher"] = types.VendorFeed{
		VendorID:  "vendor_fisher",
		FetchedAt: t0,
		Items: []types.FeedItem{
			{SKU: " tips-200 ", Name: "Pipette tips", UnitPrice: 13.20},
			{SKU: "GLOVES-M", Name: "Nitrile gloves", UnitPrice: 8.20},
			{SKU: "BEAKER-250", Discontinued: true},
			{SKU: "PIPETTE-10", Name: "Pipette", UnitPrice: 40},
			{SKU: "", UnitPrice: 3},
			{SKU: "gloves-m", UnitPrice: 7},
			{SKU: "BAD-1", UnitPrice: 0},
		},
	}
}

func TestNormalizeFeed(t *testing.T) {
	h := newHarness(t)
	seedFeed(h)

	feed, rejected := NormalizeFeed(h.catalogs.feeds["vendor_fisher"])
	require.Len(t, feed.Items, 4)
	assert.Equal(t, "TIPS-200", feed.Items[0].SKU)
	assert.True(t, feed.Items[2].Discontinued)
	assert.Equal(t, []string{"line 5: missing sku", "GLOVES-M: duplicate", "BAD-1: invalid price 0"}, rejected)
	assert.Equal(t, t0, feed.FetchedAt)

	feed, rejected = NormalizeFeed(types.VendorFeed{VendorID: "v"})
	assert.Empty(t, feed.Items)
	assert.Empty(t, rejected)
}

func TestSignificantChanges(t *testing.T) {
	changes := []types.PriceChange{
		{SKU: "A", ChangePct: 0.10},
		{SKU: "B", ChangePct: -0.07},
		{SKU: "C", ChangePct: 0.02},
	}
	got := SignificantChanges(changes, 0.05)
	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].SKU)
	assert.Equal(t, "B", got[1].SKU)
	assert.Empty(t, SignificantChanges(changes, 0.5))
}

func TestCatalogSync_Completed(t *testing.T) {
	h := newHarness(t)
	seedFeed(h)

	changed := make(chan events.Event, 1)
	h.bus.SubscribeFunc(events.CatalogPriceChanged, func(ctx context.Context, e events.Event) error {
		changed <- e
		return nil
	})

	runID, err := h.svc.StartCatalogSync(h.ctx, " vendor_fisher ")
	require.NoError(t, err)

	st, err := h.svc.QueryCatalogSync(h.ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, st.Status)
	assert.Equal(t, string(OutcomeCompleted), st.CurrentStep)
	require.NotNil(t, st.Diff)
	require.NotNil(t, st.Result)

	res := st.Result
	assert.Equal(t, "vendor_fisher", res.VendorID)
	assert.Equal(t, 4, res.ProductsProcessed)
	assert.Len(t, res.Rejected, 3)
	assert.Len(t, res.PriceChanges, 2)
	assert.Equal(t, 1, res.Significant)
	assert.Equal(t, []string{"PIPETTE-10"}, res.NewProducts)
	assert.Equal(t, []string{"BEAKER-250"}, res.Discontinued)
	assert.True(t, res.Notified)

	assert.Equal(t, []string{"procurement-team"}, h.notifier.targets())
	warnings := h.notifier.bySeverity(types.SeverityWarning)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "TIPS-200")
	assert.NotContains(t, warnings[0].Message, "GLOVES-M")

	require.Len(t, h.catalogs.applied, 1)
	assert.Len(t, h.catalogs.applied[0].Items, 4)

	select {
	case e := <-changed:
		assert.Equal(t, "vendor_fisher", e.Data["vendor_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("no price change event published")
	}
}

func TestCatalogSync_QuietWhenChangesAreSmall(t *testing.T) {
	h := newHarness(t)
	h.catalogs.listed["GLOVES-M"] = 8
	h.catalogs.feeds["vendor_vwr"] = types.VendorFeed{
		VendorID: "vendor_vwr",
		Items:    []types.FeedItem{{SKU: "GLOVES-M", UnitPrice: 8.10}},
	}

	runID, err := h.svc.StartCatalogSync(h.ctx, "vendor_vwr")
	require.NoError(t, err)
	st, err := h.svc.QueryCatalogSync(h.ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, st.Result)
	assert.Len(t, st.Result.PriceChanges, 1)
	assert.Zero(t, st.Result.Significant)
	assert.False(t, st.Result.Notified)
	assert.Empty(t, h.notifier.targets())
}

func TestCatalogSync_NotifyFailureIsBestEffort(t *testing.T) {
	h := newHarness(t)
	seedFeed(h)
	h.notifier.fail = true

	runID, err := h.svc.StartCatalogSync(h.ctx, "vendor_fisher")
	require.NoError(t, err)
	st, err := h.svc.QueryCatalogSync(h.ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, st.Status)
	require.NotNil(t, st.Result)
	assert.Equal(t, 1, st.Result.Significant)
	assert.False(t, st.Result.Notified)
	assert.Equal(t, 3, h.notifier.attempts)
	assert.Len(t, h.catalogs.applied, 1)
}

func TestCatalogSync_RetriesFetch(t *testing.T) {
	h := newHarness(t)
	seedFeed(h)
	h.catalogs.failures = 2

	runID, err := h.svc.StartCatalogSync(h.ctx, "vendor_fisher")
	require.NoError(t, err)
	st, err := h.svc.QueryCatalogSync(h.ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, st.Status)
	assert.Equal(t, 3, h.catalogs.fetches)
}

func TestCatalogSync_UnknownVendorFails(t *testing.T) {
	h := newHarness(t)

	runID, err := h.svc.StartCatalogSync(h.ctx, "vendor_acme")
	require.NoError(t, err)
	st, err := h.svc.QueryCatalogSync(h.ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunFailed, st.Status)
	require.NotNil(t, st.Result)
	assert.Equal(t, OutcomeFailed, st.Result.Outcome)
	assert.Equal(t, "vendor_acme", st.Result.VendorID)
	assert.Equal(t, 1, h.catalogs.fetches)
	assert.Empty(t, h.catalogs.applied)

	snap, err := h.svc.Query(h.ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, KindCatalogSync, snap.Kind)
	require.NotNil(t, snap.Catalog)
}

func TestCatalogSync_StartValidation(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.StartCatalogSync(h.ctx, "  ")
	assert.ErrorIs(t, err, types.ErrFatalConfiguration)

	seedInvoice(h, "INV-C", 12)
	invoiceRun, err := h.svc.StartInvoiceMatch(h.ctx, "INV-C")
	require.NoError(t, err)
	_, err = h.svc.QueryCatalogSync(h.ctx, invoiceRun)
	assert.ErrorIs(t, err, workflow.ErrUnknownKind)

	engine, err := workflow.NewEngine(&seqGenerator{}, storage.NewMemoryStorage())
	require.NoError(t, err)
	svc, err := NewService(engine, Collaborators{
		Budget:    &fakeBudget{},
		Orders:    &fakeOrders{},
		Notifier:  &fakeNotifier{},
		Invoices:  &fakeInvoices{},
		POs:       &fakePOs{},
		Contracts: &fakeContracts{},
		Receipts:  &fakeReceipts{},
	})
	require.NoError(t, err)
	_, err = svc.StartCatalogSync(context.Background(), "vendor_fisher")
	assert.ErrorIs(t, err, types.ErrFatalConfiguration)
}
