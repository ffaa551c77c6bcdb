package procurement

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/procurement-engine/events"
	"github.com/songzhibin97/procurement-engine/storage"
	"github.com/songzhibin97/procurement-engine/types"
	"github.com/songzhibin97/procurement-engine/workflow"
)

var t0 = time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC)

type seqGenerator struct {
	n atomic.Uint64
}

func (g *seqGenerator) NextID() (uint64, error) {
	return g.n.Add(1), nil
}

type fakeBudget struct {
	mu        sync.Mutex
	available bool
	err       error
	calls     int
}

func (b *fakeBudget) CheckBudget(ctx context.Context, code string, amount float64) (types.BudgetCheck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return types.BudgetCheck{}, b.err
	}
	return types.BudgetCheck{Available: b.available, Remaining: 50000}, nil
}

type fakeOrders struct {
	mu            sync.Mutex
	createCalls   int
	createErr     error
	transmitCalls int
	transmitFails int
	transmitHook  func(ctx context.Context) (bool, error)
	transmitted   []string
}

func (o *fakeOrders) CreatePO(ctx context.Context, requisitionID string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.createCalls++
	if o.createErr != nil {
		return "", o.createErr
	}
	return "PO-" + requisitionID, nil
}

func (o *fakeOrders) TransmitPO(ctx context.Context, poNumber, vendorID string) (bool, error) {
	o.mu.Lock()
	o.transmitCalls++
	hook := o.transmitHook
	fail := o.transmitFails != 0
	if o.transmitFails > 0 {
		o.transmitFails--
	}
	o.mu.Unlock()

	if hook != nil {
		return hook(ctx)
	}
	if fail {
		return false, nil
	}
	o.mu.Lock()
	o.transmitted = append(o.transmitted, poNumber)
	o.mu.Unlock()
	return true, nil
}

func (o *fakeOrders) counts() (create, transmit int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.createCalls, o.transmitCalls
}

type fakeNotifier struct {
	mu       sync.Mutex
	sent     []Notification
	attempts int
	fail     bool
}

func (n *fakeNotifier) Notify(ctx context.Context, msg Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.attempts++
	if n.fail {
		return fmt.Errorf("%w: smtp unavailable", types.ErrTransientIO)
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *fakeNotifier) targets() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, m := range n.sent {
		out = append(out, m.Target)
	}
	return out
}

func (n *fakeNotifier) bySeverity(s types.Severity) []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Notification
	for _, m := range n.sent {
		if m.Severity == s {
			out = append(out, m)
		}
	}
	return out
}

type fakeInvoices struct {
	mu         sync.Mutex
	invoices   map[string]types.Invoice
	approved   []string
	exceptions map[string]types.MatchIssues
}

func (f *fakeInvoices) Parse(ctx context.Context, id string) (types.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[id]
	if !ok {
		return inv, fmt.Errorf("%w: invoice %s not found", types.ErrPolicyViolation, id)
	}
	return inv, nil
}

func (f *fakeInvoices) Approve(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approved = append(f.approved, id)
	return nil
}

func (f *fakeInvoices) CreateException(ctx context.Context, id string, issues types.MatchIssues) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exceptions == nil {
		f.exceptions = make(map[string]types.MatchIssues)
	}
	f.exceptions[id] = issues
	return "EXC-" + id, nil
}

type fakePOs struct {
	orders map[string]types.PurchaseOrder
	gets   atomic.Int32
}

func (f *fakePOs) FindForInvoice(ctx context.Context, inv types.Invoice) (types.POMatch, error) {
	if _, ok := f.orders[inv.PONumber]; !ok {
		return types.POMatch{}, nil
	}
	return types.POMatch{Found: true, PONumber: inv.PONumber, Confidence: 1}, nil
}

func (f *fakePOs) Get(ctx context.Context, number string) (types.PurchaseOrder, error) {
	f.gets.Add(1)
	po, ok := f.orders[number]
	if !ok {
		return po, fmt.Errorf("%w: purchase order %s", types.ErrPolicyViolation, number)
	}
	return po, nil
}

type fakeContracts struct {
	prices map[string]float64
	calls  atomic.Int32
}

func (f *fakeContracts) PriceFor(ctx context.Context, vendorID, sku string) (float64, bool, error) {
	f.calls.Add(1)
	p, ok := f.prices[vendorID+"/"+sku]
	return p, ok, nil
}

type fakeReceipts struct {
	received map[string]float64
}

func (f *fakeReceipts) Received(ctx context.Context, poNumber, sku string) (float64, error) {
	return f.received[poNumber+"/"+sku], nil
}

type fakeCatalogs struct {
	mu       sync.Mutex
	feeds    map[string]types.VendorFeed
	listed   map[string]float64
	applied  []types.VendorFeed
	fetches  int
	failures int
}

func (f *fakeCatalogs) FetchFeed(ctx context.Context, vendorID string) (types.VendorFeed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.failures > 0 {
		f.failures--
		return types.VendorFeed{}, fmt.Errorf("%w: feed timeout", types.ErrTransientIO)
	}
	feed, ok := f.feeds[vendorID]
	if !ok {
		return types.VendorFeed{}, fmt.Errorf("%w: vendor %s has no feed", types.ErrPolicyViolation, vendorID)
	}
	return feed, nil
}

func (f *fakeCatalogs) Diff(ctx context.Context, feed types.VendorFeed) (types.CatalogDiff, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var diff types.CatalogDiff
	for _, item := range feed.Items {
		old, ok := f.listed[item.SKU]
		switch {
		case item.Discontinued:
			if ok {
				diff.Discontinued = append(diff.Discontinued, item.SKU)
			}
		case !ok:
			diff.New = append(diff.New, item.SKU)
		case old != item.UnitPrice:
			diff.Changes = append(diff.Changes, types.PriceChange{
				SKU: item.SKU, OldPrice: old, NewPrice: item.UnitPrice, ChangePct: (item.UnitPrice - old) / old,
			})
		}
	}
	return diff, nil
}

func (f *fakeCatalogs) Apply(ctx context.Context, feed types.VendorFeed) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, feed)
	return nil
}

type fakeReviews struct {
	perf map[string]types.ContractPerformance
}

func (f *fakeReviews) Performance(ctx context.Context, contractID string) (types.ContractPerformance, error) {
	p, ok := f.perf[contractID]
	if !ok {
		return p, fmt.Errorf("%w: contract %s not found", types.ErrPolicyViolation, contractID)
	}
	return p, nil
}

func fastRetry(attempts int) workflow.RetryPolicy {
	return workflow.RetryPolicy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		Multiplier:      1,
		MaxInterval:     time.Millisecond,
	}
}

func testSettings() Settings {
	s := DefaultSettings()
	s.NotifyRetry = fastRetry(3)
	s.CreatePORetry = fastRetry(3)
	s.TransmitRetry = fastRetry(5)
	s.LookupRetry = fastRetry(3)
	return s
}

// harness wires a service to fakes, a manual clock and an in-memory store. restart
// builds a fresh engine and service over the same store and fakes.
type harness struct {
	t      *testing.T
	ctx    context.Context
	clock  *workflow.ManualClock
	store  storage.Storage
	gen    *seqGenerator
	bus    *events.EventBus
	engine *workflow.Engine
	svc    *Service

	budget    *fakeBudget
	orders    *fakeOrders
	notifier  *fakeNotifier
	invoices  *fakeInvoices
	pos       *fakePOs
	contracts *fakeContracts
	receipts  *fakeReceipts
	catalogs  *fakeCatalogs
	reviews   *fakeReviews
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		ctx:       context.Background(),
		clock:     workflow.NewManualClock(t0),
		store:     storage.NewMemoryStorage(),
		gen:       &seqGenerator{},
		budget:    &fakeBudget{available: true},
		orders:    &fakeOrders{},
		notifier:  &fakeNotifier{},
		invoices:  &fakeInvoices{invoices: make(map[string]types.Invoice)},
		pos:       &fakePOs{orders: make(map[string]types.PurchaseOrder)},
		contracts: &fakeContracts{prices: make(map[string]float64)},
		receipts:  &fakeReceipts{received: make(map[string]float64)},
		catalogs:  &fakeCatalogs{feeds: make(map[string]types.VendorFeed), listed: make(map[string]float64)},
		reviews:   &fakeReviews{perf: make(map[string]types.ContractPerformance)},
	}
	h.start()
	return h
}

func (h *harness) start() {
	h.t.Helper()
	bus := events.NewEventBus()
	h.bus = bus
	engine, err := workflow.NewEngine(h.gen, h.store, workflow.WithClock(h.clock), workflow.WithEventBus(bus))
	require.NoError(h.t, err)
	svc, err := NewService(engine, Collaborators{
		Budget:    h.budget,
		Orders:    h.orders,
		Notifier:  h.notifier,
		Invoices:  h.invoices,
		POs:       h.pos,
		Contracts: h.contracts,
		Receipts:  h.receipts,
		Catalogs:  h.catalogs,
		Reviews:   h.reviews,
	}, WithSettings(testSettings()))
	require.NoError(h.t, err)
	h.engine, h.svc = engine, svc
	h.t.Cleanup(func() {
		_ = engine.Stop(context.Background())
		bus.Stop()
	})
}

// restart simulates a process crash and restart.
func (h *harness) restart() {
	h.t.Helper()
	require.NoError(h.t, h.engine.Stop(h.ctx))
	h.start()
	require.NoError(h.t, h.engine.Recover(h.ctx))
}

func (h *harness) status(runID string) ApprovalStatus {
	h.t.Helper()
	st, err := h.svc.QueryApproval(h.ctx, runID)
	require.NoError(h.t, err)
	return st
}

func (h *harness) approve(runID, approverID string) {
	h.t.Helper()
	require.NoError(h.t, h.svc.SignalApproval(h.ctx, runID, approverID, types.DecisionApproved, "ok"))
}

func requisition(id string, total float64, urgency types.Urgency) types.Requisition {
	return types.Requisition{
		ID:          id,
		RequesterID: "u_100",
		Department:  "Chemistry",
		BudgetCode:  "CHEM-4410",
		VendorID:    "vendor_fisher",
		Amount:      total,
		Urgency:     urgency,
	}
}
