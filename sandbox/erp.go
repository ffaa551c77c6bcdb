package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/songzhibin97/procurement-engine/procurement"
	"github.com/songzhibin97/procurement-engine/types"
)

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// Budget holds remaining funds per budget code. Unknown codes are unavailable.
type Budget struct {
	mu        sync.Mutex
	remaining map[string]float64
}

func NewBudget() *Budget {
	return &Budget{remaining: make(map[string]float64)}
}

// Set replaces the remaining funds of code.
func (b *Budget) Set(code string, amount float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remaining[code] = amount
}

func (b *Budget) CheckBudget(ctx context.Context, code string, amount float64) (types.BudgetCheck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rem, ok := b.remaining[code]
	if !ok {
		return types.BudgetCheck{}, fmt.Errorf("%w: unknown budget code %s", types.ErrBudgetUnavailable, code)
	}
	return types.BudgetCheck{Available: rem >= amount, Remaining: rem}, nil
}

// Orders issues purchase orders. CreatePO is idempotent by requisition ID.
type Orders struct {
	mu            sync.Mutex
	byReq         map[string]string
	pos           map[string]types.PurchaseOrder
	transmitted   map[string]bool
	failTransmits int
}

func NewOrders() *Orders {
	return &Orders{
		byReq:       make(map[string]string),
		pos:         make(map[string]types.PurchaseOrder),
		transmitted: make(map[string]bool),
	}
}

// FailTransmits makes the next n transmissions fail.
func (o *Orders) FailTransmits(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failTransmits = n
}

func (o *Orders) CreatePO(ctx context.Context, requisitionID string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if po, ok := o.byReq[requisitionID]; ok {
		return po, nil
	}
	po := "PO-" + lastN(requisitionID, 6)
	o.byReq[requisitionID] = po
	if _, ok := o.pos[po]; !ok {
		o.pos[po] = types.PurchaseOrder{Number: po}
	}
	return po, nil
}

func (o *Orders) TransmitPO(ctx context.Context, poNumber, vendorID string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failTransmits > 0 {
		o.failTransmits--
		return false, fmt.Errorf("%w: vendor %s endpoint unreachable", types.ErrTransientIO, vendorID)
	}
	o.transmitted[poNumber] = true
	return true, nil
}

// Transmitted reports whether poNumber reached its vendor.
func (o *Orders) Transmitted(poNumber string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.transmitted[poNumber]
}

// AddPO registers a purchase order for invoice matching.
func (o *Orders) AddPO(po types.PurchaseOrder) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pos[po.Number] = po
}

func (o *Orders) Get(ctx context.Context, poNumber string) (types.PurchaseOrder, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	po, ok := o.pos[poNumber]
	if !ok {
		return types.PurchaseOrder{}, fmt.Errorf("%w: %s", types.ErrNoPoMatch, poNumber)
	}
	return po, nil
}

// FindForInvoice matches on the referenced PO number first, then on a PO of the same
// vendor ordering the invoice's first SKU.
func (o *Orders) FindForInvoice(ctx context.Context, inv types.Invoice) (types.POMatch, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if po, ok := o.pos[inv.PONumber]; ok && inv.PONumber != "" {
		return types.POMatch{Found: true, PONumber: po.Number, Confidence: 1}, nil
	}
	if len(inv.LineItems) == 0 {
		return types.POMatch{}, nil
	}
	sku := inv.LineItems[0].SKU
	for _, po := range o.pos {
		if po.VendorID != inv.VendorID {
			continue
		}
		for _, l := range po.Lines {
			if l.SKU == sku {
				return types.POMatch{Found: true, PONumber: po.Number, Confidence: 0.8}, nil
			}
		}
	}
	return types.POMatch{}, nil
}

// Invoices stores invoices and the verdicts recorded on them.
type Invoices struct {
	mu         sync.Mutex
	invoices   map[string]types.Invoice
	approved   map[string]bool
	exceptions map[string]types.MatchIssues
}

func NewInvoices() *Invoices {
	return &Invoices{
		invoices:   make(map[string]types.Invoice),
		approved:   make(map[string]bool),
		exceptions: make(map[string]types.MatchIssues),
	}
}

func (s *Invoices) Add(inv types.Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices[inv.ID] = inv
}

func (s *Invoices) Parse(ctx context.Context, invoiceID string) (types.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[invoiceID]
	if !ok {
		return types.Invoice{}, fmt.Errorf("%w: invoice %s not found", types.ErrPolicyViolation, invoiceID)
	}
	return inv, nil
}

func (s *Invoices) Approve(ctx context.Context, invoiceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approved[invoiceID] = true
	return nil
}

func (s *Invoices) CreateException(ctx context.Context, invoiceID string, issues types.MatchIssues) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exceptions[invoiceID] = issues
	return "EXC-" + lastN(invoiceID, 6), nil
}

// Approved reports whether invoiceID was auto-approved.
func (s *Invoices) Approved(invoiceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.approved[invoiceID]
}

// Exception returns the issues recorded for invoiceID.
func (s *Invoices) Exception(invoiceID string) (types.MatchIssues, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	issues, ok := s.exceptions[invoiceID]
	return issues, ok
}

// Contracts holds contracted prices keyed by vendor and SKU, and each contract's
// performance over its term.
type Contracts struct {
	mu     sync.RWMutex
	prices map[string]float64
	perf   map[string]types.ContractPerformance
}

func NewContracts() *Contracts {
	return &Contracts{prices: make(map[string]float64), perf: make(map[string]types.ContractPerformance)}
}

func (c *Contracts) SetPerformance(p types.ContractPerformance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.Commitment > 0 {
		p.SpendVsCommitment = p.Spend / p.Commitment
	}
	c.perf[p.ContractID] = p
}

func (c *Contracts) Performance(ctx context.Context, contractID string) (types.ContractPerformance, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.perf[contractID]
	if !ok {
		return p, fmt.Errorf("%w: unknown contract %s", types.ErrPolicyViolation, contractID)
	}
	return p, nil
}

func (c *Contracts) Set(vendorID, sku string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[vendorID+"/"+sku] = price
}

func (c *Contracts) PriceFor(ctx context.Context, vendorID, sku string) (float64, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[vendorID+"/"+sku]
	return p, ok, nil
}

// Receipts holds received quantities keyed by PO and SKU.
type Receipts struct {
	mu       sync.RWMutex
	received map[string]float64
}

func NewReceipts() *Receipts {
	return &Receipts{received: make(map[string]float64)}
}

func (r *Receipts) Receive(poNumber, sku string, qty float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received[poNumber+"/"+sku] += qty
}

func (r *Receipts) Received(ctx context.Context, poNumber, sku string) (float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.received[poNumber+"/"+sku], nil
}

// Notifier logs notifications and keeps them for inspection.
type Notifier struct {
	mu     sync.Mutex
	logger *slog.Logger
	sent   []procurement.Notification
}

func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{logger: logger}
}

func (n *Notifier) Notify(ctx context.Context, msg procurement.Notification) error {
	n.mu.Lock()
	n.sent = append(n.sent, msg)
	n.mu.Unlock()
	n.logger.Info("notification", "target", msg.Target, "severity", msg.Severity, "subject", msg.Subject, "run_id", msg.RunID)
	return nil
}

// Sent returns the notifications delivered so far.
func (n *Notifier) Sent() []procurement.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]procurement.Notification(nil), n.sent...)
}
