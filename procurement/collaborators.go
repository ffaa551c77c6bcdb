package procurement

import (
	"context"

	"github.com/songzhibin97/procurement-engine/types"
)

// BudgetService answers whether a budget code can cover an amount.
type BudgetService interface {
	CheckBudget(ctx context.Context, budgetCode string, amount float64) (types.BudgetCheck, error)
}

// PurchaseOrders creates purchase orders and transmits them to vendors. CreatePO must be
// idempotent by requisition ID: a retried call returns the same PO number.
type PurchaseOrders interface {
	CreatePO(ctx context.Context, requisitionID string) (string, error)
	TransmitPO(ctx context.Context, poNumber, vendorID string) (bool, error)
}

// Notification is one outbound message.
type Notification struct {
	Target   string         `json:"target"`
	Email    string         `json:"email,omitempty"`
	Subject  string         `json:"subject"`
	Message  string         `json:"message"`
	Severity types.Severity `json:"severity"`
	RunID    string         `json:"run_id,omitempty"`
}

// Notifier delivers notifications. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Invoices parses invoices and records the matching verdict. Approve and CreateException
// are idempotent by invoice ID.
type Invoices interface {
	Parse(ctx context.Context, invoiceID string) (types.Invoice, error)
	Approve(ctx context.Context, invoiceID string) error
	CreateException(ctx context.Context, invoiceID string, issues types.MatchIssues) (string, error)
}

// PurchaseOrderLookup finds the purchase order an invoice bills against.
type PurchaseOrderLookup interface {
	FindForInvoice(ctx context.Context, invoice types.Invoice) (types.POMatch, error)
	Get(ctx context.Context, poNumber string) (types.PurchaseOrder, error)
}

// Contracts returns the contracted unit price of a SKU from a vendor. ok is false when
// no contract covers it.
type Contracts interface {
	PriceFor(ctx context.Context, vendorID, sku string) (price float64, ok bool, err error)
}

// Receipts reports the quantity of a SKU received against a purchase order.
type Receipts interface {
	Received(ctx context.Context, poNumber, sku string) (float64, error)
}

// VendorCatalogs fetches vendor catalog feeds and applies them to the unified catalog.
// Apply is idempotent by vendor and feed.
type VendorCatalogs interface {
	FetchFeed(ctx context.Context, vendorID string) (types.VendorFeed, error)
	Diff(ctx context.Context, feed types.VendorFeed) (types.CatalogDiff, error)
	Apply(ctx context.Context, feed types.VendorFeed) error
}

// ContractReviews reports how a contract performed over its term.
type ContractReviews interface {
	Performance(ctx context.Context, contractID string) (types.ContractPerformance, error)
}

// Collaborators bundles the external systems the workflows call. Catalogs and Reviews are
// optional; without them catalog sync and contract renewal cannot start.
type Collaborators struct {
	Budget    BudgetService
	Orders    PurchaseOrders
	Notifier  Notifier
	Invoices  Invoices
	POs       PurchaseOrderLookup
	Contracts Contracts
	Receipts  Receipts
	Catalogs  VendorCatalogs
	Reviews   ContractReviews
}
