package types

// InvoiceLine is one billed line of an invoice.
type InvoiceLine struct {
	SKU         string  `json:"sku"`
	Description string  `json:"description,omitempty"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
}

// Invoice is a parsed vendor invoice.
type Invoice struct {
	ID        string        `json:"invoice_id"`
	Number    string        `json:"invoice_number"`
	VendorID  string        `json:"vendor_id"`
	PONumber  string        `json:"po_number,omitempty"`
	Total     float64       `json:"total"`
	LineItems []InvoiceLine `json:"line_items"`
}

// POLine is one ordered line of a purchase order.
type POLine struct {
	SKU       string  `json:"sku"`
	Quantity  float64 `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

// PurchaseOrder is the order an invoice is matched against.
type PurchaseOrder struct {
	Number   string   `json:"po_number"`
	VendorID string   `json:"vendor_id"`
	Lines    []POLine `json:"lines"`
}

// POMatch is the result of looking up the purchase order behind an invoice.
type POMatch struct {
	Found      bool    `json:"found"`
	PONumber   string  `json:"po_number,omitempty"`
	Confidence float64 `json:"match_confidence,omitempty"`
}

// LineMatch aggregates the line-level comparison of invoice and purchase order.
type LineMatch struct {
	AllMatched   bool     `json:"all_matched"`
	MatchedLines int      `json:"matched_lines"`
	Mismatches   []string `json:"mismatches,omitempty"`
}

// PriceValidation aggregates the contract price checks.
type PriceValidation struct {
	AllValid   bool     `json:"all_valid"`
	Violations []string `json:"violations,omitempty"`
}

// ReceiptCheck aggregates the goods-receipt checks.
type ReceiptCheck struct {
	AllReceived bool     `json:"all_received"`
	Issues      []string `json:"issues,omitempty"`
}

// MatchIssues is the exception payload for manual review.
type MatchIssues struct {
	LineMismatches  []string `json:"line_mismatches,omitempty"`
	PriceViolations []string `json:"price_violations,omitempty"`
	ReceiptIssues   []string `json:"receipt_issues,omitempty"`
}
