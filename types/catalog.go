package types

import "time"

// Product is an entry of the unified catalog.
type Product struct {
	ID          string `json:"product_id"`
	Name        string `json:"name"`
	SKU         string `json:"sku,omitempty"`
	Category    string `json:"category,omitempty"`
	Unit        string `json:"unit,omitempty"`
	Description string `json:"description,omitempty"`
}

// Listing is one vendor's current offer for a product.
type Listing struct {
	ProductID    string  `json:"product_id"`
	VendorID     string  `json:"vendor_id"`
	UnitPrice    float64 `json:"unit_price"`
	ShippingCost float64 `json:"shipping_cost"`
	MinOrder     int     `json:"min_order,omitempty"`
	LeadTimeDays int     `json:"lead_time_days,omitempty"`
	Contract     bool    `json:"contract,omitempty"`
}

// PricePoint is one observed price.
type PricePoint struct {
	ProductID string    `json:"product_id"`
	VendorID  string    `json:"vendor_id,omitempty"`
	Price     float64   `json:"price"`
	At        time.Time `json:"at"`
}

// Benchmark is the cross-university price distribution of a product.
type Benchmark struct {
	ProductID    string  `json:"product_id"`
	Median       float64 `json:"median"`
	P25          float64 `json:"p25"`
	P75          float64 `json:"p75"`
	Universities int     `json:"universities"`
}

// PriceAlert watches a product for price movements.
type PriceAlert struct {
	ID           string   `json:"alert_id,omitempty"`
	ProductID    string   `json:"product_id"`
	AlertType    string   `json:"alert_type"`
	Threshold    float64  `json:"threshold"`
	NotifyEmails []string `json:"notify_emails,omitempty"`
	CreatedBy    string   `json:"created_by,omitempty"`
}

// Vendor is a supplier record.
type Vendor struct {
	ID         string   `json:"vendor_id"`
	Name       string   `json:"name"`
	Categories []string `json:"categories,omitempty"`
	Diversity  []string `json:"diversity,omitempty"`
}

// VendorScore is a scorecard with every dimension on a 0-100 scale.
type VendorScore struct {
	VendorID   string  `json:"vendor_id"`
	Category   string  `json:"category,omitempty"`
	Price      float64 `json:"price"`
	Quality    float64 `json:"quality"`
	Delivery   float64 `json:"delivery"`
	Service    float64 `json:"service"`
	Compliance float64 `json:"compliance"`
	Strategic  float64 `json:"strategic"`
	Overall    float64 `json:"overall"`
}

// VendorRisk is a vendor risk assessment.
type VendorRisk struct {
	VendorID string   `json:"vendor_id"`
	Level    string   `json:"level"`
	Score    float64  `json:"score"`
	Factors  []string `json:"factors,omitempty"`
}

// VendorPerformance holds delivery metrics over a period such as "12m".
type VendorPerformance struct {
	VendorID        string  `json:"vendor_id"`
	Period          string  `json:"period"`
	Orders          int     `json:"orders"`
	OnTimeRate      float64 `json:"on_time_rate"`
	DefectRate      float64 `json:"defect_rate"`
	InvoiceAccuracy float64 `json:"invoice_accuracy"`
}

// PolicyCheck is the result of validating requested items against purchasing policy.
type PolicyCheck struct {
	Compliant  bool     `json:"compliant"`
	Violations []string `json:"violations,omitempty"`
}

// FeedItem is one line of a vendor catalog feed.
type FeedItem struct {
	SKU          string  `json:"sku"`
	Name         string  `json:"name,omitempty"`
	Category     string  `json:"category,omitempty"`
	Unit         string  `json:"unit,omitempty"`
	UnitPrice    float64 `json:"unit_price"`
	Discontinued bool    `json:"discontinued,omitempty"`
}

// VendorFeed is a vendor's catalog as fetched.
type VendorFeed struct {
	VendorID  string     `json:"vendor_id"`
	Items     []FeedItem `json:"items"`
	FetchedAt time.Time  `json:"fetched_at"`
}

// PriceChange is a listed SKU whose feed price differs from the catalog.
type PriceChange struct {
	SKU       string  `json:"sku"`
	OldPrice  float64 `json:"old_price"`
	NewPrice  float64 `json:"new_price"`
	ChangePct float64 `json:"change_pct"`
}

// CatalogDiff compares a feed with the vendor's current listings.
type CatalogDiff struct {
	Changes      []PriceChange `json:"changes,omitempty"`
	New          []string      `json:"new,omitempty"`
	Discontinued []string      `json:"discontinued,omitempty"`
}

// ContractPerformance summarises how a contract performed over its term. Ratios are 0-1,
// QualityScore is 0-5.
type ContractPerformance struct {
	ContractID        string    `json:"contract_id"`
	VendorID          string    `json:"vendor_id"`
	Commitment        float64   `json:"commitment"`
	Spend             float64   `json:"spend"`
	SpendVsCommitment float64   `json:"spend_vs_commitment"`
	PriceCompliance   float64   `json:"price_compliance"`
	OnTimeDelivery    float64   `json:"on_time_delivery"`
	QualityScore      float64   `json:"quality_score"`
	EndsAt            time.Time `json:"ends_at"`
}
