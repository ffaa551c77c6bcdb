package sandbox

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/songzhibin97/procurement-engine/types"
)

// Catalog is an in-memory product marketplace.
type Catalog struct {
	mu         sync.RWMutex
	now        func() time.Time
	products   []types.Product
	listings   map[string][]types.Listing
	history    map[string][]types.PricePoint
	benchmarks map[string]types.Benchmark
	feeds      map[string]types.VendorFeed
}

func NewCatalog(now func() time.Time) *Catalog {
	if now == nil {
		now = time.Now
	}
	return &Catalog{
		now:        now,
		listings:   make(map[string][]types.Listing),
		history:    make(map[string][]types.PricePoint),
		benchmarks: make(map[string]types.Benchmark),
		feeds:      make(map[string]types.VendorFeed),
	}
}

func (c *Catalog) AddProduct(p types.Product, listings ...types.Listing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products = append(c.products, p)
	for _, l := range listings {
		l.ProductID = p.ID
		c.listings[p.ID] = append(c.listings[p.ID], l)
	}
}

func (c *Catalog) AddPrices(points ...types.PricePoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range points {
		c.history[p.ProductID] = append(c.history[p.ProductID], p)
	}
}

func (c *Catalog) SetBenchmark(b types.Benchmark) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.benchmarks[b.ProductID] = b
}

func matches(p types.Product, terms []string, category string) bool {
	if category != "" && !strings.EqualFold(p.Category, category) {
		return false
	}
	text := strings.ToLower(p.Name + " " + p.Description + " " + p.SKU)
	for _, t := range terms {
		if strings.Contains(text, t) {
			return true
		}
	}
	return len(terms) == 0
}

func (c *Catalog) Search(ctx context.Context, query, category string, limit int) ([]types.Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	terms := strings.Fields(strings.ToLower(query))
	var out []types.Product
	for _, p := range c.products {
		if matches(p, terms, category) {
			out = append(out, p)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// Match ranks products by how many words of description they contain.
func (c *Catalog) Match(ctx context.Context, description, category string) ([]types.Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	terms := strings.Fields(strings.ToLower(description))
	type scored struct {
		p     types.Product
		score int
	}
	var hits []scored
	for _, p := range c.products {
		if category != "" && !strings.EqualFold(p.Category, category) {
			continue
		}
		text := strings.ToLower(p.Name + " " + p.Description)
		n := 0
		for _, t := range terms {
			if len(t) > 2 && strings.Contains(text, t) {
				n++
			}
		}
		if n > 0 {
			hits = append(hits, scored{p, n})
		}
	}
	slices.SortStableFunc(hits, func(a, b scored) int { return b.score - a.score })
	out := make([]types.Product, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.p)
	}
	return out, nil
}

func (c *Catalog) Listings(ctx context.Context, productID string) ([]types.Listing, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ls, ok := c.listings[productID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown product %s", types.ErrPolicyViolation, productID)
	}
	return slices.Clone(ls), nil
}

func (c *Catalog) PriceHistory(ctx context.Context, productID, vendorID string, days int) ([]types.PricePoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	since := c.now().AddDate(0, 0, -days)
	var out []types.PricePoint
	for _, p := range c.history[productID] {
		if vendorID != "" && p.VendorID != vendorID {
			continue
		}
		if days > 0 && p.At.Before(since) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *Catalog) Benchmark(ctx context.Context, productID string) (types.Benchmark, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.benchmarks[productID]
	if !ok {
		return types.Benchmark{ProductID: productID}, nil
	}
	return b, nil
}

// SetFeed replaces the feed a vendor publishes.
func (c *Catalog) SetFeed(feed types.VendorFeed) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feeds[feed.VendorID] = feed
}

func (c *Catalog) FetchFeed(ctx context.Context, vendorID string) (types.VendorFeed, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	feed, ok := c.feeds[vendorID]
	if !ok {
		return feed, fmt.Errorf("%w: vendor %s publishes no catalog feed", types.ErrPolicyViolation, vendorID)
	}
	feed.Items = slices.Clone(feed.Items)
	if feed.FetchedAt.IsZero() {
		feed.FetchedAt = c.now()
	}
	return feed, nil
}

type listed struct {
	productID string
	price     float64
}

// listedBy indexes a vendor's listings by SKU. Callers hold c.mu.
func (c *Catalog) listedBy(vendorID string) map[string]listed {
	out := make(map[string]listed)
	for _, p := range c.products {
		for _, l := range c.listings[p.ID] {
			if l.VendorID == vendorID && p.SKU != "" {
				out[p.SKU] = listed{productID: p.ID, price: l.UnitPrice}
			}
		}
	}
	return out
}

func (c *Catalog) Diff(ctx context.Context, feed types.VendorFeed) (types.CatalogDiff, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	current := c.listedBy(feed.VendorID)
	var diff types.CatalogDiff
	for _, item := range feed.Items {
		cur, ok := current[item.SKU]
		switch {
		case item.Discontinued:
			if ok {
				diff.Discontinued = append(diff.Discontinued, item.SKU)
			}
		case !ok:
			diff.New = append(diff.New, item.SKU)
		case cur.price != item.UnitPrice:
			change := types.PriceChange{SKU: item.SKU, OldPrice: cur.price, NewPrice: item.UnitPrice}
			if cur.price > 0 {
				change.ChangePct = (item.UnitPrice - cur.price) / cur.price
			}
			diff.Changes = append(diff.Changes, change)
		}
	}
	return diff, nil
}

// Apply reprices, lists and delists the vendor's products to match feed and records
// every price change in the history.
func (c *Catalog) Apply(ctx context.Context, feed types.VendorFeed) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.listedBy(feed.VendorID)
	at := feed.FetchedAt
	if at.IsZero() {
		at = c.now()
	}
	for _, item := range feed.Items {
		cur, ok := current[item.SKU]
		switch {
		case item.Discontinued:
			if ok {
				c.listings[cur.productID] = slices.DeleteFunc(c.listings[cur.productID], func(l types.Listing) bool {
					return l.VendorID == feed.VendorID
				})
			}
		case ok:
			if cur.price == item.UnitPrice {
				continue
			}
			for i, l := range c.listings[cur.productID] {
				if l.VendorID == feed.VendorID {
					c.listings[cur.productID][i].UnitPrice = item.UnitPrice
				}
			}
			c.history[cur.productID] = append(c.history[cur.productID],
				types.PricePoint{ProductID: cur.productID, VendorID: feed.VendorID, Price: item.UnitPrice, At: at})
		default:
			id := ""
			for _, p := range c.products {
				if p.SKU == item.SKU {
					id = p.ID
					break
				}
			}
			if id == "" {
				id = "prod-" + strings.ToLower(item.SKU)
				c.products = append(c.products, types.Product{
					ID: id, Name: item.Name, SKU: item.SKU, Category: item.Category, Unit: item.Unit,
				})
			}
			c.listings[id] = append(c.listings[id], types.Listing{ProductID: id, VendorID: feed.VendorID, UnitPrice: item.UnitPrice, MinOrder: 1})
			c.history[id] = append(c.history[id], types.PricePoint{ProductID: id, VendorID: feed.VendorID, Price: item.UnitPrice, At: at})
		}
	}
	return nil
}

// Vendors is an in-memory supplier registry.
type Vendors struct {
	mu          sync.RWMutex
	vendors     map[string]types.Vendor
	scores      map[string]types.VendorScore
	risks       map[string]types.VendorRisk
	performance map[string]types.VendorPerformance
}

func NewVendors() *Vendors {
	return &Vendors{
		vendors:     make(map[string]types.Vendor),
		scores:      make(map[string]types.VendorScore),
		risks:       make(map[string]types.VendorRisk),
		performance: make(map[string]types.VendorPerformance),
	}
}

func (v *Vendors) Add(vendor types.Vendor, score types.VendorScore, risk types.VendorRisk, perf types.VendorPerformance) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.vendors[vendor.ID] = vendor
	score.VendorID, risk.VendorID, perf.VendorID = vendor.ID, vendor.ID, vendor.ID
	v.scores[vendor.ID] = score
	v.risks[vendor.ID] = risk
	v.performance[vendor.ID] = perf
}

func (v *Vendors) lookup(id string) error {
	if _, ok := v.vendors[id]; !ok {
		return fmt.Errorf("%w: unknown vendor %s", types.ErrPolicyViolation, id)
	}
	return nil
}

func (v *Vendors) Scorecard(ctx context.Context, vendorID, category string) (types.VendorScore, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if err := v.lookup(vendorID); err != nil {
		return types.VendorScore{}, err
	}
	s := v.scores[vendorID]
	s.Category = category
	return s, nil
}

func (v *Vendors) Diverse(ctx context.Context, category, diversityType string) ([]types.Vendor, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []types.Vendor
	for _, vendor := range v.vendors {
		if len(vendor.Diversity) == 0 {
			continue
		}
		if diversityType != "" && !slices.ContainsFunc(vendor.Diversity, func(d string) bool { return strings.EqualFold(d, diversityType) }) {
			continue
		}
		if category != "" && !slices.ContainsFunc(vendor.Categories, func(c string) bool { return strings.EqualFold(c, category) }) {
			continue
		}
		out = append(out, vendor)
	}
	slices.SortFunc(out, func(a, b types.Vendor) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (v *Vendors) Risk(ctx context.Context, vendorID string) (types.VendorRisk, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if err := v.lookup(vendorID); err != nil {
		return types.VendorRisk{}, err
	}
	return v.risks[vendorID], nil
}

func (v *Vendors) Performance(ctx context.Context, vendorID, period string) (types.VendorPerformance, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if err := v.lookup(vendorID); err != nil {
		return types.VendorPerformance{}, err
	}
	p := v.performance[vendorID]
	p.Period = period
	return p, nil
}

// Requisitions records requisitions and applies a small purchasing policy.
type Requisitions struct {
	mu         sync.Mutex
	reqs       map[string]types.Requisition
	restricted []string
	maxLine    float64
}

// NewRequisitions rejects lines above maxLine and lines mentioning a restricted term.
func NewRequisitions(maxLine float64, restricted ...string) *Requisitions {
	return &Requisitions{reqs: make(map[string]types.Requisition), maxLine: maxLine, restricted: restricted}
}

func (r *Requisitions) Create(ctx context.Context, req types.Requisition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs[req.ID] = req
	return nil
}

// Get returns a recorded requisition.
func (r *Requisitions) Get(id string) (types.Requisition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.reqs[id]
	return req, ok
}

func (r *Requisitions) ValidatePolicy(ctx context.Context, items []types.LineItem, requesterID, budgetCode string) (types.PolicyCheck, error) {
	var violations []string
	if budgetCode == "" {
		violations = append(violations, "budget code is required")
	}
	if len(items) == 0 {
		violations = append(violations, "no items requested")
	}
	for i, it := range items {
		if it.UnitPrice <= 0 {
			violations = append(violations, fmt.Sprintf("item %d has no unit price", i+1))
		}
		if r.maxLine > 0 && it.Total() > r.maxLine {
			violations = append(violations, fmt.Sprintf("item %d exceeds the %.2f line limit", i+1, r.maxLine))
		}
		text := strings.ToLower(it.Description + " " + it.SKU)
		for _, term := range r.restricted {
			if strings.Contains(text, term) {
				violations = append(violations, fmt.Sprintf("item %d is restricted (%s)", i+1, term))
			}
		}
	}
	return types.PolicyCheck{Compliant: len(violations) == 0, Violations: violations}, nil
}

// Alerts stores price alerts.
type Alerts struct {
	mu     sync.Mutex
	alerts map[string]types.PriceAlert
}

func NewAlerts() *Alerts {
	return &Alerts{alerts: make(map[string]types.PriceAlert)}
}

func (a *Alerts) CreateAlert(ctx context.Context, alert types.PriceAlert) (string, error) {
	switch alert.AlertType {
	case "price_drop", "price_increase", "better_price":
	default:
		return "", fmt.Errorf("%w: alert type %q", types.ErrPolicyViolation, alert.AlertType)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	alert.ID = "alert-" + uuid.NewString()[:8]
	a.alerts[alert.ID] = alert
	return alert.ID, nil
}

// List returns the stored alerts.
func (a *Alerts) List() []types.PriceAlert {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.PriceAlert, 0, len(a.alerts))
	for _, al := range a.alerts {
		out = append(out, al)
	}
	return out
}
