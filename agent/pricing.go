package agent

import (
	"math"
	"sort"
	"time"

	"github.com/songzhibin97/procurement-engine/types"
)

// Quote is one vendor's price for a quantity.
type Quote struct {
	VendorID  string  `json:"vendor_id"`
	UnitPrice float64 `json:"unit_price"`
	Shipping  float64 `json:"shipping"`
	Total     float64 `json:"total"`
	Contract  bool    `json:"contract,omitempty"`
}

// Compare prices quantity at every listing, cheapest total first. Listings whose minimum
// order exceeds quantity are skipped.
func Compare(listings []types.Listing, quantity int) []Quote {
	quotes := make([]Quote, 0, len(listings))
	for _, l := range listings {
		if l.MinOrder > quantity {
			continue
		}
		quotes = append(quotes, TotalCost(l, quantity, true))
	}
	sort.SliceStable(quotes, func(i, j int) bool { return quotes[i].Total < quotes[j].Total })
	return quotes
}

// TotalCost prices quantity at a listing.
func TotalCost(l types.Listing, quantity int, shipping bool) Quote {
	q := Quote{VendorID: l.VendorID, UnitPrice: l.UnitPrice, Contract: l.Contract}
	q.Total = l.UnitPrice * float64(quantity)
	if shipping {
		q.Shipping = l.ShippingCost
		q.Total += l.ShippingCost
	}
	q.Total = math.Round(q.Total*100) / 100
	return q
}

// PriceState classifies a price series.
type PriceState string

const (
	StateStable    PriceState = "stable"
	StateRising    PriceState = "rising"
	StateDeclining PriceState = "declining"
	StateVolatile  PriceState = "volatile"
	StateUnknown   PriceState = "unknown"
)

// Trend is the classification of a price series.
type Trend struct {
	State         PriceState `json:"state"`
	Current       float64    `json:"current"`
	MonthlyChange float64    `json:"monthly_change_pct"`
	Samples       int        `json:"samples"`
}

// Classify labels a price series: any step move above 10% is volatile, otherwise a
// monthly drift beyond 2% either way is rising or declining.
func Classify(points []types.PricePoint) Trend {
	if len(points) < 2 {
		t := Trend{State: StateUnknown, Samples: len(points)}
		if len(points) == 1 {
			t.Current = points[0].Price
		}
		return t
	}
	ps := append([]types.PricePoint(nil), points...)
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].At.Before(ps[j].At) })

	first, last := ps[0], ps[len(ps)-1]
	t := Trend{Current: last.Price, Samples: len(ps)}
	for i := 1; i < len(ps); i++ {
		prev := ps[i-1].Price
		if prev > 0 && math.Abs(ps[i].Price-prev)/prev > 0.10 {
			t.State = StateVolatile
		}
	}
	months := last.At.Sub(first.At).Hours() / (24 * 30)
	if months < 1 {
		months = 1
	}
	if first.Price > 0 {
		t.MonthlyChange = math.Round((last.Price-first.Price)/first.Price*100/months*100) / 100
	}
	if t.State == StateVolatile {
		return t
	}
	switch {
	case t.MonthlyChange > 2:
		t.State = StateRising
	case t.MonthlyChange < -2:
		t.State = StateDeclining
	default:
		t.State = StateStable
	}
	return t
}

// Timing is a buy-now-or-wait recommendation.
type Timing struct {
	Trend    Trend  `json:"trend"`
	Action   string `json:"action"`
	Reason   string `json:"reason"`
	ReviewBy string `json:"review_by,omitempty"`
}

// Recommend turns a trend into a purchase timing recommendation. A target price at or
// above the current price always means buy now.
func Recommend(t Trend, target *float64, now time.Time) Timing {
	rec := Timing{Trend: t}
	switch {
	case target != nil && t.Current > 0 && t.Current <= *target:
		rec.Action, rec.Reason = "buy_now", "current price is at or below the target"
	case t.State == StateDeclining:
		rec.Action, rec.Reason = "wait", "prices are declining"
		rec.ReviewBy = now.AddDate(0, 0, 30).Format(time.DateOnly)
	case t.State == StateVolatile:
		rec.Action, rec.Reason = "wait", "prices are volatile"
		rec.ReviewBy = now.AddDate(0, 0, 14).Format(time.DateOnly)
	case t.State == StateRising:
		rec.Action, rec.Reason = "buy_now", "prices are rising"
	default:
		rec.Action, rec.Reason = "buy_now", "prices are stable"
	}
	return rec
}

// Scorecard weights: price 30%, quality 20%, delivery 20%, service 15%, compliance 10%,
// strategic 5%.
func Scorecard(s types.VendorScore) types.VendorScore {
	overall := 0.30*s.Price + 0.20*s.Quality + 0.20*s.Delivery +
		0.15*s.Service + 0.10*s.Compliance + 0.05*s.Strategic
	s.Overall = math.Round(overall*10) / 10
	return s
}
