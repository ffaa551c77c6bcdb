package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/procurement-engine/types"
)

func TestCompare(t *testing.T) {
	listings := []types.Listing{
		{VendorID: "a", UnitPrice: 10, ShippingCost: 20},
		{VendorID: "b", UnitPrice: 11, ShippingCost: 0},
		{VendorID: "c", UnitPrice: 5, ShippingCost: 0, MinOrder: 100},
	}
	quotes := Compare(listings, 10)
	require.Len(t, quotes, 2)
	assert.Equal(t, "b", quotes[0].VendorID)
	assert.Equal(t, 110.0, quotes[0].Total)
	assert.Equal(t, "a", quotes[1].VendorID)
	assert.Equal(t, 120.0, quotes[1].Total)
}

func TestTotalCost(t *testing.T) {
	l := types.Listing{VendorID: "a", UnitPrice: 12.4, ShippingCost: 9.95}
	assert.Equal(t, 133.95, TotalCost(l, 10, true).Total)
	q := TotalCost(l, 10, false)
	assert.Equal(t, 124.0, q.Total)
	assert.Zero(t, q.Shipping)
}

func series(start time.Time, prices ...float64) []types.PricePoint {
	out := make([]types.PricePoint, len(prices))
	for i, p := range prices {
		out[i] = types.PricePoint{Price: p, At: start.AddDate(0, 0, 30*i)}
	}
	return out
}

func TestClassify(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		points []types.PricePoint
		want   PriceState
	}{
		{"empty", nil, StateUnknown},
		{"single", series(start, 10), StateUnknown},
		{"flat", series(start, 10, 10.1, 10, 10.05), StateStable},
		{"rising", series(start, 10, 10.5, 11, 11.5), StateRising},
		{"declining", series(start, 10, 9.6, 9.2, 8.8), StateDeclining},
		{"spike", series(start, 10, 12, 10, 10), StateVolatile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.points).State)
		})
	}
}

func TestClassify_UnsortedInput(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	pts := series(start, 10, 10.5, 11, 11.5)
	pts[0], pts[3] = pts[3], pts[0]
	tr := Classify(pts)
	assert.Equal(t, StateRising, tr.State)
	assert.Equal(t, 11.5, tr.Current)
	assert.Equal(t, 4, tr.Samples)
	assert.Equal(t, 5.0, tr.MonthlyChange)
}

func TestRecommend(t *testing.T) {
	now := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	target := 9.0

	rec := Recommend(Trend{State: StateDeclining, Current: 10}, nil, now)
	assert.Equal(t, "wait", rec.Action)
	assert.Equal(t, "2025-10-01", rec.ReviewBy)

	rec = Recommend(Trend{State: StateDeclining, Current: 8.5}, &target, now)
	assert.Equal(t, "buy_now", rec.Action)

	rec = Recommend(Trend{State: StateVolatile, Current: 10}, &target, now)
	assert.Equal(t, "wait", rec.Action)
	assert.Equal(t, "2025-09-15", rec.ReviewBy)

	rec = Recommend(Trend{State: StateRising, Current: 10}, nil, now)
	assert.Equal(t, "buy_now", rec.Action)
	assert.Empty(t, rec.ReviewBy)
}

func TestScorecard(t *testing.T) {
	s := Scorecard(types.VendorScore{VendorID: "v", Price: 78, Quality: 92, Delivery: 90, Service: 86, Compliance: 98, Strategic: 80})
	// 23.4 + 18.4 + 18 + 12.9 + 9.8 + 4
	assert.Equal(t, 86.5, s.Overall)
	assert.Equal(t, "v", s.VendorID)
}
