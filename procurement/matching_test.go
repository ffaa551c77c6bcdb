package procurement

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/procurement-engine/rules"
	"github.com/songzhibin97/procurement-engine/types"
)

func TestMatchLines(t *testing.T) {
	po := types.PurchaseOrder{
		Number: "PO-1",
		Lines: []types.POLine{
			{SKU: "A", Quantity: 10, UnitPrice: 2.5},
			{SKU: "B", Quantity: 1, UnitPrice: 100},
		},
	}

	tests := []struct {
		name       string
		lines      []types.InvoiceLine
		matched    int
		mismatches int
	}{
		{"exact", []types.InvoiceLine{{SKU: "A", Quantity: 10, UnitPrice: 2.5}, {SKU: "B", Quantity: 1, UnitPrice: 100}}, 2, 0},
		{"partial delivery", []types.InvoiceLine{{SKU: "A", Quantity: 4, UnitPrice: 2.5}}, 1, 0},
		{"rounding noise", []types.InvoiceLine{{SKU: "A", Quantity: 10, UnitPrice: 2.504}}, 1, 0},
		{"over quantity", []types.InvoiceLine{{SKU: "A", Quantity: 11, UnitPrice: 2.5}}, 0, 1},
		{"price drift", []types.InvoiceLine{{SKU: "B", Quantity: 1, UnitPrice: 100.01}}, 0, 1},
		{"unknown sku", []types.InvoiceLine{{SKU: "C", Quantity: 1, UnitPrice: 1}, {SKU: "B", Quantity: 1, UnitPrice: 100}}, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := MatchLines(types.Invoice{LineItems: tt.lines}, po)
			assert.Equal(t, tt.matched, res.MatchedLines)
			assert.Len(t, res.Mismatches, tt.mismatches)
			assert.Equal(t, tt.mismatches == 0, res.AllMatched)
		})
	}
}

func TestPriceChecker(t *testing.T) {
	contracts := &fakeContracts{prices: map[string]float64{"v1/A": 5, "v1/B": 20}}
	checker, err := NewPriceChecker(rules.NewExprEvaluator(), "", 0.1)
	require.NoError(t, err)

	res, err := checker.Check(context.Background(), contracts, "v1", []types.InvoiceLine{
		{SKU: "A", Quantity: 1, UnitPrice: 5.4},
		{SKU: "B", Quantity: 2, UnitPrice: 22.5},
		{SKU: "NO-CONTRACT", Quantity: 1, UnitPrice: 999},
	})
	require.NoError(t, err)
	assert.False(t, res.AllValid)
	require.Len(t, res.Violations, 1)
	assert.Contains(t, res.Violations[0], "SKU B")

	strict, err := NewPriceChecker(rules.NewExprEvaluator(), DefaultPriceRule, 0)
	require.NoError(t, err)
	res, err = strict.Check(context.Background(), contracts, "v1", []types.InvoiceLine{{SKU: "A", Quantity: 1, UnitPrice: 5}})
	require.NoError(t, err)
	assert.True(t, res.AllValid)
}

func TestPriceChecker_CustomRule(t *testing.T) {
	contracts := &fakeContracts{prices: map[string]float64{"v1/A": 5}}
	checker, err := NewPriceChecker(rules.NewExprEvaluator(), "Quantity > 100 || InvoicePrice <= ContractPrice", 0)
	require.NoError(t, err)

	res, err := checker.Check(context.Background(), contracts, "v1", []types.InvoiceLine{{SKU: "A", Quantity: 500, UnitPrice: 6}})
	require.NoError(t, err)
	assert.True(t, res.AllValid)
}

func TestNewPriceChecker_Errors(t *testing.T) {
	_, err := NewPriceChecker(rules.NewExprEvaluator(), DefaultPriceRule, -0.1)
	assert.ErrorIs(t, err, types.ErrFatalConfiguration)

	_, err = NewPriceChecker(rules.NewExprEvaluator(), "Unknown > 1", 0)
	assert.ErrorIs(t, err, types.ErrFatalConfiguration)
}

func TestVerifyReceipts(t *testing.T) {
	receipts := &fakeReceipts{received: map[string]float64{"PO-1/A": 10, "PO-1/B": 1}}

	res, err := VerifyReceipts(context.Background(), receipts, "PO-1", []types.InvoiceLine{
		{SKU: "A", Quantity: 10},
		{SKU: "B", Quantity: 2},
		{SKU: "C", Quantity: 1},
	})
	require.NoError(t, err)
	assert.False(t, res.AllReceived)
	assert.Len(t, res.Issues, 2)
}
