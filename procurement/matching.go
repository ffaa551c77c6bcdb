package procurement

import (
	"context"
	"fmt"
	"math"

	"github.com/songzhibin97/procurement-engine/rules"
	"github.com/songzhibin97/procurement-engine/types"
)

// priceEpsilon absorbs float noise when comparing prices.
const priceEpsilon = 0.005

// MatchLines compares every invoice line with the purchase order line of the same SKU.
func MatchLines(inv types.Invoice, po types.PurchaseOrder) types.LineMatch {
	ordered := make(map[string]types.POLine, len(po.Lines))
	for _, l := range po.Lines {
		ordered[l.SKU] = l
	}

	res := types.LineMatch{}
	for i, line := range inv.LineItems {
		pl, ok := ordered[line.SKU]
		switch {
		case !ok:
			res.Mismatches = append(res.Mismatches,
				fmt.Sprintf("line %d: SKU %s is not on %s", i+1, line.SKU, po.Number))
		case line.Quantity > pl.Quantity:
			res.Mismatches = append(res.Mismatches,
				fmt.Sprintf("line %d: SKU %s invoiced %g, ordered %g", i+1, line.SKU, line.Quantity, pl.Quantity))
		case math.Abs(line.UnitPrice-pl.UnitPrice) > priceEpsilon:
			res.Mismatches = append(res.Mismatches,
				fmt.Sprintf("line %d: SKU %s invoiced at %.2f, ordered at %.2f", i+1, line.SKU, line.UnitPrice, pl.UnitPrice))
		default:
			res.MatchedLines++
		}
	}
	res.AllMatched = len(res.Mismatches) == 0
	return res
}

// PriceEnv is the environment of the contract price rule.
type PriceEnv struct {
	SKU           string
	Quantity      float64
	InvoicePrice  float64
	ContractPrice float64
	Tolerance     float64
}

// PriceChecker validates invoiced prices against contract prices with a boolean rule.
type PriceChecker struct {
	eval      rules.Evaluator
	rule      string
	tolerance float64
}

// NewPriceChecker compiles rule when eval supports it, so a bad rule fails at startup.
func NewPriceChecker(eval rules.Evaluator, rule string, tolerance float64) (*PriceChecker, error) {
	if rule == "" {
		rule = DefaultPriceRule
	}
	if tolerance < 0 {
		return nil, fmt.Errorf("%w: price tolerance must not be negative", types.ErrFatalConfiguration)
	}
	if c, ok := eval.(interface{ Compile(string, any) error }); ok {
		if err := c.Compile(rule, PriceEnv{}); err != nil {
			return nil, fmt.Errorf("%w: price rule: %v", types.ErrFatalConfiguration, err)
		}
	}
	return &PriceChecker{eval: eval, rule: rule, tolerance: tolerance}, nil
}

// Check looks up the contract price of every line. Lines without a contract are not
// violations.
func (p *PriceChecker) Check(ctx context.Context, contracts Contracts, vendorID string, lines []types.InvoiceLine) (types.PriceValidation, error) {
	var res types.PriceValidation
	for _, line := range lines {
		price, ok, err := contracts.PriceFor(ctx, vendorID, line.SKU)
		if err != nil {
			return res, fmt.Errorf("contract price of %s: %w", line.SKU, err)
		}
		if !ok {
			continue
		}
		within, err := p.eval.Evaluate(p.rule, PriceEnv{
			SKU:           line.SKU,
			Quantity:      line.Quantity,
			InvoicePrice:  line.UnitPrice,
			ContractPrice: price,
			Tolerance:     p.tolerance,
		})
		if err != nil {
			return res, fmt.Errorf("%w: price rule: %v", types.ErrFatalConfiguration, err)
		}
		if !within {
			res.Violations = append(res.Violations,
				fmt.Sprintf("SKU %s invoiced at %.2f, contract price %.2f", line.SKU, line.UnitPrice, price))
		}
	}
	res.AllValid = len(res.Violations) == 0
	return res, nil
}

// VerifyReceipts checks that every invoiced quantity has been received against the PO.
func VerifyReceipts(ctx context.Context, receipts Receipts, poNumber string, lines []types.InvoiceLine) (types.ReceiptCheck, error) {
	var res types.ReceiptCheck
	for _, line := range lines {
		got, err := receipts.Received(ctx, poNumber, line.SKU)
		if err != nil {
			return res, fmt.Errorf("receipts of %s: %w", line.SKU, err)
		}
		if got < line.Quantity {
			res.Issues = append(res.Issues,
				fmt.Sprintf("SKU %s invoiced %g, received %g", line.SKU, line.Quantity, got))
		}
	}
	res.AllReceived = len(res.Issues) == 0
	return res, nil
}
