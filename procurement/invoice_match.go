package procurement

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/songzhibin97/procurement-engine/events"
	"github.com/songzhibin97/procurement-engine/types"
	"github.com/songzhibin97/procurement-engine/workflow"
)

type invoiceInput struct {
	InvoiceID string `json:"invoice_id"`
}

// InvoiceResult is the terminal value of an invoice matching run.
type InvoiceResult struct {
	Outcome              Outcome            `json:"outcome"`
	InvoiceID            string             `json:"invoice_id"`
	PONumber             string             `json:"po_number,omitempty"`
	ExceptionID          string             `json:"exception_id,omitempty"`
	Issues               *types.MatchIssues `json:"issues,omitempty"`
	RequiresManualReview bool               `json:"requires_manual_review"`
}

// Err maps the result onto the error taxonomy. Approved results return nil.
func (r InvoiceResult) Err() error {
	switch r.Outcome {
	case OutcomeNoPoMatch:
		return fmt.Errorf("%w: invoice %s", types.ErrNoPoMatch, r.InvoiceID)
	case OutcomeException:
		return fmt.Errorf("%w: invoice %s, exception %s", types.ErrMatchException, r.InvoiceID, r.ExceptionID)
	}
	return nil
}

// InvoiceStatus is the query view of an invoice matching run.
type InvoiceStatus struct {
	RunID       string                 `json:"run_id"`
	InvoiceID   string                 `json:"invoice_id"`
	Status      types.RunStatus        `json:"status"`
	CurrentStep string                 `json:"current_step"`
	Lines       *types.LineMatch       `json:"lines,omitempty"`
	Prices      *types.PriceValidation `json:"prices,omitempty"`
	Receipts    *types.ReceiptCheck    `json:"receipts,omitempty"`
	Result      *InvoiceResult         `json:"result,omitempty"`
}

// StartInvoiceMatch starts three-way matching of an invoice.
func (s *Service) StartInvoiceMatch(ctx context.Context, invoiceID string) (string, error) {
	if invoiceID == "" {
		return "", fmt.Errorf("%w: invoice ID is required", types.ErrFatalConfiguration)
	}
	runID, err := s.engine.Start(ctx, KindInvoiceMatch, invoiceInput{InvoiceID: invoiceID})
	if err != nil {
		return runID, err
	}
	s.logger.Info("invoice match started", "run_id", runID, "invoice_id", invoiceID)
	return runID, nil
}

// QueryInvoice returns the current status of an invoice matching run.
func (s *Service) QueryInvoice(ctx context.Context, runID string) (InvoiceStatus, error) {
	var st InvoiceStatus
	run, err := s.engine.Query(ctx, runID, &st)
	if err != nil {
		return st, err
	}
	if run.Kind != KindInvoiceMatch {
		return st, fmt.Errorf("%w: run %s is a %s run", workflow.ErrUnknownKind, runID, run.Kind)
	}
	st.RunID = run.ID
	st.Status = run.Status
	if st.InvoiceID == "" {
		var in invoiceInput
		if json.Unmarshal(run.Input, &in) == nil {
			st.InvoiceID = in.InvoiceID
		}
	}
	switch run.Status {
	case types.RunCancelled:
		st.Result = &InvoiceResult{Outcome: OutcomeCancelled, InvoiceID: st.InvoiceID}
	case types.RunFailed:
		st.Result = &InvoiceResult{Outcome: OutcomeFailed, InvoiceID: st.InvoiceID, RequiresManualReview: true}
	}
	return st, nil
}

func (s *Service) invoiceMatch(wc *workflow.Context) (any, error) {
	var in invoiceInput
	if err := wc.Input(&in); err != nil {
		return nil, err
	}
	st := InvoiceStatus{InvoiceID: in.InvoiceID, CurrentStep: StepParsingInvoice}
	publish := func() error { return wc.SetState(st) }
	finish := func(res InvoiceResult) (any, error) {
		st.CurrentStep = string(res.Outcome)
		st.Result = &res
		if err := publish(); err != nil {
			return nil, err
		}
		return res, nil
	}
	if err := publish(); err != nil {
		return nil, err
	}
	retry := s.settings.LookupRetry

	inv, err := workflow.StepWithRetry(wc, "parse_invoice", retry, func(ctx context.Context) (types.Invoice, error) {
		return s.deps.Invoices.Parse(ctx, in.InvoiceID)
	})
	if err != nil {
		return nil, err
	}

	st.CurrentStep = StepMatchingPO
	match, err := workflow.StepWithRetry(wc, "find_po", retry, func(ctx context.Context) (types.POMatch, error) {
		return s.deps.POs.FindForInvoice(ctx, inv)
	})
	if err != nil {
		return nil, err
	}
	if !match.Found {
		wc.Logger().Info("no purchase order matches invoice", "invoice_id", in.InvoiceID)
		return finish(InvoiceResult{Outcome: OutcomeNoPoMatch, InvoiceID: in.InvoiceID, RequiresManualReview: true})
	}

	st.CurrentStep = StepMatchingLines
	lines, err := workflow.StepWithRetry(wc, "match_lines", retry, func(ctx context.Context) (types.LineMatch, error) {
		po, err := s.deps.POs.Get(ctx, match.PONumber)
		if err != nil {
			return types.LineMatch{}, err
		}
		return MatchLines(inv, po), nil
	})
	if err != nil {
		return nil, err
	}
	st.Lines = &lines

	st.CurrentStep = StepValidatingPrices
	prices, err := workflow.StepWithRetry(wc, "validate_prices", retry, func(ctx context.Context) (types.PriceValidation, error) {
		return s.prices.Check(ctx, s.deps.Contracts, inv.VendorID, inv.LineItems)
	})
	if err != nil {
		return nil, err
	}
	st.Prices = &prices

	st.CurrentStep = StepVerifyingReceipts
	receipts, err := workflow.StepWithRetry(wc, "verify_receipts", retry, func(ctx context.Context) (types.ReceiptCheck, error) {
		return VerifyReceipts(ctx, s.deps.Receipts, match.PONumber, inv.LineItems)
	})
	if err != nil {
		return nil, err
	}
	st.Receipts = &receipts

	st.CurrentStep = StepDeciding
	if err := publish(); err != nil {
		return nil, err
	}
	if lines.AllMatched && prices.AllValid && receipts.AllReceived {
		_, err := workflow.StepWithRetry(wc, "approve_invoice", retry, func(ctx context.Context) (bool, error) {
			return true, s.deps.Invoices.Approve(ctx, in.InvoiceID)
		})
		if err != nil {
			return nil, err
		}
		return finish(InvoiceResult{Outcome: OutcomeApproved, InvoiceID: in.InvoiceID, PONumber: match.PONumber})
	}

	issues := types.MatchIssues{
		LineMismatches:  lines.Mismatches,
		PriceViolations: prices.Violations,
		ReceiptIssues:   receipts.Issues,
	}
	exceptionID, err := workflow.StepWithRetry(wc, "create_exception", retry, func(ctx context.Context) (string, error) {
		return s.deps.Invoices.CreateException(ctx, in.InvoiceID, issues)
	})
	if err != nil {
		return nil, err
	}
	wc.Emit(events.InvoiceException, map[string]any{"invoice_id": in.InvoiceID, "exception_id": exceptionID})
	return finish(InvoiceResult{
		Outcome:              OutcomeException,
		InvoiceID:            in.InvoiceID,
		PONumber:             match.PONumber,
		ExceptionID:          exceptionID,
		Issues:               &issues,
		RequiresManualReview: true,
	})
}
