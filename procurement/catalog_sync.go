package procurement

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/songzhibin97/procurement-engine/events"
	"github.com/songzhibin97/procurement-engine/types"
	"github.com/songzhibin97/procurement-engine/workflow"
)

type catalogInput struct {
	VendorID string `json:"vendor_id"`
}

// CatalogSyncResult is the terminal value of a catalog sync run.
type CatalogSyncResult struct {
	Outcome           Outcome             `json:"outcome"`
	VendorID          string              `json:"vendor_id"`
	ProductsProcessed int                 `json:"products_processed"`
	Rejected          []string            `json:"rejected,omitempty"`
	PriceChanges      []types.PriceChange `json:"price_changes,omitempty"`
	NewProducts       []string            `json:"new_products,omitempty"`
	Discontinued      []string            `json:"discontinued,omitempty"`
	Significant       int                 `json:"significant_changes"`
	Notified          bool                `json:"notified"`
}

// CatalogStatus is the query view of a catalog sync run.
type CatalogStatus struct {
	RunID       string             `json:"run_id"`
	VendorID    string             `json:"vendor_id"`
	Status      types.RunStatus    `json:"status"`
	CurrentStep string             `json:"current_step"`
	Diff        *types.CatalogDiff `json:"diff,omitempty"`
	Result      *CatalogSyncResult `json:"result,omitempty"`
}

// StartCatalogSync starts a sync of one vendor's feed into the unified catalog.
func (s *Service) StartCatalogSync(ctx context.Context, vendorID string) (string, error) {
	if s.deps.Catalogs == nil {
		return "", fmt.Errorf("%w: no vendor catalog backend configured", types.ErrFatalConfiguration)
	}
	vendorID = strings.TrimSpace(vendorID)
	if vendorID == "" {
		return "", fmt.Errorf("%w: vendor ID is required", types.ErrFatalConfiguration)
	}
	runID, err := s.engine.Start(ctx, KindCatalogSync, catalogInput{VendorID: vendorID})
	if err != nil {
		return runID, err
	}
	s.logger.Info("catalog sync started", "run_id", runID, "vendor_id", vendorID)
	return runID, nil
}

// QueryCatalogSync returns the current status of a catalog sync run.
func (s *Service) QueryCatalogSync(ctx context.Context, runID string) (CatalogStatus, error) {
	var st CatalogStatus
	run, err := s.engine.Query(ctx, runID, &st)
	if err != nil {
		return st, err
	}
	if run.Kind != KindCatalogSync {
		return st, fmt.Errorf("%w: run %s is a %s run", workflow.ErrUnknownKind, runID, run.Kind)
	}
	st.RunID = run.ID
	st.Status = run.Status
	if st.VendorID == "" {
		var in catalogInput
		if json.Unmarshal(run.Input, &in) == nil {
			st.VendorID = in.VendorID
		}
	}
	switch run.Status {
	case types.RunCancelled:
		st.Result = &CatalogSyncResult{Outcome: OutcomeCancelled, VendorID: st.VendorID}
	case types.RunFailed:
		st.Result = &CatalogSyncResult{Outcome: OutcomeFailed, VendorID: st.VendorID}
	}
	return st, nil
}

// NormalizeFeed canonicalises SKUs and drops lines that cannot be listed: a blank SKU,
// a repeated SKU, or a non-positive price on a live item. The second return names each
// dropped line.
func NormalizeFeed(feed types.VendorFeed) (types.VendorFeed, []string) {
	out := types.VendorFeed{VendorID: feed.VendorID, FetchedAt: feed.FetchedAt}
	var rejected []string
	seen := make(map[string]bool, len(feed.Items))
	for i, item := range feed.Items {
		item.SKU = strings.ToUpper(strings.TrimSpace(item.SKU))
		item.Name = strings.TrimSpace(item.Name)
		switch {
		case item.SKU == "":
			rejected = append(rejected, fmt.Sprintf("line %d: missing sku", i+1))
			continue
		case seen[item.SKU]:
			rejected = append(rejected, fmt.Sprintf("%s: duplicate", item.SKU))
			continue
		case !item.Discontinued && (item.UnitPrice <= 0 || math.IsNaN(item.UnitPrice) || math.IsInf(item.UnitPrice, 0)):
			rejected = append(rejected, fmt.Sprintf("%s: invalid price %v", item.SKU, item.UnitPrice))
			continue
		}
		seen[item.SKU] = true
		out.Items = append(out.Items, item)
	}
	return out, rejected
}

// SignificantChanges returns the price changes whose relative move reaches threshold.
func SignificantChanges(changes []types.PriceChange, threshold float64) []types.PriceChange {
	var out []types.PriceChange
	for _, c := range changes {
		if math.Abs(c.ChangePct) >= threshold {
			out = append(out, c)
		}
	}
	return out
}

func (s *Service) catalogSync(wc *workflow.Context) (any, error) {
	var in catalogInput
	if err := wc.Input(&in); err != nil {
		return nil, err
	}
	if s.deps.Catalogs == nil {
		return nil, fmt.Errorf("%w: no vendor catalog backend configured", types.ErrFatalConfiguration)
	}
	st := CatalogStatus{VendorID: in.VendorID, CurrentStep: StepFetchingCatalog}
	publish := func() error { return wc.SetState(st) }
	if err := publish(); err != nil {
		return nil, err
	}
	retry := s.settings.LookupRetry

	feed, err := workflow.StepWithRetry(wc, "fetch_catalog", retry, func(ctx context.Context) (types.VendorFeed, error) {
		return s.deps.Catalogs.FetchFeed(ctx, in.VendorID)
	})
	if err != nil {
		return nil, err
	}

	st.CurrentStep = StepNormalizingCatalog
	type normalized struct {
		Feed     types.VendorFeed `json:"feed"`
		Rejected []string         `json:"rejected,omitempty"`
	}
	norm, err := workflow.Step(wc, "normalize_catalog", func(context.Context) (normalized, error) {
		f, rejected := NormalizeFeed(feed)
		return normalized{Feed: f, Rejected: rejected}, nil
	})
	if err != nil {
		return nil, err
	}
	if len(norm.Rejected) > 0 {
		wc.Logger().Warn("catalog lines rejected", "vendor_id", in.VendorID, "count", len(norm.Rejected))
	}

	st.CurrentStep = StepDetectingChanges
	if err := publish(); err != nil {
		return nil, err
	}
	diff, err := workflow.StepWithRetry(wc, "detect_price_changes", retry, func(ctx context.Context) (types.CatalogDiff, error) {
		return s.deps.Catalogs.Diff(ctx, norm.Feed)
	})
	if err != nil {
		return nil, err
	}
	st.Diff = &diff

	st.CurrentStep = StepApplyingCatalog
	if err := publish(); err != nil {
		return nil, err
	}
	if _, err := workflow.StepWithRetry(wc, "apply_catalog", retry, func(ctx context.Context) (bool, error) {
		return true, s.deps.Catalogs.Apply(ctx, norm.Feed)
	}); err != nil {
		return nil, err
	}

	res := CatalogSyncResult{
		Outcome:           OutcomeCompleted,
		VendorID:          in.VendorID,
		ProductsProcessed: len(norm.Feed.Items),
		Rejected:          norm.Rejected,
		PriceChanges:      diff.Changes,
		NewProducts:       diff.New,
		Discontinued:      diff.Discontinued,
	}
	significant := SignificantChanges(diff.Changes, s.settings.PriceChangeThreshold)
	res.Significant = len(significant)
	if len(significant) > 0 {
		st.CurrentStep = StepNotifyingChanges
		if err := publish(); err != nil {
			return nil, err
		}
		skus := make([]string, len(significant))
		for i, c := range significant {
			skus[i] = c.SKU
		}
		n := Notification{
			Target:   s.settings.CatalogTeam,
			Subject:  fmt.Sprintf("Price changes from %s", in.VendorID),
			Message:  fmt.Sprintf("%d significant price changes: %s", len(significant), strings.Join(skus, ", ")),
			Severity: types.SeverityWarning,
			RunID:    wc.RunID(),
		}
		_, err := workflow.StepWithRetry(wc, "notify_price_changes", s.settings.NotifyRetry, func(ctx context.Context) (bool, error) {
			return true, s.deps.Notifier.Notify(ctx, n)
		})
		if err == nil {
			res.Notified = true
		}
		if err := bestEffort(wc.Logger(), "notify_price_changes", err); err != nil {
			return nil, err
		}
		wc.Emit(events.CatalogPriceChanged, map[string]any{"vendor_id": in.VendorID, "skus": skus})
	}

	st.CurrentStep = string(res.Outcome)
	st.Result = &res
	if err := publish(); err != nil {
		return nil, err
	}
	return res, nil
}
