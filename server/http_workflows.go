package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/songzhibin97/procurement-engine/types"
)

type decisionRequest struct {
	ApproverID string         `json:"approver_id"`
	Decision   types.Decision `json:"decision"`
	Comment    string         `json:"comment"`
}

// handleStartApproval handles POST /v1/approvals.
func (s *Server) handleStartApproval(w http.ResponseWriter, r *http.Request) {
	var req types.Requisition
	if !decode(w, r, &req) {
		return
	}
	runID, err := s.flows.StartApproval(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"run_id": runID, "requisition_id": req.ID})
}

// handleQueryApproval handles GET /v1/approvals/{runID}.
func (s *Server) handleQueryApproval(w http.ResponseWriter, r *http.Request) {
	st, err := s.flows.QueryApproval(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleDecision handles POST /v1/approvals/{runID}/decisions.
func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ApproverID == "" {
		writeError(w, http.StatusBadRequest, "approver_id is required")
		return
	}
	runID := chi.URLParam(r, "runID")
	if err := s.flows.SignalApproval(r.Context(), runID, req.ApproverID, req.Decision, req.Comment); err != nil {
		s.fail(w, r, err)
		return
	}
	st, err := s.flows.QueryApproval(r.Context(), runID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handlePending handles GET /v1/approvers/{approverID}/pending.
func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.flows.PendingApprovals(r.Context(), chi.URLParam(r, "approverID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if reqs == nil {
		reqs = []types.ApprovalRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": reqs, "count": len(reqs)})
}

// handleStartInvoiceMatch handles POST /v1/invoices/{invoiceID}/match.
func (s *Server) handleStartInvoiceMatch(w http.ResponseWriter, r *http.Request) {
	invoiceID := chi.URLParam(r, "invoiceID")
	runID, err := s.flows.StartInvoiceMatch(r.Context(), invoiceID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"run_id": runID, "invoice_id": invoiceID})
}

// handleQueryInvoice handles GET /v1/invoice-runs/{runID}.
func (s *Server) handleQueryInvoice(w http.ResponseWriter, r *http.Request) {
	st, err := s.flows.QueryInvoice(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleQueryRun handles GET /v1/runs/{runID}.
func (s *Server) handleQueryRun(w http.ResponseWriter, r *http.Request) {
	snap, err := s.flows.Query(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleCancelRun handles POST /v1/runs/{runID}/cancel.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := s.flows.Cancel(r.Context(), runID); err != nil {
		s.fail(w, r, err)
		return
	}
	snap, err := s.flows.Query(r.Context(), runID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type catalogSyncRequest struct {
	VendorID string `json:"vendor_id"`
}

// handleStartCatalogSync handles POST /v1/catalog-syncs.
func (s *Server) handleStartCatalogSync(w http.ResponseWriter, r *http.Request) {
	var req catalogSyncRequest
	if !decode(w, r, &req) {
		return
	}
	s.startCatalogSync(w, r, req.VendorID)
}

func (s *Server) startCatalogSync(w http.ResponseWriter, r *http.Request, vendorID string) {
	runID, err := s.flows.StartCatalogSync(r.Context(), vendorID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"run_id": runID, "vendor_id": vendorID})
}

// handleQueryCatalogSync handles GET /v1/catalog-syncs/{runID}.
func (s *Server) handleQueryCatalogSync(w http.ResponseWriter, r *http.Request) {
	st, err := s.flows.QueryCatalogSync(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type catalogWebhook struct {
	EventType string `json:"event_type"`
	Data      struct {
		VendorID string `json:"vendor_id"`
	} `json:"data"`
}

// handleCatalogWebhook handles POST /v1/webhooks/catalog. A catalog_updated event
// starts a sync of that vendor; other events are acknowledged and dropped.
func (s *Server) handleCatalogWebhook(w http.ResponseWriter, r *http.Request) {
	var hook catalogWebhook
	if !decode(w, r, &hook) {
		return
	}
	if hook.EventType != "catalog_updated" {
		s.logger.Debug("catalog webhook ignored", "event_type", hook.EventType)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "received"})
		return
	}
	s.startCatalogSync(w, r, hook.Data.VendorID)
}

// handleStartRenewal handles POST /v1/contracts/{contractID}/renewal.
func (s *Server) handleStartRenewal(w http.ResponseWriter, r *http.Request) {
	contractID := chi.URLParam(r, "contractID")
	runID, err := s.flows.StartContractRenewal(r.Context(), contractID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"run_id": runID, "contract_id": contractID})
}

// handleQueryRenewal handles GET /v1/renewals/{runID}.
func (s *Server) handleQueryRenewal(w http.ResponseWriter, r *http.Request) {
	st, err := s.flows.QueryContractRenewal(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
