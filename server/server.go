// Package server exposes the agents and the procurement workflows over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/songzhibin97/procurement-engine/agent"
	"github.com/songzhibin97/procurement-engine/procurement"
	"github.com/songzhibin97/procurement-engine/types"
	"github.com/songzhibin97/procurement-engine/workflow"
)

// Workflows is the part of procurement.Service the server calls.
type Workflows interface {
	StartApproval(ctx context.Context, req types.Requisition) (string, error)
	SignalApproval(ctx context.Context, runID, approverID string, decision types.Decision, comment string) error
	QueryApproval(ctx context.Context, runID string) (procurement.ApprovalStatus, error)
	PendingApprovals(ctx context.Context, approverID string) ([]types.ApprovalRequest, error)
	StartInvoiceMatch(ctx context.Context, invoiceID string) (string, error)
	QueryInvoice(ctx context.Context, runID string) (procurement.InvoiceStatus, error)
	StartCatalogSync(ctx context.Context, vendorID string) (string, error)
	QueryCatalogSync(ctx context.Context, runID string) (procurement.CatalogStatus, error)
	StartContractRenewal(ctx context.Context, contractID string) (string, error)
	QueryContractRenewal(ctx context.Context, runID string) (procurement.RenewalStatus, error)
	Query(ctx context.Context, runID string) (procurement.Snapshot, error)
	Cancel(ctx context.Context, runID string) error
}

// Server routes HTTP requests to the orchestrator and the workflows.
type Server struct {
	orch   *agent.Orchestrator
	flows  Workflows
	logger *slog.Logger
}

// New returns a server. A nil logger means slog.Default.
func New(orch *agent.Orchestrator, flows Workflows, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{orch: orch, flows: flows, logger: logger}
}

// Handler returns the router with every route registered.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/v1/health", s.handleHealth)

	r.Get("/v1/agents", s.handleListAgents)
	r.Post("/v1/agents/{agentID}/run", s.handleRunAgent)
	r.Post("/v1/chat", s.handleChat)
	r.Post("/v1/chains", s.handleChain)
	r.Get("/v1/tasks", s.handleListTasks)
	r.Post("/v1/tasks/{taskID}/resume", s.handleResumeTask)

	r.Post("/v1/approvals", s.handleStartApproval)
	r.Get("/v1/approvals/{runID}", s.handleQueryApproval)
	r.Post("/v1/approvals/{runID}/decisions", s.handleDecision)
	r.Get("/v1/approvers/{approverID}/pending", s.handlePending)

	r.Post("/v1/invoices/{invoiceID}/match", s.handleStartInvoiceMatch)
	r.Get("/v1/invoice-runs/{runID}", s.handleQueryInvoice)

	r.Post("/v1/catalog-syncs", s.handleStartCatalogSync)
	r.Get("/v1/catalog-syncs/{runID}", s.handleQueryCatalogSync)
	r.Post("/v1/webhooks/catalog", s.handleCatalogWebhook)
	r.Post("/v1/contracts/{contractID}/renewal", s.handleStartRenewal)
	r.Get("/v1/renewals/{runID}", s.handleQueryRenewal)

	r.Get("/v1/runs/{runID}", s.handleQueryRun)
	r.Post("/v1/runs/{runID}/cancel", s.handleCancelRun)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"duration", time.Since(start), "request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON writes data as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decode reads a JSON body into v, answering 400 itself when it cannot.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// fail maps the error taxonomy onto status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, workflow.ErrRunNotFound), errors.Is(err, agent.ErrTaskNotFound),
		errors.Is(err, agent.ErrUnknownAgent), errors.Is(err, workflow.ErrUnknownKind):
		status = http.StatusNotFound
	case errors.Is(err, workflow.ErrSignalConflict), errors.Is(err, workflow.ErrRunTerminal),
		errors.Is(err, agent.ErrNotSuspended):
		status = http.StatusConflict
	case errors.Is(err, types.ErrPolicyViolation):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, agent.ErrMaxIterations):
		status = http.StatusInternalServerError
	case errors.Is(err, types.ErrFatalConfiguration):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrBudgetUnavailable), errors.Is(err, types.ErrTransientIO):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}
