package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/songzhibin97/procurement-engine/agent"
)

type chatRequest struct {
	AgentID string            `json:"agent_id"`
	Message string            `json:"message"`
	UserID  string            `json:"user_id"`
	Context map[string]string `json:"context"`
}

type chainRequest struct {
	Agents   []string          `json:"agents"`
	Message  string            `json:"message"`
	UserID   string            `json:"user_id"`
	Context  map[string]string `json:"context"`
	Parallel bool              `json:"parallel"`
}

// handleListAgents handles GET /v1/agents.
func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.orch.Status()})
}

// handleRunAgent handles POST /v1/agents/{agentID}/run.
func (s *Server) handleRunAgent(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decode(w, r, &req) {
		return
	}
	req.AgentID = chi.URLParam(r, "agentID")
	s.chat(w, r, req)
}

// handleChat handles POST /v1/chat. An empty agent_id is routed by intent.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decode(w, r, &req) {
		return
	}
	s.chat(w, r, req)
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request, req chatRequest) {
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	res, err := s.orch.Chat(r.Context(), req.AgentID, req.Message, req.UserID, req.Context)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleChain handles POST /v1/chains.
func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	var req chainRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Agents) == 0 || req.Message == "" {
		writeError(w, http.StatusBadRequest, "agents and message are required")
		return
	}
	run := s.orch.RunChain
	if req.Parallel {
		run = s.orch.RunParallel
	}
	results, err := run(r.Context(), req.Agents, req.Message, req.UserID, req.Context)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// handleListTasks handles GET /v1/tasks.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.orch.Loop().Tasks(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []agent.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// handleResumeTask handles POST /v1/tasks/{taskID}/resume.
func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	res, err := s.orch.Loop().Resume(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
