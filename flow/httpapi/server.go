// Package httpapi exposes the run orchestrator over HTTP: run CRUD,
// cancel/retry controls, and the per-run SSE event stream.
package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/dshills/taskflow-go/flow"
	"github.com/dshills/taskflow-go/flow/stream"
)

// Server routes orchestrator operations.
type Server struct {
	orch     *flow.Orchestrator
	streamer *stream.Streamer
}

// NewServer wires the API around an orchestrator.
func NewServer(orch *flow.Orchestrator) *Server {
	return &Server{
		orch:     orch,
		streamer: stream.NewStreamer(orch.Store(), orch.Broker()),
	}
}

// Handler returns the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("POST /runs", s.handleCreateRun)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("POST /runs/{id}/retry", s.handleRetryRun)
	mux.HandleFunc("GET /runs/{id}/events", s.handleStreamEvents)
	return mux
}

type runSummary struct {
	ID              string            `json:"id"`
	Task            string            `json:"task"`
	TemplateID      string            `json:"template_id,omitempty"`
	Status          flow.RunStatus    `json:"status"`
	Constraints     flow.Constraints  `json:"constraints"`
	CreatedAt       string            `json:"created_at"`
	StartedAt       string            `json:"started_at,omitempty"`
	EndedAt         string            `json:"ended_at,omitempty"`
	TotalTokens     int               `json:"total_tokens"`
	TotalUSD        float64           `json:"total_usd"`
	CancelRequested bool              `json:"cancel_requested"`
	Diagnostics     []flow.Diagnostic `json:"diagnostics,omitempty"`
}

type runDetail struct {
	runSummary
	Graph flow.DAG    `json:"graph"`
	Steps []flow.Step `json:"steps"`
}

func toSummary(run flow.Run) runSummary {
	return runSummary{
		ID:              run.ID,
		Task:            run.Task,
		TemplateID:      run.TemplateID,
		Status:          run.Status,
		Constraints:     run.Constraints,
		CreatedAt:       run.CreatedAt,
		StartedAt:       run.StartedAt,
		EndedAt:         run.EndedAt,
		TotalTokens:     run.TotalTokens,
		TotalUSD:        run.TotalUSD,
		CancelRequested: run.CancelRequested,
		Diagnostics:     run.Diagnostics,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.orch.Store().ListRuns(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]runSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, toSummary(run))
	}
	writeJSON(w, http.StatusOK, out)
}

type createRunRequest struct {
	Task        string           `json:"task"`
	TemplateID  string           `json:"template_id,omitempty"`
	Constraints flow.Constraints `json:"constraints,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Task == "" {
		writeError(w, http.StatusBadRequest, "task is required")
		return
	}
	if req.TemplateID != "" {
		if _, err := s.orch.Store().GetTemplate(r.Context(), req.TemplateID); err != nil {
			if errors.Is(err, flow.ErrNotFound) {
				writeError(w, http.StatusNotFound, "Workflow template not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	requestID := requestID(r)
	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["request_id"] = requestID

	run, err := s.orch.CreateRun(r.Context(), req.Task, req.TemplateID, req.Constraints, metadata)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.orch.StartRun(run.ID, requestID)

	refreshed, err := s.orch.Store().GetRun(r.Context(), run.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Run creation failed")
		return
	}
	writeJSON(w, http.StatusCreated, toSummary(refreshed))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	steps, err := s.orch.Store().ListSteps(r.Context(), run.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runDetail{
		runSummary: toSummary(run),
		Graph:      run.DAG,
		Steps:      steps,
	})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	if err := s.orch.RequestCancel(r.Context(), run.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.orch.RecordCancelRequested(r.Context(), run.ID, requestID(r)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	refreshed, err := s.orch.Store().GetRun(r.Context(), run.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Run disappeared after cancel request")
		return
	}
	writeJSON(w, http.StatusOK, toSummary(refreshed))
}

type retryRunRequest struct {
	StepID string `json:"step_id,omitempty"`
}

func (s *Server) handleRetryRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	var req retryRunRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	retried, err := s.orch.RetryRun(r.Context(), run.ID, req.StepID, requestID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !retried {
		writeError(w, http.StatusNotFound, "Step not found for retry")
		return
	}
	refreshed, err := s.orch.Store().GetRun(r.Context(), run.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Run disappeared after retry")
		return
	}
	writeJSON(w, http.StatusOK, toSummary(refreshed))
}

func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	if err := s.streamer.ServeRun(w, r, run.ID); err != nil {
		// The stream may already be committed; just log.
		log.Printf("sse stream for run %s: %v", run.ID, err)
	}
}

func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) (flow.Run, bool) {
	id := r.PathValue("id")
	run, err := s.orch.Store().GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, flow.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Run not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return flow.Run{}, false
	}
	return run, true
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
