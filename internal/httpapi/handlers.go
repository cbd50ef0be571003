// Package httpapi is the REST boundary: question answering, the agent loop,
// patient listing, index status and health endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bull/clinical-rag-agent/internal/agent"
	"github.com/bull/clinical-rag-agent/internal/domain"
	"github.com/bull/clinical-rag-agent/internal/index"
	"github.com/bull/clinical-rag-agent/internal/ingest"
	"github.com/bull/clinical-rag-agent/internal/logger"
	"github.com/bull/clinical-rag-agent/internal/query"
)

const maxBodyBytes = 1 << 20

// Answerer is the question-answering service.
type Answerer interface {
	AnswerQuery(ctx context.Context, text string, filters domain.Filters) (*query.Answer, error)
}

// AgentRunner runs one agent session.
type AgentRunner interface {
	Run(ctx context.Context, req agent.Request) (*agent.Session, error)
}

// PatientLister lists known patient ids.
type PatientLister interface {
	ListPatients(ctx context.Context) ([]string, error)
}

// IndexStatus exposes what the status endpoint reports.
type IndexStatus interface {
	Stats() index.Stats
}

// SyncStatus exposes the last ingestion pass.
type SyncStatus interface {
	Last() *ingest.SyncResult
	Ready() bool
}

// Deps are the services behind the handlers. Nil services answer 503.
type Deps struct {
	Answerer Answerer
	Agent    AgentRunner
	Patients PatientLister
	Index    IndexStatus
	Sync     SyncStatus
}

// Handler implements the REST endpoints.
type Handler struct {
	deps   Deps
	logger *slog.Logger
}

func NewHandler(deps Deps, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{deps: deps, logger: logger.With("component", "httpapi")}
}

// QueryRequest is the body of POST /v1/query.
type QueryRequest struct {
	Question string         `json:"question"`
	Filters  domain.Filters `json:"filters"`
}

// Query answers a free-text question from the indexed corpus.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	if h.deps.Answerer == nil {
		h.unavailable(w, "query service")
		return
	}
	var req QueryRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		h.writeError(w, r, domain.Errorf(domain.ErrInvalidInput, "httpapi.query", "", "question is required"))
		return
	}
	if req.Filters.Kind != "" && !req.Filters.Kind.Valid() {
		h.writeError(w, r, domain.Errorf(domain.ErrInvalidInput, "httpapi.query", "", "unknown kind %q", req.Filters.Kind))
		return
	}

	ans, err := h.deps.Answerer.AnswerQuery(r.Context(), req.Question, req.Filters)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

// PromptRequest is the body of POST /v2/answer.
type PromptRequest struct {
	Prompt string `json:"prompt"`
}

// PromptResponse is the compatibility answer shape.
type PromptResponse struct {
	Response       string              `json:"response"`
	Sources        []domain.Provenance `json:"sources"`
	Degraded       bool                `json:"degraded,omitempty"`
	DegradedReason string              `json:"degraded_reason,omitempty"`
}

// NoAnswer is returned in place of generated text when generation failed.
const NoAnswer = "No answer could be generated. The sources below are the closest matches."

// Answer is the prompt-in, response-out compatibility endpoint.
func (h *Handler) Answer(w http.ResponseWriter, r *http.Request) {
	if h.deps.Answerer == nil {
		h.unavailable(w, "query service")
		return
	}
	var req PromptRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		h.writeError(w, r, domain.Errorf(domain.ErrInvalidInput, "httpapi.answer", "", "prompt is required"))
		return
	}
	ans, err := h.deps.Answerer.AnswerQuery(r.Context(), req.Prompt, domain.Filters{})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := PromptResponse{
		Response:       NoAnswer,
		Sources:        ans.Citations(),
		Degraded:       ans.Degraded,
		DegradedReason: ans.DegradedReason,
	}
	if ans.GeneratedAnswer != nil {
		resp.Response = *ans.GeneratedAnswer
	}
	writeJSON(w, http.StatusOK, resp)
}

// AgentResponse carries the session and, when it failed, the reason.
type AgentResponse struct {
	Error   string         `json:"error,omitempty"`
	Session *agent.Session `json:"session"`
}

// Agent runs the reasoning loop for one patient question.
func (h *Handler) Agent(w http.ResponseWriter, r *http.Request) {
	if h.deps.Agent == nil {
		h.unavailable(w, "agent")
		return
	}
	var req agent.Request
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	sess, err := h.deps.Agent.Run(r.Context(), req)
	if err != nil {
		if sess == nil {
			h.writeError(w, r, err)
			return
		}
		status := domain.HTTPStatus(err)
		logger.FromContext(r.Context(), h.logger).Warn("agent session failed",
			"session_id", sess.ID, "reason", sess.FailureReason, "status", status)
		writeJSON(w, status, AgentResponse{Error: sess.FailureReason, Session: sess})
		return
	}
	writeJSON(w, http.StatusOK, AgentResponse{Session: sess})
}

// Patients lists patient ids from the patient directory.
func (h *Handler) Patients(w http.ResponseWriter, r *http.Request) {
	if h.deps.Patients == nil {
		h.unavailable(w, "patient store")
		return
	}
	ids, err := h.deps.Patients.ListPatients(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"patients": ids, "count": len(ids)})
}

// StatusResponse is the body of GET /v1/index/status.
type StatusResponse struct {
	Ready    bool               `json:"ready"`
	Index    *index.Stats       `json:"index,omitempty"`
	LastSync *ingest.SyncResult `json:"last_sync,omitempty"`
}

// Status reports index size, generation, quarantined documents and the last sync.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	var resp StatusResponse
	if h.deps.Index != nil {
		st := h.deps.Index.Stats()
		resp.Index = &st
	}
	if h.deps.Sync != nil {
		resp.Ready = h.deps.Sync.Ready()
		resp.LastSync = h.deps.Sync.Last()
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.Errorf(domain.ErrInvalidInput, "httpapi.decode", "", "request body is empty")
		}
		return domain.Wrap(domain.ErrInvalidInput, "httpapi.decode", "", fmt.Errorf("invalid JSON: %w", err))
	}
	return nil
}

// ErrorResponse is the body of every error answer.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := domain.HTTPStatus(err)
	log := logger.FromContext(r.Context(), h.logger)
	if status >= 500 {
		log.Error("request failed", "path", r.URL.Path, "error", err)
	} else {
		log.Debug("request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), RequestID: logger.RequestID(r.Context())})
}

func (h *Handler) unavailable(w http.ResponseWriter, what string) {
	writeErrorBody(w, http.StatusServiceUnavailable, what+" is not configured")
}

func writeErrorBody(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
