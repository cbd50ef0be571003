package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bull/clinical-rag-agent/internal/metrics"
)

// RouterConfig holds the optional pieces of the route table.
type RouterConfig struct {
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
	RequestTimeout time.Duration
	// MCP is mounted at /mcp when set. It is not wrapped by the request
	// timeout because streamable sessions are long-lived.
	MCP http.Handler
	// Landing is served at / when set.
	Landing http.Handler
}

// NewRouter builds the full HTTP handler.
//
// Route table:
//
//	POST /v1/query          question answering over the corpus
//	POST /v2/answer         {"prompt"} -> {"response"}
//	POST /v1/agent          agent session for a patient question
//	GET  /v1/patients       patient ids
//	GET  /v1/index/status   index and sync status
//	GET  /healthz           liveness
//	GET  /readyz            readiness
//	GET  /metrics           prometheus
//	     /mcp               MCP streamable HTTP
//
// Middleware chain (outermost first): RequestID -> Logging -> route.
func NewRouter(h *Handler, checker *Checker, cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()
	timeout := Timeout(cfg.RequestTimeout)

	api := func(pattern, route string, fn http.HandlerFunc) {
		mux.Handle(pattern, Instrument(cfg.Metrics, route, timeout(fn)))
	}
	api("POST /v1/query", "/v1/query", h.Query)
	api("POST /v2/answer", "/v2/answer", h.Answer)
	api("POST /v1/agent", "/v1/agent", h.Agent)
	api("GET /v1/patients", "/v1/patients", h.Patients)
	api("GET /v1/index/status", "/v1/index/status", h.Status)

	mux.Handle("GET /healthz", checker.LiveHandler())
	mux.Handle("GET /readyz", checker.ReadyHandler())
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}
	if cfg.MCP != nil {
		mux.Handle("/mcp", Instrument(cfg.Metrics, "/mcp", cfg.MCP))
	}
	if cfg.Landing != nil {
		mux.Handle("GET /{$}", cfg.Landing)
	}

	return Chain(mux, RequestID, Logging(cfg.Logger))
}
