// Package tools holds the contract shared by the agent's tool adapters and the
// Guard that enforces it: a per-call timeout, a bounded retry and a
// ToolResult for every outcome.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bull/clinical-rag-agent/internal/domain"
	"github.com/bull/clinical-rag-agent/internal/logger"
	"github.com/bull/clinical-rag-agent/internal/metrics"
)

// Tool names. The set is closed; the agent rejects anything else.
const (
	PatientHistory    = "get_patient_history"
	SearchResearch    = "search_medical_research"
	CheckInteractions = "check_drug_interactions"
)

// Names lists every tool in a stable order.
func Names() []string {
	return []string{PatientHistory, SearchResearch, CheckInteractions}
}

// PatientHistoryInput is the input of get_patient_history.
type PatientHistoryInput struct {
	PatientID string `json:"patient_id"`
}

func (in PatientHistoryInput) Validate() error {
	id := strings.TrimSpace(in.PatientID)
	if id == "" {
		return errors.New("patient_id is required")
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("patient_id %q is not a plain identifier", in.PatientID)
	}
	return nil
}

// ResearchInput is the input of search_medical_research.
type ResearchInput struct {
	Query string `json:"query"`
	// Conditions, when set, are fetched from the paper search service if the
	// indexed corpus has too few matches.
	Conditions []string `json:"conditions,omitempty"`
}

func (in ResearchInput) Validate() error {
	if strings.TrimSpace(in.Query) == "" {
		return errors.New("query is required")
	}
	return nil
}

// InteractionInput is the input of check_drug_interactions.
type InteractionInput struct {
	Drugs []string `json:"drugs"`
}

func (in InteractionInput) Validate() error {
	n := 0
	for _, d := range in.Drugs {
		if strings.TrimSpace(d) != "" {
			n++
		}
	}
	if n < 2 {
		return errors.New("at least two drugs are required")
	}
	return nil
}

// Output is what an adapter produces on success.
type Output struct {
	Payload  any
	Evidence []domain.Provenance
}

// GuardConfig bounds every tool invocation.
type GuardConfig struct {
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
}

// Guard runs adapter calls under the tool contract. It holds no per-call state.
type Guard struct {
	cfg     GuardConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewGuard creates a Guard. Zero values default to a 15s timeout and one
// retry after 500ms; a negative Retries disables retrying.
func NewGuard(cfg GuardConfig, m *metrics.Metrics, logger *slog.Logger) *Guard {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Retries == 0 {
		cfg.Retries = 1
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{cfg: cfg, metrics: m, logger: logger.With("component", "tools")}
}

// Run invokes fn with a per-attempt timeout and converts the outcome into a
// ToolResult. Invalid input and not-found errors are not retried.
func (g *Guard) Run(ctx context.Context, tool string, fn func(ctx context.Context) (Output, error)) domain.ToolResult {
	log := logger.FromContext(ctx, g.logger).With("tool", tool)
	start := time.Now()

	var (
		out      Output
		attempts int
	)
	op := func() error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()

		o, err := fn(callCtx)
		if err == nil {
			out = o
			return nil
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !domain.IsTimeout(err) {
			err = domain.Wrap(domain.ErrTimeout, "tools."+tool, tool, err)
		}
		if ctx.Err() != nil || errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, domain.ErrNotFound) {
			return backoff.Permanent(err)
		}
		log.Debug("tool attempt failed", "attempt", attempts, "error", err)
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(g.cfg.RetryDelay), uint64(g.cfg.Retries)),
		ctx,
	)
	err := backoff.Retry(op, policy)
	latency := time.Since(start)

	if err != nil {
		kind := domain.ErrToolFailure
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = domain.ErrCancelled
		}
		res := Failed(tool, domain.Wrap(kind, "tools."+tool, tool, err))
		res.Latency = latency
		res.Attempts = attempts
		g.metrics.ToolCall(tool, string(domain.ToolFailed), latency)
		log.Warn("tool failed", "attempts", attempts, "latency", latency, "error", err)
		return res
	}

	res := domain.ToolResult{
		Status:   domain.ToolOK,
		Evidence: out.Evidence,
		Latency:  latency,
		Attempts: attempts,
	}
	if out.Payload != nil {
		payload, err := json.Marshal(out.Payload)
		if err != nil {
			res = Failed(tool, domain.Wrap(domain.ErrToolFailure, "tools."+tool, tool, fmt.Errorf("encode payload: %w", err)))
			res.Latency, res.Attempts = latency, attempts
			g.metrics.ToolCall(tool, string(domain.ToolFailed), latency)
			return res
		}
		res.Payload = payload
	}
	g.metrics.ToolCall(tool, string(domain.ToolOK), latency)
	log.Debug("tool ok", "attempts", attempts, "latency", latency)
	return res
}

// Failed builds a failed ToolResult with a short, caller-safe reason.
func Failed(tool string, err error) domain.ToolResult {
	reason := "failed"
	switch {
	case errors.Is(err, domain.ErrCancelled):
		reason = "cancelled"
	case domain.IsTimeout(err):
		reason = "timeout"
	case errors.Is(err, domain.ErrInvalidInput):
		reason = "invalid input"
	case errors.Is(err, domain.ErrNotFound):
		reason = "not found"
	}
	if err != nil {
		reason += ": " + rootMessage(err)
	}
	if !errors.Is(err, domain.ErrToolFailure) && !errors.Is(err, domain.ErrCancelled) {
		err = domain.Wrap(domain.ErrToolFailure, "tools."+tool, tool, err)
	}
	return domain.ToolResult{Status: domain.ToolFailed, Reason: reason, Err: err}
}

// rootMessage returns the message of the innermost cause.
func rootMessage(err error) string {
	for {
		var de *domain.Error
		if errors.As(err, &de) && de.Err != nil {
			err = de.Err
			continue
		}
		return err.Error()
	}
}
