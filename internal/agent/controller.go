package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bull/clinical-rag-agent/internal/domain"
	"github.com/bull/clinical-rag-agent/internal/logger"
	"github.com/bull/clinical-rag-agent/internal/metrics"
	"github.com/bull/clinical-rag-agent/internal/tools"
	"github.com/bull/clinical-rag-agent/internal/tools/patienthistory"
	"github.com/bull/clinical-rag-agent/internal/tools/research"
)

const DefaultMaxSteps = 6

// Caveat prefixes. Each caveat is "<prefix>: <detail>".
const (
	CaveatMissingHistory       = "missing patient history"
	CaveatInteractionCheck     = "drug interaction check unavailable"
	CaveatInsufficientResearch = "insufficient research match"
	CaveatStepLimit            = "step limit reached"
	CaveatReasoning            = "reasoning service unavailable"
	CaveatRejectedSelection    = "discarded tool selection"
)

// Recorder persists terminated sessions.
type Recorder interface {
	Record(ctx context.Context, s *Session) error
}

// Config bounds the loop.
type Config struct {
	MaxSteps         int
	ReasoningTimeout time.Duration
}

// Controller runs agent sessions. It is stateless between runs and safe for
// concurrent use; every Run owns its Session.
type Controller struct {
	reasoner Reasoner
	tools    Toolset
	cfg      Config
	recorder Recorder
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

func NewController(reasoner Reasoner, toolset Toolset, cfg Config, opts ...Option) *Controller {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.ReasoningTimeout <= 0 {
		cfg.ReasoningTimeout = 45 * time.Second
	}
	c := &Controller{
		reasoner: reasoner,
		tools:    toolset,
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "agent")
	return c
}

// Run drives one session to a terminal state. The session is returned in
// every case except invalid input; a Failed session comes with its cause.
func (c *Controller) Run(ctx context.Context, req Request) (*Session, error) {
	req.PatientID = strings.TrimSpace(req.PatientID)
	req.Question = strings.TrimSpace(req.Question)
	if req.PatientID == "" && req.Question == "" {
		return nil, domain.Errorf(domain.ErrInvalidInput, "agent.run", "", "a patient id or a clinical question is required")
	}

	s := newSession(req, c.cfg.MaxSteps)
	log := logger.FromContext(ctx, c.logger).With("session_id", s.ID, "patient_id", req.PatientID)
	s.enter(StateStarted)
	log.Info("agent session started", "question", req.Question)

	answered := false
	for s.StepCount < s.MaxSteps {
		if cancelled(ctx) {
			return c.fail(ctx, s, log, FailureCancelled, domain.Wrap(domain.ErrCancelled, "agent.run", s.ID, ctx.Err()))
		}
		s.enter(StateReasoning)
		s.StepCount++

		decision, err := c.decide(ctx, s)
		if err != nil {
			if cancelled(ctx) {
				return c.fail(ctx, s, log, FailureCancelled, domain.Wrap(domain.ErrCancelled, "agent.run", s.ID, ctx.Err()))
			}
			if s.StepCount == 1 {
				return c.fail(ctx, s, log, FailureReasoningUnavailable, domain.Wrap(domain.ErrReasoningUnavailable, "agent.decide", s.ID, err))
			}
			log.Warn("reasoning failed, answering with gathered evidence", "step", s.StepCount, "error", err)
			s.caveat(CaveatReasoning + ": answer assembled from the evidence gathered before the failure")
			answered = true
			break
		}

		if decision.Action == ActionAnswer {
			answered = true
			break
		}

		call, err := c.selection(s, decision)
		if err != nil {
			c.reject(s, decision, err)
			log.Warn("tool selection rejected", "step", s.StepCount, "tool", decision.Tool, "error", err)
			continue
		}

		s.enter(StateToolCall)
		res := c.tools.dispatch(ctx, call)
		s.enter(StateToolResult)
		c.observe(s, call, decision.Thought, res)
		log.Info("tool call finished", "step", s.StepCount, "tool", call.Name, "status", res.Status, "latency", res.Latency)

		if cancelled(ctx) {
			return c.fail(ctx, s, log, FailureCancelled, domain.Wrap(domain.ErrCancelled, "agent.run", s.ID, ctx.Err()))
		}
	}
	if !answered {
		s.caveat(fmt.Sprintf("%s: stopped after %d reasoning steps before the evidence was judged sufficient", CaveatStepLimit, s.MaxSteps))
	}

	s.enter(StateAnswering)
	if s.Query == "" {
		s.Query = KeywordPrompt(s.Conditions)
	}
	c.evidenceCaveats(s)

	comp, err := c.compose(ctx, s)
	if err != nil {
		if cancelled(ctx) {
			return c.fail(ctx, s, log, FailureCancelled, domain.Wrap(domain.ErrCancelled, "agent.compose", s.ID, ctx.Err()))
		}
		log.Warn("answer synthesis failed, returning gathered evidence", "error", err)
		s.caveat(CaveatReasoning + ": no synthesised answer, showing gathered evidence only")
		comp = fallbackComposition(s)
	}

	plan := comp.Plan
	if len(plan) > 0 {
		plan = cleanPlan(append([]PlanItem(nil), plan...))
	}
	if len(plan) == 0 {
		plan = ParsePlan(comp.TreatmentSuggestion)
	}
	if plan == nil {
		plan = []PlanItem{}
	}
	s.Answer = &Answer{
		TreatmentSuggestion: strings.TrimSpace(comp.TreatmentSuggestion),
		Plan:                plan,
		Citations:           append([]domain.Provenance{}, s.Evidence...),
		Caveats:             append([]string{}, s.Caveats...),
	}
	s.Status = StatusAnswered
	s.enter(StateAnswered)
	c.finish(ctx, s, log)
	return s, nil
}

func (c *Controller) decide(ctx context.Context, s *Session) (Decision, error) {
	rctx, cancel := context.WithTimeout(ctx, c.cfg.ReasoningTimeout)
	defer cancel()
	return c.reasoner.Decide(rctx, transcript(s))
}

func (c *Controller) compose(ctx context.Context, s *Session) (Composition, error) {
	rctx, cancel := context.WithTimeout(ctx, c.cfg.ReasoningTimeout)
	defer cancel()
	return c.reasoner.Compose(rctx, transcript(s))
}

func transcript(s *Session) *Transcript {
	return &Transcript{
		PatientID:   s.Request.PatientID,
		Question:    s.Query,
		Conditions:  append([]string(nil), s.Conditions...),
		Medications: append([]string(nil), s.Medications...),
		Steps:       append([]Step(nil), s.Steps...),
		StepCount:   s.StepCount,
		MaxSteps:    s.MaxSteps,
		Evidence:    append([]domain.Provenance(nil), s.Evidence...),
		Caveats:     append([]string(nil), s.Caveats...),
	}
}

// selection turns a decision into a validated tool call, filling inputs the
// model left empty from what the session already knows.
func (c *Controller) selection(s *Session, d Decision) (ToolCall, error) {
	if d.Action != ActionCallTool {
		return ToolCall{}, fmt.Errorf("unknown action %q", d.Action)
	}
	call, err := ParseToolCall(d.Tool, d.Input)
	if err != nil {
		return ToolCall{}, err
	}

	switch {
	case call.History != nil:
		if strings.TrimSpace(call.History.PatientID) == "" {
			call.History.PatientID = s.Request.PatientID
		}
		if s.Request.PatientID != "" && strings.TrimSpace(call.History.PatientID) != s.Request.PatientID {
			return ToolCall{}, fmt.Errorf("patient_id %q is not the session's patient", call.History.PatientID)
		}
	case call.Research != nil:
		if strings.TrimSpace(call.Research.Query) == "" {
			call.Research.Query = s.Query
			if call.Research.Query == "" && len(s.Conditions) > 0 {
				call.Research.Query = KeywordPrompt(s.Conditions)
			}
		}
		if len(call.Research.Conditions) == 0 {
			call.Research.Conditions = append([]string(nil), s.Conditions...)
		}
	case call.Interactions != nil:
		if len(call.Interactions.Drugs) == 0 {
			call.Interactions.Drugs = append([]string(nil), s.Medications...)
		}
	}

	if err := call.Validate(); err != nil {
		return ToolCall{}, err
	}
	return call, nil
}

func (c *Controller) reject(s *Session, d Decision, err error) {
	s.Steps = append(s.Steps, Step{
		Index:     len(s.Steps) + 1,
		Reasoning: s.StepCount,
		Tool:      d.Tool,
		Input:     d.Input,
		Thought:   d.Thought,
		Rejected:  err.Error(),
		Timestamp: time.Now(),
	})
	s.caveat(fmt.Sprintf("%s: %s", CaveatRejectedSelection, err))
}

// observe records a tool result and learns from successful ones.
func (c *Controller) observe(s *Session, call ToolCall, thought string, res domain.ToolResult) {
	input, _ := json.Marshal(call.Input())
	s.Steps = append(s.Steps, Step{
		Index:     len(s.Steps) + 1,
		Reasoning: s.StepCount,
		Tool:      call.Name,
		Input:     input,
		Output:    &res,
		Thought:   thought,
		Timestamp: time.Now(),
	})
	if !res.OK() {
		return
	}
	s.cite(res.Evidence)

	if call.History != nil {
		var rec patienthistory.Record
		if err := json.Unmarshal(res.Payload, &rec); err == nil {
			s.Conditions = rec.Disorders
			s.Medications = rec.Medications
			if s.Query == "" {
				s.Query = KeywordPrompt(rec.Disorders)
			}
		}
	}
}

// evidenceCaveats notes every kind of evidence the session is missing.
func (c *Controller) evidenceCaveats(s *Session) {
	if s.Request.PatientID != "" && !s.Succeeded(tools.PatientHistory) {
		detail := "the patient record was not retrieved"
		if reason, ok := s.lastFailure(tools.PatientHistory); ok {
			detail = "lookup failed (" + reason + ")"
		}
		s.caveat(CaveatMissingHistory + ": " + detail)
	}

	if s.attempted(tools.CheckInteractions) && !s.Succeeded(tools.CheckInteractions) {
		reason, _ := s.lastFailure(tools.CheckInteractions)
		s.caveat(CaveatInteractionCheck + ": check failed (" + reason + ")")
	} else if !s.attempted(tools.CheckInteractions) && len(s.Medications) >= 2 {
		s.caveat(CaveatInteractionCheck + ": current medications were not checked for interactions")
	}

	if !researchSufficient(s) {
		detail := "no supporting research passages were found"
		if !s.attempted(tools.SearchResearch) {
			detail = "research was not consulted"
		} else if reason, ok := s.lastFailure(tools.SearchResearch); ok && !s.Succeeded(tools.SearchResearch) {
			detail = "research search failed (" + reason + ")"
		}
		s.caveat(CaveatInsufficientResearch + ": " + detail)
	}
}

func researchSufficient(s *Session) bool {
	for _, st := range s.Steps {
		if st.Tool != tools.SearchResearch || st.Output == nil || !st.Output.OK() {
			continue
		}
		var p research.Payload
		if err := json.Unmarshal(st.Output.Payload, &p); err != nil {
			continue
		}
		if !p.Insufficient && len(p.Hits) > 0 {
			return true
		}
	}
	return false
}

// fallbackComposition lists the gathered sources when synthesis is unavailable.
func fallbackComposition(s *Session) Composition {
	var b strings.Builder
	b.WriteString("Automated synthesis is unavailable. ")
	if len(s.Evidence) == 0 {
		b.WriteString("No supporting evidence was gathered.")
		return Composition{TreatmentSuggestion: b.String()}
	}
	b.WriteString("Evidence gathered for review:\n")
	for i, p := range s.Evidence {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, SourceLabel(p))
	}
	return Composition{TreatmentSuggestion: b.String()}
}

func (c *Controller) fail(ctx context.Context, s *Session, log *slog.Logger, reason string, cause error) (*Session, error) {
	s.Status = StatusFailed
	s.FailureReason = reason
	s.enter(StateFailed)
	log.Warn("agent session failed", "reason", reason, "steps", s.StepCount, "error", cause)
	c.finish(ctx, s, log)
	return s, cause
}

func (c *Controller) finish(ctx context.Context, s *Session, log *slog.Logger) {
	s.FinishedAt = time.Now()
	c.metrics.AgentSession(string(s.Status), s.StepCount)
	if s.Status == StatusAnswered {
		log.Info("agent session answered", "steps", s.StepCount, "citations", len(s.Evidence), "caveats", len(s.Caveats),
			"duration", s.FinishedAt.Sub(s.StartedAt))
	}
	if c.recorder == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.recorder.Record(rctx, s); err != nil {
		log.Warn("session audit failed", "error", err)
	}
}

func cancelled(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}
