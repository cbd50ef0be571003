// Package agent runs the bounded tool-using reasoning loop that turns a
// clinical question about a patient into a cited treatment suggestion.
package agent

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/bull/clinical-rag-agent/internal/domain"
)

// State is a position in the controller's state machine.
type State string

const (
	StateStarted    State = "started"
	StateReasoning  State = "reasoning"
	StateToolCall   State = "tool_call"
	StateToolResult State = "tool_result"
	StateAnswering  State = "answering"
	StateAnswered   State = "answered"
	StateFailed     State = "failed"
)

// Status is the externally visible session status.
type Status string

const (
	StatusRunning  Status = "running"
	StatusAnswered Status = "answered"
	StatusFailed   Status = "failed"
)

// Failure reasons.
const (
	FailureCancelled            = "cancelled"
	FailureReasoningUnavailable = "reasoning_unavailable"
)

// Request is one clinical query.
type Request struct {
	PatientID string `json:"patient_id"`
	Question  string `json:"clinical_question"`
}

// Step is one executed (or rejected) tool selection.
type Step struct {
	Index     int                `json:"index"`
	Reasoning int                `json:"reasoning_step"`
	Tool      string             `json:"tool_name"`
	Input     json.RawMessage    `json:"tool_input,omitempty"`
	Output    *domain.ToolResult `json:"tool_output,omitempty"`
	Thought   string             `json:"thought,omitempty"`
	// Rejected is set when the selection could not be parsed or validated;
	// such steps are never executed.
	Rejected  string    `json:"rejected,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PlanItem is the treatment plan for one condition.
type PlanItem struct {
	Condition string   `json:"condition"`
	Details   []string `json:"details"`
}

// Answer is the structured result of an answered session.
type Answer struct {
	TreatmentSuggestion string              `json:"treatment_suggestion"`
	Plan                []PlanItem          `json:"plan"`
	Citations           []domain.Provenance `json:"citations"`
	Caveats             []string            `json:"caveats"`
}

// Session is one bounded run of the loop. Only the controller mutates it.
type Session struct {
	ID        string  `json:"id"`
	Request   Request `json:"request"`
	Query     string  `json:"query"`
	Status    Status  `json:"status"`
	State     State   `json:"state"`
	StepCount int     `json:"step_count"`
	MaxSteps  int     `json:"max_steps"`
	Steps     []Step  `json:"steps"`
	// Trace lists every state the session passed through.
	Trace         []State   `json:"trace"`
	Answer        *Answer   `json:"answer,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at,omitempty"`

	// Facts learned from the patient history, used to enrich later calls.
	Conditions  []string `json:"conditions,omitempty"`
	Medications []string `json:"medications,omitempty"`

	Caveats  []string            `json:"caveats"`
	Evidence []domain.Provenance `json:"evidence"`

	seen map[string]bool
}

func newSession(req Request, maxSteps int) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Request:   req,
		Query:     req.Question,
		Status:    StatusRunning,
		MaxSteps:  maxSteps,
		Steps:     []Step{},
		Caveats:   []string{},
		Evidence:  []domain.Provenance{},
		StartedAt: time.Now(),
		seen:      make(map[string]bool),
	}
}

func (s *Session) enter(state State) {
	s.State = state
	s.Trace = append(s.Trace, state)
}

func (s *Session) caveat(msg string) {
	for _, c := range s.Caveats {
		if c == msg {
			return
		}
	}
	s.Caveats = append(s.Caveats, msg)
}

// cite records evidence, keeping the first occurrence of each chunk.
func (s *Session) cite(evidence []domain.Provenance) {
	for _, p := range evidence {
		key := p.ChunkID
		if key == "" {
			key = p.DocumentID
		}
		if s.seen[key] {
			continue
		}
		s.seen[key] = true
		s.Evidence = append(s.Evidence, p)
	}
}

// Succeeded reports whether tool ran successfully in any step.
func (s *Session) Succeeded(tool string) bool {
	for _, st := range s.Steps {
		if st.Tool == tool && st.Output != nil && st.Output.OK() {
			return true
		}
	}
	return false
}

func (s *Session) lastFailure(tool string) (string, bool) {
	for i := len(s.Steps) - 1; i >= 0; i-- {
		st := s.Steps[i]
		if st.Tool == tool && st.Output != nil && !st.Output.OK() {
			return st.Output.Reason, true
		}
	}
	return "", false
}

func (s *Session) attempted(tool string) bool {
	for _, st := range s.Steps {
		if st.Tool == tool && st.Output != nil {
			return true
		}
	}
	return false
}
