package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bull/clinical-rag-agent/internal/domain"
)

// Action is what a reasoning step decided.
type Action string

const (
	ActionCallTool Action = "call_tool"
	ActionAnswer   Action = "answer"
)

// Decision is the outcome of one reasoning step.
type Decision struct {
	Thought string          `json:"thought,omitempty"`
	Action  Action          `json:"action"`
	Tool    string          `json:"tool,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
}

// Composition is the synthesised answer.
type Composition struct {
	TreatmentSuggestion string     `json:"treatment_suggestion"`
	Plan                []PlanItem `json:"plan"`
}

// Transcript is the view of a session given to the reasoner.
type Transcript struct {
	PatientID   string
	Question    string
	Conditions  []string
	Medications []string
	Steps       []Step
	StepCount   int
	MaxSteps    int
	Evidence    []domain.Provenance
	Caveats     []string
}

// Reasoner makes the decisions of the loop. The controller enforces the
// protocol; the reasoner only chooses.
type Reasoner interface {
	Decide(ctx context.Context, t *Transcript) (Decision, error)
	Compose(ctx context.Context, t *Transcript) (Composition, error)
}

// JSONCompleter is a chat model in JSON mode.
type JSONCompleter interface {
	CompleteJSON(ctx context.Context, system, prompt string, out any) error
}

// LLMReasoner drives the loop with a chat model.
type LLMReasoner struct {
	llm JSONCompleter
	// ObservationChars caps each tool payload in the prompt.
	ObservationChars int
}

func NewLLMReasoner(llm JSONCompleter) *LLMReasoner {
	return &LLMReasoner{llm: llm, ObservationChars: 2000}
}

const decideSystem = "You are the planning component of a clinical decision support agent used by medical professionals. " +
	"At each step you either call exactly one tool or decide that the gathered evidence is sufficient. " +
	"Reply with a single JSON object and nothing else."

const toolCatalog = `TOOLS:
- get_patient_history {"patient_id": string}
  The patient's record: demographics, conditions and current medications.
- search_medical_research {"query": string, "conditions": [string]}
  Ranked passages from indexed research papers. Listing conditions lets the tool fetch new papers when the corpus has too few matches.
- check_drug_interactions {"drugs": [string]}
  Known interactions between two or more drugs.`

const decideInstructions = `Respond with {"thought": "...", "action": "call_tool", "tool": "<tool name>", "input": {...}}
or, once the evidence is sufficient, {"thought": "...", "action": "answer"}.
Use only the tools and input fields listed above. Do not repeat a call that already succeeded. A failed call may be retried once or replaced by another tool.`

func (r *LLMReasoner) Decide(ctx context.Context, t *Transcript) (Decision, error) {
	var b strings.Builder
	b.WriteString(toolCatalog)
	b.WriteString("\n\n")
	r.writeSituation(&b, t)
	fmt.Fprintf(&b, "\nSTEP: %d of %d\n\n", t.StepCount, t.MaxSteps)
	b.WriteString(decideInstructions)

	var d Decision
	if err := r.llm.CompleteJSON(ctx, decideSystem, b.String(), &d); err != nil {
		return Decision{}, err
	}
	d.Action = Action(strings.ToLower(strings.TrimSpace(string(d.Action))))
	d.Tool = strings.TrimSpace(d.Tool)
	return d, nil
}

const composeSystem = "You are a clinical assistant summarising evidence for a medical professional. " +
	"Use only the observations and numbered sources given. Never invent studies, doses or patient facts. " +
	"Reply with a single JSON object and nothing else."

const composeInstructions = `Draft a preliminary treatment plan that answers the QUESTION for this patient.
Organise it by condition. In "treatment_suggestion" write markdown with each condition as a **bold heading** followed by "*" bullet points, cite sources by number like [2], and end with a short disclaimer that this is based on limited data and does not replace professional medical advice.
Mirror the same content in "plan" as a list of {"condition": string, "details": [string]}.
If the evidence does not cover a condition, say so instead of guessing. Take the CAVEATS into account.

Respond with {"treatment_suggestion": "...", "plan": [...]}.`

func (r *LLMReasoner) Compose(ctx context.Context, t *Transcript) (Composition, error) {
	var b strings.Builder
	r.writeSituation(&b, t)
	b.WriteString("\nSOURCES:\n")
	if len(t.Evidence) == 0 {
		b.WriteString("(none)\n")
	}
	for i, p := range t.Evidence {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, SourceLabel(p))
	}
	if len(t.Caveats) > 0 {
		b.WriteString("\nCAVEATS:\n")
		for _, c := range t.Caveats {
			b.WriteString("- " + c + "\n")
		}
	}
	b.WriteString("\n")
	b.WriteString(composeInstructions)

	var c Composition
	if err := r.llm.CompleteJSON(ctx, composeSystem, b.String(), &c); err != nil {
		return Composition{}, err
	}
	if strings.TrimSpace(c.TreatmentSuggestion) == "" && len(c.Plan) == 0 {
		return Composition{}, domain.Errorf(domain.ErrReasoningUnavailable, "agent.compose", "", "model returned an empty plan")
	}
	return c, nil
}

func (r *LLMReasoner) writeSituation(b *strings.Builder, t *Transcript) {
	patient := t.PatientID
	if patient == "" {
		patient = "(none)"
	}
	question := t.Question
	if question == "" {
		question = "(none given; retrieve the patient history and plan treatment for the listed conditions)"
	}
	fmt.Fprintf(b, "PATIENT: %s\nQUESTION: %s\n", patient, question)
	if len(t.Conditions) > 0 {
		fmt.Fprintf(b, "KNOWN CONDITIONS: %s\n", strings.Join(t.Conditions, "; "))
	}
	if len(t.Medications) > 0 {
		fmt.Fprintf(b, "KNOWN MEDICATIONS: %s\n", strings.Join(t.Medications, "; "))
	}

	b.WriteString("\nTRANSCRIPT:\n")
	if len(t.Steps) == 0 {
		b.WriteString("(no tool calls yet)\n")
	}
	for _, s := range t.Steps {
		fmt.Fprintf(b, "[%d] %s %s -> ", s.Index, s.Tool, compactJSON(s.Input))
		switch {
		case s.Rejected != "":
			fmt.Fprintf(b, "rejected: %s\n", s.Rejected)
		case s.Output == nil:
			b.WriteString("no result\n")
		case s.Output.OK():
			fmt.Fprintf(b, "ok: %s\n", r.clip(compactJSON(s.Output.Payload)))
		default:
			fmt.Fprintf(b, "failed: %s\n", s.Output.Reason)
		}
	}
}

func (r *LLMReasoner) clip(s string) string {
	limit := r.ObservationChars
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	i := 0
	for pos := range s {
		if i == limit {
			return s[:pos] + " ...(truncated)"
		}
		i++
	}
	return s
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// SourceLabel is how a citation is shown to the model and to users.
func SourceLabel(p domain.Provenance) string {
	switch {
	case p.PaperID != "":
		return fmt.Sprintf("research paper %s (%s)", p.PaperID, p.ChunkID)
	case p.PatientID != "":
		return fmt.Sprintf("patient record %s", p.PatientID)
	default:
		return p.ChunkID
	}
}
