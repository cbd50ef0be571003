package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/clinical-rag-agent/internal/domain"
	"github.com/bull/clinical-rag-agent/internal/tools"
)

type fakeCompleter struct {
	reply   string
	err     error
	system  string
	prompts []string
}

func (f *fakeCompleter) CompleteJSON(_ context.Context, system, prompt string, out any) error {
	f.system = system
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return f.err
	}
	return json.Unmarshal([]byte(f.reply), out)
}

func sampleTranscript() *Transcript {
	failed := tools.Failed(tools.PatientHistory, domain.Errorf(domain.ErrTimeout, "history.get", "p1", "deadline"))
	okResult := domain.ToolResult{Status: domain.ToolOK, Payload: json.RawMessage(`{"hits": [ {"paper_id": "112345"} ]}`)}
	return &Transcript{
		PatientID:  "p1",
		Question:   "treatment for acute viral pharyngitis",
		Conditions: []string{"Acute viral pharyngitis"},
		Steps: []Step{
			{Index: 1, Tool: tools.PatientHistory, Input: json.RawMessage(`{"patient_id":"p1"}`), Output: &failed},
			{Index: 2, Tool: tools.SearchResearch, Input: json.RawMessage(`{"query": "pharyngitis"}`), Output: &okResult},
			{Index: 3, Tool: "bogus", Rejected: `unknown tool "bogus"`},
		},
		StepCount: 4,
		MaxSteps:  6,
		Evidence:  []domain.Provenance{pharyngitisChunk},
		Caveats:   []string{CaveatMissingHistory + ": lookup failed"},
	}
}

func TestLLMReasoner_Decide(t *testing.T) {
	llm := &fakeCompleter{reply: `{"thought":"need interactions","action":" CALL_TOOL ","tool":" check_drug_interactions ","input":{"drugs":["a","b"]}}`}
	r := NewLLMReasoner(llm)

	d, err := r.Decide(context.Background(), sampleTranscript())
	require.NoError(t, err)
	assert.Equal(t, ActionCallTool, d.Action)
	assert.Equal(t, tools.CheckInteractions, d.Tool)
	assert.JSONEq(t, `{"drugs":["a","b"]}`, string(d.Input))

	prompt := llm.prompts[0]
	for _, name := range tools.Names() {
		assert.Contains(t, prompt, name)
	}
	assert.Contains(t, prompt, "PATIENT: p1")
	assert.Contains(t, prompt, "STEP: 4 of 6")
	assert.Contains(t, prompt, `[2] search_medical_research {"query":"pharyngitis"} -> ok: {"hits":[{"paper_id":"112345"}]}`)
	assert.Contains(t, prompt, "-> failed: timeout")
	assert.Contains(t, prompt, `-> rejected: unknown tool "bogus"`)
}

func TestLLMReasoner_DecideError(t *testing.T) {
	r := NewLLMReasoner(&fakeCompleter{err: domain.Errorf(domain.ErrReasoningUnavailable, "llm.complete", "", "down")})
	_, err := r.Decide(context.Background(), &Transcript{Question: "q", StepCount: 1, MaxSteps: 6})
	assert.ErrorIs(t, err, domain.ErrReasoningUnavailable)
}

func TestLLMReasoner_Compose(t *testing.T) {
	llm := &fakeCompleter{reply: `{"treatment_suggestion":"**Pharyngitis**\n* Rest [1]","plan":[{"condition":"Pharyngitis","details":["Rest [1]"]}]}`}
	r := NewLLMReasoner(llm)

	c, err := r.Compose(context.Background(), sampleTranscript())
	require.NoError(t, err)
	require.Len(t, c.Plan, 1)
	assert.Equal(t, "Pharyngitis", c.Plan[0].Condition)

	prompt := llm.prompts[0]
	assert.Contains(t, prompt, "[1] research paper 112345 (research/112345#0)")
	assert.Contains(t, prompt, "CAVEATS:\n- "+CaveatMissingHistory)
	assert.True(t, strings.Contains(llm.system, "Never invent"))
}

func TestLLMReasoner_ComposeEmpty(t *testing.T) {
	r := NewLLMReasoner(&fakeCompleter{reply: `{"treatment_suggestion":"  ","plan":[]}`})
	_, err := r.Compose(context.Background(), sampleTranscript())
	assert.ErrorIs(t, err, domain.ErrReasoningUnavailable)
}

func TestLLMReasoner_ClipsObservations(t *testing.T) {
	llm := &fakeCompleter{reply: `{"action":"answer"}`}
	r := NewLLMReasoner(llm)
	r.ObservationChars = 10

	_, err := r.Decide(context.Background(), sampleTranscript())
	require.NoError(t, err)
	assert.Contains(t, llm.prompts[0], `ok: {"hits":[{ ...(truncated)`)
}
