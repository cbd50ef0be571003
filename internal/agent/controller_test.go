package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/clinical-rag-agent/internal/domain"
	"github.com/bull/clinical-rag-agent/internal/tools"
	"github.com/bull/clinical-rag-agent/internal/tools/interactions"
	"github.com/bull/clinical-rag-agent/internal/tools/patienthistory"
	"github.com/bull/clinical-rag-agent/internal/tools/research"
)

type scriptReasoner struct {
	mu      sync.Mutex
	decide  func(t *Transcript) (Decision, error)
	compose func(t *Transcript) (Composition, error)
	seen    []*Transcript
}

func (r *scriptReasoner) Decide(ctx context.Context, t *Transcript) (Decision, error) {
	r.mu.Lock()
	r.seen = append(r.seen, t)
	r.mu.Unlock()
	return r.decide(t)
}

func (r *scriptReasoner) Compose(ctx context.Context, t *Transcript) (Composition, error) {
	if r.compose == nil {
		return Composition{TreatmentSuggestion: "**Condition**\n* Supportive care [1]"}, nil
	}
	return r.compose(t)
}

// steps answers the n-th reasoning step with script[n-1] and "answer" after.
func steps(script ...Decision) func(t *Transcript) (Decision, error) {
	return func(t *Transcript) (Decision, error) {
		if t.StepCount <= len(script) {
			return script[t.StepCount-1], nil
		}
		return Decision{Action: ActionAnswer}, nil
	}
}

func call(tool, input string) Decision {
	return Decision{Action: ActionCallTool, Tool: tool, Input: json.RawMessage(input)}
}

type funcTool[In any] struct {
	mu     sync.Mutex
	inputs []In
	fn     func(ctx context.Context, in In) domain.ToolResult
}

func (f *funcTool[In]) Invoke(ctx context.Context, in In) domain.ToolResult {
	f.mu.Lock()
	f.inputs = append(f.inputs, in)
	f.mu.Unlock()
	return f.fn(ctx, in)
}

func (f *funcTool[In]) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inputs)
}

func ok(t *testing.T, payload any, evidence ...domain.Provenance) domain.ToolResult {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return domain.ToolResult{Status: domain.ToolOK, Payload: raw, Evidence: evidence, Attempts: 1}
}

var pharyngitisChunk = domain.Provenance{
	DocumentID: "research/112345",
	ChunkID:    "research/112345#0",
	Kind:       domain.KindResearch,
	PaperID:    "112345",
}

func historyTool(t *testing.T) *funcTool[tools.PatientHistoryInput] {
	return &funcTool[tools.PatientHistoryInput]{fn: func(ctx context.Context, in tools.PatientHistoryInput) domain.ToolResult {
		rec := patienthistory.Record{
			PatientID:   in.PatientID,
			Disorders:   []string{"Acute viral pharyngitis", "Essential hypertension"},
			Medications: []string{"Amoxicillin 250 MG", "Lisinopril 10 MG"},
		}
		return ok(t, rec, domain.Provenance{DocumentID: "patient/" + in.PatientID, ChunkID: "patient/" + in.PatientID, PatientID: in.PatientID})
	}}
}

func researchTool(t *testing.T) *funcTool[tools.ResearchInput] {
	return &funcTool[tools.ResearchInput]{fn: func(ctx context.Context, in tools.ResearchInput) domain.ToolResult {
		p := research.Payload{Query: in.Query, Hits: []research.Hit{{PaperID: "112345", ChunkID: pharyngitisChunk.ChunkID, Text: "Acute Viral Pharyngitis: rest."}}}
		return ok(t, p, pharyngitisChunk)
	}}
}

func interactionTool(t *testing.T) *funcTool[tools.InteractionInput] {
	return &funcTool[tools.InteractionInput]{fn: func(ctx context.Context, in tools.InteractionInput) domain.ToolResult {
		return ok(t, interactions.Report{Drugs: in.Drugs, Interactions: []interactions.Interaction{}})
	}}
}

func failing[In any](name string) *funcTool[In] {
	return &funcTool[In]{fn: func(ctx context.Context, in In) domain.ToolResult {
		return tools.Failed(name, errors.New("service down"))
	}}
}

func hasCaveat(s *Session, prefix string) bool {
	for _, c := range s.Caveats {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

type recorder struct {
	mu       sync.Mutex
	sessions []*Session
}

func (r *recorder) Record(_ context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, s)
	return nil
}

func TestRun_Answered(t *testing.T) {
	history, res, inter := historyTool(t), researchTool(t), interactionTool(t)
	reasoner := &scriptReasoner{
		decide: steps(
			call(tools.PatientHistory, `{}`),
			call(tools.SearchResearch, `{"query":"treatment for acute viral pharyngitis"}`),
			call(tools.SearchResearch, `{"query":"acute viral pharyngitis management"}`),
			call(tools.CheckInteractions, `{"drugs":[]}`),
		),
		compose: func(t *Transcript) (Composition, error) {
			return Composition{TreatmentSuggestion: "**Acute viral pharyngitis:**\n* Rest [1]\n* Fluids"}, nil
		},
	}
	rec := &recorder{}
	c := NewController(reasoner, Toolset{History: history, Research: res, Interactions: inter}, Config{}, WithRecorder(rec))

	s, err := c.Run(context.Background(), Request{PatientID: "p1", Question: "How should the sore throat be treated?"})
	require.NoError(t, err)

	assert.Equal(t, StatusAnswered, s.Status)
	assert.Equal(t, StateAnswered, s.State)
	assert.Equal(t, 5, s.StepCount)
	assert.Len(t, s.Steps, 4)
	assert.Equal(t, []State{StateStarted, StateReasoning, StateToolCall, StateToolResult}, s.Trace[:4])
	assert.Equal(t, []State{StateAnswering, StateAnswered}, s.Trace[len(s.Trace)-2:])

	require.NotNil(t, s.Answer)
	assert.Equal(t, []PlanItem{{Condition: "Acute viral pharyngitis", Details: []string{"Rest [1]", "Fluids"}}}, s.Answer.Plan)
	require.Len(t, s.Answer.Citations, 2, "research chunk cited twice must appear once")
	assert.Equal(t, "p1", s.Answer.Citations[0].PatientID)
	assert.Equal(t, "112345", s.Answer.Citations[1].PaperID)
	assert.Empty(t, s.Answer.Caveats)

	assert.Equal(t, "p1", history.inputs[0].PatientID)
	assert.Equal(t, []string{"Amoxicillin 250 MG", "Lisinopril 10 MG"}, inter.inputs[0].Drugs)
	assert.Equal(t, []string{"Acute viral pharyngitis", "Essential hypertension"}, res.inputs[0].Conditions)

	require.Len(t, rec.sessions, 1)
	assert.Same(t, s, rec.sessions[0])
}

func TestRun_PatientHistoryTimeoutStillAnswers(t *testing.T) {
	guard := tools.NewGuard(tools.GuardConfig{Timeout: 20 * time.Millisecond, Retries: -1}, nil, nil)
	history := &funcTool[tools.PatientHistoryInput]{fn: func(ctx context.Context, in tools.PatientHistoryInput) domain.ToolResult {
		return guard.Run(ctx, tools.PatientHistory, func(ctx context.Context) (tools.Output, error) {
			<-ctx.Done()
			return tools.Output{}, ctx.Err()
		})
	}}
	reasoner := &scriptReasoner{decide: steps(
		call(tools.PatientHistory, `{"patient_id":"p1"}`),
		call(tools.SearchResearch, `{"query":"acute viral pharyngitis"}`),
	)}
	c := NewController(reasoner, Toolset{History: history, Research: researchTool(t), Interactions: interactionTool(t)}, Config{})

	s, err := c.Run(context.Background(), Request{PatientID: "p1", Question: "treatment for acute viral pharyngitis"})
	require.NoError(t, err)
	assert.Equal(t, StatusAnswered, s.Status)
	assert.True(t, hasCaveat(s, CaveatMissingHistory), s.Caveats)
	assert.Equal(t, s.Caveats, s.Answer.Caveats)

	require.NotNil(t, s.Steps[0].Output)
	assert.ErrorIs(t, s.Steps[0].Output.Err, domain.ErrTimeout)
	assert.ErrorIs(t, s.Steps[0].Output.Err, domain.ErrToolFailure)
}

func TestRun_TerminatesWithinMaxSteps(t *testing.T) {
	for _, maxSteps := range []int{1, 2, 4, 6} {
		reasoner := &scriptReasoner{decide: func(t *Transcript) (Decision, error) {
			names := tools.Names()
			return call(names[t.StepCount%len(names)], `{"patient_id":"p1","query":"x","drugs":["a","b"]}`), nil
		}}
		history := failing[tools.PatientHistoryInput](tools.PatientHistory)
		res := failing[tools.ResearchInput](tools.SearchResearch)
		inter := failing[tools.InteractionInput](tools.CheckInteractions)
		c := NewController(reasoner, Toolset{History: history, Research: res, Interactions: inter}, Config{MaxSteps: maxSteps})

		s, err := c.Run(context.Background(), Request{PatientID: "p1", Question: "q"})
		require.NoError(t, err)
		assert.Equal(t, StatusAnswered, s.Status)
		assert.Equal(t, maxSteps, s.StepCount)
		assert.True(t, hasCaveat(s, CaveatStepLimit))
		assert.True(t, hasCaveat(s, CaveatInsufficientResearch))
		assert.True(t, hasCaveat(s, CaveatMissingHistory))
		// Every selection carries fields of other tools and is rejected.
		assert.Zero(t, history.calls()+res.calls()+inter.calls())
	}
}

func TestRun_FailingToolsBecomeCaveats(t *testing.T) {
	reasoner := &scriptReasoner{decide: func(t *Transcript) (Decision, error) {
		switch t.StepCount {
		case 1:
			return call(tools.PatientHistory, `{"patient_id":"p1"}`), nil
		case 2:
			return call(tools.CheckInteractions, `{"drugs":["warfarin","aspirin"]}`), nil
		case 3:
			return call(tools.SearchResearch, `{"query":"anticoagulation"}`), nil
		}
		return call(tools.SearchResearch, `{"query":"anticoagulation again"}`), nil
	}}
	history := failing[tools.PatientHistoryInput](tools.PatientHistory)
	res := failing[tools.ResearchInput](tools.SearchResearch)
	inter := failing[tools.InteractionInput](tools.CheckInteractions)
	c := NewController(reasoner, Toolset{History: history, Research: res, Interactions: inter}, Config{MaxSteps: 5})

	s, err := c.Run(context.Background(), Request{PatientID: "p1", Question: "anticoagulation plan"})
	require.NoError(t, err)
	assert.Equal(t, StatusAnswered, s.Status)
	assert.Equal(t, 5, s.StepCount)
	assert.Equal(t, 1, history.calls())
	assert.Equal(t, 1, inter.calls())
	assert.Equal(t, 3, res.calls())
	for _, prefix := range []string{CaveatMissingHistory, CaveatInteractionCheck, CaveatInsufficientResearch, CaveatStepLimit} {
		assert.True(t, hasCaveat(s, prefix), prefix)
	}
	assert.Empty(t, s.Answer.Citations)
}

func TestRun_FirstStepReasoningUnavailableFails(t *testing.T) {
	reasoner := &scriptReasoner{decide: func(t *Transcript) (Decision, error) {
		return Decision{}, domain.Errorf(domain.ErrReasoningUnavailable, "llm.complete", "", "connection refused")
	}}
	rec := &recorder{}
	c := NewController(reasoner, Toolset{}, Config{}, WithRecorder(rec))

	s, err := c.Run(context.Background(), Request{Question: "q"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrReasoningUnavailable)
	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, FailureReasoningUnavailable, s.FailureReason)
	assert.Equal(t, 1, s.StepCount)
	assert.Nil(t, s.Answer)
	assert.Len(t, rec.sessions, 1)
}

func TestRun_FirstStepReasoningTimeout(t *testing.T) {
	c := NewController(blockingReasoner{}, Toolset{}, Config{ReasoningTimeout: 20 * time.Millisecond})

	s, err := c.Run(context.Background(), Request{Question: "q"})
	assert.ErrorIs(t, err, domain.ErrReasoningUnavailable)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, StatusFailed, s.Status)
}

type blockingReasoner struct{}

func (blockingReasoner) Decide(ctx context.Context, _ *Transcript) (Decision, error) {
	<-ctx.Done()
	return Decision{}, ctx.Err()
}

func (blockingReasoner) Compose(ctx context.Context, _ *Transcript) (Composition, error) {
	<-ctx.Done()
	return Composition{}, ctx.Err()
}

func TestRun_LaterReasoningFailureAnswers(t *testing.T) {
	reasoner := &scriptReasoner{decide: func(t *Transcript) (Decision, error) {
		if t.StepCount == 1 {
			return call(tools.SearchResearch, `{"query":"pharyngitis"}`), nil
		}
		return Decision{}, errors.New("model overloaded")
	}}
	c := NewController(reasoner, Toolset{Research: researchTool(t)}, Config{})

	s, err := c.Run(context.Background(), Request{Question: "pharyngitis"})
	require.NoError(t, err)
	assert.Equal(t, StatusAnswered, s.Status)
	assert.Equal(t, 2, s.StepCount)
	assert.True(t, hasCaveat(s, CaveatReasoning))
	assert.False(t, hasCaveat(s, CaveatStepLimit))
	assert.Len(t, s.Answer.Citations, 1)
}

func TestRun_ComposeFailureFallsBackToEvidence(t *testing.T) {
	reasoner := &scriptReasoner{
		decide: steps(call(tools.SearchResearch, `{"query":"pharyngitis"}`)),
		compose: func(*Transcript) (Composition, error) {
			return Composition{}, domain.Errorf(domain.ErrReasoningUnavailable, "llm.complete", "", "down")
		},
	}
	c := NewController(reasoner, Toolset{Research: researchTool(t)}, Config{})

	s, err := c.Run(context.Background(), Request{Question: "pharyngitis"})
	require.NoError(t, err)
	assert.Equal(t, StatusAnswered, s.Status)
	assert.True(t, hasCaveat(s, CaveatReasoning))
	assert.Contains(t, s.Answer.TreatmentSuggestion, "research paper 112345")
	assert.Empty(t, s.Answer.Plan)
	assert.NotNil(t, s.Answer.Plan)
}

func TestRun_RejectsUnparseableSelections(t *testing.T) {
	res := researchTool(t)
	reasoner := &scriptReasoner{decide: steps(
		call("delete_patient", `{"patient_id":"p1"}`),
		call(tools.SearchResearch, `{"query":"x","shell":"rm -rf /"}`),
		call(tools.SearchResearch, `not json`),
		Decision{Action: "dance"},
		call(tools.PatientHistory, `{"patient_id":"someone-else"}`),
		call(tools.SearchResearch, `{"query":"pharyngitis"}`),
	)}
	c := NewController(reasoner, Toolset{Research: res, History: historyTool(t)}, Config{MaxSteps: 7})

	s, err := c.Run(context.Background(), Request{PatientID: "p1", Question: "pharyngitis"})
	require.NoError(t, err)
	assert.Equal(t, StatusAnswered, s.Status)
	assert.Equal(t, 1, res.calls())
	require.Len(t, s.Steps, 6)
	for _, st := range s.Steps[:5] {
		assert.NotEmpty(t, st.Rejected)
		assert.Nil(t, st.Output)
	}
	assert.True(t, hasCaveat(s, CaveatRejectedSelection))
	assert.Equal(t, 7, s.StepCount)
	assert.False(t, hasCaveat(s, CaveatStepLimit))
}

func TestRun_CancelledMidToolCall(t *testing.T) {
	started := make(chan struct{})
	res := &funcTool[tools.ResearchInput]{fn: func(ctx context.Context, in tools.ResearchInput) domain.ToolResult {
		close(started)
		<-ctx.Done()
		return tools.Failed(tools.SearchResearch, domain.Wrap(domain.ErrCancelled, "tools.search", "", ctx.Err()))
	}}
	reasoner := &scriptReasoner{decide: steps(call(tools.SearchResearch, `{"query":"x"}`))}
	rec := &recorder{}
	c := NewController(reasoner, Toolset{Research: res}, Config{}, WithRecorder(rec))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	s, err := c.Run(ctx, Request{Question: "x"})
	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, FailureCancelled, s.FailureReason)
	assert.Equal(t, StateFailed, s.Trace[len(s.Trace)-1])
	assert.Nil(t, s.Answer)
	assert.Len(t, rec.sessions, 1)
}

func TestRun_EmptyQuestionUsesConditionKeywords(t *testing.T) {
	res := researchTool(t)
	reasoner := &scriptReasoner{decide: steps(
		call(tools.PatientHistory, `{}`),
		call(tools.SearchResearch, `{}`),
	)}
	c := NewController(reasoner, Toolset{History: historyTool(t), Research: res}, Config{})

	s, err := c.Run(context.Background(), Request{PatientID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, "Acute viral pharyngitis Essential hypertension", s.Query)
	require.Equal(t, 1, res.calls())
	assert.Equal(t, s.Query, res.inputs[0].Query)
	assert.Equal(t, "", reasoner.seen[0].Question)
	assert.Equal(t, s.Query, reasoner.seen[1].Question)
}

func TestRun_InvalidRequest(t *testing.T) {
	c := NewController(&scriptReasoner{}, Toolset{}, Config{})
	_, err := c.Run(context.Background(), Request{PatientID: " ", Question: "\t"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRun_ConcurrentSessionsAreIndependent(t *testing.T) {
	var n atomic.Int32
	reasoner := &scriptReasoner{decide: func(t *Transcript) (Decision, error) {
		n.Add(1)
		if t.StepCount == 1 {
			return call(tools.SearchResearch, `{"query":"`+t.Question+`"}`), nil
		}
		return Decision{Action: ActionAnswer}, nil
	}}
	c := NewController(reasoner, Toolset{Research: researchTool(t)}, Config{})

	var wg sync.WaitGroup
	sessions := make([]*Session, 8)
	for i := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := c.Run(context.Background(), Request{Question: "q" + string(rune('a'+i))})
			assert.NoError(t, err)
			sessions[i] = s
		}()
	}
	wg.Wait()
	ids := map[string]bool{}
	for _, s := range sessions {
		require.NotNil(t, s)
		assert.Equal(t, 2, s.StepCount)
		assert.Len(t, s.Steps, 1)
		ids[s.ID] = true
	}
	assert.Len(t, ids, 8)
	assert.Equal(t, int32(16), n.Load())
}
