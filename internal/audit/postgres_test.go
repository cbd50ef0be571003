package audit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/clinical-rag-agent/internal/agent"
	"github.com/bull/clinical-rag-agent/internal/domain"
)

func answeredSession() *agent.Session {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	return &agent.Session{
		ID:        "6f1c1f5e-2a3b-4c5d-8e9f-0a1b2c3d4e5f",
		Request:   agent.Request{PatientID: "p1", Question: "sore throat"},
		Status:    agent.StatusAnswered,
		State:     agent.StateAnswered,
		StepCount: 3,
		MaxSteps:  6,
		Steps: []agent.Step{
			{Index: 1, Tool: "get_patient_history", Output: &domain.ToolResult{Status: domain.ToolOK, Latency: 1500 * time.Millisecond, Attempts: 1}},
			{Index: 2, Tool: "check_drug_interactions", Output: &domain.ToolResult{Status: domain.ToolFailed, Reason: "timeout: deadline", Attempts: 2}},
			{Index: 3, Tool: "run_shell", Rejected: `unknown tool "run_shell"`},
		},
		Answer: &agent.Answer{
			TreatmentSuggestion: "rest",
			Citations:           []domain.Provenance{{DocumentID: "research/1", ChunkID: "research/1#0"}},
			Caveats:             []string{"drug interaction check unavailable: timeout"},
		},
		Caveats:   []string{"drug interaction check unavailable: timeout"},
		StartedAt: started,
	}
}

func TestRowsFor(t *testing.T) {
	sess := answeredSession()

	row, steps, err := rowsFor(sess)
	require.NoError(t, err)

	assert.Equal(t, sess.ID, row.ID)
	assert.Equal(t, "p1", row.PatientID)
	assert.Equal(t, "sore throat", row.Question)
	assert.Equal(t, "answered", row.Status)
	assert.Equal(t, 3, row.StepCount)
	assert.Equal(t, 1, row.Caveats)
	assert.Equal(t, 1, row.Citations)
	assert.Equal(t, time.UTC, row.StartedAt.Location())
	assert.False(t, row.FinishedAt.IsZero())

	var decoded agent.Session
	require.NoError(t, json.Unmarshal(row.Data, &decoded))
	assert.Equal(t, sess.Answer.TreatmentSuggestion, decoded.Answer.TreatmentSuggestion)

	require.Len(t, steps, 3)
	assert.Equal(t, stepRow{Index: 1, Tool: "get_patient_history", Status: "ok", LatencyMS: 1500, Attempts: 1}, steps[0])
	assert.Equal(t, "failed", steps[1].Status)
	assert.Equal(t, "timeout: deadline", steps[1].Reason)
	assert.Equal(t, stepRow{Index: 3, Tool: "run_shell", Status: "rejected", Reason: `unknown tool "run_shell"`}, steps[2])
}

func TestRowsFor_FailedSession(t *testing.T) {
	sess := &agent.Session{
		ID:            "00000000-0000-0000-0000-000000000001",
		Request:       agent.Request{PatientID: "p2"},
		Status:        agent.StatusFailed,
		FailureReason: agent.FailureCancelled,
		StartedAt:     time.Now(),
		FinishedAt:    time.Now(),
	}
	row, steps, err := rowsFor(sess)
	require.NoError(t, err)
	assert.Equal(t, "failed", row.Status)
	assert.Equal(t, "cancelled", row.FailureReason)
	assert.Zero(t, row.Citations)
	assert.Empty(t, steps)
}
