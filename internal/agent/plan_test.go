package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/clinical-rag-agent/internal/domain"
	"github.com/bull/clinical-rag-agent/internal/tools"
)

func TestParsePlan(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []PlanItem
	}{
		{
			name: "markdown",
			text: "**Preliminary Treatment Plan**\n\n**Acute viral pharyngitis:**\n* Rest [1]\n* Warm fluids\n\n**Hypertension**\n* Continue lisinopril [2]",
			want: []PlanItem{
				{Condition: "Acute viral pharyngitis", Details: []string{"Rest [1]", "Warm fluids"}},
				{Condition: "Hypertension", Details: []string{"Continue lisinopril [2]"}},
			},
		},
		{
			name: "json list",
			text: `[{"condition":"Asthma","details":["Inhaled steroids"," "]},{"condition":"","details":["x"]}]`,
			want: []PlanItem{{Condition: "Asthma", Details: []string{"Inhaled steroids"}}},
		},
		{
			name: "heading without details",
			text: "**Gout**\n\n**Asthma**\n* Inhaler",
			want: []PlanItem{{Condition: "Asthma", Details: []string{"Inhaler"}}},
		},
		{name: "no plan marker", text: "No plan was generated for this patient.", want: nil},
		{name: "plain text", text: "Rest and fluids.", want: nil},
		{name: "empty", text: "", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParsePlan(tt.text))
		})
	}
}

func TestKeywordPrompt(t *testing.T) {
	got := KeywordPrompt([]string{"Otitis media", "Acute  viral pharyngitis", "Body mass index 30+ - obesity", "Otitis media", " "})
	assert.Equal(t, "Acute viral pharyngitis Body mass index obesity Otitis media", got)

	assert.Equal(t, NoConditions, KeywordPrompt(nil))
	assert.Equal(t, NoConditions, KeywordPrompt([]string{"123", "--"}))
}

func TestParseToolCall(t *testing.T) {
	call, err := ParseToolCall(tools.CheckInteractions, json.RawMessage(`{"drugs":["warfarin","aspirin"]}`))
	require.NoError(t, err)
	require.NotNil(t, call.Interactions)
	assert.Nil(t, call.History)
	assert.Nil(t, call.Research)
	assert.NoError(t, call.Validate())
	assert.Equal(t, call.Interactions, call.Input())

	call, err = ParseToolCall(tools.PatientHistory, nil)
	require.NoError(t, err)
	assert.Error(t, call.Validate())

	bad := []struct {
		tool  string
		input string
	}{
		{"run_shell", `{}`},
		{tools.PatientHistory, `{"patient_id":"p1","extra":true}`},
		{tools.SearchResearch, `"asthma"`},
		{tools.SearchResearch, `{"query":"a"} {"query":"b"}`},
		{tools.CheckInteractions, `{"drugs":"warfarin"}`},
	}
	for _, b := range bad {
		_, err := ParseToolCall(b.tool, json.RawMessage(b.input))
		assert.Error(t, err, "%s %s", b.tool, b.input)
	}
}

func TestToolsetDispatchMissingTool(t *testing.T) {
	res := Toolset{}.dispatch(context.Background(), ToolCall{Name: tools.SearchResearch, Research: &tools.ResearchInput{Query: "x"}})
	assert.False(t, res.OK())
	assert.ErrorIs(t, res.Err, domain.ErrToolFailure)
}
