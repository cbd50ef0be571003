// Package mcp exposes question answering, the treatment agent, research
// search and index status as Model Context Protocol tools.
package mcp

import (
	"github.com/bull/clinical-rag-agent/internal/agent"
	"github.com/bull/clinical-rag-agent/internal/domain"
)

// AnswerQuestionInput defines the input parameters for the answer_question tool.
type AnswerQuestionInput struct {
	Question string `json:"question" jsonschema:"the clinical question to answer from the indexed patient records and research"`
	// Kind restricts retrieval to one corpus.
	Kind string `json:"kind,omitempty" jsonschema:"restrict retrieval to 'patient' or 'research' documents"`
	// PatientID restricts retrieval to one patient record.
	PatientID string `json:"patient_id,omitempty" jsonschema:"restrict retrieval to this patient's record"`
}

// AnswerQuestionOutput contains the generated answer and its sources.
type AnswerQuestionOutput struct {
	Answer   string      `json:"answer"`
	Sources  []SourceRef `json:"sources"`
	Degraded bool        `json:"degraded"`
	// Message explains a degraded answer.
	Message string `json:"message,omitempty"`
}

// SourceRef is one numbered source.
type SourceRef struct {
	N          int    `json:"n"`
	DocumentID string `json:"document_id"`
	ChunkID    string `json:"chunk_id"`
	Label      string `json:"label"`
	Excerpt    string `json:"excerpt,omitempty"`
}

// SuggestTreatmentInput defines the input parameters for the suggest_treatment tool.
type SuggestTreatmentInput struct {
	PatientID string `json:"patient_id,omitempty" jsonschema:"the patient whose record should be used"`
	Question  string `json:"clinical_question,omitempty" jsonschema:"the clinical question; when empty the patient's listed conditions are used"`
}

// SuggestTreatmentOutput is the agent's answer.
type SuggestTreatmentOutput struct {
	SessionID           string              `json:"session_id"`
	Status              string              `json:"status"`
	TreatmentSuggestion string              `json:"treatment_suggestion,omitempty"`
	Plan                []agent.PlanItem    `json:"plan"`
	Citations           []domain.Provenance `json:"citations"`
	Caveats             []string            `json:"caveats"`
	Steps               int                 `json:"steps"`
	FailureReason       string              `json:"failure_reason,omitempty"`
}

// SearchResearchInput defines the input parameters for the search_research tool.
type SearchResearchInput struct {
	Query      string `json:"query" jsonschema:"keywords or a question to search research papers for"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"maximum number of passages to return (default 5, at most 20)"`
}

// SearchResearchOutput contains ranked research passages.
type SearchResearchOutput struct {
	Results     []ResearchHit `json:"results"`
	LexicalOnly bool          `json:"lexical_only"`
	Message     string        `json:"message,omitempty"`
}

// ResearchHit is one ranked passage.
type ResearchHit struct {
	PaperID    string  `json:"paper_id"`
	DocumentID string  `json:"document_id"`
	ChunkID    string  `json:"chunk_id"`
	Section    string  `json:"section,omitempty"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

// IndexStatusInput takes no parameters.
type IndexStatusInput struct{}

// IndexStatusOutput describes the index and the last ingestion pass.
type IndexStatusOutput struct {
	Ready       bool           `json:"ready"`
	Documents   int            `json:"documents"`
	Chunks      int            `json:"chunks"`
	ByKind      map[string]int `json:"by_kind"`
	Generation  uint64         `json:"generation"`
	Quarantined []string       `json:"quarantined"`
	LastSync    string         `json:"last_sync,omitempty"`
	LastFailed  int            `json:"last_sync_failures"`
}
