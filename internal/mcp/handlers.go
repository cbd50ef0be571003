package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bull/clinical-rag-agent/internal/agent"
	"github.com/bull/clinical-rag-agent/internal/domain"
	"github.com/bull/clinical-rag-agent/internal/logger"
	"github.com/bull/clinical-rag-agent/internal/query"
)

const (
	defaultResearchResults = 5
	maxResearchResults     = 20
	excerptChars           = 240
)

// handleAnswerQuestion answers from the corpus. A degraded answer still
// returns its sources with an explanatory message.
func (s *Server) handleAnswerQuestion(ctx context.Context, _ *mcp.CallToolRequest, input AnswerQuestionInput) (
	*mcp.CallToolResult, AnswerQuestionOutput, error,
) {
	question := strings.TrimSpace(input.Question)
	if question == "" {
		return nil, AnswerQuestionOutput{}, errors.New("question is required")
	}
	filters := domain.Filters{Kind: domain.Kind(input.Kind)}
	if filters.Kind != "" && !filters.Kind.Valid() {
		return nil, AnswerQuestionOutput{}, fmt.Errorf("unknown kind %q: use 'patient' or 'research'", input.Kind)
	}
	if input.PatientID != "" {
		filters.ExternalIDs = []string{input.PatientID}
	}

	ans, err := s.cfg.Answerer.AnswerQuery(ctx, question, filters)
	if err != nil {
		logger.FromContext(ctx, s.logger).Warn("answer_question failed", "error", err)
		return nil, AnswerQuestionOutput{}, fmt.Errorf("answer failed: %w", err)
	}

	out := AnswerQuestionOutput{
		Sources:  make([]SourceRef, 0, len(ans.Passages)),
		Degraded: ans.Degraded,
	}
	for _, p := range ans.Passages {
		out.Sources = append(out.Sources, SourceRef{
			N:          p.N,
			DocumentID: p.Provenance.DocumentID,
			ChunkID:    p.Provenance.ChunkID,
			Label:      agent.SourceLabel(p.Provenance),
			Excerpt:    excerpt(p.Text),
		})
	}
	if ans.GeneratedAnswer != nil {
		out.Answer = *ans.GeneratedAnswer
	}
	if ans.Degraded {
		out.Message = degradedMessage(ans.DegradedReason)
	}
	return nil, out, nil
}

// handleSuggestTreatment runs one agent session. A failed session is
// reported in the output rather than as a protocol error so the caller can
// see the steps that were taken.
func (s *Server) handleSuggestTreatment(ctx context.Context, _ *mcp.CallToolRequest, input SuggestTreatmentInput) (
	*mcp.CallToolResult, SuggestTreatmentOutput, error,
) {
	sess, err := s.cfg.Agent.Run(ctx, agent.Request{PatientID: input.PatientID, Question: input.Question})
	if sess == nil {
		if err == nil {
			err = errors.New("agent returned no session")
		}
		return nil, SuggestTreatmentOutput{}, err
	}

	out := SuggestTreatmentOutput{
		SessionID:     sess.ID,
		Status:        string(sess.Status),
		Steps:         sess.StepCount,
		FailureReason: sess.FailureReason,
		Caveats:       sess.Caveats,
	}
	if sess.Answer != nil {
		out.TreatmentSuggestion = sess.Answer.TreatmentSuggestion
		out.Plan = sess.Answer.Plan
		out.Citations = sess.Answer.Citations
		out.Caveats = sess.Answer.Caveats
	}
	if err != nil {
		logger.FromContext(ctx, s.logger).Warn("suggest_treatment failed",
			"session_id", sess.ID, "reason", sess.FailureReason)
	}
	return nil, out, nil
}

// handleSearchResearch ranks research passages without generation.
func (s *Server) handleSearchResearch(ctx context.Context, _ *mcp.CallToolRequest, input SearchResearchInput) (
	*mcp.CallToolResult, SearchResearchOutput, error,
) {
	text := strings.TrimSpace(input.Query)
	if text == "" {
		return nil, SearchResearchOutput{}, errors.New("query is required")
	}
	topK := input.MaxResults
	if topK <= 0 {
		topK = defaultResearchResults
	}
	if topK > maxResearchResults {
		topK = maxResearchResults
	}

	resp, err := s.cfg.Retriever.Retrieve(ctx, domain.Query{
		Text:    text,
		Filters: domain.Filters{Kind: domain.KindResearch},
		TopK:    topK,
	})
	if err != nil {
		return nil, SearchResearchOutput{}, fmt.Errorf("search failed: %w", err)
	}

	out := SearchResearchOutput{
		Results:     make([]ResearchHit, 0, len(resp.Results)),
		LexicalOnly: resp.LexicalOnly,
	}
	for _, r := range resp.Results {
		out.Results = append(out.Results, ResearchHit{
			PaperID:    r.Provenance.PaperID,
			DocumentID: r.Provenance.DocumentID,
			ChunkID:    r.Provenance.ChunkID,
			Section:    r.Chunk.Section,
			Text:       r.Chunk.Text,
			Score:      r.Score,
		})
	}
	switch {
	case len(out.Results) == 0:
		out.Message = "No matching research passages. Try different keywords."
	case out.LexicalOnly:
		out.Message = "Embedding service unavailable; results are keyword matches only."
	}
	return nil, out, nil
}

func (s *Server) handleIndexStatus(_ context.Context, _ *mcp.CallToolRequest, _ IndexStatusInput) (
	*mcp.CallToolResult, IndexStatusOutput, error,
) {
	out := IndexStatusOutput{ByKind: map[string]int{}, Quarantined: []string{}}
	if s.cfg.Index != nil {
		st := s.cfg.Index.Stats()
		out.Documents = st.Documents
		out.Chunks = st.Chunks
		out.Generation = st.Generation
		for k, n := range st.ByKind {
			out.ByKind[k] = n
		}
		if st.Quarantined != nil {
			out.Quarantined = st.Quarantined
		}
	}
	if s.cfg.Sync != nil {
		out.Ready = s.cfg.Sync.Ready()
		if last := s.cfg.Sync.Last(); last != nil {
			out.LastSync = last.Finished.UTC().Format(time.RFC3339)
			out.LastFailed = len(last.Failed)
		}
	}
	return nil, out, nil
}

func degradedMessage(reason string) string {
	switch reason {
	case query.ReasonNoPassages:
		return "No relevant passages were found in the index."
	case query.ReasonGenerationTimeout:
		return "Answer generation timed out; the sources are the closest matches."
	case query.ReasonGenerationDisabled:
		return "Answer generation is disabled; the sources are the closest matches."
	default:
		return "No answer could be generated; the sources are the closest matches."
	}
}

func excerpt(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= excerptChars {
		return text
	}
	r := []rune(text)
	return strings.TrimSpace(string(r[:excerptChars])) + "..."
}
