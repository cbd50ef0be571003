package research

import (
	"context"

	"github.com/bull/clinical-rag-agent/internal/domain"
	"github.com/bull/clinical-rag-agent/internal/index"
	"github.com/bull/clinical-rag-agent/internal/tokenizer"
	"github.com/bull/clinical-rag-agent/internal/tools"
)

// Retriever is the retrieval half of the query service.
type Retriever interface {
	Retrieve(ctx context.Context, q domain.Query) (*index.SearchResponse, error)
}

// Hit is a research passage in the tool payload.
type Hit struct {
	PaperID    string  `json:"paper_id,omitempty"`
	DocumentID string  `json:"document_id"`
	ChunkID    string  `json:"chunk_id"`
	Section    string  `json:"section,omitempty"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

// Payload is the search_medical_research result.
type Payload struct {
	Query        string `json:"query"`
	Hits         []Hit  `json:"hits"`
	Fetched      int    `json:"fetched"`
	Insufficient bool   `json:"insufficient"`
	LexicalOnly  bool   `json:"lexical_only,omitempty"`
}

// ToolConfig configures the research tool.
type ToolConfig struct {
	TopK int
	// MinResults is the number of hits sharing a query term below which the
	// corpus counts as an insufficient match.
	MinResults int
}

// Tool is search_medical_research.
type Tool struct {
	retriever Retriever
	fetcher   *Fetcher
	guard     *tools.Guard
	cfg       ToolConfig
}

// NewTool creates the tool. A nil fetcher disables fetching on a miss.
func NewTool(retriever Retriever, fetcher *Fetcher, guard *tools.Guard, cfg ToolConfig) *Tool {
	if cfg.TopK <= 0 {
		cfg.TopK = index.DefaultTopK
	}
	if cfg.MinResults <= 0 {
		cfg.MinResults = 1
	}
	return &Tool{retriever: retriever, fetcher: fetcher, guard: guard, cfg: cfg}
}

func (t *Tool) Name() string { return tools.SearchResearch }

// Invoke searches the research corpus. Only hits that share a term with the
// query count as evidence, since vector search always returns the nearest
// chunks however unrelated. The match is insufficient with fewer than
// MinResults such hits, or when conditions were given and no hit mentions
// any of them. An insufficient match with conditions fetches papers for them
// and repeats the search once they are indexed.
func (t *Tool) Invoke(ctx context.Context, in tools.ResearchInput) domain.ToolResult {
	if err := in.Validate(); err != nil {
		return tools.Failed(t.Name(), domain.Wrap(domain.ErrInvalidInput, "research.invoke", "", err))
	}
	return t.guard.Run(ctx, t.Name(), func(ctx context.Context) (tools.Output, error) {
		resp, err := t.retrieve(ctx, in.Query)
		if err != nil {
			return tools.Output{}, err
		}
		hits := relevant(resp.Results)
		sufficient := t.sufficient(hits, in.Conditions)

		fetched := 0
		if !sufficient && t.fetcher != nil && len(in.Conditions) > 0 {
			fr, err := t.fetcher.FetchConditions(ctx, in.Conditions)
			if err != nil && ctx.Err() != nil {
				return tools.Output{}, err
			}
			if fr != nil {
				fetched = len(fr.Papers)
			}
			if fetched > 0 {
				if resp, err = t.retrieve(ctx, in.Query); err != nil {
					return tools.Output{}, err
				}
				hits = relevant(resp.Results)
				sufficient = t.sufficient(hits, in.Conditions)
			}
		}

		payload := Payload{
			Query:        in.Query,
			Hits:         make([]Hit, 0, len(hits)),
			Fetched:      fetched,
			Insufficient: !sufficient,
			LexicalOnly:  resp.LexicalOnly,
		}
		evidence := make([]domain.Provenance, 0, len(hits))
		for _, r := range hits {
			payload.Hits = append(payload.Hits, Hit{
				PaperID:    r.Provenance.PaperID,
				DocumentID: r.Provenance.DocumentID,
				ChunkID:    r.Provenance.ChunkID,
				Section:    r.Chunk.Section,
				Text:       r.Chunk.Text,
				Score:      r.Score,
			})
			evidence = append(evidence, r.Provenance)
		}
		return tools.Output{Payload: payload, Evidence: evidence}, nil
	})
}

func (t *Tool) sufficient(hits []domain.RankedResult, conditions []string) bool {
	if len(hits) < t.cfg.MinResults {
		return false
	}
	return len(conditions) == 0 || mentionsAny(hits, conditions)
}

// relevant keeps the hits found by the lexical side of the search.
func relevant(results []domain.RankedResult) []domain.RankedResult {
	out := make([]domain.RankedResult, 0, len(results))
	for _, r := range results {
		if r.LexicalMatch {
			out = append(out, r)
		}
	}
	return out
}

// mentionsAny reports whether some hit contains at least half of the terms
// of some condition, rounded up.
func mentionsAny(hits []domain.RankedResult, conditions []string) bool {
	for _, r := range hits {
		terms, _ := tokenizer.Terms(r.Chunk.Text)
		for _, c := range conditions {
			want := tokenizer.Unique(c)
			if len(want) == 0 {
				continue
			}
			found := 0
			for _, term := range want {
				if terms[term] > 0 {
					found++
				}
			}
			if 2*found >= len(want) && found > 0 {
				return true
			}
		}
	}
	return false
}

func (t *Tool) retrieve(ctx context.Context, text string) (*index.SearchResponse, error) {
	return t.retriever.Retrieve(ctx, domain.Query{
		Text:    text,
		Filters: domain.Filters{Kind: domain.KindResearch},
		TopK:    t.cfg.TopK,
	})
}
