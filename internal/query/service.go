// Package query answers clinical questions: hybrid retrieval, a budgeted
// context window and cited generation, degrading to ranked passages when the
// language model is unavailable.
package query

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bull/clinical-rag-agent/internal/domain"
	"github.com/bull/clinical-rag-agent/internal/index"
	"github.com/bull/clinical-rag-agent/internal/logger"
	"github.com/bull/clinical-rag-agent/internal/metrics"
)

// Searcher is the read side of the hybrid index.
type Searcher interface {
	Search(ctx context.Context, q domain.Query) (*index.SearchResponse, error)
	Generation() uint64
}

// Generator produces text from a system and user prompt.
type Generator interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Degraded reasons.
const (
	ReasonGenerationFailed   = "generation_failed"
	ReasonGenerationTimeout  = "generation_timeout"
	ReasonGenerationDisabled = "generation_disabled"
	ReasonNoPassages         = "no_passages"
)

// Answer is the question-answering response.
type Answer struct {
	Question        string                `json:"question"`
	Results         []domain.RankedResult `json:"ranked_results"`
	Passages        []Passage             `json:"passages"`
	GeneratedAnswer *string               `json:"generated_answer"`
	Degraded        bool                  `json:"degraded"`
	DegradedReason  string                `json:"degraded_reason,omitempty"`
	LexicalOnly     bool                  `json:"lexical_only,omitempty"`
	Generation      uint64                `json:"index_generation"`
	Cached          bool                  `json:"cached,omitempty"`
}

// Citations returns the provenance of the passages given to the model.
func (a *Answer) Citations() []domain.Provenance {
	out := make([]domain.Provenance, 0, len(a.Passages))
	for _, p := range a.Passages {
		out = append(out, p.Provenance)
	}
	return out
}

// Config configures the Service.
type Config struct {
	TopK               int
	ContextBudgetChars int
	GenerationTimeout  time.Duration
}

// Service is safe for concurrent use.
type Service struct {
	searcher  Searcher
	generator Generator
	cache     Cache
	cfg       Config
	metrics   *metrics.Metrics
	logger    *slog.Logger

	group singleflight.Group
}

// Option configures a Service.
type Option func(*Service)

// WithCache caches non-degraded answers.
func WithCache(c Cache) Option {
	return func(s *Service) { s.cache = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a query service. A nil generator always answers in
// degraded mode.
func NewService(searcher Searcher, generator Generator, cfg Config, opts ...Option) *Service {
	if cfg.TopK <= 0 {
		cfg.TopK = index.DefaultTopK
	}
	if cfg.ContextBudgetChars <= 0 {
		cfg.ContextBudgetChars = DefaultContextBudget
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 60 * time.Second
	}
	s := &Service{
		searcher:  searcher,
		generator: generator,
		cfg:       cfg,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "query")
	return s
}

// Retrieve runs a hybrid search without generation.
func (s *Service) Retrieve(ctx context.Context, q domain.Query) (*index.SearchResponse, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, domain.Errorf(domain.ErrInvalidInput, "query.retrieve", "", "question text is empty")
	}
	if q.TopK <= 0 {
		q.TopK = s.cfg.TopK
	}
	return s.searcher.Search(ctx, q)
}

// AnswerQuery retrieves passages and asks the model for a cited answer.
// Generation failures never fail the call; they yield a degraded answer
// carrying the ranked passages.
func (s *Service) AnswerQuery(ctx context.Context, text string, filters domain.Filters) (*Answer, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.Errorf(domain.ErrInvalidInput, "query.answer", "", "question text is empty")
	}
	if s.cache == nil {
		return s.answer(ctx, text, filters)
	}

	key := cacheKey(s.searcher.Generation(), text, filters, s.cfg.TopK)
	if cached, ok := s.cacheGet(ctx, key); ok {
		return cached, nil
	}

	// The shared work is detached from the first caller, so one caller
	// leaving never fails the others waiting on the same question.
	ch := s.group.DoChan(key, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.sharedTimeout())
		defer cancel()
		if cached, ok := s.cacheGet(shared, key); ok {
			return cached, nil
		}
		answer, err := s.answer(shared, text, filters)
		if err != nil {
			return nil, err
		}
		if !answer.Degraded {
			if err := s.cache.Set(shared, key, answer); err != nil {
				s.logger.Warn("answer cache set failed", "error", err)
			}
		}
		return answer, nil
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		// Shared callers get their own copy of the top-level struct.
		answer := *r.Val.(*Answer)
		return &answer, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, domain.Wrap(domain.ErrTimeout, "query.answer", "", ctx.Err())
		}
		return nil, domain.Wrap(domain.ErrCancelled, "query.answer", "", ctx.Err())
	}
}

// sharedTimeout bounds coalesced work that no single caller owns.
func (s *Service) sharedTimeout() time.Duration {
	return 2 * s.cfg.GenerationTimeout
}

func (s *Service) cacheGet(ctx context.Context, key string) (*Answer, bool) {
	answer, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("answer cache get failed", "error", err)
	}
	s.metrics.CacheLookup(ok)
	if !ok {
		return nil, false
	}
	answer.Cached = true
	return answer, true
}

func (s *Service) answer(ctx context.Context, text string, filters domain.Filters) (*Answer, error) {
	log := logger.FromContext(ctx, s.logger)

	resp, err := s.searcher.Search(ctx, domain.Query{Text: text, Filters: filters, TopK: s.cfg.TopK})
	if err != nil {
		return nil, err
	}

	answer := &Answer{
		Question:    text,
		Results:     resp.Results,
		LexicalOnly: resp.LexicalOnly,
		Generation:  resp.Generation,
	}
	answer.Passages = BuildContext(resp.Results, s.cfg.ContextBudgetChars)

	switch {
	case len(answer.Passages) == 0:
		answer.Degraded, answer.DegradedReason = true, ReasonNoPassages
		return answer, nil
	case s.generator == nil:
		answer.Degraded, answer.DegradedReason = true, ReasonGenerationDisabled
		return answer, nil
	}

	genCtx, cancel := context.WithTimeout(ctx, s.cfg.GenerationTimeout)
	defer cancel()

	generated, err := s.generator.Complete(genCtx, systemPrompt, AnswerPrompt(text, answer.Passages))
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, domain.Wrap(domain.ErrCancelled, "query.answer", "", ctx.Err())
		}
		answer.Degraded = true
		answer.DegradedReason = ReasonGenerationFailed
		if domain.IsTimeout(err) || errors.Is(genCtx.Err(), context.DeadlineExceeded) {
			answer.DegradedReason = ReasonGenerationTimeout
		}
		log.Warn("generation failed, returning ranked passages", "error", err, "reason", answer.DegradedReason)
		return answer, nil
	}

	answer.GeneratedAnswer = &generated
	return answer, nil
}
