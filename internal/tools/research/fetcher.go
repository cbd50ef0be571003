package research

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bull/clinical-rag-agent/internal/docstore"
	"github.com/bull/clinical-rag-agent/internal/domain"
	"github.com/bull/clinical-rag-agent/internal/index"
	"github.com/bull/clinical-rag-agent/internal/metrics"
)

// DefaultSubdir is where fetched papers land inside the research directory.
const DefaultSubdir = "fetched"

// PaperSearcher finds papers for a free-text query.
type PaperSearcher interface {
	Search(ctx context.Context, query string) ([]Paper, error)
}

// Awaiter is the index completion signal.
type Awaiter interface {
	Await(ctx context.Context, documentID, contentHash string) (index.Receipt, error)
}

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	// ResearchDir is the root of the research corpus.
	ResearchDir string
	Subdir      string
	// IndexWait bounds how long FetchConditions waits for new papers to be
	// searchable. Zero skips waiting.
	IndexWait time.Duration
}

// FetchedPaper is a paper written to the research corpus.
type FetchedPaper struct {
	PaperID     string `json:"paper_id"`
	Title       string `json:"title"`
	Condition   string `json:"condition"`
	DocumentID  string `json:"document_id"`
	ContentHash string `json:"-"`
	Path        string `json:"path"`
	Indexed     bool   `json:"indexed"`
}

// FetchResult summarises one fetch.
type FetchResult struct {
	Papers []FetchedPaper `json:"papers"`
	// Missing lists conditions for which no paper with an abstract was found.
	Missing []string `json:"missing,omitempty"`
}

// Fetcher writes Semantic Scholar papers into the research corpus and waits
// until the indexing flow has published them.
type Fetcher struct {
	search  PaperSearcher
	awaiter Awaiter
	trigger func()
	cfg     FetcherConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewFetcher creates a Fetcher. trigger asks the indexing flow for an early
// scan; awaiter may be nil when nobody needs to wait for the index.
func NewFetcher(search PaperSearcher, awaiter Awaiter, trigger func(), cfg FetcherConfig, m *metrics.Metrics, logger *slog.Logger) *Fetcher {
	if cfg.Subdir == "" {
		cfg.Subdir = DefaultSubdir
	}
	if trigger == nil {
		trigger = func() {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		search:  search,
		awaiter: awaiter,
		trigger: trigger,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "research-fetcher"),
	}
}

func (f *Fetcher) dir() string {
	return filepath.Join(f.cfg.ResearchDir, f.cfg.Subdir)
}

// FetchConditions searches papers for each unique condition, first with a
// treatment-focused query and then with the bare condition, writes every
// paper that has an abstract and waits for the index to publish them.
func (f *Fetcher) FetchConditions(ctx context.Context, conditions []string) (*FetchResult, error) {
	conditions = uniqueSorted(conditions)
	if len(conditions) == 0 {
		return &FetchResult{Papers: []FetchedPaper{}}, nil
	}
	if err := os.MkdirAll(f.dir(), 0o755); err != nil {
		return nil, fmt.Errorf("create research dir: %w", err)
	}

	res := &FetchResult{Papers: []FetchedPaper{}}
	seen := make(map[string]bool)
	var lastErr error
	for _, cond := range conditions {
		papers, err := f.searchCondition(ctx, cond)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			f.logger.Warn("paper search failed", "condition", cond, "error", err)
			lastErr = err
		}
		written := 0
		for _, p := range papers {
			if seen[p.PaperID] {
				written++
				continue
			}
			fp, err := f.write(cond, p)
			if err != nil {
				return nil, err
			}
			seen[p.PaperID] = true
			res.Papers = append(res.Papers, fp)
			written++
		}
		if written == 0 {
			res.Missing = append(res.Missing, cond)
		}
	}
	f.metrics.PapersFetched(len(res.Papers))

	if len(res.Papers) == 0 {
		if lastErr != nil {
			return res, lastErr
		}
		return res, nil
	}

	f.trigger()
	f.await(ctx, res.Papers)
	f.logger.Info("fetched research papers", "papers", len(res.Papers), "missing", len(res.Missing))
	return res, nil
}

func (f *Fetcher) searchCondition(ctx context.Context, cond string) ([]Paper, error) {
	papers, err := f.search.Search(ctx, "treatment and management of "+cond)
	if err == nil {
		if withAbstract := usable(papers); len(withAbstract) > 0 {
			return withAbstract, nil
		}
	}
	broad, broadErr := f.search.Search(ctx, cond)
	if broadErr != nil {
		if err != nil {
			return nil, err
		}
		return nil, broadErr
	}
	return usable(broad), nil
}

func usable(papers []Paper) []Paper {
	out := papers[:0:0]
	for _, p := range papers {
		if strings.TrimSpace(p.Abstract) != "" && safeID(p.PaperID) != "" {
			out = append(out, p)
		}
	}
	return out
}

// PaperText renders the corpus file of a paper. The "Paper ID:" header is
// what the document store reads the external id from.
func PaperText(p Paper) string {
	title := strings.TrimSpace(p.Title)
	if title == "" {
		title = "Untitled Paper"
	}
	return fmt.Sprintf("Paper ID: %s\nTitle: %s\n\nAbstract: %s\n", p.PaperID, title, strings.TrimSpace(p.Abstract))
}

func (f *Fetcher) write(cond string, p Paper) (FetchedPaper, error) {
	id := safeID(p.PaperID)
	rel := filepath.Join(f.cfg.Subdir, id+".txt")
	path := filepath.Join(f.cfg.ResearchDir, rel)
	content := []byte(PaperText(p))

	fp := FetchedPaper{
		PaperID:     p.PaperID,
		Title:       p.Title,
		Condition:   cond,
		DocumentID:  docstore.DocumentID(domain.KindResearch, rel),
		ContentHash: docstore.ContentHash(content),
		Path:        path,
	}

	// Unchanged papers are only touched so retention keeps them.
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, content) {
		now := time.Now()
		_ = os.Chtimes(path, now, now)
		return fp, nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fp, fmt.Errorf("write paper %s: %w", id, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fp, fmt.Errorf("publish paper %s: %w", id, err)
	}
	return fp, nil
}

func (f *Fetcher) await(ctx context.Context, papers []FetchedPaper) {
	if f.awaiter == nil || f.cfg.IndexWait <= 0 {
		return
	}
	waitCtx, cancel := context.WithTimeout(ctx, f.cfg.IndexWait)
	defer cancel()

	g, gctx := errgroup.WithContext(waitCtx)
	for i := range papers {
		p := &papers[i]
		g.Go(func() error {
			if _, err := f.awaiter.Await(gctx, p.DocumentID, p.ContentHash); err != nil {
				f.logger.Warn("paper not indexed in time", "document_id", p.DocumentID, "error", err)
				return nil
			}
			p.Indexed = true
			return nil
		})
	}
	_ = g.Wait()
}

// Prune removes fetched papers not refreshed within olderThan and asks for a
// scan so the index drops them too.
func (f *Fetcher) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(f.dir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("list fetched papers: %w", err)
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if e.IsDir() || filepath.Ext(e.Name()) != ".txt" {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(f.dir(), e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			f.logger.Warn("prune paper failed", "path", e.Name(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		f.logger.Info("pruned fetched papers", "removed", removed)
		f.trigger()
	}
	return removed, nil
}

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

func safeID(id string) string {
	id = unsafeIDChars.ReplaceAllString(strings.TrimSpace(id), "")
	if len(id) > 80 {
		id = id[:80]
	}
	return id
}

func uniqueSorted(items []string) []string {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			set[it] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for it := range set {
		out = append(out, it)
	}
	sort.Strings(out)
	return out
}
