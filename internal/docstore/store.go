// Package docstore tracks the patient and research files on disk and turns
// differences against the committed catalog into change events.
package docstore

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"github.com/bull/clinical-rag-agent/internal/domain"
)

// Source is one indexed directory.
type Source struct {
	Kind domain.Kind
	Dir  string
}

// FileFailure is a file that could not be ingested during a scan.
type FileFailure struct {
	Path       string `json:"path"`
	DocumentID string `json:"document_id,omitempty"`
	Reason     string `json:"reason"`
	Err        error  `json:"-"`
}

// ScanResult is the outcome of one scan. It is shared between coalesced
// callers and must be treated as read-only.
type ScanResult struct {
	Events   []domain.ChangeEvent `json:"events"`
	Failures []FileFailure        `json:"failures,omitempty"`
	Scanned  int                  `json:"scanned"`
	Started  time.Time            `json:"started"`
	Finished time.Time            `json:"finished"`
}

// Store detects document changes. Scans never write to the catalog; the
// indexing pipeline commits an event only after the index applied it, so a
// failed upsert shows up again on the next scan.
type Store struct {
	sources    []Source
	extensions map[string]struct{}
	catalog    Catalog
	logger     *slog.Logger
	now        func() time.Time

	group singleflight.Group
}

// New creates a store over sources. An empty extension list accepts .txt and .md.
func New(sources []Source, extensions []string, catalog Catalog, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if len(extensions) == 0 {
		extensions = []string{".txt", ".md"}
	}
	exts := make(map[string]struct{}, len(extensions))
	for _, e := range extensions {
		exts[strings.ToLower(e)] = struct{}{}
	}
	return &Store{
		sources:    sources,
		extensions: exts,
		catalog:    catalog,
		logger:     logger.With("component", "docstore"),
		now:        time.Now,
	}
}

// Sources returns the configured sources.
func (s *Store) Sources() []Source {
	return s.sources
}

// Scan walks every source and reports added, modified and removed documents.
// Concurrent callers share a single in-flight scan, which runs detached from
// the caller that started it: a caller that gives up gets its context error
// while the others still get the result.
func (s *Store) Scan(ctx context.Context) (*ScanResult, error) {
	ch := s.group.DoChan("scan", func() (any, error) {
		return s.scan(context.WithoutCancel(ctx))
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			s.logger.Debug("joined in-flight scan")
		}
		return r.Val.(*ScanResult), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Store) scan(ctx context.Context) (*ScanResult, error) {
	res := &ScanResult{Started: s.now()}

	committed, err := s.catalog.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading catalog: %w", err)
	}
	known := make(map[string]domain.Document, len(committed))
	for _, doc := range committed {
		known[doc.ID] = doc
	}

	seen := make(map[string]struct{})
	incomplete := make(map[domain.Kind]bool)
	for _, src := range s.sources {
		if !s.scanSource(ctx, src, known, seen, res) {
			incomplete[src.Kind] = true
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	for _, doc := range committed {
		if _, ok := seen[doc.ID]; ok || incomplete[doc.Kind] {
			continue
		}
		res.Events = append(res.Events, domain.ChangeEvent{Op: domain.ChangeRemoved, Document: doc})
	}

	res.Finished = s.now()
	s.logger.Info("scan complete",
		"scanned", res.Scanned,
		"events", len(res.Events),
		"failures", len(res.Failures),
		"duration", res.Finished.Sub(res.Started))
	return res, nil
}

// scanSource reports whether the whole directory tree was listed. Removals
// for a kind with a partially listed source are suppressed.
func (s *Store) scanSource(ctx context.Context, src Source, known map[string]domain.Document, seen map[string]struct{}, res *ScanResult) bool {
	complete := true
	root, err := filepath.Abs(src.Dir)
	if err != nil {
		root = src.Dir
	}

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			complete = false
			s.fail(res, path, "", err)
			if d != nil && d.IsDir() && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !s.accepts(path) {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			s.fail(res, path, "", err)
			return nil
		}
		id := DocumentID(src.Kind, rel)
		if _, dup := seen[id]; dup {
			s.fail(res, path, id, fmt.Errorf("another file already maps to document id %s", id))
			return nil
		}
		seen[id] = struct{}{}
		res.Scanned++

		doc, err := s.load(src.Kind, id, path)
		if err != nil {
			// The previous version stays indexed until the file is readable again.
			s.fail(res, path, id, err)
			return nil
		}

		prev, ok := known[id]
		switch {
		case !ok:
			res.Events = append(res.Events, domain.ChangeEvent{Op: domain.ChangeAdded, Document: doc})
		case prev.ContentHash != doc.ContentHash:
			res.Events = append(res.Events, domain.ChangeEvent{Op: domain.ChangeModified, Document: doc})
		}
		return nil
	})
	if walkErr != nil {
		complete = false
		if !errors.Is(walkErr, context.Canceled) && !errors.Is(walkErr, context.DeadlineExceeded) {
			s.fail(res, root, "", walkErr)
		}
	}
	return complete
}

func (s *Store) accepts(path string) bool {
	_, ok := s.extensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

func (s *Store) load(kind domain.Kind, id, path string) (domain.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Document{}, err
	}
	if !utf8.Valid(data) {
		return domain.Document{}, errors.New("content is not valid UTF-8")
	}
	content := string(data)
	if strings.TrimSpace(content) == "" {
		return domain.Document{}, errors.New("document is empty")
	}
	return domain.Document{
		ID:          id,
		SourcePath:  path,
		Kind:        kind,
		ExternalID:  ExternalID(kind, path, content),
		ContentHash: ContentHash(data),
		LastSeenAt:  s.now().UTC(),
		Content:     content,
	}, nil
}

func (s *Store) fail(res *ScanResult, path, id string, err error) {
	wrapped := domain.Wrap(domain.ErrIngestion, "docstore.scan", path, err)
	res.Failures = append(res.Failures, FileFailure{Path: path, DocumentID: id, Reason: err.Error(), Err: wrapped})
	s.logger.Warn("skipping file", "path", path, "error", err)
}

// Commit records an applied event in the catalog.
func (s *Store) Commit(ctx context.Context, ev domain.ChangeEvent) error {
	if ev.Op == domain.ChangeRemoved {
		return s.catalog.Delete(ctx, ev.Document.ID)
	}
	return s.catalog.Put(ctx, ev.Document)
}

// Forget drops a catalog entry so the next scan reports the file as added.
func (s *Store) Forget(ctx context.Context, id string) error {
	return s.catalog.Delete(ctx, id)
}

// Documents lists committed documents sorted by id.
func (s *Store) Documents(ctx context.Context) ([]domain.Document, error) {
	docs, err := s.catalog.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

// Get returns a committed document.
func (s *Store) Get(ctx context.Context, id string) (domain.Document, error) {
	doc, ok, err := s.catalog.Get(ctx, id)
	if err != nil {
		return domain.Document{}, err
	}
	if !ok {
		return domain.Document{}, domain.Errorf(domain.ErrNotFound, "docstore.get", id, "document not in catalog")
	}
	return doc, nil
}

// DocumentID derives the stable id "<kind>/<relative path without extension>".
func DocumentID(kind domain.Kind, rel string) string {
	rel = filepath.ToSlash(rel)
	return string(kind) + "/" + strings.TrimSuffix(rel, filepath.Ext(rel))
}

// ContentHash is the hex SHA-256 of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

var externalIDPrefixes = map[domain.Kind]string{
	domain.KindResearch: "paper id:",
	domain.KindPatient:  "patient id:",
}

// ExternalID returns the "Paper ID:" or "Patient ID:" value from the head of
// content, falling back to the file stem.
func ExternalID(kind domain.Kind, path, content string) string {
	if prefix, ok := externalIDPrefixes[kind]; ok {
		sc := bufio.NewScanner(strings.NewReader(content))
		for i := 0; i < 20 && sc.Scan(); i++ {
			line := strings.TrimSpace(sc.Text())
			if len(line) > len(prefix) && strings.EqualFold(line[:len(prefix)], prefix) {
				if v := strings.TrimSpace(line[len(prefix):]); v != "" {
					return v
				}
			}
		}
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
