package guidelines

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/go-github/v81/github"
)

const manifestName = ".manifest.json"

// Config locates the upstream guideline directory and the local mirror.
type Config struct {
	Owner   string
	Repo    string
	Path    string
	Branch  string
	DestDir string
}

// FailedDoc records a guideline that could not be mirrored.
type FailedDoc struct {
	Path   string
	Reason string
}

// Result summarises one sync.
type Result struct {
	CommitSHA  string
	Total      int
	Written    []string
	Unchanged  int
	Removed    []string
	FailedDocs []FailedDoc
	Duration   time.Duration
}

// Changed reports whether the local mirror was modified.
func (r *Result) Changed() bool {
	return len(r.Written) > 0 || len(r.Removed) > 0
}

type remoteDoc struct {
	Path string
	SHA  string
}

// Syncer mirrors upstream markdown files by blob SHA, so unchanged files are
// neither downloaded nor rewritten.
type Syncer struct {
	client  *Client
	cfg     Config
	trigger func()
	logger  *slog.Logger
}

// NewSyncer creates a syncer. trigger, when set, is called after a sync that
// changed the mirror so the document store rescans.
func NewSyncer(client *Client, cfg Config, trigger func(), logger *slog.Logger) (*Syncer, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, errors.New("guidelines: owner and repo are required")
	}
	if cfg.DestDir == "" {
		return nil, errors.New("guidelines: destination directory is required")
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	cfg.Path = strings.Trim(cfg.Path, "/")
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{client: client, cfg: cfg, trigger: trigger, logger: logger.With("component", "guidelines")}, nil
}

// Sync brings the mirror up to date with the branch head.
func (s *Syncer) Sync(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{}

	sha, err := s.latestCommitSHA(ctx)
	if err != nil {
		return nil, err
	}
	res.CommitSHA = sha

	docs, err := s.listDocs(ctx, s.cfg.Path, "")
	if err != nil {
		return nil, err
	}
	res.Total = len(docs)
	s.logger.Info("listed guidelines", "count", len(docs), "commit", sha)

	if err := os.MkdirAll(s.cfg.DestDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", s.cfg.DestDir, err)
	}
	manifest, err := s.loadManifest()
	if err != nil {
		return nil, err
	}

	next := make(map[string]string, len(docs))
	for _, d := range docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		local := filepath.Join(s.cfg.DestDir, filepath.FromSlash(d.Path))
		if manifest[d.Path] == d.SHA && fileExists(local) {
			next[d.Path] = d.SHA
			res.Unchanged++
			continue
		}
		content, err := s.fetchDoc(ctx, d.Path)
		if err != nil {
			s.logger.Warn("guideline fetch failed", "path", d.Path, "error", err)
			res.FailedDocs = append(res.FailedDocs, FailedDoc{Path: d.Path, Reason: err.Error()})
			if old, ok := manifest[d.Path]; ok {
				next[d.Path] = old
			}
			continue
		}
		if err := writeAtomic(local, content); err != nil {
			res.FailedDocs = append(res.FailedDocs, FailedDoc{Path: d.Path, Reason: err.Error()})
			continue
		}
		next[d.Path] = d.SHA
		res.Written = append(res.Written, d.Path)
	}

	for p := range manifest {
		if _, ok := next[p]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(s.cfg.DestDir, filepath.FromSlash(p))); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("removing stale guideline failed", "path", p, "error", err)
			next[p] = manifest[p]
			continue
		}
		res.Removed = append(res.Removed, p)
	}
	sort.Strings(res.Removed)

	if err := s.saveManifest(next); err != nil {
		return nil, err
	}
	res.Duration = time.Since(start)
	s.logger.Info("guidelines synced",
		"written", len(res.Written),
		"unchanged", res.Unchanged,
		"removed", len(res.Removed),
		"failed", len(res.FailedDocs),
		"duration", res.Duration,
	)
	if res.Changed() && s.trigger != nil {
		s.trigger()
	}
	return res, nil
}

func (s *Syncer) latestCommitSHA(ctx context.Context) (string, error) {
	commits, _, err := s.client.Repositories.ListCommits(ctx, s.cfg.Owner, s.cfg.Repo, &github.CommitsListOptions{
		SHA:         s.cfg.Branch,
		Path:        s.cfg.Path,
		ListOptions: github.ListOptions{PerPage: 1},
	})
	if err != nil {
		return "", fmt.Errorf("failed to get latest commit: %w", err)
	}
	if len(commits) == 0 || commits[0].SHA == nil {
		return "", fmt.Errorf("no commits found for path %s", s.cfg.Path)
	}
	return commits[0].GetSHA(), nil
}

// listDocs recursively lists markdown files with their blob SHAs.
func (s *Syncer) listDocs(ctx context.Context, fullPath, relativePath string) ([]remoteDoc, error) {
	_, dir, _, err := s.client.Repositories.GetContents(ctx, s.cfg.Owner, s.cfg.Repo, fullPath,
		&github.RepositoryContentGetOptions{Ref: s.cfg.Branch})
	if err != nil {
		return nil, fmt.Errorf("failed to get contents of %s: %w", fullPath, err)
	}

	var docs []remoteDoc
	for _, item := range dir {
		name := item.GetName()
		if name == "" || !safeName(name) {
			continue
		}
		rel := path.Join(relativePath, name)
		switch item.GetType() {
		case "file":
			if strings.HasSuffix(name, ".md") {
				docs = append(docs, remoteDoc{Path: rel, SHA: item.GetSHA()})
			}
		case "dir":
			sub, err := s.listDocs(ctx, path.Join(fullPath, name), rel)
			if err != nil {
				return nil, err
			}
			docs = append(docs, sub...)
		}
	}
	return docs, nil
}

func (s *Syncer) fetchDoc(ctx context.Context, relativePath string) (string, error) {
	fullPath := path.Join(s.cfg.Path, relativePath)
	file, _, _, err := s.client.Repositories.GetContents(ctx, s.cfg.Owner, s.cfg.Repo, fullPath,
		&github.RepositoryContentGetOptions{Ref: s.cfg.Branch})
	if err != nil {
		return "", fmt.Errorf("failed to get content of %s: %w", fullPath, err)
	}
	if file == nil {
		return "", fmt.Errorf("no file content returned for %s", fullPath)
	}
	content, err := file.GetContent()
	if err != nil {
		return "", fmt.Errorf("failed to decode content of %s: %w", fullPath, err)
	}
	return content, nil
}

func (s *Syncer) loadManifest() (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(s.cfg.DestDir, manifestName))
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading guideline manifest: %w", err)
	}
	m := map[string]string{}
	if err := json.Unmarshal(data, &m); err != nil {
		s.logger.Warn("discarding corrupt guideline manifest", "error", err)
		return map[string]string{}, nil
	}
	return m, nil
}

func (s *Syncer) saveManifest(m map[string]string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(s.cfg.DestDir, manifestName), string(data))
}

func safeName(name string) bool {
	return name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func writeAtomic(p, content string) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), p)
}
