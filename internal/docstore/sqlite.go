package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/bull/clinical-rag-agent/internal/domain"
)

const catalogSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	source_path  TEXT NOT NULL,
	external_id  TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL,
	last_seen_at INTEGER NOT NULL
)`

// SQLiteCatalog persists the catalog so restarts only re-index what changed
// while the process was down.
type SQLiteCatalog struct {
	db   *sql.DB
	path string
}

// OpenSQLiteCatalog opens (and creates if needed) the catalog database at path.
func OpenSQLiteCatalog(path string) (*SQLiteCatalog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating catalog directory: %w", err)
		}
	}

	// WAL lets the status endpoint read while the pipeline commits.
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	if _, err := db.Exec(catalogSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating catalog schema: %w", err)
	}
	return &SQLiteCatalog{db: db, path: path}, nil
}

// Close closes the database connection.
func (c *SQLiteCatalog) Close() error {
	return c.db.Close()
}

// Ping is used by the readiness check.
func (c *SQLiteCatalog) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *SQLiteCatalog) Get(ctx context.Context, id string) (domain.Document, bool, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, kind, source_path, external_id, content_hash, last_seen_at FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Document{}, false, nil
	}
	if err != nil {
		return domain.Document{}, false, fmt.Errorf("getting document %s: %w", id, err)
	}
	return doc, true, nil
}

func (c *SQLiteCatalog) List(ctx context.Context) ([]domain.Document, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, kind, source_path, external_id, content_hash, last_seen_at FROM documents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var docs []domain.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (c *SQLiteCatalog) Put(ctx context.Context, doc domain.Document) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO documents (id, kind, source_path, external_id, content_hash, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			source_path = excluded.source_path,
			external_id = excluded.external_id,
			content_hash = excluded.content_hash,
			last_seen_at = excluded.last_seen_at`,
		doc.ID, string(doc.Kind), doc.SourcePath, doc.ExternalID, doc.ContentHash, doc.LastSeenAt.UnixNano())
	if err != nil {
		return fmt.Errorf("saving document %s: %w", doc.ID, err)
	}
	return nil
}

func (c *SQLiteCatalog) Delete(ctx context.Context, id string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting document %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (domain.Document, error) {
	var (
		doc      domain.Document
		kind     string
		lastSeen int64
	)
	if err := row.Scan(&doc.ID, &kind, &doc.SourcePath, &doc.ExternalID, &doc.ContentHash, &lastSeen); err != nil {
		return domain.Document{}, err
	}
	doc.Kind = domain.Kind(kind)
	doc.LastSeenAt = time.Unix(0, lastSeen).UTC()
	return doc, nil
}
