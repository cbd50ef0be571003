// Package chunker splits documents into overlapping, deterministic spans
// that serve as the unit of retrieval and citation.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/yuin/goldmark"

	"github.com/bull/clinical-rag-agent/internal/domain"
	"github.com/bull/clinical-rag-agent/internal/tokenizer"
)

const (
	DefaultSize    = 1000
	DefaultOverlap = 200
)

// Config sizes chunks in runes.
type Config struct {
	Size    int
	Overlap int
}

// Chunker is safe for concurrent use.
type Chunker struct {
	cfg Config
	md  goldmark.Markdown
}

// New creates a chunker. Zero values fall back to the defaults and an
// overlap that is not smaller than the size is clamped.
func New(cfg Config) *Chunker {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 0
	}
	if cfg.Overlap >= cfg.Size {
		cfg.Overlap = cfg.Size / 5
	}
	return &Chunker{cfg: cfg, md: newMarkdown()}
}

// Chunk splits doc.Content. The result depends only on the content, the
// source extension and the configuration.
func (c *Chunker) Chunk(doc domain.Document) ([]domain.Chunk, error) {
	content := doc.Content
	if !utf8.ValidString(content) {
		return nil, domain.Errorf(domain.ErrIngestion, "chunk", doc.ID, "content is not valid UTF-8")
	}

	sections := []section{{Start: 0, End: len(content)}}
	if strings.EqualFold(filepath.Ext(doc.SourcePath), ".md") {
		var err error
		sections, err = markdownSections(c.md, []byte(content))
		if err != nil {
			return nil, domain.Wrap(domain.ErrIngestion, "chunk", doc.ID, err)
		}
	}

	var chunks []domain.Chunk
	for _, sec := range sections {
		for _, sp := range c.windows(content, sec.Start, sec.End) {
			ch := domain.Chunk{
				ID:         fmt.Sprintf("%s#%d", doc.ID, len(chunks)),
				DocumentID: doc.ID,
				Ordinal:    len(chunks),
				Section:    sec.HeaderPath,
				Text:       content[sp.start:sp.end],
				Offset:     domain.Offset{Start: sp.start, End: sp.end},
			}
			indexText := ch.IndexText()
			ch.Fingerprint = Fingerprint(indexText)
			ch.Terms, ch.Length = tokenizer.Terms(indexText)
			chunks = append(chunks, ch)
		}
	}
	return chunks, nil
}

// Fingerprint is the hex SHA-256 of text.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

type span struct{ start, end int }

// windows cuts s[from:to] into spans of at most Size runes. A span prefers to
// end on whitespace inside its final fifth; the next span starts Overlap runes
// before the previous end, moved forward to a word boundary when one is near.
// Spans never begin or end with whitespace.
func (c *Chunker) windows(s string, from, to int) []span {
	var spans []span
	pos := from
	for {
		pos = skipSpace(s, pos, to)
		if pos >= to {
			return spans
		}

		end := advance(s, pos, to, c.cfg.Size)
		if end < to {
			minCut := advance(s, pos, to, c.cfg.Size-c.cfg.Size/5)
			if i := strings.LastIndexFunc(s[minCut:end], unicode.IsSpace); i >= 0 {
				end = minCut + i
			}
		}

		stop := trimRight(s, pos, end)
		spans = append(spans, span{start: pos, end: stop})
		if end >= to {
			return spans
		}

		next := retreat(s, end, pos, c.cfg.Overlap)
		if next > pos && next < end {
			r, _ := utf8.DecodeLastRuneInString(s[:next])
			if !unicode.IsSpace(r) {
				if i := strings.IndexFunc(s[next:end], unicode.IsSpace); i >= 0 {
					next += i
				}
			}
		}
		if next <= pos {
			next = end
		}
		pos = next
	}
}

// advance returns the byte index n runes after pos, capped at limit.
func advance(s string, pos, limit, n int) int {
	for i := 0; i < n && pos < limit; i++ {
		_, size := utf8.DecodeRuneInString(s[pos:limit])
		pos += size
	}
	return pos
}

// retreat returns the byte index n runes before pos, floored at floor.
func retreat(s string, pos, floor, n int) int {
	for i := 0; i < n && pos > floor; i++ {
		_, size := utf8.DecodeLastRuneInString(s[floor:pos])
		pos -= size
	}
	return pos
}

func skipSpace(s string, pos, limit int) int {
	for pos < limit {
		r, size := utf8.DecodeRuneInString(s[pos:limit])
		if !unicode.IsSpace(r) {
			break
		}
		pos += size
	}
	return pos
}

func trimRight(s string, floor, end int) int {
	for end > floor {
		r, size := utf8.DecodeLastRuneInString(s[floor:end])
		if !unicode.IsSpace(r) {
			break
		}
		end -= size
	}
	return end
}
