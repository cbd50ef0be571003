// Package domain holds the types shared by the indexing flow, the query
// service and the agent loop.
package domain

import (
	"encoding/json"
	"time"
)

// Kind is the logical content stream a document belongs to.
type Kind string

const (
	KindPatient  Kind = "patient"
	KindResearch Kind = "research"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k == KindPatient || k == KindResearch
}

// Document is one source file tracked by the document store.
type Document struct {
	ID          string    `json:"id"`          // "<kind>/<relative path without extension>"
	SourcePath  string    `json:"source_path"` // Absolute path on disk
	Kind        Kind      `json:"kind"`
	ExternalID  string    `json:"external_id,omitempty"` // Paper id or patient id
	ContentHash string    `json:"content_hash"`
	LastSeenAt  time.Time `json:"last_seen_at"`

	// Content is only populated on change events; catalogs never persist it.
	Content string `json:"-"`
}

// Offset is a byte range into the owning document's content.
type Offset struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Chunk is a contiguous span of a document, the unit of retrieval and citation.
type Chunk struct {
	ID          string         `json:"id"` // "<documentId>#<ordinal>"
	DocumentID  string         `json:"document_id"`
	Ordinal     int            `json:"ordinal"`
	Section     string         `json:"section,omitempty"`
	Text        string         `json:"text"`
	Offset      Offset         `json:"offset"`
	Fingerprint string         `json:"fingerprint"`
	Terms       map[string]int `json:"-"` // term -> frequency
	Length      int            `json:"-"` // token count
	Embedding   []float32      `json:"-"`
}

// ChangeOp is the kind of change detected for a document.
type ChangeOp string

const (
	ChangeAdded    ChangeOp = "added"
	ChangeModified ChangeOp = "modified"
	ChangeRemoved  ChangeOp = "removed"
)

// ChangeEvent is emitted by a scan for every document whose fingerprint moved.
type ChangeEvent struct {
	Op       ChangeOp
	Document Document
}

// Filters narrows a search. Zero values match everything.
type Filters struct {
	Kind        Kind     `json:"kind,omitempty"`
	DocumentIDs []string `json:"document_ids,omitempty"`
	ExternalIDs []string `json:"external_ids,omitempty"`
}

// Query is a retrieval request against the hybrid index.
type Query struct {
	Text    string  `json:"text"`
	Filters Filters `json:"filters"`
	TopK    int     `json:"top_k"`
}

// Provenance is the traceable origin of a retrieved passage.
type Provenance struct {
	DocumentID string `json:"document_id"`
	ChunkID    string `json:"chunk_id"`
	Kind       Kind   `json:"kind"`
	SourcePath string `json:"source_path"`
	PaperID    string `json:"paper_id,omitempty"`
	PatientID  string `json:"patient_id,omitempty"`
	Offset     Offset `json:"offset"`
}

// RankedResult is one fused search hit.
type RankedResult struct {
	Chunk        Chunk      `json:"chunk"`
	Score        float64    `json:"score"`
	LexicalScore float64    `json:"lexical_score"`
	VectorScore  float64    `json:"vector_score"`
	LexicalMatch bool       `json:"lexical_match"` // shares at least one query term
	LastSeenAt   time.Time  `json:"last_seen_at"`
	Provenance   Provenance `json:"provenance"`
}

// ToolStatus is the outcome of a single tool invocation.
type ToolStatus string

const (
	ToolOK     ToolStatus = "ok"
	ToolFailed ToolStatus = "failed"
)

// ToolResult is what every tool adapter returns, success or not.
type ToolResult struct {
	Status   ToolStatus      `json:"status"`
	Reason   string          `json:"reason,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Evidence []Provenance    `json:"evidence,omitempty"`
	Latency  time.Duration   `json:"latency"`
	Attempts int             `json:"attempts"`

	// Err keeps the classified error for in-process callers.
	Err error `json:"-"`
}

// OK reports whether the invocation succeeded.
func (r ToolResult) OK() bool {
	return r.Status == ToolOK
}

// IndexText is what gets embedded and tokenised: the section path, when
// present, followed by the chunk text.
func (c Chunk) IndexText() string {
	if c.Section == "" {
		return c.Text
	}
	return c.Section + "\n\n" + c.Text
}
