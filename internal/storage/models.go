package storage

import (
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/bull/clinical-rag-agent/internal/domain"
)

// DefaultCollection holds chunk vectors for both corpora.
const DefaultCollection = "clinical_chunks"

// DefaultDimension is the embedding size for text-embedding-3-small.
const DefaultDimension = 1536

const vectorName = "content"

// pointNamespace derives stable point ids from chunk ids, so replacing a
// document overwrites the same points.
var pointNamespace = uuid.MustParse("5f0c8f6e-9a43-4b57-9a3b-2f0a4c1d7e21")

// PointID returns the Qdrant point id of a chunk.
func PointID(chunkID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(chunkID)).String()
}

// ScoredChunk is a mirror search hit.
type ScoredChunk struct {
	ChunkID    string
	DocumentID string
	Kind       domain.Kind
	ExternalID string
	Section    string
	Text       string
	Score      float64
}

func chunkPoint(doc domain.Document, ch domain.Chunk) *qdrant.PointStruct {
	return &qdrant.PointStruct{
		Id: qdrant.NewIDUUID(PointID(ch.ID)),
		Vectors: qdrant.NewVectorsMap(map[string]*qdrant.Vector{
			vectorName: qdrant.NewVector(ch.Embedding...),
		}),
		Payload: qdrant.NewValueMap(map[string]any{
			"chunk_id":     ch.ID,
			"document_id":  doc.ID,
			"kind":         string(doc.Kind),
			"external_id":  doc.ExternalID,
			"source_path":  doc.SourcePath,
			"content_hash": doc.ContentHash,
			"section":      ch.Section,
			"text":         ch.Text,
			"offset_start": ch.Offset.Start,
			"offset_end":   ch.Offset.End,
		}),
	}
}

func scoredFromPayload(payload map[string]*qdrant.Value, score float32) ScoredChunk {
	return ScoredChunk{
		ChunkID:    payload["chunk_id"].GetStringValue(),
		DocumentID: payload["document_id"].GetStringValue(),
		Kind:       domain.Kind(payload["kind"].GetStringValue()),
		ExternalID: payload["external_id"].GetStringValue(),
		Section:    payload["section"].GetStringValue(),
		Text:       payload["text"].GetStringValue(),
		Score:      float64(score),
	}
}
