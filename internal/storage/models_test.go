package storage

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/clinical-rag-agent/internal/domain"
)

func TestPointID_StableAndDistinct(t *testing.T) {
	a := PointID("research/112345#0")
	assert.Equal(t, a, PointID("research/112345#0"))
	assert.NotEqual(t, a, PointID("research/112345#1"))

	_, err := uuid.Parse(a)
	require.NoError(t, err)
}

func TestChunkPoint_Payload(t *testing.T) {
	doc := domain.Document{
		ID:          "research/112345",
		Kind:        domain.KindResearch,
		ExternalID:  "112345",
		SourcePath:  "data/research/112345.txt",
		ContentHash: "abc",
	}
	ch := domain.Chunk{
		ID:         "research/112345#0",
		DocumentID: doc.ID,
		Text:       "Acute viral pharyngitis",
		Offset:     domain.Offset{Start: 0, End: 23},
		Embedding:  []float32{0.1, 0.2},
	}

	p := chunkPoint(doc, ch)
	assert.Equal(t, PointID(ch.ID), p.GetId().GetUuid())

	got := scoredFromPayload(p.GetPayload(), 0.5)
	assert.Equal(t, ScoredChunk{
		ChunkID:    ch.ID,
		DocumentID: doc.ID,
		Kind:       domain.KindResearch,
		ExternalID: "112345",
		Text:       "Acute viral pharyngitis",
		Score:      0.5,
	}, got)
	assert.Equal(t, int64(23), p.GetPayload()["offset_end"].GetIntegerValue())
}
