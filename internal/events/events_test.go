package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/clinical-rag-agent/internal/domain"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublish_KeysByDocument(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, logger: slog.Default()}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	err := p.Publish(context.Background(), []IndexEvent{
		{Op: domain.ChangeAdded, DocumentID: "research/112345", Kind: domain.KindResearch, Version: 1, Chunks: 2, Status: StatusApplied, At: at},
		{Op: domain.ChangeRemoved, DocumentID: "patient/jane", Kind: domain.KindPatient, Status: StatusApplied, At: at},
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "research/112345", string(w.msgs[0].Key))
	assert.Equal(t, at, w.msgs[0].Time)

	var decoded IndexEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, domain.ChangeAdded, decoded.Op)
	assert.Equal(t, uint64(1), decoded.Version)
	assert.Equal(t, 2, decoded.Chunks)
}

func TestPublish_EmptyAndErrors(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, logger: slog.Default()}

	require.NoError(t, p.Publish(context.Background(), nil))
	assert.Empty(t, w.msgs)

	w.err = errors.New("broker down")
	err := p.Publish(context.Background(), []IndexEvent{{DocumentID: "research/x"}})
	assert.ErrorContains(t, err, "broker down")

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}
