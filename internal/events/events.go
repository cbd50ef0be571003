// Package events publishes index change notifications to Kafka. Consumers
// use them to follow which documents were (re)indexed, removed or failed.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bull/clinical-rag-agent/internal/domain"
)

// Status values of an IndexEvent.
const (
	StatusApplied = "applied"
	StatusFailed  = "failed"
)

// IndexEvent describes the outcome of applying one change event.
type IndexEvent struct {
	Op          domain.ChangeOp `json:"op"`
	DocumentID  string          `json:"document_id"`
	Kind        domain.Kind     `json:"kind"`
	ExternalID  string          `json:"external_id,omitempty"`
	ContentHash string          `json:"content_hash,omitempty"`
	Version     uint64          `json:"version,omitempty"`
	Chunks      int             `json:"chunks"`
	Status      string          `json:"status"`
	Error       string          `json:"error,omitempty"`
	Generation  uint64          `json:"generation"`
	At          time.Time       `json:"at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes IndexEvents keyed by document id, so all events of
// one document land on the same partition in order.
type KafkaPublisher struct {
	writer messageWriter
	logger *slog.Logger
}

// NewKafkaPublisher creates a publisher for topic.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
		RequiredAcks: kafka.RequireAll,
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{
		writer: w,
		logger: logger.With("component", "kafka-publisher", "topic", topic),
	}
}

// Publish writes events in one call. An empty slice is a no-op.
func (p *KafkaPublisher) Publish(ctx context.Context, events []IndexEvent) error {
	if len(events) == 0 {
		return nil
	}
	messages := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshaling index event: %w", err)
		}
		messages = append(messages, kafka.Message{
			Key:   []byte(ev.DocumentID),
			Value: value,
			Time:  ev.At,
		})
	}
	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		p.logger.Error("failed to publish index events", "count", len(messages), "error", err)
		return fmt.Errorf("publishing index events: %w", err)
	}
	p.logger.Debug("index events published", "count", len(messages))
	return nil
}

// Close flushes pending writes.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
