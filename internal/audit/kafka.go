package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"agent-gateway/backend/internal/audit/domain"
)

// Producer publishes audit events to a Kafka topic so downstream SIEM
// pipelines can consume them independently of the relational store.
type Producer struct {
	writer *kafka.Writer
}

// NewProducer creates a Kafka producer for the given topic. Returns nil when
// brokers or topic are unset; a nil Producer drops events silently.
func NewProducer(brokers []string, topic string) *Producer {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	return &Producer{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
	}}
}

// Emit serializes the event as JSON and writes it to the topic. A short write
// timeout keeps a slow broker from blocking callers indefinitely.
func (p *Producer) Emit(ctx context.Context, e *domain.Event) error {
	if p == nil || p.writer == nil || e == nil {
		return nil
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(e.Subject),
		Value: payload,
	})
}

// Close closes the Kafka writer. Safe to call on nil.
func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
