// Package kafka implements a Kafka-backed publisher.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/crawlkit/orchestrator/internal/crawl"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes completion envelopes to a Kafka topic. Envelopes are
// keyed by job id so all messages for a job land on one partition.
type Publisher struct {
	writer messageWriter
	topic  string
}

// New creates a Publisher for the given brokers and topic.
func New(brokers []string, topic string) *Publisher {
	return &Publisher{
		topic: topic,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireAll,
		},
	}
}

// NewWithWriter builds a Publisher using a custom writer (tests).
func NewWithWriter(writer messageWriter, topic string) *Publisher {
	return &Publisher{writer: writer, topic: topic}
}

// Close shuts down the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Publish marshals the payload to JSON and writes one message. The topic
// argument is ignored; the writer is bound to its topic at construction.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := kafka.Message{
		Value: data,
		Time:  time.Now().UTC(),
	}
	if env, ok := payload.(crawl.PublishEnvelope); ok {
		msg.Key = []byte(env.JobID)
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("write message: %w", err)
	}
	return fmt.Sprintf("%s/%s", p.topic, msg.Key), nil
}

var _ crawl.Publisher = (*Publisher)(nil)
