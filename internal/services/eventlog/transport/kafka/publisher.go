package kafka

import (
	"context"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"

	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/event"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes records to one topic.
type Publisher struct {
	writer MessageWriter
	topic  string
}

// NewWriter builds a writer that waits for all in-sync replicas and routes by
// partition key.
func NewWriter(brokers []string) (*kafka.Writer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka writer requires at least one broker")
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &PartitionKeyBalancer{},
		AllowAutoTopicCreation: false,
	}, nil
}

// NewPublisher creates a publisher over writer.
func NewPublisher(writer MessageWriter, topic string) (*Publisher, error) {
	if writer == nil {
		return nil, fmt.Errorf("kafka writer is required")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	return &Publisher{writer: writer, topic: topic}, nil
}

// Publish writes records in order. It returns after the broker acknowledged
// every record.
func (p *Publisher) Publish(ctx context.Context, records ...event.Record) error {
	if len(records) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(records))
	for _, record := range records {
		msgs = append(msgs, ToMessage(p.topic, record))
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d records to %s: %w", len(records), p.topic, err)
	}
	return nil
}

// Close closes the underlying writer.
func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
