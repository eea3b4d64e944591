// Package kafka moves event log records over Kafka: it converts records to
// messages, routes messages to per-partition workers and publishes records
// from the outbox.
package kafka

import (
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/event"
)

// HeaderPartitionKey carries the record partition key so the balancer can
// route by it while the message key stays the encoded event key.
const HeaderPartitionKey = "partition-key"

// ToMessage converts a record to a Kafka message for topic.
func ToMessage(topic string, record event.Record) kafka.Message {
	msg := kafka.Message{
		Topic: topic,
		Key:   record.Key,
		Value: record.Value,
	}
	if record.PartitionKey != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: HeaderPartitionKey, Value: []byte(record.PartitionKey)})
	}
	for _, name := range []string{event.HeaderEventName, event.HeaderTransactionID, event.HeaderEventAuthor, event.HeaderEventTime} {
		if value, ok := record.Headers[name]; ok {
			msg.Headers = append(msg.Headers, kafka.Header{Key: name, Value: []byte(value)})
		}
	}
	return msg
}

// FromMessage converts a Kafka message back to a record.
func FromMessage(msg kafka.Message) event.Record {
	record := event.Record{Key: msg.Key, Value: msg.Value}
	for _, header := range msg.Headers {
		if header.Key == HeaderPartitionKey {
			record.PartitionKey = string(header.Value)
			continue
		}
		if record.Headers == nil {
			record.Headers = make(map[string]string, len(msg.Headers))
		}
		record.Headers[header.Key] = string(header.Value)
	}
	return record
}

// Position identifies a message in the log. Redelivery yields the same value.
func Position(msg kafka.Message) string {
	return fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
}

func partitionOf(msg kafka.Message) string {
	return fmt.Sprintf("%s/%d", msg.Topic, msg.Partition)
}
