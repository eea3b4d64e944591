package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	platformerrors "github.com/louisbranch/readmodel/internal/platform/errors"
	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/key"
)

// Record header names.
const (
	HeaderTransactionID = "transaction-id"
	HeaderEventName     = "event-name"
	HeaderEventAuthor   = "event-author"
	HeaderEventTime     = "event-time"
)

// Record is the transport-neutral wire form of an envelope.
type Record struct {
	Key []byte `json:"key"`
	// Value is nil for tombstones.
	Value        []byte            `json:"value,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	PartitionKey string            `json:"partitionKey"`
}

type recordValue struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// Encode converts an envelope to its wire record.
func Encode(envelope Envelope) (Record, error) {
	if envelope.Key == nil {
		return Record{}, fmt.Errorf("envelope key is required")
	}
	keyBytes, err := key.Marshal(envelope.Key)
	if err != nil {
		return Record{}, fmt.Errorf("encode key: %w", err)
	}
	record := Record{
		Key:          keyBytes,
		Headers:      map[string]string{},
		PartitionKey: envelope.Key.PartitioningIdentifier().String(),
	}
	if envelope.Name != "" {
		record.Headers[HeaderEventName] = envelope.Name
	}
	if envelope.InTransaction() {
		record.Headers[HeaderTransactionID] = envelope.TransactionID.String()
	}
	if envelope.Author != "" {
		record.Headers[HeaderEventAuthor] = envelope.Author
	}
	if !envelope.Timestamp.IsZero() {
		record.Headers[HeaderEventTime] = envelope.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	if envelope.Payload == nil {
		return record, nil
	}
	if envelope.Name == "" {
		return Record{}, fmt.Errorf("event name is required for non-tombstone records")
	}
	payload, err := json.Marshal(envelope.Payload)
	if err != nil {
		return Record{}, fmt.Errorf("encode payload %s: %w", envelope.Name, err)
	}
	value, err := json.Marshal(recordValue{Name: envelope.Name, Payload: payload})
	if err != nil {
		return Record{}, fmt.Errorf("encode value %s: %w", envelope.Name, err)
	}
	record.Value = value
	return record, nil
}

// DecodeRecord converts a wire record to an envelope. Undecodable keys,
// values or headers fail with a SCHEMA_MISMATCH error.
func (r *Registry) DecodeRecord(record Record) (Envelope, error) {
	k, err := key.Unmarshal(record.Key)
	if err != nil {
		return Envelope{}, err
	}
	envelope := Envelope{
		Key:    k,
		Name:   record.Headers[HeaderEventName],
		Author: record.Headers[HeaderEventAuthor],
	}
	if raw := record.Headers[HeaderTransactionID]; raw != "" {
		transactionID, err := uuid.Parse(raw)
		if err != nil {
			return Envelope{}, platformerrors.Wrap(platformerrors.CodeSchemaMismatch, "parse transaction-id header", err)
		}
		envelope.TransactionID = &transactionID
	}
	if raw := record.Headers[HeaderEventTime]; raw != "" {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Envelope{}, platformerrors.Wrap(platformerrors.CodeSchemaMismatch, "parse event-time header", err)
		}
		envelope.Timestamp = at
	}
	if record.Value == nil {
		return envelope, nil
	}

	var value recordValue
	if err := json.Unmarshal(record.Value, &value); err != nil {
		return Envelope{}, platformerrors.Wrap(platformerrors.CodeSchemaMismatch, "decode record value", err)
	}
	if value.Name == "" {
		return Envelope{}, platformerrors.New(platformerrors.CodeSchemaMismatch, "record value without event name")
	}
	if envelope.Name != "" && envelope.Name != value.Name {
		return Envelope{}, platformerrors.WithMetadata(
			platformerrors.CodeSchemaMismatch,
			"event-name header disagrees with record value",
			map[string]string{"header": envelope.Name, "value": value.Name},
		)
	}
	envelope.Name = value.Name
	payload, err := r.Decode(Subject(k), value.Name, value.Payload)
	if err != nil {
		return Envelope{}, err
	}
	envelope.Payload = payload
	return envelope, nil
}
