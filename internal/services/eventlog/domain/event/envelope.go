// Package event defines the log envelope, its wire record and the registry of
// known payload variants.
package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/key"
)

// Envelope is one decoded log record.
type Envelope struct {
	Key  key.EventMessageKey
	Name string
	// Payload is the decoded variant. Nil with a present key is a tombstone.
	Payload       any
	TransactionID *uuid.UUID
	Author        string
	Timestamp     time.Time
}

// IsTombstone reports whether the envelope is a log-compaction delete.
func (e Envelope) IsTombstone() bool {
	return e.Key != nil && e.Payload == nil
}

// Aggregate returns the aggregate key when the envelope carries one.
func (e Envelope) Aggregate() (key.AggregateEventMessageKey, bool) {
	k, ok := e.Key.(key.AggregateEventMessageKey)
	return k, ok
}

// InTransaction reports whether the envelope was produced inside a business
// transaction.
func (e Envelope) InTransaction() bool {
	return e.TransactionID != nil && *e.TransactionID != uuid.Nil
}

// Tombstone builds a tombstone envelope for an aggregate.
func Tombstone(aggregate key.AggregateEventMessageKey, at time.Time) Envelope {
	return Envelope{Key: aggregate, Timestamp: at}
}

// Parented is implemented by payloads of aggregates that belong to a parent
// aggregate.
type Parented interface {
	ParentIdentifier() uuid.UUID
}

// Subject returns the registry subject of a key: the aggregate type for
// aggregate keys, the key kind otherwise.
func Subject(k key.EventMessageKey) string {
	if aggregate, ok := k.(key.AggregateEventMessageKey); ok {
		return aggregate.AggregateIdentifier.Type
	}
	if k == nil {
		return ""
	}
	return string(k.Kind())
}
