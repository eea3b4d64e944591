package dispatch

import (
	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/event"
	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/key"
)

// Predicate decides whether a strategy handles a record.
type Predicate func(key.EventMessageKey, event.Envelope) bool

// UpdatePredicate matches every non-delete, non-tombstone event of an
// aggregate type.
func UpdatePredicate(aggregateType, deleteName string) Predicate {
	if deleteName == "" {
		deleteName = DefaultDeleteName
	}
	return func(k key.EventMessageKey, envelope event.Envelope) bool {
		aggregate, ok := k.(key.AggregateEventMessageKey)
		if !ok || aggregate.AggregateIdentifier.Type != aggregateType {
			return false
		}
		return !envelope.IsTombstone() && envelope.Name != deleteName
	}
}

// CleanupPredicate matches the delete event and tombstones of an aggregate
// type.
func CleanupPredicate(aggregateType, deleteName string) Predicate {
	if deleteName == "" {
		deleteName = DefaultDeleteName
	}
	return func(k key.EventMessageKey, envelope event.Envelope) bool {
		aggregate, ok := k.(key.AggregateEventMessageKey)
		if !ok || aggregate.AggregateIdentifier.Type != aggregateType {
			return false
		}
		return envelope.IsTombstone() || envelope.Name == deleteName
	}
}
