package transaction

import (
	"context"
	"sync"

	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/event"
)

// memoryUnit is an in-memory Unit. Records become visible to Published only
// after Commit.
type memoryUnit struct {
	mu        sync.Mutex
	pending   []event.Envelope
	published []event.Envelope
}

// Append implements Unit.
func (b *memoryUnit) Append(_ context.Context, envelope event.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, envelope)
	return nil
}

// Commit publishes the pending records.
func (b *memoryUnit) Commit() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, b.pending...)
	b.pending = nil
}

// Rollback discards the pending records.
func (b *memoryUnit) Rollback() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
}

// Published returns a copy of every committed record.
func (b *memoryUnit) Published() []event.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]event.Envelope, len(b.published))
	copy(out, b.published)
	return out
}
