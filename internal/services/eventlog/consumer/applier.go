package consumer

import (
	"context"
	"fmt"

	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/event"
)

// ApplyFunc applies one record to the read model.
type ApplyFunc func(ctx context.Context, envelope event.Envelope) error

// BatchApplier is a Processor that applies transactional records only when
// their transaction finishes and everything else immediately.
type BatchApplier struct {
	Apply ApplyFunc
}

var _ Processor = BatchApplier{}

func (BatchApplier) OnTransactionStarted(context.Context, event.Envelope) error { return nil }

func (BatchApplier) OnTransactionalEvent(context.Context, event.Envelope) error { return nil }

func (a BatchApplier) OnTransactionFinished(ctx context.Context, _ *event.Envelope, events []event.Envelope, _ event.Envelope) error {
	for i, envelope := range events {
		if err := a.Apply(ctx, envelope); err != nil {
			return fmt.Errorf("apply buffered event %d/%d: %w", i+1, len(events), err)
		}
	}
	return nil
}

func (a BatchApplier) OnNonTransactionalEvent(ctx context.Context, envelope event.Envelope) error {
	return a.Apply(ctx, envelope)
}
