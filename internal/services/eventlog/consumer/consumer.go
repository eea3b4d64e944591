// Package consumer applies log records with business-transaction awareness.
//
// Records stamped with a transaction id are held in a durable buffer between
// the Started and Finished markers and handed to the Processor as one batch
// when Finished is observed. Buffering is keyed by log position, so a
// redelivered record is buffered once; the batch is applied before the
// transaction is marked finished, so a crash in between re-applies it, which
// idempotent processors absorb. The store refuses records once a transaction
// is finished; those are applied directly, and records that slipped into the
// buffer while the batch was applied are drained after the transaction is
// marked finished.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/louisbranch/readmodel/internal/platform/logging"
	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/event"
	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/key"
	"github.com/louisbranch/readmodel/internal/services/eventlog/storage"
)

// Processor receives records once their transactional context is known.
type Processor interface {
	// OnTransactionStarted observes a Started marker.
	OnTransactionStarted(ctx context.Context, started event.Envelope) error
	// OnTransactionalEvent observes a record as it is buffered.
	OnTransactionalEvent(ctx context.Context, envelope event.Envelope) error
	// OnTransactionFinished receives the buffered batch in buffer order.
	// started is nil when the Started marker was never observed.
	OnTransactionFinished(ctx context.Context, started *event.Envelope, events []event.Envelope, finished event.Envelope) error
	// OnNonTransactionalEvent receives records outside any open transaction.
	OnNonTransactionalEvent(ctx context.Context, envelope event.Envelope) error
}

// Delivery is one decoded record and its log position.
type Delivery struct {
	// Position is stable across redelivery, e.g. "topic/partition/offset".
	Position string
	Record   event.Record
	Envelope event.Envelope
}

// Consumer routes deliveries through the transaction buffer.
type Consumer struct {
	buffer    storage.TransactionBufferStore
	registry  *event.Registry
	processor Processor
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithLogger sets the consumer logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Consumer) { c.logger = logging.OrNop(logger) }
}

// WithClock overrides the buffer timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Consumer) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a consumer.
func New(buffer storage.TransactionBufferStore, registry *event.Registry, processor Processor, opts ...Option) (*Consumer, error) {
	if buffer == nil {
		return nil, fmt.Errorf("transaction buffer store is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("event registry is required")
	}
	if processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	c := &Consumer{
		buffer:    buffer,
		registry:  registry,
		processor: processor,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Process handles one delivery. A nil return means the record may be
// acknowledged.
func (c *Consumer) Process(ctx context.Context, delivery Delivery) error {
	envelope := delivery.Envelope
	switch k := envelope.Key.(type) {
	case key.BusinessTransactionStartedMessageKey:
		return c.started(ctx, k, delivery)
	case key.BusinessTransactionFinishedMessageKey:
		return c.finished(ctx, k, delivery)
	case nil:
		return fmt.Errorf("delivery %s has no key", delivery.Position)
	}
	if !envelope.InTransaction() {
		return c.processor.OnNonTransactionalEvent(ctx, envelope)
	}

	transactionID := *envelope.TransactionID
	err := c.buffer.BufferRecord(ctx, transactionID, delivery.Position, delivery.Record, c.now().UTC())
	if errors.Is(err, storage.ErrTransactionFinished) {
		c.logger.Debug("apply late transactional event",
			zap.String("transaction_id", transactionID.String()),
			zap.String("position", delivery.Position),
		)
		return c.processor.OnNonTransactionalEvent(ctx, envelope)
	}
	if err != nil {
		return fmt.Errorf("buffer record %s: %w", delivery.Position, err)
	}
	return c.processor.OnTransactionalEvent(ctx, envelope)
}

func (c *Consumer) started(ctx context.Context, k key.BusinessTransactionStartedMessageKey, delivery Delivery) error {
	tx, err := c.buffer.Transaction(ctx, k.TransactionIdentifier)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load transaction %s: %w", k.TransactionIdentifier, err)
	}
	if err == nil && tx.Status != storage.TransactionPending {
		c.logger.Debug("duplicate started marker", zap.String("transaction_id", k.TransactionIdentifier.String()))
		return nil
	}
	if err := c.buffer.StartTransaction(ctx, k.TransactionIdentifier, k.RootContextIdentifier, delivery.Record, c.now().UTC()); err != nil {
		return fmt.Errorf("start transaction %s: %w", k.TransactionIdentifier, err)
	}
	return c.processor.OnTransactionStarted(ctx, delivery.Envelope)
}

func (c *Consumer) finished(ctx context.Context, k key.BusinessTransactionFinishedMessageKey, delivery Delivery) error {
	transactionID := k.TransactionIdentifier
	tx, err := c.buffer.Transaction(ctx, transactionID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load transaction %s: %w", transactionID, err)
	}
	if err == nil && tx.Status == storage.TransactionFinished {
		c.logger.Debug("duplicate finished marker", zap.String("transaction_id", transactionID.String()))
		return c.drain(ctx, transactionID, nil)
	}
	if errors.Is(err, storage.ErrNotFound) || tx.Status == storage.TransactionPending {
		c.logger.Warn("finished marker without started marker", zap.String("transaction_id", transactionID.String()))
	}

	var started *event.Envelope
	if err == nil && tx.Started != nil {
		decoded, err := c.registry.DecodeRecord(*tx.Started)
		if err != nil {
			return fmt.Errorf("decode buffered started marker %s: %w", transactionID, err)
		}
		started = &decoded
	}
	buffered, err := c.buffer.BufferedRecords(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("load buffered records %s: %w", transactionID, err)
	}
	events := make([]event.Envelope, 0, len(buffered))
	applied := make(map[string]struct{}, len(buffered))
	for _, record := range buffered {
		decoded, err := c.registry.DecodeRecord(record.Record)
		if err != nil {
			return fmt.Errorf("decode buffered record %s: %w", record.Position, err)
		}
		events = append(events, decoded)
		applied[record.Position] = struct{}{}
	}

	if err := c.processor.OnTransactionFinished(ctx, started, events, delivery.Envelope); err != nil {
		return fmt.Errorf("finish transaction %s: %w", transactionID, err)
	}
	if err := c.buffer.FinishTransaction(ctx, transactionID, c.now().UTC()); err != nil {
		return fmt.Errorf("mark transaction %s finished: %w", transactionID, err)
	}
	c.logger.Debug("business transaction applied",
		zap.String("transaction_id", transactionID.String()),
		zap.Int("events", len(events)),
	)
	return c.drain(ctx, transactionID, applied)
}

// drain applies buffered records of a finished transaction that are not in
// applied, then drops every buffered record of it.
func (c *Consumer) drain(ctx context.Context, transactionID uuid.UUID, applied map[string]struct{}) error {
	buffered, err := c.buffer.BufferedRecords(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("load buffered records %s: %w", transactionID, err)
	}
	if len(buffered) == 0 {
		return nil
	}
	positions := make([]string, 0, len(buffered))
	for _, record := range buffered {
		positions = append(positions, record.Position)
		if _, ok := applied[record.Position]; ok {
			continue
		}
		decoded, err := c.registry.DecodeRecord(record.Record)
		if err != nil {
			return fmt.Errorf("decode buffered record %s: %w", record.Position, err)
		}
		c.logger.Debug("apply late transactional event",
			zap.String("transaction_id", transactionID.String()),
			zap.String("position", record.Position),
		)
		if err := c.processor.OnNonTransactionalEvent(ctx, decoded); err != nil {
			return fmt.Errorf("apply buffered record %s: %w", record.Position, err)
		}
	}
	if err := c.buffer.DropBufferedRecords(ctx, transactionID, positions); err != nil {
		return fmt.Errorf("drop buffered records %s: %w", transactionID, err)
	}
	return nil
}
