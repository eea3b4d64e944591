package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	platformerrors "github.com/louisbranch/readmodel/internal/platform/errors"
	"github.com/louisbranch/readmodel/internal/platform/logging"
	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/event"
	"github.com/louisbranch/readmodel/internal/services/eventlog/storage"
)

// DeadLetterSink isolates records that can never be applied so the partition
// can move past them.
type DeadLetterSink interface {
	Isolate(ctx context.Context, position string, record event.Record, cause error) error
}

// StoreDeadLetterSink persists isolated records for later inspection.
type StoreDeadLetterSink struct {
	store  storage.DeadLetterStore
	logger *zap.Logger
	now    func() time.Time
}

// NewStoreDeadLetterSink creates a sink writing to store.
func NewStoreDeadLetterSink(store storage.DeadLetterStore, logger *zap.Logger) (*StoreDeadLetterSink, error) {
	if store == nil {
		return nil, fmt.Errorf("dead letter store is required")
	}
	return &StoreDeadLetterSink{store: store, logger: logging.OrNop(logger), now: time.Now}, nil
}

// Isolate implements DeadLetterSink.
func (s *StoreDeadLetterSink) Isolate(ctx context.Context, position string, record event.Record, cause error) error {
	code := platformerrors.GetCode(cause)
	s.logger.Error("record dead-lettered",
		zap.String("position", position),
		zap.String("code", string(code)),
		zap.Error(cause),
	)
	if err := s.store.PutDeadLetter(ctx, storage.DeadLetter{
		Position:  position,
		Record:    record,
		Code:      string(code),
		Reason:    cause.Error(),
		CreatedAt: s.now().UTC(),
	}); err != nil {
		return fmt.Errorf("store dead letter %s: %w", position, err)
	}
	return nil
}

// LogDeadLetterSink only logs isolated records.
type LogDeadLetterSink struct {
	Logger *zap.Logger
}

// Isolate implements DeadLetterSink.
func (s LogDeadLetterSink) Isolate(_ context.Context, position string, record event.Record, cause error) error {
	logging.OrNop(s.Logger).Error("record skipped",
		zap.String("position", position),
		zap.String("code", string(platformerrors.GetCode(cause))),
		zap.String("partition_key", record.PartitionKey),
		zap.Error(cause),
	)
	return nil
}
