package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	platformerrors "github.com/louisbranch/readmodel/internal/platform/errors"
	"github.com/louisbranch/readmodel/internal/platform/logging"
	"github.com/louisbranch/readmodel/internal/services/eventlog/consumer"
	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/event"
)

// RecordHandler decodes log records, feeds them to the consumer and maps
// failures to their disposition. A nil return acknowledges the record.
type RecordHandler struct {
	registry *event.Registry
	consumer *consumer.Consumer
	sink     DeadLetterSink
	logger   *zap.Logger
}

// NewRecordHandler creates a handler.
func NewRecordHandler(registry *event.Registry, c *consumer.Consumer, sink DeadLetterSink, logger *zap.Logger) (*RecordHandler, error) {
	if registry == nil {
		return nil, fmt.Errorf("event registry is required")
	}
	if c == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	logger = logging.OrNop(logger)
	if sink == nil {
		sink = LogDeadLetterSink{Logger: logger}
	}
	return &RecordHandler{registry: registry, consumer: c, sink: sink, logger: logger}, nil
}

// Handle processes the record at position.
func (h *RecordHandler) Handle(ctx context.Context, position string, record event.Record) error {
	envelope, err := h.registry.DecodeRecord(record)
	if err != nil {
		return h.resolve(ctx, position, record, err)
	}
	err = h.consumer.Process(ctx, consumer.Delivery{Position: position, Record: record, Envelope: envelope})
	if err != nil {
		return h.resolve(ctx, position, record, err)
	}
	return nil
}

func (h *RecordHandler) resolve(ctx context.Context, position string, record event.Record, err error) error {
	switch disposition := platformerrors.DispositionOf(err); disposition {
	case platformerrors.DispositionIgnore:
		h.logger.Debug("record ignored", zap.String("position", position), zap.Error(err))
		return nil
	case platformerrors.DispositionDeadLetter:
		if sinkErr := h.sink.Isolate(ctx, position, record, err); sinkErr != nil {
			return sinkErr
		}
		return nil
	case platformerrors.DispositionRetry:
		h.logger.Info("record deferred for redelivery", zap.String("position", position), zap.Error(err))
		return err
	default:
		return fmt.Errorf("record %s: %w", position, err)
	}
}
