// Package app wires the event log runtimes: the projector consuming the log
// into the read model and the relay publishing the outbox onto the log.
package app

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/louisbranch/readmodel/internal/platform/logging"
	"github.com/louisbranch/readmodel/internal/services/eventlog/consumer"
	"github.com/louisbranch/readmodel/internal/services/eventlog/dispatch"
	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/catalog"
	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/event"
	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/key"
	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/transaction"
	"github.com/louisbranch/readmodel/internal/services/eventlog/projection"
	"github.com/louisbranch/readmodel/internal/services/eventlog/storage"
	kafkatransport "github.com/louisbranch/readmodel/internal/services/eventlog/transport/kafka"
)

// PipelineConfig holds the stores behind a projection pipeline.
type PipelineConfig struct {
	Projections storage.ProjectionStore
	Buffer      storage.TransactionBufferStore
	// DeadLetters is optional; without it isolated records are only logged.
	DeadLetters storage.DeadLetterStore
	Logger      *zap.Logger
}

// Pipeline is the decode, buffer, dispatch and project chain for one store.
type Pipeline struct {
	Registry   *event.Registry
	Dispatcher *dispatch.Dispatcher
	Projector  *projection.Projector
	Consumer   *consumer.Consumer
	Handler    *RecordHandler
}

// NewPipeline registers the catalog, wires every aggregate type onto the
// dispatcher and fails when a registered variant has no strategy.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Projections == nil {
		return nil, fmt.Errorf("projection store is required")
	}
	if cfg.Buffer == nil {
		return nil, fmt.Errorf("transaction buffer store is required")
	}
	logger := logging.OrNop(cfg.Logger)

	registry := event.NewRegistry()
	if err := catalog.Register(registry); err != nil {
		return nil, err
	}
	if err := transaction.RegisterMarkers(registry); err != nil {
		return nil, fmt.Errorf("register transaction markers: %w", err)
	}

	dispatcher := dispatch.NewDispatcher(dispatch.WithLogger(logger.Named("dispatch")))
	projector, err := projection.New(cfg.Projections, projection.WithLogger(logger.Named("projection")))
	if err != nil {
		return nil, err
	}
	if err := projector.Register(dispatcher, TypeConfigs()...); err != nil {
		return nil, fmt.Errorf("register projections: %w", err)
	}
	if missing := Uncovered(registry, dispatcher); len(missing) > 0 {
		return nil, fmt.Errorf("event variants without strategy: %s", strings.Join(missing, ", "))
	}

	c, err := consumer.New(cfg.Buffer, registry, consumer.BatchApplier{Apply: dispatcher.Dispatch},
		consumer.WithLogger(logger.Named("consumer")))
	if err != nil {
		return nil, err
	}

	var sink DeadLetterSink = LogDeadLetterSink{Logger: logger}
	if cfg.DeadLetters != nil {
		storeSink, err := NewStoreDeadLetterSink(cfg.DeadLetters, logger)
		if err != nil {
			return nil, err
		}
		sink = storeSink
	}
	handler, err := NewRecordHandler(registry, c, sink, logger)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		Registry:   registry,
		Dispatcher: dispatcher,
		Projector:  projector,
		Consumer:   c,
		Handler:    handler,
	}, nil
}

// TypeConfigs converts the catalog into projector configuration.
func TypeConfigs() []projection.TypeConfig {
	types := catalog.AggregateTypes()
	configs := make([]projection.TypeConfig, 0, len(types))
	for _, aggregate := range types {
		configs = append(configs, projection.TypeConfig{
			Type:        aggregate.Type,
			DeleteName:  aggregate.DeleteName,
			PruneOffset: aggregate.PruneOffset,
			ParentType:  aggregate.ParentType,
		})
	}
	return configs
}

// Uncovered lists registered aggregate variants that no dispatcher strategy
// handles, as "SUBJECT/NAME". Marker variants are consumed by the consumer
// itself.
func Uncovered(registry *event.Registry, dispatcher *dispatch.Dispatcher) []string {
	missing := registry.Coverage(func(variant event.Variant) bool {
		switch key.Kind(variant.Subject) {
		case key.KindBusinessTransactionStarted, key.KindBusinessTransactionFinished:
			return true
		}
		sample := event.Envelope{
			Key: key.AggregateEventMessageKey{
				AggregateIdentifier:   key.AggregateIdentifier{Type: variant.Subject, Identifier: uuid.New(), Version: 1},
				RootContextIdentifier: uuid.New(),
			},
			Name:    variant.Name,
			Payload: struct{}{},
		}
		return dispatcher.Handles(sample)
	})
	names := make([]string, 0, len(missing))
	for _, variant := range missing {
		names = append(names, variant.Subject+"/"+variant.Name)
	}
	sort.Strings(names)
	return names
}

// HandleMessage adapts the pipeline to the partition router.
func (p *Pipeline) HandleMessage(ctx context.Context, msg kafka.Message) error {
	return p.Handler.Handle(ctx, kafkatransport.Position(msg), kafkatransport.FromMessage(msg))
}
