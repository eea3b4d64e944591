// Package dispatch routes decoded log records to registered strategies.
//
// Strategies live in two ordered families. Update strategies handle every
// non-delete event of an aggregate type; cleanup strategies handle the
// type's delete event and tombstones. Every matching strategy of the
// relevant family is applied, so several read models can be fed from one
// log.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	platformerrors "github.com/louisbranch/readmodel/internal/platform/errors"
	"github.com/louisbranch/readmodel/internal/platform/logging"
	"github.com/louisbranch/readmodel/internal/platform/requestctx"
	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/event"
	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/key"
)

const tracerName = "github.com/louisbranch/readmodel/internal/services/eventlog/dispatch"

// DefaultDeleteName is the delete event name for types without an explicit one.
const DefaultDeleteName = "DELETED"

// Family names a strategy family.
type Family string

const (
	FamilyUpdate  Family = "update"
	FamilyCleanup Family = "cleanup"
)

// Strategy handles a subset of log records.
type Strategy interface {
	Name() string
	Handles(k key.EventMessageKey, envelope event.Envelope) bool
	Apply(ctx context.Context, k key.EventMessageKey, envelope event.Envelope) error
}

type funcStrategy struct {
	name    string
	handles Predicate
	apply   func(context.Context, key.EventMessageKey, event.Envelope) error
}

func (s funcStrategy) Name() string { return s.name }

func (s funcStrategy) Handles(k key.EventMessageKey, envelope event.Envelope) bool {
	return s.handles(k, envelope)
}

func (s funcStrategy) Apply(ctx context.Context, k key.EventMessageKey, envelope event.Envelope) error {
	return s.apply(ctx, k, envelope)
}

// New builds a strategy from a predicate and an apply function.
func New(
	name string,
	handles Predicate,
	apply func(context.Context, key.EventMessageKey, event.Envelope) error,
) Strategy {
	return funcStrategy{name: name, handles: handles, apply: apply}
}

// Dispatcher holds the update and cleanup families.
type Dispatcher struct {
	mu          sync.RWMutex
	update      []Strategy
	cleanup     []Strategy
	deleteNames map[string]string
	logger      *zap.Logger
	tracer      trace.Tracer
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger used for unmatched records.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logging.OrNop(logger)
	}
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		deleteNames: make(map[string]string),
		logger:      zap.NewNop(),
		tracer:      otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetDeleteName overrides the delete event name of an aggregate type.
func (d *Dispatcher) SetDeleteName(aggregateType, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleteNames[aggregateType] = name
}

// DeleteName returns the delete event name of an aggregate type.
func (d *Dispatcher) DeleteName(aggregateType string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if name, ok := d.deleteNames[aggregateType]; ok && name != "" {
		return name
	}
	return DefaultDeleteName
}

// RegisterUpdate appends strategies to the update family.
func (d *Dispatcher) RegisterUpdate(strategies ...Strategy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.update = append(d.update, strategies...)
}

// RegisterCleanup appends strategies to the cleanup family.
func (d *Dispatcher) RegisterCleanup(strategies ...Strategy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleanup = append(d.cleanup, strategies...)
}

// FamilyOf returns the family a record is routed to.
func (d *Dispatcher) FamilyOf(k key.EventMessageKey, envelope event.Envelope) Family {
	if envelope.IsTombstone() {
		return FamilyCleanup
	}
	if envelope.Name == d.DeleteName(event.Subject(k)) {
		return FamilyCleanup
	}
	return FamilyUpdate
}

// Families reports every family with at least one strategy handling the
// record, without regard to routing.
func (d *Dispatcher) Families(k key.EventMessageKey, envelope event.Envelope) []Family {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var families []Family
	if anyHandles(d.update, k, envelope) {
		families = append(families, FamilyUpdate)
	}
	if anyHandles(d.cleanup, k, envelope) {
		families = append(families, FamilyCleanup)
	}
	return families
}

// Handles reports whether any strategy of the record's family handles it.
func (d *Dispatcher) Handles(envelope event.Envelope) bool {
	if envelope.Key == nil {
		return false
	}
	family := d.FamilyOf(envelope.Key, envelope)
	d.mu.RLock()
	defer d.mu.RUnlock()
	if family == FamilyCleanup {
		return anyHandles(d.cleanup, envelope.Key, envelope)
	}
	return anyHandles(d.update, envelope.Key, envelope)
}

// Dispatch applies every matching strategy of the record's family in
// registration order. Unmatched records are logged at debug level and
// succeed. The first strategy error stops dispatch and is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, envelope event.Envelope) (err error) {
	k := envelope.Key
	if k == nil {
		return fmt.Errorf("dispatch record without key")
	}
	family := d.FamilyOf(k, envelope)

	d.mu.RLock()
	strategies := d.update
	if family == FamilyCleanup {
		strategies = d.cleanup
	}
	strategies = append([]Strategy(nil), strategies...)
	d.mu.RUnlock()

	if envelope.Author != "" && requestctx.ActorFromContext(ctx) == "" {
		ctx = requestctx.WithActor(ctx, envelope.Author)
	}
	ctx, span := d.tracer.Start(ctx, "dispatch "+event.Subject(k)+" "+envelope.Name, trace.WithAttributes(
		attribute.String("eventlog.subject", event.Subject(k)),
		attribute.String("eventlog.event", envelope.Name),
		attribute.String("eventlog.family", string(family)),
		attribute.Bool("eventlog.tombstone", envelope.IsTombstone()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	matched := 0
	for _, strategy := range strategies {
		if !strategy.Handles(k, envelope) {
			continue
		}
		matched++
		if err := strategy.Apply(ctx, k, envelope); err != nil {
			return fmt.Errorf("strategy %s: %w", strategy.Name(), err)
		}
	}
	if matched == 0 {
		d.logger.Debug("unmatched event",
			zap.String("code", string(platformerrors.CodeUnmatchedEvent)),
			zap.String("subject", event.Subject(k)),
			zap.String("event", envelope.Name),
			zap.String("family", string(family)),
			zap.String("trace_id", requestctx.TraceIDFromContext(ctx)),
		)
	}
	span.SetAttributes(attribute.Int("eventlog.matched", matched))
	return nil
}

func anyHandles(strategies []Strategy, k key.EventMessageKey, envelope event.Envelope) bool {
	for _, strategy := range strategies {
		if strategy.Handles(k, envelope) {
			return true
		}
	}
	return false
}

// Names lists registered strategy names by family, for startup logs.
func (d *Dispatcher) Names() map[Family][]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := map[Family][]string{}
	for _, strategy := range d.update {
		names[FamilyUpdate] = append(names[FamilyUpdate], strategy.Name())
	}
	for _, strategy := range d.cleanup {
		names[FamilyCleanup] = append(names[FamilyCleanup], strategy.Name())
	}
	return names
}
