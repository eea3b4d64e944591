// Package transaction brackets the events of one logical operation with
// Started and Finished markers written to the same local unit of work.
//
// A Unit is the caller's open local transaction (typically a SQL
// transaction writing an outbox). Begin never opens a unit of its own: it
// requires one on the context, so the markers and the domain events commit
// or roll back together.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	platformerrors "github.com/louisbranch/readmodel/internal/platform/errors"
	"github.com/louisbranch/readmodel/internal/platform/id"
	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/event"
	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/key"
)

var (
	// ErrUnitRequired indicates no local unit of work is active on the context.
	ErrUnitRequired = platformerrors.New(platformerrors.CodeUnitRequired, "business transaction requires an active unit of work")
	// ErrNoTransaction indicates End or Run was called outside Begin.
	ErrNoTransaction = errors.New("no business transaction is active")
	// ErrAlreadyEnded indicates End was called twice for one transaction.
	ErrAlreadyEnded = errors.New("business transaction already ended")
)

// Kind selects the marker event names of a business transaction.
type Kind string

const (
	KindBatchOperation Kind = "BATCH_OPERATION"
	KindImport         Kind = "IMPORT"
	KindCopy           Kind = "COPY"
	KindReschedule     Kind = "RESCHEDULE"
)

// Kinds lists every known business transaction kind.
func Kinds() []Kind {
	return []Kind{KindBatchOperation, KindImport, KindCopy, KindReschedule}
}

// StartedName is the event name of the Started marker.
func (k Kind) StartedName() string { return string(k) + "_STARTED" }

// FinishedName is the event name of the Finished marker.
func (k Kind) FinishedName() string { return string(k) + "_FINISHED" }

// Marker is the payload of Started and Finished records.
type Marker struct {
	TransactionID uuid.UUID `json:"transactionId"`
	RootContextID uuid.UUID `json:"rootContextId"`
	Kind          Kind      `json:"kind"`
}

// RegisterMarkers adds the marker variants of every kind to registry.
func RegisterMarkers(registry *event.Registry) error {
	for _, kind := range Kinds() {
		if err := registry.Register(string(key.KindBusinessTransactionStarted), kind.StartedName(), newMarker); err != nil {
			return err
		}
		if err := registry.Register(string(key.KindBusinessTransactionFinished), kind.FinishedName(), newMarker); err != nil {
			return err
		}
	}
	return nil
}

func newMarker() any { return &Marker{} }

// Unit buffers outgoing records inside an open local transaction.
type Unit interface {
	Append(ctx context.Context, envelope event.Envelope) error
}

type unitContextKey struct{}

type activeContextKey struct{}

type active struct {
	marker Marker
	ended  bool
}

// scope is what a Begin call placed on the context. A joined scope belongs
// to an outer Begin and ends nothing.
type scope struct {
	tx     *active
	joined bool
}

// WithUnit places the open unit of work on the context.
func WithUnit(ctx context.Context, unit Unit) context.Context {
	return context.WithValue(ctx, unitContextKey{}, unit)
}

// UnitFromContext returns the open unit of work.
func UnitFromContext(ctx context.Context) (Unit, bool) {
	unit, ok := ctx.Value(unitContextKey{}).(Unit)
	return unit, ok && unit != nil
}

// Current returns the id of the business transaction active on ctx.
func Current(ctx context.Context) (uuid.UUID, bool) {
	s, ok := ctx.Value(activeContextKey{}).(scope)
	if !ok || s.tx == nil {
		return uuid.Nil, false
	}
	return s.tx.marker.TransactionID, true
}

// Joined reports whether the Begin that produced ctx joined an outer
// business transaction instead of opening one.
func Joined(ctx context.Context) bool {
	s, ok := ctx.Value(activeContextKey{}).(scope)
	return ok && s.joined
}

// Append writes a domain event to the active unit. Inside a business
// transaction the event is stamped with its transaction id.
func Append(ctx context.Context, envelope event.Envelope) error {
	unit, ok := UnitFromContext(ctx)
	if !ok {
		return ErrUnitRequired
	}
	if transactionID, ok := Current(ctx); ok {
		stamped := transactionID
		envelope.TransactionID = &stamped
	}
	return unit.Append(ctx, envelope)
}

// Manager emits business transaction markers.
type Manager struct {
	newID id.Generator
	now   func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithIDGenerator overrides transaction id generation.
func WithIDGenerator(generator id.Generator) Option {
	return func(m *Manager) {
		if generator != nil {
			m.newID = generator
		}
	}
}

// WithClock overrides the marker timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{newID: id.NewID, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Begin appends the Started marker to the unit on ctx and returns a context
// carrying the open business transaction. A Begin inside an active business
// transaction joins it and appends nothing.
func (m *Manager) Begin(ctx context.Context, transactionID, rootContext uuid.UUID, kind Kind) (context.Context, error) {
	unit, ok := UnitFromContext(ctx)
	if !ok {
		return ctx, ErrUnitRequired
	}
	if outer, ok := ctx.Value(activeContextKey{}).(scope); ok && outer.tx != nil && !outer.tx.ended {
		return context.WithValue(ctx, activeContextKey{}, scope{tx: outer.tx, joined: true}), nil
	}
	if transactionID == uuid.Nil {
		return ctx, fmt.Errorf("transaction id is required")
	}
	if kind == "" {
		return ctx, fmt.Errorf("transaction kind is required")
	}

	marker := Marker{TransactionID: transactionID, RootContextID: rootContext, Kind: kind}
	started := m.markerEnvelope(key.BusinessTransactionStartedMessageKey{
		TransactionIdentifier: transactionID,
		RootContextIdentifier: rootContext,
	}, kind.StartedName(), marker)
	if err := unit.Append(ctx, started); err != nil {
		return ctx, fmt.Errorf("append started marker: %w", err)
	}
	return context.WithValue(ctx, activeContextKey{}, scope{tx: &active{marker: marker}}), nil
}

// Run executes block inside the business transaction opened on ctx.
func (m *Manager) Run(ctx context.Context, block func(context.Context) error) error {
	if _, ok := Current(ctx); !ok {
		return ErrNoTransaction
	}
	if block == nil {
		return nil
	}
	return block(ctx)
}

// End appends the Finished marker for the transaction opened on ctx. Ending a
// joined scope is a no-op; the outer Begin owns the marker.
func (m *Manager) End(ctx context.Context) error {
	s, ok := ctx.Value(activeContextKey{}).(scope)
	if !ok || s.tx == nil {
		return ErrNoTransaction
	}
	if s.joined {
		return nil
	}
	if s.tx.ended {
		return ErrAlreadyEnded
	}
	unit, ok := UnitFromContext(ctx)
	if !ok {
		return ErrUnitRequired
	}
	marker := s.tx.marker
	finished := m.markerEnvelope(key.BusinessTransactionFinishedMessageKey{
		TransactionIdentifier: marker.TransactionID,
		RootContextIdentifier: marker.RootContextID,
	}, marker.Kind.FinishedName(), marker)
	if err := unit.Append(ctx, finished); err != nil {
		return fmt.Errorf("append finished marker: %w", err)
	}
	s.tx.ended = true
	return nil
}

// Do runs block between a Started and a Finished marker. When block fails
// no Finished marker is appended and the error is returned so the caller
// rolls back the unit.
func (m *Manager) Do(ctx context.Context, kind Kind, rootContext uuid.UUID, block func(context.Context) error) (uuid.UUID, error) {
	if current, ok := Current(ctx); ok {
		joined, err := m.Begin(ctx, current, rootContext, kind)
		if err != nil {
			return uuid.Nil, err
		}
		return current, m.Run(joined, block)
	}
	transactionID, err := m.newID()
	if err != nil {
		return uuid.Nil, err
	}
	txCtx, err := m.Begin(ctx, transactionID, rootContext, kind)
	if err != nil {
		return uuid.Nil, err
	}
	if err := m.Run(txCtx, block); err != nil {
		return transactionID, err
	}
	if err := m.End(txCtx); err != nil {
		return transactionID, err
	}
	return transactionID, nil
}

func (m *Manager) markerEnvelope(k key.EventMessageKey, name string, marker Marker) event.Envelope {
	transactionID := marker.TransactionID
	return event.Envelope{
		Key:           k,
		Name:          name,
		Payload:       marker,
		TransactionID: &transactionID,
		Timestamp:     m.now().UTC(),
	}
}
