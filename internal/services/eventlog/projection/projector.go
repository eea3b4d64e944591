// Package projection builds read-model rows from dispatched log records.
//
// Rows are keyed by (aggregate id, version). The current row is the highest
// stored version; superseded versions are pruned only after the new version
// is written. Tombstones remove an aggregate and its descendants through the
// root-context index written when the aggregate was first projected.
package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	platformerrors "github.com/louisbranch/readmodel/internal/platform/errors"
	"github.com/louisbranch/readmodel/internal/platform/logging"
	"github.com/louisbranch/readmodel/internal/platform/requestctx"
	"github.com/louisbranch/readmodel/internal/services/eventlog/dispatch"
	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/event"
	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/key"
	"github.com/louisbranch/readmodel/internal/services/eventlog/storage"
)

// TypeConfig configures projection of one aggregate type.
type TypeConfig struct {
	Type       string
	DeleteName string
	// PruneOffset is k in "after writing v, prune versions <= v-k". Zero means 1.
	PruneOffset uint64
	// ParentType, when set, requires the payload's parent to be projected first.
	ParentType string
}

func (c TypeConfig) normalized() (TypeConfig, error) {
	c.Type = strings.TrimSpace(c.Type)
	if c.Type == "" {
		return TypeConfig{}, fmt.Errorf("aggregate type is required")
	}
	if c.DeleteName == "" {
		c.DeleteName = dispatch.DefaultDeleteName
	}
	if c.PruneOffset == 0 {
		c.PruneOffset = 1
	}
	return c, nil
}

// Outcome reports what Project did with a record.
type Outcome int

const (
	// OutcomeApplied wrote a new version.
	OutcomeApplied Outcome = iota
	// OutcomeStale ignored a version at or below the stored one.
	OutcomeStale
	// OutcomeTombstoned ignored a record for a tombstoned aggregate.
	OutcomeTombstoned
	// OutcomeAbsent ignored a delete for an aggregate never projected.
	OutcomeAbsent
	// OutcomeRemoved applied a tombstone.
	OutcomeRemoved
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeStale:
		return "stale"
	case OutcomeTombstoned:
		return "tombstoned"
	case OutcomeAbsent:
		return "absent"
	case OutcomeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Projector applies aggregate records to a projection store.
type Projector struct {
	store  storage.ProjectionStore
	logger *zap.Logger
	now    func() time.Time

	mu    sync.RWMutex
	types map[string]TypeConfig
}

// Option configures a Projector.
type Option func(*Projector)

// WithLogger sets the projector logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Projector) { p.logger = logging.OrNop(logger) }
}

// WithClock overrides the tombstone timestamp source for records without one.
func WithClock(now func() time.Time) Option {
	return func(p *Projector) {
		if now != nil {
			p.now = now
		}
	}
}

// New creates a projector over store.
func New(store storage.ProjectionStore, opts ...Option) (*Projector, error) {
	if store == nil {
		return nil, fmt.Errorf("projection store is required")
	}
	p := &Projector{
		store:  store,
		logger: zap.NewNop(),
		now:    time.Now,
		types:  make(map[string]TypeConfig),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Configure adds or replaces the configuration of an aggregate type.
func (p *Projector) Configure(cfg TypeConfig) error {
	normalized, err := cfg.normalized()
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types[normalized.Type] = normalized
	return nil
}

func (p *Projector) config(aggregateType string) (TypeConfig, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cfg, ok := p.types[aggregateType]
	return cfg, ok
}

// Register configures each type and registers its update and cleanup
// strategies on d.
func (p *Projector) Register(d *dispatch.Dispatcher, types ...TypeConfig) error {
	if d == nil {
		return fmt.Errorf("dispatcher is required")
	}
	for _, cfg := range types {
		if err := p.Configure(cfg); err != nil {
			return err
		}
		normalized, _ := p.config(strings.TrimSpace(cfg.Type))
		d.SetDeleteName(normalized.Type, normalized.DeleteName)
		d.RegisterUpdate(p.UpdateStrategy(normalized.Type))
		d.RegisterCleanup(p.CleanupStrategy(normalized.Type))
	}
	return nil
}

// UpdateStrategy returns the update-family strategy of a configured type.
func (p *Projector) UpdateStrategy(aggregateType string) dispatch.Strategy {
	deleteName := dispatch.DefaultDeleteName
	if cfg, ok := p.config(aggregateType); ok {
		deleteName = cfg.DeleteName
	}
	return dispatch.New(
		"projection:"+aggregateType+":update",
		dispatch.UpdatePredicate(aggregateType, deleteName),
		p.applyStrategy,
	)
}

// CleanupStrategy returns the cleanup-family strategy of a configured type.
func (p *Projector) CleanupStrategy(aggregateType string) dispatch.Strategy {
	deleteName := dispatch.DefaultDeleteName
	if cfg, ok := p.config(aggregateType); ok {
		deleteName = cfg.DeleteName
	}
	return dispatch.New(
		"projection:"+aggregateType+":cleanup",
		dispatch.CleanupPredicate(aggregateType, deleteName),
		p.applyStrategy,
	)
}

func (p *Projector) applyStrategy(ctx context.Context, _ key.EventMessageKey, envelope event.Envelope) error {
	_, err := p.Project(ctx, envelope)
	return err
}

// Get returns the current row of id.
func (p *Projector) Get(ctx context.Context, id uuid.UUID) (storage.Row, error) {
	return p.store.CurrentRow(ctx, id)
}

// Project applies one aggregate record. Stale versions, records for
// tombstoned aggregates and deletes of absent aggregates succeed without
// effect. A missing parent fails with MISSING_PARENT_AGGREGATE so the record
// is redelivered.
func (p *Projector) Project(ctx context.Context, envelope event.Envelope) (Outcome, error) {
	aggregate, ok := envelope.Aggregate()
	if !ok {
		return OutcomeAbsent, fmt.Errorf("projection requires an aggregate key, got %T", envelope.Key)
	}
	cfg, ok := p.config(aggregate.AggregateIdentifier.Type)
	if !ok {
		return OutcomeAbsent, fmt.Errorf("aggregate type %q is not configured", aggregate.AggregateIdentifier.Type)
	}
	if envelope.IsTombstone() {
		return p.applyTombstone(ctx, aggregate, envelope)
	}
	return p.applyVersion(ctx, cfg, aggregate, envelope)
}

func (p *Projector) applyVersion(ctx context.Context, cfg TypeConfig, aggregate key.AggregateEventMessageKey, envelope event.Envelope) (Outcome, error) {
	id := aggregate.AggregateIdentifier
	fields := []zap.Field{
		zap.String("aggregate", id.String()),
		zap.String("event", envelope.Name),
	}

	tombstoned, err := p.store.IsTombstoned(ctx, id.Identifier)
	if err != nil {
		return OutcomeAbsent, fmt.Errorf("check tombstone %s: %w", id, err)
	}
	if tombstoned {
		p.logger.Debug("ignore event for tombstoned aggregate", fields...)
		return OutcomeTombstoned, nil
	}

	current, err := p.store.CurrentRow(ctx, id.Identifier)
	exists := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return OutcomeAbsent, fmt.Errorf("load current row %s: %w", id, err)
	}
	deleting := envelope.Name == cfg.DeleteName
	if !exists && deleting {
		p.logger.Debug("ignore delete for absent aggregate", fields...)
		return OutcomeAbsent, nil
	}
	if exists && id.Version <= current.Version {
		p.logger.Debug("ignore out of order version",
			append(fields,
				zap.String("code", string(platformerrors.CodeOutOfOrderVersion)),
				zap.Uint64("stored_version", current.Version),
			)...,
		)
		if id.Version == current.Version {
			// Redelivery after a crash between write and prune.
			if err := p.prune(ctx, cfg, id); err != nil {
				return OutcomeStale, err
			}
		}
		return OutcomeStale, nil
	}

	parent, err := p.checkParent(ctx, cfg, id, envelope)
	if err != nil {
		return OutcomeAbsent, err
	}
	if parent.tombstoned {
		p.logger.Debug("ignore event whose parent is tombstoned", append(fields, zap.String("parent", parent.id.String()))...)
		return OutcomeTombstoned, nil
	}

	data, err := json.Marshal(envelope.Payload)
	if err != nil {
		return OutcomeAbsent, fmt.Errorf("encode payload %s: %w", id, err)
	}
	author := envelope.Author
	if author == "" {
		author = requestctx.ActorFromContext(ctx)
	}
	date := envelope.Timestamp
	if date.IsZero() {
		date = p.now()
	}
	date = date.UTC()

	row := storage.Row{
		Identifier:  id.Identifier,
		Type:        id.Type,
		RootContext: aggregate.RootContextIdentifier,
		Parent:      parent.id,
		Version:     id.Version,
		Data:        data,
		Deleted:     deleting,
		EventAuthor: author,
		EventDate:   date,
	}
	if exists {
		row.History = append(row.History, current.History...)
	} else {
		if err := p.store.PutRootContext(ctx, id.Identifier, aggregate.RootContextIdentifier); err != nil {
			return OutcomeAbsent, fmt.Errorf("index root context %s: %w", id, err)
		}
	}
	row.History = append(row.History, storage.HistoryEntry{
		Version: id.Version,
		Name:    envelope.Name,
		Data:    data,
		Deleted: deleting,
		Author:  author,
		Date:    date,
	})

	if err := p.store.PutRow(ctx, row); err != nil {
		return OutcomeAbsent, fmt.Errorf("write row %s: %w", id, err)
	}
	if err := p.prune(ctx, cfg, id); err != nil {
		return OutcomeApplied, err
	}
	return OutcomeApplied, nil
}

func (p *Projector) prune(ctx context.Context, cfg TypeConfig, id key.AggregateIdentifier) error {
	if id.Version < cfg.PruneOffset {
		return nil
	}
	if err := p.store.PruneRows(ctx, id.Identifier, id.Version-cfg.PruneOffset); err != nil {
		return fmt.Errorf("prune rows %s: %w", id, err)
	}
	return nil
}

type parentState struct {
	id         uuid.UUID
	tombstoned bool
}

func (p *Projector) checkParent(ctx context.Context, cfg TypeConfig, id key.AggregateIdentifier, envelope event.Envelope) (parentState, error) {
	parented, ok := envelope.Payload.(event.Parented)
	if !ok {
		return parentState{}, nil
	}
	parentID := parented.ParentIdentifier()
	if parentID == uuid.Nil || cfg.ParentType == "" {
		return parentState{id: parentID}, nil
	}
	tombstoned, err := p.store.IsTombstoned(ctx, parentID)
	if err != nil {
		return parentState{}, fmt.Errorf("check parent tombstone %s: %w", parentID, err)
	}
	if tombstoned {
		return parentState{id: parentID, tombstoned: true}, nil
	}
	if _, err := p.store.CurrentRow(ctx, parentID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return parentState{}, platformerrors.WithMetadata(
				platformerrors.CodeMissingParentAggregate,
				fmt.Sprintf("parent %s %s of %s is not projected", cfg.ParentType, parentID, id),
				map[string]string{"parent_type": cfg.ParentType, "parent_id": parentID.String(), "aggregate": id.String()},
			)
		}
		return parentState{}, fmt.Errorf("load parent %s: %w", parentID, err)
	}
	return parentState{id: parentID}, nil
}

func (p *Projector) applyTombstone(ctx context.Context, aggregate key.AggregateEventMessageKey, envelope event.Envelope) (Outcome, error) {
	id := aggregate.AggregateIdentifier
	at := envelope.Timestamp
	if at.IsZero() {
		at = p.now()
	}
	at = at.UTC()

	root, err := p.store.RootContext(ctx, id.Identifier)
	if errors.Is(err, storage.ErrNotFound) {
		if err := p.store.MarkTombstoned(ctx, id.Identifier, at); err != nil {
			return OutcomeAbsent, fmt.Errorf("mark tombstone %s: %w", id, err)
		}
		p.logger.Debug("tombstone for unindexed aggregate", zap.String("aggregate", id.String()))
		return OutcomeAbsent, nil
	}
	if err != nil {
		return OutcomeAbsent, fmt.Errorf("lookup root context %s: %w", id, err)
	}
	removed, err := p.store.RemoveAggregate(ctx, root, id.Identifier, at)
	if err != nil {
		return OutcomeAbsent, fmt.Errorf("remove aggregate %s: %w", id, err)
	}
	p.logger.Debug("tombstone applied",
		zap.String("aggregate", id.String()),
		zap.String("root_context", root.String()),
		zap.Int("removed", len(removed)),
	)
	return OutcomeRemoved, nil
}
