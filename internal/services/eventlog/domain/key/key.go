// Package key identifies aggregates and log messages.
//
// An AggregateIdentifier names one version of one aggregate. An
// EventMessageKey is the log record key: a closed set of variants, each of
// which exposes the identifier used for partition routing.
package key

import (
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	platformerrors "github.com/louisbranch/readmodel/internal/platform/errors"
)

// ErrSchemaMismatch matches every key decoding failure via errors.Is.
var ErrSchemaMismatch = platformerrors.New(platformerrors.CodeSchemaMismatch, "message key schema mismatch")

// MaxVersion is the highest version an aggregate identifier may carry.
const MaxVersion uint64 = math.MaxInt64

// AggregateIdentifier identifies one version of an aggregate.
type AggregateIdentifier struct {
	Type       string
	Identifier uuid.UUID
	Version    uint64
}

// NewAggregateIdentifier validates and builds an identifier.
func NewAggregateIdentifier(aggregateType string, identifier uuid.UUID, version uint64) (AggregateIdentifier, error) {
	aggregateType = strings.TrimSpace(aggregateType)
	if aggregateType == "" {
		return AggregateIdentifier{}, fmt.Errorf("aggregate type is required")
	}
	if identifier == uuid.Nil {
		return AggregateIdentifier{}, fmt.Errorf("aggregate identifier is required")
	}
	if version > MaxVersion {
		return AggregateIdentifier{}, fmt.Errorf("aggregate version %d exceeds %d", version, MaxVersion)
	}
	return AggregateIdentifier{Type: aggregateType, Identifier: identifier, Version: version}, nil
}

// Validate reports whether a survives Marshal and Unmarshal unchanged.
func (a AggregateIdentifier) Validate() error {
	if a.Type == "" || strings.TrimSpace(a.Type) != a.Type {
		return fmt.Errorf("aggregate type %q must be non-empty without surrounding space", a.Type)
	}
	if a.Identifier == uuid.Nil {
		return fmt.Errorf("aggregate identifier is required")
	}
	if a.Version > MaxVersion {
		return fmt.Errorf("aggregate version %d exceeds %d", a.Version, MaxVersion)
	}
	return nil
}

// ParseAggregateIdentifier builds an identifier from its textual parts.
func ParseAggregateIdentifier(aggregateType, identifier string, version uint64) (AggregateIdentifier, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(identifier))
	if err != nil {
		return AggregateIdentifier{}, fmt.Errorf("parse aggregate identifier: %w", err)
	}
	return NewAggregateIdentifier(aggregateType, parsed, version)
}

// SameAggregate reports whether both identifiers name the same (type, id).
func (a AggregateIdentifier) SameAggregate(other AggregateIdentifier) bool {
	return a.Type == other.Type && a.Identifier == other.Identifier
}

// IsNewerVersionOf reports whether a is the same aggregate as other with a
// strictly higher version.
func (a AggregateIdentifier) IsNewerVersionOf(other AggregateIdentifier) bool {
	return a.SameAggregate(other) && a.Version > other.Version
}

// String renders TYPE/id@version for logs.
func (a AggregateIdentifier) String() string {
	return fmt.Sprintf("%s/%s@%d", a.Type, a.Identifier, a.Version)
}

// Kind is the type tag of an EventMessageKey variant.
type Kind string

const (
	KindAggregate                   Kind = "AGGREGATE"
	KindCommand                     Kind = "COMMAND"
	KindBusinessTransactionStarted  Kind = "BUSINESS_TRANSACTION_STARTED"
	KindBusinessTransactionFinished Kind = "BUSINESS_TRANSACTION_FINISHED"
)

// EventMessageKey is the key of a log record. The variant set is closed to
// this package.
type EventMessageKey interface {
	Kind() Kind
	// PartitioningIdentifier routes the record to a log partition.
	PartitioningIdentifier() uuid.UUID
	eventMessageKey()
}

// AggregateEventMessageKey keys a domain event of an aggregate.
type AggregateEventMessageKey struct {
	AggregateIdentifier   AggregateIdentifier
	RootContextIdentifier uuid.UUID
}

func (AggregateEventMessageKey) Kind() Kind { return KindAggregate }

func (k AggregateEventMessageKey) PartitioningIdentifier() uuid.UUID {
	return k.RootContextIdentifier
}

func (AggregateEventMessageKey) eventMessageKey() {}

// CommandMessageKey keys a command message. It is routed like an event but
// is never projected.
type CommandMessageKey struct {
	Identifier uuid.UUID
}

func (CommandMessageKey) Kind() Kind { return KindCommand }

func (k CommandMessageKey) PartitioningIdentifier() uuid.UUID { return k.Identifier }

func (CommandMessageKey) eventMessageKey() {}

// BusinessTransactionStartedMessageKey keys the Started marker of a
// business transaction.
type BusinessTransactionStartedMessageKey struct {
	TransactionIdentifier uuid.UUID
	RootContextIdentifier uuid.UUID
}

func (BusinessTransactionStartedMessageKey) Kind() Kind { return KindBusinessTransactionStarted }

func (k BusinessTransactionStartedMessageKey) PartitioningIdentifier() uuid.UUID {
	return k.RootContextIdentifier
}

func (BusinessTransactionStartedMessageKey) eventMessageKey() {}

// BusinessTransactionFinishedMessageKey keys the Finished marker of a
// business transaction.
type BusinessTransactionFinishedMessageKey struct {
	TransactionIdentifier uuid.UUID
	RootContextIdentifier uuid.UUID
}

func (BusinessTransactionFinishedMessageKey) Kind() Kind { return KindBusinessTransactionFinished }

func (k BusinessTransactionFinishedMessageKey) PartitioningIdentifier() uuid.UUID {
	return k.RootContextIdentifier
}

func (BusinessTransactionFinishedMessageKey) eventMessageKey() {}

// TransactionIdentifier returns the transaction id of a marker key.
func TransactionIdentifier(k EventMessageKey) (uuid.UUID, bool) {
	switch v := k.(type) {
	case BusinessTransactionStartedMessageKey:
		return v.TransactionIdentifier, true
	case BusinessTransactionFinishedMessageKey:
		return v.TransactionIdentifier, true
	default:
		return uuid.Nil, false
	}
}
