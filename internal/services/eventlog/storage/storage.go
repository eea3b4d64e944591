// Package storage defines the keyed-store contracts used by the projector,
// the transaction-aware consumer and the outbox relay.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/event"
)

// ErrNotFound indicates a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrTransactionFinished indicates a record arrived after its business
// transaction was marked finished.
var ErrTransactionFinished = errors.New("business transaction already finished")

// HistoryEntry is one applied version of a projected aggregate.
type HistoryEntry struct {
	Version uint64          `json:"version"`
	Name    string          `json:"name"`
	Data    json.RawMessage `json:"data,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
	Author  string          `json:"author,omitempty"`
	Date    time.Time       `json:"date"`
}

// Row is one stored version of a projected aggregate.
type Row struct {
	Identifier  uuid.UUID
	Type        string
	RootContext uuid.UUID
	// Parent is uuid.Nil for root aggregates.
	Parent      uuid.UUID
	Version     uint64
	Data        json.RawMessage
	Deleted     bool
	EventAuthor string
	EventDate   time.Time
	History     []HistoryEntry
}

// ProjectionStore persists projection rows, the root-context index and
// tombstone markers.
type ProjectionStore interface {
	// CurrentRow returns the highest stored version of id.
	CurrentRow(ctx context.Context, id uuid.UUID) (Row, error)
	// RowVersions lists every stored version of id in ascending order.
	RowVersions(ctx context.Context, id uuid.UUID) ([]uint64, error)
	// PutRow writes the row at (Identifier, Version), replacing an identical key.
	PutRow(ctx context.Context, row Row) error
	// PruneRows deletes every version of id at or below version.
	PruneRows(ctx context.Context, id uuid.UUID, version uint64) error

	// PutRootContext records the root context of id. Rewrites are no-ops.
	PutRootContext(ctx context.Context, id, rootContext uuid.UUID) error
	// RootContext returns the indexed root context of id.
	RootContext(ctx context.Context, id uuid.UUID) (uuid.UUID, error)

	// RemoveAggregate deletes every row of id and of its descendants (by
	// parent link) inside rootContext, drops their index entries and marks
	// each removed id tombstoned. It returns the removed ids.
	RemoveAggregate(ctx context.Context, rootContext, id uuid.UUID, at time.Time) ([]uuid.UUID, error)
	// MarkTombstoned records a tombstone for id without touching rows.
	MarkTombstoned(ctx context.Context, id uuid.UUID, at time.Time) error
	// IsTombstoned reports whether a tombstone was applied for id.
	IsTombstoned(ctx context.Context, id uuid.UUID) (bool, error)
}

// TransactionStatus is the consumer-side state of a business transaction.
type TransactionStatus string

const (
	// TransactionPending has buffered records but no Started marker yet.
	TransactionPending  TransactionStatus = "pending"
	TransactionStarted  TransactionStatus = "started"
	TransactionFinished TransactionStatus = "finished"
)

// BufferedTransaction is the consumer-side record of a business transaction.
type BufferedTransaction struct {
	ID          uuid.UUID
	RootContext uuid.UUID
	Status      TransactionStatus
	// Started is the Started marker record, nil until it is observed.
	Started    *event.Record
	StartedAt  time.Time
	FinishedAt time.Time
	Reported   bool
}

// BufferedRecord is one record held until its transaction finishes.
type BufferedRecord struct {
	// Position identifies the log position; redelivery reuses it.
	Position string
	Record   event.Record
}

// TransactionBufferStore holds records of open business transactions.
type TransactionBufferStore interface {
	// StartTransaction records the Started marker. Repeated calls are no-ops.
	StartTransaction(ctx context.Context, id, rootContext uuid.UUID, started event.Record, at time.Time) error
	// BufferRecord appends a record to an open transaction, creating a
	// pending one when needed. A repeated position is ignored. It returns
	// ErrTransactionFinished once id is finished.
	BufferRecord(ctx context.Context, id uuid.UUID, position string, record event.Record, at time.Time) error
	// Transaction returns the transaction state.
	Transaction(ctx context.Context, id uuid.UUID) (BufferedTransaction, error)
	// BufferedRecords returns the records of id in buffer order.
	BufferedRecords(ctx context.Context, id uuid.UUID) ([]BufferedRecord, error)
	// FinishTransaction marks id finished. Buffered records stay until
	// dropped, and no record is buffered for id afterwards.
	FinishTransaction(ctx context.Context, id uuid.UUID, at time.Time) error
	// DropBufferedRecords removes the records of id at the given positions.
	DropBufferedRecords(ctx context.Context, id uuid.UUID, positions []string) error
	// OpenTransactions lists unreported transactions first seen before cutoff
	// that have not finished.
	OpenTransactions(ctx context.Context, cutoff time.Time) ([]BufferedTransaction, error)
	// MarkReported flags id as reported to operators.
	MarkReported(ctx context.Context, id uuid.UUID) error
}

// DeadLetter is an isolated record that could not be decoded or applied.
type DeadLetter struct {
	ID        int64
	Position  string
	Record    event.Record
	Code      string
	Reason    string
	CreatedAt time.Time
}

// DeadLetterStore persists isolated records.
type DeadLetterStore interface {
	PutDeadLetter(ctx context.Context, letter DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
}

// OutboxEntry is one record waiting for publication.
type OutboxEntry struct {
	Seq           int64
	Record        event.Record
	AttemptCount  int
	NextAttemptAt time.Time
	LastError     string
	Status        string
}

// Outbox statuses.
const (
	OutboxPending    = "pending"
	OutboxProcessing = "processing"
	OutboxFailed     = "failed"
	OutboxDead       = "dead"
)

// OutboxStore is the producer-side publication queue.
type OutboxStore interface {
	// ClaimOutbox leases up to limit due entries in sequence order.
	ClaimOutbox(ctx context.Context, now time.Time, limit int) ([]OutboxEntry, error)
	// CompleteOutbox removes a published entry.
	CompleteOutbox(ctx context.Context, seq int64) error
	// RetryOutbox schedules a failed entry for another attempt or marks it dead.
	RetryOutbox(ctx context.Context, seq int64, now time.Time, cause string) error
}

// DeadOutboxStore revives outbox entries that exhausted their attempts.
type DeadOutboxStore interface {
	// ListOutbox lists entries in sequence order, optionally filtered by status.
	ListOutbox(ctx context.Context, status string, limit int) ([]OutboxEntry, error)
	// RequeueOutbox moves a dead entry back to pending. It reports false when
	// seq is not dead.
	RequeueOutbox(ctx context.Context, seq int64, now time.Time) (bool, error)
}
