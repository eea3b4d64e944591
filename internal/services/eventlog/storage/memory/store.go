// Package memory implements the storage contracts in process memory. It
// backs tests and single-process runs without a database file.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/event"
	"github.com/louisbranch/readmodel/internal/services/eventlog/storage"
)

// Store is a mutex-guarded in-memory store.
type Store struct {
	mu          sync.Mutex
	rows        map[uuid.UUID]map[uint64]storage.Row
	rootIndex   map[uuid.UUID]uuid.UUID
	tombstones  map[uuid.UUID]time.Time
	txs         map[uuid.UUID]*storage.BufferedTransaction
	txRecords   map[uuid.UUID][]storage.BufferedRecord
	deadLetters []storage.DeadLetter
}

var (
	_ storage.ProjectionStore        = (*Store)(nil)
	_ storage.TransactionBufferStore = (*Store)(nil)
	_ storage.DeadLetterStore        = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		rows:       make(map[uuid.UUID]map[uint64]storage.Row),
		rootIndex:  make(map[uuid.UUID]uuid.UUID),
		tombstones: make(map[uuid.UUID]time.Time),
		txs:        make(map[uuid.UUID]*storage.BufferedTransaction),
		txRecords:  make(map[uuid.UUID][]storage.BufferedRecord),
	}
}

// CurrentRow implements storage.ProjectionStore.
func (s *Store) CurrentRow(ctx context.Context, id uuid.UUID) (storage.Row, error) {
	if err := ctx.Err(); err != nil {
		return storage.Row{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.rows[id]
	if len(versions) == 0 {
		return storage.Row{}, storage.ErrNotFound
	}
	var (
		current storage.Row
		found   bool
	)
	for version, row := range versions {
		if !found || version > current.Version {
			current = row
			found = true
		}
	}
	return cloneRow(current), nil
}

// RowVersions implements storage.ProjectionStore.
func (s *Store) RowVersions(ctx context.Context, id uuid.UUID) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := make([]uint64, 0, len(s.rows[id]))
	for version := range s.rows[id] {
		versions = append(versions, version)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

// PutRow implements storage.ProjectionStore.
func (s *Store) PutRow(ctx context.Context, row storage.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, ok := s.rows[row.Identifier]
	if !ok {
		versions = make(map[uint64]storage.Row)
		s.rows[row.Identifier] = versions
	}
	versions[row.Version] = cloneRow(row)
	return nil
}

// PruneRows implements storage.ProjectionStore.
func (s *Store) PruneRows(ctx context.Context, id uuid.UUID, version uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for stored := range s.rows[id] {
		if stored <= version {
			delete(s.rows[id], stored)
		}
	}
	if len(s.rows[id]) == 0 {
		delete(s.rows, id)
	}
	return nil
}

// PutRootContext implements storage.ProjectionStore.
func (s *Store) PutRootContext(ctx context.Context, id, rootContext uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rootIndex[id]; !ok {
		s.rootIndex[id] = rootContext
	}
	return nil
}

// RootContext implements storage.ProjectionStore.
func (s *Store) RootContext(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	root, ok := s.rootIndex[id]
	if !ok {
		return uuid.Nil, storage.ErrNotFound
	}
	return root, nil
}

// RemoveAggregate implements storage.ProjectionStore.
func (s *Store) RemoveAggregate(ctx context.Context, rootContext, id uuid.UUID, at time.Time) ([]uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := []uuid.UUID{id}
	queue := []uuid.UUID{id}
	seen := map[uuid.UUID]bool{id: true}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		for childID, versions := range s.rows {
			if seen[childID] {
				continue
			}
			for _, row := range versions {
				if row.Parent == parent && row.RootContext == rootContext {
					seen[childID] = true
					removed = append(removed, childID)
					queue = append(queue, childID)
					break
				}
			}
		}
	}
	for _, removedID := range removed {
		delete(s.rows, removedID)
		delete(s.rootIndex, removedID)
		if _, ok := s.tombstones[removedID]; !ok {
			s.tombstones[removedID] = at
		}
	}
	return removed, nil
}

// MarkTombstoned implements storage.ProjectionStore.
func (s *Store) MarkTombstoned(ctx context.Context, id uuid.UUID, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tombstones[id]; !ok {
		s.tombstones[id] = at
	}
	return nil
}

// IsTombstoned implements storage.ProjectionStore.
func (s *Store) IsTombstoned(ctx context.Context, id uuid.UUID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tombstones[id]
	return ok, nil
}

// StartTransaction implements storage.TransactionBufferStore.
func (s *Store) StartTransaction(ctx context.Context, id, rootContext uuid.UUID, started event.Record, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		tx = &storage.BufferedTransaction{ID: id, Status: storage.TransactionPending, StartedAt: at}
		s.txs[id] = tx
	}
	if tx.Status != storage.TransactionPending {
		return nil
	}
	record := cloneRecord(started)
	tx.Status = storage.TransactionStarted
	tx.RootContext = rootContext
	tx.Started = &record
	return nil
}

// BufferRecord implements storage.TransactionBufferStore.
func (s *Store) BufferRecord(ctx context.Context, id uuid.UUID, position string, record event.Record, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		s.txs[id] = &storage.BufferedTransaction{ID: id, Status: storage.TransactionPending, StartedAt: at}
	} else if tx.Status == storage.TransactionFinished {
		return storage.ErrTransactionFinished
	}
	for _, existing := range s.txRecords[id] {
		if existing.Position == position {
			return nil
		}
	}
	s.txRecords[id] = append(s.txRecords[id], storage.BufferedRecord{Position: position, Record: cloneRecord(record)})
	return nil
}

// Transaction implements storage.TransactionBufferStore.
func (s *Store) Transaction(ctx context.Context, id uuid.UUID) (storage.BufferedTransaction, error) {
	if err := ctx.Err(); err != nil {
		return storage.BufferedTransaction{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return storage.BufferedTransaction{}, storage.ErrNotFound
	}
	return *tx, nil
}

// BufferedRecords implements storage.TransactionBufferStore.
func (s *Store) BufferedRecords(ctx context.Context, id uuid.UUID) ([]storage.BufferedRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.BufferedRecord, len(s.txRecords[id]))
	copy(out, s.txRecords[id])
	return out, nil
}

// FinishTransaction implements storage.TransactionBufferStore.
func (s *Store) FinishTransaction(ctx context.Context, id uuid.UUID, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		tx = &storage.BufferedTransaction{ID: id, StartedAt: at}
		s.txs[id] = tx
	}
	tx.Status = storage.TransactionFinished
	tx.FinishedAt = at
	return nil
}

// DropBufferedRecords implements storage.TransactionBufferStore.
func (s *Store) DropBufferedRecords(ctx context.Context, id uuid.UUID, positions []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	drop := make(map[string]struct{}, len(positions))
	for _, position := range positions {
		drop[position] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.txRecords[id][:0]
	for _, record := range s.txRecords[id] {
		if _, ok := drop[record.Position]; !ok {
			kept = append(kept, record)
		}
	}
	if len(kept) == 0 {
		delete(s.txRecords, id)
		return nil
	}
	s.txRecords[id] = kept
	return nil
}

// OpenTransactions implements storage.TransactionBufferStore.
func (s *Store) OpenTransactions(ctx context.Context, cutoff time.Time) ([]storage.BufferedTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var open []storage.BufferedTransaction
	for _, tx := range s.txs {
		if tx.Status == storage.TransactionFinished || tx.Reported || !tx.StartedAt.Before(cutoff) {
			continue
		}
		open = append(open, *tx)
	}
	sort.Slice(open, func(i, j int) bool { return open[i].StartedAt.Before(open[j].StartedAt) })
	return open, nil
}

// MarkReported implements storage.TransactionBufferStore.
func (s *Store) MarkReported(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return storage.ErrNotFound
	}
	tx.Reported = true
	return nil
}

// PutDeadLetter implements storage.DeadLetterStore.
func (s *Store) PutDeadLetter(ctx context.Context, letter storage.DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	letter.ID = int64(len(s.deadLetters) + 1)
	letter.Record = cloneRecord(letter.Record)
	s.deadLetters = append(s.deadLetters, letter)
	return nil
}

// ListDeadLetters implements storage.DeadLetterStore.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]storage.DeadLetter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.deadLetters) {
		limit = len(s.deadLetters)
	}
	out := make([]storage.DeadLetter, limit)
	copy(out, s.deadLetters[:limit])
	return out, nil
}

func cloneRow(row storage.Row) storage.Row {
	row.Data = cloneJSON(row.Data)
	if row.History != nil {
		history := make([]storage.HistoryEntry, len(row.History))
		for i, entry := range row.History {
			entry.Data = cloneJSON(entry.Data)
			history[i] = entry
		}
		row.History = history
	}
	return row
}

func cloneJSON(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneRecord(record event.Record) event.Record {
	out := event.Record{PartitionKey: record.PartitionKey}
	if record.Key != nil {
		out.Key = append([]byte(nil), record.Key...)
	}
	if record.Value != nil {
		out.Value = append([]byte(nil), record.Value...)
	}
	if record.Headers != nil {
		out.Headers = make(map[string]string, len(record.Headers))
		for name, value := range record.Headers {
			out.Headers[name] = value
		}
	}
	return out
}
