package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/event"
	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/transaction"
	"github.com/louisbranch/readmodel/internal/services/eventlog/storage"
)

const (
	outboxDeadLetterThreshold = 8
	outboxProcessingLease     = 2 * time.Minute
	// outboxScanFactor bounds how many rows a claim inspects per requested
	// entry when earlier rows block their partition.
	outboxScanFactor = 4
)

// InTx runs fn inside one local transaction. Records appended through
// transaction.Append within fn land in the outbox atomically with each
// other; nothing is written when fn fails.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("transaction callback is required")
	}
	return s.withTx(ctx, "outbox", func(tx *sql.Tx) error {
		unit := &outboxUnit{tx: tx, now: s.now}
		return fn(transaction.WithUnit(ctx, unit))
	})
}

type outboxUnit struct {
	tx  *sql.Tx
	now func() time.Time
}

// Append implements transaction.Unit.
func (u *outboxUnit) Append(ctx context.Context, envelope event.Envelope) error {
	record, err := event.Encode(envelope)
	if err != nil {
		return err
	}
	return enqueueOutbox(ctx, u.tx, record, u.now().UTC())
}

func enqueueOutbox(ctx context.Context, tx *sql.Tx, record event.Record, at time.Time) error {
	encoded, err := encodeRecord(record)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO record_outbox (partition_key, record, status, attempt_count, next_attempt_at, last_error, updated_at)
		 VALUES (?, ?, 'pending', 0, ?, '', ?)`,
		record.PartitionKey,
		encoded,
		toMillis(at),
		toMillis(at),
	); err != nil {
		return fmt.Errorf("enqueue outbox record: %w", err)
	}
	return nil
}

type outboxCandidate struct {
	entry     storage.OutboxEntry
	updatedAt time.Time
}

// ClaimOutbox implements storage.OutboxStore. Entries are claimed in sequence
// order; an entry that is waiting for a retry, leased to another worker or
// dead blocks later entries of the same partition key. A dead entry blocks
// its partition until it is requeued or removed.
func (s *Store) ClaimOutbox(ctx context.Context, now time.Time, limit int) ([]storage.OutboxEntry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []storage.OutboxEntry{}, nil
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var claimed []storage.OutboxEntry
	err := s.withTx(ctx, "outbox claim", func(tx *sql.Tx) error {
		claimed = make([]storage.OutboxEntry, 0, limit)
		candidates, err := listOutboxCandidates(ctx, tx, limit*outboxScanFactor)
		if err != nil {
			return err
		}

		staleBefore := now.Add(-outboxProcessingLease)
		blocked := map[string]bool{}
		for _, candidate := range candidates {
			if len(claimed) == limit {
				break
			}
			entry := candidate.entry
			partition := entry.Record.PartitionKey
			if blocked[partition] {
				continue
			}
			due := false
			switch entry.Status {
			case storage.OutboxPending, storage.OutboxFailed:
				due = !entry.NextAttemptAt.After(now)
			case storage.OutboxProcessing:
				due = !candidate.updatedAt.After(staleBefore)
			}
			if !due {
				blocked[partition] = true
				continue
			}

			result, err := tx.ExecContext(
				ctx,
				`UPDATE record_outbox
				 SET status = 'processing', updated_at = ?
				 WHERE seq = ?
				   AND (
				   	(status IN ('pending', 'failed') AND next_attempt_at <= ?)
				   	OR (status = 'processing' AND updated_at <= ?)
				   )`,
				toMillis(now),
				entry.Seq,
				toMillis(now),
				toMillis(staleBefore),
			)
			if err != nil {
				return fmt.Errorf("claim outbox row %d: %w", entry.Seq, err)
			}
			affected, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("claim outbox row rows affected %d: %w", entry.Seq, err)
			}
			if affected != 1 {
				blocked[partition] = true
				continue
			}
			entry.Status = storage.OutboxProcessing
			claimed = append(claimed, entry)
			// Later entries of the partition wait until this one is published.
			blocked[partition] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func listOutboxCandidates(ctx context.Context, tx *sql.Tx, limit int) ([]outboxCandidate, error) {
	rows, err := tx.QueryContext(
		ctx,
		`SELECT o.seq, o.record, o.status, o.attempt_count, o.next_attempt_at, o.last_error, o.updated_at
		 FROM record_outbox AS o
		 WHERE o.status != 'dead'
		   AND NOT EXISTS (
		   	SELECT 1 FROM record_outbox AS d
		   	WHERE d.partition_key = o.partition_key
		   	  AND d.status = 'dead'
		   	  AND d.seq < o.seq
		   )
		 ORDER BY o.seq
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list outbox rows: %w", err)
	}
	defer rows.Close()

	candidates := make([]outboxCandidate, 0, limit)
	for rows.Next() {
		candidate, err := scanOutboxRow(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, candidate)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return candidates, nil
}

func scanOutboxRow(scanner rowScanner) (outboxCandidate, error) {
	var (
		candidate   outboxCandidate
		raw         string
		nextAttempt int64
		updatedAt   int64
	)
	if err := scanner.Scan(
		&candidate.entry.Seq,
		&raw,
		&candidate.entry.Status,
		&candidate.entry.AttemptCount,
		&nextAttempt,
		&candidate.entry.LastError,
		&updatedAt,
	); err != nil {
		return outboxCandidate{}, fmt.Errorf("scan outbox row: %w", err)
	}
	record, err := decodeRecord(raw)
	if err != nil {
		return outboxCandidate{}, err
	}
	candidate.entry.Record = record
	candidate.entry.NextAttemptAt = fromMillis(nextAttempt)
	candidate.updatedAt = fromMillis(updatedAt)
	return candidate, nil
}

// CompleteOutbox implements storage.OutboxStore.
func (s *Store) CompleteOutbox(ctx context.Context, seq int64) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM record_outbox WHERE seq = ? AND status = 'processing'`,
		seq,
	)
	if err != nil {
		return fmt.Errorf("complete outbox row %d: %w", seq, err)
	}
	return ensureOutboxSingleRow(result, seq, "complete outbox row", "deleted")
}

// RetryOutbox implements storage.OutboxStore. The entry turns dead once its
// attempts reach the dead-letter threshold.
func (s *Store) RetryOutbox(ctx context.Context, seq int64, now time.Time, cause string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return s.withTx(ctx, "outbox retry", func(tx *sql.Tx) error {
		var attemptCount int
		if err := tx.QueryRowContext(
			ctx,
			`SELECT attempt_count FROM record_outbox WHERE seq = ? AND status = 'processing'`,
			seq,
		).Scan(&attemptCount); err != nil {
			return fmt.Errorf("load outbox row %d: %w", seq, err)
		}
		attempt := attemptCount + 1
		status := storage.OutboxFailed
		if attempt >= outboxDeadLetterThreshold {
			status = storage.OutboxDead
		}
		result, err := tx.ExecContext(
			ctx,
			`UPDATE record_outbox
			 SET status = ?,
			     attempt_count = ?,
			     next_attempt_at = ?,
			     last_error = ?,
			     updated_at = ?
			 WHERE seq = ? AND status = 'processing'`,
			status,
			attempt,
			toMillis(now.Add(outboxRetryBackoff(attempt))),
			cause,
			toMillis(now),
			seq,
		)
		if err != nil {
			return fmt.Errorf("mark outbox retry for row %d: %w", seq, err)
		}
		return ensureOutboxSingleRow(result, seq, "mark outbox retry for row", "updated")
	})
}

// RequeueOutbox transitions one dead entry back to pending so the relay
// retries it after a fix.
func (s *Store) RequeueOutbox(ctx context.Context, seq int64, now time.Time) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE record_outbox
		 SET status = 'pending',
		     attempt_count = 0,
		     next_attempt_at = ?,
		     last_error = '',
		     updated_at = ?
		 WHERE seq = ? AND status = 'dead'`,
		toMillis(now),
		toMillis(now),
		seq,
	)
	if err != nil {
		return false, fmt.Errorf("requeue dead outbox row %d: %w", seq, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("requeue dead outbox row rows affected %d: %w", seq, err)
	}
	return affected == 1, nil
}

// ListOutbox lists outbox entries in sequence order, optionally filtered by
// status.
func (s *Store) ListOutbox(ctx context.Context, status string, limit int) ([]storage.OutboxEntry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []storage.OutboxEntry{}, nil
	}
	normalized, err := normalizeOutboxStatus(status)
	if err != nil {
		return nil, err
	}

	var rows *sql.Rows
	if normalized == "" {
		rows, err = s.sqlDB.QueryContext(
			ctx,
			`SELECT seq, record, status, attempt_count, next_attempt_at, last_error, updated_at
			 FROM record_outbox ORDER BY seq LIMIT ?`,
			limit,
		)
	} else {
		rows, err = s.sqlDB.QueryContext(
			ctx,
			`SELECT seq, record, status, attempt_count, next_attempt_at, last_error, updated_at
			 FROM record_outbox WHERE status = ? ORDER BY seq LIMIT ?`,
			normalized,
			limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("list outbox rows: %w", err)
	}
	defer rows.Close()

	entries := make([]storage.OutboxEntry, 0, limit)
	for rows.Next() {
		candidate, err := scanOutboxRow(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, candidate.entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return entries, nil
}

func normalizeOutboxStatus(status string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(status))
	switch normalized {
	case "", storage.OutboxPending, storage.OutboxProcessing, storage.OutboxFailed, storage.OutboxDead:
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid outbox status %q", status)
	}
}

func ensureOutboxSingleRow(result sql.Result, seq int64, operation, verb string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected %d: %w", operation, seq, err)
	}
	if affected != 1 {
		return fmt.Errorf("%s %d: expected 1 row %s, got %d", operation, seq, verb, affected)
	}
	return nil
}

func outboxRetryBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	backoff := time.Second << (attempt - 1)
	if backoff > 5*time.Minute {
		return 5 * time.Minute
	}
	return backoff
}
