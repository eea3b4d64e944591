package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/event"
	"github.com/louisbranch/readmodel/internal/services/eventlog/storage"
)

const bufferedTransactionColumns = `transaction_id, root_context, status, started_record, started_at, finished_at, reported`

// StartTransaction implements storage.TransactionBufferStore.
func (s *Store) StartTransaction(ctx context.Context, id, rootContext uuid.UUID, started event.Record, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	encoded, err := encodeRecord(started)
	if err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO buffered_transactions (transaction_id, root_context, status, started_record, started_at)
		 VALUES (?, ?, 'started', ?, ?)
		 ON CONFLICT(transaction_id) DO UPDATE SET
		     root_context = excluded.root_context,
		     status = 'started',
		     started_record = excluded.started_record
		 WHERE buffered_transactions.status = 'pending'`,
		id.String(),
		rootContext.String(),
		encoded,
		toMillis(at),
	); err != nil {
		return fmt.Errorf("start transaction %s: %w", id, err)
	}
	return nil
}

// BufferRecord implements storage.TransactionBufferStore.
func (s *Store) BufferRecord(ctx context.Context, id uuid.UUID, position string, record event.Record, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	encoded, err := encodeRecord(record)
	if err != nil {
		return err
	}
	return s.withTx(ctx, "buffer record", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT OR IGNORE INTO buffered_transactions (transaction_id, status, started_at)
			 VALUES (?, 'pending', ?)`,
			id.String(),
			toMillis(at),
		); err != nil {
			return fmt.Errorf("ensure transaction %s: %w", id, err)
		}
		var status string
		if err := tx.QueryRowContext(
			ctx,
			`SELECT status FROM buffered_transactions WHERE transaction_id = ?`,
			id.String(),
		).Scan(&status); err != nil {
			return fmt.Errorf("load transaction %s: %w", id, err)
		}
		if storage.TransactionStatus(status) == storage.TransactionFinished {
			return storage.ErrTransactionFinished
		}
		if _, err := tx.ExecContext(
			ctx,
			`INSERT OR IGNORE INTO buffered_records (transaction_id, position, record, buffered_at)
			 VALUES (?, ?, ?, ?)`,
			id.String(),
			position,
			encoded,
			toMillis(at),
		); err != nil {
			return fmt.Errorf("buffer record %s at %s: %w", id, position, err)
		}
		return nil
	})
}

func scanBufferedTransaction(scanner rowScanner) (storage.BufferedTransaction, error) {
	var (
		tx          storage.BufferedTransaction
		id          string
		rootContext string
		status      string
		started     sql.NullString
		startedAt   int64
		finishedAt  int64
		reported    int
	)
	if err := scanner.Scan(&id, &rootContext, &status, &started, &startedAt, &finishedAt, &reported); err != nil {
		return storage.BufferedTransaction{}, err
	}
	var err error
	if tx.ID, err = parseUUID(id); err != nil {
		return storage.BufferedTransaction{}, err
	}
	if tx.RootContext, err = parseUUID(rootContext); err != nil {
		return storage.BufferedTransaction{}, err
	}
	tx.Status = storage.TransactionStatus(status)
	if started.Valid {
		record, err := decodeRecord(started.String)
		if err != nil {
			return storage.BufferedTransaction{}, err
		}
		tx.Started = &record
	}
	tx.StartedAt = fromMillis(startedAt)
	if finishedAt > 0 {
		tx.FinishedAt = fromMillis(finishedAt)
	}
	tx.Reported = reported != 0
	return tx, nil
}

// Transaction implements storage.TransactionBufferStore.
func (s *Store) Transaction(ctx context.Context, id uuid.UUID) (storage.BufferedTransaction, error) {
	if err := s.ready(ctx); err != nil {
		return storage.BufferedTransaction{}, err
	}
	tx, err := scanBufferedTransaction(s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+bufferedTransactionColumns+` FROM buffered_transactions WHERE transaction_id = ?`,
		id.String(),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return storage.BufferedTransaction{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.BufferedTransaction{}, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return tx, nil
}

// BufferedRecords implements storage.TransactionBufferStore.
func (s *Store) BufferedRecords(ctx context.Context, id uuid.UUID) ([]storage.BufferedRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT position, record FROM buffered_records WHERE transaction_id = ? ORDER BY seq`,
		id.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("list buffered records %s: %w", id, err)
	}
	defer rows.Close()

	var buffered []storage.BufferedRecord
	for rows.Next() {
		var (
			entry storage.BufferedRecord
			raw   string
		)
		if err := rows.Scan(&entry.Position, &raw); err != nil {
			return nil, fmt.Errorf("scan buffered record: %w", err)
		}
		if entry.Record, err = decodeRecord(raw); err != nil {
			return nil, err
		}
		buffered = append(buffered, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate buffered records: %w", err)
	}
	return buffered, nil
}

// FinishTransaction implements storage.TransactionBufferStore.
func (s *Store) FinishTransaction(ctx context.Context, id uuid.UUID, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO buffered_transactions (transaction_id, status, started_at, finished_at)
		 VALUES (?, 'finished', ?, ?)
		 ON CONFLICT(transaction_id) DO UPDATE SET
		     status = 'finished',
		     finished_at = excluded.finished_at`,
		id.String(),
		toMillis(at),
		toMillis(at),
	); err != nil {
		return fmt.Errorf("finish transaction %s: %w", id, err)
	}
	return nil
}

// DropBufferedRecords implements storage.TransactionBufferStore.
func (s *Store) DropBufferedRecords(ctx context.Context, id uuid.UUID, positions []string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if len(positions) == 0 {
		return nil
	}
	return s.withTx(ctx, "drop buffered records", func(tx *sql.Tx) error {
		for _, position := range positions {
			if _, err := tx.ExecContext(
				ctx,
				`DELETE FROM buffered_records WHERE transaction_id = ? AND position = ?`,
				id.String(),
				position,
			); err != nil {
				return fmt.Errorf("drop buffered record %s at %s: %w", id, position, err)
			}
		}
		return nil
	})
}

// OpenTransactions implements storage.TransactionBufferStore.
func (s *Store) OpenTransactions(ctx context.Context, cutoff time.Time) ([]storage.BufferedTransaction, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT `+bufferedTransactionColumns+`
		 FROM buffered_transactions
		 WHERE status != 'finished' AND reported = 0 AND started_at < ?
		 ORDER BY started_at, transaction_id`,
		toMillis(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("list open transactions: %w", err)
	}
	defer rows.Close()

	var open []storage.BufferedTransaction
	for rows.Next() {
		tx, err := scanBufferedTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan open transaction: %w", err)
		}
		open = append(open, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate open transactions: %w", err)
	}
	return open, nil
}

// MarkReported implements storage.TransactionBufferStore.
func (s *Store) MarkReported(ctx context.Context, id uuid.UUID) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE buffered_transactions SET reported = 1 WHERE transaction_id = ?`,
		id.String(),
	)
	if err != nil {
		return fmt.Errorf("mark transaction %s reported: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark transaction %s reported rows affected: %w", id, err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
