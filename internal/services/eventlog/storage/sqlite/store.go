// Package sqlite implements the event log storage contracts on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/louisbranch/readmodel/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/event"
	"github.com/louisbranch/readmodel/internal/services/eventlog/storage"
	"github.com/louisbranch/readmodel/internal/services/eventlog/storage/sqlite/migrations"
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store provides a SQLite-backed store implementing the projection,
// transaction buffer, dead-letter and outbox contracts.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

var (
	_ storage.ProjectionStore        = (*Store)(nil)
	_ storage.TransactionBufferStore = (*Store)(nil)
	_ storage.DeadLetterStore        = (*Store)(nil)
	_ storage.OutboxStore            = (*Store)(nil)
)

// Open opens the store at path and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	sqlDB, err := sqlitemigrate.Open(ctx, path, migrations.FS, migrations.Root)
	if err != nil {
		return nil, err
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the underlying SQLite database.
//
// Close is nil-safe so callers can defer it in all startup paths.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

const (
	maxBusyRetries = 8
	retryBaseDelay = 10 * time.Millisecond
)

// withTx runs fn in a database transaction, retrying when SQLite reports the
// database busy. fn may run more than once and must confine its writes to tx.
func (s *Store) withTx(ctx context.Context, operation string, fn func(tx *sql.Tx) error) error {
	waitForRetry := func(attempt int) error {
		delay := time.Duration(attempt+1) * retryBaseDelay
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}

	var lastBusyErr error
	for attempt := 0; ; attempt++ {
		retry, err := func() (bool, error) {
			tx, err := s.sqlDB.BeginTx(ctx, nil)
			if err != nil {
				if isSQLiteBusyError(err) {
					lastBusyErr = err
					return true, nil
				}
				return false, fmt.Errorf("begin %s tx: %w", operation, err)
			}
			defer tx.Rollback()

			if err := fn(tx); err != nil {
				if isSQLiteBusyError(err) {
					lastBusyErr = err
					return true, nil
				}
				return false, err
			}
			if err := tx.Commit(); err != nil {
				if isSQLiteBusyError(err) {
					lastBusyErr = err
					return true, nil
				}
				return false, fmt.Errorf("commit %s tx: %w", operation, err)
			}
			return false, nil
		}()
		if !retry {
			return err
		}
		if attempt >= maxBusyRetries {
			return fmt.Errorf("%s remained busy: %w", operation, lastBusyErr)
		}
		if waitErr := waitForRetry(attempt); waitErr != nil {
			return waitErr
		}
	}
}

func isSQLiteBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

func encodeRecord(record event.Record) (string, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	return string(raw), nil
}

func decodeRecord(raw string) (event.Record, error) {
	var record event.Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return event.Record{}, fmt.Errorf("decode record: %w", err)
	}
	return record, nil
}

func uuidString(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

func parseUUID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse stored identifier %q: %w", raw, err)
	}
	return id, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
