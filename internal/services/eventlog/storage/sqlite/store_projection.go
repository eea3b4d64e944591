package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/key"
	"github.com/louisbranch/readmodel/internal/services/eventlog/storage"
)

const projectionRowColumns = `identifier, version, type, root_context, parent, data, deleted, event_author, event_date, history`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProjectionRow(scanner rowScanner) (storage.Row, error) {
	var (
		row         storage.Row
		identifier  string
		version     int64
		rootContext string
		parent      string
		data        sql.NullString
		deleted     int
		eventDate   int64
		history     string
	)
	if err := scanner.Scan(&identifier, &version, &row.Type, &rootContext, &parent, &data, &deleted, &row.EventAuthor, &eventDate, &history); err != nil {
		return storage.Row{}, err
	}
	var err error
	if row.Identifier, err = parseUUID(identifier); err != nil {
		return storage.Row{}, err
	}
	if row.RootContext, err = parseUUID(rootContext); err != nil {
		return storage.Row{}, err
	}
	if row.Parent, err = parseUUID(parent); err != nil {
		return storage.Row{}, err
	}
	row.Version = uint64(version)
	if data.Valid {
		row.Data = json.RawMessage(data.String)
	}
	row.Deleted = deleted != 0
	row.EventDate = fromMillis(eventDate)
	if err := json.Unmarshal([]byte(history), &row.History); err != nil {
		return storage.Row{}, fmt.Errorf("decode row history: %w", err)
	}
	if len(row.History) == 0 {
		row.History = nil
	}
	return row, nil
}

// CurrentRow implements storage.ProjectionStore.
func (s *Store) CurrentRow(ctx context.Context, id uuid.UUID) (storage.Row, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Row{}, err
	}
	row, err := scanProjectionRow(s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+projectionRowColumns+`
		 FROM projection_rows
		 WHERE identifier = ?
		 ORDER BY version DESC
		 LIMIT 1`,
		id.String(),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Row{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Row{}, fmt.Errorf("get current row %s: %w", id, err)
	}
	return row, nil
}

// RowVersions implements storage.ProjectionStore.
func (s *Store) RowVersions(ctx context.Context, id uuid.UUID) ([]uint64, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT version FROM projection_rows WHERE identifier = ? ORDER BY version`,
		id.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("list row versions %s: %w", id, err)
	}
	defer rows.Close()

	var versions []uint64
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan row version: %w", err)
		}
		versions = append(versions, uint64(version))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate row versions: %w", err)
	}
	return versions, nil
}

// PutRow implements storage.ProjectionStore.
func (s *Store) PutRow(ctx context.Context, row storage.Row) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if row.Version > key.MaxVersion {
		return fmt.Errorf("put row %s@%d: version exceeds %d", row.Identifier, row.Version, key.MaxVersion)
	}
	history := row.History
	if history == nil {
		history = []storage.HistoryEntry{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode row history: %w", err)
	}
	var data sql.NullString
	if row.Data != nil {
		data = sql.NullString{String: string(row.Data), Valid: true}
	}
	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO projection_rows (`+projectionRowColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(identifier, version) DO UPDATE SET
		     type = excluded.type,
		     root_context = excluded.root_context,
		     parent = excluded.parent,
		     data = excluded.data,
		     deleted = excluded.deleted,
		     event_author = excluded.event_author,
		     event_date = excluded.event_date,
		     history = excluded.history`,
		row.Identifier.String(),
		int64(row.Version),
		row.Type,
		row.RootContext.String(),
		uuidString(row.Parent),
		data,
		boolToInt(row.Deleted),
		row.EventAuthor,
		toMillis(row.EventDate),
		string(historyJSON),
	)
	if err != nil {
		return fmt.Errorf("put row %s@%d: %w", row.Identifier, row.Version, err)
	}
	return nil
}

// PruneRows implements storage.ProjectionStore.
func (s *Store) PruneRows(ctx context.Context, id uuid.UUID, version uint64) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if version > key.MaxVersion {
		version = key.MaxVersion
	}
	if _, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM projection_rows WHERE identifier = ? AND version <= ?`,
		id.String(),
		int64(version),
	); err != nil {
		return fmt.Errorf("prune rows %s<=%d: %w", id, version, err)
	}
	return nil
}

// PutRootContext implements storage.ProjectionStore.
func (s *Store) PutRootContext(ctx context.Context, id, rootContext uuid.UUID) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO projection_root_index (identifier, root_context) VALUES (?, ?)`,
		id.String(),
		rootContext.String(),
	); err != nil {
		return fmt.Errorf("put root context %s: %w", id, err)
	}
	return nil
}

// RootContext implements storage.ProjectionStore.
func (s *Store) RootContext(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	if err := s.ready(ctx); err != nil {
		return uuid.Nil, err
	}
	var raw string
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT root_context FROM projection_root_index WHERE identifier = ?`,
		id.String(),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, storage.ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("get root context %s: %w", id, err)
	}
	return parseUUID(raw)
}

// RemoveAggregate implements storage.ProjectionStore. Descendants are found
// with a recursive walk over parent links restricted to rootContext.
func (s *Store) RemoveAggregate(ctx context.Context, rootContext, id uuid.UUID, at time.Time) ([]uuid.UUID, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	var removed []uuid.UUID
	err := s.withTx(ctx, "remove aggregate", func(tx *sql.Tx) error {
		removed = removed[:0]
		rows, err := tx.QueryContext(
			ctx,
			`WITH RECURSIVE subtree(identifier) AS (
			     SELECT ?
			     UNION
			     SELECT r.identifier
			     FROM projection_rows r
			     JOIN subtree s ON r.parent = s.identifier
			     WHERE r.root_context = ?
			 )
			 SELECT identifier FROM subtree`,
			id.String(),
			rootContext.String(),
		)
		if err != nil {
			return fmt.Errorf("walk aggregate %s: %w", id, err)
		}
		var ids []string
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				rows.Close()
				return fmt.Errorf("scan aggregate descendant: %w", err)
			}
			ids = append(ids, raw)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate aggregate descendants: %w", err)
		}
		rows.Close()

		for _, raw := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM projection_rows WHERE identifier = ?`, raw); err != nil {
				return fmt.Errorf("delete rows %s: %w", raw, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM projection_root_index WHERE identifier = ?`, raw); err != nil {
				return fmt.Errorf("delete root index %s: %w", raw, err)
			}
			if _, err := tx.ExecContext(
				ctx,
				`INSERT OR IGNORE INTO projection_tombstones (identifier, tombstoned_at) VALUES (?, ?)`,
				raw,
				toMillis(at),
			); err != nil {
				return fmt.Errorf("tombstone %s: %w", raw, err)
			}
			parsed, err := parseUUID(raw)
			if err != nil {
				return err
			}
			removed = append(removed, parsed)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// MarkTombstoned implements storage.ProjectionStore.
func (s *Store) MarkTombstoned(ctx context.Context, id uuid.UUID, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO projection_tombstones (identifier, tombstoned_at) VALUES (?, ?)`,
		id.String(),
		toMillis(at),
	); err != nil {
		return fmt.Errorf("mark tombstoned %s: %w", id, err)
	}
	return nil
}

// IsTombstoned implements storage.ProjectionStore.
func (s *Store) IsTombstoned(ctx context.Context, id uuid.UUID) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	var found int
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT 1 FROM projection_tombstones WHERE identifier = ?`,
		id.String(),
	).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check tombstone %s: %w", id, err)
	}
	return true, nil
}
