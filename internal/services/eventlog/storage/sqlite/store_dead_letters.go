package sqlite

import (
	"context"
	"fmt"

	"github.com/louisbranch/readmodel/internal/services/eventlog/storage"
)

// PutDeadLetter implements storage.DeadLetterStore.
func (s *Store) PutDeadLetter(ctx context.Context, letter storage.DeadLetter) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	encoded, err := encodeRecord(letter.Record)
	if err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO dead_letters (position, record, code, reason, created_at) VALUES (?, ?, ?, ?, ?)`,
		letter.Position,
		encoded,
		letter.Code,
		letter.Reason,
		toMillis(letter.CreatedAt),
	); err != nil {
		return fmt.Errorf("put dead letter %s: %w", letter.Position, err)
	}
	return nil
}

// ListDeadLetters implements storage.DeadLetterStore.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]storage.DeadLetter, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, position, record, code, reason, created_at FROM dead_letters ORDER BY id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []storage.DeadLetter
	for rows.Next() {
		var (
			letter    storage.DeadLetter
			raw       string
			createdAt int64
		)
		if err := rows.Scan(&letter.ID, &letter.Position, &raw, &letter.Code, &letter.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if letter.Record, err = decodeRecord(raw); err != nil {
			return nil, err
		}
		letter.CreatedAt = fromMillis(createdAt)
		letters = append(letters, letter)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return letters, nil
}
