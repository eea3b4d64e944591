// Package redis keeps the consumer's business-transaction buffer in Redis so
// several projector replicas can share it.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/event"
	"github.com/louisbranch/readmodel/internal/services/eventlog/storage"
)

// DefaultPrefix namespaces every key the store writes.
const DefaultPrefix = "readmodel:"

const maxWatchRetries = 8

// Connect initializes a Redis client from URL or host:port input.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	redisURL = strings.TrimSpace(redisURL)
	if redisURL == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Store implements storage.TransactionBufferStore with one hash per
// transaction, a list plus a position set for its records and a sorted set
// of open transactions scored by first-seen time.
type Store struct {
	client *redis.Client
	prefix string
}

var _ storage.TransactionBufferStore = (*Store)(nil)

// New creates a store over client. An empty prefix selects DefaultPrefix.
func New(client *redis.Client, prefix string) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}, nil
}

func (s *Store) txKey(id uuid.UUID) string        { return s.prefix + "tx:" + id.String() }
func (s *Store) recordsKey(id uuid.UUID) string   { return s.prefix + "tx:" + id.String() + ":records" }
func (s *Store) positionsKey(id uuid.UUID) string { return s.prefix + "tx:" + id.String() + ":positions" }
func (s *Store) openKey() string                  { return s.prefix + "tx:open" }

// watch runs fn under optimistic locking on keys, retrying when another
// client modified them first.
func (s *Store) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("redis keys %v kept changing: %w", keys, redis.TxFailedErr)
}

// StartTransaction implements storage.TransactionBufferStore.
func (s *Store) StartTransaction(ctx context.Context, id, rootContext uuid.UUID, started event.Record, at time.Time) error {
	encoded, err := json.Marshal(started)
	if err != nil {
		return fmt.Errorf("encode started record: %w", err)
	}
	key := s.txKey(id)
	err = s.watch(ctx, func(tx *redis.Tx) error {
		status, err := tx.HGet(ctx, key, "status").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if status != "" && status != string(storage.TransactionPending) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key,
				"root_context", rootContext.String(),
				"status", string(storage.TransactionStarted),
				"started_record", string(encoded),
			)
			p.HSetNX(ctx, key, "started_at", at.UTC().UnixMilli())
			p.ZAddNX(ctx, s.openKey(), redis.Z{Score: float64(at.UTC().UnixMilli()), Member: id.String()})
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("start transaction %s: %w", id, err)
	}
	return nil
}

// BufferRecord implements storage.TransactionBufferStore.
func (s *Store) BufferRecord(ctx context.Context, id uuid.UUID, position string, record event.Record, at time.Time) error {
	encoded, err := json.Marshal(storage.BufferedRecord{Position: position, Record: record})
	if err != nil {
		return fmt.Errorf("encode buffered record: %w", err)
	}
	key := s.txKey(id)
	positions := s.positionsKey(id)
	err = s.watch(ctx, func(tx *redis.Tx) error {
		status, err := tx.HGet(ctx, key, "status").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if status == string(storage.TransactionFinished) {
			return storage.ErrTransactionFinished
		}
		seen, err := tx.SIsMember(ctx, positions, position).Result()
		if err != nil {
			return err
		}
		if seen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if status == "" {
				p.HSet(ctx, key, "status", string(storage.TransactionPending), "started_at", at.UTC().UnixMilli())
				p.ZAddNX(ctx, s.openKey(), redis.Z{Score: float64(at.UTC().UnixMilli()), Member: id.String()})
			}
			p.SAdd(ctx, positions, position)
			p.RPush(ctx, s.recordsKey(id), string(encoded))
			return nil
		})
		return err
	}, key, positions)
	if err != nil {
		return fmt.Errorf("buffer record %s at %s: %w", id, position, err)
	}
	return nil
}

// Transaction implements storage.TransactionBufferStore.
func (s *Store) Transaction(ctx context.Context, id uuid.UUID) (storage.BufferedTransaction, error) {
	fields, err := s.client.HGetAll(ctx, s.txKey(id)).Result()
	if err != nil {
		return storage.BufferedTransaction{}, fmt.Errorf("get transaction %s: %w", id, err)
	}
	if len(fields) == 0 {
		return storage.BufferedTransaction{}, storage.ErrNotFound
	}
	return decodeTransaction(id, fields)
}

func decodeTransaction(id uuid.UUID, fields map[string]string) (storage.BufferedTransaction, error) {
	tx := storage.BufferedTransaction{
		ID:       id,
		Status:   storage.TransactionStatus(fields["status"]),
		Reported: fields["reported"] == "1",
	}
	if raw := fields["root_context"]; raw != "" {
		root, err := uuid.Parse(raw)
		if err != nil {
			return storage.BufferedTransaction{}, fmt.Errorf("parse root context %q: %w", raw, err)
		}
		tx.RootContext = root
	}
	if raw := fields["started_record"]; raw != "" {
		var record event.Record
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return storage.BufferedTransaction{}, fmt.Errorf("decode started record: %w", err)
		}
		tx.Started = &record
	}
	if raw := fields["started_at"]; raw != "" {
		millis, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return storage.BufferedTransaction{}, fmt.Errorf("parse started_at %q: %w", raw, err)
		}
		tx.StartedAt = time.UnixMilli(millis).UTC()
	}
	if raw := fields["finished_at"]; raw != "" {
		millis, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return storage.BufferedTransaction{}, fmt.Errorf("parse finished_at %q: %w", raw, err)
		}
		tx.FinishedAt = time.UnixMilli(millis).UTC()
	}
	return tx, nil
}

// BufferedRecords implements storage.TransactionBufferStore.
func (s *Store) BufferedRecords(ctx context.Context, id uuid.UUID) ([]storage.BufferedRecord, error) {
	values, err := s.client.LRange(ctx, s.recordsKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list buffered records %s: %w", id, err)
	}
	records := make([]storage.BufferedRecord, 0, len(values))
	for _, raw := range values {
		var record storage.BufferedRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, fmt.Errorf("decode buffered record: %w", err)
		}
		records = append(records, record)
	}
	return records, nil
}

// FinishTransaction implements storage.TransactionBufferStore.
func (s *Store) FinishTransaction(ctx context.Context, id uuid.UUID, at time.Time) error {
	key := s.txKey(id)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "status", string(storage.TransactionFinished), "finished_at", at.UTC().UnixMilli())
		p.HSetNX(ctx, key, "started_at", at.UTC().UnixMilli())
		p.ZRem(ctx, s.openKey(), id.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("finish transaction %s: %w", id, err)
	}
	return nil
}

// DropBufferedRecords implements storage.TransactionBufferStore.
func (s *Store) DropBufferedRecords(ctx context.Context, id uuid.UUID, positions []string) error {
	if len(positions) == 0 {
		return nil
	}
	drop := make(map[string]struct{}, len(positions))
	members := make([]any, 0, len(positions))
	for _, position := range positions {
		drop[position] = struct{}{}
		members = append(members, position)
	}
	recordsKey := s.recordsKey(id)
	err := s.watch(ctx, func(tx *redis.Tx) error {
		values, err := tx.LRange(ctx, recordsKey, 0, -1).Result()
		if err != nil {
			return err
		}
		kept := make([]any, 0, len(values))
		for _, raw := range values {
			var record storage.BufferedRecord
			if err := json.Unmarshal([]byte(raw), &record); err != nil {
				return fmt.Errorf("decode buffered record: %w", err)
			}
			if _, ok := drop[record.Position]; !ok {
				kept = append(kept, raw)
			}
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, recordsKey)
			if len(kept) > 0 {
				p.RPush(ctx, recordsKey, kept...)
			}
			p.SRem(ctx, s.positionsKey(id), members...)
			return nil
		})
		return err
	}, recordsKey)
	if err != nil {
		return fmt.Errorf("drop buffered records %s: %w", id, err)
	}
	return nil
}

// OpenTransactions implements storage.TransactionBufferStore.
func (s *Store) OpenTransactions(ctx context.Context, cutoff time.Time) ([]storage.BufferedTransaction, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.openKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UTC().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list open transactions: %w", err)
	}
	var open []storage.BufferedTransaction
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse open transaction id %q: %w", raw, err)
		}
		tx, err := s.Transaction(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if tx.Status == storage.TransactionFinished || tx.Reported {
			continue
		}
		open = append(open, tx)
	}
	return open, nil
}

// MarkReported implements storage.TransactionBufferStore.
func (s *Store) MarkReported(ctx context.Context, id uuid.UUID) error {
	key := s.txKey(id)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("check transaction %s: %w", id, err)
	}
	if exists == 0 {
		return storage.ErrNotFound
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "reported", "1")
		p.ZRem(ctx, s.openKey(), id.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark transaction %s reported: %w", id, err)
	}
	return nil
}
