package app

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/louisbranch/readmodel/internal/platform/logging"
	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/event"
	"github.com/louisbranch/readmodel/internal/services/eventlog/storage"
)

// RecordPublisher writes records to the log and returns once they are
// durably acknowledged.
type RecordPublisher interface {
	Publish(ctx context.Context, records ...event.Record) error
}

// RelayConfig tunes the outbox relay loop.
type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// PublishAttempts bounds in-process retries before the entry is
	// rescheduled through the outbox.
	PublishAttempts uint
	Logger          *zap.Logger
}

const (
	defaultRelayPollInterval    = time.Second
	defaultRelayBatchSize       = 50
	defaultRelayPublishAttempts = 3
	requeueBatchSize            = 100
)

func (c RelayConfig) normalized() RelayConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultRelayPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultRelayBatchSize
	}
	if c.PublishAttempts == 0 {
		c.PublishAttempts = defaultRelayPublishAttempts
	}
	c.Logger = logging.OrNop(c.Logger)
	return c
}

// Relay drains the outbox onto the log. An entry is removed only after the
// publisher acknowledged it; failures are rescheduled with backoff.
type Relay struct {
	store     storage.OutboxStore
	publisher RecordPublisher
	cfg       RelayConfig
	now       func() time.Time
}

// NewRelay creates a relay.
func NewRelay(store storage.OutboxStore, publisher RecordPublisher, cfg RelayConfig) (*Relay, error) {
	if store == nil {
		return nil, fmt.Errorf("outbox store is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("record publisher is required")
	}
	return &Relay{store: store, publisher: publisher, cfg: cfg.normalized(), now: time.Now}, nil
}

// RunOnce claims one batch and publishes it. It returns how many entries were
// published.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	now := r.now().UTC()
	entries, err := r.store.ClaimOutbox(ctx, now, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim outbox: %w", err)
	}
	published := 0
	for _, entry := range entries {
		if err := r.publish(ctx, entry); err != nil {
			r.cfg.Logger.Warn("outbox publish failed",
				zap.Int64("seq", entry.Seq),
				zap.Int("attempt", entry.AttemptCount+1),
				zap.String("partition_key", entry.Record.PartitionKey),
				zap.Error(err),
			)
			if retryErr := r.store.RetryOutbox(ctx, entry.Seq, r.now().UTC(), err.Error()); retryErr != nil {
				return published, fmt.Errorf("reschedule outbox entry %d: %w", entry.Seq, retryErr)
			}
			continue
		}
		if err := r.store.CompleteOutbox(ctx, entry.Seq); err != nil {
			return published, fmt.Errorf("complete outbox entry %d: %w", entry.Seq, err)
		}
		published++
	}
	return published, nil
}

func (r *Relay) publish(ctx context.Context, entry storage.OutboxEntry) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, r.publisher.Publish(ctx, entry.Record)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(r.cfg.PublishAttempts),
		backoff.WithNotify(func(err error, delay time.Duration) {
			r.cfg.Logger.Debug("retrying outbox publish",
				zap.Int64("seq", entry.Seq),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		}),
	)
	return err
}

// Run polls the outbox until ctx is cancelled. A full batch is followed
// immediately by another claim.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		published, err := r.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.cfg.Logger.Error("outbox relay pass failed", zap.Error(err))
		}
		if err == nil && published >= r.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RequeueDeadOutbox moves every dead outbox entry back to pending and
// returns how many were revived. Revived entries unblock their partition key
// and are published in sequence order by the next relay pass.
func RequeueDeadOutbox(ctx context.Context, store storage.DeadOutboxStore, now time.Time, logger *zap.Logger) (int, error) {
	if store == nil {
		return 0, fmt.Errorf("outbox store is required")
	}
	logger = logging.OrNop(logger)
	requeued := 0
	for {
		dead, err := store.ListOutbox(ctx, storage.OutboxDead, requeueBatchSize)
		if err != nil {
			return requeued, fmt.Errorf("list dead outbox entries: %w", err)
		}
		for _, entry := range dead {
			ok, err := store.RequeueOutbox(ctx, entry.Seq, now)
			if err != nil {
				return requeued, fmt.Errorf("requeue outbox entry %d: %w", entry.Seq, err)
			}
			if !ok {
				continue
			}
			requeued++
			logger.Info("requeued dead outbox entry",
				zap.Int64("seq", entry.Seq),
				zap.String("partition_key", entry.Record.PartitionKey),
				zap.String("last_error", entry.LastError),
			)
		}
		if len(dead) < requeueBatchSize {
			return requeued, nil
		}
	}
}
