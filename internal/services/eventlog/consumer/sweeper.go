package consumer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	platformerrors "github.com/louisbranch/readmodel/internal/platform/errors"
	"github.com/louisbranch/readmodel/internal/platform/logging"
	"github.com/louisbranch/readmodel/internal/platform/timeouts"
	"github.com/louisbranch/readmodel/internal/services/eventlog/storage"
)

// Sweeper reports business transactions that started but never finished.
// Each transaction is reported once; nothing is rolled back since the log
// stays the source of truth.
type Sweeper struct {
	buffer   storage.TransactionBufferStore
	timeout  time.Duration
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	// Timeout is the age after which an open transaction is abandoned.
	Timeout time.Duration
	// Interval is the period of Run.
	Interval time.Duration
	Logger   *zap.Logger
	Now      func() time.Time
}

// NewSweeper creates a sweeper over buffer.
func NewSweeper(buffer storage.TransactionBufferStore, cfg SweeperConfig) (*Sweeper, error) {
	if buffer == nil {
		return nil, fmt.Errorf("transaction buffer store is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = timeouts.TransactionAbandoned
	}
	if cfg.Interval <= 0 {
		cfg.Interval = cfg.Timeout / 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sweeper{
		buffer:   buffer,
		timeout:  cfg.Timeout,
		interval: cfg.Interval,
		logger:   logging.OrNop(cfg.Logger),
		now:      cfg.Now,
	}, nil
}

// Sweep reports every transaction open for longer than the timeout and
// returns them.
func (s *Sweeper) Sweep(ctx context.Context) ([]storage.BufferedTransaction, error) {
	now := s.now().UTC()
	abandoned, err := s.buffer.OpenTransactions(ctx, now.Add(-s.timeout))
	if err != nil {
		return nil, fmt.Errorf("list open transactions: %w", err)
	}
	for _, tx := range abandoned {
		err := platformerrors.WithMetadata(
			platformerrors.CodeTransactionAbandoned,
			"business transaction started without finished marker",
			map[string]string{"transaction_id": tx.ID.String(), "root_context": tx.RootContext.String()},
		)
		s.logger.Error("business transaction abandoned",
			zap.String("code", string(err.Code)),
			zap.String("transaction_id", tx.ID.String()),
			zap.String("root_context", tx.RootContext.String()),
			zap.String("status", string(tx.Status)),
			zap.Duration("age", now.Sub(tx.StartedAt)),
			zap.Error(err),
		)
		if err := s.buffer.MarkReported(ctx, tx.ID); err != nil {
			return nil, fmt.Errorf("mark transaction %s reported: %w", tx.ID, err)
		}
	}
	return abandoned, nil
}

// Run sweeps every interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("sweep abandoned transactions", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
