package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/louisbranch/readmodel/internal/platform/logging"
	"github.com/louisbranch/readmodel/internal/platform/timeouts"
)

// Handler processes one message. A nil return commits its offset; an error
// ends the session so the message is redelivered.
type Handler func(ctx context.Context, msg kafka.Message) error

// PartitionRouter fans messages out to one worker goroutine per partition.
// Records of a partition are handled in log order; partitions proceed
// independently.
type PartitionRouter struct {
	handler       Handler
	logger        *zap.Logger
	queueSize     int
	handleTimeout time.Duration
}

// RouterOption configures a PartitionRouter.
type RouterOption func(*PartitionRouter)

// WithRouterLogger sets the router logger.
func WithRouterLogger(logger *zap.Logger) RouterOption {
	return func(r *PartitionRouter) { r.logger = logging.OrNop(logger) }
}

// WithQueueSize sets how many fetched messages may wait per partition.
func WithQueueSize(size int) RouterOption {
	return func(r *PartitionRouter) {
		if size > 0 {
			r.queueSize = size
		}
	}
}

// WithHandleTimeout bounds each handler call and offset commit.
func WithHandleTimeout(timeout time.Duration) RouterOption {
	return func(r *PartitionRouter) {
		if timeout > 0 {
			r.handleTimeout = timeout
		}
	}
}

// NewPartitionRouter creates a router over handler.
func NewPartitionRouter(handler Handler, opts ...RouterOption) (*PartitionRouter, error) {
	if handler == nil {
		return nil, fmt.Errorf("message handler is required")
	}
	r := &PartitionRouter{
		handler:       handler,
		logger:        zap.NewNop(),
		queueSize:     64,
		handleTimeout: timeouts.StoreOperation,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run consumes source until ctx ends or a message fails. It returns the
// number of committed messages and, unless ctx ended, the failure. Workers
// finish the record they hold before Run returns; queued records are left
// uncommitted for redelivery.
func (r *PartitionRouter) Run(ctx context.Context, source Source) (int64, error) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg        sync.WaitGroup
		once      sync.Once
		failure   error
		committed atomic.Int64
	)
	fail := func(err error) {
		once.Do(func() {
			failure = err
			cancel()
		})
	}

	workers := make(map[string]chan kafka.Message)
	var fetchErr error
	for {
		msg, err := source.FetchMessage(sessionCtx)
		if err != nil {
			fetchErr = err
			break
		}
		partition := partitionOf(msg)
		queue, ok := workers[partition]
		if !ok {
			queue = make(chan kafka.Message, r.queueSize)
			workers[partition] = queue
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.work(sessionCtx, source, queue, fail, &committed)
			}()
		}
		select {
		case queue <- msg:
		case <-sessionCtx.Done():
		}
	}
	for _, queue := range workers {
		close(queue)
	}
	wg.Wait()

	if failure != nil {
		return committed.Load(), failure
	}
	if ctx.Err() != nil {
		return committed.Load(), nil
	}
	if errors.Is(fetchErr, context.Canceled) {
		return committed.Load(), nil
	}
	return committed.Load(), fmt.Errorf("fetch message: %w", fetchErr)
}

func (r *PartitionRouter) work(ctx context.Context, source Source, queue <-chan kafka.Message, fail func(error), committed *atomic.Int64) {
	for msg := range queue {
		if ctx.Err() != nil {
			continue
		}
		if err := r.handle(ctx, source, msg); err != nil {
			r.logger.Warn("partition worker stopped",
				zap.String("position", Position(msg)),
				zap.Error(err),
			)
			fail(err)
			continue
		}
		committed.Add(1)
	}
}

func (r *PartitionRouter) handle(ctx context.Context, source Source, msg kafka.Message) error {
	// The record in hand completes even when the session is cancelled.
	handleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.handleTimeout)
	defer cancel()
	if err := r.handler(handleCtx, msg); err != nil {
		return fmt.Errorf("handle %s: %w", Position(msg), err)
	}
	if err := source.CommitMessages(handleCtx, msg); err != nil {
		return fmt.Errorf("commit %s: %w", Position(msg), err)
	}
	return nil
}
