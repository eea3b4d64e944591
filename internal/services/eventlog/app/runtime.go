package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	platformgrpc "github.com/louisbranch/readmodel/internal/platform/grpc"
	"github.com/louisbranch/readmodel/internal/platform/logging"
	"github.com/louisbranch/readmodel/internal/services/eventlog/consumer"
	"github.com/louisbranch/readmodel/internal/services/eventlog/storage"
	redisstore "github.com/louisbranch/readmodel/internal/services/eventlog/storage/redis"
	"github.com/louisbranch/readmodel/internal/services/eventlog/storage/sqlite"
	kafkatransport "github.com/louisbranch/readmodel/internal/services/eventlog/transport/kafka"
)

// Health service names reported by the runtimes.
const (
	HealthServiceProjector = "readmodel.projector"
	HealthServiceRelay     = "readmodel.relay"
)

const defaultDBPath = "data/readmodel.db"

// ProjectorRuntimeConfig controls projector startup.
type ProjectorRuntimeConfig struct {
	HealthAddr string
	DBPath     string
	// RedisURL, when set, moves the transaction buffer to Redis.
	RedisURL    string
	RedisPrefix string
	Brokers     []string
	Topic       string
	GroupID     string
	// AbandonAfter is the age at which an unfinished transaction is reported.
	AbandonAfter time.Duration
	Logger       *zap.Logger
}

// RelayRuntimeConfig controls relay startup.
type RelayRuntimeConfig struct {
	HealthAddr string
	DBPath     string
	Brokers    []string
	Topic      string
	Relay      RelayConfig
	// RequeueDead revives dead outbox entries before the relay starts.
	RequeueDead bool
	Logger      *zap.Logger
}

func validateLog(brokers []string, topic string) error {
	if len(brokers) == 0 {
		return fmt.Errorf("kafka brokers are required")
	}
	if strings.TrimSpace(topic) == "" {
		return fmt.Errorf("kafka topic is required")
	}
	return nil
}

func openSQLite(ctx context.Context, path string) (*sqlite.Store, error) {
	if strings.TrimSpace(path) == "" {
		path = defaultDBPath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return store, nil
}

// RunProjector consumes the log into the read model until ctx is cancelled.
func RunProjector(ctx context.Context, cfg ProjectorRuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := validateLog(cfg.Brokers, cfg.Topic); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return fmt.Errorf("kafka group id is required")
	}
	logger := logging.OrNop(cfg.Logger)

	store, err := openSQLite(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Warn("close sqlite store", zap.Error(closeErr))
		}
	}()

	var buffer storage.TransactionBufferStore = store
	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := redisstore.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				logger.Warn("close redis client", zap.Error(closeErr))
			}
		}()
		redisBuffer, err := redisstore.New(client, cfg.RedisPrefix)
		if err != nil {
			return err
		}
		buffer = redisBuffer
	}

	pipeline, err := NewPipeline(PipelineConfig{
		Projections: store,
		Buffer:      buffer,
		DeadLetters: store,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	sweeper, err := consumer.NewSweeper(buffer, consumer.SweeperConfig{
		Timeout: cfg.AbandonAfter,
		Logger:  logger.Named("sweeper"),
	})
	if err != nil {
		return err
	}
	router, err := kafkatransport.NewPartitionRouter(pipeline.HandleMessage,
		kafkatransport.WithRouterLogger(logger.Named("router")))
	if err != nil {
		return err
	}
	runner, err := kafkatransport.NewRunner(func() (kafkatransport.Source, error) {
		reader, err := kafkatransport.NewReader(kafkatransport.ReaderConfig{
			Brokers: cfg.Brokers,
			GroupID: cfg.GroupID,
			Topic:   cfg.Topic,
		})
		if err != nil {
			return nil, err
		}
		return reader, nil
	}, router, kafkatransport.WithRunnerLogger(logger.Named("runner")))
	if err != nil {
		return err
	}

	healthServer, err := platformgrpc.NewHealthServer(cfg.HealthAddr, logger.Named("health"))
	if err != nil {
		return err
	}
	defer healthServer.Close()

	logger.Info("projector started",
		zap.String("health_addr", healthServer.Addr()),
		zap.String("topic", cfg.Topic),
		zap.String("group_id", cfg.GroupID),
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return healthServer.Serve(groupCtx) })
	group.Go(func() error { return sweeper.Run(groupCtx) })
	group.Go(func() error {
		healthServer.SetServing("", true)
		healthServer.SetServing(HealthServiceProjector, true)
		defer healthServer.SetServing(HealthServiceProjector, false)
		return runner.Run(groupCtx)
	})
	return group.Wait()
}

// RunRelay publishes the outbox onto the log until ctx is cancelled.
func RunRelay(ctx context.Context, cfg RelayRuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := validateLog(cfg.Brokers, cfg.Topic); err != nil {
		return err
	}
	logger := logging.OrNop(cfg.Logger)

	store, err := openSQLite(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Warn("close sqlite store", zap.Error(closeErr))
		}
	}()

	writer, err := kafkatransport.NewWriter(cfg.Brokers)
	if err != nil {
		return err
	}
	publisher, err := kafkatransport.NewPublisher(writer, cfg.Topic)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := publisher.Close(); closeErr != nil {
			logger.Warn("close kafka publisher", zap.Error(closeErr))
		}
	}()

	if cfg.RequeueDead {
		requeued, err := RequeueDeadOutbox(ctx, store, time.Now().UTC(), logger.Named("relay"))
		if err != nil {
			return err
		}
		logger.Info("dead outbox entries requeued", zap.Int("count", requeued))
	}

	relayCfg := cfg.Relay
	relayCfg.Logger = logger.Named("relay")
	relay, err := NewRelay(store, publisher, relayCfg)
	if err != nil {
		return err
	}

	healthServer, err := platformgrpc.NewHealthServer(cfg.HealthAddr, logger.Named("health"))
	if err != nil {
		return err
	}
	defer healthServer.Close()

	logger.Info("relay started", zap.String("health_addr", healthServer.Addr()), zap.String("topic", cfg.Topic))
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return healthServer.Serve(groupCtx) })
	group.Go(func() error {
		healthServer.SetServing("", true)
		healthServer.SetServing(HealthServiceRelay, true)
		defer healthServer.SetServing(HealthServiceRelay, false)
		return relay.Run(groupCtx)
	})
	return group.Wait()
}
