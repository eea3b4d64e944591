// Package relay parses relay command flags and launches the outbox relay.
package relay

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/louisbranch/readmodel/internal/platform/cmd"
	"github.com/louisbranch/readmodel/internal/platform/config"
	"github.com/louisbranch/readmodel/internal/platform/logging"
	"github.com/louisbranch/readmodel/internal/platform/otel"
	"github.com/louisbranch/readmodel/internal/platform/timeouts"
	eventlogapp "github.com/louisbranch/readmodel/internal/services/eventlog/app"
)

// Config holds relay command configuration.
type Config struct {
	HealthAddr      string        `env:"RELAY_HEALTH_ADDR" envDefault:":8092"`
	DBPath          string        `env:"RELAY_DB_PATH" envDefault:"data/outbox.db"`
	Brokers         string        `env:"KAFKA_BROKERS" envDefault:"localhost:9092"`
	Topic           string        `env:"KAFKA_TOPIC" envDefault:"readmodel.events"`
	PollInterval    time.Duration `env:"RELAY_POLL_INTERVAL" envDefault:"1s"`
	BatchSize       int           `env:"RELAY_BATCH_SIZE" envDefault:"50"`
	PublishAttempts uint          `env:"RELAY_PUBLISH_ATTEMPTS" envDefault:"3"`
	RequeueDead     bool          `env:"RELAY_REQUEUE_DEAD"`
	Environment     string        `env:"ENV" envDefault:"development"`
	LogLevel        string        `env:"LOG_LEVEL"`
	Telemetry       otel.Config
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.HealthAddr, "health-addr", cfg.HealthAddr, "The relay health gRPC listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The outbox SQLite database path")
	fs.StringVar(&cfg.Brokers, "brokers", cfg.Brokers, "Comma-separated Kafka broker addresses")
	fs.StringVar(&cfg.Topic, "topic", cfg.Topic, "The event log topic")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Outbox poll interval")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Maximum outbox entries claimed per pass")
	fs.UintVar(&cfg.PublishAttempts, "publish-attempts", cfg.PublishAttempts, "In-process publish attempts before rescheduling")
	fs.BoolVar(&cfg.RequeueDead, "requeue-dead", cfg.RequeueDead, "Requeue dead outbox entries before relaying")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level override")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the relay runtime.
func Run(ctx context.Context, cfg Config) error {
	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.Named(entrypoint.ServiceRelay)

	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceRelay, entrypoint.RunOptions{
		Telemetry:       cfg.Telemetry,
		ShutdownTimeout: timeouts.Shutdown,
		Logger:          logger,
	}, func(ctx context.Context) error {
		return eventlogapp.RunRelay(ctx, eventlogapp.RelayRuntimeConfig{
			HealthAddr: cfg.HealthAddr,
			DBPath:     cfg.DBPath,
			Brokers:    config.SplitList(cfg.Brokers),
			Topic:      cfg.Topic,
			Relay: eventlogapp.RelayConfig{
				PollInterval:    cfg.PollInterval,
				BatchSize:       cfg.BatchSize,
				PublishAttempts: cfg.PublishAttempts,
			},
			RequeueDead: cfg.RequeueDead,
			Logger:      logger,
		})
	})
}
