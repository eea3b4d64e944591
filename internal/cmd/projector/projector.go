// Package projector parses projector command flags and launches the
// projection runtime.
package projector

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

// Config holds projector command configuration.
type Config struct {
	HealthAddr   string        `env:"PROJECTOR_HEALTH_ADDR" envDefault:":8091"`
	DBPath       string        `env:"PROJECTOR_DB_PATH" envDefault:"data/readmodel.db"`
	RedisURL     string        `env:"PROJECTOR_REDIS_URL"`
	RedisPrefix  string        `env:"PROJECTOR_REDIS_PREFIX" envDefault:"readmodel:"`
	Brokers      string        `env:"KAFKA_BROKERS" envDefault:"localhost:9092"`
	Topic        string        `env:"KAFKA_TOPIC" envDefault:"readmodel.events"`
	GroupID      string        `env:"PROJECTOR_GROUP_ID" envDefault:"readmodel-projector"`
	AbandonAfter time.Duration `env:"PROJECTOR_ABANDON_AFTER" envDefault:"15m"`
	Environment  string        `env:"ENV" envDefault:"development"`
	LogLevel     string        `env:"LOG_LEVEL"`
	Telemetry    otel.Config
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.HealthAddr, "health-addr", cfg.HealthAddr, "The projector health gRPC listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The read model SQLite database path")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Redis URL for the transaction buffer (empty keeps it in SQLite)")
	fs.StringVar(&cfg.RedisPrefix, "redis-prefix", cfg.RedisPrefix, "Redis key prefix")
	fs.StringVar(&cfg.Brokers, "brokers", cfg.Brokers, "Comma-separated Kafka broker addresses")
	fs.StringVar(&cfg.Topic, "topic", cfg.Topic, "The event log topic")
	fs.StringVar(&cfg.GroupID, "group-id", cfg.GroupID, "The Kafka consumer group")
	fs.DurationVar(&cfg.AbandonAfter, "abandon-after", cfg.AbandonAfter, "Age at which an unfinished business transaction is reported")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level override")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the projector runtime.
func Run(ctx context.Context, cfg Config) error {
	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.Named(entrypoint.ServiceProjector)

	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceProjector, entrypoint.RunOptions{
		Telemetry:       cfg.Telemetry,
		ShutdownTimeout: timeouts.Shutdown,
		Logger:          logger,
	}, func(ctx context.Context) error {
		return eventlogapp.RunProjector(ctx, eventlogapp.ProjectorRuntimeConfig{
			HealthAddr:   cfg.HealthAddr,
			DBPath:       cfg.DBPath,
			RedisURL:     cfg.RedisURL,
			RedisPrefix:  cfg.RedisPrefix,
			Brokers:      config.SplitList(cfg.Brokers),
			Topic:        cfg.Topic,
			GroupID:      cfg.GroupID,
			AbandonAfter: cfg.AbandonAfter,
			Logger:       logger,
		})
	})
}
