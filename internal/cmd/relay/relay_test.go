package relay

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfig_ParsesDefaultsAndFlags(t *testing.T) {
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	t.Setenv("READMODEL_RELAY_BATCH_SIZE", "10")
	t.Setenv("READMODEL_KAFKA_TOPIC", "projects.events")

	cfg, err := ParseConfig(fs, []string{"-poll-interval", "250ms", "-publish-attempts", "5", "-requeue-dead"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.BatchSize != 10 {
		t.Fatalf("batch size = %d, want 10", cfg.BatchSize)
	}
	if cfg.Topic != "projects.events" {
		t.Fatalf("topic = %q, want %q", cfg.Topic, "projects.events")
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Fatalf("poll interval = %v, want 250ms", cfg.PollInterval)
	}
	if cfg.PublishAttempts != 5 {
		t.Fatalf("publish attempts = %d, want 5", cfg.PublishAttempts)
	}
	if !cfg.RequeueDead {
		t.Fatal("expected requeue dead to be set")
	}
}

func TestParseConfig_Defaults(t *testing.T) {
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)

	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.DBPath != "data/outbox.db" {
		t.Fatalf("db path = %q, want %q", cfg.DBPath, "data/outbox.db")
	}
	if cfg.HealthAddr != ":8092" {
		t.Fatalf("health addr = %q, want %q", cfg.HealthAddr, ":8092")
	}
	if cfg.RequeueDead {
		t.Fatal("requeue dead should default to false")
	}
}
