package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRunProjectorValidatesConfig(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "readmodel.db")
	tests := []struct {
		name string
		cfg  ProjectorRuntimeConfig
	}{
		{name: "brokers", cfg: ProjectorRuntimeConfig{DBPath: dbPath, Topic: "events", GroupID: "projector"}},
		{name: "topic", cfg: ProjectorRuntimeConfig{DBPath: dbPath, Brokers: []string{"localhost:9092"}, GroupID: "projector"}},
		{name: "group", cfg: ProjectorRuntimeConfig{DBPath: dbPath, Brokers: []string{"localhost:9092"}, Topic: "events"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := RunProjector(context.Background(), tc.cfg); err == nil {
				t.Fatalf("expected error for missing %s", tc.name)
			}
		})
	}
}

func TestRunRelayValidatesConfig(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "readmodel.db")
	if err := RunRelay(context.Background(), RelayRuntimeConfig{DBPath: dbPath, Topic: "events"}); err == nil {
		t.Fatal("expected error for missing brokers")
	}
	if err := RunRelay(context.Background(), RelayRuntimeConfig{DBPath: dbPath, Brokers: []string{"localhost:9092"}}); err == nil {
		t.Fatal("expected error for missing topic")
	}
}

func TestOpenSQLiteCreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "data", "readmodel.db")
	store, err := openSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(dbPath)); err != nil {
		t.Fatalf("stat storage dir: %v", err)
	}
}

// An empty outbox never touches the brokers, so the relay runs against an
// unreachable address until cancelled.
func TestRunRelayStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- RunRelay(ctx, RelayRuntimeConfig{
			HealthAddr: "127.0.0.1:0",
			DBPath:     filepath.Join(t.TempDir(), "relay.db"),
			Brokers:    []string{"127.0.0.1:1"},
			Topic:      "events",
			Relay:      RelayConfig{PollInterval: 10 * time.Millisecond},
		})
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run relay = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay runtime did not stop")
	}
}
