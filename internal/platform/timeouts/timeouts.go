// Package timeouts defines shared timeout constants used across services.
package timeouts

import "time"

// Shutdown limits how long a runtime waits for in-flight work and telemetry
// flushes during graceful shutdown.
const Shutdown = 5 * time.Second

// StoreOperation caps a single projection store call issued by a consumer.
const StoreOperation = 10 * time.Second

// ReaderRestartMax caps the backoff between consumer session restarts.
const ReaderRestartMax = 30 * time.Second

// TransactionAbandoned is the default age after which a started business
// transaction without a finished marker is reported.
const TransactionAbandoned = 15 * time.Minute
