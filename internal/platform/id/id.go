// Package id generates identifiers for aggregates and business transactions.
package id

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator yields fresh identifiers. Tests swap it for a deterministic source.
type Generator func() (uuid.UUID, error)

// NewID returns a random (version 4) UUID.
func NewID() (uuid.UUID, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate id: %w", err)
	}
	return value, nil
}

// Sequence returns a Generator that yields the given identifiers in order and
// then fails.
func Sequence(ids ...uuid.UUID) Generator {
	next := 0
	return func() (uuid.UUID, error) {
		if next >= len(ids) {
			return uuid.Nil, fmt.Errorf("id sequence exhausted after %d ids", len(ids))
		}
		value := ids[next]
		next++
		return value, nil
	}
}
