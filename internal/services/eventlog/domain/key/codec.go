package key

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	platformerrors "github.com/louisbranch/readmodel/internal/platform/errors"
)

type wireAggregateIdentifier struct {
	Type       string `json:"type"`
	Identifier string `json:"identifier"`
	Version    uint64 `json:"version"`
}

type wireKey struct {
	Type                  Kind                     `json:"type"`
	AggregateIdentifier   *wireAggregateIdentifier `json:"aggregateIdentifier,omitempty"`
	Identifier            string                   `json:"identifier,omitempty"`
	TransactionIdentifier string                   `json:"transactionIdentifier,omitempty"`
	RootContextIdentifier string                   `json:"rootContextIdentifier,omitempty"`
}

// Marshal encodes k as JSON with a "type" discriminator.
func Marshal(k EventMessageKey) ([]byte, error) {
	var wire wireKey
	switch v := k.(type) {
	case AggregateEventMessageKey:
		if err := v.AggregateIdentifier.Validate(); err != nil {
			return nil, fmt.Errorf("marshal aggregate key: %w", err)
		}
		wire = wireKey{
			Type: KindAggregate,
			AggregateIdentifier: &wireAggregateIdentifier{
				Type:       v.AggregateIdentifier.Type,
				Identifier: v.AggregateIdentifier.Identifier.String(),
				Version:    v.AggregateIdentifier.Version,
			},
			RootContextIdentifier: v.RootContextIdentifier.String(),
		}
	case CommandMessageKey:
		wire = wireKey{Type: KindCommand, Identifier: v.Identifier.String()}
	case BusinessTransactionStartedMessageKey:
		wire = wireKey{
			Type:                  KindBusinessTransactionStarted,
			TransactionIdentifier: v.TransactionIdentifier.String(),
			RootContextIdentifier: v.RootContextIdentifier.String(),
		}
	case BusinessTransactionFinishedMessageKey:
		wire = wireKey{
			Type:                  KindBusinessTransactionFinished,
			TransactionIdentifier: v.TransactionIdentifier.String(),
			RootContextIdentifier: v.RootContextIdentifier.String(),
		}
	case nil:
		return nil, fmt.Errorf("message key is required")
	default:
		return nil, fmt.Errorf("unsupported message key %T", k)
	}
	return json.Marshal(wire)
}

// Unmarshal decodes a key produced by Marshal. Every failure matches
// ErrSchemaMismatch.
func Unmarshal(data []byte) (EventMessageKey, error) {
	var wire wireKey
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, schemaMismatch("decode message key", err)
	}
	switch wire.Type {
	case KindAggregate:
		if wire.AggregateIdentifier == nil {
			return nil, schemaMismatch("aggregate key without aggregate identifier", nil)
		}
		aggregate, err := ParseAggregateIdentifier(wire.AggregateIdentifier.Type, wire.AggregateIdentifier.Identifier, wire.AggregateIdentifier.Version)
		if err != nil {
			return nil, schemaMismatch("aggregate identifier", err)
		}
		root, err := parseUUID("rootContextIdentifier", wire.RootContextIdentifier)
		if err != nil {
			return nil, err
		}
		return AggregateEventMessageKey{AggregateIdentifier: aggregate, RootContextIdentifier: root}, nil
	case KindCommand:
		identifier, err := parseUUID("identifier", wire.Identifier)
		if err != nil {
			return nil, err
		}
		return CommandMessageKey{Identifier: identifier}, nil
	case KindBusinessTransactionStarted, KindBusinessTransactionFinished:
		transactionID, err := parseUUID("transactionIdentifier", wire.TransactionIdentifier)
		if err != nil {
			return nil, err
		}
		root, err := parseUUID("rootContextIdentifier", wire.RootContextIdentifier)
		if err != nil {
			return nil, err
		}
		if wire.Type == KindBusinessTransactionStarted {
			return BusinessTransactionStartedMessageKey{TransactionIdentifier: transactionID, RootContextIdentifier: root}, nil
		}
		return BusinessTransactionFinishedMessageKey{TransactionIdentifier: transactionID, RootContextIdentifier: root}, nil
	default:
		return nil, platformerrors.WithMetadata(
			platformerrors.CodeSchemaMismatch,
			fmt.Sprintf("unknown message key type %q", wire.Type),
			map[string]string{"type": string(wire.Type)},
		)
	}
}

func parseUUID(field, value string) (uuid.UUID, error) {
	parsed, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, schemaMismatch("parse "+field, err)
	}
	return parsed, nil
}

func schemaMismatch(message string, cause error) error {
	return platformerrors.Wrap(platformerrors.CodeSchemaMismatch, message, cause)
}
