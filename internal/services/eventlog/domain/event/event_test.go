package event

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	platformerrors "github.com/louisbranch/readmodel/internal/platform/errors"
	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/key"
)

type noteCreated struct {
	Title    string    `json:"title"`
	ParentID uuid.UUID `json:"parentId"`
}

func (n noteCreated) ParentIdentifier() uuid.UUID { return n.ParentID }

var (
	rootID = uuid.MustParse("0b7f8c3e-2c53-4f55-8f1d-1a2b3c4d0001")
	noteID = uuid.MustParse("0b7f8c3e-2c53-4f55-8f1d-1a2b3c4d0002")
	txID   = uuid.MustParse("0b7f8c3e-2c53-4f55-8f1d-1a2b3c4d0003")
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	registry := NewRegistry()
	if err := registry.Register("NOTE", "CREATED", func() any { return &noteCreated{} }); err != nil {
		t.Fatalf("register: %v", err)
	}
	return registry
}

func noteKey(version uint64) key.AggregateEventMessageKey {
	return key.AggregateEventMessageKey{
		AggregateIdentifier:   key.AggregateIdentifier{Type: "NOTE", Identifier: noteID, Version: version},
		RootContextIdentifier: rootID,
	}
}

func TestEnvelopeIsTombstone(t *testing.T) {
	if (Envelope{}).IsTombstone() {
		t.Fatal("keyless envelope is not a tombstone")
	}
	if !Tombstone(noteKey(1), time.Now()).IsTombstone() {
		t.Fatal("expected tombstone")
	}
	if (Envelope{Key: noteKey(1), Name: "CREATED", Payload: noteCreated{}}).IsTombstone() {
		t.Fatal("payload envelope is not a tombstone")
	}
}

func TestSubject(t *testing.T) {
	if got := Subject(noteKey(0)); got != "NOTE" {
		t.Fatalf("Subject(aggregate) = %q, want NOTE", got)
	}
	if got := Subject(key.CommandMessageKey{Identifier: noteID}); got != string(key.KindCommand) {
		t.Fatalf("Subject(command) = %q, want %q", got, key.KindCommand)
	}
	if got := Subject(nil); got != "" {
		t.Fatalf("Subject(nil) = %q, want empty", got)
	}
}

func TestRegistryRegisterValidates(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register("", "CREATED", func() any { return &noteCreated{} }); err == nil {
		t.Fatal("expected subject error")
	}
	if err := registry.Register("NOTE", "", func() any { return &noteCreated{} }); err == nil {
		t.Fatal("expected name error")
	}
	if err := registry.Register("NOTE", "CREATED", nil); err == nil {
		t.Fatal("expected factory error")
	}
	if err := registry.Register("NOTE", "CREATED", func() any { return noteCreated{} }); err == nil {
		t.Fatal("expected pointer factory error")
	}
	if err := registry.Register("NOTE", "CREATED", func() any { return &noteCreated{} }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register("NOTE", "CREATED", func() any { return &noteCreated{} }); err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestRegistryCoverage(t *testing.T) {
	registry := newTestRegistry(t)
	registry.MustRegister("NOTE", "ARCHIVED", func() any { return &noteCreated{} })

	missing := registry.Coverage(func(v Variant) bool { return v.Name == "CREATED" })
	if len(missing) != 1 || missing[0] != (Variant{Subject: "NOTE", Name: "ARCHIVED"}) {
		t.Fatalf("missing = %+v, want NOTE/ARCHIVED", missing)
	}
}

func TestEncodeDecodeRecord(t *testing.T) {
	registry := newTestRegistry(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tid := txID
	envelope := Envelope{
		Key:           noteKey(2),
		Name:          "CREATED",
		Payload:       noteCreated{Title: "hello", ParentID: rootID},
		TransactionID: &tid,
		Author:        "user-1",
		Timestamp:     at,
	}

	record, err := Encode(envelope)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if record.PartitionKey != rootID.String() {
		t.Fatalf("partition key = %q, want %q", record.PartitionKey, rootID)
	}
	if record.Headers[HeaderTransactionID] != txID.String() {
		t.Fatalf("transaction header = %q, want %q", record.Headers[HeaderTransactionID], txID)
	}

	decoded, err := registry.DecodeRecord(record)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Key != envelope.Key {
		t.Fatalf("key = %#v, want %#v", decoded.Key, envelope.Key)
	}
	payload, ok := decoded.Payload.(noteCreated)
	if !ok {
		t.Fatalf("payload type = %T, want noteCreated", decoded.Payload)
	}
	if payload.Title != "hello" {
		t.Fatalf("title = %q, want hello", payload.Title)
	}
	if decoded.TransactionID == nil || *decoded.TransactionID != txID {
		t.Fatalf("transaction id = %v, want %s", decoded.TransactionID, txID)
	}
	if !decoded.Timestamp.Equal(at) {
		t.Fatalf("timestamp = %v, want %v", decoded.Timestamp, at)
	}
	if decoded.Author != "user-1" {
		t.Fatalf("author = %q, want user-1", decoded.Author)
	}
}

func TestEncodeTombstoneHasNoValue(t *testing.T) {
	record, err := Encode(Tombstone(noteKey(3), time.Time{}))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if record.Value != nil {
		t.Fatalf("value = %q, want nil", record.Value)
	}
	decoded, err := newTestRegistry(t).DecodeRecord(record)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.IsTombstone() {
		t.Fatal("expected tombstone")
	}
}

func TestEncodeRequiresKeyAndName(t *testing.T) {
	if _, err := Encode(Envelope{Name: "CREATED", Payload: noteCreated{}}); err == nil {
		t.Fatal("expected key error")
	}
	if _, err := Encode(Envelope{Key: noteKey(1), Payload: noteCreated{}}); err == nil {
		t.Fatal("expected name error")
	}
}

func TestDecodeRecordSchemaMismatch(t *testing.T) {
	registry := newTestRegistry(t)
	good, err := Encode(Envelope{Key: noteKey(1), Name: "CREATED", Payload: noteCreated{Title: "a"}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	tests := []struct {
		name   string
		record Record
	}{
		{name: "bad key", record: Record{Key: []byte("nope"), Value: good.Value}},
		{name: "bad value", record: Record{Key: good.Key, Value: []byte("{")}},
		{name: "unknown variant", record: Record{Key: good.Key, Value: []byte(`{"name":"PURGED","payload":{}}`)}},
		{name: "unknown field", record: Record{Key: good.Key, Value: []byte(`{"name":"CREATED","payload":{"color":"red"}}`)}},
		{name: "missing name", record: Record{Key: good.Key, Value: []byte(`{"payload":{}}`)}},
		{name: "header mismatch", record: Record{Key: good.Key, Value: good.Value, Headers: map[string]string{HeaderEventName: "UPDATED"}}},
		{name: "bad transaction header", record: Record{Key: good.Key, Value: good.Value, Headers: map[string]string{HeaderTransactionID: "x"}}},
		{name: "bad time header", record: Record{Key: good.Key, Value: good.Value, Headers: map[string]string{HeaderEventTime: "yesterday"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := registry.DecodeRecord(tt.record)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, &platformerrors.Error{Code: platformerrors.CodeSchemaMismatch}) {
				t.Fatalf("err = %v, want schema mismatch", err)
			}
		})
	}
}
