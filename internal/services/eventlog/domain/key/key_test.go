package key

import (
	"errors"
	"math"
	"testing"
	"testing/quick"

	"github.com/google/uuid"
)

var (
	projectID = uuid.MustParse("6f1c3a52-1b1e-4a4c-9d3f-9ad1d3f0a001")
	taskID    = uuid.MustParse("6f1c3a52-1b1e-4a4c-9d3f-9ad1d3f0a002")
	txID      = uuid.MustParse("6f1c3a52-1b1e-4a4c-9d3f-9ad1d3f0a003")
)

func TestNewAggregateIdentifierValidates(t *testing.T) {
	if _, err := NewAggregateIdentifier(" ", taskID, 0); err == nil {
		t.Fatal("expected empty type error")
	}
	if _, err := NewAggregateIdentifier("TASK", uuid.Nil, 0); err == nil {
		t.Fatal("expected nil id error")
	}
	got, err := NewAggregateIdentifier(" TASK ", taskID, 3)
	if err != nil {
		t.Fatalf("new identifier: %v", err)
	}
	if got.Type != "TASK" || got.Version != 3 {
		t.Fatalf("identifier = %+v, want trimmed TASK@3", got)
	}
}

func TestParseAggregateIdentifier(t *testing.T) {
	got, err := ParseAggregateIdentifier("TASK", taskID.String(), 7)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Identifier != taskID {
		t.Fatalf("identifier = %s, want %s", got.Identifier, taskID)
	}
	if _, err := ParseAggregateIdentifier("TASK", "not-a-uuid", 7); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestIsNewerVersionOf(t *testing.T) {
	v1 := AggregateIdentifier{Type: "TASK", Identifier: taskID, Version: 1}
	v2 := AggregateIdentifier{Type: "TASK", Identifier: taskID, Version: 2}
	other := AggregateIdentifier{Type: "PROJECT", Identifier: taskID, Version: 5}

	if !v2.IsNewerVersionOf(v1) {
		t.Fatal("expected v2 newer than v1")
	}
	if v1.IsNewerVersionOf(v2) {
		t.Fatal("did not expect v1 newer than v2")
	}
	if v1.IsNewerVersionOf(v1) {
		t.Fatal("equal versions are not newer")
	}
	if other.IsNewerVersionOf(v1) {
		t.Fatal("different aggregate type is never newer")
	}
}

func TestAggregateIdentifierString(t *testing.T) {
	id := AggregateIdentifier{Type: "TASK", Identifier: taskID, Version: 4}
	want := "TASK/" + taskID.String() + "@4"
	if got := id.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestPartitioningIdentifier(t *testing.T) {
	tests := []struct {
		name string
		key  EventMessageKey
		want uuid.UUID
	}{
		{
			name: "aggregate",
			key:  AggregateEventMessageKey{AggregateIdentifier: AggregateIdentifier{Type: "TASK", Identifier: taskID}, RootContextIdentifier: projectID},
			want: projectID,
		},
		{name: "command", key: CommandMessageKey{Identifier: taskID}, want: taskID},
		{name: "started", key: BusinessTransactionStartedMessageKey{TransactionIdentifier: txID, RootContextIdentifier: projectID}, want: projectID},
		{name: "finished", key: BusinessTransactionFinishedMessageKey{TransactionIdentifier: txID, RootContextIdentifier: projectID}, want: projectID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.PartitioningIdentifier(); got != tt.want {
				t.Fatalf("PartitioningIdentifier() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTransactionIdentifier(t *testing.T) {
	if got, ok := TransactionIdentifier(BusinessTransactionStartedMessageKey{TransactionIdentifier: txID}); !ok || got != txID {
		t.Fatalf("started = %s/%v, want %s/true", got, ok, txID)
	}
	if got, ok := TransactionIdentifier(BusinessTransactionFinishedMessageKey{TransactionIdentifier: txID}); !ok || got != txID {
		t.Fatalf("finished = %s/%v, want %s/true", got, ok, txID)
	}
	if _, ok := TransactionIdentifier(CommandMessageKey{Identifier: txID}); ok {
		t.Fatal("command key has no transaction id")
	}
}

func TestMarshalRoundTripsEveryVariant(t *testing.T) {
	keys := []EventMessageKey{
		AggregateEventMessageKey{
			AggregateIdentifier:   AggregateIdentifier{Type: "TASK", Identifier: taskID, Version: 12},
			RootContextIdentifier: projectID,
		},
		CommandMessageKey{Identifier: taskID},
		BusinessTransactionStartedMessageKey{TransactionIdentifier: txID, RootContextIdentifier: projectID},
		BusinessTransactionFinishedMessageKey{TransactionIdentifier: txID, RootContextIdentifier: projectID},
	}
	for _, k := range keys {
		t.Run(string(k.Kind()), func(t *testing.T) {
			data, err := Marshal(k)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			got, err := Unmarshal(data)
			if err != nil {
				t.Fatalf("unmarshal %s: %v", data, err)
			}
			if got != k {
				t.Fatalf("round trip = %#v, want %#v", got, k)
			}
			if got.Kind() != k.Kind() {
				t.Fatalf("kind = %s, want %s", got.Kind(), k.Kind())
			}
		})
	}
}

func TestAggregateKeyRoundTripProperty(t *testing.T) {
	property := func(id, root [16]byte, version uint64) bool {
		identifier := uuid.UUID(id)
		if identifier == uuid.Nil {
			return true
		}
		k := AggregateEventMessageKey{
			AggregateIdentifier:   AggregateIdentifier{Type: "TASK", Identifier: identifier, Version: version & MaxVersion},
			RootContextIdentifier: uuid.UUID(root),
		}
		data, err := Marshal(k)
		if err != nil {
			return false
		}
		got, err := Unmarshal(data)
		return err == nil && got == k
	}
	if err := quick.Check(property, nil); err != nil {
		t.Fatal(err)
	}
}

func TestNewAggregateIdentifierRejectsVersionAboveMax(t *testing.T) {
	if _, err := NewAggregateIdentifier("TASK", taskID, MaxVersion); err != nil {
		t.Fatalf("max version: %v", err)
	}
	if _, err := NewAggregateIdentifier("TASK", taskID, MaxVersion+1); err == nil {
		t.Fatal("expected version overflow error")
	}
}

func TestMarshalRejectsLossyAggregateKeys(t *testing.T) {
	tests := []struct {
		name       string
		identifier AggregateIdentifier
	}{
		{name: "empty type", identifier: AggregateIdentifier{Identifier: taskID, Version: 1}},
		{name: "leading space", identifier: AggregateIdentifier{Type: " TASK", Identifier: taskID, Version: 1}},
		{name: "trailing space", identifier: AggregateIdentifier{Type: "TASK\t", Identifier: taskID, Version: 1}},
		{name: "nil identifier", identifier: AggregateIdentifier{Type: "TASK", Version: 1}},
		{name: "version above max", identifier: AggregateIdentifier{Type: "TASK", Identifier: taskID, Version: math.MaxUint64}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := AggregateEventMessageKey{AggregateIdentifier: tt.identifier, RootContextIdentifier: projectID}
			if data, err := Marshal(k); err == nil {
				t.Fatalf("Marshal(%+v) = %s, want error", tt.identifier, data)
			}
		})
	}
}

func TestMarshalRejectsNilKey(t *testing.T) {
	if _, err := Marshal(nil); err == nil {
		t.Fatal("expected nil key error")
	}
}

func TestUnmarshalSchemaMismatch(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not json", data: "{"},
		{name: "unknown tag", data: `{"type":"SNAPSHOT"}`},
		{name: "missing tag", data: `{"identifier":"` + taskID.String() + `"}`},
		{name: "aggregate without identifier", data: `{"type":"AGGREGATE","rootContextIdentifier":"` + projectID.String() + `"}`},
		{name: "aggregate empty type", data: `{"type":"AGGREGATE","aggregateIdentifier":{"type":"","identifier":"` + taskID.String() + `","version":1},"rootContextIdentifier":"` + projectID.String() + `"}`},
		{name: "version above max", data: `{"type":"AGGREGATE","aggregateIdentifier":{"type":"TASK","identifier":"` + taskID.String() + `","version":9223372036854775808},"rootContextIdentifier":"` + projectID.String() + `"}`},
		{name: "bad root", data: `{"type":"AGGREGATE","aggregateIdentifier":{"type":"TASK","identifier":"` + taskID.String() + `","version":1},"rootContextIdentifier":"x"}`},
		{name: "bad command id", data: `{"type":"COMMAND","identifier":"nope"}`},
		{name: "bad transaction id", data: `{"type":"BUSINESS_TRANSACTION_STARTED","transactionIdentifier":"nope","rootContextIdentifier":"` + projectID.String() + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal([]byte(tt.data))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrSchemaMismatch) {
				t.Fatalf("err = %v, want schema mismatch", err)
			}
		})
	}
}
