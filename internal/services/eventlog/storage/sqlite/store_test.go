package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/catalog"
	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/event"
	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/key"
	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/transaction"
	"github.com/louisbranch/readmodel/internal/services/eventlog/storage"
	"github.com/louisbranch/readmodel/internal/services/eventlog/storage/storagetest"
)

var (
	outboxTime = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	projectID  = uuid.MustParse("7a000000-0000-4000-8000-000000000001")
	otherID    = uuid.MustParse("7a000000-0000-4000-8000-000000000002")
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "eventlog.sqlite")
	store, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	store.now = func() time.Time { return outboxTime }
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}

func TestProjectionStoreContract(t *testing.T) {
	storagetest.RunProjectionStoreTests(t, func(t *testing.T) storage.ProjectionStore { return openTempStore(t) })
}

func TestPutRowRejectsVersionAboveKeyMaximum(t *testing.T) {
	store := openTempStore(t)
	row := storage.Row{
		Identifier:  projectID,
		Type:        catalog.TypeProject,
		RootContext: projectID,
		Version:     key.MaxVersion + 1,
		Data:        []byte(`{}`),
		EventDate:   outboxTime,
	}
	if err := store.PutRow(context.Background(), row); err == nil {
		t.Fatal("expected version overflow error")
	}
	if _, err := store.CurrentRow(context.Background(), projectID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("CurrentRow err = %v, want ErrNotFound", err)
	}
}

func TestTransactionBufferStoreContract(t *testing.T) {
	storagetest.RunTransactionBufferStoreTests(t, func(t *testing.T) storage.TransactionBufferStore { return openTempStore(t) })
}

func TestDeadLetterStoreContract(t *testing.T) {
	storagetest.RunDeadLetterStoreTests(t, func(t *testing.T) storage.DeadLetterStore { return openTempStore(t) })
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestOpenIsRepeatable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eventlog.sqlite")
	for i := 0; i < 2; i++ {
		store, err := Open(context.Background(), path)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		if err := store.Close(); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}
}

func TestNilStoreIsSafe(t *testing.T) {
	var store *Store
	if err := store.Close(); err != nil {
		t.Fatalf("close nil store: %v", err)
	}
	if _, err := store.CurrentRow(context.Background(), projectID); err == nil {
		t.Fatal("expected error from nil store")
	}
}

func TestRowRoundTrip(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	row := storage.Row{
		Identifier:  projectID,
		Type:        catalog.TypeProject,
		RootContext: projectID,
		Version:     3,
		Data:        []byte(`{"title":"Launch"}`),
		Deleted:     true,
		EventAuthor: "author-1",
		EventDate:   outboxTime,
		History: []storage.HistoryEntry{
			{Version: 3, Name: catalog.EventDeleted, Data: []byte(`{"title":"Launch"}`), Deleted: true, Author: "author-1", Date: outboxTime},
		},
	}
	if err := store.PutRow(ctx, row); err != nil {
		t.Fatalf("put row: %v", err)
	}
	got, err := store.CurrentRow(ctx, projectID)
	if err != nil {
		t.Fatalf("current row: %v", err)
	}
	if got.Parent != uuid.Nil {
		t.Fatalf("parent = %s, want nil", got.Parent)
	}
	if !got.Deleted || got.EventAuthor != "author-1" || string(got.Data) != `{"title":"Launch"}` {
		t.Fatalf("row = %+v", got)
	}
	if len(got.History) != 1 || !got.History[0].Deleted || !got.History[0].Date.Equal(outboxTime) {
		t.Fatalf("history = %+v", got.History)
	}
}

func outboxEnvelope(id uuid.UUID, version uint64) event.Envelope {
	return event.Envelope{
		Key: key.AggregateEventMessageKey{
			AggregateIdentifier:   key.AggregateIdentifier{Type: catalog.TypeProject, Identifier: id, Version: version},
			RootContextIdentifier: id,
		},
		Name:      catalog.EventUpdated,
		Payload:   catalog.ProjectPayload{Title: "Launch"},
		Timestamp: outboxTime,
	}
}

func appendAll(t *testing.T, store *Store, envelopes ...event.Envelope) {
	t.Helper()
	err := store.InTx(context.Background(), func(ctx context.Context) error {
		for _, envelope := range envelopes {
			if err := transaction.Append(ctx, envelope); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	store := openTempStore(t)
	failure := errors.New("boom")
	err := store.InTx(context.Background(), func(ctx context.Context) error {
		if err := transaction.Append(ctx, outboxEnvelope(projectID, 0)); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("err = %v, want %v", err, failure)
	}
	entries, err := store.ListOutbox(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("entries = %d, want 0", len(entries))
	}
}

func TestInTxBusinessTransactionWritesMarkers(t *testing.T) {
	store := openTempStore(t)
	manager := transaction.NewManager()
	err := store.InTx(context.Background(), func(ctx context.Context) error {
		_, err := manager.Do(ctx, transaction.KindImport, projectID, func(ctx context.Context) error {
			return transaction.Append(ctx, outboxEnvelope(projectID, 0))
		})
		return err
	})
	if err != nil {
		t.Fatalf("in tx: %v", err)
	}
	entries, err := store.ListOutbox(context.Background(), storage.OutboxPending, 10)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want started, event, finished", len(entries))
	}
	wantNames := []string{transaction.KindImport.StartedName(), catalog.EventUpdated, transaction.KindImport.FinishedName()}
	for i, entry := range entries {
		if got := entry.Record.Headers[event.HeaderEventName]; got != wantNames[i] {
			t.Fatalf("entry %d name = %q, want %q", i, got, wantNames[i])
		}
		if entry.Record.Headers[event.HeaderTransactionID] == "" {
			t.Fatalf("entry %d missing transaction id", i)
		}
	}
}

func TestClaimOutboxKeepsPartitionOrder(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	appendAll(t, store,
		outboxEnvelope(projectID, 0),
		outboxEnvelope(projectID, 1),
		outboxEnvelope(otherID, 0),
	)

	claimed, err := store.ClaimOutbox(ctx, outboxTime, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed = %d, want head of each partition", len(claimed))
	}
	if claimed[0].Record.PartitionKey != projectID.String() || claimed[1].Record.PartitionKey != otherID.String() {
		t.Fatalf("claimed partitions = %s, %s", claimed[0].Record.PartitionKey, claimed[1].Record.PartitionKey)
	}

	// A failed head holds back the rest of its partition.
	if err := store.RetryOutbox(ctx, claimed[0].Seq, outboxTime, "broker down"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if err := store.CompleteOutbox(ctx, claimed[1].Seq); err != nil {
		t.Fatalf("complete: %v", err)
	}
	claimed, err = store.ClaimOutbox(ctx, outboxTime, 10)
	if err != nil {
		t.Fatalf("claim while backing off: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("claimed = %d, want 0 while head backs off", len(claimed))
	}

	claimed, err = store.ClaimOutbox(ctx, outboxTime.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("claim after backoff: %v", err)
	}
	if len(claimed) != 1 || claimed[0].AttemptCount != 1 || claimed[0].LastError != "broker down" {
		t.Fatalf("claimed = %+v, want retried head", claimed)
	}
	if err := store.CompleteOutbox(ctx, claimed[0].Seq); err != nil {
		t.Fatalf("complete head: %v", err)
	}
	claimed, err = store.ClaimOutbox(ctx, outboxTime.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("claim next: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed = %d, want second record of partition", len(claimed))
	}
}

func TestClaimOutboxReclaimsExpiredLease(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	appendAll(t, store, outboxEnvelope(projectID, 0))

	claimed, err := store.ClaimOutbox(ctx, outboxTime, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim = %v, %v", claimed, err)
	}
	again, err := store.ClaimOutbox(ctx, outboxTime.Add(time.Minute), 1)
	if err != nil {
		t.Fatalf("claim during lease: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("claimed during lease = %d, want 0", len(again))
	}
	again, err = store.ClaimOutbox(ctx, outboxTime.Add(3*time.Minute), 1)
	if err != nil {
		t.Fatalf("claim after lease: %v", err)
	}
	if len(again) != 1 || again[0].Seq != claimed[0].Seq {
		t.Fatalf("claimed after lease = %+v", again)
	}
}

func TestRetryOutboxDeadLettersAndRequeue(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	appendAll(t, store, outboxEnvelope(projectID, 0), outboxEnvelope(projectID, 1))

	now := outboxTime
	var seq int64
	for attempt := 1; attempt <= outboxDeadLetterThreshold; attempt++ {
		claimed, err := store.ClaimOutbox(ctx, now, 1)
		if err != nil {
			t.Fatalf("claim attempt %d: %v", attempt, err)
		}
		if len(claimed) != 1 {
			t.Fatalf("claimed attempt %d = %d, want 1", attempt, len(claimed))
		}
		seq = claimed[0].Seq
		if err := store.RetryOutbox(ctx, seq, now, "rejected"); err != nil {
			t.Fatalf("retry attempt %d: %v", attempt, err)
		}
		now = now.Add(outboxRetryBackoff(attempt))
	}

	dead, err := store.ListOutbox(ctx, storage.OutboxDead, 10)
	if err != nil {
		t.Fatalf("list dead: %v", err)
	}
	if len(dead) != 1 || dead[0].Seq != seq {
		t.Fatalf("dead = %+v, want seq %d", dead, seq)
	}

	claimed, err := store.ClaimOutbox(ctx, now, 10)
	if err != nil {
		t.Fatalf("claim after dead: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("claimed after dead = %+v, want partition blocked", claimed)
	}

	requeued, err := store.RequeueOutbox(ctx, seq, now)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if !requeued {
		t.Fatal("expected requeue")
	}
	requeued, err = store.RequeueOutbox(ctx, seq, now)
	if err != nil {
		t.Fatalf("requeue again: %v", err)
	}
	if requeued {
		t.Fatal("requeue of pending entry should be a no-op")
	}

	claimed, err = store.ClaimOutbox(ctx, now, 10)
	if err != nil {
		t.Fatalf("claim after requeue: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Seq != seq {
		t.Fatalf("claimed after requeue = %+v, want seq %d", claimed, seq)
	}
}

func TestDeadStartedMarkerHoldsFinishedMarker(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	manager := transaction.NewManager(transaction.WithClock(func() time.Time { return outboxTime }))
	err := store.InTx(ctx, func(ctx context.Context) error {
		_, err := manager.Do(ctx, transaction.KindImport, projectID, func(context.Context) error { return nil })
		return err
	})
	if err != nil {
		t.Fatalf("business transaction: %v", err)
	}
	appendAll(t, store, outboxEnvelope(otherID, 0))

	now := outboxTime
	var startedSeq int64
	for attempt := 1; attempt <= outboxDeadLetterThreshold; attempt++ {
		claimed, err := store.ClaimOutbox(ctx, now, 1)
		if err != nil {
			t.Fatalf("claim attempt %d: %v", attempt, err)
		}
		if len(claimed) != 1 {
			t.Fatalf("claimed attempt %d = %d, want 1", attempt, len(claimed))
		}
		if name := claimed[0].Record.Headers[event.HeaderEventName]; name != transaction.KindImport.StartedName() {
			t.Fatalf("claimed %s, want %s", name, transaction.KindImport.StartedName())
		}
		startedSeq = claimed[0].Seq
		if err := store.RetryOutbox(ctx, startedSeq, now, "broker rejected"); err != nil {
			t.Fatalf("retry attempt %d: %v", attempt, err)
		}
		now = now.Add(outboxRetryBackoff(attempt))
	}

	claimed, err := store.ClaimOutbox(ctx, now, 10)
	if err != nil {
		t.Fatalf("claim after dead: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Record.PartitionKey != otherID.String() {
		t.Fatalf("claimed after dead = %+v, want only the other partition", claimed)
	}
	pending, err := store.ListOutbox(ctx, storage.OutboxPending, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Record.Headers[event.HeaderEventName] != transaction.KindImport.FinishedName() {
		t.Fatalf("pending = %+v, want the finished marker", pending)
	}

	if _, err := store.RequeueOutbox(ctx, startedSeq, now); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	claimed, err = store.ClaimOutbox(ctx, now, 10)
	if err != nil {
		t.Fatalf("claim after requeue: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Seq != startedSeq {
		t.Fatalf("claimed after requeue = %+v, want started marker %d", claimed, startedSeq)
	}
	if err := store.CompleteOutbox(ctx, startedSeq); err != nil {
		t.Fatalf("complete started: %v", err)
	}
	claimed, err = store.ClaimOutbox(ctx, now, 10)
	if err != nil {
		t.Fatalf("claim finished: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Record.Headers[event.HeaderEventName] != transaction.KindImport.FinishedName() {
		t.Fatalf("claimed = %+v, want the finished marker", claimed)
	}
}

func TestCompleteOutboxRequiresClaim(t *testing.T) {
	store := openTempStore(t)
	appendAll(t, store, outboxEnvelope(projectID, 0))
	entries, err := store.ListOutbox(context.Background(), "", 1)
	if err != nil || len(entries) != 1 {
		t.Fatalf("list = %v, %v", entries, err)
	}
	if err := store.CompleteOutbox(context.Background(), entries[0].Seq); err == nil {
		t.Fatal("expected error completing unclaimed entry")
	}
}

func TestListOutboxRejectsUnknownStatus(t *testing.T) {
	store := openTempStore(t)
	if _, err := store.ListOutbox(context.Background(), "archived", 10); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestOutboxRetryBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Second},
		{attempt: 1, want: time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 12, want: 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := outboxRetryBackoff(tt.attempt); got != tt.want {
			t.Fatalf("outboxRetryBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
