// Package storagetest holds contract tests shared by every storage backend.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/event"
	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/key"
	"github.com/louisbranch/readmodel/internal/services/eventlog/storage"
)

var (
	rootID    = uuid.MustParse("5e1f0000-0000-4000-8000-000000000001")
	otherRoot = uuid.MustParse("5e1f0000-0000-4000-8000-000000000002")
	projectID = uuid.MustParse("5e1f0000-0000-4000-8000-000000000010")
	taskID    = uuid.MustParse("5e1f0000-0000-4000-8000-000000000011")
	subtaskID = uuid.MustParse("5e1f0000-0000-4000-8000-000000000012")
	strayID   = uuid.MustParse("5e1f0000-0000-4000-8000-000000000013")
	txID      = uuid.MustParse("5e1f0000-0000-4000-8000-000000000020")
	baseTime  = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
)

func row(id, parent, root uuid.UUID, version uint64) storage.Row {
	data := json.RawMessage(`{"v":` + strconv.FormatUint(version, 10) + `}`)
	return storage.Row{
		Identifier:  id,
		Type:        "TASK",
		RootContext: root,
		Parent:      parent,
		Version:     version,
		Data:        data,
		EventAuthor: "author",
		EventDate:   baseTime.Add(time.Duration(version) * time.Minute),
		History: []storage.HistoryEntry{
			{Version: version, Name: "UPDATED", Data: data, Date: baseTime},
		},
	}
}

// RunProjectionStoreTests exercises storage.ProjectionStore semantics.
func RunProjectionStoreTests(t *testing.T, open func(t *testing.T) storage.ProjectionStore) {
	t.Helper()

	t.Run("versions up to the key maximum keep their order", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		for _, version := range []uint64{key.MaxVersion, 1, key.MaxVersion - 1} {
			r := row(taskID, projectID, rootID, version)
			r.EventDate = baseTime
			if err := store.PutRow(ctx, r); err != nil {
				t.Fatalf("put row v%d: %v", version, err)
			}
		}
		current, err := store.CurrentRow(ctx, taskID)
		if err != nil {
			t.Fatalf("current row: %v", err)
		}
		if current.Version != key.MaxVersion {
			t.Fatalf("version = %d, want %d", current.Version, key.MaxVersion)
		}
		if err := store.PruneRows(ctx, taskID, key.MaxVersion-1); err != nil {
			t.Fatalf("prune: %v", err)
		}
		versions, err := store.RowVersions(ctx, taskID)
		if err != nil {
			t.Fatalf("row versions: %v", err)
		}
		if len(versions) != 1 || versions[0] != key.MaxVersion {
			t.Fatalf("versions = %v, want [%d]", versions, key.MaxVersion)
		}
	})

	t.Run("current row is highest version", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		if _, err := store.CurrentRow(ctx, taskID); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("CurrentRow(missing) err = %v, want ErrNotFound", err)
		}
		for _, version := range []uint64{0, 2, 1} {
			if err := store.PutRow(ctx, row(taskID, projectID, rootID, version)); err != nil {
				t.Fatalf("put row v%d: %v", version, err)
			}
		}
		current, err := store.CurrentRow(ctx, taskID)
		if err != nil {
			t.Fatalf("current row: %v", err)
		}
		if current.Version != 2 {
			t.Fatalf("version = %d, want 2", current.Version)
		}
		if current.Parent != projectID || current.RootContext != rootID {
			t.Fatalf("row links = %s/%s, want %s/%s", current.Parent, current.RootContext, projectID, rootID)
		}
		if len(current.History) != 1 || current.History[0].Name != "UPDATED" {
			t.Fatalf("history = %+v", current.History)
		}
		if !current.EventDate.Equal(baseTime.Add(2 * time.Minute)) {
			t.Fatalf("event date = %v", current.EventDate)
		}
		versions, err := store.RowVersions(ctx, taskID)
		if err != nil {
			t.Fatalf("row versions: %v", err)
		}
		if len(versions) != 3 || versions[0] != 0 || versions[2] != 2 {
			t.Fatalf("versions = %v, want [0 1 2]", versions)
		}
	})

	t.Run("put row is idempotent", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		for i := 0; i < 2; i++ {
			if err := store.PutRow(ctx, row(taskID, projectID, rootID, 1)); err != nil {
				t.Fatalf("put row: %v", err)
			}
		}
		versions, err := store.RowVersions(ctx, taskID)
		if err != nil {
			t.Fatalf("row versions: %v", err)
		}
		if len(versions) != 1 {
			t.Fatalf("versions = %v, want one", versions)
		}
	})

	t.Run("prune removes versions at or below", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		for version := uint64(0); version < 4; version++ {
			if err := store.PutRow(ctx, row(taskID, projectID, rootID, version)); err != nil {
				t.Fatalf("put row: %v", err)
			}
		}
		if err := store.PruneRows(ctx, taskID, 2); err != nil {
			t.Fatalf("prune: %v", err)
		}
		versions, err := store.RowVersions(ctx, taskID)
		if err != nil {
			t.Fatalf("row versions: %v", err)
		}
		if len(versions) != 1 || versions[0] != 3 {
			t.Fatalf("versions = %v, want [3]", versions)
		}
	})

	t.Run("root index keeps first value", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		if _, err := store.RootContext(ctx, taskID); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("RootContext(missing) err = %v, want ErrNotFound", err)
		}
		if err := store.PutRootContext(ctx, taskID, rootID); err != nil {
			t.Fatalf("put root: %v", err)
		}
		if err := store.PutRootContext(ctx, taskID, otherRoot); err != nil {
			t.Fatalf("put root again: %v", err)
		}
		got, err := store.RootContext(ctx, taskID)
		if err != nil {
			t.Fatalf("root context: %v", err)
		}
		if got != rootID {
			t.Fatalf("root = %s, want %s", got, rootID)
		}
	})

	t.Run("remove aggregate cascades within root context", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		rows := []storage.Row{
			row(projectID, uuid.Nil, rootID, 0),
			row(taskID, projectID, rootID, 0),
			row(taskID, projectID, rootID, 1),
			row(subtaskID, taskID, rootID, 0),
			row(strayID, projectID, otherRoot, 0),
		}
		for _, r := range rows {
			if err := store.PutRow(ctx, r); err != nil {
				t.Fatalf("put row: %v", err)
			}
			if err := store.PutRootContext(ctx, r.Identifier, r.RootContext); err != nil {
				t.Fatalf("put root: %v", err)
			}
		}

		removed, err := store.RemoveAggregate(ctx, rootID, projectID, baseTime)
		if err != nil {
			t.Fatalf("remove aggregate: %v", err)
		}
		if len(removed) != 3 {
			t.Fatalf("removed = %v, want project, task and subtask", removed)
		}
		for _, id := range []uuid.UUID{projectID, taskID, subtaskID} {
			if _, err := store.CurrentRow(ctx, id); !errors.Is(err, storage.ErrNotFound) {
				t.Fatalf("row %s err = %v, want ErrNotFound", id, err)
			}
			if _, err := store.RootContext(ctx, id); !errors.Is(err, storage.ErrNotFound) {
				t.Fatalf("index %s err = %v, want ErrNotFound", id, err)
			}
			tombstoned, err := store.IsTombstoned(ctx, id)
			if err != nil {
				t.Fatalf("is tombstoned: %v", err)
			}
			if !tombstoned {
				t.Fatalf("%s not tombstoned", id)
			}
		}
		if _, err := store.CurrentRow(ctx, strayID); err != nil {
			t.Fatalf("row in other root context removed: %v", err)
		}
	})

	t.Run("tombstone marker", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		tombstoned, err := store.IsTombstoned(ctx, taskID)
		if err != nil {
			t.Fatalf("is tombstoned: %v", err)
		}
		if tombstoned {
			t.Fatal("unexpected tombstone")
		}
		for i := 0; i < 2; i++ {
			if err := store.MarkTombstoned(ctx, taskID, baseTime); err != nil {
				t.Fatalf("mark tombstoned: %v", err)
			}
		}
		tombstoned, err = store.IsTombstoned(ctx, taskID)
		if err != nil {
			t.Fatalf("is tombstoned: %v", err)
		}
		if !tombstoned {
			t.Fatal("expected tombstone")
		}
	})
}

func record(name string) event.Record {
	return event.Record{
		Key:          []byte(`{"type":"COMMAND"}`),
		Value:        []byte(`{"name":"` + name + `","payload":{}}`),
		Headers:      map[string]string{event.HeaderEventName: name},
		PartitionKey: rootID.String(),
	}
}

// RunTransactionBufferStoreTests exercises storage.TransactionBufferStore semantics.
func RunTransactionBufferStoreTests(t *testing.T, open func(t *testing.T) storage.TransactionBufferStore) {
	t.Helper()

	t.Run("buffer then finish", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		if _, err := store.Transaction(ctx, txID); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("Transaction(missing) err = %v, want ErrNotFound", err)
		}
		if err := store.StartTransaction(ctx, txID, rootID, record("IMPORT_STARTED"), baseTime); err != nil {
			t.Fatalf("start: %v", err)
		}
		for i, name := range []string{"A", "B", "A-dup", "C"} {
			position := name
			if name == "A-dup" {
				position = "A"
			}
			if err := store.BufferRecord(ctx, txID, "0:"+position, record(name), baseTime.Add(time.Duration(i)*time.Second)); err != nil {
				t.Fatalf("buffer %s: %v", name, err)
			}
		}
		tx, err := store.Transaction(ctx, txID)
		if err != nil {
			t.Fatalf("transaction: %v", err)
		}
		if tx.Status != storage.TransactionStarted || tx.RootContext != rootID {
			t.Fatalf("transaction = %+v", tx)
		}
		if tx.Started == nil || tx.Started.Headers[event.HeaderEventName] != "IMPORT_STARTED" {
			t.Fatalf("started record = %+v", tx.Started)
		}
		buffered, err := store.BufferedRecords(ctx, txID)
		if err != nil {
			t.Fatalf("buffered: %v", err)
		}
		var names []string
		for _, b := range buffered {
			names = append(names, b.Record.Headers[event.HeaderEventName])
		}
		if len(names) != 3 || names[0] != "A" || names[1] != "B" || names[2] != "C" {
			t.Fatalf("buffered names = %v, want [A B C]", names)
		}

		if err := store.FinishTransaction(ctx, txID, baseTime.Add(time.Minute)); err != nil {
			t.Fatalf("finish: %v", err)
		}
		tx, err = store.Transaction(ctx, txID)
		if err != nil {
			t.Fatalf("transaction: %v", err)
		}
		if tx.Status != storage.TransactionFinished {
			t.Fatalf("status = %s, want finished", tx.Status)
		}
		buffered, err = store.BufferedRecords(ctx, txID)
		if err != nil {
			t.Fatalf("buffered after finish: %v", err)
		}
		if len(buffered) != 3 {
			t.Fatalf("buffered after finish = %d, want 3 until dropped", len(buffered))
		}
		if err := store.DropBufferedRecords(ctx, txID, []string{"0:A", "0:C"}); err != nil {
			t.Fatalf("drop: %v", err)
		}
		buffered, err = store.BufferedRecords(ctx, txID)
		if err != nil {
			t.Fatalf("buffered after drop: %v", err)
		}
		if len(buffered) != 1 || buffered[0].Position != "0:B" {
			t.Fatalf("buffered after drop = %+v, want only 0:B", buffered)
		}
		if err := store.DropBufferedRecords(ctx, txID, []string{"0:B"}); err != nil {
			t.Fatalf("drop rest: %v", err)
		}
		buffered, err = store.BufferedRecords(ctx, txID)
		if err != nil {
			t.Fatalf("buffered after drop: %v", err)
		}
		if len(buffered) != 0 {
			t.Fatalf("buffered after drop = %d, want 0", len(buffered))
		}
	})

	t.Run("finished transaction refuses records", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		if err := store.StartTransaction(ctx, txID, rootID, record("IMPORT_STARTED"), baseTime); err != nil {
			t.Fatalf("start: %v", err)
		}
		if err := store.FinishTransaction(ctx, txID, baseTime.Add(time.Minute)); err != nil {
			t.Fatalf("finish: %v", err)
		}
		err := store.BufferRecord(ctx, txID, "1:0", record("A"), baseTime.Add(2*time.Minute))
		if !errors.Is(err, storage.ErrTransactionFinished) {
			t.Fatalf("BufferRecord(finished) err = %v, want ErrTransactionFinished", err)
		}
		buffered, err := store.BufferedRecords(ctx, txID)
		if err != nil {
			t.Fatalf("buffered: %v", err)
		}
		if len(buffered) != 0 {
			t.Fatalf("buffered = %d, want 0", len(buffered))
		}
	})

	t.Run("start is idempotent", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		if err := store.StartTransaction(ctx, txID, rootID, record("COPY_STARTED"), baseTime); err != nil {
			t.Fatalf("start: %v", err)
		}
		if err := store.StartTransaction(ctx, txID, otherRoot, record("OTHER"), baseTime.Add(time.Hour)); err != nil {
			t.Fatalf("start again: %v", err)
		}
		tx, err := store.Transaction(ctx, txID)
		if err != nil {
			t.Fatalf("transaction: %v", err)
		}
		if tx.RootContext != rootID || !tx.StartedAt.Equal(baseTime) {
			t.Fatalf("transaction = %+v, want first start kept", tx)
		}
	})

	t.Run("record before start is pending", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		if err := store.BufferRecord(ctx, txID, "1:5", record("A"), baseTime); err != nil {
			t.Fatalf("buffer: %v", err)
		}
		tx, err := store.Transaction(ctx, txID)
		if err != nil {
			t.Fatalf("transaction: %v", err)
		}
		if tx.Status != storage.TransactionPending || tx.Started != nil {
			t.Fatalf("transaction = %+v, want pending without start", tx)
		}
		if err := store.StartTransaction(ctx, txID, rootID, record("IMPORT_STARTED"), baseTime.Add(time.Second)); err != nil {
			t.Fatalf("start: %v", err)
		}
		tx, err = store.Transaction(ctx, txID)
		if err != nil {
			t.Fatalf("transaction: %v", err)
		}
		if tx.Status != storage.TransactionStarted || tx.RootContext != rootID {
			t.Fatalf("transaction = %+v, want started", tx)
		}
	})

	t.Run("open transactions and reporting", func(t *testing.T) {
		store := open(t)
		ctx := context.Background()
		finishedID := uuid.MustParse("5e1f0000-0000-4000-8000-000000000021")
		recentID := uuid.MustParse("5e1f0000-0000-4000-8000-000000000022")

		if err := store.StartTransaction(ctx, txID, rootID, record("IMPORT_STARTED"), baseTime); err != nil {
			t.Fatalf("start old: %v", err)
		}
		if err := store.StartTransaction(ctx, finishedID, rootID, record("IMPORT_STARTED"), baseTime); err != nil {
			t.Fatalf("start finished: %v", err)
		}
		if err := store.FinishTransaction(ctx, finishedID, baseTime.Add(time.Second)); err != nil {
			t.Fatalf("finish: %v", err)
		}
		if err := store.StartTransaction(ctx, recentID, rootID, record("IMPORT_STARTED"), baseTime.Add(time.Hour)); err != nil {
			t.Fatalf("start recent: %v", err)
		}

		open, err := store.OpenTransactions(ctx, baseTime.Add(time.Minute))
		if err != nil {
			t.Fatalf("open transactions: %v", err)
		}
		if len(open) != 1 || open[0].ID != txID {
			t.Fatalf("open = %+v, want only %s", open, txID)
		}
		if err := store.MarkReported(ctx, txID); err != nil {
			t.Fatalf("mark reported: %v", err)
		}
		open, err = store.OpenTransactions(ctx, baseTime.Add(time.Minute))
		if err != nil {
			t.Fatalf("open transactions: %v", err)
		}
		if len(open) != 0 {
			t.Fatalf("open after report = %+v, want none", open)
		}
		if err := store.MarkReported(ctx, uuid.MustParse("5e1f0000-0000-4000-8000-0000000000ff")); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("MarkReported(missing) err = %v, want ErrNotFound", err)
		}
	})
}

// RunDeadLetterStoreTests exercises storage.DeadLetterStore semantics.
func RunDeadLetterStoreTests(t *testing.T, open func(t *testing.T) storage.DeadLetterStore) {
	t.Helper()
	store := open(t)
	ctx := context.Background()
	for i, name := range []string{"first", "second"} {
		if err := store.PutDeadLetter(ctx, storage.DeadLetter{
			Position:  "0:" + name,
			Record:    record(name),
			Code:      "SCHEMA_MISMATCH",
			Reason:    "bad " + name,
			CreatedAt: baseTime.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("put dead letter: %v", err)
		}
	}
	letters, err := store.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(letters) != 2 {
		t.Fatalf("letters = %d, want 2", len(letters))
	}
	if letters[0].Reason != "bad first" || letters[0].Code != "SCHEMA_MISMATCH" {
		t.Fatalf("first letter = %+v", letters[0])
	}
	if string(letters[1].Record.Value) != string(record("second").Value) {
		t.Fatalf("second record value = %s", letters[1].Record.Value)
	}
	letters, err = store.ListDeadLetters(ctx, 1)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("limited letters = %d, want 1", len(letters))
	}
}
