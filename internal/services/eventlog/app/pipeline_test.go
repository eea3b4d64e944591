package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	platformerrors "github.com/louisbranch/readmodel/internal/platform/errors"
	"github.com/louisbranch/readmodel/internal/services/eventlog/dispatch"
	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/catalog"
	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/event"
	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/key"
	"github.com/louisbranch/readmodel/internal/services/eventlog/domain/transaction"
	"github.com/louisbranch/readmodel/internal/services/eventlog/storage"
	"github.com/louisbranch/readmodel/internal/services/eventlog/storage/memory"
	kafkatransport "github.com/louisbranch/readmodel/internal/services/eventlog/transport/kafka"
)

var (
	projectID = uuid.MustParse("e0000000-0000-4000-8000-00000000000e")
	taskID    = uuid.MustParse("e0000000-0000-4000-8000-0000000000e1")
	eventTime = time.Date(2026, 6, 2, 10, 0, 0, 0, time.UTC)
)

func newTestPipeline(t *testing.T) (*Pipeline, *memory.Store) {
	t.Helper()
	store := memory.New()
	pipeline, err := NewPipeline(PipelineConfig{Projections: store, Buffer: store, DeadLetters: store})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return pipeline, store
}

func projectCreated() event.Envelope {
	return event.Envelope{
		Key: key.AggregateEventMessageKey{
			AggregateIdentifier:   key.AggregateIdentifier{Type: catalog.TypeProject, Identifier: projectID, Version: 0},
			RootContextIdentifier: projectID,
		},
		Name:      catalog.EventCreated,
		Payload:   catalog.ProjectPayload{Title: "Launch"},
		Author:    "user-1",
		Timestamp: eventTime,
	}
}

func taskCreated() event.Envelope {
	return event.Envelope{
		Key: key.AggregateEventMessageKey{
			AggregateIdentifier:   key.AggregateIdentifier{Type: catalog.TypeTask, Identifier: taskID, Version: 0},
			RootContextIdentifier: projectID,
		},
		Name:      catalog.EventCreated,
		Payload:   catalog.TaskPayload{ProjectID: projectID, Name: "Plan"},
		Author:    "user-1",
		Timestamp: eventTime,
	}
}

func handle(t *testing.T, pipeline *Pipeline, position string, envelope event.Envelope) error {
	t.Helper()
	record, err := event.Encode(envelope)
	if err != nil {
		t.Fatalf("encode %s: %v", position, err)
	}
	return pipeline.Handler.Handle(context.Background(), position, record)
}

func TestNewPipelineRequiresStores(t *testing.T) {
	store := memory.New()
	if _, err := NewPipeline(PipelineConfig{Buffer: store}); err == nil {
		t.Fatal("expected error for missing projection store")
	}
	if _, err := NewPipeline(PipelineConfig{Projections: store}); err == nil {
		t.Fatal("expected error for missing buffer store")
	}
}

func TestNewPipelineCoversCatalog(t *testing.T) {
	pipeline, _ := newTestPipeline(t)
	if missing := Uncovered(pipeline.Registry, pipeline.Dispatcher); len(missing) != 0 {
		t.Fatalf("uncovered = %v, want none", missing)
	}
}

func TestUncoveredListsVariantsWithoutStrategy(t *testing.T) {
	registry := event.NewRegistry()
	if err := catalog.Register(registry); err != nil {
		t.Fatalf("register catalog: %v", err)
	}
	if err := transaction.RegisterMarkers(registry); err != nil {
		t.Fatalf("register markers: %v", err)
	}
	missing := Uncovered(registry, dispatch.NewDispatcher())
	want := 0
	for _, aggregate := range catalog.AggregateTypes() {
		want += len(aggregate.Events)
	}
	if len(missing) != want {
		t.Fatalf("uncovered = %d, want %d", len(missing), want)
	}
	if missing[0] != "MILESTONE/CREATED" {
		t.Fatalf("first uncovered = %q, want MILESTONE/CREATED", missing[0])
	}
}

func TestPipelineProjectsNonTransactionalEvents(t *testing.T) {
	pipeline, _ := newTestPipeline(t)
	if err := handle(t, pipeline, "log/0/0", projectCreated()); err != nil {
		t.Fatalf("handle project: %v", err)
	}
	if err := handle(t, pipeline, "log/0/1", taskCreated()); err != nil {
		t.Fatalf("handle task: %v", err)
	}
	row, err := pipeline.Projector.Get(context.Background(), taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if row.Parent != projectID {
		t.Fatalf("parent = %s, want %s", row.Parent, projectID)
	}
	if row.RootContext != projectID {
		t.Fatalf("root context = %s, want %s", row.RootContext, projectID)
	}
}

func TestPipelineAppliesTransactionOnFinished(t *testing.T) {
	pipeline, _ := newTestPipeline(t)
	ctx := context.Background()
	if err := handle(t, pipeline, "log/0/0", projectCreated()); err != nil {
		t.Fatalf("handle project: %v", err)
	}

	tid := uuid.MustParse("f0000000-0000-4000-8000-00000000000f")
	marker := transaction.Marker{TransactionID: tid, RootContextID: projectID, Kind: transaction.KindImport}
	started := event.Envelope{
		Key:           key.BusinessTransactionStartedMessageKey{TransactionIdentifier: tid, RootContextIdentifier: projectID},
		Name:          transaction.KindImport.StartedName(),
		Payload:       marker,
		TransactionID: &tid,
		Timestamp:     eventTime,
	}
	task := taskCreated()
	task.TransactionID = &tid
	finished := started
	finished.Key = key.BusinessTransactionFinishedMessageKey{TransactionIdentifier: tid, RootContextIdentifier: projectID}
	finished.Name = transaction.KindImport.FinishedName()

	if err := handle(t, pipeline, "log/0/1", started); err != nil {
		t.Fatalf("handle started: %v", err)
	}
	if err := handle(t, pipeline, "log/0/2", task); err != nil {
		t.Fatalf("handle task: %v", err)
	}
	if _, err := pipeline.Projector.Get(ctx, taskID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get before finished err = %v, want not found", err)
	}
	if err := handle(t, pipeline, "log/0/3", finished); err != nil {
		t.Fatalf("handle finished: %v", err)
	}
	if _, err := pipeline.Projector.Get(ctx, taskID); err != nil {
		t.Fatalf("get after finished: %v", err)
	}
}

func TestPipelineDeadLettersSchemaMismatch(t *testing.T) {
	pipeline, store := newTestPipeline(t)
	record, err := event.Encode(projectCreated())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	record.Value = []byte(`{"name":"CREATED","payload":{"title":"x","unknown":1}}`)

	if err := pipeline.Handler.Handle(context.Background(), "log/0/7", record); err != nil {
		t.Fatalf("handle = %v, want nil", err)
	}
	letters, err := store.ListDeadLetters(context.Background(), 0)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	if letters[0].Position != "log/0/7" {
		t.Fatalf("position = %q, want log/0/7", letters[0].Position)
	}
	if letters[0].Code != string(platformerrors.CodeSchemaMismatch) {
		t.Fatalf("code = %q, want %q", letters[0].Code, platformerrors.CodeSchemaMismatch)
	}
}

func TestPipelineRetriesMissingParent(t *testing.T) {
	pipeline, store := newTestPipeline(t)
	err := handle(t, pipeline, "log/0/0", taskCreated())
	if !platformerrors.IsCode(err, platformerrors.CodeMissingParentAggregate) {
		t.Fatalf("handle err = %v, want %s", err, platformerrors.CodeMissingParentAggregate)
	}
	letters, listErr := store.ListDeadLetters(context.Background(), 0)
	if listErr != nil {
		t.Fatalf("list dead letters: %v", listErr)
	}
	if len(letters) != 0 {
		t.Fatalf("dead letters = %d, want 0", len(letters))
	}

	if err := handle(t, pipeline, "log/0/1", projectCreated()); err != nil {
		t.Fatalf("handle project: %v", err)
	}
	if err := handle(t, pipeline, "log/0/0", taskCreated()); err != nil {
		t.Fatalf("redelivered task: %v", err)
	}
}

func TestPipelineIgnoresStaleVersions(t *testing.T) {
	pipeline, _ := newTestPipeline(t)
	updated := projectCreated()
	updated.Name = catalog.EventUpdated
	updated.Key = key.AggregateEventMessageKey{
		AggregateIdentifier:   key.AggregateIdentifier{Type: catalog.TypeProject, Identifier: projectID, Version: 2},
		RootContextIdentifier: projectID,
	}
	updated.Payload = catalog.ProjectPayload{Title: "Renamed"}
	if err := handle(t, pipeline, "log/0/0", updated); err != nil {
		t.Fatalf("handle update: %v", err)
	}
	if err := handle(t, pipeline, "log/0/1", projectCreated()); err != nil {
		t.Fatalf("handle stale create = %v, want nil", err)
	}
	row, err := pipeline.Projector.Get(context.Background(), projectID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if row.Version != 2 {
		t.Fatalf("version = %d, want 2", row.Version)
	}
}

func TestHandleMessageUsesKafkaPosition(t *testing.T) {
	pipeline, store := newTestPipeline(t)
	record, err := event.Encode(projectCreated())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	record.Value = []byte(`not json`)
	msg := kafkatransport.ToMessage("projects", record)
	msg.Partition = 3
	msg.Offset = 42

	if err := pipeline.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle message: %v", err)
	}
	letters, err := store.ListDeadLetters(context.Background(), 0)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(letters) != 1 || letters[0].Position != "projects/3/42" {
		t.Fatalf("dead letters = %+v, want one at projects/3/42", letters)
	}
}

type failingSink struct{ err error }

func (s failingSink) Isolate(context.Context, string, event.Record, error) error { return s.err }

func TestHandlerSurfacesSinkFailure(t *testing.T) {
	pipeline, _ := newTestPipeline(t)
	sinkErr := errors.New("disk full")
	handler, err := NewRecordHandler(pipeline.Registry, pipeline.Consumer, failingSink{err: sinkErr}, nil)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	record, err := event.Encode(projectCreated())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	record.Value = []byte(`{}`)
	if err := handler.Handle(context.Background(), "log/0/0", record); !errors.Is(err, sinkErr) {
		t.Fatalf("handle err = %v, want %v", err, sinkErr)
	}
}

func TestNewRecordHandlerValidatesInputs(t *testing.T) {
	pipeline, _ := newTestPipeline(t)
	if _, err := NewRecordHandler(nil, pipeline.Consumer, nil, nil); err == nil {
		t.Fatal("expected error for nil registry")
	}
	if _, err := NewRecordHandler(pipeline.Registry, nil, nil, nil); err == nil {
		t.Fatal("expected error for nil consumer")
	}
	if _, err := NewStoreDeadLetterSink(nil, nil); err == nil {
		t.Fatal("expected error for nil dead letter store")
	}
}
