package audit

import (
	"context"
	"fmt"
	"testing"

	"go.uber.org/zap"
)

var ctx = context.Background()

type fakeStore struct {
	events    []Event
	lastQuery Filter
	insertErr error
}

func (f *fakeStore) Insert(ctx context.Context, e Event) (int64, error) {
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	e.ID = int64(len(f.events) + 1)
	f.events = append(f.events, e)
	return e.ID, nil
}

func (f *fakeStore) Get(ctx context.Context, id int64) (Event, error) {
	for _, e := range f.events {
		if e.ID == id {
			return e, nil
		}
	}
	return Event{}, ErrNotFound
}

func (f *fakeStore) Query(ctx context.Context, filter Filter) ([]Event, int, error) {
	f.lastQuery = filter
	return f.events, len(f.events), nil
}

func TestRecordFillsDefaults(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(store, zap.NewNop())

	svc.Record(ctx, Event{Actor: "alice", Action: "group.create", ObjectType: "group", ObjectID: "1"})

	if len(store.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(store.events))
	}
	e := store.events[0]
	if e.Outcome != OutcomeSuccess {
		t.Fatalf("expected default outcome success, got %s", e.Outcome)
	}
	if e.CreatedAt.IsZero() {
		t.Fatal("expected created_at filled")
	}
}

func TestRecordSwallowsStoreErrors(t *testing.T) {
	store := &fakeStore{insertErr: fmt.Errorf("db down")}
	svc := NewService(store, zap.NewNop())

	// Must not panic or propagate, the audited operation already happened.
	svc.Record(ctx, Event{Actor: "alice", Action: "group.delete", ObjectType: "group", ObjectID: "1"})
}

func TestQueryClampsLimit(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(store, zap.NewNop())

	if _, _, err := svc.Query(ctx, Filter{}); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if store.lastQuery.Limit != defaultQueryLimit {
		t.Fatalf("expected default limit %d, got %d", defaultQueryLimit, store.lastQuery.Limit)
	}

	if _, _, err := svc.Query(ctx, Filter{Limit: 50000}); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if store.lastQuery.Limit != maxQueryLimit {
		t.Fatalf("expected limit capped at %d, got %d", maxQueryLimit, store.lastQuery.Limit)
	}
}

func TestExportCapsAndResets(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(store, zap.NewNop())

	if _, err := svc.Export(ctx, Filter{Limit: 5, Offset: 40}); err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if store.lastQuery.Limit != exportLimit || store.lastQuery.Offset != 0 {
		t.Fatalf("expected export to override pagination, got %+v", store.lastQuery)
	}
}
