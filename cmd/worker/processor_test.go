package main

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/imrishuroy/go-idempokit/internal/audit"
	"github.com/imrishuroy/go-idempokit/internal/storage/sqlstore"
)

// --- mock implementations ---

type mockAppender struct {
	events []audit.Event
	failOn string
}

func (m *mockAppender) Append(_ context.Context, ev audit.Event) error {
	if ev.Key == m.failOn {
		return errors.New("database is locked")
	}
	m.events = append(m.events, ev)
	return nil
}

func message(t *testing.T, id string, ev audit.Event) events.SQSMessage {
	t.Helper()
	body, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return events.SQSMessage{MessageId: id, Body: string(body)}
}

func sampleEvent(id, key string, action audit.Action) audit.Event {
	return audit.Event{
		ID:        id,
		Key:       key,
		Action:    action,
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Metadata:  map[string]any{"requestId": "req-1"},
	}
}

// --- test cases ---

func TestWorkerProcess_Success(t *testing.T) {
	store := &mockAppender{}
	p := NewProcessor(store, nil)

	resp, err := p.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		message(t, "m1", sampleEvent("e1", "order-0001abcd", audit.ActionBegan)),
		message(t, "m2", sampleEvent("e2", "order-0001abcd", audit.ActionCompleted)),
	}})
	if err != nil {
		t.Fatalf("unexpected worker error: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Fatalf("unexpected failures: %+v", resp.BatchItemFailures)
	}
	if len(store.events) != 2 || store.events[1].Action != audit.ActionCompleted {
		t.Fatalf("unexpected stored events: %+v", store.events)
	}
	if store.events[0].Metadata["requestId"] != "req-1" {
		t.Fatalf("metadata not carried: %+v", store.events[0].Metadata)
	}
}

func TestWorkerProcess_PartialFailure(t *testing.T) {
	store := &mockAppender{failOn: "order-0002abcd"}
	p := NewProcessor(store, nil)

	resp, err := p.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		message(t, "m1", sampleEvent("e1", "order-0001abcd", audit.ActionBegan)),
		message(t, "m2", sampleEvent("e2", "order-0002abcd", audit.ActionBegan)),
		{MessageId: "m3", Body: "not json"},
		message(t, "m4", audit.Event{ID: "e4"}),
	}})
	if err != nil {
		t.Fatalf("unexpected worker error: %v", err)
	}
	if len(resp.BatchItemFailures) != 1 || resp.BatchItemFailures[0].ItemIdentifier != "m2" {
		t.Fatalf("expected only m2 to be retried, got %+v", resp.BatchItemFailures)
	}
	if len(store.events) != 1 {
		t.Fatalf("expected one stored event, got %d", len(store.events))
	}
}

func TestWorkerProcess_RedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, err := sqlstore.Open(ctx, sqlstore.SQLite, filepath.Join(t.TempDir(), "audit.db"), 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := sqlstore.Migrate(ctx, db, sqlstore.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := sqlstore.NewAuditStore(db, sqlstore.SQLite)
	p := NewProcessor(store, nil)

	batch := events.SQSEvent{Records: []events.SQSMessage{
		message(t, "m1", sampleEvent("e1", "order-0003abcd", audit.ActionBegan)),
	}}
	for i := 0; i < 2; i++ {
		resp, err := p.Handle(ctx, batch)
		if err != nil || len(resp.BatchItemFailures) != 0 {
			t.Fatalf("delivery %d failed: %v %+v", i, err, resp.BatchItemFailures)
		}
	}

	stored, err := store.List(ctx, "order-0003abcd", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stored) != 1 || stored[0].ID != "e1" {
		t.Fatalf("expected a single stored event, got %+v", stored)
	}
}
