// Package audit carries the trail of idempotency decisions: the Event
// shape, the Sink interface and a few sinks that fan out, buffer or
// count events.
package audit

import (
	"context"
	"errors"
	"time"
)

// Action names the decision an Event records.
type Action string

const (
	ActionBegan              Action = "began"
	ActionCompleted          Action = "completed"
	ActionReplayed           Action = "replayed"
	ActionRejectedMismatch   Action = "rejected-fingerprint-mismatch"
	ActionRejectedInProgress Action = "rejected-in-progress"
	ActionFailed             Action = "failed"
	ActionTimedOut           Action = "timed-out"
	ActionLockLost           Action = "lock-lost"
	ActionAdapterUnavailable Action = "adapter-unavailable"
)

// Event is a single audit entry. ID is unique per event so downstream
// consumers can drop redeliveries.
type Event struct {
	ID        string         `json:"id"`
	Key       string         `json:"key"`
	Action    Action         `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Sink receives audit events. Emit must not retain ev.Metadata beyond the
// call unless it copies it.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// SinkFunc adapts a plain function to a Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Multi delivers every event to each sink in order and joins their errors.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
