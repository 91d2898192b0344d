package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-lambda-go/events"

	"github.com/imrishuroy/go-idempokit/internal/audit"
)

// AuditAppender persists one audit event. Appending an event ID that is
// already stored must succeed without writing.
type AuditAppender interface {
	Append(ctx context.Context, ev audit.Event) error
}

var errPoisonMessage = errors.New("malformed audit message")

// decodeEvent parses an SQS message published by aws.Publisher.
func decodeEvent(msg events.SQSMessage) (audit.Event, error) {
	var ev audit.Event
	if err := json.Unmarshal([]byte(msg.Body), &ev); err != nil {
		return audit.Event{}, fmt.Errorf("%w: %v", errPoisonMessage, err)
	}
	if ev.ID == "" || ev.Key == "" || ev.Action == "" {
		return audit.Event{}, fmt.Errorf("%w: missing id, key or action", errPoisonMessage)
	}
	return ev, nil
}
