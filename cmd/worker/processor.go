package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
)

// Processor drains the audit queue into the append-only audit table.
type Processor struct {
	store  AuditAppender
	logger *slog.Logger
}

// NewProcessor creates a worker processor bound to an audit store.
func NewProcessor(store AuditAppender, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{store: store, logger: logger}
}

// Handle appends each message of the batch and reports the ones that should
// be redelivered. Malformed messages are logged and dropped since a retry
// cannot fix them.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			if errors.Is(err, errPoisonMessage) {
				p.logger.WarnContext(ctx, "dropping audit message",
					"module", "worker", "layer", "consumer", "operation", "append_audit", "outcome", "dropped",
					"message_id", rec.MessageId, "error", err)
				continue
			}
			p.logger.ErrorContext(ctx, "audit append failed",
				"module", "worker", "layer", "consumer", "operation", "append_audit", "outcome", "failure",
				"message_id", rec.MessageId, "error", err)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	return resp, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	ev, err := decodeEvent(rec)
	if err != nil {
		return err
	}
	if err := p.store.Append(ctx, ev); err != nil {
		return err
	}
	p.logger.DebugContext(ctx, "audit event stored",
		"module", "worker", "layer", "consumer", "operation", "append_audit", "outcome", "success",
		"event_id", ev.ID, "idempotency_key", ev.Key, "action", string(ev.Action))
	return nil
}
