package dynamo

import (
	"time"

	"github.com/imrishuroy/go-idempokit/internal/idempotency"
)

// item is the shape persisted in the idempotency DynamoDB table. Comparisons
// use the millisecond fields; expires_at is in epoch seconds for the table's
// TTL setting, which deletes items lazily.
type item struct {
	IdempotencyKey  string `dynamodbav:"idempotency_key"` // PK
	Fingerprint     string `dynamodbav:"fingerprint"`
	Status          string `dynamodbav:"status"`
	Result          []byte `dynamodbav:"result,omitempty"`
	LockOwner       string `dynamodbav:"lock_owner,omitempty"`
	LockExpiresAtMs int64  `dynamodbav:"lock_expires_at_ms,omitempty"`
	CreatedAtMs     int64  `dynamodbav:"created_at_ms"`
	ExpiresAtMs     int64  `dynamodbav:"expires_at_ms"`
	ExpiresAt       int64  `dynamodbav:"expires_at"` // TTL epoch seconds
}

func (it item) record() *idempotency.Record {
	rec := &idempotency.Record{
		Key:         it.IdempotencyKey,
		Fingerprint: idempotency.Fingerprint(it.Fingerprint),
		Status:      idempotency.Status(it.Status),
		Result:      it.Result,
		LockOwner:   it.LockOwner,
		CreatedAt:   time.UnixMilli(it.CreatedAtMs),
		ExpiresAt:   time.UnixMilli(it.ExpiresAtMs),
	}
	if it.LockExpiresAtMs > 0 {
		rec.LockExpiresAt = time.UnixMilli(it.LockExpiresAtMs)
	}
	return rec
}
