package idempotency

import (
	"context"
	"time"
)

// BeginParams describes one TryBegin attempt.
type BeginParams struct {
	Key         string
	Fingerprint Fingerprint
	LockOwner   string
	LockTTL     time.Duration
	// Retention bounds how long the record survives, including while it is
	// still InProgress.
	Retention time.Duration
}

// BeginResult reports what TryBegin observed. Record is the state the
// caller saw; it is always set except when an adapter cannot read it back.
type BeginResult struct {
	Outcome   Outcome
	Record    *Record
	Reclaimed bool
}

// Adapter is the storage contract behind the engine. Every method must be
// atomic with respect to concurrent callers on the same key, across
// processes when the backend is shared.
type Adapter interface {
	// TryBegin atomically inspects key and, when it is absent, expired or
	// holds an abandoned lock with the same fingerprint, takes the lock.
	TryBegin(ctx context.Context, p BeginParams) (BeginResult, error)

	// Commit stores result and marks the record Completed for retention,
	// only while owner still holds an unexpired lock. Otherwise it returns
	// ErrLockLost and changes nothing.
	Commit(ctx context.Context, key, owner string, result []byte, retention time.Duration) error

	// Release removes an InProgress record held by owner. Records owned by
	// someone else, or already completed, are left alone.
	Release(ctx context.Context, key, owner string) error

	// Reap deletes expired records and reports how many were removed.
	// Backends with native expiry may return 0.
	Reap(ctx context.Context) (int64, error)
}

// Inspector is implemented by adapters that can read a record without
// taking a lock. Get returns nil, nil for absent or expired keys.
type Inspector interface {
	Get(ctx context.Context, key string) (*Record, error)
}
