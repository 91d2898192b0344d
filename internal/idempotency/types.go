package idempotency

import (
	"bytes"
	"time"
)

// Status values for idempotency records. Storage adapters persist these
// strings verbatim.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
)

// Fingerprint is the canonical digest of a request payload.
type Fingerprint string

// Record is the persisted state of one idempotency key.
//
// An InProgress record is owned by LockOwner until LockExpiresAt; a
// Completed record carries the serialised Result and no lock. Both are
// retained until ExpiresAt, after which the key is treated as absent.
type Record struct {
	Key           string
	Fingerprint   Fingerprint
	Status        Status
	Result        []byte
	LockOwner     string
	LockExpiresAt time.Time
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Expired reports whether the retention window has elapsed at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// LockHeld reports whether an InProgress record is still locked at now.
func (r *Record) LockHeld(now time.Time) bool {
	return r.Status == StatusInProgress && now.Before(r.LockExpiresAt)
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Result != nil {
		cp.Result = bytes.Clone(r.Result)
	}
	return &cp
}

// Outcome is the result of an atomic TryBegin.
type Outcome int

const (
	// OutcomeBegan means the caller now holds the lock, either on a fresh
	// record or on a reclaimed abandoned one.
	OutcomeBegan Outcome = iota + 1
	OutcomeCompleted
	OutcomeInProgress
	OutcomeMismatch
)

func (o Outcome) String() string {
	switch o {
	case OutcomeBegan:
		return "began"
	case OutcomeCompleted:
		return "completed"
	case OutcomeInProgress:
		return "in_progress"
	case OutcomeMismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// Classify maps an existing, unexpired record to what a caller presenting
// fp observes at now. OutcomeBegan means the record's lock has expired and
// the caller may reclaim it; adapters must still take it atomically.
func Classify(rec *Record, fp Fingerprint, now time.Time) Outcome {
	switch {
	case rec.Fingerprint != fp:
		return OutcomeMismatch
	case rec.Status == StatusCompleted:
		return OutcomeCompleted
	case rec.LockHeld(now):
		return OutcomeInProgress
	default:
		return OutcomeBegan
	}
}

// RetryAfter is how long until an InProgress record's lock lapses.
func RetryAfter(rec *Record, now time.Time) time.Duration {
	if rec == nil || rec.Status != StatusInProgress {
		return 0
	}
	if d := rec.LockExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
