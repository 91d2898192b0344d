// Package memory is an in-process idempotency adapter for tests and
// single-instance deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/imrishuroy/go-idempokit/internal/idempotency"
)

// Store keeps records in a map guarded by a mutex; every operation is a
// single critical section.
type Store struct {
	mu      sync.Mutex
	records map[string]*idempotency.Record
	nowFunc func() time.Time
}

type Option func(*Store)

// WithNowFunc injects the clock used for lock and retention checks.
func WithNowFunc(f func() time.Time) Option {
	return func(s *Store) { s.nowFunc = f }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		records: make(map[string]*idempotency.Record),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) TryBegin(_ context.Context, p idempotency.BeginParams) (idempotency.BeginResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	rec := s.records[p.Key]
	if rec != nil && rec.Expired(now) {
		delete(s.records, p.Key)
		rec = nil
	}

	if rec == nil {
		rec = &idempotency.Record{
			Key:           p.Key,
			Fingerprint:   p.Fingerprint,
			Status:        idempotency.StatusInProgress,
			LockOwner:     p.LockOwner,
			LockExpiresAt: now.Add(p.LockTTL),
			CreatedAt:     now,
			ExpiresAt:     now.Add(p.Retention),
		}
		s.records[p.Key] = rec
		return idempotency.BeginResult{Outcome: idempotency.OutcomeBegan, Record: rec.Clone()}, nil
	}

	outcome := idempotency.Classify(rec, p.Fingerprint, now)
	if outcome != idempotency.OutcomeBegan {
		return idempotency.BeginResult{Outcome: outcome, Record: rec.Clone()}, nil
	}
	rec.LockOwner = p.LockOwner
	rec.LockExpiresAt = now.Add(p.LockTTL)
	return idempotency.BeginResult{Outcome: idempotency.OutcomeBegan, Record: rec.Clone(), Reclaimed: true}, nil
}

func (s *Store) Commit(_ context.Context, key, owner string, result []byte, retention time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	rec := s.records[key]
	if rec == nil || rec.Expired(now) || rec.LockOwner != owner || !rec.LockHeld(now) {
		return idempotency.ErrLockLost
	}
	rec.Status = idempotency.StatusCompleted
	rec.Result = append([]byte(nil), result...)
	rec.LockOwner = ""
	rec.LockExpiresAt = time.Time{}
	rec.ExpiresAt = now.Add(retention)
	return nil
}

func (s *Store) Release(_ context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.records[key]
	if rec != nil && rec.Status == idempotency.StatusInProgress && rec.LockOwner == owner {
		delete(s.records, key)
	}
	return nil
}

func (s *Store) Reap(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	var n int64
	for k, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) Get(_ context.Context, key string) (*idempotency.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.records[key]
	if rec == nil || rec.Expired(s.nowFunc()) {
		return nil, nil
	}
	return rec.Clone(), nil
}

// Len reports how many records are held, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
