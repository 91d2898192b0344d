// Package redisstore keeps idempotency records in Redis hashes. Each state
// transition is a Lua script, so it executes atomically on the server and
// stays correct across any number of application instances.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/imrishuroy/go-idempokit/internal/idempotency"
)

// Hash fields. Timestamps are unix milliseconds. The status strings in the
// scripts must match idempotency.StatusInProgress and StatusCompleted.
const (
	fieldFingerprint   = "fingerprint"
	fieldStatus        = "status"
	fieldResult        = "result"
	fieldLockOwner     = "lock_owner"
	fieldLockExpiresAt = "lock_expires_at"
	fieldCreatedAt     = "created_at"
	fieldExpiresAt     = "expires_at"
)

// KEYS[1] record key
// ARGV[1] fingerprint, ARGV[2] owner, ARGV[3] lock expiry ms, ARGV[4] now ms,
// ARGV[5] retention expiry ms, ARGV[6] retention ttl ms
var beginScript = redis.NewScript(`
local now = tonumber(ARGV[4])
local state = redis.call("HMGET", KEYS[1], "fingerprint", "status", "lock_expires_at", "expires_at")
if state[1] and tonumber(state[4]) <= now then
  redis.call("DEL", KEYS[1])
  state[1] = false
end
if not state[1] then
  redis.call("HSET", KEYS[1],
    "fingerprint", ARGV[1],
    "status", "IN_PROGRESS",
    "lock_owner", ARGV[2],
    "lock_expires_at", ARGV[3],
    "created_at", ARGV[4],
    "expires_at", ARGV[5])
  redis.call("PEXPIRE", KEYS[1], ARGV[6])
  return {"began"}
end
local outcome
if state[1] ~= ARGV[1] then
  outcome = "mismatch"
elseif state[2] == "COMPLETED" then
  outcome = "completed"
elseif tonumber(state[3]) > now then
  outcome = "in_progress"
else
  redis.call("HSET", KEYS[1], "lock_owner", ARGV[2], "lock_expires_at", ARGV[3])
  return {"reclaimed"}
end
local fields = redis.call("HGETALL", KEYS[1])
table.insert(fields, 1, outcome)
return fields
`)

// KEYS[1] record key
// ARGV[1] owner, ARGV[2] now ms, ARGV[3] result, ARGV[4] retention expiry ms,
// ARGV[5] retention ttl ms
var commitScript = redis.NewScript(`
local state = redis.call("HMGET", KEYS[1], "status", "lock_owner", "lock_expires_at", "expires_at")
if state[1] ~= "IN_PROGRESS" or state[2] ~= ARGV[1] then
  return 0
end
local now = tonumber(ARGV[2])
if tonumber(state[3]) <= now or tonumber(state[4]) <= now then
  return 0
end
redis.call("HSET", KEYS[1], "status", "COMPLETED", "result", ARGV[3], "expires_at", ARGV[4])
redis.call("HDEL", KEYS[1], "lock_owner", "lock_expires_at")
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return 1
`)

// KEYS[1] record key
// ARGV[1] owner
var releaseScript = redis.NewScript(`
local state = redis.call("HMGET", KEYS[1], "status", "lock_owner")
if state[1] == "IN_PROGRESS" and state[2] == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Store implements idempotency.Adapter on Redis. Expired records are
// removed by Redis itself through PEXPIRE.
type Store struct {
	client  redis.UniversalClient
	nowFunc func() time.Time
}

type Option func(*Store)

// WithNowFunc injects the clock used for lock and retention timestamps.
func WithNowFunc(f func() time.Time) Option {
	return func(s *Store) { s.nowFunc = f }
}

func NewStore(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, nowFunc: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) TryBegin(ctx context.Context, p idempotency.BeginParams) (idempotency.BeginResult, error) {
	now := s.nowFunc()
	vals, err := beginScript.Run(ctx, s.client, []string{p.Key},
		string(p.Fingerprint),
		p.LockOwner,
		now.Add(p.LockTTL).UnixMilli(),
		now.UnixMilli(),
		now.Add(p.Retention).UnixMilli(),
		ttlMillis(p.Retention),
	).StringSlice()
	if err != nil {
		return idempotency.BeginResult{}, fmt.Errorf("redis try begin: %w", err)
	}
	if len(vals) == 0 {
		return idempotency.BeginResult{}, fmt.Errorf("redis try begin: empty script reply")
	}

	switch vals[0] {
	case "began", "reclaimed":
		return idempotency.BeginResult{
			Outcome:   idempotency.OutcomeBegan,
			Reclaimed: vals[0] == "reclaimed",
			Record: &idempotency.Record{
				Key:           p.Key,
				Fingerprint:   p.Fingerprint,
				Status:        idempotency.StatusInProgress,
				LockOwner:     p.LockOwner,
				LockExpiresAt: now.Add(p.LockTTL),
				ExpiresAt:     now.Add(p.Retention),
			},
		}, nil
	case "mismatch", "completed", "in_progress":
		rec, err := parseRecord(p.Key, pairs(vals[1:]))
		if err != nil {
			return idempotency.BeginResult{}, err
		}
		return idempotency.BeginResult{Outcome: outcomeOf(vals[0]), Record: rec}, nil
	default:
		return idempotency.BeginResult{}, fmt.Errorf("redis try begin: unexpected reply %q", vals[0])
	}
}

func (s *Store) Commit(ctx context.Context, key, owner string, result []byte, retention time.Duration) error {
	now := s.nowFunc()
	ok, err := commitScript.Run(ctx, s.client, []string{key},
		owner,
		now.UnixMilli(),
		result,
		now.Add(retention).UnixMilli(),
		ttlMillis(retention),
	).Int()
	if err != nil {
		return fmt.Errorf("redis commit: %w", err)
	}
	if ok != 1 {
		return idempotency.ErrLockLost
	}
	return nil
}

func (s *Store) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, s.client, []string{key}, owner).Err(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

// Reap is a no-op; Redis expires keys on its own.
func (s *Store) Reap(context.Context) (int64, error) { return 0, nil }

func (s *Store) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	rec, err := parseRecord(key, fields)
	if err != nil {
		return nil, err
	}
	if rec.Expired(s.nowFunc()) {
		return nil, nil
	}
	return rec, nil
}

func outcomeOf(reply string) idempotency.Outcome {
	switch reply {
	case "mismatch":
		return idempotency.OutcomeMismatch
	case "completed":
		return idempotency.OutcomeCompleted
	default:
		return idempotency.OutcomeInProgress
	}
}

func pairs(flat []string) map[string]string {
	m := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		m[flat[i]] = flat[i+1]
	}
	return m
}

func parseRecord(key string, fields map[string]string) (*idempotency.Record, error) {
	rec := &idempotency.Record{
		Key:         key,
		Fingerprint: idempotency.Fingerprint(fields[fieldFingerprint]),
		Status:      idempotency.Status(fields[fieldStatus]),
		LockOwner:   fields[fieldLockOwner],
	}
	if r, ok := fields[fieldResult]; ok {
		rec.Result = []byte(r)
	}
	for name, dst := range map[string]*time.Time{
		fieldLockExpiresAt: &rec.LockExpiresAt,
		fieldCreatedAt:     &rec.CreatedAt,
		fieldExpiresAt:     &rec.ExpiresAt,
	} {
		raw, ok := fields[name]
		if !ok || raw == "" {
			continue
		}
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis record %s: parse %s: %w", key, name, err)
		}
		*dst = time.UnixMilli(ms)
	}
	return rec, nil
}

// ttlMillis keeps PEXPIRE arguments positive; PEXPIRE 0 deletes the key.
func ttlMillis(d time.Duration) int64 {
	if ms := d.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}
