// Package storagetest holds the behavioural contract every idempotency
// adapter must satisfy, runnable against any backend.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-idempokit/internal/idempotency"
)

const (
	lockTTL   = 30 * time.Second
	retention = 24 * time.Hour
)

// Clock is a manually advanced time source shared by a harness and the
// adapter under test.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock { return &Clock{now: start} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Harness wires one fresh adapter to the clock it reads. Advance must move
// every notion of time the backend has, including native expiry.
type Harness struct {
	Adapter idempotency.Adapter
	Advance func(d time.Duration)
}

// Run executes the contract against adapters produced by newHarness. Each
// subtest gets its own harness.
func Run(t *testing.T, newHarness func(t *testing.T) Harness) {
	t.Run("BeginOnAbsentKey", func(t *testing.T) {
		h := newHarness(t)
		res := begin(t, h, "k", "fp-1", "owner-1")
		assert.Equal(t, idempotency.OutcomeBegan, res.Outcome)
		assert.False(t, res.Reclaimed)
	})

	t.Run("SecondBeginSeesInProgress", func(t *testing.T) {
		h := newHarness(t)
		begin(t, h, "k", "fp-1", "owner-1")
		res := begin(t, h, "k", "fp-1", "owner-2")
		assert.Equal(t, idempotency.OutcomeInProgress, res.Outcome)
		require.NotNil(t, res.Record)
		assert.Equal(t, "owner-1", res.Record.LockOwner)
		assert.Equal(t, idempotency.StatusInProgress, res.Record.Status)
	})

	t.Run("FingerprintMismatchWhileInProgress", func(t *testing.T) {
		h := newHarness(t)
		begin(t, h, "k", "fp-1", "owner-1")
		res := begin(t, h, "k", "fp-2", "owner-2")
		assert.Equal(t, idempotency.OutcomeMismatch, res.Outcome)
	})

	t.Run("CommitThenReplay", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		begin(t, h, "k", "fp-1", "owner-1")
		require.NoError(t, h.Adapter.Commit(ctx, "k", "owner-1", []byte(`{"id":"pay_1"}`), retention))

		res := begin(t, h, "k", "fp-1", "owner-2")
		assert.Equal(t, idempotency.OutcomeCompleted, res.Outcome)
		require.NotNil(t, res.Record)
		assert.Equal(t, []byte(`{"id":"pay_1"}`), res.Record.Result)
		assert.Equal(t, idempotency.StatusCompleted, res.Record.Status)
	})

	t.Run("FingerprintMismatchAfterCompletion", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		begin(t, h, "k", "fp-1", "owner-1")
		require.NoError(t, h.Adapter.Commit(ctx, "k", "owner-1", []byte("ok"), retention))
		res := begin(t, h, "k", "fp-2", "owner-2")
		assert.Equal(t, idempotency.OutcomeMismatch, res.Outcome)
	})

	t.Run("CommitByNonOwnerIsRejected", func(t *testing.T) {
		h := newHarness(t)
		begin(t, h, "k", "fp-1", "owner-1")
		err := h.Adapter.Commit(context.Background(), "k", "intruder", []byte("x"), retention)
		assert.ErrorIs(t, err, idempotency.ErrLockLost)

		res := begin(t, h, "k", "fp-1", "owner-2")
		assert.Equal(t, idempotency.OutcomeInProgress, res.Outcome)
	})

	t.Run("CommitOnMissingKeyIsRejected", func(t *testing.T) {
		h := newHarness(t)
		err := h.Adapter.Commit(context.Background(), "missing", "owner-1", []byte("x"), retention)
		assert.ErrorIs(t, err, idempotency.ErrLockLost)
	})

	t.Run("CommitAfterLockExpiryIsRejected", func(t *testing.T) {
		h := newHarness(t)
		begin(t, h, "k", "fp-1", "owner-1")
		h.Advance(lockTTL + time.Second)
		err := h.Adapter.Commit(context.Background(), "k", "owner-1", []byte("late"), retention)
		assert.ErrorIs(t, err, idempotency.ErrLockLost)
	})

	t.Run("ReclaimAfterLockExpiry", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		begin(t, h, "k", "fp-1", "owner-1")
		h.Advance(lockTTL + time.Second)

		res := begin(t, h, "k", "fp-1", "owner-2")
		assert.Equal(t, idempotency.OutcomeBegan, res.Outcome)
		assert.True(t, res.Reclaimed)

		assert.ErrorIs(t, h.Adapter.Commit(ctx, "k", "owner-1", []byte("stale"), retention), idempotency.ErrLockLost)
		require.NoError(t, h.Adapter.Commit(ctx, "k", "owner-2", []byte("fresh"), retention))

		replay := begin(t, h, "k", "fp-1", "owner-3")
		assert.Equal(t, idempotency.OutcomeCompleted, replay.Outcome)
		assert.Equal(t, []byte("fresh"), replay.Record.Result)
	})

	t.Run("ReclaimRequiresSameFingerprint", func(t *testing.T) {
		h := newHarness(t)
		begin(t, h, "k", "fp-1", "owner-1")
		h.Advance(lockTTL + time.Second)
		res := begin(t, h, "k", "fp-2", "owner-2")
		assert.Equal(t, idempotency.OutcomeMismatch, res.Outcome)
	})

	t.Run("ReleaseAllowsRetry", func(t *testing.T) {
		h := newHarness(t)
		begin(t, h, "k", "fp-1", "owner-1")
		require.NoError(t, h.Adapter.Release(context.Background(), "k", "owner-1"))

		res := begin(t, h, "k", "fp-1", "owner-2")
		assert.Equal(t, idempotency.OutcomeBegan, res.Outcome)
		assert.False(t, res.Reclaimed)
	})

	t.Run("ReleaseByNonOwnerIsIgnored", func(t *testing.T) {
		h := newHarness(t)
		begin(t, h, "k", "fp-1", "owner-1")
		require.NoError(t, h.Adapter.Release(context.Background(), "k", "intruder"))
		res := begin(t, h, "k", "fp-1", "owner-2")
		assert.Equal(t, idempotency.OutcomeInProgress, res.Outcome)
	})

	t.Run("ReleaseKeepsCompletedRecord", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		begin(t, h, "k", "fp-1", "owner-1")
		require.NoError(t, h.Adapter.Commit(ctx, "k", "owner-1", []byte("done"), retention))
		require.NoError(t, h.Adapter.Release(ctx, "k", "owner-1"))
		res := begin(t, h, "k", "fp-1", "owner-2")
		assert.Equal(t, idempotency.OutcomeCompleted, res.Outcome)
	})

	t.Run("ExpiredRecordIsAbsent", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		begin(t, h, "k", "fp-1", "owner-1")
		require.NoError(t, h.Adapter.Commit(ctx, "k", "owner-1", []byte("done"), retention))
		h.Advance(retention + time.Second)

		res := begin(t, h, "k", "fp-2", "owner-2")
		assert.Equal(t, idempotency.OutcomeBegan, res.Outcome)
		assert.False(t, res.Reclaimed)
	})

	t.Run("ReapIsSafe", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		begin(t, h, "old", "fp-1", "owner-1")
		require.NoError(t, h.Adapter.Commit(ctx, "old", "owner-1", []byte("done"), retention))
		h.Advance(retention + time.Second)
		begin(t, h, "new", "fp-1", "owner-2")

		n, err := h.Adapter.Reap(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(0))

		res := begin(t, h, "new", "fp-1", "owner-3")
		assert.Equal(t, idempotency.OutcomeInProgress, res.Outcome, "reap must keep live records")
	})

	t.Run("GetReflectsState", func(t *testing.T) {
		h := newHarness(t)
		in, ok := h.Adapter.(idempotency.Inspector)
		if !ok {
			t.Skip("adapter does not implement Inspector")
		}
		ctx := context.Background()

		rec, err := in.Get(ctx, "k")
		require.NoError(t, err)
		assert.Nil(t, rec)

		begin(t, h, "k", "fp-1", "owner-1")
		require.NoError(t, h.Adapter.Commit(ctx, "k", "owner-1", []byte("done"), retention))
		rec, err = in.Get(ctx, "k")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, idempotency.StatusCompleted, rec.Status)
		assert.Equal(t, idempotency.Fingerprint("fp-1"), rec.Fingerprint)
		assert.Equal(t, []byte("done"), rec.Result)
	})

	t.Run("ConcurrentBeginsHaveOneWinner", func(t *testing.T) {
		h := newHarness(t)
		const callers = 16
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners int
			errs    []error
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := h.Adapter.TryBegin(context.Background(), params("race", "fp-1", ownerName(i)))
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				if res.Outcome == idempotency.OutcomeBegan {
					winners++
				}
			}(i)
		}
		wg.Wait()
		require.Empty(t, errs)
		assert.Equal(t, 1, winners)
	})
}

func params(key, fp, owner string) idempotency.BeginParams {
	return idempotency.BeginParams{
		Key:         key,
		Fingerprint: idempotency.Fingerprint(fp),
		LockOwner:   owner,
		LockTTL:     lockTTL,
		Retention:   retention,
	}
}

func begin(t *testing.T, h Harness, key, fp, owner string) idempotency.BeginResult {
	t.Helper()
	res, err := h.Adapter.TryBegin(context.Background(), params(key, fp, owner))
	require.NoError(t, err)
	return res
}

func ownerName(i int) string {
	return "owner-" + string(rune('a'+i))
}

// Seed stores a completed record for key that expires after ttl.
func Seed(t *testing.T, a idempotency.Adapter, key string, ttl time.Duration) {
	t.Helper()
	ctx := context.Background()
	p := params(key, "seed", "seed-owner")
	p.Retention = ttl
	res, err := a.TryBegin(ctx, p)
	require.NoError(t, err)
	require.Equal(t, idempotency.OutcomeBegan, res.Outcome)
	require.NoError(t, a.Commit(ctx, key, "seed-owner", []byte("seed"), ttl))
}
