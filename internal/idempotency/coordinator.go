package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/imrishuroy/go-idempokit/internal/audit"
)

// attempt is one Execute call as seen by the coordinator.
type attempt struct {
	key       string // prefixed storage key
	callerKey string
	fp        Fingerprint
	owner     string
	timeout   time.Duration
	emit      func(ctx context.Context, action audit.Action)
}

type settled struct {
	result []byte
	err    error
}

// coordinator drives the Absent -> InProgress -> Completed state machine
// on top of an Adapter.
type coordinator struct {
	adapter   Adapter
	lockTTL   time.Duration
	retention time.Duration
	logger    *slog.Logger
	nowFunc   func() time.Time
}

func (c *coordinator) run(ctx context.Context, a attempt, op Operation) ([]byte, error) {
	res, err := c.adapter.TryBegin(ctx, BeginParams{
		Key:         a.key,
		Fingerprint: a.fp,
		LockOwner:   a.owner,
		LockTTL:     c.lockTTL,
		Retention:   c.retention,
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "try begin failed",
			"module", "idempotency", "layer", "coordinator", "operation", "try_begin", "key", a.callerKey, "error", err)
		a.emit(ctx, audit.ActionAdapterUnavailable)
		return nil, &Error{Kind: ErrAdapterUnavailable, Key: a.callerKey, Err: err}
	}

	c.logger.DebugContext(ctx, "try begin",
		"module", "idempotency", "layer", "coordinator", "operation", "try_begin",
		"outcome", res.Outcome.String(), "key", a.callerKey)

	switch res.Outcome {
	case OutcomeBegan:
		if res.Reclaimed {
			c.logger.InfoContext(ctx, "reclaimed abandoned lock",
				"module", "idempotency", "layer", "coordinator", "operation", "try_begin", "key", a.callerKey)
		}
		a.emit(ctx, audit.ActionBegan)
	case OutcomeCompleted:
		a.emit(ctx, audit.ActionReplayed)
		var result []byte
		if res.Record != nil {
			result = res.Record.Result
		}
		return result, nil
	case OutcomeInProgress:
		a.emit(ctx, audit.ActionRejectedInProgress)
		retry := RetryAfter(res.Record, c.nowFunc())
		if retry == 0 {
			retry = c.lockTTL
		}
		return nil, &Error{Kind: ErrOperationInProgress, Key: a.callerKey, RetryAfter: retry}
	case OutcomeMismatch:
		a.emit(ctx, audit.ActionRejectedMismatch)
		return nil, &Error{Kind: ErrFingerprintMismatch, Key: a.callerKey}
	default:
		a.emit(ctx, audit.ActionAdapterUnavailable)
		return nil, &Error{Kind: ErrAdapterUnavailable, Key: a.callerKey, Err: fmt.Errorf("unexpected outcome %d", res.Outcome)}
	}

	return c.execute(ctx, a, op)
}

// execute runs op while holding the lock. The operation runs on its own
// goroutine so a timeout can return control to the caller; the goroutine
// still settles the record when op eventually returns.
func (c *coordinator) execute(ctx context.Context, a attempt, op Operation) ([]byte, error) {
	opCtx, cancel := ctx, context.CancelFunc(func() {})
	if a.timeout > 0 {
		opCtx, cancel = context.WithTimeout(ctx, a.timeout)
	}
	settleCtx := context.WithoutCancel(ctx)

	var abandoned atomic.Bool
	done := make(chan settled, 1)
	go func() {
		defer cancel()
		result, opErr := invoke(opCtx, op)
		out := c.settle(settleCtx, a, result, opErr)
		if abandoned.Load() {
			c.logger.WarnContext(settleCtx, "operation finished after handler timeout",
				"module", "idempotency", "layer", "coordinator", "operation", "execute",
				"outcome", outcomeLabel(out.err), "key", a.callerKey)
		}
		done <- out
	}()

	var timeout <-chan time.Time
	if a.timeout > 0 {
		timer := time.NewTimer(a.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case out := <-done:
		return out.result, out.err
	case <-timeout:
		abandoned.Store(true)
		return nil, c.abandon(ctx, a, context.DeadlineExceeded)
	case <-ctx.Done():
		abandoned.Store(true)
		return nil, c.abandon(ctx, a, ctx.Err())
	}
}

func (c *coordinator) abandon(ctx context.Context, a attempt, cause error) error {
	c.logger.WarnContext(ctx, "operation exceeded handler timeout; lock left to expire",
		"module", "idempotency", "layer", "coordinator", "operation", "execute", "key", a.callerKey, "lock_ttl", c.lockTTL)
	a.emit(context.WithoutCancel(ctx), audit.ActionTimedOut)
	return &Error{Kind: ErrHandlerTimeout, Key: a.callerKey, RetryAfter: c.lockTTL, Err: cause}
}

// settle commits a successful result or releases the lock after a failure.
func (c *coordinator) settle(ctx context.Context, a attempt, result []byte, opErr error) settled {
	if opErr != nil {
		if err := c.adapter.Release(ctx, a.key, a.owner); err != nil {
			c.logger.WarnContext(ctx, "release failed; lock left to expire",
				"module", "idempotency", "layer", "coordinator", "operation", "release", "key", a.callerKey, "error", err)
		}
		a.emit(ctx, audit.ActionFailed)
		return settled{err: &Error{Kind: ErrOperationFailed, Key: a.callerKey, Err: opErr}}
	}

	if result == nil {
		result = []byte{}
	}
	err := c.adapter.Commit(ctx, a.key, a.owner, result, c.retention)
	switch {
	case err == nil:
		a.emit(ctx, audit.ActionCompleted)
		return settled{result: result}
	case errors.Is(err, ErrLockLost):
		c.logger.WarnContext(ctx, "commit rejected; lock was reclaimed",
			"module", "idempotency", "layer", "coordinator", "operation", "commit", "key", a.callerKey)
		a.emit(ctx, audit.ActionLockLost)
		return settled{err: &Error{Kind: ErrOperationInProgress, Key: a.callerKey, RetryAfter: c.lockTTL, Err: err}}
	default:
		c.logger.ErrorContext(ctx, "commit failed",
			"module", "idempotency", "layer", "coordinator", "operation", "commit", "key", a.callerKey, "error", err)
		a.emit(ctx, audit.ActionAdapterUnavailable)
		return settled{err: &Error{Kind: ErrAdapterUnavailable, Key: a.callerKey, Err: err}}
	}
}

func outcomeLabel(err error) string {
	if err == nil {
		return "committed"
	}
	return "not_committed"
}

// invoke runs op, converting a panic into an error.
func invoke(ctx context.Context, op Operation) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return op(ctx)
}
