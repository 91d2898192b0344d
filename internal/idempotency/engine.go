// Package idempotency executes side-effecting operations at most once per
// idempotency key.
//
// The Engine fingerprints each request, takes a short-lived lock through a
// storage Adapter, runs the operation and persists its result so later
// requests with the same key and payload replay it instead of running the
// operation again. A key reused with a different payload is rejected.
//
//	engine := idempotency.New(adapter, idempotency.WithKeyPrefix("payment:"))
//	fp, _ := engine.Fingerprint(req)
//	result, err := engine.Execute(ctx, key, fp, func(ctx context.Context) ([]byte, error) {
//		return charge(ctx, req)
//	})
package idempotency

import (
	"context"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/imrishuroy/go-idempokit/internal/audit"
	"github.com/imrishuroy/go-idempokit/internal/fingerprint"
)

// Operation is the side-effecting work guarded by the engine. Its result
// is stored verbatim and returned to every replay.
type Operation func(ctx context.Context) ([]byte, error)

// Engine is safe for concurrent use.
type Engine struct {
	cfg     config
	adapter Adapter
	coord   *coordinator
}

// New builds an Engine over adapter.
func New(adapter Adapter, opts ...Option) *Engine {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{
		cfg:     cfg,
		adapter: adapter,
		coord: &coordinator{
			adapter:   adapter,
			lockTTL:   cfg.lockTTL,
			retention: cfg.retention,
			logger:    cfg.logger,
			nowFunc:   cfg.nowFunc,
		},
	}
}

// Fingerprint canonicalises payload and returns its digest.
func (e *Engine) Fingerprint(payload any) (Fingerprint, error) {
	fp, err := fingerprint.Of(payload)
	return Fingerprint(fp), err
}

// FingerprintJSON fingerprints an encoded JSON document such as a raw body.
func (e *Engine) FingerprintJSON(raw []byte) (Fingerprint, error) {
	fp, err := fingerprint.OfJSON(raw)
	return Fingerprint(fp), err
}

// Execute runs op at most once for key. Callers with the same key and
// fingerprint receive the stored result of the first successful run; the
// returned error, if any, is an *Error.
//
// After ErrHandlerTimeout the operation keeps running. If it later
// succeeds its result is committed; if it fails the lock is released, so
// the key may become free before the lock TTL elapses.
//
// A handler timeout longer than the lock TTL lets another caller reclaim
// the lock while op is still running; Execute logs a warning when that is
// configured.
func (e *Engine) Execute(ctx context.Context, key string, fp Fingerprint, op Operation, opts ...ExecuteOption) ([]byte, error) {
	var ec executeConfig
	for _, opt := range opts {
		opt(&ec)
	}
	timeout := e.cfg.handlerTimeout
	if ec.handlerTimeout != nil {
		timeout = *ec.handlerTimeout
	}

	if timeout > e.cfg.lockTTL {
		e.cfg.logger.WarnContext(ctx, "handler timeout exceeds lock ttl",
			"module", "idempotency", "layer", "engine", "operation", "execute",
			"key", key, "handler_timeout", timeout, "lock_ttl", e.cfg.lockTTL)
	}

	a := attempt{
		key:       e.cfg.keyPrefix + key,
		callerKey: key,
		fp:        fp,
		owner:     e.cfg.ownerFunc(),
		timeout:   timeout,
	}
	a.emit = func(ctx context.Context, action audit.Action) {
		e.emit(ctx, key, action, ec.metadata)
	}
	return e.coord.run(ctx, a, op)
}

// Lookup returns the current record for key, or nil when absent.
func (e *Engine) Lookup(ctx context.Context, key string) (*Record, error) {
	in, ok := e.adapter.(Inspector)
	if !ok {
		return nil, ErrLookupUnsupported
	}
	return in.Get(ctx, e.cfg.keyPrefix+key)
}

// Reap removes expired records from storage.
func (e *Engine) Reap(ctx context.Context) (int64, error) {
	return e.adapter.Reap(ctx)
}

// RunReaper calls Reap every interval until ctx is done.
func (e *Engine) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.adapter.Reap(ctx)
			if err != nil {
				e.cfg.logger.WarnContext(ctx, "reap failed", "module", "idempotency", "layer", "engine", "operation", "reap", "error", err)
				continue
			}
			if n > 0 {
				e.cfg.logger.InfoContext(ctx, "reaped expired records", "module", "idempotency", "layer", "engine", "operation", "reap", "count", n)
			}
		}
	}
}

// emit delivers an audit event. Sink errors and panics are logged and
// never reach the caller.
func (e *Engine) emit(ctx context.Context, key string, action audit.Action, md map[string]any) {
	if e.cfg.sink == nil {
		return
	}
	ev := audit.Event{
		ID:        uuid.NewString(),
		Key:       key,
		Action:    action,
		Timestamp: e.cfg.nowFunc().UTC(),
		Metadata:  maps.Clone(md),
	}
	defer func() {
		if r := recover(); r != nil {
			e.cfg.logger.ErrorContext(ctx, "audit sink panicked",
				"module", "idempotency", "layer", "engine", "operation", "audit", "key", key, "action", string(action), "panic", r)
		}
	}()
	if err := e.cfg.sink.Emit(ctx, ev); err != nil {
		e.cfg.logger.WarnContext(ctx, "audit emit failed",
			"module", "idempotency", "layer", "engine", "operation", "audit", "key", key, "action", string(action), "error", err)
	}
}
