package idempotency

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/imrishuroy/go-idempokit/internal/audit"
)

const (
	DefaultLockTTL        = 30 * time.Second
	DefaultRetention      = 24 * time.Hour
	DefaultHandlerTimeout = 30 * time.Second
)

type config struct {
	lockTTL        time.Duration
	retention      time.Duration
	handlerTimeout time.Duration
	keyPrefix      string
	sink           audit.Sink
	logger         *slog.Logger
	nowFunc        func() time.Time
	ownerFunc      func() string
}

func defaultConfig() config {
	return config{
		lockTTL:        DefaultLockTTL,
		retention:      DefaultRetention,
		handlerTimeout: DefaultHandlerTimeout,
		logger:         slog.Default(),
		nowFunc:        time.Now,
		ownerFunc:      uuid.NewString,
	}
}

// Option configures an Engine.
type Option func(*config)

// WithLockTTL sets how long a lock is honoured before another caller may
// reclaim the key. Non-positive values are ignored.
func WithLockTTL(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.lockTTL = d
		}
	}
}

// WithRetention sets how long records, and therefore replays, are kept.
func WithRetention(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.retention = d
		}
	}
}

// WithHandlerTimeout bounds how long Execute waits for an operation.
// Zero disables the bound.
func WithHandlerTimeout(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.handlerTimeout = d
		}
	}
}

// WithKeyPrefix namespaces every key before it reaches storage.
func WithKeyPrefix(prefix string) Option {
	return func(c *config) { c.keyPrefix = prefix }
}

// WithAuditSink installs the sink receiving audit events.
func WithAuditSink(s audit.Sink) Option {
	return func(c *config) { c.sink = s }
}

// WithOnAudit installs a plain callback as the audit sink.
func WithOnAudit(fn func(audit.Event)) Option {
	return func(c *config) {
		if fn == nil {
			return
		}
		c.sink = audit.SinkFunc(func(_ context.Context, ev audit.Event) error {
			fn(ev)
			return nil
		})
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the clock used for audit timestamps and retry hints.
func WithClock(f func() time.Time) Option {
	return func(c *config) {
		if f != nil {
			c.nowFunc = f
		}
	}
}

// WithOwnerFunc overrides how lock owner identities are generated.
func WithOwnerFunc(f func() string) Option {
	return func(c *config) {
		if f != nil {
			c.ownerFunc = f
		}
	}
}

type executeConfig struct {
	metadata       map[string]any
	handlerTimeout *time.Duration
}

// ExecuteOption tunes a single Execute call.
type ExecuteOption func(*executeConfig)

// WithMetadata attaches caller context to every audit event of the call.
// The map is copied.
func WithMetadata(md map[string]any) ExecuteOption {
	return func(c *executeConfig) {
		if c.metadata == nil {
			c.metadata = make(map[string]any, len(md))
		}
		for k, v := range md {
			c.metadata[k] = v
		}
	}
}

// WithTimeout overrides the engine's handler timeout for one call.
func WithTimeout(d time.Duration) ExecuteOption {
	return func(c *executeConfig) { c.handlerTimeout = &d }
}
