package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrBufferFull is returned by Async.Emit when the queue is saturated.
	ErrBufferFull = errors.New("audit: buffer full")
	// ErrClosed is returned by Async.Emit after Close.
	ErrClosed = errors.New("audit: sink closed")
)

const deliverTimeout = 5 * time.Second

// Async decouples a slow sink (a queue, a database) from the caller. Events
// are buffered and delivered by a single worker goroutine; when the buffer
// is full the event is dropped and counted.
type Async struct {
	sink   Sink
	logger *slog.Logger

	mu      sync.RWMutex
	closed  bool
	events  chan Event
	done    chan struct{}
	dropped atomic.Int64
}

// NewAsync starts the delivery worker. buffer <= 0 selects 256.
func NewAsync(sink Sink, buffer int, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		sink:   sink,
		logger: logger,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) Emit(_ context.Context, ev Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.events <- ev:
		return nil
	default:
		a.dropped.Add(1)
		return ErrBufferFull
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

// Close stops accepting events and waits for the queue to drain or ctx to end.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.events {
		a.deliver(ev)
	}
}

func (a *Async) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("audit sink panicked", "module", "audit", "key", ev.Key, "action", string(ev.Action), "panic", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()
	if err := a.sink.Emit(ctx, ev); err != nil {
		a.logger.Warn("audit delivery failed", "module", "audit", "key", ev.Key, "action", string(ev.Action), "error", err)
	}
}
