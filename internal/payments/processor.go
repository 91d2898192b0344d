// Package payments is the side-effecting operation the API guards with the
// idempotency engine: a simulated card charge recorded in a ledger.
package payments

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultDelay simulates the latency of a payment provider.
const DefaultDelay = 100 * time.Millisecond

// Processor charges customers and records each payment in its ledger.
type Processor struct {
	ledger  Ledger
	delay   time.Duration
	logger  *slog.Logger
	nowFunc func() time.Time
	idFunc  func() string
}

type Option func(*Processor)

func WithDelay(d time.Duration) Option {
	return func(p *Processor) { p.delay = d }
}

func WithNowFunc(f func() time.Time) Option {
	return func(p *Processor) { p.nowFunc = f }
}

// WithIDSuffix replaces the random suffix that keeps payment IDs created
// in the same millisecond distinct.
func WithIDSuffix(f func() string) Option {
	return func(p *Processor) { p.idFunc = f }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// NewProcessor returns a Processor. A nil ledger keeps no record.
func NewProcessor(ledger Ledger, opts ...Option) *Processor {
	p := &Processor{
		ledger:  ledger,
		delay:   DefaultDelay,
		logger:  slog.Default(),
		nowFunc: time.Now,
		idFunc:  randomSuffix,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process charges c. It honours ctx cancellation during the provider call
// but not once the payment is being recorded.
func (p *Processor) Process(ctx context.Context, c Charge) (Payment, error) {
	p.logger.InfoContext(ctx, "processing payment",
		"module", "payments", "layer", "processor", "operation", "process",
		"amount", c.Amount, "currency", c.Currency, "customer_id", c.CustomerID)

	if p.delay > 0 {
		timer := time.NewTimer(p.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Payment{}, fmt.Errorf("payment provider: %w", ctx.Err())
		case <-timer.C:
		}
	}

	now := p.nowFunc().UTC()
	payment := Payment{
		PaymentID:  fmt.Sprintf("pay_%d_%s", now.UnixMilli(), p.idFunc()),
		Status:     StatusSucceeded,
		Amount:     c.Amount,
		Currency:   c.Currency,
		CustomerID: c.CustomerID,
		CreatedAt:  now,
	}
	if p.ledger != nil {
		if err := p.ledger.Put(context.WithoutCancel(ctx), payment); err != nil {
			return Payment{}, fmt.Errorf("record payment %s: %w", payment.PaymentID, err)
		}
	}
	return payment, nil
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
