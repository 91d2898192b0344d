package payments

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func fixedClock() func() time.Time {
	return func() time.Time { return time.UnixMilli(1735689600000) }
}

func TestProcess_ReturnsPaymentAndRecordsIt(t *testing.T) {
	ledger := NewMemoryLedger()
	p := NewProcessor(ledger, WithDelay(0), WithNowFunc(fixedClock()), WithIDSuffix(func() string { return "a1b2c3d4e5f6" }))

	got, err := p.Process(context.Background(), Charge{Amount: 1000, Currency: "USD", CustomerID: "cus_1"})
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}
	if got.PaymentID != "pay_1735689600000_a1b2c3d4e5f6" || got.Status != StatusSucceeded {
		t.Fatalf("unexpected payment: %+v", got)
	}
	if ledger.Len() != 1 {
		t.Fatalf("expected payment in ledger")
	}

	raw, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"paymentId":"pay_1735689600000_a1b2c3d4e5f6","status":"succeeded","amount":1000,"currency":"USD","customerId":"cus_1"}`
	if string(raw) != want {
		t.Fatalf("unexpected JSON:\n got %s\nwant %s", raw, want)
	}
}

func TestProcess_DuplicateLedgerEntryFails(t *testing.T) {
	p := NewProcessor(NewMemoryLedger(), WithDelay(0), WithNowFunc(fixedClock()), WithIDSuffix(func() string { return "same" }))
	ctx := context.Background()
	if _, err := p.Process(ctx, Charge{Amount: 1}); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	if _, err := p.Process(ctx, Charge{Amount: 1}); !errors.Is(err, ErrDuplicatePayment) {
		t.Fatalf("expected ErrDuplicatePayment, got %v", err)
	}
}

func TestProcess_SameMillisecondChargesGetDistinctIDs(t *testing.T) {
	ledger := NewMemoryLedger()
	p := NewProcessor(ledger, WithDelay(0), WithNowFunc(fixedClock()))
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 1; i <= 1000; i++ {
		got, err := p.Process(ctx, Charge{Amount: int64(i), Currency: "USD", CustomerID: "cus_1"})
		if err != nil {
			t.Fatalf("charge %d rejected: %v", i, err)
		}
		if !strings.HasPrefix(got.PaymentID, "pay_1735689600000_") || seen[got.PaymentID] {
			t.Fatalf("unexpected or repeated payment id %q", got.PaymentID)
		}
		seen[got.PaymentID] = true
	}
	if ledger.Len() != 1000 {
		t.Fatalf("expected 1000 ledger entries, got %d", ledger.Len())
	}
}

func TestProcess_CancelledDuringDelay(t *testing.T) {
	ledger := NewMemoryLedger()
	p := NewProcessor(ledger, WithDelay(time.Minute))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Process(ctx, Charge{Amount: 1}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if ledger.Len() != 0 {
		t.Fatalf("cancelled charge must not be recorded")
	}
}

func TestProcess_WithoutLedger(t *testing.T) {
	p := NewProcessor(nil, WithDelay(0))
	if _, err := p.Process(context.Background(), Charge{Amount: 5, Currency: "EUR"}); err != nil {
		t.Fatalf("Process error: %v", err)
	}
}
