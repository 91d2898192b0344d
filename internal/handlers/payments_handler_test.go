package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/imrishuroy/go-idempokit/internal/audit"
	"github.com/imrishuroy/go-idempokit/internal/idempotency"
	"github.com/imrishuroy/go-idempokit/internal/payments"
	"github.com/imrishuroy/go-idempokit/internal/storage/memory"
)

type fakeProcessor struct {
	calls   atomic.Int32
	started chan struct{}
	block   chan struct{}
	err     error
}

func (p *fakeProcessor) Process(ctx context.Context, c payments.Charge) (payments.Payment, error) {
	n := p.calls.Add(1)
	if p.started != nil {
		p.started <- struct{}{}
	}
	if p.block != nil {
		<-p.block
	}
	if p.err != nil {
		return payments.Payment{}, p.err
	}
	return payments.Payment{
		PaymentID:  "pay_" + strconv.Itoa(int(n)),
		Status:     payments.StatusSucceeded,
		Amount:     c.Amount,
		Currency:   c.Currency,
		CustomerID: c.CustomerID,
	}, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *recordingSink) Emit(_ context.Context, ev audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

type downAdapter struct{}

func (downAdapter) TryBegin(context.Context, idempotency.BeginParams) (idempotency.BeginResult, error) {
	return idempotency.BeginResult{}, errors.New("connection refused")
}
func (downAdapter) Commit(context.Context, string, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}
func (downAdapter) Release(context.Context, string, string) error { return nil }
func (downAdapter) Reap(context.Context) (int64, error)           { return 0, nil }

func newRouter(engine *idempotency.Engine, proc PaymentProcessor) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterPaymentsRoutes(r, HandlerConfig{Engine: engine, Processor: proc})
	return r
}

func post(r http.Handler, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/payments", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	req.Header.Set("X-Request-Id", "req-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	code, _ := resp["code"].(string)
	return code
}

const paymentBody = `{"amount":1000,"currency":"USD","customerId":"cus_1","email":"jane@example.com","clientId":"web"}`

func TestCreatePayment_ReplaysStoredResponse(t *testing.T) {
	proc := &fakeProcessor{}
	r := newRouter(idempotency.New(memory.NewStore()), proc)

	first := post(r, "order-0001abcd", paymentBody)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", first.Code, first.Body.String())
	}
	var p payments.Payment
	if err := json.Unmarshal(first.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode payment: %v", err)
	}
	if !strings.HasPrefix(p.PaymentID, "pay_") || p.Amount != 1000 || p.Status != payments.StatusSucceeded {
		t.Fatalf("unexpected payment: %+v", p)
	}

	// key order and whitespace do not change the fingerprint
	second := post(r, "order-0001abcd", `{ "clientId":"web", "email":"jane@example.com", "customerId":"cus_1", "currency":"USD", "amount":1000 }`)
	if second.Code != http.StatusCreated {
		t.Fatalf("expected 201 on replay, got %d", second.Code)
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("replay body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}
	if proc.calls.Load() != 1 {
		t.Fatalf("expected processor to run once, ran %d times", proc.calls.Load())
	}

	third := post(r, "order-0001abcd", strings.Replace(paymentBody, "1000", "2000", 1))
	if third.Code != http.StatusConflict || errorCode(t, third) != "FINGERPRINT_MISMATCH" {
		t.Fatalf("expected 409 mismatch, got %d: %s", third.Code, third.Body.String())
	}
}

func TestCreatePayment_IdempotencyKeyHeader(t *testing.T) {
	proc := &fakeProcessor{}
	r := newRouter(idempotency.New(memory.NewStore()), proc)

	w := post(r, "", paymentBody)
	if w.Code != http.StatusBadRequest || errorCode(t, w) != "MISSING_IDEMPOTENCY_KEY" {
		t.Fatalf("expected missing key 400, got %d: %s", w.Code, w.Body.String())
	}

	w = post(r, "short", paymentBody)
	if w.Code != http.StatusBadRequest || errorCode(t, w) != "INVALID_IDEMPOTENCY_KEY" {
		t.Fatalf("expected invalid key 400, got %d: %s", w.Code, w.Body.String())
	}

	w = post(r, strings.Repeat("k", 65), paymentBody)
	if w.Code != http.StatusBadRequest || errorCode(t, w) != "INVALID_IDEMPOTENCY_KEY" {
		t.Fatalf("expected invalid key 400, got %d: %s", w.Code, w.Body.String())
	}

	if proc.calls.Load() != 0 {
		t.Fatalf("processor should not run for rejected requests")
	}
}

func TestCreatePayment_InvalidBody(t *testing.T) {
	r := newRouter(idempotency.New(memory.NewStore()), &fakeProcessor{})

	w := post(r, "order-0002abcd", `{"amount":-1,"currency":"USD","customerId":"cus_1"}`)
	if w.Code != http.StatusBadRequest || errorCode(t, w) != "VALIDATION_FAILED" {
		t.Fatalf("expected validation 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreatePayment_InProgress(t *testing.T) {
	proc := &fakeProcessor{started: make(chan struct{}, 1), block: make(chan struct{})}
	r := newRouter(idempotency.New(memory.NewStore()), proc)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- post(r, "order-0003abcd", paymentBody) }()
	<-proc.started

	w := post(r, "order-0003abcd", paymentBody)
	if w.Code != http.StatusConflict || errorCode(t, w) != "OPERATION_IN_PROGRESS" {
		t.Fatalf("expected 409 in progress, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	close(proc.block)
	if first := <-done; first.Code != http.StatusCreated {
		t.Fatalf("expected first request to succeed, got %d", first.Code)
	}
}

func TestCreatePayment_Timeout(t *testing.T) {
	proc := &fakeProcessor{block: make(chan struct{})}
	defer close(proc.block)
	engine := idempotency.New(memory.NewStore(), idempotency.WithHandlerTimeout(20*time.Millisecond))
	r := newRouter(engine, proc)

	w := post(r, "order-0004abcd", paymentBody)
	if w.Code != http.StatusRequestTimeout || errorCode(t, w) != "HANDLER_TIMEOUT" {
		t.Fatalf("expected 408, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreatePayment_AdapterUnavailable(t *testing.T) {
	proc := &fakeProcessor{}
	r := newRouter(idempotency.New(downAdapter{}), proc)

	w := post(r, "order-0005abcd", paymentBody)
	if w.Code != http.StatusServiceUnavailable || errorCode(t, w) != "ADAPTER_UNAVAILABLE" {
		t.Fatalf("expected 503, got %d: %s", w.Code, w.Body.String())
	}
	if proc.calls.Load() != 0 {
		t.Fatalf("processor must not run when the store is down")
	}
}

func TestCreatePayment_ProcessorFailureAllowsRetry(t *testing.T) {
	proc := &fakeProcessor{err: errors.New("card declined")}
	r := newRouter(idempotency.New(memory.NewStore()), proc)

	w := post(r, "order-0006abcd", paymentBody)
	if w.Code != http.StatusInternalServerError || errorCode(t, w) != "INTERNAL_ERROR" {
		t.Fatalf("expected 500, got %d: %s", w.Code, w.Body.String())
	}

	proc.err = nil
	w = post(r, "order-0006abcd", paymentBody)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected retry to succeed, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreatePayment_AuditMetadata(t *testing.T) {
	sink := &recordingSink{}
	engine := idempotency.New(memory.NewStore(), idempotency.WithAuditSink(sink))
	r := newRouter(engine, &fakeProcessor{})

	if w := post(r, "order-0007abcd", paymentBody); w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) == 0 {
		t.Fatalf("expected audit events")
	}
	for _, ev := range sink.events {
		if ev.Key != "order-0007abcd" {
			t.Fatalf("unexpected key %q", ev.Key)
		}
		if ev.Metadata["requestId"] != "req-1" || ev.Metadata["clientId"] != "web" {
			t.Fatalf("unexpected metadata: %v", ev.Metadata)
		}
		if _, ok := ev.Metadata["email"]; ok {
			t.Fatalf("email must not be audited: %v", ev.Metadata)
		}
	}
}

func TestHealth(t *testing.T) {
	r := newRouter(idempotency.New(memory.NewStore()), &fakeProcessor{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
