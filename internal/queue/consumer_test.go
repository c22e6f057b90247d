package queue

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"wecomagent/internal/dispatch"
	"wecomagent/internal/metrics"
	"wecomagent/pkg/wecom"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeAck records how a delivery was settled.
type fakeAck struct {
	mu      sync.Mutex
	acked   bool
	nacked  bool
	requeue bool
	reject  bool
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = true
	return nil
}

func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = true
	a.requeue = requeue
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reject = true
	a.requeue = requeue
	return nil
}

type mockDispatcher struct {
	err   error
	calls int
	last  dispatch.Request
}

func (m *mockDispatcher) Dispatch(_ context.Context, req dispatch.Request, source string) (*dispatch.Result, error) {
	m.calls++
	m.last = req
	if m.err != nil {
		return nil, m.err
	}
	return &dispatch.Result{Response: &wecom.SendResponse{MsgID: "m-1"}}, nil
}

func newTestConsumer(d Dispatcher) (*Consumer, *metrics.MetricsCollector) {
	col := metrics.NewMetricsCollector()
	return New(Config{
		Queue:      "wecom.send",
		Dispatcher: d,
		Metrics:    col,
		Logger:     testLogger(),
		RetryDelay: time.Millisecond,
	}), col
}

func delivery(body string) (amqp.Delivery, *fakeAck) {
	ack := &fakeAck{}
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(body)}, ack
}

const textBody = `{"touser":["robin"],"msgtype":"text","text":{"content":"hi"}}`

func TestHandle_SuccessAcks(t *testing.T) {
	d := &mockDispatcher{}
	c, col := newTestConsumer(d)
	del, ack := delivery(textBody)

	if got := c.handle(context.Background(), del); got != OutcomeSent {
		t.Fatalf("outcome = %q", got)
	}
	if !ack.acked || ack.nacked || ack.reject {
		t.Fatalf("expected ack, got %+v", ack)
	}
	if d.last.MsgType != "text" {
		t.Fatalf("unexpected request: %+v", d.last)
	}
	if col.QueueDeliveries(OutcomeSent).Value() != 1 {
		t.Fatal("metrics not updated")
	}
}

func TestHandle_UndecodableIsPoison(t *testing.T) {
	d := &mockDispatcher{}
	c, _ := newTestConsumer(d)
	del, ack := delivery(`{broken`)

	if got := c.handle(context.Background(), del); got != OutcomePoison {
		t.Fatalf("outcome = %q", got)
	}
	if !ack.reject || ack.requeue {
		t.Fatalf("expected reject without requeue, got %+v", ack)
	}
	if d.calls != 0 {
		t.Fatal("undecodable body must not be dispatched")
	}
}

func TestHandle_ValidationErrorIsPoison(t *testing.T) {
	c, _ := newTestConsumer(&mockDispatcher{err: &wecom.ValidationError{Field: "recipients", Reason: "required"}})
	del, ack := delivery(textBody)

	if got := c.handle(context.Background(), del); got != OutcomePoison {
		t.Fatalf("outcome = %q", got)
	}
	if !ack.reject || ack.requeue {
		t.Fatalf("expected reject without requeue, got %+v", ack)
	}
}

func TestHandle_VendorErrorAcks(t *testing.T) {
	c, _ := newTestConsumer(&mockDispatcher{err: &wecom.VendorError{Code: 81013, Message: "all invalid"}})
	del, ack := delivery(textBody)

	if got := c.handle(context.Background(), del); got != OutcomeRejected {
		t.Fatalf("outcome = %q", got)
	}
	if !ack.acked {
		t.Fatalf("vendor rejection should be acked, got %+v", ack)
	}
}

func TestHandle_TransientErrorsRequeue(t *testing.T) {
	for _, err := range []error{
		&wecom.TransportError{Op: "send", Err: errors.New("connection reset")},
		&wecom.AuthError{Code: -9, Err: wecom.ErrRefreshTooFrequent},
	} {
		c, col := newTestConsumer(&mockDispatcher{err: err})
		del, ack := delivery(textBody)

		if got := c.handle(context.Background(), del); got != OutcomeRetry {
			t.Fatalf("%T: outcome = %q", err, got)
		}
		if !ack.nacked || !ack.requeue {
			t.Fatalf("%T: expected nack with requeue, got %+v", err, ack)
		}
		if col.QueueDeliveries(OutcomeRetry).Value() != 1 {
			t.Fatalf("%T: retry counter not incremented", err)
		}
	}
}

func TestRun_StopsOnCancelWhileReconnecting(t *testing.T) {
	dials := 0
	c := New(Config{
		URL:            "amqp://unused",
		Queue:          "wecom.send",
		Dispatcher:     &mockDispatcher{},
		Metrics:        metrics.NewMetricsCollector(),
		Logger:         testLogger(),
		ReconnectDelay: 5 * time.Millisecond,
		Dial: func(string) (*amqp.Connection, error) {
			dials++
			return nil, errors.New("connection refused")
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("run returned %v", err)
	}
	if dials < 2 {
		t.Fatalf("expected repeated dial attempts, got %d", dials)
	}
}

func TestOutcome(t *testing.T) {
	cases := map[string]error{
		OutcomeSent:     nil,
		OutcomePoison:   &wecom.ValidationError{},
		OutcomeRejected: &wecom.VendorError{},
		OutcomeRetry:    &wecom.TransportError{},
	}
	for want, err := range cases {
		if got := Outcome(err); got != want {
			t.Errorf("Outcome(%v) = %q, want %q", err, got, want)
		}
	}
}
