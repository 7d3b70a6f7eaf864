package amqp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

func TestExponentialBackoff(t *testing.T) {
	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
		{70, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			result := exponentialBackoff(tt.attempt)
			if result != tt.expected {
				t.Errorf("exponentialBackoff(%d) = %v, want %v", tt.attempt, result, tt.expected)
			}
		})
	}
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"closed connection", errors.New("connection closed"), true},
		{"EOF", errors.New("unexpected EOF"), true},
		{"broken pipe", errors.New("write: broken pipe"), true},
		{"amqp closed", fmt.Errorf("publish message: %w", amqp091.ErrClosed), true},
		{"other", errors.New("some other error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isConnectionError(tt.err); got != tt.expected {
				t.Errorf("isConnectionError(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestClient_CircuitBreaker(t *testing.T) {
	client := &Client{exchangeName: "test_exchange", queueName: "test_queue"}

	t.Run("initial state is closed", func(t *testing.T) {
		if client.isCircuitOpen() {
			t.Error("circuit breaker should be closed initially")
		}
	})

	t.Run("record success resets state", func(t *testing.T) {
		atomic.StoreInt64(&client.failureCount, 3)
		atomic.StoreInt32(&client.state, StateOpen)

		client.recordSuccess()

		if atomic.LoadInt64(&client.failureCount) != 0 {
			t.Error("failure count should be reset after success")
		}
		if atomic.LoadInt32(&client.state) != StateClosed {
			t.Error("state should be StateClosed after success")
		}
	})

	t.Run("max failures open circuit", func(t *testing.T) {
		client.recordSuccess()
		for i := 0; i < maxFailures-1; i++ {
			client.recordFailure()
		}
		if client.isCircuitOpen() {
			t.Error("circuit should stay closed below the threshold")
		}
		client.recordFailure()
		if !client.isCircuitOpen() {
			t.Error("circuit should be open after max failures")
		}
	})

	t.Run("half-open after timeout", func(t *testing.T) {
		atomic.StoreInt32(&client.state, StateOpen)
		client.lastFailure = time.Now().Add(-openTimeout - time.Second)

		if client.isCircuitOpen() {
			t.Error("circuit should let a trial request through after the timeout")
		}
		if atomic.LoadInt32(&client.state) != StateHalfOpen {
			t.Error("state should be StateHalfOpen after timeout")
		}
	})

	t.Run("failed trial request reopens", func(t *testing.T) {
		client.recordSuccess()
		atomic.StoreInt32(&client.state, StateHalfOpen)
		client.recordFailure()
		if atomic.LoadInt32(&client.state) != StateOpen {
			t.Error("a failure while half-open should reopen the circuit")
		}
	})
}

func TestClient_PublishGroupChanged_Guards(t *testing.T) {
	client := &Client{exchangeName: "test_exchange", queueName: "test_queue"}
	msg := NewGroupChangedMessage("g1", 3, "settle", "")

	t.Run("fails fast when circuit is open", func(t *testing.T) {
		atomic.StoreInt32(&client.state, StateOpen)
		client.lastFailure = time.Now()

		err := client.PublishGroupChanged(context.Background(), msg)
		if !errors.Is(err, ErrCircuitOpen) {
			t.Errorf("expected ErrCircuitOpen, got %v", err)
		}
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		client.recordSuccess()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if err := client.PublishGroupChanged(ctx, msg); err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

type fakeAcknowledger struct {
	acked   int
	nacked  int
	requeue bool
}

func (f *fakeAcknowledger) Ack(uint64, bool) error { f.acked++; return nil }
func (f *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacked++
	f.requeue = requeue
	return nil
}
func (f *fakeAcknowledger) Reject(uint64, bool) error { return nil }

func TestHandleDelivery(t *testing.T) {
	body, _ := NewGroupChangedMessage("g1", 2, "create_expense", "e1").ToJSON()
	client := &Client{}
	ctx := context.Background()

	t.Run("ack on success", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		var got GroupChangedMessage
		ok := client.handleDelivery(ctx, amqp091.Delivery{Acknowledger: ack, Body: body}, func(_ context.Context, m GroupChangedMessage) error {
			got = m
			return nil
		})
		if !ok || ack.acked != 1 {
			t.Fatalf("expected ack, got ok=%v acked=%d", ok, ack.acked)
		}
		if got.GroupID != "g1" || got.Version != 2 || got.ExpenseID != "e1" {
			t.Errorf("unexpected message %+v", got)
		}
	})

	t.Run("requeue first failure", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		client.handleDelivery(ctx, amqp091.Delivery{Acknowledger: ack, Body: body}, func(context.Context, GroupChangedMessage) error {
			return errors.New("db down")
		})
		if ack.nacked != 1 || !ack.requeue {
			t.Errorf("expected nack with requeue, got %+v", ack)
		}
	})

	t.Run("drop redelivered failure", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		client.handleDelivery(ctx, amqp091.Delivery{Acknowledger: ack, Body: body, Redelivered: true}, func(context.Context, GroupChangedMessage) error {
			return errors.New("db down")
		})
		if ack.nacked != 1 || ack.requeue {
			t.Errorf("expected nack without requeue, got %+v", ack)
		}
	})

	t.Run("drop malformed body", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		called := false
		client.handleDelivery(ctx, amqp091.Delivery{Acknowledger: ack, Body: []byte(`{"version":1}`)}, func(context.Context, GroupChangedMessage) error {
			called = true
			return nil
		})
		if called || ack.nacked != 1 || ack.requeue {
			t.Errorf("malformed message should be dropped, called=%v ack=%+v", called, ack)
		}
	})
}

func TestGroupChangedMessage_JSON(t *testing.T) {
	msg := GroupChangedMessage{
		GroupID:   "g1",
		Version:   7,
		Operation: "delete_expense",
		ExpenseID: "e9",
		Timestamp: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}

	data, err := msg.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON() error = %v", err)
	}
	if !strings.Contains(string(data), `"group_id":"g1"`) {
		t.Errorf("unexpected body %s", data)
	}

	parsed, err := GroupChangedMessageFromJSON(data)
	if err != nil {
		t.Fatalf("GroupChangedMessageFromJSON() error = %v", err)
	}
	if !parsed.Timestamp.Equal(msg.Timestamp) {
		t.Errorf("timestamp = %v, want %v", parsed.Timestamp, msg.Timestamp)
	}
	parsed.Timestamp = msg.Timestamp
	if parsed != msg {
		t.Errorf("parsed = %+v, want %+v", parsed, msg)
	}
}

func TestGroupChangedMessageFromJSON_Invalid(t *testing.T) {
	for _, body := range []string{`{"group_id": 5}`, `{}`, `not json`} {
		if _, err := GroupChangedMessageFromJSON([]byte(body)); err == nil {
			t.Errorf("expected error for %s", body)
		}
	}
}
