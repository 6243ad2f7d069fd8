package payment

import (
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeSource struct {
	mu      sync.Mutex
	handler func(data []byte)
	subs    int
	unsubs  int
}

func (f *fakeSource) SubscribeRealtime(subject string, handler func(data []byte)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	f.subs++
	return func() {
		f.mu.Lock()
		f.unsubs++
		f.handler = nil
		f.mu.Unlock()
	}, nil
}

func (f *fakeSource) emit(t *testing.T, ev ConfirmationEvent) {
	t.Helper()
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler == nil {
		t.Fatalf("no active subscription")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	handler(data)
}

func approvedEvent(uuid string) ConfirmationEvent {
	ev := ConfirmationEvent{UUID: uuid, Type: EventTypeOrbitPayment, Status: "approved"}
	ev.Payload.CurrencyCode = "THB"
	ev.Payload.CurrencyAmount = "150.00"
	return ev
}

func newTestListener(source *fakeSource, timeout time.Duration) (*Listener, chan Resolution) {
	results := make(chan Resolution, 1)
	l := NewListener(source, "realtime.users.u1", timeout, slog.Default(), func(paymentID string, res Resolution) {
		results <- res
	})
	return l, results
}

func TestListenerApproved(t *testing.T) {
	source := &fakeSource{}
	l, results := newTestListener(source, time.Minute)

	if err := l.Arm("pay-1"); err != nil {
		t.Fatalf("arm: %v", err)
	}
	source.emit(t, approvedEvent("pay-1"))

	select {
	case res := <-results:
		if res.Outcome != OutcomeApproved {
			t.Fatalf("outcome = %s, want %s", res.Outcome, OutcomeApproved)
		}
	case <-time.After(time.Second):
		t.Fatal("no resolution")
	}
}

func TestListenerApprovedWithoutSettlementDetails(t *testing.T) {
	source := &fakeSource{}
	l, results := newTestListener(source, time.Minute)

	if err := l.Arm("pay-1"); err != nil {
		t.Fatalf("arm: %v", err)
	}
	ev := ConfirmationEvent{UUID: "pay-1", Type: EventTypeOrbitPayment, Status: "approved"}
	source.emit(t, ev)

	select {
	case res := <-results:
		if res.Outcome != OutcomeInconsistent {
			t.Fatalf("outcome = %s, want %s", res.Outcome, OutcomeInconsistent)
		}
	case <-time.After(time.Second):
		t.Fatal("no resolution")
	}
}

func TestListenerFailedStatuses(t *testing.T) {
	for _, status := range []string{"expired", "canceled", "refunded"} {
		t.Run(status, func(t *testing.T) {
			source := &fakeSource{}
			l, results := newTestListener(source, time.Minute)

			if err := l.Arm("pay-1"); err != nil {
				t.Fatalf("arm: %v", err)
			}
			source.emit(t, ConfirmationEvent{UUID: "pay-1", Type: EventTypeOrbitPayment, Status: status})

			select {
			case res := <-results:
				if res.Outcome != OutcomeFailed {
					t.Fatalf("outcome = %s, want %s", res.Outcome, OutcomeFailed)
				}
				if res.Status != status {
					t.Fatalf("status = %s, want %s", res.Status, status)
				}
			case <-time.After(time.Second):
				t.Fatal("no resolution")
			}
		})
	}
}

func TestListenerIgnoresUnmatchedEvents(t *testing.T) {
	source := &fakeSource{}
	l, results := newTestListener(source, time.Minute)

	if err := l.Arm("pay-1"); err != nil {
		t.Fatalf("arm: %v", err)
	}

	// Wrong payment id.
	source.emit(t, approvedEvent("pay-other"))
	// Wrong event type.
	source.emit(t, ConfirmationEvent{UUID: "pay-1", Type: "other.event", Status: "approved"})
	// Unknown status.
	source.emit(t, ConfirmationEvent{UUID: "pay-1", Type: EventTypeOrbitPayment, Status: "pending"})

	select {
	case res := <-results:
		t.Fatalf("unexpected resolution: %+v", res)
	case <-time.After(50 * time.Millisecond):
	}

	// The matching event still resolves afterwards.
	source.emit(t, approvedEvent("pay-1"))
	select {
	case res := <-results:
		if res.Outcome != OutcomeApproved {
			t.Fatalf("outcome = %s, want %s", res.Outcome, OutcomeApproved)
		}
	case <-time.After(time.Second):
		t.Fatal("no resolution")
	}
}

func TestListenerTimeout(t *testing.T) {
	source := &fakeSource{}
	l, results := newTestListener(source, 20*time.Millisecond)

	if err := l.Arm("pay-1"); err != nil {
		t.Fatalf("arm: %v", err)
	}

	select {
	case res := <-results:
		if res.Outcome != OutcomeTimeout {
			t.Fatalf("outcome = %s, want %s", res.Outcome, OutcomeTimeout)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}

	// A late event after the timeout resolution is ignored.
	source.mu.Lock()
	handler := source.handler
	source.mu.Unlock()
	if handler != nil {
		t.Fatal("subscription still active after timeout")
	}
}

func TestListenerRearmSameIDIsNoop(t *testing.T) {
	source := &fakeSource{}
	l, _ := newTestListener(source, time.Minute)

	if err := l.Arm("pay-1"); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if err := l.Arm("pay-1"); err != nil {
		t.Fatalf("re-arm: %v", err)
	}

	source.mu.Lock()
	defer source.mu.Unlock()
	if source.subs != 1 {
		t.Fatalf("subs = %d, want 1", source.subs)
	}
}

func TestListenerRearmDifferentIDDisarmsPrevious(t *testing.T) {
	source := &fakeSource{}
	l, results := newTestListener(source, time.Minute)

	if err := l.Arm("pay-1"); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if err := l.Arm("pay-2"); err != nil {
		t.Fatalf("re-arm: %v", err)
	}

	source.mu.Lock()
	unsubs := source.unsubs
	source.mu.Unlock()
	if unsubs != 1 {
		t.Fatalf("unsubs = %d, want 1", unsubs)
	}

	// Only the new id resolves.
	source.emit(t, approvedEvent("pay-2"))
	select {
	case res := <-results:
		if res.Outcome != OutcomeApproved {
			t.Fatalf("outcome = %s, want %s", res.Outcome, OutcomeApproved)
		}
	case <-time.After(time.Second):
		t.Fatal("no resolution")
	}
}

func TestListenerDisarmCancelsTimeout(t *testing.T) {
	source := &fakeSource{}
	l, results := newTestListener(source, 20*time.Millisecond)

	if err := l.Arm("pay-1"); err != nil {
		t.Fatalf("arm: %v", err)
	}
	l.Disarm()

	select {
	case res := <-results:
		t.Fatalf("unexpected resolution after disarm: %+v", res)
	case <-time.After(60 * time.Millisecond):
	}
}
