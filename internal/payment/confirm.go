package payment

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// EventTypeOrbitPayment is the realtime event type carrying Orbit
// settlement outcomes.
const EventTypeOrbitPayment = "orbit.payment"

// ConfirmationEvent is one inbound realtime event. Events are matched
// on UUID against the armed payment id.
type ConfirmationEvent struct {
	UUID    string `json:"uuid"`
	Type    string `json:"type"`
	Status  string `json:"status"`
	Payload struct {
		CurrencyCode   string `json:"currency_code"`
		CurrencyAmount string `json:"currency_amount"`
	} `json:"payload"`
}

// Outcome classifies how a confirmation wait resolved.
type Outcome string

const (
	OutcomeApproved     Outcome = "APPROVED"
	OutcomeFailed       Outcome = "FAILED"
	OutcomeTimeout      Outcome = "TIMEOUT"
	OutcomeInconsistent Outcome = "INCONSISTENT"
)

// Resolution is the terminal result of one armed wait.
type Resolution struct {
	Outcome Outcome
	Status  string
	Event   *ConfirmationEvent
}

// EventSource registers ephemeral interest on a realtime subject. The
// returned function cancels the interest.
type EventSource interface {
	SubscribeRealtime(subject string, handler func(data []byte)) (func(), error)
}

// Listener correlates realtime settlement events to one pending
// payment id and races them against a hard timeout. Whichever fires
// first cancels the other.
type Listener struct {
	source  EventSource
	subject string
	timeout time.Duration
	logger  *slog.Logger
	resolve func(paymentID string, res Resolution)

	mu        sync.Mutex
	paymentID string
	unsub     func()
	timer     *time.Timer
}

// NewListener creates a listener over the user-keyed subject.
func NewListener(source EventSource, subject string, timeout time.Duration, logger *slog.Logger, resolve func(paymentID string, res Resolution)) *Listener {
	return &Listener{
		source:  source,
		subject: subject,
		timeout: timeout,
		logger:  logger,
		resolve: resolve,
	}
}

// Arm subscribes for events matching paymentID and starts the timeout.
// Re-arming with the same id is a no-op; arming with a different id
// disarms the previous wait first.
func (l *Listener) Arm(paymentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.paymentID == paymentID && l.unsub != nil {
		return nil
	}

	l.disarmLocked()

	unsub, err := l.source.SubscribeRealtime(l.subject, l.handle)
	if err != nil {
		return fmt.Errorf("arming confirmation listener: %w", err)
	}

	l.paymentID = paymentID
	l.unsub = unsub
	l.timer = time.AfterFunc(l.timeout, func() { l.fire(paymentID, Resolution{Outcome: OutcomeTimeout}) })

	l.logger.Info("confirmation listener armed",
		"payment_id", paymentID,
		"timeout", l.timeout,
	)

	return nil
}

// Disarm cancels the subscription interest and the timeout together.
func (l *Listener) Disarm() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disarmLocked()
}

func (l *Listener) disarmLocked() {
	if l.unsub != nil {
		l.unsub()
		l.unsub = nil
	}
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.paymentID = ""
}

func (l *Listener) handle(data []byte) {
	var ev ConfirmationEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		l.logger.Error("malformed realtime event", "error", err)
		return
	}

	l.mu.Lock()
	paymentID := l.paymentID
	l.mu.Unlock()

	if paymentID == "" || ev.Type != EventTypeOrbitPayment || ev.UUID != paymentID {
		return
	}

	switch ev.Status {
	case "approved":
		if ev.Payload.CurrencyCode == "" || ev.Payload.CurrencyAmount == "" {
			// An approval without settlement details is an
			// inconsistency, never a silent success.
			l.fire(paymentID, Resolution{Outcome: OutcomeInconsistent, Status: ev.Status, Event: &ev})
			return
		}
		l.fire(paymentID, Resolution{Outcome: OutcomeApproved, Status: ev.Status, Event: &ev})
	case "expired", "canceled", "refunded":
		l.fire(paymentID, Resolution{Outcome: OutcomeFailed, Status: ev.Status, Event: &ev})
	default:
		l.logger.Warn("ignoring realtime event with unknown status",
			"payment_id", paymentID,
			"status", ev.Status,
		)
	}
}

// fire resolves the wait once; the losing path (event vs timeout) finds
// the listener already disarmed and does nothing.
func (l *Listener) fire(paymentID string, res Resolution) {
	l.mu.Lock()
	if l.paymentID != paymentID {
		l.mu.Unlock()
		return
	}
	l.disarmLocked()
	l.mu.Unlock()

	l.resolve(paymentID, res)
}
