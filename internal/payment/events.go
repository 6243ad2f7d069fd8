package payment

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"qrpay/internal/common/money"
	"qrpay/internal/qr"
)

// NATS subjects for payment session events
const (
	SubjectSessionOpened    = "qrpay.session.opened"
	SubjectPaymentSubmitted = "qrpay.payment.submitted"
	SubjectPaymentSettled   = "qrpay.payment.settled"
	SubjectPaymentFailed    = "qrpay.payment.failed"
	SubjectPaymentTimedOut  = "qrpay.payment.timedout"
	SubjectRewardClaimed    = "qrpay.reward.claimed"
)

// EventType identifies the type of session event.
type EventType string

const (
	EventSessionOpened    EventType = "qrpay.session.opened"
	EventPaymentSubmitted EventType = "qrpay.payment.submitted"
	EventPaymentSettled   EventType = "qrpay.payment.settled"
	EventPaymentFailed    EventType = "qrpay.payment.failed"
	EventPaymentTimedOut  EventType = "qrpay.payment.timedout"
	EventRewardClaimed    EventType = "qrpay.reward.claimed"
)

// Envelope wraps all events with common metadata.
type Envelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	UserID        string          `json:"user_id"`
	CorrelationID string          `json:"correlation_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
}

// NewEnvelope creates a new event envelope.
func NewEnvelope(eventType EventType, userID, correlationID string, data any) (*Envelope, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		ID:            ulid.Make().String(),
		Type:          eventType,
		UserID:        userID,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Data:          jsonData,
	}, nil
}

// SessionOpenedEvent is published when a scan opens a session.
type SessionOpenedEvent struct {
	SessionID    string       `json:"session_id"`
	Processor    qr.Processor `json:"processor,omitempty"`
	Kind         qr.Kind      `json:"kind,omitempty"`
	DeclaredType string       `json:"declared_type"`
}

// PaymentSubmittedEvent is published when execution begins.
type PaymentSubmittedEvent struct {
	SessionID string       `json:"session_id"`
	Processor qr.Processor `json:"processor"`
	Amount    money.Money  `json:"amount"`
	PaymentID string       `json:"payment_id,omitempty"`
}

// PaymentSettledEvent is published on terminal success.
type PaymentSettledEvent struct {
	SessionID string       `json:"session_id"`
	Processor qr.Processor `json:"processor"`
	PaymentID string       `json:"payment_id"`
	Amount    money.Money  `json:"amount"`
	SettledAt time.Time    `json:"settled_at"`
}

// PaymentFailedEvent is published on terminal failure.
type PaymentFailedEvent struct {
	SessionID string       `json:"session_id"`
	Processor qr.Processor `json:"processor,omitempty"`
	Reason    string       `json:"reason"`
}

// PaymentTimedOutEvent is published when the confirmation window
// lapses without a realtime resolution. The payment outcome is
// indeterminate; the transfer may still settle.
type PaymentTimedOutEvent struct {
	SessionID string       `json:"session_id"`
	Processor qr.Processor `json:"processor"`
	PaymentID string       `json:"payment_id,omitempty"`
}

// RewardClaimedEvent is published when the hold gesture completes.
type RewardClaimedEvent struct {
	SessionID string `json:"session_id"`
	PaymentID string `json:"payment_id"`
}
