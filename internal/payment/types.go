// Package payment orchestrates QR payment sessions across the Luna and
// Orbit settlement processors.
package payment

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"qrpay/internal/common/money"
	"qrpay/internal/kyc"
	"qrpay/internal/limits"
	"qrpay/internal/processor/luna"
	"qrpay/internal/processor/orbit"
	"qrpay/internal/qr"
	"qrpay/internal/reward"
	"qrpay/internal/wallet"
)

// State is the page-level orchestration state of one session.
type State string

const (
	StateInitializing             State = "INITIALIZING"
	StateBlockedByKYC             State = "BLOCKED_BY_KYC"
	StateWaitingForMerchantAmount State = "WAITING_FOR_MERCHANT_AMOUNT"
	StateOrderNotReady            State = "ORDER_NOT_READY"
	StateReadyToPay               State = "READY_TO_PAY"
	StateSubmitting               State = "SUBMITTING"
	StateWaitingForConfirmation   State = "WAITING_FOR_CONFIRMATION"
	StateSuccess                  State = "SUCCESS"
	StateTerminalError            State = "TERMINAL_ERROR"
)

// Terminal reports whether the payment can no longer progress.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateTerminalError
}

// LoadingState tracks the single in-flight async step of a session.
// It is never Idle while a network call issued by this package is in
// flight.
type LoadingState string

const (
	LoadingIdle                 LoadingState = "IDLE"
	LoadingFetchingDetails      LoadingState = "FETCHING_DETAILS"
	LoadingPreparingTransaction LoadingState = "PREPARING_TRANSACTION"
	LoadingPaying               LoadingState = "PAYING"
)

// User-facing failure messages.
const (
	msgInvalidCode       = "This code isn't supported. Try scanning a different one."
	msgDecodeError       = "We couldn't read this merchant code. Ask the merchant for a new one."
	msgOrderNotReady     = "The merchant hasn't confirmed the order amount. Ask them to finish it, then rescan."
	msgServiceIssuesFmt  = "%s payments are having issues right now. Please try again later."
	msgQuoteExpired      = "This payment quote expired. Scan the code again to continue."
	msgNonceConflict     = "The payment couldn't be submitted. Please try again."
	msgSigningRejected   = "Payment cancelled. You can try again when ready."
	msgConfirmTimeout    = "The payment is taking longer than expected. Check your history for the final status."
	msgConfirmFailed     = "The payment was not completed by the processor."
	msgConfirmInconsist  = "We couldn't verify the payment details. Check your history before retrying."
	msgGenericSubmit     = "Something went wrong submitting the payment. Please try again."
	msgVerificationCheck = "We couldn't check your verification status. Please try again."
)

// PendingConfirmation tracks the single armed realtime wait.
type PendingConfirmation struct {
	PaymentID string
	ArmedAt   time.Time
}

// Snapshot is the read model the host UI renders from.
type Snapshot struct {
	ID              string           `json:"id"`
	State           State            `json:"state"`
	Loading         LoadingState     `json:"loading"`
	Gate            kyc.GateState    `json:"gate"`
	Processor       qr.Processor     `json:"processor,omitempty"`
	Kind            qr.Kind          `json:"kind,omitempty"`
	Amount          *money.Money     `json:"amount,omitempty"`
	Price           *decimal.Decimal `json:"price,omitempty"`
	USDAmount       *decimal.Decimal `json:"usd_amount,omitempty"`
	RecipientName   string           `json:"recipient_name,omitempty"`
	ValidationError string           `json:"validation_error,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	PaymentID       string           `json:"payment_id,omitempty"`
	RewardState     reward.State     `json:"reward_state,omitempty"`
	RewardProgress  int              `json:"reward_progress,omitempty"`
	RewardIntensity reward.Intensity `json:"reward_intensity,omitempty"`
}

// Session is one scanned code's orchestration. It owns every
// cancellable resource created for the scan; reset releases them all.
type Session struct {
	ID             string
	UserID         string
	Scan           qr.Descriptor
	Classification qr.Classification
	CreatedAt      time.Time

	mu  sync.Mutex
	gen int // bumped on reset so stale timer callbacks no-op

	ctx    context.Context
	cancel context.CancelFunc

	flow    State
	loading LoadingState
	gate    kyc.GateState

	amount     money.Money
	amountSet  bool
	balance    money.Money
	balanceSet bool

	lunaLock     *luna.Lock
	orbitPayment *orbit.Payment
	price        *wallet.Price

	pending   *PendingConfirmation
	listener  *Listener
	pollTimer *time.Timer
	polls     int

	acquiring  bool
	acquireKey string

	paymentID    string
	errorMessage string
	reward       *reward.Controller
}

// currentState derives the externally visible state. A blocked KYC
// gate overrides everything except terminal errors and execution
// states that were entered while the gate was already clear.
func (s *Session) currentState() State {
	if s.flow == StateTerminalError {
		return s.flow
	}
	if s.gate != kyc.GateLoading && !s.gate.Clear() {
		switch s.flow {
		case StateSubmitting, StateWaitingForConfirmation, StateSuccess:
			return s.flow
		}
		return StateBlockedByKYC
	}
	return s.flow
}

func (s *Session) hasQuote() bool {
	return s.lunaLock != nil || s.orbitPayment != nil
}

// validationLocked evaluates the amount rules. It suppresses itself
// while a transaction is in flight or already successful so errors
// never flash after submission.
func (s *Session) validationLocked(cfg limits.Config) limits.Result {
	switch s.flow {
	case StateSubmitting, StateWaitingForConfirmation, StateSuccess:
		return limits.Result{OK: true}
	}
	if !s.amountSet || !s.balanceSet {
		return limits.Result{OK: true}
	}
	return limits.Validate(s.amount, s.Classification.Processor, s.balance, cfg)
}
