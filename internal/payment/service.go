package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"qrpay/internal/common/money"
	"qrpay/internal/kyc"
	"qrpay/internal/limits"
	"qrpay/internal/metrics"
	"qrpay/internal/processor/luna"
	"qrpay/internal/processor/orbit"
	"qrpay/internal/qr"
	"qrpay/internal/reward"
	"qrpay/internal/wallet"
)

// LunaAPI is the Luna processor surface the orchestrator consumes.
type LunaAPI interface {
	InitiateQuote(ctx context.Context, code string, amount *money.Money) (*luna.Lock, error)
	CompletePayment(ctx context.Context, lockCode, signedAuthorization string) (*luna.PaymentResult, error)
	ClaimReward(ctx context.Context, paymentID string) (*luna.ClaimResult, error)
}

// OrbitAPI is the Orbit processor surface the orchestrator consumes.
type OrbitAPI interface {
	InitiateQuote(ctx context.Context, kind orbit.QuoteKind, params orbit.QuoteParams) (*orbit.Payment, error)
}

// Publisher publishes session events.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Service errors surfaced to the API layer.
var (
	ErrSessionNotFound = errors.New("payment: session not found")
	ErrInvalidState    = errors.New("payment: operation not valid in current state")
	ErrBlockedByKYC    = errors.New("payment: identity verification required")
	ErrAmountRequired  = errors.New("payment: amount required")
	ErrAmountFixed     = errors.New("payment: amount is set by the merchant")
)

// ValidationError reports a failed amount rule on submit.
type ValidationError struct {
	Result limits.Result
}

func (e *ValidationError) Error() string {
	return "payment: " + e.Result.Reason
}

// Config holds orchestration configuration.
type Config struct {
	LockAttempts         int            `envconfig:"PAYMENT_LOCK_ATTEMPTS" default:"3"`
	LockRetryDelay       time.Duration  `envconfig:"PAYMENT_LOCK_RETRY_DELAY" default:"1500ms"`
	MerchantPollInterval time.Duration  `envconfig:"PAYMENT_MERCHANT_POLL_INTERVAL" default:"2s"`
	MerchantPollLimit    int            `envconfig:"PAYMENT_MERCHANT_POLL_LIMIT" default:"3"`
	ConfirmationTimeout  time.Duration  `envconfig:"PAYMENT_CONFIRMATION_TIMEOUT" default:"5m"`
	LocalCurrency        money.Currency `envconfig:"PAYMENT_LOCAL_CURRENCY" default:"THB"`
	SettlementAsset      string         `envconfig:"PAYMENT_SETTLEMENT_ASSET" default:"USDT"`

	Limits limits.Config
	Reward reward.Config
}

// Service orchestrates payment sessions across both processors.
type Service struct {
	cfg       Config
	luna      LunaAPI
	orbit     OrbitAPI
	wallet    wallet.Wallet
	prices    wallet.PriceSource
	kycSource kyc.StatusSource
	source    EventSource
	store     Store
	publisher Publisher
	metrics   metrics.Recorder
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewService creates a new payment orchestration service.
func NewService(cfg Config, lunaAPI LunaAPI, orbitAPI OrbitAPI, w wallet.Wallet, kycSource kyc.StatusSource, source EventSource, logger *slog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		luna:      lunaAPI,
		orbit:     orbitAPI,
		wallet:    w,
		kycSource: kycSource,
		source:    source,
		metrics:   metrics.NoopRecorder{},
		logger:    logger,
		sessions:  make(map[string]*Session),
	}
}

// SetStore sets the session persistence store.
func (s *Service) SetStore(st Store) { s.store = st }

// SetPublisher sets the event publisher.
func (s *Service) SetPublisher(p Publisher) { s.publisher = p }

// SetMetrics sets the metrics recorder.
func (s *Service) SetMetrics(m metrics.Recorder) { s.metrics = m }

// SetPriceSource sets the price source used for conversion previews.
func (s *Service) SetPriceSource(p wallet.PriceSource) { s.prices = p }

func userSubject(userID string) string {
	return "realtime.users." + userID
}

// Open starts a session for a scanned code. Classification happens
// immediately; an unrecognized code is terminal and issues no
// processor requests. Otherwise KYC evaluation, balance lookup, and
// quote acquisition start concurrently.
func (s *Service) Open(ctx context.Context, userID string, scan qr.Descriptor) *Session {
	sess := &Session{
		ID:        ulid.Make().String(),
		UserID:    userID,
		Scan:      scan,
		CreatedAt: time.Now().UTC(),
		flow:      StateInitializing,
		loading:   LoadingIdle,
		gate:      kyc.GateLoading,
	}
	sess.ctx, sess.cancel = context.WithCancel(context.Background())

	cls, ok := qr.Classify(scan.DeclaredType)
	if !ok {
		sess.flow = StateTerminalError
		sess.errorMessage = msgInvalidCode
		s.register(sess)
		s.persist(sess)
		s.logger.Warn("unrecognized code scanned",
			"session_id", sess.ID,
			"declared_type", scan.DeclaredType,
		)
		return sess
	}

	sess.Classification = cls
	sess.listener = NewListener(s.source, userSubject(userID), s.cfg.ConfirmationTimeout, s.logger, func(pid string, res Resolution) {
		s.onConfirmation(sess, pid, res)
	})

	s.register(sess)
	s.persist(sess)
	s.publish(EventSessionOpened, SubjectSessionOpened, sess, SessionOpenedEvent{
		SessionID:    sess.ID,
		Processor:    cls.Processor,
		Kind:         cls.Kind,
		DeclaredType: scan.DeclaredType,
	})

	s.logger.Info("payment session opened",
		"session_id", sess.ID,
		"processor", cls.Processor,
		"kind", cls.Kind,
	)

	go s.initialize(sess)

	return sess
}

func (s *Service) register(sess *Session) {
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
}

// Get returns a live session by id.
func (s *Service) Get(sessionID string) (*Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// initialize runs gate evaluation and balance lookup concurrently with
// the first quote acquisition.
func (s *Service) initialize(sess *Session) {
	sess.mu.Lock()
	gen := sess.gen
	sess.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.refreshGate(sess, gen)
	}()
	go func() {
		defer wg.Done()
		s.refreshBalance(sess, gen)
	}()

	s.acquire(sess, gen, nil)
	wg.Wait()
}

func (s *Service) refreshGate(sess *Session, gen int) {
	snap, err := s.kycSource.VerificationStatus(sess.ctx, sess.UserID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.gen != gen {
		return
	}
	if err != nil {
		// Leave the gate in Loading: execution stays blocked and
		// submit retries the lookup.
		s.logger.Error("verification status lookup failed",
			"session_id", sess.ID,
			"error", err,
		)
		return
	}
	sess.gate = kyc.Reduce(snap)
}

func (s *Service) refreshBalance(sess *Session, gen int) {
	balance, err := s.wallet.Balance(sess.ctx, sess.UserID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.gen != gen {
		return
	}
	if err != nil {
		s.logger.Error("balance lookup failed",
			"session_id", sess.ID,
			"error", err,
		)
		return
	}
	sess.balance = balance
	sess.balanceSet = true
}

// SetAmount records a payer-entered amount for a static code and
// invalidates any quote bound to a previous amount.
func (s *Service) SetAmount(sessionID string, amountMinor int64) error {
	sess, err := s.Get(sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	switch sess.flow {
	case StateSubmitting, StateWaitingForConfirmation, StateSuccess, StateTerminalError, StateOrderNotReady:
		return ErrInvalidState
	}
	if sess.Classification.Kind != qr.KindStatic {
		return ErrAmountFixed
	}

	next := money.New(amountMinor, s.cfg.LocalCurrency)
	if !next.IsPositive() {
		return ErrAmountRequired
	}
	if sess.amountSet && sess.amount.Equal(next) {
		return nil
	}
	sess.amount = next
	sess.amountSet = true

	// A bound quote is keyed to the old amount; discard it. The
	// unbound static quote survives and is re-bound at submission.
	if sess.lunaLock != nil && sess.lunaLock.Bound() {
		sess.lunaLock = nil
	}
	if sess.Classification.Processor == qr.ProcessorOrbit {
		sess.orbitPayment = nil
	}

	go s.refreshPrice(sess, sess.gen)

	return nil
}

// refreshPrice fetches a conversion preview for the entered amount.
// Best effort: quotes carry authoritative prices once acquired.
func (s *Service) refreshPrice(sess *Session, gen int) {
	if s.prices == nil {
		return
	}
	sess.mu.Lock()
	currency := sess.amount.Currency
	sess.mu.Unlock()

	price, err := s.prices.Price(sess.ctx, string(currency))
	if err != nil {
		s.logger.Debug("price lookup failed", "session_id", sess.ID, "error", err)
		return
	}

	sess.mu.Lock()
	if sess.gen == gen {
		sess.price = &price
	}
	sess.mu.Unlock()
}

// Snapshot returns the session's current read model.
func (s *Service) Snapshot(sessionID string) (Snapshot, error) {
	sess, err := s.Get(sessionID)
	if err != nil {
		return Snapshot{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	snap := Snapshot{
		ID:           sess.ID,
		State:        sess.currentState(),
		Loading:      sess.loading,
		Gate:         sess.gate,
		Processor:    sess.Classification.Processor,
		Kind:         sess.Classification.Kind,
		ErrorMessage: sess.errorMessage,
		PaymentID:    sess.paymentID,
	}
	if sess.amountSet {
		amount := sess.amount
		snap.Amount = &amount
	}
	if sess.lunaLock != nil {
		snap.RecipientName = sess.lunaLock.RecipientName
	}
	switch {
	case sess.orbitPayment != nil:
		price := sess.orbitPayment.Price
		usd := sess.orbitPayment.USDAmount
		snap.Price, snap.USDAmount = &price, &usd
	case sess.lunaLock != nil && sess.lunaLock.Bound():
		price := sess.lunaLock.SettlementPrice
		usd := sess.lunaLock.SettlementAgainstAmountUSD
		snap.Price, snap.USDAmount = &price, &usd
	case sess.price != nil && sess.amountSet && sess.price.Sell.IsPositive():
		price := sess.price.Sell
		usd := decimal.NewFromFloat(sess.amount.ToMajor()).Div(price).Round(2)
		snap.Price, snap.USDAmount = &price, &usd
	}
	if v := sess.validationLocked(s.cfg.Limits); !v.OK {
		snap.ValidationError = v.Reason
	}
	if sess.reward != nil {
		snap.RewardState = sess.reward.State()
		snap.RewardProgress = sess.reward.Progress()
		snap.RewardIntensity = sess.reward.Intensity()
	}
	return snap, nil
}

// Reset releases every resource the session owns: its context, pending
// timers, the realtime subscription, and any reward timers. Calling it
// again is a no-op.
func (s *Service) Reset(sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	sess.gen++
	sess.cancel()
	if sess.pollTimer != nil {
		sess.pollTimer.Stop()
		sess.pollTimer = nil
	}
	sess.pending = nil
	sess.lunaLock = nil
	sess.orbitPayment = nil
	sess.loading = LoadingIdle
	listener := sess.listener
	rw := sess.reward
	sess.mu.Unlock()

	if listener != nil {
		listener.Disarm()
	}
	if rw != nil {
		rw.Cancel()
	}

	s.logger.Info("payment session reset", "session_id", sessionID)
}

// StartHold begins the reward hold gesture. Only valid after success.
func (s *Service) StartHold(sessionID string) error {
	rw, err := s.rewardController(sessionID)
	if err != nil {
		return err
	}
	rw.StartHold()
	return nil
}

// ReleaseHold ends the reward hold gesture.
func (s *Service) ReleaseHold(sessionID string) error {
	rw, err := s.rewardController(sessionID)
	if err != nil {
		return err
	}
	rw.Release()
	return nil
}

func (s *Service) rewardController(sessionID string) (*reward.Controller, error) {
	sess, err := s.Get(sessionID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.flow != StateSuccess || sess.reward == nil {
		return nil, ErrInvalidState
	}
	return sess.reward, nil
}

// armRewardLocked makes the claim gesture available after a settled
// payment. Callers hold sess.mu.
func (s *Service) armRewardLocked(sess *Session) {
	paymentID := sess.paymentID
	sessionID := sess.ID
	userID := sess.UserID
	rw := reward.NewController(s.cfg.Reward, paymentID, func(ctx context.Context, pid string) error {
		if _, err := s.luna.ClaimReward(ctx, pid); err != nil {
			s.metrics.IncCounter(metrics.CounterRewardClaims, map[string]string{"outcome": "failed"})
			return err
		}
		s.metrics.IncCounter(metrics.CounterRewardClaims, map[string]string{"outcome": "claimed"})
		s.publishRaw(EventRewardClaimed, SubjectRewardClaimed, userID, sessionID, RewardClaimedEvent{
			SessionID: sessionID,
			PaymentID: pid,
		})
		return nil
	}, s.logger)
	sess.reward = rw
}

// fail moves the session to the terminal error state and releases its
// pending work. Callers must not hold sess.mu.
func (s *Service) fail(sess *Session, gen int, message string) {
	sess.mu.Lock()
	if sess.gen != gen || sess.flow == StateTerminalError {
		sess.mu.Unlock()
		return
	}
	sess.flow = StateTerminalError
	sess.errorMessage = message
	sess.loading = LoadingIdle
	sess.pending = nil
	if sess.pollTimer != nil {
		sess.pollTimer.Stop()
		sess.pollTimer = nil
	}
	listener := sess.listener
	processor := sess.Classification.Processor
	sess.mu.Unlock()

	if listener != nil {
		listener.Disarm()
	}

	s.metrics.IncCounter(metrics.CounterPayments, map[string]string{
		"processor": string(processor),
		"outcome":   "failed",
	})
	s.persist(sess)
	s.publish(EventPaymentFailed, SubjectPaymentFailed, sess, PaymentFailedEvent{
		SessionID: sess.ID,
		Processor: processor,
		Reason:    message,
	})

	s.logger.Warn("payment session failed",
		"session_id", sess.ID,
		"reason", message,
	)
}

// timeout resolves an expired confirmation wait. The transfer may
// still settle, so the session terminates with its own outcome rather
// than being reported as a failure. Callers must not hold sess.mu.
func (s *Service) timeout(sess *Session, gen int) {
	sess.mu.Lock()
	if sess.gen != gen || sess.flow.Terminal() {
		sess.mu.Unlock()
		return
	}
	sess.flow = StateTerminalError
	sess.errorMessage = msgConfirmTimeout
	sess.loading = LoadingIdle
	sess.pending = nil
	listener := sess.listener
	processor := sess.Classification.Processor
	paymentID := sess.paymentID
	sess.mu.Unlock()

	if listener != nil {
		listener.Disarm()
	}

	s.metrics.IncCounter(metrics.CounterPayments, map[string]string{
		"processor": string(processor),
		"outcome":   "timed_out",
	})
	s.persist(sess)
	s.publish(EventPaymentTimedOut, SubjectPaymentTimedOut, sess, PaymentTimedOutEvent{
		SessionID: sess.ID,
		Processor: processor,
		PaymentID: paymentID,
	})

	s.logger.Warn("confirmation wait timed out",
		"session_id", sess.ID,
		"payment_id", paymentID,
	)
}

// succeed moves the session to terminal success and arms the reward
// gesture. Callers must not hold sess.mu.
func (s *Service) succeed(sess *Session, gen int) {
	sess.mu.Lock()
	if sess.gen != gen || sess.flow == StateSuccess {
		sess.mu.Unlock()
		return
	}
	sess.flow = StateSuccess
	sess.loading = LoadingIdle
	sess.pending = nil
	s.armRewardLocked(sess)
	processor := sess.Classification.Processor
	paymentID := sess.paymentID
	amount := sess.amount
	listener := sess.listener
	sess.mu.Unlock()

	if listener != nil {
		listener.Disarm()
	}

	s.metrics.IncCounter(metrics.CounterPayments, map[string]string{
		"processor": string(processor),
		"outcome":   "settled",
	})
	s.persist(sess)
	s.publish(EventPaymentSettled, SubjectPaymentSettled, sess, PaymentSettledEvent{
		SessionID: sess.ID,
		Processor: processor,
		PaymentID: paymentID,
		Amount:    amount,
		SettledAt: time.Now().UTC(),
	})

	s.logger.Info("payment settled",
		"session_id", sess.ID,
		"payment_id", paymentID,
		"processor", processor,
	)
}

// onConfirmation handles the resolution of an armed realtime wait.
func (s *Service) onConfirmation(sess *Session, paymentID string, res Resolution) {
	sess.mu.Lock()
	gen := sess.gen
	if sess.pending == nil || sess.pending.PaymentID != paymentID {
		sess.mu.Unlock()
		return
	}
	sess.pending = nil
	inconsistent := res.Outcome == OutcomeApproved && sess.orbitPayment == nil
	sess.mu.Unlock()

	switch {
	case res.Outcome == OutcomeApproved && !inconsistent:
		s.succeed(sess, gen)
	case res.Outcome == OutcomeApproved && inconsistent, res.Outcome == OutcomeInconsistent:
		s.fail(sess, gen, msgConfirmInconsist)
	case res.Outcome == OutcomeFailed:
		s.fail(sess, gen, fmt.Sprintf("%s (%s)", msgConfirmFailed, res.Status))
	case res.Outcome == OutcomeTimeout:
		s.metrics.IncCounter(metrics.CounterConfirmationTimeouts, map[string]string{
			"processor": string(qr.ProcessorOrbit),
		})
		s.timeout(sess, gen)
	}
}

func (s *Service) publish(eventType EventType, subject string, sess *Session, data any) {
	s.publishRaw(eventType, subject, sess.UserID, sess.ID, data)
}

func (s *Service) publishRaw(eventType EventType, subject, userID, sessionID string, data any) {
	if s.publisher == nil {
		return
	}
	env, err := NewEnvelope(eventType, userID, sessionID, data)
	if err != nil {
		s.logger.Error("event envelope failed", "type", eventType, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.publisher.Publish(ctx, subject, env); err != nil {
		s.logger.Error("event publish failed", "type", eventType, "error", err)
	}
}
