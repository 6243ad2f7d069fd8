package payment

import (
	"context"
	"errors"
	"time"

	"qrpay/internal/common/money"
	"qrpay/internal/kyc"
	"qrpay/internal/limits"
	"qrpay/internal/metrics"
	"qrpay/internal/processor/luna"
	"qrpay/internal/processor/orbit"
	"qrpay/internal/qr"
	"qrpay/internal/wallet"
)

// Submit executes the payment. The KYC gate and amount rules are
// re-evaluated against fresh data immediately before execution; a
// stale in-memory balance never authorizes a payment.
func (s *Service) Submit(ctx context.Context, sessionID string) error {
	sess, err := s.Get(sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	if sess.flow != StateReadyToPay {
		sess.mu.Unlock()
		return ErrInvalidState
	}
	if !sess.amountSet {
		sess.mu.Unlock()
		return ErrAmountRequired
	}
	gen := sess.gen
	gate := sess.gate
	amount := sess.amount
	userID := sess.UserID
	processor := sess.Classification.Processor
	sess.mu.Unlock()

	s.setLoading(sess, gen, LoadingFetchingDetails)

	// Resolve a still-loading gate before deciding.
	if gate == kyc.GateLoading {
		snap, err := s.kycSource.VerificationStatus(ctx, userID)
		if err != nil {
			s.setRecoverable(sess, gen, msgVerificationCheck)
			return errors.New("payment: " + msgVerificationCheck)
		}
		sess.mu.Lock()
		if sess.gen == gen {
			sess.gate = kyc.Reduce(snap)
		}
		gate = sess.gate
		sess.mu.Unlock()
	}
	if !gate.Clear() {
		s.setLoading(sess, gen, LoadingIdle)
		return ErrBlockedByKYC
	}

	// Fresh balance for the final rule check.
	balance, err := s.wallet.Balance(ctx, userID)
	if err != nil {
		s.setRecoverable(sess, gen, msgGenericSubmit)
		return errors.New("payment: balance check failed")
	}
	sess.mu.Lock()
	if sess.gen != gen {
		sess.mu.Unlock()
		return ErrInvalidState
	}
	sess.balance = balance
	sess.balanceSet = true

	if v := limits.Validate(amount, processor, balance, s.cfg.Limits); !v.OK {
		sess.loading = LoadingIdle
		sess.mu.Unlock()
		return &ValidationError{Result: v}
	}

	sess.flow = StateSubmitting
	sess.errorMessage = ""
	sess.mu.Unlock()

	s.persist(sess)
	s.publish(EventPaymentSubmitted, SubjectPaymentSubmitted, sess, PaymentSubmittedEvent{
		SessionID: sess.ID,
		Processor: processor,
		Amount:    amount,
	})

	start := time.Now()
	defer func() {
		s.metrics.ObserveLatency(metrics.LatencySubmit, time.Since(start), map[string]string{
			"processor": string(processor),
		})
	}()

	if processor == qr.ProcessorLuna {
		return s.executeLuna(ctx, sess, gen, userID, amount)
	}
	return s.executeOrbit(ctx, sess, gen, userID, amount)
}

// executeLuna runs the synchronous settlement path: bind the quote if
// needed, sign the authorization, and hit the combined completion
// endpoint. Success here is final.
func (s *Service) executeLuna(ctx context.Context, sess *Session, gen int, userID string, amount money.Money) error {
	sess.mu.Lock()
	lock := sess.lunaLock
	rawCode := sess.Scan.RawCode
	sess.loading = LoadingFetchingDetails
	sess.mu.Unlock()

	if lock == nil || !lock.Bound() {
		bound, err := s.luna.InitiateQuote(ctx, rawCode, &amount)
		if err != nil {
			if luna.IsPermanent(err) {
				s.fail(sess, gen, msgDecodeError)
			} else {
				s.setRecoverable(sess, gen, msgGenericSubmit)
			}
			return err
		}
		sess.mu.Lock()
		if sess.gen != gen {
			sess.mu.Unlock()
			return ErrInvalidState
		}
		sess.lunaLock = bound
		lock = bound
		sess.mu.Unlock()
	}

	s.setLoading(sess, gen, LoadingPreparingTransaction)
	signed, err := s.wallet.SignAuthorization(ctx, userID, wallet.TransferAuthorization{
		Destination: lock.RecipientName,
		Asset:       lock.SettlementAsset,
		Amount:      lock.SettlementAssetAmount,
		LockCode:    lock.Code,
	})
	if err != nil {
		if errors.Is(err, wallet.ErrSigningRejected) {
			// The quote stays valid; the user may retry.
			s.setRecoverable(sess, gen, msgSigningRejected)
			return err
		}
		s.setRecoverable(sess, gen, msgGenericSubmit)
		return err
	}

	s.setLoading(sess, gen, LoadingPaying)
	result, err := s.luna.CompletePayment(ctx, lock.Code, signed)
	if err != nil {
		switch {
		case errors.Is(err, luna.ErrNonceConflict):
			// The lock was not consumed; a clean retry can succeed.
			s.setRecoverable(sess, gen, msgNonceConflict)
		case errors.Is(err, luna.ErrQuoteExpired):
			s.fail(sess, gen, msgQuoteExpired)
		default:
			s.fail(sess, gen, msgGenericSubmit)
		}
		return err
	}

	sess.mu.Lock()
	if sess.gen != gen {
		sess.mu.Unlock()
		return ErrInvalidState
	}
	sess.paymentID = result.PaymentID
	// The lock is consumed exactly once.
	sess.lunaLock = nil
	sess.mu.Unlock()

	s.succeed(sess, gen)
	return nil
}

// executeOrbit transfers to the processor deposit address and arms the
// realtime confirmation wait. Success is decided asynchronously.
func (s *Service) executeOrbit(ctx context.Context, sess *Session, gen int, userID string, amount money.Money) error {
	sess.mu.Lock()
	payment := sess.orbitPayment
	rawCode := sess.Scan.RawCode
	sess.loading = LoadingFetchingDetails
	sess.mu.Unlock()

	if payment == nil {
		created, err := s.orbit.InitiateQuote(ctx, orbit.QuoteUserAmount, orbit.QuoteParams{
			Code:        rawCode,
			AmountMinor: amount.AmountMinor,
			Currency:    string(amount.Currency),
		})
		if err != nil {
			if orbit.IsPermanent(err) {
				s.fail(sess, gen, msgDecodeError)
			} else {
				s.setRecoverable(sess, gen, msgGenericSubmit)
			}
			return err
		}
		sess.mu.Lock()
		if sess.gen != gen {
			sess.mu.Unlock()
			return ErrInvalidState
		}
		sess.orbitPayment = created
		payment = created
		sess.mu.Unlock()
	}

	s.setLoading(sess, gen, LoadingPaying)
	if _, err := s.wallet.SubmitTransfer(ctx, userID, payment.DestinationAddress, s.cfg.SettlementAsset, payment.USDAmount); err != nil {
		if errors.Is(err, wallet.ErrSigningRejected) {
			s.setRecoverable(sess, gen, msgSigningRejected)
			return err
		}
		s.fail(sess, gen, msgGenericSubmit)
		return err
	}

	sess.mu.Lock()
	if sess.gen != gen {
		sess.mu.Unlock()
		return ErrInvalidState
	}
	sess.paymentID = payment.ID
	sess.pending = &PendingConfirmation{PaymentID: payment.ID, ArmedAt: time.Now().UTC()}
	sess.flow = StateWaitingForConfirmation
	sess.loading = LoadingIdle
	listener := sess.listener
	sess.mu.Unlock()

	if err := listener.Arm(payment.ID); err != nil {
		s.logger.Error("confirmation listener arm failed",
			"session_id", sess.ID,
			"payment_id", payment.ID,
			"error", err,
		)
		s.fail(sess, gen, msgConfirmInconsist)
		return err
	}

	s.persist(sess)
	s.logger.Info("awaiting realtime confirmation",
		"session_id", sess.ID,
		"payment_id", payment.ID,
	)
	return nil
}

// setRecoverable returns the session to ReadyToPay with a message the
// user can act on. The quote, amount, and gate are untouched.
func (s *Service) setRecoverable(sess *Session, gen int, message string) {
	sess.mu.Lock()
	if sess.gen != gen || sess.flow.Terminal() {
		sess.mu.Unlock()
		return
	}
	sess.flow = StateReadyToPay
	sess.loading = LoadingIdle
	sess.errorMessage = message
	sess.mu.Unlock()
	s.persist(sess)
}

func (s *Service) setLoading(sess *Session, gen int, state LoadingState) {
	sess.mu.Lock()
	if sess.gen == gen {
		sess.loading = state
	}
	sess.mu.Unlock()
}
