package payment

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"qrpay/internal/common/money"
	"qrpay/internal/metrics"
	"qrpay/internal/processor/luna"
	"qrpay/internal/processor/orbit"
	"qrpay/internal/qr"
)

// acquire runs the lock acquisition loop for a scanned code. Transient
// processor failures are retried on a fixed delay up to the attempt
// cap; permanent failures and a still-unset merchant amount short out
// immediately. Concurrent invocations for the same scan are deduped.
func (s *Service) acquire(sess *Session, gen int, amount *money.Money) {
	sess.mu.Lock()
	if sess.gen != gen || sess.flow.Terminal() {
		sess.mu.Unlock()
		return
	}
	key := sess.Scan.DedupKey()
	if sess.acquiring && sess.acquireKey == key {
		sess.mu.Unlock()
		return
	}
	sess.acquiring = true
	sess.acquireKey = key
	sess.loading = LoadingFetchingDetails
	processor := sess.Classification.Processor
	kind := sess.Classification.Kind
	rawCode := sess.Scan.RawCode
	sess.mu.Unlock()

	defer func() {
		sess.mu.Lock()
		if sess.gen == gen {
			sess.acquiring = false
			if sess.loading == LoadingFetchingDetails {
				sess.loading = LoadingIdle
			}
		}
		sess.mu.Unlock()
	}()

	for attempt := 1; attempt <= s.cfg.LockAttempts; attempt++ {
		start := time.Now()
		result, err := s.fetchQuote(sess, processor, kind, rawCode, amount)
		s.metrics.ObserveLatency(metrics.LatencyQuote, time.Since(start), map[string]string{
			"processor": string(processor),
		})
		s.recordAttempt(sess, attempt, err)

		if err == nil {
			s.metrics.IncCounter(metrics.CounterLockAttempts, map[string]string{
				"processor": string(processor),
				"outcome":   "acquired",
			})
			s.applyQuote(sess, gen, result)
			return
		}

		switch {
		case errors.Is(err, luna.ErrAmountNotSet) || errors.Is(err, orbit.ErrAmountNotSet):
			s.metrics.IncCounter(metrics.CounterLockAttempts, map[string]string{
				"processor": string(processor),
				"outcome":   "amount_not_set",
			})
			if kind == qr.KindDynamic {
				// Merchant is still finishing the order.
				s.enterMerchantWait(sess, gen)
				return
			}
			// A static code with no merchant amount takes the
			// payer-entered amount path instead.
			s.enterUserAmountMode(sess, gen)
			return

		case isPermanent(processor, err):
			s.metrics.IncCounter(metrics.CounterLockAttempts, map[string]string{
				"processor": string(processor),
				"outcome":   "permanent",
			})
			s.logger.Warn("quote acquisition failed permanently",
				"session_id", sess.ID,
				"attempt", attempt,
				"error", err,
			)
			s.fail(sess, gen, msgDecodeError)
			return

		default:
			s.metrics.IncCounter(metrics.CounterLockAttempts, map[string]string{
				"processor": string(processor),
				"outcome":   "transient",
			})
			s.logger.Warn("quote acquisition attempt failed",
				"session_id", sess.ID,
				"attempt", attempt,
				"error", err,
			)
			if attempt == s.cfg.LockAttempts {
				s.fail(sess, gen, fmt.Sprintf(msgServiceIssuesFmt, methodName(processor)))
				return
			}
			select {
			case <-sess.ctx.Done():
				return
			case <-time.After(s.cfg.LockRetryDelay):
			}
		}
	}
}

// methodName is the user-facing name of a settlement processor.
func methodName(processor qr.Processor) string {
	if processor == qr.ProcessorLuna {
		return "Luna"
	}
	return "Orbit"
}

func isPermanent(processor qr.Processor, err error) bool {
	if processor == qr.ProcessorLuna {
		return luna.IsPermanent(err)
	}
	return orbit.IsPermanent(err)
}

// quoteResult carries one processor's acquisition outcome.
type quoteResult struct {
	lunaLock     *luna.Lock
	orbitPayment *orbit.Payment
}

func (s *Service) fetchQuote(sess *Session, processor qr.Processor, kind qr.Kind, rawCode string, amount *money.Money) (quoteResult, error) {
	switch processor {
	case qr.ProcessorLuna:
		lock, err := s.luna.InitiateQuote(sess.ctx, rawCode, amount)
		if err != nil {
			return quoteResult{}, err
		}
		return quoteResult{lunaLock: lock}, nil

	case qr.ProcessorOrbit:
		quoteKind := orbit.QuoteStatic
		params := orbit.QuoteParams{Code: rawCode}
		if kind == qr.KindDynamic {
			quoteKind = orbit.QuoteDynamic
		} else if amount != nil {
			quoteKind = orbit.QuoteUserAmount
			params.AmountMinor = amount.AmountMinor
			params.Currency = string(amount.Currency)
		}
		payment, err := s.orbit.InitiateQuote(sess.ctx, quoteKind, params)
		if err != nil {
			return quoteResult{}, err
		}
		return quoteResult{orbitPayment: payment}, nil
	}
	return quoteResult{}, fmt.Errorf("unknown processor %q", processor)
}

// applyQuote stores the acquired quote and derives the order amount
// when the processor reported one.
func (s *Service) applyQuote(sess *Session, gen int, result quoteResult) {
	sess.mu.Lock()
	if sess.gen != gen || sess.flow.Terminal() {
		sess.mu.Unlock()
		return
	}

	if result.lunaLock != nil {
		sess.lunaLock = result.lunaLock
		if result.lunaLock.Bound() && result.lunaLock.LocalAmountMinor > 0 {
			sess.amount = money.New(result.lunaLock.LocalAmountMinor, money.Currency(result.lunaLock.LocalCurrency))
			sess.amountSet = true
		}
	}
	if result.orbitPayment != nil {
		sess.orbitPayment = result.orbitPayment
		if !sess.amountSet && !result.orbitPayment.CurrencyAmount.IsZero() {
			sess.amount = minorFromDecimal(result.orbitPayment.CurrencyAmount, money.Currency(result.orbitPayment.Currency))
			sess.amountSet = true
		}
	}

	if sess.flow == StateInitializing || sess.flow == StateWaitingForMerchantAmount {
		sess.flow = StateReadyToPay
	}
	sess.loading = LoadingIdle
	sess.mu.Unlock()

	s.persist(sess)

	s.logger.Info("quote acquired",
		"session_id", sess.ID,
		"processor", sess.Classification.Processor,
	)
}

// enterMerchantWait parks the session until the merchant binds an
// amount, polling on a fixed interval up to the poll cap.
func (s *Service) enterMerchantWait(sess *Session, gen int) {
	sess.mu.Lock()
	if sess.gen != gen || sess.flow.Terminal() {
		sess.mu.Unlock()
		return
	}

	sess.polls++
	if sess.polls > s.cfg.MerchantPollLimit {
		sess.flow = StateOrderNotReady
		sess.errorMessage = msgOrderNotReady
		sess.loading = LoadingIdle
		sess.mu.Unlock()
		s.persist(sess)
		s.logger.Info("merchant order never became ready", "session_id", sess.ID)
		return
	}

	sess.flow = StateWaitingForMerchantAmount
	sess.loading = LoadingIdle
	sess.pollTimer = time.AfterFunc(s.cfg.MerchantPollInterval, func() {
		sess.mu.Lock()
		stale := sess.gen != gen || sess.flow != StateWaitingForMerchantAmount
		sess.mu.Unlock()
		if stale {
			return
		}
		s.acquire(sess, gen, nil)
	})
	polls := sess.polls
	sess.mu.Unlock()

	s.persist(sess)
	s.logger.Info("waiting for merchant amount",
		"session_id", sess.ID,
		"poll", polls,
	)
}

// enterUserAmountMode readies a static code whose amount the payer
// enters. No quote exists yet; one is created at submission.
func (s *Service) enterUserAmountMode(sess *Session, gen int) {
	sess.mu.Lock()
	if sess.gen != gen || sess.flow.Terminal() {
		sess.mu.Unlock()
		return
	}
	if sess.flow == StateInitializing {
		sess.flow = StateReadyToPay
	}
	sess.loading = LoadingIdle
	sess.mu.Unlock()

	s.persist(sess)
}

func (s *Service) recordAttempt(sess *Session, attempt int, err error) {
	if s.store == nil {
		return
	}
	att := LockAttempt{
		SessionID: sess.ID,
		Attempt:   attempt,
		CreatedAt: time.Now().UTC(),
	}
	if err != nil {
		att.Outcome = "error"
		att.Detail = err.Error()
	} else {
		att.Outcome = "acquired"
	}
	if dbErr := s.store.RecordLockAttempt(sess.ctx, att); dbErr != nil {
		s.logger.Error("lock attempt record failed", "session_id", sess.ID, "error", dbErr)
	}
}

func minorFromDecimal(amount decimal.Decimal, currency money.Currency) money.Money {
	info, ok := money.GetCurrencyInfo(currency)
	exp := int32(2)
	if ok {
		exp = int32(info.MinorUnits)
	}
	return money.New(amount.Shift(exp).Round(0).IntPart(), currency)
}
