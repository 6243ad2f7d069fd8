// Package metrics records payment flow counters and latencies.
package metrics

import "time"

// Recorder is the metrics sink used by the payment components.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// Counter names.
const (
	CounterLockAttempts         = "lock_attempts"
	CounterPayments             = "payments"
	CounterConfirmationTimeouts = "confirmation_timeouts"
	CounterRewardClaims         = "reward_claims"
)

// Latency names.
const (
	LatencyQuote  = "quote"
	LatencySubmit = "submit"
)
