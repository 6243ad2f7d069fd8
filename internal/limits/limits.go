// Package limits validates payment amounts against processor and wallet bounds.
package limits

import (
	"fmt"

	"qrpay/internal/common/money"
	"qrpay/internal/qr"
)

// Config holds the amount bounds. Values are minor units of the local currency.
type Config struct {
	LunaMinimumMinor   int64 `envconfig:"LIMITS_LUNA_MINIMUM_MINOR" default:"100"`
	GlobalMinimumMinor int64 `envconfig:"LIMITS_GLOBAL_MINIMUM_MINOR" default:"1"`
	GlobalMaximumMinor int64 `envconfig:"LIMITS_GLOBAL_MAXIMUM_MINOR" default:"5000000"`
}

// Rule identifies which bound rejected an amount.
type Rule string

const (
	RuleNone             Rule = ""
	RuleProcessorMinimum Rule = "PROCESSOR_MINIMUM"
	RuleGlobalMaximum    Rule = "GLOBAL_MAXIMUM"
	RuleGlobalMinimum    Rule = "GLOBAL_MINIMUM"
	RuleBalance          Rule = "BALANCE"
)

// Result is the outcome of validating an amount.
type Result struct {
	OK     bool
	Rule   Rule
	Reason string
}

func ok() Result { return Result{OK: true} }

func fail(rule Rule, reason string) Result {
	return Result{Rule: rule, Reason: reason}
}

// Validate checks amount against the configured bounds and the wallet
// balance. Rules are evaluated in order; the first failing rule wins.
// Pure: callers re-run it whenever amount, balance, or processor change.
func Validate(amount money.Money, processor qr.Processor, balance money.Money, cfg Config) Result {
	if processor == qr.ProcessorLuna {
		min := money.New(cfg.LunaMinimumMinor, amount.Currency)
		if amount.LessThan(min) {
			return fail(RuleProcessorMinimum, fmt.Sprintf("The minimum amount for this payment method is %s", min))
		}
	}
	max := money.New(cfg.GlobalMaximumMinor, amount.Currency)
	if amount.GreaterThan(max) {
		return fail(RuleGlobalMaximum, fmt.Sprintf("The maximum amount per payment is %s", max))
	}
	if amount.LessThan(money.New(cfg.GlobalMinimumMinor, amount.Currency)) {
		return fail(RuleGlobalMinimum, "Enter an amount to pay")
	}
	// A balance held in another currency cannot cover the amount.
	remaining, err := balance.Sub(amount)
	if err != nil || remaining.IsNegative() {
		return fail(RuleBalance, "Amount exceeds your available balance")
	}
	return ok()
}
