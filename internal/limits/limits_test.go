package limits

import (
	"testing"

	"qrpay/internal/common/money"
	"qrpay/internal/qr"
)

var cfg = Config{
	LunaMinimumMinor:   100,
	GlobalMinimumMinor: 1,
	GlobalMaximumMinor: 5000000,
}

func thb(minor int64) money.Money { return money.New(minor, money.THB) }

func TestValidateBoundaries(t *testing.T) {
	balance := thb(10000000)

	cases := []struct {
		name      string
		amount    int64
		processor qr.Processor
		balance   money.Money
		rule      Rule
	}{
		{"luna at minimum passes", 100, qr.ProcessorLuna, balance, RuleNone},
		{"luna one satang below minimum fails", 99, qr.ProcessorLuna, balance, RuleProcessorMinimum},
		{"orbit has no processor minimum", 1, qr.ProcessorOrbit, balance, RuleNone},
		{"at global maximum passes", 5000000, qr.ProcessorOrbit, balance, RuleNone},
		{"one satang above maximum fails", 5000001, qr.ProcessorOrbit, balance, RuleGlobalMaximum},
		{"below global minimum fails", 0, qr.ProcessorOrbit, balance, RuleGlobalMinimum},
		{"amount equal to balance passes", 7500, qr.ProcessorOrbit, thb(7500), RuleNone},
		{"one unit above balance fails", 7501, qr.ProcessorOrbit, thb(7500), RuleBalance},
		{"balance in another currency fails", 7500, qr.ProcessorOrbit, money.New(1000000, money.USD), RuleBalance},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Validate(thb(tc.amount), tc.processor, tc.balance, cfg)
			if res.OK != (tc.rule == RuleNone) {
				t.Fatalf("OK = %v, want %v (reason %q)", res.OK, tc.rule == RuleNone, res.Reason)
			}
			if res.Rule != tc.rule {
				t.Fatalf("Rule = %q, want %q", res.Rule, tc.rule)
			}
			if !res.OK && res.Reason == "" {
				t.Fatal("failing rule must carry a user-facing reason")
			}
		})
	}
}

func TestRuleOrderProcessorMinimumWins(t *testing.T) {
	// An amount below both the Luna minimum and the balance must report
	// the processor minimum, which is checked first.
	res := Validate(thb(50), qr.ProcessorLuna, thb(10), cfg)
	if res.Rule != RuleProcessorMinimum {
		t.Fatalf("Rule = %q, want %q", res.Rule, RuleProcessorMinimum)
	}
}
