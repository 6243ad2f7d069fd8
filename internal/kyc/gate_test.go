package kyc

import "testing"

func TestReduce(t *testing.T) {
	cases := []struct {
		name string
		snap Snapshot
		want GateState
	}{
		{"unverified", Snapshot{}, GateRequiresVerification},
		{"submitted", Snapshot{Submitted: true}, GateVerificationInProgress},
		{"verified", Snapshot{Verified: true}, GateProceedToPay},
		{"regional pending", Snapshot{Verified: true, RegionalRequired: true}, GateRequiresRegionalVerification},
		{"regional done", Snapshot{Verified: true, RegionalRequired: true, RegionalVerified: true}, GateProceedToPay},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Reduce(tc.snap); got != tc.want {
				t.Fatalf("Reduce(%+v) = %s, want %s", tc.snap, got, tc.want)
			}
		})
	}
}

func TestClear(t *testing.T) {
	if !GateProceedToPay.Clear() {
		t.Fatal("proceed-to-pay must clear the gate")
	}
	for _, g := range []GateState{GateLoading, GateRequiresVerification, GateVerificationInProgress, GateRequiresRegionalVerification} {
		if g.Clear() {
			t.Fatalf("%s must not clear the gate", g)
		}
	}
}
