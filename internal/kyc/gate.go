// Package kyc gates payment execution on identity verification status.
package kyc

import "context"

// GateState is the verification precondition for payment execution.
type GateState string

const (
	GateLoading                      GateState = "LOADING"
	GateProceedToPay                 GateState = "PROCEED_TO_PAY"
	GateRequiresVerification         GateState = "REQUIRES_VERIFICATION"
	GateVerificationInProgress       GateState = "VERIFICATION_IN_PROGRESS"
	GateRequiresRegionalVerification GateState = "REQUIRES_REGIONAL_VERIFICATION"
)

// Snapshot is the externally supplied verification status of a user.
type Snapshot struct {
	Verified bool
	// Submitted is true once documents are under review.
	Submitted bool
	// RegionalRequired is true when the user's region mandates an
	// additional local verification step even after base verification.
	RegionalRequired bool
	RegionalVerified bool
}

// StatusSource supplies the current verification snapshot for a user.
type StatusSource interface {
	VerificationStatus(ctx context.Context, userID string) (Snapshot, error)
}

// Reduce maps a verification snapshot to the gate state. Pure.
func Reduce(s Snapshot) GateState {
	switch {
	case !s.Verified && s.Submitted:
		return GateVerificationInProgress
	case !s.Verified:
		return GateRequiresVerification
	case s.RegionalRequired && !s.RegionalVerified:
		return GateRequiresRegionalVerification
	default:
		return GateProceedToPay
	}
}

// Clear reports whether the gate permits transaction execution.
func (g GateState) Clear() bool {
	return g == GateProceedToPay
}
