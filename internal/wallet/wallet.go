// Package wallet defines the custody and price collaborators the payment
// flow depends on. Key custody and signing internals live behind these
// interfaces; this service only consumes them.
package wallet

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"qrpay/internal/common/money"
)

// ErrSigningRejected is returned when the user declines to sign. The
// payment flow treats it as recoverable: the quote stays valid and the
// user may retry submission.
var ErrSigningRejected = errors.New("wallet: signing rejected by user")

// TransferAuthorization is the payload the wallet signs for Luna's
// combined completion endpoint. It is not submitted on-chain directly.
type TransferAuthorization struct {
	Destination string          `json:"destination"`
	Asset       string          `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
	LockCode    string          `json:"lock_code"`
}

// Receipt is the result of a submitted transfer.
type Receipt struct {
	OpHash string `json:"op_hash"`
}

// Wallet is the custody collaborator.
type Wallet interface {
	// Balance returns the spendable local-currency balance.
	Balance(ctx context.Context, userID string) (money.Money, error)
	// SignAuthorization signs a transfer authorization without
	// broadcasting anything.
	SignAuthorization(ctx context.Context, userID string, auth TransferAuthorization) (signed string, err error)
	// SubmitTransfer signs and submits a transfer to destination.
	SubmitTransfer(ctx context.Context, userID, destination, asset string, amount decimal.Decimal) (*Receipt, error)
}

// Price is a two-sided quote for a currency.
type Price struct {
	Buy  decimal.Decimal `json:"buy"`
	Sell decimal.Decimal `json:"sell"`
}

// PriceSource supplies currency prices.
type PriceSource interface {
	Price(ctx context.Context, currencyCode string) (Price, error)
}
