// Package luna provides the Luna settlement processor API client.
// Luna finalizes payments synchronously: a quote lock plus a signed
// transfer authorization are submitted to a combined completion
// endpoint that settles the off-chain leg and only then broadcasts
// the on-chain leg.
package luna

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"qrpay/internal/common/money"
)

// Config holds Luna client configuration.
type Config struct {
	BaseURL string        `envconfig:"LUNA_BASE_URL"`
	APIKey  string        `envconfig:"LUNA_API_KEY"`
	Timeout time.Duration `envconfig:"LUNA_TIMEOUT" default:"30s"`
}

// Classified processor failures. Everything else returned by the client
// is treated as transient by callers.
var (
	// ErrDecode means the processor could not understand the scanned code.
	ErrDecode = errors.New("luna: code cannot be decoded")
	// ErrAmountNotSet means the merchant has not bound an amount to the
	// order yet. Not a failure; callers poll for readiness.
	ErrAmountNotSet = errors.New("luna: merchant amount not set")
	// ErrQuoteExpired means the lock went stale before completion.
	ErrQuoteExpired = errors.New("luna: quote expired")
	// ErrNonceConflict means a concurrent settlement consumed the nonce.
	ErrNonceConflict = errors.New("luna: settlement nonce conflict")
)

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrDecode) || errors.Is(err, ErrQuoteExpired)
}

// Lock is a processor-issued quote. An empty Code marks a quote that is
// not yet bound to an amount (static code awaiting user input); a
// non-empty Code is a bound, time-limited lock consumed exactly once.
type Lock struct {
	Code                       string          `json:"code"`
	SettlementAsset            string          `json:"settlement_asset"`
	SettlementAssetAmount      decimal.Decimal `json:"settlement_asset_amount"`
	SettlementAgainstAmountUSD decimal.Decimal `json:"settlement_against_amount_usd"`
	SettlementPrice            decimal.Decimal `json:"settlement_price"`
	RecipientName              string          `json:"recipient_name"`

	// Local-currency order amount, set on bound quotes.
	LocalCurrency    string `json:"local_currency,omitempty"`
	LocalAmountMinor int64  `json:"local_amount_minor,omitempty"`
}

// Bound reports whether the quote is bound to an amount.
func (l *Lock) Bound() bool {
	return l.Code != ""
}

// PaymentResult is the synchronous outcome of completing a payment.
type PaymentResult struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
	OpHash    string `json:"op_hash,omitempty"`
}

// ClaimResult is the outcome of a reward claim.
type ClaimResult struct {
	ClaimID string `json:"claim_id"`
	Status  string `json:"status"`
}

type quoteRequest struct {
	Code        string `json:"code"`
	AmountMinor int64  `json:"amount_minor,omitempty"`
	Currency    string `json:"currency,omitempty"`
}

type completeRequest struct {
	LockCode            string `json:"lock_code"`
	SignedAuthorization string `json:"signed_authorization"`
}

type claimRequest struct {
	PaymentID string `json:"payment_id"`
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client is the Luna HTTP API client.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new Luna client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// InitiateQuote fetches a quote lock for a scanned code. For static
// codes pass a nil amount to probe; the response then carries an
// unbound quote (empty Code) or ErrAmountNotSet if the merchant order
// is not ready. Passing an amount binds the quote.
func (c *Client) InitiateQuote(ctx context.Context, code string, amount *money.Money) (*Lock, error) {
	req := quoteRequest{Code: code}
	if amount != nil {
		req.AmountMinor = amount.AmountMinor
		req.Currency = string(amount.Currency)
	}

	var lock Lock
	if err := c.post(ctx, "/v1/quotes", req, &lock); err != nil {
		return nil, err
	}

	c.logger.Info("luna quote acquired",
		"bound", lock.Bound(),
		"settlement_asset", lock.SettlementAsset,
		"recipient", lock.RecipientName,
	)

	return &lock, nil
}

// CompletePayment submits the bound lock together with the signed
// transfer authorization. Settlement is atomic: the on-chain leg is
// broadcast only if the off-chain leg succeeds.
func (c *Client) CompletePayment(ctx context.Context, lockCode, signedAuthorization string) (*PaymentResult, error) {
	req := completeRequest{
		LockCode:            lockCode,
		SignedAuthorization: signedAuthorization,
	}

	var result PaymentResult
	if err := c.post(ctx, "/v1/payments/complete", req, &result); err != nil {
		return nil, err
	}

	c.logger.Info("luna payment completed",
		"payment_id", result.PaymentID,
		"status", result.Status,
	)

	return &result, nil
}

// ClaimReward claims the post-payment reward for a settled payment.
func (c *Client) ClaimReward(ctx context.Context, paymentID string) (*ClaimResult, error) {
	var result ClaimResult
	if err := c.post(ctx, "/v1/rewards/claim", claimRequest{PaymentID: paymentID}, &result); err != nil {
		return nil, err
	}

	c.logger.Info("luna reward claimed",
		"payment_id", paymentID,
		"claim_id", result.ClaimID,
	)

	return &result, nil
}

func (c *Client) post(ctx context.Context, path string, req, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		return c.classify(httpResp.StatusCode, respBody)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}

	return nil
}

// classify maps API error codes onto the sentinel errors callers branch on.
func (c *Client) classify(status int, body []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil {
		switch apiErr.Error.Code {
		case "DECODE_ERROR", "INVALID_DESTINATION":
			return fmt.Errorf("%w: %s", ErrDecode, apiErr.Error.Message)
		case "AMOUNT_NOT_SET", "ORDER_NOT_READY":
			return ErrAmountNotSet
		case "QUOTE_EXPIRED", "LOCK_STALE":
			return fmt.Errorf("%w: %s", ErrQuoteExpired, apiErr.Error.Message)
		case "NONCE_CONFLICT":
			return fmt.Errorf("%w: %s", ErrNonceConflict, apiErr.Error.Message)
		}
	}
	return fmt.Errorf("luna api error: status=%d body=%s", status, string(body))
}
