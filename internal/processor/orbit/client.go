// Package orbit provides the Orbit settlement processor API client.
// Orbit payments are settled by transferring to a processor deposit
// address; the final outcome arrives asynchronously over the realtime
// event bus, keyed by the payment id returned here.
package orbit

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
)

// Config holds Orbit client configuration.
type Config struct {
	BaseURL string        `envconfig:"ORBIT_BASE_URL"`
	APIKey  string        `envconfig:"ORBIT_API_KEY"`
	Timeout time.Duration `envconfig:"ORBIT_TIMEOUT" default:"30s"`
}

var (
	// ErrDecode means the processor could not understand the scanned code.
	ErrDecode = errors.New("orbit: code cannot be decoded")
	// ErrAmountNotSet means the merchant order carries no amount yet.
	ErrAmountNotSet = errors.New("orbit: merchant amount not set")
)

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrDecode)
}

// QuoteKind selects the Orbit quote variant.
type QuoteKind string

const (
	// QuoteStatic probes a static code for a merchant-set amount.
	QuoteStatic QuoteKind = "static"
	// QuoteDynamic resolves a dynamic, amount-bound code.
	QuoteDynamic QuoteKind = "dynamic"
	// QuoteUserAmount creates a payment for a payer-specified amount
	// against a static code.
	QuoteUserAmount QuoteKind = "user_amount"
)

// QuoteParams are the inputs for a quote request.
type QuoteParams struct {
	Code        string
	AmountMinor int64
	Currency    string
}

// Payment is an Orbit payment record awaiting settlement.
type Payment struct {
	ID                 string          `json:"id"`
	USDAmount          decimal.Decimal `json:"usd_amount"`
	Currency           string          `json:"currency"`
	CurrencyAmount     decimal.Decimal `json:"currency_amount"`
	Price              decimal.Decimal `json:"price"`
	DestinationAddress string          `json:"destination_address"`
}

type quoteRequest struct {
	Kind        QuoteKind `json:"kind"`
	Code        string    `json:"code"`
	AmountMinor int64     `json:"amount_minor,omitempty"`
	Currency    string    `json:"currency,omitempty"`
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client is the Orbit HTTP API client.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new Orbit client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// InitiateQuote creates an Orbit payment for the given kind and params.
func (c *Client) InitiateQuote(ctx context.Context, kind QuoteKind, params QuoteParams) (*Payment, error) {
	req := quoteRequest{
		Kind:        kind,
		Code:        params.Code,
		AmountMinor: params.AmountMinor,
		Currency:    params.Currency,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/v1/payments", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		return nil, c.classify(httpResp.StatusCode, respBody)
	}

	var payment Payment
	if err := json.Unmarshal(respBody, &payment); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	c.logger.Info("orbit payment created",
		"payment_id", payment.ID,
		"kind", kind,
		"currency", payment.Currency,
	)

	return &payment, nil
}

func (c *Client) classify(status int, body []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil {
		switch apiErr.Error.Code {
		case "DECODE_ERROR", "INVALID_DESTINATION":
			return fmt.Errorf("%w: %s", ErrDecode, apiErr.Error.Message)
		case "AMOUNT_NOT_SET", "ORDER_NOT_READY":
			return ErrAmountNotSet
		}
	}
	return fmt.Errorf("orbit api error: status=%d body=%s", status, string(body))
}
