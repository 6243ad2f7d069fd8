package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"qrpay/internal/common/money"
	"qrpay/internal/kyc"
)

// Config holds wallet-core client configuration.
type Config struct {
	BaseURL string        `envconfig:"WALLET_BASE_URL"`
	APIKey  string        `envconfig:"WALLET_API_KEY"`
	Timeout time.Duration `envconfig:"WALLET_TIMEOUT" default:"15s"`
}

// Client talks to the wallet-core service. It implements Wallet,
// PriceSource, and kyc.StatusSource.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

var (
	_ Wallet           = (*Client)(nil)
	_ PriceSource      = (*Client)(nil)
	_ kyc.StatusSource = (*Client)(nil)
)

// NewClient creates a new wallet-core client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// Balance returns the user's spendable balance.
func (c *Client) Balance(ctx context.Context, userID string) (money.Money, error) {
	var resp struct {
		Balance money.Money `json:"balance"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/users/"+userID+"/balance", nil, &resp); err != nil {
		return money.Money{}, fmt.Errorf("fetch balance: %w", err)
	}
	return resp.Balance, nil
}

// SignAuthorization asks the custody layer to sign a transfer
// authorization. A user rejection surfaces as ErrSigningRejected.
func (c *Client) SignAuthorization(ctx context.Context, userID string, auth TransferAuthorization) (string, error) {
	var resp struct {
		Signed   string `json:"signed"`
		Rejected bool   `json:"rejected"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/users/"+userID+"/sign", auth, &resp); err != nil {
		return "", fmt.Errorf("sign authorization: %w", err)
	}
	if resp.Rejected {
		return "", ErrSigningRejected
	}
	return resp.Signed, nil
}

// SubmitTransfer signs and submits a transfer to destination.
func (c *Client) SubmitTransfer(ctx context.Context, userID, destination, asset string, amount decimal.Decimal) (*Receipt, error) {
	req := struct {
		Destination string          `json:"destination"`
		Asset       string          `json:"asset"`
		Amount      decimal.Decimal `json:"amount"`
	}{destination, asset, amount}

	var resp struct {
		Receipt  Receipt `json:"receipt"`
		Rejected bool    `json:"rejected"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/users/"+userID+"/transfer", req, &resp); err != nil {
		return nil, fmt.Errorf("submit transfer: %w", err)
	}
	if resp.Rejected {
		return nil, ErrSigningRejected
	}
	return &resp.Receipt, nil
}

// Price returns the two-sided price for a currency.
func (c *Client) Price(ctx context.Context, currencyCode string) (Price, error) {
	var resp Price
	if err := c.do(ctx, http.MethodGet, "/v1/prices/"+currencyCode, nil, &resp); err != nil {
		return Price{}, fmt.Errorf("fetch price: %w", err)
	}
	return resp, nil
}

// VerificationStatus returns the user's current KYC snapshot.
func (c *Client) VerificationStatus(ctx context.Context, userID string) (kyc.Snapshot, error) {
	var resp struct {
		Verified         bool `json:"verified"`
		Submitted        bool `json:"submitted"`
		RegionalRequired bool `json:"regional_required"`
		RegionalVerified bool `json:"regional_verified"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/users/"+userID+"/verification", nil, &resp); err != nil {
		return kyc.Snapshot{}, fmt.Errorf("fetch verification status: %w", err)
	}
	return kyc.Snapshot{
		Verified:         resp.Verified,
		Submitted:        resp.Submitted,
		RegionalRequired: resp.RegionalRequired,
		RegionalVerified: resp.RegionalVerified,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, req, out any) error {
	var body io.Reader
	if req != nil {
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if req != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
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
		return fmt.Errorf("wallet api error: status=%d body=%s", httpResp.StatusCode, string(respBody))
	}

	return json.Unmarshal(respBody, out)
}
