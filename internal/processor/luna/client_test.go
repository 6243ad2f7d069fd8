package luna

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"qrpay/internal/common/money"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, APIKey: "test-key"}, slog.Default())
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

func TestInitiateQuoteBound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/quotes" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["amount_minor"] != float64(5000) {
			t.Fatalf("expected amount_minor 5000, got %v", req["amount_minor"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code":                          "lock-123",
			"settlement_asset":              "XTZ",
			"settlement_asset_amount":       "12.5",
			"settlement_against_amount_usd": "50.00",
			"settlement_price":              "4.00",
			"recipient_name":                "Noodle House",
		})
	})

	amount := money.New(5000, money.THB)
	lock, err := client.InitiateQuote(context.Background(), "raw-code", &amount)
	if err != nil {
		t.Fatalf("InitiateQuote: %v", err)
	}
	if !lock.Bound() {
		t.Fatal("expected a bound lock")
	}
	if lock.RecipientName != "Noodle House" {
		t.Fatalf("unexpected recipient %q", lock.RecipientName)
	}
	if lock.SettlementAssetAmount.String() != "12.5" {
		t.Fatalf("unexpected settlement amount %s", lock.SettlementAssetAmount)
	}
}

func TestInitiateQuoteUnbound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code":             "",
			"settlement_asset": "XTZ",
			"recipient_name":   "Noodle House",
		})
	})

	lock, err := client.InitiateQuote(context.Background(), "raw-code", nil)
	if err != nil {
		t.Fatalf("InitiateQuote: %v", err)
	}
	if lock.Bound() {
		t.Fatal("expected an unbound quote for a static code probe")
	}
}

func TestInitiateQuoteErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		code      string
		want      error
		permanent bool
	}{
		{"decode error", http.StatusUnprocessableEntity, "DECODE_ERROR", ErrDecode, true},
		{"invalid destination", http.StatusUnprocessableEntity, "INVALID_DESTINATION", ErrDecode, true},
		{"amount not set", http.StatusConflict, "AMOUNT_NOT_SET", ErrAmountNotSet, false},
		{"order not ready", http.StatusConflict, "ORDER_NOT_READY", ErrAmountNotSet, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeAPIError(w, tc.status, tc.code, "nope")
			})
			_, err := client.InitiateQuote(context.Background(), "raw-code", nil)
			if !errors.Is(err, tc.want) {
				t.Fatalf("error = %v, want %v", err, tc.want)
			}
			if IsPermanent(err) != tc.permanent {
				t.Fatalf("IsPermanent = %v, want %v", IsPermanent(err), tc.permanent)
			}
		})
	}
}

func TestInitiateQuoteServerErrorIsTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.InitiateQuote(context.Background(), "raw-code", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if IsPermanent(err) {
		t.Fatalf("5xx must be retryable, got permanent: %v", err)
	}
}

func TestCompletePaymentClassification(t *testing.T) {
	cases := []struct {
		code string
		want error
	}{
		{"NONCE_CONFLICT", ErrNonceConflict},
		{"QUOTE_EXPIRED", ErrQuoteExpired},
		{"LOCK_STALE", ErrQuoteExpired},
	}

	for _, tc := range cases {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeAPIError(w, http.StatusConflict, tc.code, "conflict")
		})
		_, err := client.CompletePayment(context.Background(), "lock-123", "sig")
		if !errors.Is(err, tc.want) {
			t.Fatalf("code %s: error = %v, want %v", tc.code, err, tc.want)
		}
	}
}

func TestCompletePaymentSuccess(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payments/complete" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Fatalf("missing auth header")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"payment_id": "pay-9",
			"status":     "settled",
			"op_hash":    "oo123",
		})
	})

	result, err := client.CompletePayment(context.Background(), "lock-123", "sig")
	if err != nil {
		t.Fatalf("CompletePayment: %v", err)
	}
	if result.PaymentID != "pay-9" || result.OpHash != "oo123" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestClaimReward(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["payment_id"] != "pay-9" {
			t.Fatalf("unexpected payment id %q", req["payment_id"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"claim_id": "claim-1", "status": "granted"})
	})

	result, err := client.ClaimReward(context.Background(), "pay-9")
	if err != nil {
		t.Fatalf("ClaimReward: %v", err)
	}
	if result.ClaimID != "claim-1" {
		t.Fatalf("unexpected claim %+v", result)
	}
}
