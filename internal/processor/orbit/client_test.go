package orbit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, APIKey: "test-key"}, slog.Default())
}

func TestInitiateQuoteKinds(t *testing.T) {
	for _, kind := range []QuoteKind{QuoteStatic, QuoteDynamic, QuoteUserAmount} {
		t.Run(string(kind), func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				var req map[string]any
				_ = json.NewDecoder(r.Body).Decode(&req)
				if req["kind"] != string(kind) {
					t.Fatalf("kind = %v, want %s", req["kind"], kind)
				}
				_ = json.NewEncoder(w).Encode(map[string]any{
					"id":                  "orb-1",
					"usd_amount":          "50.00",
					"currency":            "THB",
					"currency_amount":     "1750.00",
					"price":               "35.00",
					"destination_address": "orbit-deposit-addr",
				})
			})

			payment, err := client.InitiateQuote(context.Background(), kind, QuoteParams{
				Code:        "raw-code",
				AmountMinor: 175000,
				Currency:    "THB",
			})
			if err != nil {
				t.Fatalf("InitiateQuote: %v", err)
			}
			if payment.ID != "orb-1" {
				t.Fatalf("unexpected id %q", payment.ID)
			}
			if payment.DestinationAddress != "orbit-deposit-addr" {
				t.Fatalf("unexpected destination %q", payment.DestinationAddress)
			}
			if payment.Price.String() != "35" {
				t.Fatalf("unexpected price %s", payment.Price)
			}
		})
	}
}

func TestInitiateQuoteErrors(t *testing.T) {
	cases := []struct {
		code string
		want error
	}{
		{"DECODE_ERROR", ErrDecode},
		{"AMOUNT_NOT_SET", ErrAmountNotSet},
	}

	for _, tc := range cases {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{"code": tc.code, "message": "nope"},
			})
		})
		_, err := client.InitiateQuote(context.Background(), QuoteStatic, QuoteParams{Code: "raw"})
		if !errors.Is(err, tc.want) {
			t.Fatalf("code %s: error = %v, want %v", tc.code, err, tc.want)
		}
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	_, err := client.InitiateQuote(context.Background(), QuoteDynamic, QuoteParams{Code: "raw"})
	if err == nil {
		t.Fatal("expected error")
	}
	if IsPermanent(err) {
		t.Fatalf("5xx must be retryable, got permanent: %v", err)
	}
}
