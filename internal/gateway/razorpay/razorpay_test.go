package razorpay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/inkread/backend/internal/gateway"
)

const (
	testKeyID  = "rzp_test_key"
	testSecret = "rzp_test_secret"
)

func sign(secret, orderID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	c := New(testKeyID, testSecret)

	valid := sign(testSecret, "order_1", "pay_1")

	cases := []struct {
		name      string
		orderID   string
		paymentID string
		signature string
		want      bool
	}{
		{"valid", "order_1", "pay_1", valid, true},
		{"wrong payment", "order_1", "pay_2", valid, false},
		{"wrong order", "order_2", "pay_1", valid, false},
		{"wrong key", "order_1", "pay_1", sign("other_secret", "order_1", "pay_1"), false},
		{"empty signature", "order_1", "pay_1", "", false},
		{"empty order", "", "pay_1", valid, false},
		{"garbage signature", "order_1", "pay_1", "not-hex-at-all", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := c.VerifySignature(tc.orderID, tc.paymentID, tc.signature); got != tc.want {
				t.Errorf("VerifySignature(%q,%q,%q) = %v, want %v", tc.orderID, tc.paymentID, tc.signature, got, tc.want)
			}
		})
	}
}

func TestCreateOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/orders" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		user, pass, _ := r.BasicAuth()
		if user != testKeyID || pass != testSecret {
			t.Error("missing or wrong basic auth")
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["receipt"] != "ledger-id-1" {
			t.Errorf("receipt: got %v, want the idempotency key", body["receipt"])
		}
		if body["amount"] != float64(29900) || body["currency"] != "INR" {
			t.Errorf("amount/currency: got %v %v", body["amount"], body["currency"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "order_abc", "amount": 29900, "currency": "INR", "status": "created"})
	}))
	defer srv.Close()

	c := New(testKeyID, testSecret).WithBaseURL(srv.URL)
	order, err := c.CreateOrder(context.Background(), 29900, "INR", "ledger-id-1")
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.ID != "order_abc" {
		t.Errorf("order id: got %q", order.ID)
	}
}

func TestCreateOrder_ServerDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(testKeyID, testSecret).WithBaseURL(srv.URL)
	_, err := c.CreateOrder(context.Background(), 100, "INR", "k")
	if !errors.Is(err, gateway.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestConfirm_Captured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payments/pay_1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(Payment{
			ID: "pay_1", OrderID: "order_1", Status: "captured",
			Amount: 1600, Currency: "INR", Email: "buyer@example.com",
		})
	}))
	defer srv.Close()

	c := New(testKeyID, testSecret).WithBaseURL(srv.URL)
	proof := gateway.Proof{PaymentID: "pay_1", Signature: sign(testSecret, "order_1", "pay_1")}

	s, err := c.Confirm(context.Background(), "order_1", proof)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if s.Reference != "pay_1" || s.Amount != 1600 || s.Currency != "INR" {
		t.Errorf("settlement: got %+v", s)
	}
	if s.PayerEmail != "buyer@example.com" {
		t.Errorf("payer email: got %q", s.PayerEmail)
	}
}

func TestConfirm_BadSignatureSkipsFetch(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := New(testKeyID, testSecret).WithBaseURL(srv.URL)
	_, err := c.Confirm(context.Background(), "order_1", gateway.Proof{PaymentID: "pay_1", Signature: "forged"})
	if !errors.Is(err, gateway.ErrVerificationFailed) {
		t.Fatalf("expected ErrVerificationFailed, got %v", err)
	}
	if hits.Load() != 0 {
		t.Error("a forged signature must be rejected before any gateway call")
	}
}

func TestConfirm_PaymentBelongsToOtherOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Payment{ID: "pay_1", OrderID: "order_other", Status: "captured", Amount: 1600, Currency: "INR"})
	}))
	defer srv.Close()

	c := New(testKeyID, testSecret).WithBaseURL(srv.URL)
	proof := gateway.Proof{PaymentID: "pay_1", Signature: sign(testSecret, "order_1", "pay_1")}
	_, err := c.Confirm(context.Background(), "order_1", proof)
	if !errors.Is(err, gateway.ErrVerificationFailed) {
		t.Fatalf("expected ErrVerificationFailed, got %v", err)
	}
}

func TestConfirm_NotYetCaptured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Payment{ID: "pay_1", OrderID: "order_1", Status: "authorized", Amount: 1600, Currency: "INR"})
	}))
	defer srv.Close()

	c := New(testKeyID, testSecret).WithBaseURL(srv.URL)
	proof := gateway.Proof{PaymentID: "pay_1", Signature: sign(testSecret, "order_1", "pay_1")}
	_, err := c.Confirm(context.Background(), "order_1", proof)
	if !errors.Is(err, gateway.ErrNotSettled) {
		t.Fatalf("expected ErrNotSettled, got %v", err)
	}
}
