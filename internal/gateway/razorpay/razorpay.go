// Package razorpay is the domestic gateway adapter. Razorpay's checkout is a
// signed redirect+callback scheme: the client widget completes payment and
// hands back {order_id, payment_id, signature}; the signature is an HMAC the
// server verifies locally before trusting anything else the client said.
package razorpay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/inkread/backend/internal/gateway"
	"github.com/inkread/backend/internal/models"
)

const defaultBaseURL = "https://api.razorpay.com"

// Client talks to the Razorpay REST API with basic auth (key id / key secret).
type Client struct {
	baseURL    string
	keyID      string
	keySecret  string
	httpClient *http.Client
}

var _ gateway.Provider = (*Client)(nil)

// New returns a Razorpay client with a 15s request timeout.
func New(keyID, keySecret string) *Client {
	return &Client{
		baseURL:    defaultBaseURL,
		keyID:      keyID,
		keySecret:  keySecret,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// WithBaseURL points the client at a different API host. Tests only.
func (c *Client) WithBaseURL(u string) *Client {
	c.baseURL = strings.TrimRight(u, "/")
	return c
}

func (c *Client) Name() string { return models.ProviderRazorpay }

type createOrderRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
}

type orderResponse struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

// CreateOrder creates a remote order. The ledger entry id goes into the
// receipt field, which Razorpay enforces unique per account, so a retried
// create after a client timeout surfaces as a receipt conflict instead of a
// duplicate charge.
func (c *Client) CreateOrder(ctx context.Context, amount int64, currency, idempotencyKey string) (*gateway.Order, error) {
	body, err := json.Marshal(createOrderRequest{Amount: amount, Currency: currency, Receipt: idempotencyKey})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.keyID, c.keySecret)
	req.Header.Set("Content-Type", "application/json")

	var out orderResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &gateway.Order{ID: out.ID}, nil
}

// VerifySignature checks the checkout callback HMAC: SHA-256 over
// "orderID|paymentID" keyed with the key secret, hex-encoded, compared in
// constant time. Malformed input yields false, never an error.
func (c *Client) VerifySignature(orderID, paymentID, signature string) bool {
	if orderID == "" || paymentID == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(c.keySecret))
	mac.Write([]byte(orderID + "|" + paymentID))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Payment is the authoritative remote payment record.
type Payment struct {
	ID       string `json:"id"`
	OrderID  string `json:"order_id"`
	Status   string `json:"status"` // created | authorized | captured | refunded | failed
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Email    string `json:"email"`
}

// FetchPayment looks up a payment directly at the gateway. Used instead of
// trusting the client's claim that payment succeeded.
func (c *Client) FetchPayment(ctx context.Context, paymentID string) (*Payment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/payments/"+paymentID, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.keyID, c.keySecret)

	var out Payment
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Confirm verifies the callback signature first (an invalid signature is
// fatal), then re-fetches the payment from Razorpay and requires it captured.
func (c *Client) Confirm(ctx context.Context, orderID string, proof gateway.Proof) (*gateway.Settlement, error) {
	if !c.VerifySignature(orderID, proof.PaymentID, proof.Signature) {
		return nil, gateway.ErrVerificationFailed
	}

	payment, err := c.FetchPayment(ctx, proof.PaymentID)
	if err != nil {
		return nil, err
	}
	if payment.OrderID != orderID {
		return nil, gateway.ErrVerificationFailed
	}
	if payment.Status != "captured" {
		return nil, fmt.Errorf("%w: payment status %q", gateway.ErrNotSettled, payment.Status)
	}

	return &gateway.Settlement{
		Reference:  payment.ID,
		Amount:     payment.Amount,
		Currency:   payment.Currency,
		PayerEmail: payment.Email,
	}, nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", gateway.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode >= 500 {
		return fmt.Errorf("%w: razorpay returned status %d", gateway.ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("razorpay request failed with status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
