// Package paypal is the international gateway adapter. PayPal's checkout is an
// OAuth-token REST API: the server holds a client-credentials bearer token,
// creates an order the buyer approves via redirect, then captures it
// server-side. Webhook signatures are verified by PayPal's own verification
// endpoint because the scheme requires certificate validation PayPal performs.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/inkread/backend/internal/gateway"
	"github.com/inkread/backend/internal/models"
)

// tokenSafetyMargin is subtracted from the token's stated lifetime so a token
// is refreshed before it can expire mid-request.
const tokenSafetyMargin = 5 * time.Minute

// Client talks to the PayPal REST API.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	webhookID    string
	httpClient   *http.Client
	now          func() time.Time

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
	tokenGroup  singleflight.Group
}

var _ gateway.Provider = (*Client)(nil)

// New returns a PayPal client. baseURL selects live vs sandbox.
func New(baseURL, clientID, clientSecret, webhookID string) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		webhookID:    webhookID,
		httpClient:   &http.Client{Timeout: 20 * time.Second},
		now:          time.Now,
	}
}

// WithClock overrides the clock. Tests only.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

func (c *Client) Name() string { return models.ProviderPayPal }

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// token returns a cached bearer token, refreshing it via the client-credential
// exchange when it is within the safety margin of expiry. Concurrent callers
// during a refresh share one in-flight token fetch.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.accessToken != "" && c.now().Before(c.tokenExpiry) {
		tok := c.accessToken
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	v, err, _ := c.tokenGroup.Do("token", func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/v1/oauth2/token", strings.NewReader("grant_type=client_credentials"))
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(c.clientID, c.clientSecret)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", gateway.ErrUnavailable, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: token endpoint returned status %d", gateway.ErrUnavailable, resp.StatusCode)
		}

		var tr tokenResponse
		if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
			return nil, fmt.Errorf("%w: %v", gateway.ErrUnavailable, err)
		}

		c.mu.Lock()
		c.accessToken = tr.AccessToken
		c.tokenExpiry = c.now().Add(time.Duration(tr.ExpiresIn)*time.Second - tokenSafetyMargin)
		c.mu.Unlock()
		return tr.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

type amountJSON struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type purchaseUnitJSON struct {
	Amount amountJSON `json:"amount"`
}

type createOrderRequest struct {
	Intent        string             `json:"intent"`
	PurchaseUnits []purchaseUnitJSON `json:"purchase_units"`
}

type linkJSON struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type captureJSON struct {
	ID     string     `json:"id"`
	Status string     `json:"status"`
	Amount amountJSON `json:"amount"`
}

// OrderDetail is PayPal's view of an order, trimmed to the fields the
// reconciliation path reads.
type OrderDetail struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"` // CREATED | APPROVED | COMPLETED | VOIDED
	Links         []linkJSON `json:"links"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []captureJSON `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
	Payer struct {
		EmailAddress string `json:"email_address"`
	} `json:"payer"`
}

// CreateOrder creates a CAPTURE-intent order. The ledger entry id is sent as
// PayPal-Request-Id, so a retried create (client timeout, double submit)
// returns the existing order instead of opening a second charge.
func (c *Client) CreateOrder(ctx context.Context, amount int64, currency, idempotencyKey string) (*gateway.Order, error) {
	body, err := json.Marshal(createOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnitJSON{
			{Amount: amountJSON{CurrencyCode: currency, Value: formatAmount(amount)}},
		},
	})
	if err != nil {
		return nil, err
	}

	var out OrderDetail
	if err := c.call(ctx, http.MethodPost, "/v2/checkout/orders", body, idempotencyKey, &out); err != nil {
		return nil, err
	}

	order := &gateway.Order{ID: out.ID}
	for _, l := range out.Links {
		if l.Rel == "approve" {
			order.ApprovalURL = l.Href
		}
	}
	return order, nil
}

// GetOrder fetches the current order state.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*OrderDetail, error) {
	var out OrderDetail
	if err := c.call(ctx, http.MethodGet, "/v2/checkout/orders/"+orderID, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CaptureOrder converts an approved order into settled funds.
func (c *Client) CaptureOrder(ctx context.Context, orderID string) (*OrderDetail, error) {
	var out OrderDetail
	if err := c.call(ctx, http.MethodPost, "/v2/checkout/orders/"+orderID+"/capture", []byte("{}"), "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Confirm fetches the order and, if the buyer has approved but the funds are
// not yet captured, captures them. The settlement amount comes from the
// capture record, never from the caller.
func (c *Client) Confirm(ctx context.Context, orderID string, _ gateway.Proof) (*gateway.Settlement, error) {
	order, err := c.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if order.Status == "APPROVED" {
		order, err = c.CaptureOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
	}
	if order.Status != "COMPLETED" {
		return nil, fmt.Errorf("%w: order status %q", gateway.ErrNotSettled, order.Status)
	}

	capture, ok := firstCapture(order)
	if !ok {
		return nil, fmt.Errorf("%w: completed order has no capture", gateway.ErrNotSettled)
	}
	amount, err := parseAmount(capture.Amount.Value)
	if err != nil {
		return nil, fmt.Errorf("unparseable capture amount %q: %w", capture.Amount.Value, err)
	}

	return &gateway.Settlement{
		Reference:  capture.ID,
		Amount:     amount,
		Currency:   capture.Amount.CurrencyCode,
		PayerEmail: order.Payer.EmailAddress,
	}, nil
}

type verifyWebhookRequest struct {
	AuthAlgo         string          `json:"auth_algo"`
	CertURL          string          `json:"cert_url"`
	TransmissionID   string          `json:"transmission_id"`
	TransmissionSig  string          `json:"transmission_sig"`
	TransmissionTime string          `json:"transmission_time"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

type verifyWebhookResponse struct {
	VerificationStatus string `json:"verification_status"`
}

// VerifyWebhook asks PayPal's verification endpoint whether the webhook
// delivery is authentic. Returns false on verification failure and an error
// only when the verification call itself could not be made.
func (c *Client) VerifyWebhook(ctx context.Context, headers http.Header, body []byte) (bool, error) {
	payload, err := json.Marshal(verifyWebhookRequest{
		AuthAlgo:         headers.Get("Paypal-Auth-Algo"),
		CertURL:          headers.Get("Paypal-Cert-Url"),
		TransmissionID:   headers.Get("Paypal-Transmission-Id"),
		TransmissionSig:  headers.Get("Paypal-Transmission-Sig"),
		TransmissionTime: headers.Get("Paypal-Transmission-Time"),
		WebhookID:        c.webhookID,
		WebhookEvent:     body,
	})
	if err != nil {
		return false, err
	}

	var out verifyWebhookResponse
	if err := c.call(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", payload, "", &out); err != nil {
		return false, err
	}
	return out.VerificationStatus == "SUCCESS", nil
}

func (c *Client) call(ctx context.Context, method, path string, body []byte, requestID string, out interface{}) error {
	tok, err := c.token(ctx)
	if err != nil {
		return err
	}

	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")
	if requestID != "" {
		req.Header.Set("PayPal-Request-Id", requestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", gateway.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode >= 500 {
		return fmt.Errorf("%w: paypal returned status %d", gateway.ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("paypal request failed with status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func firstCapture(order *OrderDetail) (captureJSON, bool) {
	for _, pu := range order.PurchaseUnits {
		if len(pu.Payments.Captures) > 0 {
			return pu.Payments.Captures[0], true
		}
	}
	return captureJSON{}, false
}

// formatAmount renders minor units as PayPal's decimal string ("1600" paise
// worth of USD cents becomes "16.00").
func formatAmount(minor int64) string {
	return fmt.Sprintf("%d.%02d", minor/100, minor%100)
}

// parseAmount parses a decimal amount string back into minor units.
func parseAmount(s string) (int64, error) {
	var f float64
	if _, err := fmt.Sscanf(s, "%f", &f); err != nil {
		return 0, err
	}
	return int64(math.Round(f * 100)), nil
}
