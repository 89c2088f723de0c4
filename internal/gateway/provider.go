package gateway

import (
	"context"
	"errors"
)

// Sentinel errors shared by all provider implementations so the reconciliation
// engine can branch uniformly without knowing which gateway it is talking to.
var (
	// ErrUnavailable wraps network or auth failures talking to a gateway.
	// Retryable from the caller's point of view; adapters never retry.
	ErrUnavailable = errors.New("payment gateway unavailable")

	// ErrVerificationFailed means a signature or webhook failed cryptographic
	// verification. Fatal, never retried, logged as a security event.
	ErrVerificationFailed = errors.New("payment verification failed")

	// ErrNotSettled means the gateway reports the order as not (yet) paid.
	ErrNotSettled = errors.New("payment not settled")
)

// Order is the result of creating a remote order.
type Order struct {
	ID string
	// ApprovalURL is set by providers whose checkout requires a redirect
	// (the buyer approves the order on the gateway's site).
	ApprovalURL string
}

// Proof is the client-supplied evidence of completion. The domestic gateway's
// checkout widget hands the client a payment id and an HMAC signature; the
// international gateway needs nothing beyond the order id because settlement
// is confirmed server-side.
type Proof struct {
	PaymentID string
	Signature string
}

// Settlement is the gateway's authoritative account of a captured payment.
type Settlement struct {
	Reference  string // payment/capture id at the gateway
	Amount     int64  // captured amount, minor units
	Currency   string
	PayerEmail string
}

// Provider wraps one external payment gateway behind a uniform capability.
// Amount and currency are opaque to the provider: it never reprices.
type Provider interface {
	Name() string

	// CreateOrder creates a remote order. idempotencyKey is the ledger entry
	// id; a retried call with the same key must return the same remote order
	// rather than creating a duplicate charge.
	CreateOrder(ctx context.Context, amount int64, currency, idempotencyKey string) (*Order, error)

	// Confirm re-establishes from the gateway itself that the order was paid,
	// verifying any caller-supplied proof first. It never trusts the caller's
	// claim of success alone.
	Confirm(ctx context.Context, orderID string, proof Proof) (*Settlement, error)
}
