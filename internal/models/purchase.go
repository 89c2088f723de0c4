package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Purchase status enum. Transitions are one-directional: pending is the only
// non-terminal state, and every status update is guarded by WHERE status='pending'.
const (
	PurchaseStatusPending   = "pending"
	PurchaseStatusCompleted = "completed"
	PurchaseStatusFailed    = "failed"
)

// Purchase type enum.
const (
	PurchaseTypeComplete = "complete"
	PurchaseTypeCustom   = "custom"
)

// Payment provider tags.
const (
	ProviderRazorpay = "razorpay"
	ProviderPayPal   = "paypal"
)

// PurchaseData is the entitlement payload stored on the ledger row. For a
// complete-pack purchase only Tier is set; for a custom bundle Chapters,
// ChapterCount and PricePerChapter are set. ExpectedAmount/Currency record what
// the gateway was asked to charge; BaseAmount/BaseCurrency record the same
// charge in the currency of record (INR), independent of what the buyer saw.
type PurchaseData struct {
	Tier            string  `json:"tier,omitempty"`
	Chapters        []int32 `json:"chapters,omitempty"`
	ChapterCount    int     `json:"chapter_count,omitempty"`
	PricePerChapter int64   `json:"price_per_chapter,omitempty"`
	ExpectedAmount  int64   `json:"expected_amount"`
	Currency        string  `json:"currency"`
	BaseAmount      int64   `json:"base_amount"`
	BaseCurrency    string  `json:"base_currency"`
}

// Purchase is one row of the purchase ledger: the persisted record of a single
// purchase attempt, end to end. Rows are created at purchase-intent time with
// the gateway order already linked, mutated exactly once more (to a terminal
// status), and never deleted.
type Purchase struct {
	ID               uuid.UUID    `json:"id"`
	UserID           uuid.UUID    `json:"user_id"`
	PurchaseType     string       `json:"purchase_type"`
	PurchaseData     PurchaseData `json:"purchase_data"`
	Amount           int64        `json:"amount"`
	Currency         string       `json:"currency"`
	GatewayOrderID   *string      `json:"gateway_order_id,omitempty"`
	GatewayReference *string      `json:"gateway_reference,omitempty"`
	Status           string       `json:"status"`
	PaymentProvider  string       `json:"payment_provider"`
	FailureReason    *string      `json:"failure_reason,omitempty"`
	VerifiedAt       *time.Time   `json:"verified_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// DataJSON marshals the purchase payload for the jsonb column.
func (p *Purchase) DataJSON() ([]byte, error) {
	return json.Marshal(p.PurchaseData)
}
