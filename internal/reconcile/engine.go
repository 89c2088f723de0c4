// Package reconcile is the payment reconciliation engine: it opens ledger
// rows, links them to remote gateway orders, and on capture re-verifies with
// the gateway before granting entitlement exactly once.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inkread/backend/internal/gateway"
	"github.com/inkread/backend/internal/models"
	"github.com/inkread/backend/internal/pricing"
)

// amountTolerance is the largest acceptable difference, in minor units,
// between the gateway-reported captured amount and the ledger's expected
// amount. Anything beyond it is a critical failure.
const amountTolerance = 1

var (
	// ErrAlreadyOwned rejects a complete-pack purchase by a user whose tier
	// is already complete. Raised before any gateway call.
	ErrAlreadyOwned = errors.New("complete pack already owned")

	// ErrInvalidPurchase covers malformed purchase intents.
	ErrInvalidPurchase = errors.New("invalid purchase request")

	// ErrAmountMismatch means the captured amount disagrees with the ledger
	// beyond tolerance. The row is marked failed and entitlement is never
	// granted.
	ErrAmountMismatch = errors.New("captured amount does not match expected amount")

	// ErrPurchaseFailed means the ledger row already reached failed.
	ErrPurchaseFailed = errors.New("purchase already failed")
)

// Ledger is the slice of the purchase ledger the engine drives.
type Ledger interface {
	Create(ctx context.Context, p *models.Purchase) error
	GetByGatewayOrderID(ctx context.Context, provider, gatewayOrderID string) (*models.Purchase, error)
	GetByGatewayOrderIDAndUser(ctx context.Context, provider, gatewayOrderID string, userID uuid.UUID) (*models.Purchase, error)
	MarkCompleted(ctx context.Context, tx pgx.Tx, id uuid.UUID, gatewayReference string, verifiedAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) (bool, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Purchase, error)
}

// Pricer quotes purchase intents.
type Pricer interface {
	PriceComplete(ctx context.Context, currency string) (*pricing.Quote, error)
	PriceCustom(ctx context.Context, chapters, owned []int32, currency string) (*pricing.Quote, error)
}

// Granter applies entitlement within the completion transaction.
type Granter interface {
	Grant(ctx context.Context, tx pgx.Tx, p *models.Purchase) error
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Engine is the reconciliation orchestrator. It holds one Provider per
// gateway as a capability; nothing downstream branches on provider strings.
type Engine struct {
	pool     TxBeginner
	ledger   Ledger
	pricer   Pricer
	granter  Granter
	domestic gateway.Provider
	intl     gateway.Provider
	log      *slog.Logger
	now      func() time.Time
}

// NewEngine wires the engine. domestic handles the base currency; everything
// else is routed to the international provider.
func NewEngine(pool TxBeginner, l Ledger, p Pricer, g Granter, domestic, intl gateway.Provider, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		pool:     pool,
		ledger:   l,
		pricer:   p,
		granter:  g,
		domestic: domestic,
		intl:     intl,
		log:      log,
		now:      time.Now,
	}
}

// WithClock overrides the clock. Tests only.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// CreateRequest is a purchase intent from the checkout UI.
type CreateRequest struct {
	PurchaseType string
	Chapters     []int32
	Currency     string
}

// CreateResult links the caller to the remote order it must now pay.
type CreateResult struct {
	PurchaseID     uuid.UUID
	GatewayOrderID string
	Provider       string
	Amount         int64
	Currency       string
	ApprovalURL    string
}

// CreatePurchase prices the intent, creates the remote gateway order with the
// ledger id as idempotency key, and persists the pending ledger row with the
// remote order linked. If order creation fails nothing is persisted; a
// pending row without a remote order must never exist.
func (e *Engine) CreatePurchase(ctx context.Context, user *models.User, req CreateRequest) (*CreateResult, error) {
	var quote *pricing.Quote
	var err error

	switch req.PurchaseType {
	case models.PurchaseTypeComplete:
		if user.Tier == models.TierComplete {
			return nil, ErrAlreadyOwned
		}
		quote, err = e.pricer.PriceComplete(ctx, req.Currency)
	case models.PurchaseTypeCustom:
		if len(req.Chapters) == 0 {
			return nil, fmt.Errorf("%w: no chapters selected", ErrInvalidPurchase)
		}
		quote, err = e.pricer.PriceCustom(ctx, req.Chapters, user.OwnedChapters, req.Currency)
	default:
		return nil, fmt.Errorf("%w: unknown purchase type %q", ErrInvalidPurchase, req.PurchaseType)
	}
	if err != nil {
		return nil, err
	}

	provider := e.providerFor(quote.Currency)
	purchaseID := uuid.New()

	order, err := provider.CreateOrder(ctx, quote.Amount, quote.Currency, purchaseID.String())
	if err != nil {
		return nil, err
	}

	p := &models.Purchase{
		ID:           purchaseID,
		UserID:       user.ID,
		PurchaseType: req.PurchaseType,
		PurchaseData: models.PurchaseData{
			ExpectedAmount: quote.Amount,
			Currency:       quote.Currency,
			BaseAmount:     quote.BaseAmount,
			BaseCurrency:   quote.BaseCurrency,
		},
		Amount:          quote.Amount,
		Currency:        quote.Currency,
		GatewayOrderID:  &order.ID,
		Status:          models.PurchaseStatusPending,
		PaymentProvider: provider.Name(),
	}
	if req.PurchaseType == models.PurchaseTypeComplete {
		p.PurchaseData.Tier = models.TierComplete
	} else {
		p.PurchaseData.Chapters = quote.Chapters
		p.PurchaseData.ChapterCount = len(quote.Chapters)
		p.PurchaseData.PricePerChapter = quote.PricePerChapter
	}

	if err := e.ledger.Create(ctx, p); err != nil {
		// The remote order exists but was never linked to a pending row; it
		// will simply expire at the gateway unpaid.
		return nil, err
	}

	e.log.Info("purchase order created",
		"purchase_id", purchaseID, "provider", provider.Name(),
		"gateway_order_id", order.ID, "amount", quote.Amount, "currency", quote.Currency)

	return &CreateResult{
		PurchaseID:     purchaseID,
		GatewayOrderID: order.ID,
		Provider:       provider.Name(),
		Amount:         quote.Amount,
		Currency:       quote.Currency,
		ApprovalURL:    order.ApprovalURL,
	}, nil
}

// CaptureResult is what the checkout UI displays after a capture attempt.
type CaptureResult struct {
	PurchaseID       uuid.UUID
	AlreadyCompleted bool
	Tier             string
	ChaptersUnlocked []int32
	PayerEmail       string
}

// Capture settles a client-reported completion. The caller must own the
// ledger row; everything else is identical to CaptureFromWebhook.
func (e *Engine) Capture(ctx context.Context, userID uuid.UUID, provider, gatewayOrderID string, proof gateway.Proof) (*CaptureResult, error) {
	p, err := e.ledger.GetByGatewayOrderIDAndUser(ctx, provider, gatewayOrderID, userID)
	if err != nil {
		return nil, err
	}
	return e.settle(ctx, p, proof)
}

// CaptureFromWebhook settles a gateway-delivered capture event. Webhooks carry
// no user identity; the ledger row supplies it.
func (e *Engine) CaptureFromWebhook(ctx context.Context, provider, gatewayOrderID string) (*CaptureResult, error) {
	p, err := e.ledger.GetByGatewayOrderID(ctx, provider, gatewayOrderID)
	if err != nil {
		return nil, err
	}
	return e.settle(ctx, p, gateway.Proof{})
}

// settle drives one pending ledger row through gateway verification to a
// terminal status.
func (e *Engine) settle(ctx context.Context, p *models.Purchase, proof gateway.Proof) (*CaptureResult, error) {
	switch p.Status {
	case models.PurchaseStatusCompleted:
		// Idempotent capture: return the prior result without re-granting.
		return resultFor(p, true), nil
	case models.PurchaseStatusFailed:
		return nil, ErrPurchaseFailed
	}

	provider := e.providerByName(p.PaymentProvider)
	if provider == nil {
		return nil, fmt.Errorf("no provider registered for %q", p.PaymentProvider)
	}

	settlement, err := provider.Confirm(ctx, *p.GatewayOrderID, proof)
	if err != nil {
		if errors.Is(err, gateway.ErrVerificationFailed) {
			// Security event. The row stays pending so a legitimate
			// callback can still settle it.
			e.log.Error("payment verification failed",
				"purchase_id", p.ID, "provider", p.PaymentProvider,
				"gateway_order_id", *p.GatewayOrderID)
		}
		return nil, err
	}

	if diff := settlement.Amount - p.Amount; diff > amountTolerance || diff < -amountTolerance {
		e.log.Error("CRITICAL: captured amount mismatch",
			"purchase_id", p.ID, "expected", p.Amount, "captured", settlement.Amount,
			"currency", p.Currency, "provider", p.PaymentProvider)
		if _, ferr := e.ledger.MarkFailed(ctx, p.ID,
			fmt.Sprintf("amount mismatch: expected %d, captured %d", p.Amount, settlement.Amount)); ferr != nil {
			e.log.Error("failed to mark mismatched purchase failed", "purchase_id", p.ID, "error", ferr)
		}
		return nil, ErrAmountMismatch
	}

	// Completion and entitlement grant commit atomically: a crash between
	// "gateway confirmed" and "entitlement recorded" rolls both back and the
	// row stays pending for the next capture attempt.
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	won, err := e.ledger.MarkCompleted(ctx, tx, p.ID, settlement.Reference, e.now())
	if err != nil {
		return nil, err
	}
	if !won {
		// A concurrent capture got there first. Its grant already happened.
		return resultFor(p, true), nil
	}

	if err := e.granter.Grant(ctx, tx, p); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	e.log.Info("purchase completed",
		"purchase_id", p.ID, "provider", p.PaymentProvider,
		"gateway_reference", settlement.Reference, "amount", settlement.Amount)

	res := resultFor(p, false)
	res.PayerEmail = settlement.PayerEmail
	return res, nil
}

// ListPurchases returns the caller's ledger rows, newest first.
func (e *Engine) ListPurchases(ctx context.Context, userID uuid.UUID) ([]*models.Purchase, error) {
	return e.ledger.ListByUser(ctx, userID)
}

func (e *Engine) providerFor(currency string) gateway.Provider {
	if currency == pricing.BaseCurrency {
		return e.domestic
	}
	return e.intl
}

func (e *Engine) providerByName(name string) gateway.Provider {
	switch name {
	case e.domestic.Name():
		return e.domestic
	case e.intl.Name():
		return e.intl
	}
	return nil
}

func resultFor(p *models.Purchase, already bool) *CaptureResult {
	res := &CaptureResult{PurchaseID: p.ID, AlreadyCompleted: already}
	if p.PurchaseType == models.PurchaseTypeComplete {
		res.Tier = models.TierComplete
	} else {
		res.ChaptersUnlocked = p.PurchaseData.Chapters
	}
	return res
}
