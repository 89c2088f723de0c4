package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inkread/backend/internal/models"
)

// ErrNotFound is returned when no ledger row matches the lookup.
var ErrNotFound = errors.New("purchase not found")

const purchaseColumns = `
	id, user_id, purchase_type, purchase_data, amount, currency,
	gateway_order_id, gateway_reference, status, payment_provider,
	failure_reason, verified_at, created_at, updated_at`

// Repository persists purchase ledger rows. Every status transition out of
// pending goes through a conditional UPDATE so concurrent writers race
// harmlessly: the loser affects zero rows.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a pending ledger row. The gateway order id must already be
// linked; a pending row without a remote order is not a valid state.
func (r *Repository) Create(ctx context.Context, p *models.Purchase) error {
	data, err := p.DataJSON()
	if err != nil {
		return err
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO purchases (id, user_id, purchase_type, purchase_data, amount, currency, gateway_order_id, status, payment_provider)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8)
		RETURNING created_at, updated_at
	`, p.ID, p.UserID, p.PurchaseType, data, p.Amount, p.Currency, p.GatewayOrderID, p.PaymentProvider).Scan(&p.CreatedAt, &p.UpdatedAt)
}

// GetByGatewayOrderID looks up the row a gateway callback refers to.
func (r *Repository) GetByGatewayOrderID(ctx context.Context, provider, gatewayOrderID string) (*models.Purchase, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+purchaseColumns+`
		FROM purchases WHERE payment_provider = $1 AND gateway_order_id = $2
	`, provider, gatewayOrderID)
	return scanPurchase(row)
}

// GetByGatewayOrderIDAndUser is the client-capture lookup: the caller must own
// the purchase it is trying to settle.
func (r *Repository) GetByGatewayOrderIDAndUser(ctx context.Context, provider, gatewayOrderID string, userID uuid.UUID) (*models.Purchase, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+purchaseColumns+`
		FROM purchases WHERE payment_provider = $1 AND gateway_order_id = $2 AND user_id = $3
	`, provider, gatewayOrderID, userID)
	return scanPurchase(row)
}

// MarkCompleted transitions pending → completed inside the caller's
// transaction. Returns false when the row was no longer pending, which is how
// the loser of a duplicate-verification race finds out.
func (r *Repository) MarkCompleted(ctx context.Context, tx pgx.Tx, id uuid.UUID, gatewayReference string, verifiedAt time.Time) (bool, error) {
	res, err := tx.Exec(ctx, `
		UPDATE purchases
		SET status = 'completed', gateway_reference = $2, verified_at = $3, updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, id, gatewayReference, verifiedAt)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// MarkFailed transitions pending → failed with a reason. Same guard as
// MarkCompleted; a row that already reached a terminal state is left alone.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	res, err := r.pool.Exec(ctx, `
		UPDATE purchases
		SET status = 'failed', failure_reason = $2, updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, id, reason)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// FailStale marks pending rows older than the cutoff as failed. Called by the
// sweeper; abandoned checkouts otherwise stay pending forever.
func (r *Repository) FailStale(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.pool.Exec(ctx, `
		UPDATE purchases
		SET status = 'failed', failure_reason = 'stale pending purchase', updated_at = now()
		WHERE status = 'pending' AND created_at < $1
	`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

// ListByUser returns the user's purchase history, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Purchase, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+purchaseColumns+`
		FROM purchases WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

func scanPurchase(row pgx.Row) (*models.Purchase, error) {
	var p models.Purchase
	var data []byte
	err := row.Scan(&p.ID, &p.UserID, &p.PurchaseType, &data, &p.Amount, &p.Currency,
		&p.GatewayOrderID, &p.GatewayReference, &p.Status, &p.PaymentProvider,
		&p.FailureReason, &p.VerifiedAt, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &p.PurchaseData); err != nil {
		return nil, err
	}
	return &p, nil
}
