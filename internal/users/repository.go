package users

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inkread/backend/internal/models"
)

// ErrNotFound is returned when no user matches the lookup.
var ErrNotFound = errors.New("user not found")

const userColumns = `id, email, display_name, password_hash, tier, owned_chapters, created_at, updated_at`

// Repository is the user store: the entitlement boundary the reconciliation
// core mutates. Chapter ownership lives in an int[] column.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Create(ctx context.Context, u *models.User) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, tier, owned_chapters)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, u.ID, u.Email, u.DisplayName, u.PasswordHash, u.Tier, u.OwnedChapters).Scan(&u.CreatedAt, &u.UpdatedAt)
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (r *Repository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

// SetTier upgrades the user's access tier inside the caller's transaction.
func (r *Repository) SetTier(ctx context.Context, tx pgx.Tx, id uuid.UUID, tier string) error {
	_, err := tx.Exec(ctx, `UPDATE users SET tier = $2, updated_at = now() WHERE id = $1`, id, tier)
	return err
}

// AddOwnedChapters unions chapter ids into owned_chapters with a single
// server-side statement: existing ownership is never lost and duplicates
// collapse, so the column only ever grows.
func (r *Repository) AddOwnedChapters(ctx context.Context, tx pgx.Tx, id uuid.UUID, chapters []int32) error {
	_, err := tx.Exec(ctx, `
		UPDATE users
		SET owned_chapters = ARRAY(SELECT DISTINCT unnest(owned_chapters || $2::int[]) ORDER BY 1),
		    updated_at = now()
		WHERE id = $1
	`, id, chapters)
	return err
}

// GetByIDForUpdate locks the user row. Used by the read-union-write grant
// path; the lock makes the union race-free within the transaction.
func (r *Repository) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.User, error) {
	return scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
}

// SetOwnedChapters overwrites the owned set. Only valid after
// GetByIDForUpdate in the same transaction.
func (r *Repository) SetOwnedChapters(ctx context.Context, tx pgx.Tx, id uuid.UUID, chapters []int32) error {
	_, err := tx.Exec(ctx, `UPDATE users SET owned_chapters = $2, updated_at = now() WHERE id = $1`, id, chapters)
	return err
}

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &u.Tier, &u.OwnedChapters, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
