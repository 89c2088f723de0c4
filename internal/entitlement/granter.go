package entitlement

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inkread/backend/internal/models"
)

// UserStore is the slice of the user repository the granter mutates.
type UserStore interface {
	SetTier(ctx context.Context, tx pgx.Tx, id uuid.UUID, tier string) error
	AddOwnedChapters(ctx context.Context, tx pgx.Tx, id uuid.UUID, chapters []int32) error
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.User, error)
	SetOwnedChapters(ctx context.Context, tx pgx.Tx, id uuid.UUID, chapters []int32) error
}

// Granter applies a completed purchase to the user's access record. It only
// ever widens access: tier upgrades and chapter-set unions, never removals.
type Granter struct {
	users UserStore

	// UseAtomicUnion selects the single-statement array union. When off, the
	// grant falls back to read-union-write under a row lock, which stays
	// race-free because it runs inside the engine's transaction.
	UseAtomicUnion bool
}

func NewGranter(users UserStore) *Granter {
	return &Granter{users: users, UseAtomicUnion: true}
}

// Grant applies the purchase's entitlement payload within the caller's
// transaction. Must only be called for a purchase whose completion was just
// recorded in the same transaction.
func (g *Granter) Grant(ctx context.Context, tx pgx.Tx, p *models.Purchase) error {
	switch p.PurchaseType {
	case models.PurchaseTypeComplete:
		return g.users.SetTier(ctx, tx, p.UserID, models.TierComplete)
	case models.PurchaseTypeCustom:
		if len(p.PurchaseData.Chapters) == 0 {
			return fmt.Errorf("custom purchase %s has no chapters to grant", p.ID)
		}
		if g.UseAtomicUnion {
			return g.users.AddOwnedChapters(ctx, tx, p.UserID, p.PurchaseData.Chapters)
		}
		return g.grantLocked(ctx, tx, p.UserID, p.PurchaseData.Chapters)
	default:
		return fmt.Errorf("unknown purchase type %q", p.PurchaseType)
	}
}

// grantLocked is the compatibility path: lock the row, union in memory, write
// the merged set back.
func (g *Granter) grantLocked(ctx context.Context, tx pgx.Tx, userID uuid.UUID, chapters []int32) error {
	u, err := g.users.GetByIDForUpdate(ctx, tx, userID)
	if err != nil {
		return err
	}
	merged := unionChapters(u.OwnedChapters, chapters)
	return g.users.SetOwnedChapters(ctx, tx, userID, merged)
}

func unionChapters(a, b []int32) []int32 {
	set := make(map[int32]bool, len(a)+len(b))
	for _, c := range a {
		set[c] = true
	}
	for _, c := range b {
		set[c] = true
	}
	out := make([]int32, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
