package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/inkread/backend/internal/fx"
)

// BaseCurrency is the currency of record. Every quote carries the base-currency
// amount alongside the charged amount so reconciliation can always compare
// against a stable figure.
const BaseCurrency = "INR"

// ErrInsufficientSelection is returned when, after filtering owned, free and
// out-of-range chapters, fewer than the configured minimum remain.
var ErrInsufficientSelection = errors.New("not enough purchasable chapters selected")

// Converter is the slice of the fx service the resolver needs.
type Converter interface {
	Convert(ctx context.Context, amount int64, from, to string) (*fx.ConvertedAmount, error)
}

// Quote is a priced purchase intent in the buyer's currency.
type Quote struct {
	Amount          int64
	Currency        string
	BaseAmount      int64
	BaseCurrency    string
	Chapters        []int32
	PricePerChapter int64
}

// Resolver computes charge amounts in minor units. It is a pure function over
// the caller-supplied ownership state; it never touches the database.
type Resolver struct {
	fx Converter

	CompletePackPrice int64 // paise
	PerChapterPrice   int64 // paise
	MinCustomChapters int
	FreeChapterLimit  int32
	TotalChapters     int32
}

// NewResolver returns a resolver with the given catalog bounds and prices.
func NewResolver(converter Converter, completePrice, perChapter int64, minCustom int, freeLimit, total int32) *Resolver {
	return &Resolver{
		fx:                converter,
		CompletePackPrice: completePrice,
		PerChapterPrice:   perChapter,
		MinCustomChapters: minCustom,
		FreeChapterLimit:  freeLimit,
		TotalChapters:     total,
	}
}

// PriceComplete quotes the complete pack in the target currency.
func (r *Resolver) PriceComplete(ctx context.Context, currency string) (*Quote, error) {
	return r.quote(ctx, r.CompletePackPrice, currency, nil)
}

// PriceCustom quotes a custom chapter bundle. Chapter ids the user already
// owns, free chapters, and ids outside the catalog are dropped before pricing;
// the remainder must meet the minimum bundle size.
func (r *Resolver) PriceCustom(ctx context.Context, chapters []int32, owned []int32, currency string) (*Quote, error) {
	ownedSet := make(map[int32]bool, len(owned))
	for _, c := range owned {
		ownedSet[c] = true
	}

	seen := make(map[int32]bool, len(chapters))
	var billable []int32
	for _, c := range chapters {
		if seen[c] {
			continue
		}
		seen[c] = true
		if c <= r.FreeChapterLimit || c > r.TotalChapters || ownedSet[c] {
			continue
		}
		billable = append(billable, c)
	}

	if len(billable) < r.MinCustomChapters {
		return nil, fmt.Errorf("%w: %d selected, minimum %d", ErrInsufficientSelection, len(billable), r.MinCustomChapters)
	}

	base := int64(len(billable)) * r.PerChapterPrice
	return r.quote(ctx, base, currency, billable)
}

func (r *Resolver) quote(ctx context.Context, baseAmount int64, currency string, chapters []int32) (*Quote, error) {
	currency = strings.ToUpper(currency)
	if currency == "" {
		currency = BaseCurrency
	}

	q := &Quote{
		Amount:          baseAmount,
		Currency:        currency,
		BaseAmount:      baseAmount,
		BaseCurrency:    BaseCurrency,
		Chapters:        chapters,
		PricePerChapter: r.PerChapterPrice,
	}
	if currency == BaseCurrency {
		return q, nil
	}

	conv, err := r.fx.Convert(ctx, baseAmount, BaseCurrency, currency)
	if err != nil {
		return nil, err
	}
	q.Amount = conv.Converted
	return q, nil
}
