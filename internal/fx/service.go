package fx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const cacheTTL = time.Hour

// fallbackBase is the base currency of the static fallback table.
const fallbackBase = "INR"

// fallbackRates is the static table used when the upstream rate provider is
// down or slow. Rates are relative to INR. Pricing must never hard-fail just
// because the rate provider is unavailable.
var fallbackRates = map[string]float64{
	"INR": 1,
	"USD": 0.012,
	"EUR": 0.011,
	"GBP": 0.0095,
	"AUD": 0.018,
	"CAD": 0.016,
	"SGD": 0.016,
	"AED": 0.044,
}

// ErrUnknownCurrency is returned by Convert when a currency is missing from
// both the fetched and the fallback table.
var ErrUnknownCurrency = errors.New("unknown currency")

// RateTable is a snapshot of exchange rates relative to Base.
type RateTable struct {
	Base      string
	Rates     map[string]float64
	FetchedAt time.Time
	Fallback  bool
}

// ConvertedAmount is the result of a minor-unit currency conversion.
type ConvertedAmount struct {
	Original  int64
	Converted int64
	Rate      float64
}

// Service fetches and caches exchange rates. The cache is process-wide with a
// one-hour TTL; concurrent misses share a single in-flight upstream fetch.
type Service struct {
	baseURL string
	client  *http.Client
	now     func() time.Time
	log     *slog.Logger

	mu     sync.Mutex
	cached *RateTable
	group  singleflight.Group
}

// NewService returns a rate service talking to an open.er-api.com style
// endpoint (GET {baseURL}/{base} returning {"rates": {...}}).
func NewService(baseURL string, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		now:     time.Now,
		log:     log,
	}
}

// WithClock overrides the clock. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithHTTPClient overrides the upstream HTTP client.
func (s *Service) WithHTTPClient(c *http.Client) *Service {
	s.client = c
	return s
}

// GetRates returns the current rate table for the base currency. A cached
// table younger than the TTL is served directly; otherwise one fetch runs and
// concurrent callers wait on it. Upstream failure degrades to the static
// fallback table, never to an error.
func (s *Service) GetRates(ctx context.Context, base string) (*RateTable, error) {
	base = strings.ToUpper(base)

	s.mu.Lock()
	if t := s.cached; t != nil && t.Base == base && s.now().Sub(t.FetchedAt) < cacheTTL && !t.Fallback {
		s.mu.Unlock()
		return t, nil
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do("rates:"+base, func() (interface{}, error) {
		t, err := s.fetch(ctx, base)
		if err != nil {
			// The static table is INR-relative regardless of the requested
			// base; Convert derives cross rates from it.
			s.log.Warn("rate fetch failed, using fallback table", "base", base, "error", err)
			return &RateTable{Base: fallbackBase, Rates: fallbackRates, FetchedAt: s.now(), Fallback: true}, nil
		}
		s.mu.Lock()
		s.cached = t
		s.mu.Unlock()
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*RateTable), nil
}

// Convert converts a minor-unit amount between currencies, rounding up so a
// converted price never undercharges. Same-currency conversion is identity and
// never consults the cache.
func (s *Service) Convert(ctx context.Context, amount int64, from, to string) (*ConvertedAmount, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return &ConvertedAmount{Original: amount, Converted: amount, Rate: 1}, nil
	}

	table, err := s.GetRates(ctx, from)
	if err != nil {
		return nil, err
	}
	rate, ok := table.Rates[to]
	if !ok || rate <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCurrency, to)
	}
	// table is relative to `from` when fetched with that base; when the
	// fallback table (INR base) is in play, re-derive the cross rate.
	if table.Base != from {
		fromRate, ok := table.Rates[from]
		if !ok || fromRate <= 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCurrency, from)
		}
		rate = rate / fromRate
	}

	converted := int64(float64(amount) * rate)
	if float64(converted) < float64(amount)*rate {
		converted++ // round up to the next minor unit
	}
	return &ConvertedAmount{Original: amount, Converted: converted, Rate: rate}, nil
}

type ratesResponse struct {
	Rates map[string]float64 `json:"rates"`
}

func (s *Service) fetch(ctx context.Context, base string) (*RateTable, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/"+base, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rate provider returned status %d", resp.StatusCode)
	}
	var body ratesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if len(body.Rates) == 0 {
		return nil, errors.New("rate provider returned empty table")
	}
	return &RateTable{Base: base, Rates: body.Rates, FetchedAt: s.now()}, nil
}
