package fx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newUpstream(t *testing.T, hits *atomic.Int64, body string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func TestGetRates_CachesWithinTTL(t *testing.T) {
	var hits atomic.Int64
	srv := newUpstream(t, &hits, `{"rates":{"USD":0.012,"EUR":0.011}}`, http.StatusOK)
	defer srv.Close()

	now := time.Now()
	svc := NewService(srv.URL, nil).WithClock(func() time.Time { return now })

	ctx := context.Background()
	if _, err := svc.GetRates(ctx, "INR"); err != nil {
		t.Fatalf("first GetRates: %v", err)
	}
	if _, err := svc.GetRates(ctx, "INR"); err != nil {
		t.Fatalf("second GetRates: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("upstream hits: got %d, want 1 (cache should serve the second call)", hits.Load())
	}

	// Past the TTL the table refreshes.
	now = now.Add(cacheTTL + time.Minute)
	if _, err := svc.GetRates(ctx, "INR"); err != nil {
		t.Fatalf("post-TTL GetRates: %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("upstream hits after TTL: got %d, want 2", hits.Load())
	}
}

func TestGetRates_FallbackOnUpstreamFailure(t *testing.T) {
	srv := newUpstream(t, nil, `oops`, http.StatusInternalServerError)
	defer srv.Close()

	svc := NewService(srv.URL, nil)
	table, err := svc.GetRates(context.Background(), "INR")
	if err != nil {
		t.Fatalf("GetRates must degrade, not fail: %v", err)
	}
	if !table.Fallback {
		t.Error("table should be marked as fallback")
	}
	if table.Rates["USD"] == 0 {
		t.Error("fallback table should carry USD")
	}
}

func TestGetRates_FallbackNotCached(t *testing.T) {
	var hits atomic.Int64
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"rates":{"USD":0.0125}}`))
	}))
	defer srv.Close()

	svc := NewService(srv.URL, nil)
	ctx := context.Background()

	if table, _ := svc.GetRates(ctx, "INR"); !table.Fallback {
		t.Fatal("expected fallback table while upstream is down")
	}

	// Upstream recovers; the next call must retry instead of serving the
	// degraded snapshot.
	fail.Store(false)
	table, err := svc.GetRates(ctx, "INR")
	if err != nil {
		t.Fatalf("GetRates after recovery: %v", err)
	}
	if table.Fallback {
		t.Error("recovered fetch should replace the fallback table")
	}
	if table.Rates["USD"] != 0.0125 {
		t.Errorf("rate: got %v, want fresh 0.0125", table.Rates["USD"])
	}
}

func TestGetRates_ConcurrentMissesShareOneFetch(t *testing.T) {
	var hits atomic.Int64
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write([]byte(`{"rates":{"USD":0.012}}`))
	}))
	defer srv.Close()

	svc := NewService(srv.URL, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.GetRates(ctx, "INR")
		}()
	}
	// Give the goroutines a moment to pile onto the singleflight group.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if hits.Load() != 1 {
		t.Errorf("upstream hits: got %d, want 1 shared fetch", hits.Load())
	}
}

func TestConvert_Identity(t *testing.T) {
	svc := NewService("http://127.0.0.1:0", nil) // never contacted
	got, err := svc.Convert(context.Background(), 29900, "INR", "inr")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if got.Converted != 29900 || got.Rate != 1 {
		t.Errorf("identity conversion: got %+v", got)
	}
}

func TestConvert_RoundsUp(t *testing.T) {
	srv := newUpstream(t, nil, `{"rates":{"USD":0.012}}`, http.StatusOK)
	defer srv.Close()

	svc := NewService(srv.URL, nil)
	got, err := svc.Convert(context.Background(), 29900, "INR", "USD")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	// 29900 * 0.012 = 358.8; a converted price never undercharges.
	if got.Converted != 359 {
		t.Errorf("converted: got %d, want 359", got.Converted)
	}
}

func TestConvert_UnknownCurrency(t *testing.T) {
	srv := newUpstream(t, nil, `{"rates":{"USD":0.012}}`, http.StatusOK)
	defer srv.Close()

	svc := NewService(srv.URL, nil)
	_, err := svc.Convert(context.Background(), 1000, "INR", "XXX")
	if !errors.Is(err, ErrUnknownCurrency) {
		t.Fatalf("expected ErrUnknownCurrency, got %v", err)
	}
}

func TestConvert_CrossRateFromFallback(t *testing.T) {
	srv := newUpstream(t, nil, `down`, http.StatusServiceUnavailable)
	defer srv.Close()

	svc := NewService(srv.URL, nil)
	// Fallback table is INR-based; USD->EUR must derive the cross rate.
	got, err := svc.Convert(context.Background(), 1200, "USD", "EUR")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	// 0.011/0.012 = 0.91666..; 1200 * that is 1100, give or take the
	// round-up on the floating-point cross rate.
	if got.Converted < 1100 || got.Converted > 1101 {
		t.Errorf("cross-rate conversion: got %d, want ~1100", got.Converted)
	}
}
