package config

import (
	"testing"
	"time"
)

func setRequiredCreds(t *testing.T) {
	t.Helper()
	t.Setenv("RAZORPAY_KEY_ID", "rzp_test")
	t.Setenv("RAZORPAY_KEY_SECRET", "rzp_secret")
	t.Setenv("PAYPAL_CLIENT_ID", "pp_client")
	t.Setenv("PAYPAL_CLIENT_SECRET", "pp_secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredCreds(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("port: got %s", cfg.Port)
	}
	if cfg.FreeChapterLimit != 40 || cfg.TotalChapters != 120 {
		t.Errorf("catalog bounds: got %d/%d", cfg.FreeChapterLimit, cfg.TotalChapters)
	}
	if cfg.CompletePackPricePaise != 29900 || cfg.PerChapterPricePaise != 800 {
		t.Errorf("prices: got %d/%d", cfg.CompletePackPricePaise, cfg.PerChapterPricePaise)
	}
	if cfg.StalePendingAfter != 24*time.Hour {
		t.Errorf("stale cutoff: got %v", cfg.StalePendingAfter)
	}
}

func TestLoad_Overrides(t *testing.T) {
	setRequiredCreds(t)
	t.Setenv("PER_CHAPTER_PRICE_PAISE", "1000")
	t.Setenv("STALE_PENDING_AFTER", "6h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PerChapterPricePaise != 1000 {
		t.Errorf("per-chapter price: got %d", cfg.PerChapterPricePaise)
	}
	if cfg.StalePendingAfter != 6*time.Hour {
		t.Errorf("stale cutoff: got %v", cfg.StalePendingAfter)
	}
}

func TestLoad_MissingGatewayCreds(t *testing.T) {
	t.Setenv("RAZORPAY_KEY_ID", "")
	t.Setenv("RAZORPAY_KEY_SECRET", "")
	t.Setenv("PAYPAL_CLIENT_ID", "pp_client")
	t.Setenv("PAYPAL_CLIENT_SECRET", "pp_secret")

	if _, err := Load(); err == nil {
		t.Fatal("missing razorpay credentials must fail loading")
	}
}
