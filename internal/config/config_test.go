package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadClampsBadNumericValues(t *testing.T) {
	t.Setenv("STOCK_CACHE_TTL_SECONDS", "not-a-number")
	t.Setenv("DEDUCT_TIMEOUT_MS", "10")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "-5")

	cfg := Load()
	if cfg.StockCacheTTLSeconds != 5 {
		t.Fatalf("want cache TTL fallback 5, got %d", cfg.StockCacheTTLSeconds)
	}
	if cfg.DeductTimeoutMS != 3000 {
		t.Fatalf("want deduct timeout fallback 3000, got %d", cfg.DeductTimeoutMS)
	}
	if cfg.AccessTokenTTLMinutes != 480 {
		t.Fatalf("want token TTL fallback 480, got %d", cfg.AccessTokenTTLMinutes)
	}
}

func TestLoadNormalizesBaseCurrency(t *testing.T) {
	t.Setenv("BASE_CURRENCY", "usd")

	cfg := Load()
	if cfg.BaseCurrency != "USD" {
		t.Fatalf("want USD, got %q", cfg.BaseCurrency)
	}
}
