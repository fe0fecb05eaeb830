package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.TopN != 20 {
		t.Fatalf("expected default top_n 20, got %d", cfg.Engine.TopN)
	}
	if cfg.Engine.LookbackDays != 90 {
		t.Fatalf("expected default lookback 90, got %d", cfg.Engine.LookbackDays)
	}
	if cfg.Engine.PublishLockTTL != 2*time.Minute {
		t.Fatalf("expected default lock ttl 2m, got %s", cfg.Engine.PublishLockTTL)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestLoad_FromFileWithDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"engine": {
			"top_n": 10,
			"lookback_days": 30,
			"retry_base_backoff": "500ms",
			"publish_lock_ttl": "5m",
			"own_asins": ["B000000001"]
		},
		"rules": {
			"price_gap_multiple": 0.8
		}
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.TopN != 10 || cfg.Engine.LookbackDays != 30 {
		t.Fatalf("file values not applied: %+v", cfg.Engine)
	}
	if cfg.Engine.RetryBaseBackoff != 500*time.Millisecond {
		t.Fatalf("expected backoff 500ms, got %s", cfg.Engine.RetryBaseBackoff)
	}
	if cfg.Engine.PublishLockTTL != 5*time.Minute {
		t.Fatalf("expected lock ttl 5m, got %s", cfg.Engine.PublishLockTTL)
	}
	if cfg.Rules.PriceGapMultiple != 0.8 {
		t.Fatalf("expected price gap multiple 0.8, got %g", cfg.Rules.PriceGapMultiple)
	}
	// 文件未覆盖的字段回落到默认值
	if cfg.Rules.QualityRatingMax != 4.0 {
		t.Fatalf("expected default quality rating max, got %g", cfg.Rules.QualityRatingMax)
	}
	if len(cfg.Engine.OwnASINs) != 1 || cfg.Engine.OwnASINs[0] != "B000000001" {
		t.Fatalf("own asins not applied: %v", cfg.Engine.OwnASINs)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ENGINE_TOP_N", "5")
	t.Setenv("ENGINE_OWN_ASINS", "B000000001, B000000002")
	t.Setenv("ENGINE_RETRY_BASE_BACKOFF", "50ms")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.TopN != 5 {
		t.Fatalf("expected env top_n 5, got %d", cfg.Engine.TopN)
	}
	if len(cfg.Engine.OwnASINs) != 2 || cfg.Engine.OwnASINs[1] != "B000000002" {
		t.Fatalf("expected trimmed asin list, got %v", cfg.Engine.OwnASINs)
	}
	if cfg.Engine.RetryBaseBackoff != 50*time.Millisecond {
		t.Fatalf("expected env backoff 50ms, got %s", cfg.Engine.RetryBaseBackoff)
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	valid := func() *Config {
		return getDefaultConfig()
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero_top_n", func(c *Config) { c.Engine.TopN = 0 }},
		{"negative_lookback", func(c *Config) { c.Engine.LookbackDays = -1 }},
		{"min_lookback_above_lookback", func(c *Config) { c.Engine.MinLookbackDays = c.Engine.LookbackDays + 1 }},
		{"zero_retry_attempts", func(c *Config) { c.Engine.RetryMaxAttempts = 0 }},
		{"negative_backoff", func(c *Config) { c.Engine.RetryBaseBackoff = -time.Second }},
		{"notify_score_above_100", func(c *Config) { c.Engine.NotifyMinScore = 101 }},
		{"empty_own_asin", func(c *Config) { c.Engine.OwnASINs = []string{"B000000001", " "} }},
		{"zero_price_gap_multiple", func(c *Config) { c.Rules.PriceGapMultiple = 0 }},
		{"band_at_one", func(c *Config) { c.Rules.PriceGapBand = 1 }},
		{"rating_above_five", func(c *Config) { c.Rules.QualityRatingMax = 5.5 }},
		{"negative_review_floor", func(c *Config) { c.Rules.QualityReviewFloor = -10 }},
		{"surge_fraction_above_one", func(c *Config) { c.Rules.EntrantSurgeFraction = 1.5 }},
		{"sponsored_max_above_one", func(c *Config) { c.Rules.LowCompSponsoredMax = 1.1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			if err := cfg.Validate(); err != nil {
				t.Fatalf("baseline config must be valid: %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
