package ledger

import (
	"context"
	"time"

	"github.com/modelmix/gateway/internal/pricing"
	"github.com/patrickmn/go-cache"
)

// Config is the economic parameter snapshot for one request. It is read
// from the credit_config table, falls back to built-in defaults for missing
// keys, and never changes mid-request.
type Config struct {
	TrialCredits        int64
	SignupBonus         int64
	ReferrerBonus       int64
	RefereeBonus        int64
	TokensPerCredit     int64
	MultiplierFlash     int64
	MultiplierPro       int64
	MultiplierPremium   int64
	MaxCreditsPerMinute int64
	OverdraftPercent    int64
	DailyRefreshFloor   int64
	HoldTTL             time.Duration
}

// DefaultConfig mirrors the seeded credit_config rows.
func DefaultConfig() Config {
	return Config{
		TrialCredits:        500,
		SignupBonus:         10,
		ReferrerBonus:       200,
		RefereeBonus:        100,
		TokensPerCredit:     1000,
		MultiplierFlash:     100,
		MultiplierPro:       140,
		MultiplierPremium:   200,
		MaxCreditsPerMinute: 30,
		OverdraftPercent:    110,
		DailyRefreshFloor:   100,
		HoldTTL:             5 * time.Minute,
	}
}

// Rates exposes the pricing view of the snapshot.
func (c Config) Rates() pricing.Rates {
	return pricing.Rates{
		TokensPerCredit: c.TokensPerCredit,
		FlashPercent:    c.MultiplierFlash,
		ProPercent:      c.MultiplierPro,
		PremiumPercent:  c.MultiplierPremium,
	}
}

// RequiredBalance returns the balance a caller must hold before a request
// with the given estimate is admitted. The overdraft percent is a safety
// margin on top of the estimate, so 110 means "estimate plus 10%".
func (c Config) RequiredBalance(estimate int64) int64 {
	if estimate <= 0 {
		return 0
	}
	return (estimate*c.OverdraftPercent + 99) / 100
}

const configCacheKey = "credit_config_snapshot"

// Snapshot returns the current Config, reading the credit_config table at
// most once per cache TTL. Store errors degrade to defaults; pricing must
// not take requests down.
func (s *Service) Snapshot(ctx context.Context) Config {
	if cached, found := s.cache.Get(configCacheKey); found {
		return cached.(Config)
	}

	cfg := DefaultConfig()
	rows, err := s.store.CreditConfig(ctx)
	if err != nil {
		s.logger.Warn("credit config read failed, using defaults", "error", err)
		return cfg
	}

	assign := func(key string, dst *int64) {
		if v, ok := rows[key]; ok && v > 0 {
			*dst = v
		}
	}
	assign("trial_credits", &cfg.TrialCredits)
	assign("signup_bonus", &cfg.SignupBonus)
	assign("referrer_bonus", &cfg.ReferrerBonus)
	assign("referee_bonus", &cfg.RefereeBonus)
	assign("tokens_per_credit", &cfg.TokensPerCredit)
	assign("tier_multiplier_flash", &cfg.MultiplierFlash)
	assign("tier_multiplier_pro", &cfg.MultiplierPro)
	assign("tier_multiplier_premium", &cfg.MultiplierPremium)
	assign("rate_cap_per_minute", &cfg.MaxCreditsPerMinute)
	assign("overdraft_percent", &cfg.OverdraftPercent)
	assign("daily_refresh_floor", &cfg.DailyRefreshFloor)
	if v, ok := rows["hold_ttl_seconds"]; ok && v > 0 {
		cfg.HoldTTL = time.Duration(v) * time.Second
	}

	s.cache.Set(configCacheKey, cfg, cache.DefaultExpiration)
	return cfg
}
