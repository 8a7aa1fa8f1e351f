package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTierFor(t *testing.T) {
	tests := []struct {
		name    string
		modelID string
		want    Tier
	}{
		{"exact flash", "openai/gpt-4o-mini", TierFlash},
		{"exact pro", "anthropic/claude-3.5-sonnet", TierPro},
		{"exact premium", "openai/o1", TierPremium},
		{"dated variant inherits family", "anthropic/claude-3.5-sonnet-20241022", TierPro},
		{"mini variant stays flash despite gpt-4o prefix", "openai/gpt-4o-mini-2024-07-18", TierFlash},
		{"unknown model defaults to pro", "acme/unheard-of-model", TierPro},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TierFor(tt.modelID))
		})
	}
}

func TestTokensForBytes(t *testing.T) {
	assert.Equal(t, int64(0), TokensForBytes(0))
	assert.Equal(t, int64(1), TokensForBytes(1))
	assert.Equal(t, int64(1), TokensForBytes(4))
	assert.Equal(t, int64(2), TokensForBytes(5))
	assert.Equal(t, int64(250), TokensForBytes(1000))
}

func TestCreditsForTokens(t *testing.T) {
	rates := DefaultRates

	// 1000 tokens at the flash multiplier is exactly one credit.
	assert.Equal(t, int64(1), CreditsForTokens(1000, TierFlash, rates))
	// Pro applies a 1.4x markup: 1000 tokens -> ceil(1.4) = 2 credits.
	assert.Equal(t, int64(2), CreditsForTokens(1000, TierPro, rates))
	// Premium doubles: 1000 tokens -> 2 credits, 2500 -> 5.
	assert.Equal(t, int64(2), CreditsForTokens(1000, TierPremium, rates))
	assert.Equal(t, int64(5), CreditsForTokens(2500, TierPremium, rates))
	// Any nonzero usage costs at least one credit.
	assert.Equal(t, int64(1), CreditsForTokens(1, TierFlash, rates))
	// Zero or negative usage is free.
	assert.Equal(t, int64(0), CreditsForTokens(0, TierPro, rates))
	assert.Equal(t, int64(0), CreditsForTokens(-5, TierPro, rates))
}

func TestCreditsForTokensFallsBackOnBadConfig(t *testing.T) {
	rates := Rates{TokensPerCredit: 0, FlashPercent: 100, ProPercent: 140, PremiumPercent: 200}
	assert.Equal(t, int64(1), CreditsForTokens(1000, TierFlash, rates))
}

func TestEstimateRequest(t *testing.T) {
	// 40000 prompt bytes -> 10000 prompt tokens -> 20000 completion tokens.
	est := EstimateRequest(40000, TierFlash, DefaultRates)
	assert.Equal(t, int64(10000), est.PromptTokens)
	assert.Equal(t, int64(20000), est.CompletionTokens)
	assert.Equal(t, int64(30000), est.TotalTokens())
	assert.Equal(t, int64(30), est.Credits)

	// Estimates round up, so tiny prompts still reserve a credit.
	est = EstimateRequest(3, TierPro, DefaultRates)
	assert.Equal(t, int64(1), est.PromptTokens)
	assert.Equal(t, int64(2), est.CompletionTokens)
	assert.Equal(t, int64(1), est.Credits)
}
