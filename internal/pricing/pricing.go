// Package pricing converts request and response sizes into credit costs.
// Token counts are approximated symmetrically on both sides of a request
// (four bytes per token) so estimates and reconciled actuals stay directly
// comparable.
package pricing

// Rates carries the operator-tunable pricing knobs, loaded from the
// credit_config table with built-in fallbacks.
type Rates struct {
	TokensPerCredit int64
	FlashPercent    int64
	ProPercent      int64
	PremiumPercent  int64
}

// DefaultRates are used when the config table is empty or unreachable.
var DefaultRates = Rates{
	TokensPerCredit: 1000,
	FlashPercent:    100,
	ProPercent:      140,
	PremiumPercent:  200,
}

func (r Rates) multiplierPercent(t Tier) int64 {
	switch t {
	case TierFlash:
		return r.FlashPercent
	case TierPremium:
		return r.PremiumPercent
	default:
		return r.ProPercent
	}
}

// TokensForBytes approximates a token count from a byte count, rounding up.
func TokensForBytes(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return (n + 3) / 4
}

// CreditsForTokens converts a token total into credits for the given tier,
// rounding up so any nonzero usage costs at least one credit. Integer math
// throughout: credits = ceil(tokens * percent / (100 * tokensPerCredit)).
func CreditsForTokens(totalTokens int64, tier Tier, r Rates) int64 {
	if totalTokens <= 0 {
		return 0
	}
	tokensPerCredit := r.TokensPerCredit
	if tokensPerCredit <= 0 {
		tokensPerCredit = DefaultRates.TokensPerCredit
	}
	numerator := totalTokens * r.multiplierPercent(tier)
	denominator := 100 * tokensPerCredit
	return (numerator + denominator - 1) / denominator
}

// Estimate is the pre-flight cost projection for a chat request.
type Estimate struct {
	PromptTokens     int64
	CompletionTokens int64
	Credits          int64
}

// TotalTokens returns the projected token count across both directions.
func (e Estimate) TotalTokens() int64 {
	return e.PromptTokens + e.CompletionTokens
}

// EstimateRequest projects the cost of a request before it is sent. Prompt
// tokens come from the total prompt byte count; completion is assumed to run
// twice the prompt, which overshoots short answers and lets reconciliation
// refund the difference.
func EstimateRequest(promptBytes int64, tier Tier, r Rates) Estimate {
	prompt := TokensForBytes(promptBytes)
	completion := 2 * prompt
	return Estimate{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		Credits:          CreditsForTokens(prompt+completion, tier, r),
	}
}
