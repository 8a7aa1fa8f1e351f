package pricing

import "strings"

// Tier buckets models by rough upstream cost. Unknown models price as Pro.
type Tier string

const (
	TierFlash   Tier = "flash"
	TierPro     Tier = "pro"
	TierPremium Tier = "premium"
)

type modelTier struct {
	modelID string
	tier    Tier
}

// Ordered so fuzzy matching is deterministic: more specific ids (gpt-4o-mini)
// come before their prefixes (gpt-4o).
var modelTiers = []modelTier{
	{"google/gemini-2.0-flash", TierFlash},
	{"google/gemini-1.5-flash", TierFlash},
	{"openai/gpt-4o-mini", TierFlash},
	{"openai/gpt-3.5-turbo", TierFlash},
	{"anthropic/claude-3-haiku", TierFlash},
	{"anthropic/claude-3.5-haiku", TierFlash},
	{"mistralai/ministral-8b", TierFlash},
	{"deepseek/deepseek-chat", TierFlash},

	{"google/gemini-1.5-pro", TierPro},
	{"openai/gpt-4o", TierPro},
	{"openai/gpt-4-turbo", TierPro},
	{"anthropic/claude-3-sonnet", TierPro},
	{"anthropic/claude-3.5-sonnet", TierPro},
	{"mistralai/mistral-large", TierPro},
	{"x-ai/grok-2", TierPro},

	{"openai/o1", TierPremium},
	{"openai/o3", TierPremium},
	{"anthropic/claude-3-opus", TierPremium},
	{"anthropic/claude-4.5-opus", TierPremium},
	{"anthropic/claude-4", TierPremium},
	{"deepseek/deepseek-r1", TierPremium},
}

// TierFor resolves a model id to its pricing tier. Exact matches win;
// otherwise a model id containing a known model's base name (the part after
// the vendor prefix) inherits that model's tier, so dated or suffixed
// variants price like their family.
func TierFor(modelID string) Tier {
	for _, mt := range modelTiers {
		if mt.modelID == modelID {
			return mt.tier
		}
	}
	for _, mt := range modelTiers {
		if _, base, found := strings.Cut(mt.modelID, "/"); found && strings.Contains(modelID, base) {
			return mt.tier
		}
	}
	return TierPro
}
