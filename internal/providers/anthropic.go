package providers

import (
	"context"
	"net/http"
	"strings"
)

// anthropic adapts the messages API: system turns move into the top-level
// system field, max_tokens is mandatory, and bare model names gain their
// version date.
type anthropic struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewAnthropic talks to the Anthropic messages API directly.
func NewAnthropic(apiKey string) Provider {
	return &anthropic{
		apiKey:  apiKey,
		baseURL: "https://api.anthropic.com/v1/messages",
		client:  newHTTPClient(),
	}
}

func (p *anthropic) Name() string { return "Anthropic" }

var anthropicModels = []string{
	"claude-3-opus", "claude-3-sonnet", "claude-3-haiku",
	"claude-3.5-sonnet", "claude-3.5-haiku",
	"claude-4", "claude-4.5",
}

func (p *anthropic) SupportsModel(modelID string) bool {
	name := p.NormalizeModelName(modelID)
	for _, m := range anthropicModels {
		if strings.Contains(name, m) {
			return true
		}
	}
	return false
}

// Undated model names alias to the latest known version date.
var anthropicAliases = map[string]string{
	"claude-3-opus":     "claude-3-opus-20240229",
	"claude-3-sonnet":   "claude-3-sonnet-20240229",
	"claude-3-haiku":    "claude-3-haiku-20240307",
	"claude-3.5-sonnet": "claude-3-5-sonnet-20241022",
	"claude-3.5-haiku":  "claude-3-5-haiku-20241022",
}

func (p *anthropic) NormalizeModelName(modelID string) string {
	name := strings.TrimPrefix(modelID, "anthropic/")
	if dated, ok := anthropicAliases[name]; ok {
		return dated
	}
	return name
}

func (p *anthropic) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	var systemParts []string
	var conversation []Message
	for _, m := range req.Messages {
		if m.Role == "system" {
			systemParts = append(systemParts, m.Content)
		} else {
			conversation = append(conversation, m)
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	payload := map[string]any{
		"model":      p.NormalizeModelName(req.Model),
		"max_tokens": maxTokens,
		"messages":   conversation,
		"stream":     req.Stream,
	}
	if len(systemParts) > 0 {
		payload["system"] = strings.Join(systemParts, "\n")
	}

	headers := map[string]string{
		"Authorization":     "Bearer " + p.apiKey,
		"anthropic-version": "2023-06-01",
	}
	return postJSON(ctx, p.client, p.Name(), req.Model, p.baseURL, headers, payload)
}
