package providers

import (
	"context"
	"net/http"
	"strings"
)

// chatCompat is the adapter for vendors speaking the chat-completions wire
// shape: OpenAI, xAI, Mistral, DeepSeek, and the OpenRouter aggregator.
// They differ only in endpoint, auth, extra headers, and model matching.
type chatCompat struct {
	name          string
	apiKey        string
	baseURL       string
	headers       map[string]string
	vendorPrefix  string
	models        []string
	matchAnySlash bool // aggregator: accepts any vendor/model id
	prefixMatch   bool // startswith matching instead of contains
	client        *http.Client
}

func (p *chatCompat) Name() string { return p.name }

func (p *chatCompat) SupportsModel(modelID string) bool {
	if p.matchAnySlash {
		return strings.Contains(modelID, "/")
	}
	name := p.NormalizeModelName(modelID)
	for _, m := range p.models {
		if p.prefixMatch {
			if strings.HasPrefix(name, m) {
				return true
			}
		} else if strings.Contains(name, m) {
			return true
		}
	}
	return false
}

func (p *chatCompat) NormalizeModelName(modelID string) string {
	if p.vendorPrefix == "" {
		return modelID
	}
	return strings.TrimPrefix(modelID, p.vendorPrefix)
}

func (p *chatCompat) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	payload := map[string]any{
		"model":    p.NormalizeModelName(req.Model),
		"messages": req.Messages,
		"stream":   req.Stream,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}

	headers := map[string]string{"Authorization": "Bearer " + p.apiKey}
	for k, v := range p.headers {
		headers[k] = v
	}
	return postJSON(ctx, p.client, p.name, req.Model, p.baseURL, headers, payload)
}

// NewOpenAI talks to the OpenAI chat-completions API directly.
func NewOpenAI(apiKey string) Provider {
	return &chatCompat{
		name:         "OpenAI",
		apiKey:       apiKey,
		baseURL:      "https://api.openai.com/v1/chat/completions",
		vendorPrefix: "openai/",
		models: []string{
			"gpt-4o", "gpt-4o-mini", "gpt-4-turbo", "gpt-4", "gpt-3.5-turbo",
			"o1", "o1-mini", "o3", "o3-mini",
		},
		prefixMatch: true,
		client:      newHTTPClient(),
	}
}

// NewXAI talks to the xAI Grok API.
func NewXAI(apiKey string) Provider {
	return &chatCompat{
		name:         "xAI",
		apiKey:       apiKey,
		baseURL:      "https://api.x.ai/v1/chat/completions",
		vendorPrefix: "x-ai/",
		models:       []string{"grok"},
		client:       newHTTPClient(),
	}
}

// NewMistral talks to the Mistral platform API.
func NewMistral(apiKey string) Provider {
	return &chatCompat{
		name:         "Mistral",
		apiKey:       apiKey,
		baseURL:      "https://api.mistral.ai/v1/chat/completions",
		vendorPrefix: "mistralai/",
		models: []string{
			"mistral-large", "mistral-medium", "mistral-small", "codestral", "ministral",
		},
		client: newHTTPClient(),
	}
}

// NewDeepSeek talks to the DeepSeek API.
func NewDeepSeek(apiKey string) Provider {
	return &chatCompat{
		name:         "DeepSeek",
		apiKey:       apiKey,
		baseURL:      "https://api.deepseek.com/v1/chat/completions",
		vendorPrefix: "deepseek/",
		models:       []string{"deepseek-chat", "deepseek-coder", "deepseek-r1"},
		client:       newHTTPClient(),
	}
}

// NewOpenRouter talks to the OpenRouter aggregator, which accepts any
// vendor/model id as-is.
func NewOpenRouter(apiKey string) Provider {
	return &chatCompat{
		name:    "OpenRouter",
		apiKey:  apiKey,
		baseURL: "https://openrouter.ai/api/v1/chat/completions",
		headers: map[string]string{
			"HTTP-Referer": "https://modelmix.app",
			"X-Title":      "ModelMix",
		},
		matchAnySlash: true,
		client:        newHTTPClient(),
	}
}
