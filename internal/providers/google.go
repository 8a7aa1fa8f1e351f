package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// google adapts the Gemini generateContent API: messages become
// contents/parts with assistant mapped to the "model" role, and auth rides
// on the URL instead of a header.
type google struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewGoogle talks to the Gemini API directly.
func NewGoogle(apiKey string) Provider {
	return &google{
		apiKey:  apiKey,
		baseURL: "https://generativelanguage.googleapis.com/v1beta",
		client:  newHTTPClient(),
	}
}

func (p *google) Name() string { return "Google" }

var googleModels = []string{
	"gemini-2.0-flash", "gemini-1.5-pro", "gemini-1.5-flash", "gemini-pro",
}

func (p *google) SupportsModel(modelID string) bool {
	name := p.NormalizeModelName(modelID)
	for _, m := range googleModels {
		if strings.Contains(name, m) {
			return true
		}
	}
	return false
}

func (p *google) NormalizeModelName(modelID string) string {
	return strings.TrimPrefix(modelID, "google/")
}

type googlePart struct {
	Text string `json:"text"`
}

type googleContent struct {
	Role  string       `json:"role"`
	Parts []googlePart `json:"parts"`
}

func (p *google) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	var contents []googleContent
	var systemParts []string
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			systemParts = append(systemParts, m.Content)
		case "assistant":
			contents = append(contents, googleContent{Role: "model", Parts: []googlePart{{Text: m.Content}}})
		default:
			contents = append(contents, googleContent{Role: "user", Parts: []googlePart{{Text: m.Content}}})
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	payload := map[string]any{
		"contents": contents,
		"generationConfig": map[string]any{
			"temperature":     1.0,
			"topK":            40,
			"topP":            0.95,
			"maxOutputTokens": maxTokens,
		},
	}
	if len(systemParts) > 0 {
		payload["systemInstruction"] = strings.Join(systemParts, "\n")
	}

	verb := "generateContent"
	if req.Stream {
		verb = "streamGenerateContent"
	}
	url := fmt.Sprintf("%s/models/%s:%s?key=%s", p.baseURL, p.NormalizeModelName(req.Model), verb, p.apiKey)

	return postJSON(ctx, p.client, p.Name(), req.Model, url, nil, payload)
}
