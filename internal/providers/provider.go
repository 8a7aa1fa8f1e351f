// Package providers holds the upstream vendor adapters and the failover
// router. Adapters translate the gateway's chat shape into each vendor's
// wire format and hand back the vendor's live byte stream untouched, so the
// caller can proxy and meter it.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the provider-neutral request shape.
type ChatRequest struct {
	Model     string
	Messages  []Message
	Stream    bool
	MaxTokens int
}

// ChatResult wraps the upstream response stream. Body is the vendor's raw
// bytes; the caller owns closing it.
type ChatResult struct {
	Provider    string
	Body        io.ReadCloser
	ContentType string
}

// ProviderError describes an upstream failure with enough structure for
// the handler to log and for the router to decide about failover.
type ProviderError struct {
	Provider   string
	ModelID    string
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: model %s: status %d: %s", e.Provider, e.ModelID, e.StatusCode, e.Message)
}

// Provider is one upstream vendor adapter.
type Provider interface {
	Name() string
	SupportsModel(modelID string) bool
	NormalizeModelName(modelID string) string
	Chat(ctx context.Context, req ChatRequest) (*ChatResult, error)
}

func newHTTPClient() *http.Client {
	// No overall timeout on the client: streams legitimately run long.
	// Per-request deadlines come from the context.
	return &http.Client{Timeout: 0}
}

// postJSON issues the upstream call and applies the shared error policy:
// non-2xx responses drain into a ProviderError, 2xx responses pass the body
// through unread.
func postJSON(ctx context.Context, client *http.Client, provider, modelID, url string, headers map[string]string, payload any) (*ChatResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: encoding request: %w", provider, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: building request: %w", provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &ProviderError{
			Provider:  provider,
			ModelID:   modelID,
			Message:   err.Error(),
			Retryable: true,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, &ProviderError{
			Provider:   provider,
			ModelID:    modelID,
			StatusCode: resp.StatusCode,
			Message:    string(detail),
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	return &ChatResult{
		Provider:    provider,
		Body:        resp.Body,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}
