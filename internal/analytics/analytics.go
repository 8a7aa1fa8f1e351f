// Package analytics emits fire-and-forget usage events to the shadow
// analysis collaborator. Only counters leave the process, never prompt or
// response content.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Event carries the per-request counters keyed by session.
type Event struct {
	SessionID        string `json:"sessionId"`
	ModelID          string `json:"modelId"`
	Provider         string `json:"provider"`
	PromptTokens     int64  `json:"promptTokens"`
	CompletionTokens int64  `json:"completionTokens"`
	CostCredits      int64  `json:"costCredits"`
	Steered          bool   `json:"steered,omitempty"`
}

// Emitter posts events in the background. A zero-URL emitter is a no-op, so
// callers never branch on whether analytics is configured.
type Emitter struct {
	url     string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// New creates an emitter. An empty url disables emission.
func New(url string, timeout time.Duration, logger *slog.Logger) *Emitter {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Emitter{
		url:     url,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With("component", "analytics"),
	}
}

// Emit sends the event asynchronously. Failures are logged and swallowed;
// emission must never delay or fail a request.
func (e *Emitter) Emit(event Event) {
	if e.url == "" {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()

		body, err := json.Marshal(event)
		if err != nil {
			e.logger.Warn("event encode failed", "error", err)
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
		if err != nil {
			e.logger.Warn("event request failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.client.Do(req)
		if err != nil {
			e.logger.Warn("event post failed", "error", err)
			return
		}
		resp.Body.Close()
	}()
}

// Wait blocks until in-flight emissions finish. Shutdown hook and test
// helper.
func (e *Emitter) Wait() {
	e.wg.Wait()
}
