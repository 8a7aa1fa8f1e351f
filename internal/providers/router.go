package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelmix/gateway/internal/config"
)

// ErrNoProvider is the routing exhaustion sentinel.
var ErrNoProvider = errors.New("no provider available")

// RouteError reports that every candidate adapter was tried and failed, or
// that none supported the model at all.
type RouteError struct {
	Model     string
	Attempted []string
}

func (e *RouteError) Error() string {
	if len(e.Attempted) == 0 {
		return fmt.Sprintf("no provider configured for model %s", e.Model)
	}
	return fmt.Sprintf("all providers failed for model %s (attempted: %s)",
		e.Model, strings.Join(e.Attempted, ", "))
}

func (e *RouteError) Unwrap() error { return ErrNoProvider }

// Router matches a model id to a capable adapter. Direct adapters are tried
// in registration order; the aggregator, when configured, is the final
// fallback. A failed adapter is never retried within one request.
type Router struct {
	providers []Provider
	fallback  Provider
	logger    *slog.Logger
}

// NewRouter builds a router over explicit adapters. fallback may be nil.
func NewRouter(logger *slog.Logger, fallback Provider, providers ...Provider) *Router {
	return &Router{
		providers: providers,
		fallback:  fallback,
		logger:    logger.With("component", "router"),
	}
}

// FromConfig registers one adapter per configured API key, with OpenRouter
// as the aggregator fallback.
func FromConfig(cfg config.ProvidersConfig, logger *slog.Logger) *Router {
	var direct []Provider
	if cfg.OpenAIAPIKey != "" {
		direct = append(direct, NewOpenAI(cfg.OpenAIAPIKey))
	}
	if cfg.AnthropicAPIKey != "" {
		direct = append(direct, NewAnthropic(cfg.AnthropicAPIKey))
	}
	if cfg.GoogleAPIKey != "" {
		direct = append(direct, NewGoogle(cfg.GoogleAPIKey))
	}
	if cfg.XAIAPIKey != "" {
		direct = append(direct, NewXAI(cfg.XAIAPIKey))
	}
	if cfg.MistralAPIKey != "" {
		direct = append(direct, NewMistral(cfg.MistralAPIKey))
	}
	if cfg.DeepSeekAPIKey != "" {
		direct = append(direct, NewDeepSeek(cfg.DeepSeekAPIKey))
	}
	var fallback Provider
	if cfg.OpenRouterAPIKey != "" {
		fallback = NewOpenRouter(cfg.OpenRouterAPIKey)
	}
	return NewRouter(logger, fallback, direct...)
}

// Available lists registered adapter names, fallback last.
func (r *Router) Available() []string {
	names := make([]string, 0, len(r.providers)+1)
	for _, p := range r.providers {
		names = append(names, p.Name())
	}
	if r.fallback != nil {
		names = append(names, r.fallback.Name()+" (fallback)")
	}
	return names
}

// Route issues the request against the first capable adapter that succeeds.
// A preferred provider name (cost-based hint) is tried before registration
// order. The returned error is a *RouteError naming every attempted
// adapter.
func (r *Router) Route(ctx context.Context, req ChatRequest, preferred string) (*ChatResult, error) {
	var attempted []string
	tried := make(map[string]bool)

	try := func(p Provider, label string) *ChatResult {
		attempted = append(attempted, p.Name())
		tried[p.Name()] = true
		result, err := p.Chat(ctx, req)
		if err != nil {
			r.logger.Warn("provider failed", "provider", p.Name(), "model", req.Model, "error", err)
			return nil
		}
		r.logger.Info("routed", "provider", p.Name(), "model", req.Model, "via", label)
		result.Provider = label
		return result
	}

	if preferred != "" {
		for _, p := range r.providers {
			if strings.EqualFold(p.Name(), preferred) && p.SupportsModel(req.Model) {
				if result := try(p, p.Name()+" (cheapest)"); result != nil {
					return result, nil
				}
				break
			}
		}
	}

	for _, p := range r.providers {
		if tried[p.Name()] || !p.SupportsModel(req.Model) {
			continue
		}
		if result := try(p, p.Name()); result != nil {
			return result, nil
		}
	}

	if r.fallback != nil && !tried[r.fallback.Name()] && r.fallback.SupportsModel(req.Model) {
		if result := try(r.fallback, r.fallback.Name()+" (fallback)"); result != nil {
			return result, nil
		}
	}

	return nil, &RouteError{Model: req.Model, Attempted: attempted}
}
