// Package api wires the gin surface: routing, middleware, and the chat
// orchestrator that sequences identity, moderation, credits, upstream
// routing, and reconciliation.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/modelmix/gateway/internal/abuse"
	"github.com/modelmix/gateway/internal/analytics"
	"github.com/modelmix/gateway/internal/config"
	"github.com/modelmix/gateway/internal/ledger"
	"github.com/modelmix/gateway/internal/providers"
	"github.com/modelmix/gateway/internal/ratelimit"
	"github.com/modelmix/gateway/internal/store"
	"github.com/patrickmn/go-cache"
)

// ChatRouter is the routing surface the orchestrator needs. Satisfied by
// *providers.Router and by test fakes.
type ChatRouter interface {
	Route(ctx context.Context, req providers.ChatRequest, preferred string) (*providers.ChatResult, error)
	Available() []string
}

// Handler owns the HTTP surface and its collaborators.
type Handler struct {
	cfg       *config.Config
	store     store.Store
	ledger    *ledger.Service
	limiter   *ratelimit.Limiter
	detector  *abuse.Detector
	analytics *analytics.Emitter
	router    ChatRouter
	logger    *slog.Logger

	// newKeyedRouter builds a router over caller-supplied vendor keys for
	// BYOK requests. Swappable in tests.
	newKeyedRouter func(keys map[string]string) ChatRouter
}

// NewHandler constructs the handler and its default collaborator wiring.
func NewHandler(cfg *config.Config, st store.Store, logger *slog.Logger) *Handler {
	var memoryCache *cache.Cache
	if cfg.Cache.DefaultExpiration > 0 {
		memoryCache = cache.New(cfg.Cache.DefaultExpiration, cfg.Cache.CleanupInterval)
	}
	h := &Handler{
		cfg:       cfg,
		store:     st,
		ledger:    ledger.New(st, memoryCache, logger),
		limiter:   ratelimit.New(st),
		detector:  abuse.New(st, cfg.Abuse, logger),
		analytics: analytics.New(cfg.Analytics.ShadowURL, cfg.Analytics.Timeout, logger),
		router:    providers.FromConfig(cfg.Providers, logger),
		logger:    logger,
	}
	h.newKeyedRouter = func(keys map[string]string) ChatRouter {
		return providers.FromConfig(config.ProvidersConfig{
			OpenAIAPIKey:     keys["openai"],
			AnthropicAPIKey:  keys["anthropic"],
			GoogleAPIKey:     keys["google"],
			XAIAPIKey:        keys["xai"],
			MistralAPIKey:    keys["mistral"],
			DeepSeekAPIKey:   keys["deepseek"],
			OpenRouterAPIKey: keys["openrouter"],
		}, logger)
	}
	return h
}

// RegisterRoutes attaches middleware and endpoints to the engine.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.Use(h.RequestLogger())
	r.GET("/healthz", h.handleHealth)
	v1 := r.Group("/v1")
	{
		v1.POST("/chat", h.handleChat)
		v1.POST("/credits", h.handleCredits)
	}
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"providers": h.router.Available(),
	})
}
