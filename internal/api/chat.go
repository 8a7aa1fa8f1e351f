package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/modelmix/gateway/internal/abuse"
	"github.com/modelmix/gateway/internal/analytics"
	"github.com/modelmix/gateway/internal/ledger"
	"github.com/modelmix/gateway/internal/moderation"
	"github.com/modelmix/gateway/internal/pricing"
	"github.com/modelmix/gateway/internal/providers"
	"github.com/modelmix/gateway/internal/ratelimit"
	"github.com/modelmix/gateway/internal/store"
)

const (
	defaultModel        = "openai/gpt-4o-mini"
	defaultSystemPrompt = "You are a helpful AI assistant. Provide clear, concise, and accurate responses. Format your answers with markdown when appropriate."

	maxMessages         = 50
	maxMessageChars     = 50000
	maxSystemChars      = 10000
	maxModelChars       = 100
	maxCompletionTokens = 32768
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages        []chatMessage     `json:"messages"`
	Model           string            `json:"model"`
	MaxTokens       int               `json:"maxTokens"`
	SystemPrompt    string            `json:"systemPrompt"`
	Fingerprint     string            `json:"fingerprint"`
	ReferralCode    string            `json:"referralCode"`
	UsageType       string            `json:"usageType"`
	SessionID       string            `json:"sessionId"`
	SlotPersonality string            `json:"slotPersonality"`
	UserAPIKeys     map[string]string `json:"userApiKeys"`
}

// validate enforces input bounds before any store access.
func (r *chatRequest) validate() error {
	if len(r.Messages) == 0 {
		return errors.New("messages must not be empty")
	}
	if len(r.Messages) > maxMessages {
		return fmt.Errorf("too many messages (max %d)", maxMessages)
	}
	for i, m := range r.Messages {
		switch m.Role {
		case "user", "assistant", "system":
		default:
			return fmt.Errorf("message %d: invalid role %q", i, m.Role)
		}
		if len(m.Content) > maxMessageChars {
			return fmt.Errorf("message %d exceeds %d characters", i, maxMessageChars)
		}
	}
	if len(r.SystemPrompt) > maxSystemChars {
		return fmt.Errorf("system prompt exceeds %d characters", maxSystemChars)
	}
	if len(r.Model) > maxModelChars {
		return errors.New("model id too long")
	}
	if r.MaxTokens < 0 || r.MaxTokens > maxCompletionTokens {
		return fmt.Errorf("maxTokens out of range (max %d)", maxCompletionTokens)
	}
	return nil
}

// systemPromptContent resolves the effective system prompt: an explicit one
// wins, then the slot personality with a concision suffix, then the stock
// prompt.
func (r *chatRequest) systemPromptContent() string {
	if s := strings.TrimSpace(r.SystemPrompt); s != "" {
		return s
	}
	if r.SlotPersonality != "" {
		return r.SlotPersonality + "\n\nRespond in markdown format. Keep initial responses concise (2-3 paragraphs max)."
	}
	return defaultSystemPrompt
}

// insufficientCredits builds the 402 body: current balance, the
// overdraft-adjusted amount the request needs, and a nudge appropriate to
// the caller's registration state.
func insufficientCredits(acct *store.Account, estimate int64, econ ledger.Config) gin.H {
	message := "Your trial credits are running low. Sign up to get 500 free credits!"
	if !acct.Anonymous() {
		message = "Your credit balance is too low for this request. Earn more through referrals or purchase credits!"
	}
	return gin.H{
		"error":        "insufficient credits",
		"balance":      acct.Balance,
		"required":     econ.RequiredBalance(estimate),
		"isRegistered": !acct.Anonymous(),
		"message":      message,
	}
}

// handleChat runs the whole metered pipeline: identity → ban → content gate
// → entitlement → estimate → rate limit → hold → route → stream-and-count →
// reconcile → usage/abuse/analytics.
func (h *Handler) handleChat(c *gin.Context) {
	ctx := c.Request.Context()
	logger := requestLogger(ctx, h.logger)

	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	identity := ledger.Identity{
		UserID:      c.GetHeader("X-User-ID"),
		Fingerprint: req.Fingerprint,
	}
	if !identity.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no usable identity: supply X-User-ID or a fingerprint"})
		return
	}
	subject := abuse.Subject{
		UserID:      identity.UserID,
		Fingerprint: identity.Fingerprint,
		SessionID:   req.SessionID,
	}

	ban, err := h.store.BanStatus(ctx, identity.UserID, identity.Fingerprint)
	if err != nil {
		logger.Error("ban lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "service error"})
		return
	}
	if ban.Banned {
		c.JSON(http.StatusForbidden, gin.H{"error": "access suspended", "reason": ban.Reason})
		return
	}

	model := req.Model
	if model == "" {
		model = defaultModel
	}

	// Content gate runs before any credit work: a steered request is not a
	// billable event.
	gateMessages := make([]moderation.Message, len(req.Messages))
	for i, m := range req.Messages {
		gateMessages[i] = moderation.Message{Role: m.Role, Content: m.Content}
	}
	if gate := moderation.Check(gateMessages); gate.Steered {
		logger.Info("request steered", "category", string(gate.Category))
		h.detector.ReportSteered(ctx, subject, string(gate.Category))
		c.JSON(http.StatusOK, gin.H{
			"content":  gate.Response,
			"model":    model,
			"tokens":   gin.H{"prompt": 0, "completion": 0, "total": 0},
			"steered":  true,
			"category": string(gate.Category),
		})
		return
	}

	byok := len(req.UserAPIKeys) > 0
	tester, err := h.store.HasRole(ctx, identity.UserID, "tester")
	if err != nil {
		logger.Warn("role lookup failed", "error", err)
	}
	admin, err := h.store.HasRole(ctx, identity.UserID, "admin")
	if err != nil {
		logger.Warn("role lookup failed", "error", err)
	}

	if !byok && !admin {
		allowed, tierName, err := h.store.CanAccessModel(ctx, identity.UserID, identity.Fingerprint, model)
		if err != nil {
			logger.Error("entitlement lookup failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "service error"})
			return
		}
		if !allowed {
			c.JSON(http.StatusForbidden, gin.H{
				"error": fmt.Sprintf("model %s is not available on the %s tier", model, tierName),
			})
			return
		}
	}

	account, err := h.ledger.GetOrCreateAccount(ctx, identity, req.ReferralCode)
	if err != nil {
		logger.Error("account resolution failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "service error"})
		return
	}

	econ := h.ledger.Snapshot(ctx)
	tier := pricing.TierFor(model)

	// The billable input is the submitted messages; the injected system
	// prompt rides free on both the estimate and the actual.
	var promptBytes int64
	for _, m := range req.Messages {
		promptBytes += int64(len(m.Content))
	}
	estimate := pricing.EstimateRequest(promptBytes, tier, econ.Rates())

	// BYOK callers pay their vendor directly; testers ride free. Both flow
	// through with a zero-amount hold so the reconciliation path stays
	// uniform.
	zeroCost := byok || tester
	holdAmount := estimate.Credits
	if zeroCost {
		holdAmount = 0
	}

	if err := h.ledger.CheckBalance(account, holdAmount, econ); err != nil {
		c.JSON(http.StatusPaymentRequired, insufficientCredits(account, holdAmount, econ))
		return
	}

	if err := h.limiter.CheckAndReserve(ctx, account.ID, holdAmount, econ.MaxCreditsPerMinute); err != nil {
		if errors.Is(err, ratelimit.ErrRateLimited) {
			h.detector.ReportRateLimited(ctx, subject, err.Error(), holdAmount)
			// The abuse scan sees the rejected burst too.
			h.detector.Scan(account.ID, subject)
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			return
		}
		logger.Error("rate check failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "service error"})
		return
	}

	hold, err := h.ledger.PlaceHold(ctx, account, holdAmount, "chat:"+model, econ)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			c.JSON(http.StatusPaymentRequired, insufficientCredits(account, holdAmount, econ))
			return
		}
		logger.Error("hold placement failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "service error"})
		return
	}

	usageType := req.UsageType
	if usageType == "" {
		usageType = "chat"
	}

	// From here on the hold must be reconciled exactly once, whatever
	// happens.
	reconciled := false
	finalize := func(actualCredits, totalTokens int64) {
		if reconciled {
			return
		}
		reconciled = true
		if _, err := h.ledger.ReleaseHold(ctx, hold, actualCredits, usageType, totalTokens); err != nil {
			logger.Error("hold release failed", "hold_id", hold.ID, "error", err)
		}
	}
	defer finalize(0, 0)

	upstreamMessages := make([]providers.Message, 0, len(req.Messages)+1)
	upstreamMessages = append(upstreamMessages, providers.Message{Role: "system", Content: req.systemPromptContent()})
	for _, m := range req.Messages {
		upstreamMessages = append(upstreamMessages, providers.Message{Role: m.Role, Content: m.Content})
	}

	router := h.router
	if byok {
		router = h.newKeyedRouter(req.UserAPIKeys)
	}

	preferred, err := h.store.PreferredProvider(ctx, model)
	if err != nil {
		logger.Warn("preferred provider lookup failed", "error", err)
		preferred = ""
	}

	result, err := router.Route(ctx, providers.ChatRequest{
		Model:     model,
		Messages:  upstreamMessages,
		Stream:    true,
		MaxTokens: req.MaxTokens,
	}, preferred)
	if err != nil {
		finalize(0, 0)
		logger.Error("routing failed", "model", model, "error", err)
		var routeErr *providers.RouteError
		attempted := router.Available()
		if errors.As(err, &routeErr) {
			attempted = routeErr.Attempted
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":     "all providers failed",
			"model":     model,
			"attempted": attempted,
		})
		return
	}
	defer result.Body.Close()

	contentType := result.ContentType
	if contentType == "" {
		contentType = "text/event-stream"
	}
	c.Header("Content-Type", contentType)
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Provider", result.Provider)
	c.Status(http.StatusOK)

	// Proxy the vendor's bytes to the caller as they arrive, counting them
	// for reconciliation.
	var streamedBytes int64
	buf := make([]byte, 32*1024)
	var streamErr error
	for {
		n, readErr := result.Body.Read(buf)
		if n > 0 {
			written, writeErr := c.Writer.Write(buf[:n])
			streamedBytes += int64(written)
			c.Writer.Flush()
			if writeErr != nil {
				streamErr = writeErr
				break
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				streamErr = readErr
			}
			break
		}
	}

	completionTokens := pricing.TokensForBytes(streamedBytes)
	totalTokens := estimate.PromptTokens + completionTokens
	var actualCredits int64
	if streamErr != nil {
		// Aborted mid-stream: treat as unproduced output, full refund.
		logger.Warn("stream interrupted", "provider", result.Provider, "error", streamErr)
		completionTokens = 0
		totalTokens = estimate.PromptTokens
	} else if !zeroCost {
		actualCredits = pricing.CreditsForTokens(totalTokens, tier, econ.Rates())
	}
	finalize(actualCredits, totalTokens)

	if err := h.limiter.RecordActualSpend(ctx, account.ID, actualCredits); err != nil {
		logger.Warn("spend record failed", "error", err)
	}

	if err := h.store.InsertUsageLog(ctx, &store.UsageLog{
		ContextID:        requestID(ctx),
		UserID:           identity.UserID,
		IsTesterSession:  tester,
		ModelID:          model,
		PromptTokens:     int(estimate.PromptTokens),
		CompletionTokens: int(completionTokens),
		CostCredits:      actualCredits,
		Provider:         result.Provider,
		Metadata: map[string]any{
			"usage_type": usageType,
			"byok":       byok,
		},
	}); err != nil {
		logger.Warn("usage log write failed", "error", err)
	}

	h.detector.Scan(account.ID, subject)
	h.analytics.Emit(analytics.Event{
		SessionID:        req.SessionID,
		ModelID:          model,
		Provider:         result.Provider,
		PromptTokens:     estimate.PromptTokens,
		CompletionTokens: completionTokens,
		CostCredits:      actualCredits,
	})
}
