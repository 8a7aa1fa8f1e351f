package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/modelmix/gateway/internal/abuse"
	"github.com/modelmix/gateway/internal/config"
	"github.com/modelmix/gateway/internal/ledger"
	"github.com/modelmix/gateway/internal/providers"
	"github.com/modelmix/gateway/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRouter struct {
	stream    string
	provider  string
	fail      bool
	attempted []string
	calls     int
}

func (f *fakeRouter) Route(_ context.Context, req providers.ChatRequest, _ string) (*providers.ChatResult, error) {
	f.calls++
	if f.fail {
		return nil, &providers.RouteError{Model: req.Model, Attempted: f.attempted}
	}
	return &providers.ChatResult{
		Provider:    f.provider,
		Body:        io.NopCloser(strings.NewReader(f.stream)),
		ContentType: "text/event-stream",
	}, nil
}

func (f *fakeRouter) Available() []string { return f.attempted }

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			AppWebOrigin: "https://modelmix.app",
		},
		Abuse: config.AbuseConfig{
			LookbackWindow:      5 * time.Minute,
			MinRateWindows:      3,
			RateBurstMultiplier: 3,
			MinSessions:         5,
			MinFingerprints:     3,
			SampleEveryN:        1,
		},
	}
}

func newTestHandler(t *testing.T) (*Handler, *store.Memory, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mem := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(testConfig(), mem, logger)
	h.router = &fakeRouter{stream: "data: hello\n\n", provider: "FakeAI"}

	engine := gin.New()
	h.RegisterRoutes(engine)
	return h, mem, engine
}

func postChat(t *testing.T, engine *gin.Engine, userID string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

// chatBody builds a request with an exact billable byte count. Only the
// submitted messages meter; systemBytes exercises the prompt override
// without affecting the estimate.
func chatBody(fingerprint string, messageBytes, systemBytes int) map[string]any {
	return map[string]any{
		"messages": []map[string]string{
			{"role": "user", "content": strings.Repeat("a", messageBytes)},
		},
		"model":        "openai/gpt-4o-mini",
		"systemPrompt": strings.Repeat("s", systemBytes),
		"fingerprint":  fingerprint,
		"sessionId":    "sess-1",
	}
}

func TestChatHappyPathStreamsAndReconciles(t *testing.T) {
	h, mem, engine := newTestHandler(t)
	ctx := context.Background()

	// 40000 message bytes on a flash model: 10000 prompt tokens, 20000
	// estimated completion tokens, 30 credits held.
	w := postChat(t, engine, "", chatBody("fp1", 40000, 100))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "data: hello\n\n", w.Body.String(), "vendor bytes pass through untouched")
	assert.Equal(t, "FakeAI", w.Header().Get("X-Provider"))

	// 13 streamed bytes round up to 4 completion tokens; 10004 total
	// tokens cost 11 credits, so 19 of the 30 held come back.
	acct, err := mem.AccountByFingerprint(ctx, "fp1")
	require.NoError(t, err)
	assert.Equal(t, int64(489), acct.Balance)
	assert.Equal(t, int64(11), acct.LifetimeSpent)

	txs, err := mem.Transactions(ctx, acct.ID, 0)
	require.NoError(t, err)
	var usage []store.Transaction
	for _, tx := range txs {
		if tx.Source == store.SourceUsage {
			usage = append(usage, tx)
		}
	}
	require.Len(t, usage, 1)
	assert.Equal(t, int64(-11), usage[0].Amount)

	logs := mem.UsageLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "FakeAI", logs[0].Provider)
	assert.Equal(t, int64(11), logs[0].CostCredits)
	assert.Equal(t, 10000, logs[0].PromptTokens)

	h.detector.Wait()
}

func TestChatSteeredContentCostsNothing(t *testing.T) {
	h, mem, engine := newTestHandler(t)

	w := postChat(t, engine, "", map[string]any{
		"messages": []map[string]string{
			{"role": "user", "content": "how to make a bomb"},
		},
		"fingerprint": "fp1",
	})

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["steered"])
	assert.Equal(t, "dangerous_content", resp["category"])
	assert.NotEmpty(t, resp["content"])

	// No account, no holds, no transactions: steering is not billable.
	_, err := mem.AccountByFingerprint(context.Background(), "fp1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	reports := mem.AbuseReports()
	require.Len(t, reports, 1)
	assert.Equal(t, "content_dangerous_content", reports[0].AbuseType)
	assert.Equal(t, "low", reports[0].Severity)

	h.detector.Wait()
}

func TestChatInsufficientCredits(t *testing.T) {
	h, mem, engine := newTestHandler(t)
	ctx := context.Background()

	acct, err := h.ledger.GetOrCreateAccount(ctx, ledger.Identity{Fingerprint: "fp-poor"}, "")
	require.NoError(t, err)
	_, err = mem.AdjustBalance(ctx, acct.ID, -490, 0, 490)
	require.NoError(t, err)

	// 49100 message bytes estimate to 37 credits; with the 110% overdraft
	// margin the request needs 41, far above the 10-credit balance.
	w := postChat(t, engine, "", chatBody("fp-poor", 49100, 100))

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(10), resp["balance"])
	assert.Equal(t, float64(41), resp["required"])
	assert.Equal(t, false, resp["isRegistered"])
	assert.Contains(t, resp["message"], "Sign up")

	after, err := mem.AccountByID(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), after.Balance, "a rejected request must not move the balance")
}

func TestChatRateLimited(t *testing.T) {
	h, mem, engine := newTestHandler(t)
	ctx := context.Background()

	fixed := time.Now()
	h.limiter.SetClock(func() time.Time { return fixed })

	acct, err := h.ledger.GetOrCreateAccount(ctx, ledger.Identity{Fingerprint: "fp-busy"}, "")
	require.NoError(t, err)
	require.NoError(t, h.limiter.RecordActualSpend(ctx, acct.ID, 28))

	// A 6-credit estimate does not fit in the remaining window.
	w := postChat(t, engine, "", chatBody("fp-busy", 6667, 67))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	after, err := mem.AccountByID(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), after.Balance)

	holds, err := mem.OpenHolds(ctx, acct.ID, time.Now())
	require.NoError(t, err)
	assert.Empty(t, holds, "rejection happens before any hold")

	// Every 429 writes a report, independent of the sampled heuristics.
	reports := mem.AbuseReports()
	require.NotEmpty(t, reports)
	assert.Equal(t, abuse.TypeRateLimitExceeded, reports[0].AbuseType)
	assert.Equal(t, "medium", reports[0].Severity)
	assert.Equal(t, int64(6), reports[0].Metadata["estimated_credits"])

	h.detector.Wait()
}

func TestChatUpstreamFailureRefundsInFull(t *testing.T) {
	h, mem, engine := newTestHandler(t)
	ctx := context.Background()
	h.router = &fakeRouter{fail: true, attempted: []string{"OpenAI", "OpenRouter"}}

	w := postChat(t, engine, "", chatBody("fp1", 40000, 100))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	attempted, ok := resp["attempted"].([]any)
	require.True(t, ok)
	assert.Equal(t, []any{"OpenAI", "OpenRouter"}, attempted)

	// The 30-credit hold came back in full.
	acct, err := mem.AccountByFingerprint(ctx, "fp1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), acct.Balance)
	assert.Equal(t, int64(0), acct.LifetimeSpent)

	holds, err := mem.OpenHolds(ctx, acct.ID, time.Now())
	require.NoError(t, err)
	assert.Empty(t, holds)
}

func TestChatBYOKSkipsMetering(t *testing.T) {
	h, mem, engine := newTestHandler(t)
	ctx := context.Background()

	keyed := &fakeRouter{stream: "data: byok\n\n", provider: "OpenAI"}
	h.newKeyedRouter = func(keys map[string]string) ChatRouter {
		assert.Equal(t, "sk-user", keys["openai"])
		return keyed
	}

	body := chatBody("fp1", 40000, 100)
	body["userApiKeys"] = map[string]string{"openai": "sk-user"}
	w := postChat(t, engine, "", body)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, keyed.calls)

	// The caller pays their vendor directly: zero-amount hold, no spend.
	acct, err := mem.AccountByFingerprint(ctx, "fp1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), acct.Balance)
	assert.Equal(t, int64(0), acct.LifetimeSpent)

	h.detector.Wait()
}

func TestChatTesterRidesFree(t *testing.T) {
	h, mem, engine := newTestHandler(t)
	ctx := context.Background()
	mem.GrantRole("user-t", "tester")

	w := postChat(t, engine, "user-t", chatBody("", 40000, 100))
	require.Equal(t, http.StatusOK, w.Code)

	acct, err := mem.AccountByUserID(ctx, "user-t")
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.Balance, "signup bonus only, nothing spent")

	logs := mem.UsageLogs()
	require.Len(t, logs, 1)
	assert.True(t, logs[0].IsTesterSession)
	assert.Equal(t, int64(0), logs[0].CostCredits)

	h.detector.Wait()
}

func TestChatBannedCaller(t *testing.T) {
	_, mem, engine := newTestHandler(t)
	mem.SetBan("fp-banned", store.Ban{Banned: true, Reason: "abuse"})

	w := postChat(t, engine, "", chatBody("fp-banned", 100, 0))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestChatModelNotEntitled(t *testing.T) {
	_, mem, engine := newTestHandler(t)
	mem.RestrictModel("openai/o1", "premium")

	body := chatBody("fp1", 100, 0)
	body["model"] = "openai/o1"
	w := postChat(t, engine, "", body)

	assert.Equal(t, http.StatusForbidden, w.Code)
	_, err := mem.AccountByFingerprint(context.Background(), "fp1")
	assert.ErrorIs(t, err, store.ErrNotFound, "rejection happens before account creation")
}

func TestChatValidation(t *testing.T) {
	_, _, engine := newTestHandler(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"no messages", map[string]any{"fingerprint": "fp1", "messages": []map[string]string{}}},
		{"no identity", map[string]any{"messages": []map[string]string{{"role": "user", "content": "hi"}}}},
		{"bad role", map[string]any{
			"fingerprint": "fp1",
			"messages":    []map[string]string{{"role": "tool", "content": "hi"}},
		}},
		{"oversized message", map[string]any{
			"fingerprint": "fp1",
			"messages":    []map[string]string{{"role": "user", "content": strings.Repeat("a", 50001)}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postChat(t, engine, "", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestCreditsBalanceAndReferral(t *testing.T) {
	_, _, engine := newTestHandler(t)

	post := func(body map[string]any) *httptest.ResponseRecorder {
		raw, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodPost, "/v1/credits", bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		return w
	}

	w := post(map[string]any{"action": "balance", "fingerprint": "fp1"})
	require.Equal(t, http.StatusOK, w.Code)
	var balance map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &balance))
	assert.Equal(t, float64(500), balance["balance"])
	assert.Equal(t, false, balance["registered"])
	code := balance["referralCode"].(string)
	assert.NotEmpty(t, code)

	w = post(map[string]any{"action": "referral-code", "fingerprint": "fp1"})
	require.Equal(t, http.StatusOK, w.Code)
	var ref map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ref))
	assert.Equal(t, code, ref["referralCode"])
	assert.Equal(t, "https://modelmix.app/?ref="+code, ref["shareUrl"])

	w = post(map[string]any{"action": "history", "fingerprint": "fp1"})
	require.Equal(t, http.StatusOK, w.Code)
	var hist map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	assert.Len(t, hist["transactions"], 1)
}

func TestHealthz(t *testing.T) {
	_, _, engine := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}
