package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store used by tests and DATABASE_URL-less local
// runs. It enforces the same uniqueness and conditional-update semantics as
// the Postgres implementation so the ledger's race handling is exercised
// identically.
type Memory struct {
	mu sync.Mutex

	accounts     map[string]*Account
	holds        map[string]*Hold
	transactions map[string][]Transaction
	windows      map[string]*RateWindow // key: accountID + "|" + minute
	reports      []AbuseReport
	sessions     []Session
	usageLogs    []UsageLog

	config        map[string]int64
	roles         map[string]map[string]bool // userID -> role set
	bans          map[string]*Ban            // userID or fingerprint
	modelDenials  map[string]string          // modelID -> tier required message key
	callerTiers   map[string]string          // userID or fingerprint -> tier
	preferred     map[string]string          // modelID -> provider name
	now           func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		accounts:     make(map[string]*Account),
		holds:        make(map[string]*Hold),
		transactions: make(map[string][]Transaction),
		windows:      make(map[string]*RateWindow),
		config:       make(map[string]int64),
		roles:        make(map[string]map[string]bool),
		bans:         make(map[string]*Ban),
		modelDenials: make(map[string]string),
		callerTiers:  make(map[string]string),
		preferred:    make(map[string]string),
		now:          time.Now,
	}
}

// SetClock overrides the store's clock. Test helper.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) AccountByID(_ context.Context, id string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAccount(a), nil
}

func (m *Memory) AccountByUserID(_ context.Context, userID string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.UserID != "" && a.UserID == userID {
			return copyAccount(a), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) AccountByFingerprint(_ context.Context, fingerprint string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Fingerprint != "" && a.Fingerprint == fingerprint {
			return copyAccount(a), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) AnonymousAccountByFingerprint(_ context.Context, fingerprint string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.UserID == "" && a.Fingerprint == fingerprint {
			return copyAccount(a), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) AccountByReferralCode(_ context.Context, code string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.ReferralCode != "" && a.ReferralCode == code {
			return copyAccount(a), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) CreateAccount(_ context.Context, a *Account) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.accounts {
		if a.UserID != "" && existing.UserID == a.UserID {
			return nil, ErrConflict
		}
		if a.UserID == "" && existing.UserID == "" && existing.Fingerprint == a.Fingerprint {
			return nil, ErrConflict
		}
		if a.ReferralCode != "" && existing.ReferralCode == a.ReferralCode {
			return nil, ErrConflict
		}
	}

	created := copyAccount(a)
	created.ID = uuid.New().String()
	created.CreatedAt = m.now()
	created.UpdatedAt = created.CreatedAt
	m.accounts[created.ID] = created
	return copyAccount(created), nil
}

func (m *Memory) AssignAccountOwner(_ context.Context, accountID, userID string, bonus int64) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	if a.UserID != "" {
		return nil, ErrConflict
	}
	for _, existing := range m.accounts {
		if existing.UserID == userID {
			return nil, ErrConflict
		}
	}
	a.UserID = userID
	a.Balance += bonus
	a.LifetimeEarned += bonus
	a.UpdatedAt = m.now()
	return copyAccount(a), nil
}

func (m *Memory) AdjustBalance(_ context.Context, accountID string, delta, earnedDelta, spentDelta int64) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	a.Balance += delta
	a.LifetimeEarned += earnedDelta
	a.LifetimeSpent += spentDelta
	a.UpdatedAt = m.now()
	return copyAccount(a), nil
}

func (m *Memory) DailyRefreshAccount(_ context.Context, accountID string, floor int64, minAge time.Duration) (*Account, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[accountID]
	if !ok {
		return nil, 0, ErrNotFound
	}
	now := m.now()
	if floor <= 0 || a.Balance >= floor || now.Sub(a.UpdatedAt) < minAge {
		return copyAccount(a), 0, nil
	}
	granted := floor - a.Balance
	a.Balance = floor
	a.LifetimeEarned += granted
	a.UpdatedAt = now
	return copyAccount(a), granted, nil
}

func (m *Memory) PlaceHold(_ context.Context, h *Hold) (*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[h.AccountID]
	if !ok {
		return nil, ErrNotFound
	}

	now := m.now()
	// Sweep abandoned holds for this account: credit back and mark released.
	for _, open := range m.holds {
		if open.AccountID == h.AccountID && !open.Released && now.After(open.ExpiresAt) {
			open.Released = true
			a.Balance += open.Amount
		}
	}

	if h.Amount > 0 && a.Balance < h.Amount {
		return nil, ErrInsufficientBalance
	}
	a.Balance -= h.Amount
	a.UpdatedAt = now

	created := *h
	created.ID = uuid.New().String()
	created.CreatedAt = now
	m.holds[created.ID] = &created
	out := created
	return &out, nil
}

func (m *Memory) ReleaseHold(_ context.Context, holdID string, refund, actualCost int64) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.holds[holdID]
	if !ok {
		return nil, ErrNotFound
	}
	if h.Released {
		return nil, ErrHoldReleased
	}
	a, ok := m.accounts[h.AccountID]
	if !ok {
		return nil, ErrNotFound
	}
	h.Released = true
	a.Balance += refund
	a.LifetimeSpent += actualCost
	a.UpdatedAt = m.now()
	return copyAccount(a), nil
}

func (m *Memory) OpenHolds(_ context.Context, accountID string, now time.Time) ([]Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Hold
	for _, h := range m.holds {
		if h.AccountID == accountID && !h.Released && now.Before(h.ExpiresAt) {
			out = append(out, *h)
		}
	}
	return out, nil
}

func (m *Memory) AppendTransaction(_ context.Context, t *Transaction) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	created := *t
	created.ID = uuid.New().String()
	created.CreatedAt = m.now()
	m.transactions[t.AccountID] = append(m.transactions[t.AccountID], created)
	out := created
	return &out, nil
}

func (m *Memory) Transactions(_ context.Context, accountID string, limit int) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txs := m.transactions[accountID]
	out := make([]Transaction, len(txs))
	copy(out, txs)
	// Newest first, like the original history endpoint.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func windowKey(accountID string, windowStart time.Time) string {
	return accountID + "|" + windowStart.UTC().Format(time.RFC3339)
}

func (m *Memory) SpentInWindow(_ context.Context, accountID string, windowStart time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.windows[windowKey(accountID, windowStart)]; ok {
		return w.CreditsSpent, nil
	}
	return 0, nil
}

func (m *Memory) RecordSpend(_ context.Context, accountID string, windowStart time.Time, credits int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := windowKey(accountID, windowStart)
	if w, ok := m.windows[key]; ok {
		w.CreditsSpent += credits
		w.RequestCount++
	} else {
		m.windows[key] = &RateWindow{
			AccountID:    accountID,
			WindowStart:  windowStart,
			CreditsSpent: credits,
			RequestCount: 1,
		}
	}

	horizon := m.now().Add(-WindowRetention)
	for k, w := range m.windows {
		if w.WindowStart.Before(horizon) {
			delete(m.windows, k)
		}
	}
	return nil
}

func (m *Memory) RateWindowsSince(_ context.Context, accountID string, since time.Time) ([]RateWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []RateWindow
	for _, w := range m.windows {
		if w.AccountID == accountID && !w.WindowStart.Before(since) {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (m *Memory) InsertAbuseReport(_ context.Context, r *AbuseReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := *r
	rec.CreatedAt = m.now()
	m.reports = append(m.reports, rec)
	return nil
}

func (m *Memory) RecordSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := *s
	if rec.StartedAt.IsZero() {
		rec.StartedAt = m.now()
	}
	m.sessions = append(m.sessions, rec)
	return nil
}

func (m *Memory) SessionsSince(_ context.Context, since time.Time, excludeFingerprint string, limit int) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Session
	for _, s := range m.sessions {
		if s.StartedAt.Before(since) {
			continue
		}
		if excludeFingerprint != "" && s.Fingerprint == excludeFingerprint {
			continue
		}
		out = append(out, s)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) CreditConfig(_ context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]int64, len(m.config))
	for k, v := range m.config {
		out[k] = v
	}
	return out, nil
}

// SetCreditConfig replaces credit_config rows. Test and local-dev helper.
func (m *Memory) SetCreditConfig(cfg map[string]int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = make(map[string]int64, len(cfg))
	for k, v := range cfg {
		m.config[k] = v
	}
}

func (m *Memory) BanStatus(_ context.Context, userID, fingerprint string) (*Ban, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range []string{userID, fingerprint} {
		if key == "" {
			continue
		}
		if b, ok := m.bans[key]; ok {
			out := *b
			return &out, nil
		}
	}
	return &Ban{Banned: false}, nil
}

// SetBan marks a user id or fingerprint as banned. Test helper.
func (m *Memory) SetBan(key string, ban Ban) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bans[key] = &ban
}

func (m *Memory) HasRole(_ context.Context, userID, role string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if userID == "" {
		return false, nil
	}
	return m.roles[userID][role], nil
}

// GrantRole assigns a role to a user id. Test helper.
func (m *Memory) GrantRole(userID, role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roles[userID] == nil {
		m.roles[userID] = make(map[string]bool)
	}
	m.roles[userID][role] = true
}

func (m *Memory) CanAccessModel(_ context.Context, userID, fingerprint, modelID string) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tier := "guest"
	if userID != "" {
		tier = "free"
	}
	for _, key := range []string{userID, fingerprint} {
		if t, ok := m.callerTiers[key]; ok && key != "" {
			tier = t
		}
	}
	if required, ok := m.modelDenials[modelID]; ok && !strings.EqualFold(required, tier) {
		return false, tier, nil
	}
	return true, tier, nil
}

// RestrictModel requires tier for a model id. Test helper; unlisted models
// are open to every caller.
func (m *Memory) RestrictModel(modelID, requiredTier string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelDenials[modelID] = requiredTier
}

// SetCallerTier overrides the tier for a user id or fingerprint. Test helper.
func (m *Memory) SetCallerTier(key, tier string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callerTiers[key] = tier
}

func (m *Memory) PreferredProvider(_ context.Context, modelID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.preferred[modelID], nil
}

// SetPreferredProvider records the cheapest provider for a model. Test helper.
func (m *Memory) SetPreferredProvider(modelID, provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preferred[modelID] = provider
}

func (m *Memory) InsertUsageLog(_ context.Context, u *UsageLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := *u
	rec.CreatedAt = m.now()
	m.usageLogs = append(m.usageLogs, rec)
	return nil
}

// UsageLogs returns all recorded usage rows. Test helper.
func (m *Memory) UsageLogs() []UsageLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]UsageLog, len(m.usageLogs))
	copy(out, m.usageLogs)
	return out
}

// AbuseReports returns all recorded reports. Test helper.
func (m *Memory) AbuseReports() []AbuseReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AbuseReport, len(m.reports))
	copy(out, m.reports)
	return out
}

func copyAccount(a *Account) *Account {
	out := *a
	return &out
}

var _ Store = (*Memory)(nil)
