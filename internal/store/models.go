package store

import "time"

// Account is a credit account owned by either an authenticated user or an
// anonymous device fingerprint. Exactly one of UserID/Fingerprint is set at
// creation; a fingerprint account gains a UserID once, on migration.
type Account struct {
	ID             string
	UserID         string
	Fingerprint    string
	Balance        int64
	LifetimeEarned int64
	LifetimeSpent  int64
	ReferralCode   string
	ReferredBy     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Anonymous reports whether the account has not been claimed by a user.
func (a *Account) Anonymous() bool {
	return a.UserID == ""
}

// TransactionSource enumerates why a balance changed.
type TransactionSource string

const (
	SourceTrial          TransactionSource = "trial"
	SourceSignupBonus    TransactionSource = "signup_bonus"
	SourceReferralBonus  TransactionSource = "referral_bonus"
	SourceReferralEarned TransactionSource = "referral_earned"
	SourceDailyRefresh   TransactionSource = "daily_refresh"
	SourceUsage          TransactionSource = "usage"
	SourceAdminGrant     TransactionSource = "admin_grant"
	SourceRefund         TransactionSource = "refund"
	SourcePurchase       TransactionSource = "purchase"
)

// Transaction is an append-only ledger entry. The account balance is a
// derived cache of the running sum of these rows.
type Transaction struct {
	ID           string
	AccountID    string
	Amount       int64
	BalanceAfter int64
	Source       TransactionSource
	Description  string
	UsageType    string
	Metadata     map[string]any
	CreatedAt    time.Time
}

// Hold is a reservation of credits already debited from the balance,
// awaiting reconciliation. Expired unreleased holds are treated as
// abandoned.
type Hold struct {
	ID        string
	AccountID string
	Amount    int64
	Reason    string
	ExpiresAt time.Time
	Released  bool
	CreatedAt time.Time
}

// RateWindow tracks spend per account per minute.
type RateWindow struct {
	AccountID    string
	WindowStart  time.Time
	CreditsSpent int64
	RequestCount int64
}

// AbuseReport is a write-only signal for downstream review.
type AbuseReport struct {
	UserID      string
	Fingerprint string
	SessionID   string
	AbuseType   string
	Severity    string
	Confidence  float64
	DetectedBy  string
	Metadata    map[string]any
	CreatedAt   time.Time
}

// Session records that a session was seen, keyed by session id. Used by the
// fingerprint-rotation heuristic.
type Session struct {
	SessionID   string
	UserID      string
	Fingerprint string
	StartedAt   time.Time
}

// UsageLog is the per-request usage record emitted to the analytics
// collaborator's table.
type UsageLog struct {
	ContextID        string
	UserID           string
	IsTesterSession  bool
	ModelID          string
	PromptTokens     int
	CompletionTokens int
	CostCredits      int64
	Provider         string
	Metadata         map[string]any
	CreatedAt        time.Time
}

// Ban is the read-only result of the external ban collaborator's decision.
type Ban struct {
	Banned    bool
	Reason    string
	Severity  string
	ExpiresAt *time.Time
}
