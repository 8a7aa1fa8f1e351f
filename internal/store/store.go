package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means no row matched.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict means a uniqueness constraint rejected a write. On
	// account creation the caller must re-fetch the row that won the race.
	ErrConflict = errors.New("store: uniqueness conflict")
	// ErrInsufficientBalance means a conditional debit found less balance
	// than the amount being held.
	ErrInsufficientBalance = errors.New("store: insufficient balance")
	// ErrHoldReleased means the hold was already reconciled.
	ErrHoldReleased = errors.New("store: hold already released")
)

// Store is the relational store boundary. It is the sole synchronization
// point between concurrent gateway instances: every method that mutates a
// balance does so in a single atomic statement or transaction, never
// read-then-write from the caller's side.
type Store interface {
	// Accounts
	AccountByID(ctx context.Context, id string) (*Account, error)
	AccountByUserID(ctx context.Context, userID string) (*Account, error)
	// AccountByFingerprint matches regardless of owner; a migrated account
	// still answers for its original fingerprint.
	AccountByFingerprint(ctx context.Context, fingerprint string) (*Account, error)
	// AnonymousAccountByFingerprint matches only unclaimed accounts.
	AnonymousAccountByFingerprint(ctx context.Context, fingerprint string) (*Account, error)
	AccountByReferralCode(ctx context.Context, code string) (*Account, error)
	// CreateAccount inserts a new account and returns it with ID and
	// timestamps assigned. Returns ErrConflict on a uniqueness violation.
	CreateAccount(ctx context.Context, a *Account) (*Account, error)
	// AssignAccountOwner migrates an anonymous account to userID and adds
	// bonus to its balance, atomically and only if the account is still
	// unowned. Returns ErrConflict if the account is already owned or the
	// user already has an account.
	AssignAccountOwner(ctx context.Context, accountID, userID string, bonus int64) (*Account, error)
	// AdjustBalance applies deltas to balance / lifetime_earned /
	// lifetime_spent in one statement and returns the updated account.
	AdjustBalance(ctx context.Context, accountID string, delta, earnedDelta, spentDelta int64) (*Account, error)
	// DailyRefreshAccount tops the balance up to floor if at least minAge
	// has passed since the last update and the balance is below the floor.
	// Returns the account and the amount granted (0 when nothing was due).
	// The condition and the top-up are one atomic operation so concurrent
	// requests cannot double-grant.
	DailyRefreshAccount(ctx context.Context, accountID string, floor int64, minAge time.Duration) (*Account, int64, error)

	// Holds
	// PlaceHold debits h.Amount from the account balance and inserts the
	// hold in one atomic operation, conditional on balance >= h.Amount
	// (zero-amount placeholder holds always succeed). Expired unreleased
	// holds for the account are swept as a side effect.
	PlaceHold(ctx context.Context, h *Hold) (*Hold, error)
	// ReleaseHold marks the hold released exactly once, credits refund
	// back to the balance and adds actualCost to lifetime_spent. Returns
	// ErrHoldReleased if already reconciled.
	ReleaseHold(ctx context.Context, holdID string, refund, actualCost int64) (*Account, error)
	OpenHolds(ctx context.Context, accountID string, now time.Time) ([]Hold, error)

	// Transactions (append-only)
	AppendTransaction(ctx context.Context, t *Transaction) (*Transaction, error)
	Transactions(ctx context.Context, accountID string, limit int) ([]Transaction, error)

	// Rate-limit windows
	SpentInWindow(ctx context.Context, accountID string, windowStart time.Time) (int64, error)
	// RecordSpend upserts the minute window, adding credits and one
	// request, and sweeps windows older than the retention horizon.
	RecordSpend(ctx context.Context, accountID string, windowStart time.Time, credits int64) error
	RateWindowsSince(ctx context.Context, accountID string, since time.Time) ([]RateWindow, error)

	// Abuse signals
	InsertAbuseReport(ctx context.Context, r *AbuseReport) error
	RecordSession(ctx context.Context, s *Session) error
	SessionsSince(ctx context.Context, since time.Time, excludeFingerprint string, limit int) ([]Session, error)

	// External collaborator reads
	CreditConfig(ctx context.Context) (map[string]int64, error)
	BanStatus(ctx context.Context, userID, fingerprint string) (*Ban, error)
	HasRole(ctx context.Context, userID, role string) (bool, error)
	// CanAccessModel returns whether the caller's tier may use the model,
	// plus the tier name for error messages.
	CanAccessModel(ctx context.Context, userID, fingerprint, modelID string) (bool, string, error)
	// PreferredProvider returns the cheapest configured provider for the
	// model, or "" when no preference is recorded.
	PreferredProvider(ctx context.Context, modelID string) (string, error)

	// Usage records
	InsertUsageLog(ctx context.Context, u *UsageLog) error
}

// WindowRetention is how long rate-limit windows are kept. Old windows are
// swept opportunistically on write; the abuse detector never looks back
// further than this.
const WindowRetention = 5 * time.Minute
