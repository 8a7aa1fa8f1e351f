// Package ledger owns credit accounts, the append-only transaction trail,
// and the hold/release reconciliation protocol.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/modelmix/gateway/internal/store"
	"github.com/patrickmn/go-cache"
)

var (
	// ErrInsufficientCredits rejects a request whose overdraft-adjusted
	// estimate exceeds the account balance.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrNoIdentity rejects a request carrying neither a user id nor a
	// fingerprint.
	ErrNoIdentity = errors.New("no usable identity")
)

// Identity is the resolved caller: an authenticated user id, an anonymous
// device fingerprint, or both (the claim/migration case).
type Identity struct {
	UserID      string
	Fingerprint string
}

// Valid reports whether the identity can own a credit account.
func (i Identity) Valid() bool {
	return i.UserID != "" || i.Fingerprint != ""
}

// Service sequences account resolution, holds, releases, and refreshes on
// top of the store's atomic primitives. The store is the only
// synchronization point; Service keeps no cross-request state beyond the
// config cache.
type Service struct {
	store  store.Store
	cache  *cache.Cache
	logger *slog.Logger
}

// New creates a ledger service. The cache holds the credit-config snapshot
// between requests; its default expiration bounds snapshot staleness. A nil
// cache gets a 30-second default.
func New(st store.Store, c *cache.Cache, logger *slog.Logger) *Service {
	if c == nil {
		c = cache.New(30*time.Second, time.Minute)
	}
	return &Service{
		store:  st,
		cache:  c,
		logger: logger.With("component", "ledger"),
	}
}

// GetOrCreateAccount resolves the caller's account, creating or migrating
// one as needed.
//
// Resolution order: existing user account, claimable anonymous account
// (one-way migration with signup bonus), existing anonymous account, fresh
// creation. Creation credits trial_credits for anonymous callers or
// signup_bonus (plus referee bonus when referralCode resolves) for
// registered ones; a resolved referrer is credited on its own balance as a
// side effect. Losers of a creation race re-fetch and return the winner.
func (s *Service) GetOrCreateAccount(ctx context.Context, id Identity, referralCode string) (*store.Account, error) {
	if !id.Valid() {
		return nil, ErrNoIdentity
	}
	cfg := s.Snapshot(ctx)

	if id.UserID != "" {
		acct, err := s.store.AccountByUserID(ctx, id.UserID)
		if err == nil {
			return s.DailyRefresh(ctx, acct, cfg)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("looking up user account: %w", err)
		}

		if id.Fingerprint != "" {
			if migrated, err := s.claimAnonymousAccount(ctx, id, cfg); err == nil && migrated != nil {
				return migrated, nil
			} else if err != nil {
				return nil, err
			}
		}
		return s.createAccount(ctx, id, referralCode, cfg)
	}

	acct, err := s.store.AccountByFingerprint(ctx, id.Fingerprint)
	if err == nil {
		// May already be owned by a registered user; the fingerprint still
		// maps to that account rather than resurrecting a second one.
		return s.DailyRefresh(ctx, acct, cfg)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up fingerprint account: %w", err)
	}
	return s.createAccount(ctx, id, referralCode, cfg)
}

// claimAnonymousAccount migrates the caller's anonymous account to their
// user id. Returns (nil, nil) when there is nothing to claim.
func (s *Service) claimAnonymousAccount(ctx context.Context, id Identity, cfg Config) (*store.Account, error) {
	anon, err := s.store.AnonymousAccountByFingerprint(ctx, id.Fingerprint)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up anonymous account: %w", err)
	}

	migrated, err := s.store.AssignAccountOwner(ctx, anon.ID, id.UserID, cfg.SignupBonus)
	if errors.Is(err, store.ErrConflict) {
		// Another request claimed it, or the user account appeared
		// concurrently. The user lookup is now authoritative.
		if winner, lookupErr := s.store.AccountByUserID(ctx, id.UserID); lookupErr == nil {
			return winner, nil
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("migrating anonymous account: %w", err)
	}

	s.appendTransaction(ctx, &store.Transaction{
		AccountID:    migrated.ID,
		Amount:       cfg.SignupBonus,
		BalanceAfter: migrated.Balance,
		Source:       store.SourceSignupBonus,
		Description:  "signup bonus on account claim",
	})
	s.logger.Info("anonymous account migrated",
		"account_id", migrated.ID, "bonus", cfg.SignupBonus)
	return migrated, nil
}

func (s *Service) createAccount(ctx context.Context, id Identity, referralCode string, cfg Config) (*store.Account, error) {
	var (
		initial int64
		source  store.TransactionSource
		desc    string
	)
	if id.UserID != "" {
		initial = cfg.SignupBonus
		source = store.SourceSignupBonus
		desc = "signup bonus"
	} else {
		initial = cfg.TrialCredits
		source = store.SourceTrial
		desc = "trial credits"
	}

	// Referral bonuses attach to registration only; an anonymous caller
	// carrying a code gets plain trial credits.
	var referrer *store.Account
	var refereeBonus int64
	if id.UserID != "" && referralCode != "" {
		found, err := s.store.AccountByReferralCode(ctx, referralCode)
		if err == nil && found.UserID != id.UserID {
			referrer = found
			refereeBonus = cfg.RefereeBonus
		}
	}

	acct, err := s.store.CreateAccount(ctx, &store.Account{
		UserID:         id.UserID,
		Fingerprint:    id.Fingerprint,
		Balance:        initial + refereeBonus,
		LifetimeEarned: initial + refereeBonus,
		ReferralCode:   newReferralCode(),
		ReferredBy:     referredBy(referrer),
	})
	if errors.Is(err, store.ErrConflict) {
		return s.fetchRaceWinner(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("creating account: %w", err)
	}

	s.appendTransaction(ctx, &store.Transaction{
		AccountID:    acct.ID,
		Amount:       initial,
		BalanceAfter: initial,
		Source:       source,
		Description:  desc,
	})
	if refereeBonus > 0 {
		s.appendTransaction(ctx, &store.Transaction{
			AccountID:    acct.ID,
			Amount:       refereeBonus,
			BalanceAfter: acct.Balance,
			Source:       store.SourceReferralBonus,
			Description:  "referral bonus",
		})
	}
	if referrer != nil {
		s.creditReferrer(ctx, referrer, cfg.ReferrerBonus)
	}
	return acct, nil
}

// fetchRaceWinner re-reads the account after a creation uniqueness
// conflict. Creation is idempotent from the caller's perspective.
func (s *Service) fetchRaceWinner(ctx context.Context, id Identity) (*store.Account, error) {
	if id.UserID != "" {
		if acct, err := s.store.AccountByUserID(ctx, id.UserID); err == nil {
			return acct, nil
		}
	}
	if id.Fingerprint != "" {
		if acct, err := s.store.AccountByFingerprint(ctx, id.Fingerprint); err == nil {
			return acct, nil
		}
	}
	return nil, fmt.Errorf("account creation conflict but no winner found: %w", store.ErrConflict)
}

// creditReferrer applies the referrer-side bonus on the referrer's own
// balance. Failures are logged, never surfaced: the new account must not
// fail because a referrer credit did.
func (s *Service) creditReferrer(ctx context.Context, referrer *store.Account, bonus int64) {
	if bonus <= 0 {
		return
	}
	updated, err := s.store.AdjustBalance(ctx, referrer.ID, bonus, bonus, 0)
	if err != nil {
		s.logger.Warn("referrer credit failed", "referrer_id", referrer.ID, "error", err)
		return
	}
	s.appendTransaction(ctx, &store.Transaction{
		AccountID:    updated.ID,
		Amount:       bonus,
		BalanceAfter: updated.Balance,
		Source:       store.SourceReferralEarned,
		Description:  "referral reward",
	})
}

// DailyRefresh tops the account up to the configured floor when at least a
// day has passed since its last balance change. Pure top-up.
func (s *Service) DailyRefresh(ctx context.Context, acct *store.Account, cfg Config) (*store.Account, error) {
	refreshed, granted, err := s.store.DailyRefreshAccount(ctx, acct.ID, cfg.DailyRefreshFloor, 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("daily refresh: %w", err)
	}
	if granted > 0 {
		s.appendTransaction(ctx, &store.Transaction{
			AccountID:    refreshed.ID,
			Amount:       granted,
			BalanceAfter: refreshed.Balance,
			Source:       store.SourceDailyRefresh,
			Description:  "daily refresh",
		})
		s.logger.Info("daily refresh applied", "account_id", refreshed.ID, "granted", granted)
	}
	return refreshed, nil
}

// CheckBalance rejects when the account cannot cover the overdraft-adjusted
// estimate. Zero-amount estimates (BYOK, testers) always pass.
func (s *Service) CheckBalance(acct *store.Account, estimate int64, cfg Config) error {
	required := cfg.RequiredBalance(estimate)
	if acct.Balance < required {
		return fmt.Errorf("%w: balance %d below required %d", ErrInsufficientCredits, acct.Balance, required)
	}
	return nil
}

// PlaceHold atomically debits amount from the account and records the hold.
// A zero amount records a placeholder hold without touching the balance.
func (s *Service) PlaceHold(ctx context.Context, acct *store.Account, amount int64, reason string, cfg Config) (*store.Hold, error) {
	hold, err := s.store.PlaceHold(ctx, &store.Hold{
		AccountID: acct.ID,
		Amount:    amount,
		Reason:    reason,
		ExpiresAt: time.Now().Add(cfg.HoldTTL),
	})
	if errors.Is(err, store.ErrInsufficientBalance) {
		return nil, fmt.Errorf("%w: hold of %d exceeds balance", ErrInsufficientCredits, amount)
	}
	if err != nil {
		return nil, fmt.Errorf("placing hold: %w", err)
	}
	return hold, nil
}

// ReleaseHold reconciles a hold against the measured actual cost: refund
// the unspent remainder, count the actual against lifetime_spent, and write
// the usage transaction. Exactly once per hold; a second release returns
// store.ErrHoldReleased and changes nothing.
func (s *Service) ReleaseHold(ctx context.Context, hold *store.Hold, actualCost int64, usageType string, tokensUsed int64) (*store.Account, error) {
	if actualCost < 0 {
		actualCost = 0
	}
	if actualCost > hold.Amount {
		actualCost = hold.Amount
	}
	refund := hold.Amount - actualCost

	acct, err := s.store.ReleaseHold(ctx, hold.ID, refund, actualCost)
	if err != nil {
		return nil, fmt.Errorf("releasing hold %s: %w", hold.ID, err)
	}

	s.appendTransaction(ctx, &store.Transaction{
		AccountID:    acct.ID,
		Amount:       -actualCost,
		BalanceAfter: acct.Balance,
		Source:       store.SourceUsage,
		Description:  "usage",
		UsageType:    usageType,
		Metadata: map[string]any{
			"held":     hold.Amount,
			"refunded": refund,
			"tokens":   tokensUsed,
		},
	})
	return acct, nil
}

// BalanceSummary is the caller-facing view of an account.
type BalanceSummary struct {
	Balance         int64  `json:"balance"`
	Registered      bool   `json:"registered"`
	ReferralCode    string `json:"referralCode"`
	LifetimeEarned  int64  `json:"lifetimeEarned"`
	LifetimeSpent   int64  `json:"lifetimeSpent"`
	TokensPerCredit int64  `json:"tokensPerCredit"`
}

// Balance resolves the caller's account and summarizes it.
func (s *Service) Balance(ctx context.Context, id Identity) (*BalanceSummary, error) {
	acct, err := s.GetOrCreateAccount(ctx, id, "")
	if err != nil {
		return nil, err
	}
	cfg := s.Snapshot(ctx)
	return &BalanceSummary{
		Balance:         acct.Balance,
		Registered:      !acct.Anonymous(),
		ReferralCode:    acct.ReferralCode,
		LifetimeEarned:  acct.LifetimeEarned,
		LifetimeSpent:   acct.LifetimeSpent,
		TokensPerCredit: cfg.TokensPerCredit,
	}, nil
}

// History returns the caller's most recent ledger entries, newest first.
func (s *Service) History(ctx context.Context, id Identity, limit int) ([]store.Transaction, error) {
	acct, err := s.GetOrCreateAccount(ctx, id, "")
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	return s.store.Transactions(ctx, acct.ID, limit)
}

// appendTransaction writes an audit row. Write failures are logged rather
// than propagated: the balance mutation already committed, and losing an
// audit row is preferable to double-applying a mutation on retry.
func (s *Service) appendTransaction(ctx context.Context, t *store.Transaction) {
	if _, err := s.store.AppendTransaction(ctx, t); err != nil {
		s.logger.Error("transaction write failed",
			"account_id", t.AccountID, "source", string(t.Source), "error", err)
	}
}

func newReferralCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
}

func referredBy(referrer *store.Account) string {
	if referrer == nil {
		return ""
	}
	if referrer.UserID != "" {
		return referrer.UserID
	}
	return referrer.Fingerprint
}
