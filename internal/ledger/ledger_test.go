package ledger

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/modelmix/gateway/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(mem, nil, logger), mem
}

func sumTransactions(t *testing.T, mem *store.Memory, accountID string) int64 {
	t.Helper()
	txs, err := mem.Transactions(context.Background(), accountID, 0)
	require.NoError(t, err)
	var sum int64
	for _, tx := range txs {
		sum += tx.Amount
	}
	return sum
}

func TestGetOrCreateAccountAnonymousTrial(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()

	acct, err := svc.GetOrCreateAccount(ctx, Identity{Fingerprint: "fp1"}, "")
	require.NoError(t, err)
	assert.Equal(t, int64(500), acct.Balance)
	assert.True(t, acct.Anonymous())
	assert.NotEmpty(t, acct.ReferralCode)

	// Second call returns the same account, untouched.
	again, err := svc.GetOrCreateAccount(ctx, Identity{Fingerprint: "fp1"}, "")
	require.NoError(t, err)
	assert.Equal(t, acct.ID, again.ID)
	assert.Equal(t, int64(500), again.Balance)

	assert.Equal(t, int64(500), sumTransactions(t, mem, acct.ID))
}

func TestGetOrCreateAccountRegisteredSignup(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()

	acct, err := svc.GetOrCreateAccount(ctx, Identity{UserID: "user-1"}, "")
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.Balance)
	assert.False(t, acct.Anonymous())
	assert.Equal(t, int64(10), sumTransactions(t, mem, acct.ID))
}

func TestRaceSafeCreation(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()

	const n = 16
	accounts := make([]*store.Account, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			acct, err := svc.GetOrCreateAccount(ctx, Identity{Fingerprint: "racing-fp"}, "")
			if assert.NoError(t, err) {
				accounts[i] = acct
			}
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Equal(t, accounts[0].ID, accounts[i].ID)
	}

	// Exactly one account persisted.
	winner, err := mem.AccountByFingerprint(ctx, "racing-fp")
	require.NoError(t, err)
	assert.Equal(t, accounts[0].ID, winner.ID)
	assert.Equal(t, int64(500), winner.Balance)
}

func TestMigrationIsOneWay(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()

	anon, err := svc.GetOrCreateAccount(ctx, Identity{Fingerprint: "fp-migrate"}, "")
	require.NoError(t, err)

	// Registering with the same fingerprint claims the anonymous account
	// and grants the signup bonus on top of the existing balance.
	claimed, err := svc.GetOrCreateAccount(ctx, Identity{UserID: "user-m", Fingerprint: "fp-migrate"}, "")
	require.NoError(t, err)
	assert.Equal(t, anon.ID, claimed.ID)
	assert.Equal(t, "user-m", claimed.UserID)
	assert.Equal(t, int64(510), claimed.Balance)

	// A later anonymous request with the same fingerprint does not
	// resurrect a second anonymous account.
	resolved, err := svc.GetOrCreateAccount(ctx, Identity{Fingerprint: "fp-migrate"}, "")
	require.NoError(t, err)
	assert.Equal(t, claimed.ID, resolved.ID)
	assert.Equal(t, "user-m", resolved.UserID)

	// And the migration itself can only happen once.
	_, err = mem.AssignAccountOwner(ctx, anon.ID, "someone-else", 10)
	assert.ErrorIs(t, err, store.ErrConflict)

	assert.Equal(t, int64(510), sumTransactions(t, mem, claimed.ID))
}

func TestReferralCredits(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()

	referrer, err := svc.GetOrCreateAccount(ctx, Identity{UserID: "referrer"}, "")
	require.NoError(t, err)

	referee, err := svc.GetOrCreateAccount(ctx, Identity{UserID: "referee"}, referrer.ReferralCode)
	require.NoError(t, err)
	// signup_bonus 10 + referee bonus 100.
	assert.Equal(t, int64(110), referee.Balance)
	assert.Equal(t, "referrer", referee.ReferredBy)

	updated, err := mem.AccountByID(ctx, referrer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10+200), updated.Balance)

	assert.Equal(t, updated.Balance, sumTransactions(t, mem, referrer.ID))
	assert.Equal(t, referee.Balance, sumTransactions(t, mem, referee.ID))
}

func TestReferralCodeIgnoredForAnonymousCallers(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()

	referrer, err := svc.GetOrCreateAccount(ctx, Identity{UserID: "referrer"}, "")
	require.NoError(t, err)

	// Referral bonuses are a registration incentive; a fingerprint-only
	// caller gets plain trial credits no matter what code it carries.
	anon, err := svc.GetOrCreateAccount(ctx, Identity{Fingerprint: "fp-with-code"}, referrer.ReferralCode)
	require.NoError(t, err)
	assert.Equal(t, int64(500), anon.Balance)
	assert.Empty(t, anon.ReferredBy)

	updated, err := mem.AccountByID(ctx, referrer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), updated.Balance, "referrer must not earn from anonymous accounts")
}

func TestDailyRefresh(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()

	current := time.Now()
	mem.SetClock(func() time.Time { return current })

	acct, err := svc.GetOrCreateAccount(ctx, Identity{Fingerprint: "fp-refresh"}, "")
	require.NoError(t, err)

	// Drain below the floor.
	_, err = mem.AdjustBalance(ctx, acct.ID, -460, 0, 460)
	require.NoError(t, err)

	// Same day: no refresh.
	same, err := svc.GetOrCreateAccount(ctx, Identity{Fingerprint: "fp-refresh"}, "")
	require.NoError(t, err)
	assert.Equal(t, int64(40), same.Balance)

	// A day later the balance tops up to the floor, never beyond.
	current = current.Add(25 * time.Hour)
	refreshed, err := svc.GetOrCreateAccount(ctx, Identity{Fingerprint: "fp-refresh"}, "")
	require.NoError(t, err)
	assert.Equal(t, int64(100), refreshed.Balance)

	assert.Equal(t, refreshed.Balance, sumTransactions(t, mem, acct.ID))
}

func TestHoldLifecycleHappyPath(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	cfg := svc.Snapshot(ctx)

	acct, err := svc.GetOrCreateAccount(ctx, Identity{Fingerprint: "fp1"}, "")
	require.NoError(t, err)
	require.Equal(t, int64(500), acct.Balance)

	hold, err := svc.PlaceHold(ctx, acct, 40, "chat", cfg)
	require.NoError(t, err)

	held, err := mem.AccountByID(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(460), held.Balance)

	final, err := svc.ReleaseHold(ctx, hold, 25, "chat", 18000)
	require.NoError(t, err)
	assert.Equal(t, int64(475), final.Balance)
	assert.Equal(t, int64(25), final.LifetimeSpent)

	txs, err := mem.Transactions(ctx, acct.ID, 0)
	require.NoError(t, err)
	var usage []store.Transaction
	for _, tx := range txs {
		if tx.Source == store.SourceUsage {
			usage = append(usage, tx)
		}
	}
	require.Len(t, usage, 1)
	assert.Equal(t, int64(-25), usage[0].Amount)
	assert.Equal(t, int64(40), usage[0].Metadata["held"])
	assert.Equal(t, int64(15), usage[0].Metadata["refunded"])

	assert.Equal(t, final.Balance, sumTransactions(t, mem, acct.ID))
}

func TestReleaseHoldFullRefundAndIdempotence(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	cfg := svc.Snapshot(ctx)

	acct, err := svc.GetOrCreateAccount(ctx, Identity{Fingerprint: "fp1"}, "")
	require.NoError(t, err)
	before := acct.Balance

	hold, err := svc.PlaceHold(ctx, acct, 40, "chat", cfg)
	require.NoError(t, err)

	// Upstream failed: full refund restores the pre-hold balance exactly.
	after, err := svc.ReleaseHold(ctx, hold, 0, "chat", 0)
	require.NoError(t, err)
	assert.Equal(t, before, after.Balance)
	assert.Equal(t, int64(0), after.LifetimeSpent)

	// A second release must not move the balance again.
	_, err = svc.ReleaseHold(ctx, hold, 0, "chat", 0)
	assert.ErrorIs(t, err, store.ErrHoldReleased)

	unchanged, err := mem.AccountByID(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, before, unchanged.Balance)
}

func TestNoSilentOverspend(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	cfg := svc.Snapshot(ctx)

	acct, err := svc.GetOrCreateAccount(ctx, Identity{Fingerprint: "fp1"}, "")
	require.NoError(t, err)
	_, err = mem.AdjustBalance(ctx, acct.ID, -400, 0, 400)
	require.NoError(t, err)
	// Balance is now 100; at most two concurrent holds of 40 can fit.

	const n = 8
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.PlaceHold(ctx, acct, 40, "chat", cfg)
		}(i)
	}
	wg.Wait()

	var placed int
	for _, err := range results {
		if err == nil {
			placed++
		} else {
			assert.ErrorIs(t, err, ErrInsufficientCredits)
		}
	}
	assert.Equal(t, 2, placed)

	final, err := mem.AccountByID(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), final.Balance)
}

func TestExpiredHoldsAreSwept(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	cfg := svc.Snapshot(ctx)

	current := time.Now()
	mem.SetClock(func() time.Time { return current })

	acct, err := svc.GetOrCreateAccount(ctx, Identity{Fingerprint: "fp1"}, "")
	require.NoError(t, err)

	_, err = svc.PlaceHold(ctx, acct, 200, "chat", cfg)
	require.NoError(t, err)

	// The process holding it crashed; past the TTL the next hold placement
	// returns the credits before checking the balance.
	current = current.Add(cfg.HoldTTL + time.Minute)
	_, err = svc.PlaceHold(ctx, acct, 450, "chat", cfg)
	require.NoError(t, err)

	after, err := mem.AccountByID(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), after.Balance)
}

func TestCheckBalanceOverdraft(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	cfg := svc.Snapshot(ctx)

	acct, err := svc.GetOrCreateAccount(ctx, Identity{Fingerprint: "fp1"}, "")
	require.NoError(t, err)
	_, err = mem.AdjustBalance(ctx, acct.ID, -490, 0, 490)
	require.NoError(t, err)
	// Balance 10, estimate 50: required is 55 at a 110% threshold.

	low, err := mem.AccountByID(ctx, acct.ID)
	require.NoError(t, err)
	err = svc.CheckBalance(low, 50, cfg)
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	// Zero-amount estimates always pass.
	assert.NoError(t, svc.CheckBalance(low, 0, cfg))
}

func TestSnapshotReadsConfigTable(t *testing.T) {
	svc, mem := newTestService(t)
	mem.SetCreditConfig(map[string]int64{
		"trial_credits":     1000,
		"tokens_per_credit": 2000,
		"hold_ttl_seconds":  60,
	})

	cfg := svc.Snapshot(context.Background())
	assert.Equal(t, int64(1000), cfg.TrialCredits)
	assert.Equal(t, int64(2000), cfg.TokensPerCredit)
	assert.Equal(t, time.Minute, cfg.HoldTTL)
	// Missing keys keep their defaults.
	assert.Equal(t, int64(30), cfg.MaxCreditsPerMinute)
}
