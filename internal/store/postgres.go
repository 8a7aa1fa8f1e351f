package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Store on a pgx connection pool. All balance mutations
// are single conditional statements (or short transactions) so concurrent
// gateway instances stay correct without in-process coordination.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const accountColumns = `id, COALESCE(user_id, ''), COALESCE(fingerprint, ''), balance,
	lifetime_earned, lifetime_spent, COALESCE(referral_code, ''), COALESCE(referred_by, ''),
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.UserID, &a.Fingerprint, &a.Balance,
		&a.LifetimeEarned, &a.LifetimeSpent, &a.ReferralCode, &a.ReferredBy,
		&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning account: %w", err)
	}
	return &a, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (p *Postgres) AccountByID(ctx context.Context, id string) (*Account, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE id = $1`, id)
	return scanAccount(row)
}

func (p *Postgres) AccountByUserID(ctx context.Context, userID string) (*Account, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE user_id = $1`, userID)
	return scanAccount(row)
}

func (p *Postgres) AccountByFingerprint(ctx context.Context, fingerprint string) (*Account, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts
		 WHERE fingerprint = $1 ORDER BY created_at DESC LIMIT 1`, fingerprint)
	return scanAccount(row)
}

func (p *Postgres) AnonymousAccountByFingerprint(ctx context.Context, fingerprint string) (*Account, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts
		 WHERE fingerprint = $1 AND user_id IS NULL ORDER BY created_at DESC LIMIT 1`, fingerprint)
	return scanAccount(row)
}

func (p *Postgres) AccountByReferralCode(ctx context.Context, code string) (*Account, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE referral_code = $1`, code)
	return scanAccount(row)
}

func (p *Postgres) CreateAccount(ctx context.Context, a *Account) (*Account, error) {
	row := p.pool.QueryRow(ctx,
		`INSERT INTO credit_accounts
		   (user_id, fingerprint, balance, lifetime_earned, lifetime_spent, referral_code, referred_by)
		 VALUES (NULLIF($1, ''), NULLIF($2, ''), $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''))
		 RETURNING `+accountColumns,
		a.UserID, a.Fingerprint, a.Balance, a.LifetimeEarned, a.LifetimeSpent,
		a.ReferralCode, a.ReferredBy)
	created, err := scanAccount(row)
	if isUniqueViolation(err) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("creating account: %w", err)
	}
	return created, nil
}

func (p *Postgres) AssignAccountOwner(ctx context.Context, accountID, userID string, bonus int64) (*Account, error) {
	row := p.pool.QueryRow(ctx,
		`UPDATE credit_accounts
		 SET user_id = $2,
		     balance = balance + $3,
		     lifetime_earned = lifetime_earned + $3,
		     updated_at = now()
		 WHERE id = $1 AND user_id IS NULL
		 RETURNING `+accountColumns,
		accountID, userID, bonus)
	a, err := scanAccount(row)
	if isUniqueViolation(err) {
		return nil, ErrConflict
	}
	if errors.Is(err, ErrNotFound) {
		// Either the account is gone or it was already claimed.
		if _, lookupErr := p.AccountByID(ctx, accountID); lookupErr == nil {
			return nil, ErrConflict
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("assigning account owner: %w", err)
	}
	return a, nil
}

func (p *Postgres) AdjustBalance(ctx context.Context, accountID string, delta, earnedDelta, spentDelta int64) (*Account, error) {
	row := p.pool.QueryRow(ctx,
		`UPDATE credit_accounts
		 SET balance = balance + $2,
		     lifetime_earned = lifetime_earned + $3,
		     lifetime_spent = lifetime_spent + $4,
		     updated_at = now()
		 WHERE id = $1
		 RETURNING `+accountColumns,
		accountID, delta, earnedDelta, spentDelta)
	return scanAccount(row)
}

func (p *Postgres) DailyRefreshAccount(ctx context.Context, accountID string, floor int64, minAge time.Duration) (*Account, int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("beginning refresh tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM credit_accounts WHERE id = $1 FOR UPDATE`, accountID)
	a, err := scanAccount(row)
	if err != nil {
		return nil, 0, err
	}

	if floor <= 0 || a.Balance >= floor || time.Since(a.UpdatedAt) < minAge {
		return a, 0, nil
	}

	granted := floor - a.Balance
	row = tx.QueryRow(ctx,
		`UPDATE credit_accounts
		 SET balance = $2, lifetime_earned = lifetime_earned + $3, updated_at = now()
		 WHERE id = $1
		 RETURNING `+accountColumns,
		accountID, floor, granted)
	a, err = scanAccount(row)
	if err != nil {
		return nil, 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("committing refresh tx: %w", err)
	}
	return a, granted, nil
}

func (p *Postgres) PlaceHold(ctx context.Context, h *Hold) (*Hold, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning hold tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Return credits from abandoned holds before checking the balance.
	_, err = tx.Exec(ctx,
		`WITH swept AS (
		   UPDATE credit_holds SET released = true
		   WHERE account_id = $1 AND released = false AND expires_at <= now()
		   RETURNING amount
		 )
		 UPDATE credit_accounts
		 SET balance = balance + COALESCE((SELECT SUM(amount) FROM swept), 0)
		 WHERE id = $1`,
		h.AccountID)
	if err != nil {
		return nil, fmt.Errorf("sweeping expired holds: %w", err)
	}

	if h.Amount > 0 {
		tag, err := tx.Exec(ctx,
			`UPDATE credit_accounts
			 SET balance = balance - $2, updated_at = now()
			 WHERE id = $1 AND balance >= $2`,
			h.AccountID, h.Amount)
		if err != nil {
			return nil, fmt.Errorf("debiting hold: %w", err)
		}
		if tag.RowsAffected() == 0 {
			if _, lookupErr := p.AccountByID(ctx, h.AccountID); lookupErr != nil {
				return nil, ErrNotFound
			}
			return nil, ErrInsufficientBalance
		}
	} else {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM credit_accounts WHERE id = $1)`, h.AccountID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("checking account: %w", err)
		}
		if !exists {
			return nil, ErrNotFound
		}
	}

	created := *h
	err = tx.QueryRow(ctx,
		`INSERT INTO credit_holds (account_id, amount, reason, expires_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		h.AccountID, h.Amount, h.Reason, h.ExpiresAt).Scan(&created.ID, &created.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting hold: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing hold tx: %w", err)
	}
	return &created, nil
}

func (p *Postgres) ReleaseHold(ctx context.Context, holdID string, refund, actualCost int64) (*Account, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning release tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var accountID string
	err = tx.QueryRow(ctx,
		`UPDATE credit_holds SET released = true
		 WHERE id = $1 AND released = false
		 RETURNING account_id`,
		holdID).Scan(&accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := p.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM credit_holds WHERE id = $1)`, holdID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("checking hold: %w", err)
		}
		if exists {
			return nil, ErrHoldReleased
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("releasing hold: %w", err)
	}

	row := tx.QueryRow(ctx,
		`UPDATE credit_accounts
		 SET balance = balance + $2, lifetime_spent = lifetime_spent + $3, updated_at = now()
		 WHERE id = $1
		 RETURNING `+accountColumns,
		accountID, refund, actualCost)
	a, err := scanAccount(row)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing release tx: %w", err)
	}
	return a, nil
}

func (p *Postgres) OpenHolds(ctx context.Context, accountID string, now time.Time) ([]Hold, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, account_id, amount, COALESCE(reason, ''), expires_at, released, created_at
		 FROM credit_holds
		 WHERE account_id = $1 AND released = false AND expires_at > $2`,
		accountID, now)
	if err != nil {
		return nil, fmt.Errorf("querying holds: %w", err)
	}
	defer rows.Close()

	var out []Hold
	for rows.Next() {
		var h Hold
		if err := rows.Scan(&h.ID, &h.AccountID, &h.Amount, &h.Reason, &h.ExpiresAt, &h.Released, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning hold: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendTransaction(ctx context.Context, t *Transaction) (*Transaction, error) {
	created := *t
	err := p.pool.QueryRow(ctx,
		`INSERT INTO credit_transactions
		   (account_id, amount, balance_after, source, description, usage_type, metadata)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7)
		 RETURNING id, created_at`,
		t.AccountID, t.Amount, t.BalanceAfter, string(t.Source), t.Description,
		t.UsageType, t.Metadata).Scan(&created.ID, &created.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting transaction: %w", err)
	}
	return &created, nil
}

func (p *Postgres) Transactions(ctx context.Context, accountID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, account_id, amount, balance_after, source,
		        COALESCE(description, ''), COALESCE(usage_type, ''), metadata, created_at
		 FROM credit_transactions
		 WHERE account_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		var source string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Amount, &t.BalanceAfter, &source,
			&t.Description, &t.UsageType, &t.Metadata, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning transaction: %w", err)
		}
		t.Source = TransactionSource(source)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) SpentInWindow(ctx context.Context, accountID string, windowStart time.Time) (int64, error) {
	var spent int64
	err := p.pool.QueryRow(ctx,
		`SELECT credits_spent FROM rate_windows WHERE account_id = $1 AND window_start = $2`,
		accountID, windowStart).Scan(&spent)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying rate window: %w", err)
	}
	return spent, nil
}

func (p *Postgres) RecordSpend(ctx context.Context, accountID string, windowStart time.Time, credits int64) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO rate_windows (account_id, window_start, credits_spent, request_count)
		 VALUES ($1, $2, $3, 1)
		 ON CONFLICT (account_id, window_start) DO UPDATE
		 SET credits_spent = rate_windows.credits_spent + EXCLUDED.credits_spent,
		     request_count = rate_windows.request_count + 1`,
		accountID, windowStart, credits)
	if err != nil {
		return fmt.Errorf("recording spend: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`DELETE FROM rate_windows WHERE window_start < now() - $1::interval`,
		WindowRetention.String())
	if err != nil {
		return fmt.Errorf("sweeping rate windows: %w", err)
	}
	return nil
}

func (p *Postgres) RateWindowsSince(ctx context.Context, accountID string, since time.Time) ([]RateWindow, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT account_id, window_start, credits_spent, request_count
		 FROM rate_windows
		 WHERE account_id = $1 AND window_start >= $2`,
		accountID, since)
	if err != nil {
		return nil, fmt.Errorf("querying rate windows: %w", err)
	}
	defer rows.Close()

	var out []RateWindow
	for rows.Next() {
		var w RateWindow
		if err := rows.Scan(&w.AccountID, &w.WindowStart, &w.CreditsSpent, &w.RequestCount); err != nil {
			return nil, fmt.Errorf("scanning rate window: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (p *Postgres) InsertAbuseReport(ctx context.Context, r *AbuseReport) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO abuse_reports
		   (user_id, fingerprint, session_id, abuse_type, severity, confidence, detected_by, metadata)
		 VALUES (NULLIF($1, ''), NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7, $8)`,
		r.UserID, r.Fingerprint, r.SessionID, r.AbuseType, r.Severity, r.Confidence,
		r.DetectedBy, r.Metadata)
	if err != nil {
		return fmt.Errorf("inserting abuse report: %w", err)
	}
	return nil
}

func (p *Postgres) RecordSession(ctx context.Context, s *Session) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO sessions (session_id, user_id, fingerprint)
		 VALUES ($1, NULLIF($2, ''), NULLIF($3, ''))
		 ON CONFLICT (session_id) DO NOTHING`,
		s.SessionID, s.UserID, s.Fingerprint)
	if err != nil {
		return fmt.Errorf("recording session: %w", err)
	}
	return nil
}

func (p *Postgres) SessionsSince(ctx context.Context, since time.Time, excludeFingerprint string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx,
		`SELECT session_id, COALESCE(user_id, ''), COALESCE(fingerprint, ''), started_at
		 FROM sessions
		 WHERE started_at >= $1 AND ($2 = '' OR fingerprint IS DISTINCT FROM $2)
		 ORDER BY started_at DESC
		 LIMIT $3`,
		since, excludeFingerprint, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.SessionID, &s.UserID, &s.Fingerprint, &s.StartedAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) CreditConfig(ctx context.Context) (map[string]int64, error) {
	rows, err := p.pool.Query(ctx, `SELECT key, value FROM credit_config`)
	if err != nil {
		return nil, fmt.Errorf("querying credit config: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var key string
		var value int64
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scanning credit config: %w", err)
		}
		out[key] = value
	}
	return out, rows.Err()
}

func (p *Postgres) BanStatus(ctx context.Context, userID, fingerprint string) (*Ban, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT COALESCE(reason, ''), COALESCE(severity, ''), expires_at
		 FROM bans
		 WHERE subject IN ($1, $2) AND (expires_at IS NULL OR expires_at > now())
		 ORDER BY created_at DESC
		 LIMIT 1`,
		userID, fingerprint)
	var b Ban
	err := row.Scan(&b.Reason, &b.Severity, &b.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &Ban{Banned: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying ban: %w", err)
	}
	b.Banned = true
	return &b, nil
}

func (p *Postgres) HasRole(ctx context.Context, userID, role string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	var has bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_roles WHERE user_id = $1 AND role = $2)`,
		userID, role).Scan(&has)
	if err != nil {
		return false, fmt.Errorf("querying role: %w", err)
	}
	return has, nil
}

func (p *Postgres) CanAccessModel(ctx context.Context, userID, fingerprint, modelID string) (bool, string, error) {
	tier := "guest"
	if userID != "" {
		tier = "free"
	}
	var override string
	err := p.pool.QueryRow(ctx,
		`SELECT tier FROM caller_tiers WHERE subject IN ($1, $2)
		 ORDER BY created_at DESC LIMIT 1`,
		userID, fingerprint).Scan(&override)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, "", fmt.Errorf("querying caller tier: %w", err)
	}
	if override != "" {
		tier = override
	}

	var required string
	err = p.pool.QueryRow(ctx,
		`SELECT required_tier FROM model_access WHERE model_id = $1`, modelID).Scan(&required)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, tier, nil
	}
	if err != nil {
		return false, "", fmt.Errorf("querying model access: %w", err)
	}
	return required == tier, tier, nil
}

func (p *Postgres) PreferredProvider(ctx context.Context, modelID string) (string, error) {
	var provider string
	err := p.pool.QueryRow(ctx,
		`SELECT provider FROM model_providers WHERE model_id = $1`, modelID).Scan(&provider)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying preferred provider: %w", err)
	}
	return provider, nil
}

func (p *Postgres) InsertUsageLog(ctx context.Context, u *UsageLog) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO usage_logs
		   (context_id, user_id, is_tester_session, model_id, prompt_tokens,
		    completion_tokens, cost_credits, provider, metadata)
		 VALUES (NULLIF($1, ''), NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9)`,
		u.ContextID, u.UserID, u.IsTesterSession, u.ModelID, u.PromptTokens,
		u.CompletionTokens, u.CostCredits, u.Provider, u.Metadata)
	if err != nil {
		return fmt.Errorf("inserting usage log: %w", err)
	}
	return nil
}

var _ Store = (*Postgres)(nil)
