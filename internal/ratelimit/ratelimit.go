// Package ratelimit caps credits spent per account per minute.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelmix/gateway/internal/store"
)

// ErrRateLimited rejects a request whose estimate does not fit in the
// current minute window.
var ErrRateLimited = errors.New("rate limit exceeded")

// Limiter reads and updates per-minute spend windows. The store row is the
// shared counter, so multiple gateway instances limit the same account
// consistently.
type Limiter struct {
	store store.Store
	now   func() time.Time
}

// New creates a limiter on the given store.
func New(st store.Store) *Limiter {
	return &Limiter{store: st, now: time.Now}
}

// SetClock overrides the limiter's clock. Test helper.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// WindowStart truncates t to the minute the spend is accounted against.
func WindowStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// CheckAndReserve rejects when the estimated spend would push the current
// window past the cap. Intentionally conservative: the check uses the
// estimate, while the window is later charged the actual cost.
func (l *Limiter) CheckAndReserve(ctx context.Context, accountID string, estimated, capPerMinute int64) error {
	if capPerMinute <= 0 {
		return nil
	}
	spent, err := l.store.SpentInWindow(ctx, accountID, WindowStart(l.now()))
	if err != nil {
		return fmt.Errorf("reading rate window: %w", err)
	}
	if spent+estimated > capPerMinute {
		return fmt.Errorf("%w: %d of %d credits used this minute", ErrRateLimited, spent, capPerMinute)
	}
	return nil
}

// RecordActualSpend charges the measured cost against the current window
// once a request completes.
func (l *Limiter) RecordActualSpend(ctx context.Context, accountID string, actual int64) error {
	return l.store.RecordSpend(ctx, accountID, WindowStart(l.now()), actual)
}
