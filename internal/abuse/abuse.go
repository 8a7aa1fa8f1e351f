// Package abuse runs best-effort anomaly heuristics off the request path.
// Detection only observes and reports; enforcement (bans) is a separate
// read-only lookup before the content gate.
package abuse

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelmix/gateway/internal/config"
	"github.com/modelmix/gateway/internal/store"
)

const (
	TypeRateAbuse           = "rate_abuse"
	TypeRateLimitExceeded   = "rate_limit_exceeded"
	TypeFingerprintRotation = "fingerprint_rotation"
)

// Detector samples completed requests and scans recent rate-window and
// session history for abuse patterns. Every entry point is fire-and-forget:
// errors are logged and swallowed, and nothing here ever delays a request.
type Detector struct {
	store   store.Store
	logger  *slog.Logger
	cfg     config.AbuseConfig
	timeout time.Duration

	seq atomic.Int64
	wg  sync.WaitGroup
}

// New creates a detector with the given thresholds.
func New(st store.Store, cfg config.AbuseConfig, logger *slog.Logger) *Detector {
	return &Detector{
		store:   st,
		logger:  logger.With("component", "abuse"),
		cfg:     cfg,
		timeout: 5 * time.Second,
	}
}

// Subject identifies who a scan or report is about.
type Subject struct {
	UserID      string
	Fingerprint string
	SessionID   string
}

// Scan records the session and, on sampled requests, runs the heuristics in
// a background goroutine with its own deadline. Always returns immediately.
func (d *Detector) Scan(accountID string, sub Subject) {
	n := d.seq.Add(1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if sub.SessionID != "" {
			if err := d.store.RecordSession(ctx, &store.Session{
				SessionID:   sub.SessionID,
				UserID:      sub.UserID,
				Fingerprint: sub.Fingerprint,
			}); err != nil {
				d.logger.Warn("session record failed", "error", err)
			}
		}

		if d.cfg.SampleEveryN > 1 && n%int64(d.cfg.SampleEveryN) != 0 {
			return
		}
		d.checkRateAbuse(ctx, accountID, sub)
		if sub.UserID == "" {
			d.checkFingerprintRotation(ctx, sub)
		}
	}()
}

// Wait blocks until in-flight scans finish. Test helper and shutdown hook.
func (d *Detector) Wait() {
	d.wg.Wait()
}

// checkRateAbuse flags accounts whose recent windows show sustained burst
// volume well past the per-minute cap.
func (d *Detector) checkRateAbuse(ctx context.Context, accountID string, sub Subject) {
	since := time.Now().Add(-d.cfg.LookbackWindow)
	windows, err := d.store.RateWindowsSince(ctx, accountID, since)
	if err != nil {
		d.logger.Warn("rate window scan failed", "error", err)
		return
	}
	if len(windows) < d.cfg.MinRateWindows {
		return
	}

	var requests int64
	for _, w := range windows {
		requests += w.RequestCount
	}
	cap64 := capPerMinute(ctx, d.store)
	if requests <= int64(d.cfg.RateBurstMultiplier)*cap64 {
		return
	}

	d.report(ctx, sub, TypeRateAbuse, "medium", 0.7, map[string]any{
		"windows":  len(windows),
		"requests": requests,
	})
}

// checkFingerprintRotation flags anonymous callers surrounded by a burst of
// fresh sessions spread over several distinct fingerprints. The caller's
// own sessions don't count toward the burst.
func (d *Detector) checkFingerprintRotation(ctx context.Context, sub Subject) {
	since := time.Now().Add(-d.cfg.LookbackWindow)
	sessions, err := d.store.SessionsSince(ctx, since, sub.Fingerprint, 100)
	if err != nil {
		d.logger.Warn("session scan failed", "error", err)
		return
	}
	if len(sessions) < d.cfg.MinSessions {
		return
	}

	fingerprints := make(map[string]struct{})
	for _, s := range sessions {
		if s.Fingerprint != "" {
			fingerprints[s.Fingerprint] = struct{}{}
		}
	}
	if len(fingerprints) < d.cfg.MinFingerprints {
		return
	}

	d.report(ctx, sub, TypeFingerprintRotation, "high", 0.6, map[string]any{
		"sessions":     len(sessions),
		"fingerprints": len(fingerprints),
	})
}

// ReportRateLimited records the report written before every 429 response.
// Unconditional, unlike the sampled heuristics.
func (d *Detector) ReportRateLimited(ctx context.Context, sub Subject, message string, estimated int64) {
	d.report(ctx, sub, TypeRateLimitExceeded, "medium", 0.9, map[string]any{
		"message":           message,
		"estimated_credits": estimated,
	})
}

// ReportSteered records a low-severity report for a content-gate match.
// Called inline by the orchestrator but must never fail the request.
func (d *Detector) ReportSteered(ctx context.Context, sub Subject, category string) {
	d.report(ctx, sub, "content_"+category, "low", 0.8, map[string]any{
		"category": category,
		"steered":  true,
	})
}

func (d *Detector) report(ctx context.Context, sub Subject, abuseType, severity string, confidence float64, metadata map[string]any) {
	err := d.store.InsertAbuseReport(ctx, &store.AbuseReport{
		UserID:      sub.UserID,
		Fingerprint: sub.Fingerprint,
		SessionID:   sub.SessionID,
		AbuseType:   abuseType,
		Severity:    severity,
		Confidence:  confidence,
		DetectedBy:  "gateway",
		Metadata:    metadata,
	})
	if err != nil {
		d.logger.Warn("abuse report write failed", "type", abuseType, "error", err)
		return
	}
	d.logger.Info("abuse report", "type", abuseType, "severity", severity)
}

// capPerMinute reads the configured spend cap, defaulting when the config
// table is unreadable.
func capPerMinute(ctx context.Context, st store.Store) int64 {
	rows, err := st.CreditConfig(ctx)
	if err == nil {
		if v, ok := rows["rate_cap_per_minute"]; ok && v > 0 {
			return v
		}
	}
	return 30
}
