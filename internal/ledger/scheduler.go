package ledger

import (
	"context"
	"log/slog"
	"time"
)

// VerifyScheduler runs full-chain verification on an interval. Full
// verification is a sequential O(n) scan, so it is an explicit scheduled
// operation rather than something incidental to reads.
type VerifyScheduler struct {
	verifier *Verifier
	interval time.Duration
	log      *slog.Logger
}

// NewVerifyScheduler returns a scheduler; interval <= 0 disables it.
func NewVerifyScheduler(verifier *Verifier, interval time.Duration, log *slog.Logger) *VerifyScheduler {
	return &VerifyScheduler{verifier: verifier, interval: interval, log: log}
}

// Run blocks until ctx is cancelled, verifying the whole live chain once per
// interval. Findings are routed through the verifier's alert path; this loop
// only adds operational logging.
func (s *VerifyScheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			res, err := s.verifier.VerifyAll(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Error("scheduled verification error", "error", err.Error())
				continue
			}
			if res.OK {
				s.log.Info("scheduled verification passed",
					"checked_entries", res.CheckedEntries,
					"duration_ms", time.Since(start).Milliseconds())
			}
			// Failures are already alerted and logged by the verifier.
		}
	}
}
