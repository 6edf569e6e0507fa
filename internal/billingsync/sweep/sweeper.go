// Package sweep periodically persists trial and grace expiry for records
// that no webhook or poll has touched since their deadline passed.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/schedmate/schedmate/internal/billingsync/bsmetrics"
	"github.com/schedmate/schedmate/internal/reconcile"
	"github.com/schedmate/schedmate/pkg/billing"
)

const (
	// DefaultInterval is the time between scheduled sweeps.
	DefaultInterval = 1 * time.Hour

	lockKey = "schedmate:billing:sweep"
)

// Lister lists billing records. billing.Store satisfies it.
type Lister interface {
	Query(ctx context.Context, filter billing.Filter) ([]*billing.Record, error)
}

// Applier applies a transition. *reconcile.Reconciler satisfies it.
type Applier interface {
	Apply(ctx context.Context, key billing.Key, t reconcile.Transition) (reconcile.Result, error)
}

// Config tunes a Sweeper.
type Config struct {
	Interval time.Duration
	// ExpireGrace also expires past_due and cancelled records whose grace
	// window has ended.
	ExpireGrace bool
	// Lock serializes sweeps across instances. Nil uses NoopLock.
	Lock Lock
	// LockTTL bounds how long a crashed sweeper holds the lock. Zero uses
	// the interval.
	LockTTL time.Duration
}

// Summary reports what one sweep did.
type Summary struct {
	Scanned       int  `json:"scanned"`
	ExpiredTrials int  `json:"expired_trials"`
	ExpiredGrace  int  `json:"expired_grace"`
	Failed        int  `json:"failed"`
	Skipped       bool `json:"skipped,omitempty"`
}

// Sweeper expires lapsed trials and grace windows through the reconciler.
type Sweeper struct {
	records Lister
	applier Applier
	cfg     Config
}

// New creates a Sweeper.
func New(records Lister, applier Applier, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.Interval
	}
	if cfg.Lock == nil {
		cfg.Lock = NoopLock{}
	}
	return &Sweeper{records: records, applier: applier, cfg: cfg}
}

// Run sweeps every interval. It blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	log.Info().Dur("interval", s.cfg.Interval).Bool("expire_grace", s.cfg.ExpireGrace).Msg("Billing sweeper started")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Billing sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Billing sweep failed")
			}
		}
	}
}

// Sweep runs one pass. Per-record failures are logged and counted and do
// not stop the pass; the returned error joins them.
func (s *Sweeper) Sweep(ctx context.Context) (Summary, error) {
	var summary Summary

	release, acquired, err := s.cfg.Lock.TryAcquire(ctx, lockKey, s.cfg.LockTTL)
	switch {
	case err != nil:
		// Transitions are idempotent, so sweeping without the lock only
		// costs duplicate work.
		log.Warn().Err(err).Msg("Billing sweep lock unavailable, sweeping without it")
	case !acquired:
		log.Debug().Msg("Billing sweep skipped, another instance holds the lock")
		bsmetrics.SweepRunsTotal.WithLabelValues("skipped").Inc()
		summary.Skipped = true
		return summary, nil
	default:
		defer release()
	}

	statuses := []billing.Status{billing.StatusTrial}
	if s.cfg.ExpireGrace {
		statuses = append(statuses, billing.StatusPastDue, billing.StatusCancelled)
	}
	records, err := s.records.Query(ctx, billing.Filter{Statuses: statuses})
	if err != nil {
		bsmetrics.SweepRunsTotal.WithLabelValues("error").Inc()
		return summary, fmt.Errorf("list sweep candidates: %w", err)
	}

	var failures []error
	for _, rec := range records {
		if ctx.Err() != nil {
			failures = append(failures, ctx.Err())
			break
		}
		if rec == nil {
			continue
		}
		summary.Scanned++

		t, reason := reconcile.ExpireTrial(), "trial"
		if rec.Status.InGraceStatus() {
			t, reason = reconcile.ExpireGrace(), "grace"
		}

		res, err := s.applier.Apply(ctx, billing.AccountKey(rec.AccountID), t.From("sweep"))
		if err != nil {
			summary.Failed++
			failures = append(failures, fmt.Errorf("%s: %w", rec.AccountID, err))
			log.Error().Err(err).
				Str("account_id", rec.AccountID).
				Str("transition", string(t.Kind)).
				Msg("Billing sweep failed to expire record")
			continue
		}
		if !res.Changed() {
			continue
		}

		bsmetrics.SweepExpiredTotal.WithLabelValues(reason).Inc()
		if reason == "trial" {
			summary.ExpiredTrials++
		} else {
			summary.ExpiredGrace++
		}
	}

	if len(failures) > 0 {
		bsmetrics.SweepRunsTotal.WithLabelValues("error").Inc()
		return summary, fmt.Errorf("sweep: %d of %d records failed: %w", summary.Failed, summary.Scanned, errors.Join(failures...))
	}

	bsmetrics.SweepRunsTotal.WithLabelValues("ok").Inc()
	log.Info().
		Int("scanned", summary.Scanned).
		Int("expired_trials", summary.ExpiredTrials).
		Int("expired_grace", summary.ExpiredGrace).
		Msg("Billing sweep complete")
	return summary, nil
}
