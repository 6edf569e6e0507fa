// Package session is the per-account billing view used by the dashboard:
// it polls the billing record through the reconciler and answers feature
// gate queries from the last known record.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/schedmate/schedmate/internal/reconcile"
	"github.com/schedmate/schedmate/pkg/billing"
)

// DefaultPollInterval is how often Run refreshes the record.
const DefaultPollInterval = 30 * time.Second

// Applier applies a transition. *reconcile.Reconciler satisfies it.
type Applier interface {
	Apply(ctx context.Context, key billing.Key, t reconcile.Transition) (reconcile.Result, error)
}

// Session holds the last known billing record for one account. It is safe
// for concurrent use.
type Session struct {
	accountID string
	applier   Applier
	now       func() time.Time

	refreshes singleflight.Group

	mu          sync.RWMutex
	record      *billing.Record
	refreshedAt time.Time
	lastErr     error
}

// Option configures a Session.
type Option func(*Session)

// WithClock overrides the time source used for evaluation.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Session for accountID. The session knows nothing until
// the first Refresh and evaluates as locked until then.
func New(accountID string, applier Applier, opts ...Option) *Session {
	s := &Session{
		accountID: accountID,
		applier:   applier,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AccountID returns the session's account.
func (s *Session) AccountID() string { return s.accountID }

// Refresh reloads the record. A missing record is materialized as the
// implicit expired record and a lapsed trial is expired, both through the
// reconciler. Concurrent callers share one reload.
//
// On failure the last known record is kept and returned with the error.
func (s *Session) Refresh(ctx context.Context) (*billing.Record, error) {
	v, err, _ := s.refreshes.Do("refresh", func() (any, error) {
		return s.refresh(ctx)
	})
	rec, _ := v.(*billing.Record)
	return rec.Clone(), err
}

func (s *Session) refresh(ctx context.Context) (*billing.Record, error) {
	key := billing.AccountKey(s.accountID)

	res, err := s.applier.Apply(ctx, key, reconcile.EnsureObserved().From("poll"))
	if err != nil {
		return s.failSoft(err)
	}
	rec := res.Record

	if billing.TrialLapsed(rec, s.now()) {
		res, err = s.applier.Apply(ctx, key, reconcile.ExpireTrial().From("poll"))
		if err != nil {
			return s.failSoft(err)
		}
		rec = res.Record
	}

	s.mu.Lock()
	s.record = rec.Clone()
	s.refreshedAt = s.now()
	s.lastErr = nil
	s.mu.Unlock()
	return rec, nil
}

func (s *Session) failSoft(err error) (*billing.Record, error) {
	s.mu.Lock()
	s.lastErr = err
	rec := s.record.Clone()
	s.mu.Unlock()

	log.Warn().Err(err).
		Str("account_id", s.accountID).
		Bool("has_last_known", rec != nil).
		Msg("Billing refresh failed, keeping last known status")
	return rec, err
}

// Record returns a copy of the last known record, or nil.
func (s *Session) Record() *billing.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record.Clone()
}

// RefreshedAt returns the time of the last successful refresh.
func (s *Session) RefreshedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshedAt
}

// LastError returns the error from the latest refresh, or nil.
func (s *Session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// EffectiveStatus evaluates the last known record at the current time.
func (s *Session) EffectiveStatus() billing.EffectiveStatus {
	return billing.Evaluate(s.Record(), s.now())
}

// Can reports whether the account may use feature right now.
func (s *Session) Can(feature string) bool {
	rec := s.Record()
	return billing.Can(rec, billing.Evaluate(rec, s.now()), feature)
}

// Run refreshes immediately and then every interval until ctx is done.
func (s *Session) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	_, _ = s.Refresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.Refresh(ctx)
		}
	}
}
