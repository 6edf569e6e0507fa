// Package reconcile is the single write path for billing records.
//
// Every writer (payment webhooks, the scheduled sweep, dashboard polls and
// the account API) expresses its intent as a Transition and hands it to
// Reconciler.Apply. Apply reads the record, decides the next state with the
// pure Decide function and writes it with a compare-and-set on the record
// version. A lost race re-reads and re-decides instead of overwriting, so a
// redelivered or late event can never resurrect state a newer writer
// already replaced.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/schedmate/schedmate/internal/billingsync/bsmetrics"
	errs "github.com/schedmate/schedmate/internal/errors"
	"github.com/schedmate/schedmate/pkg/billing"
)

// DefaultMaxAttempts bounds compare-and-set retries per Apply.
const DefaultMaxAttempts = 5

// ErrConflictExhausted is returned when every compare-and-set attempt lost
// its race. Callers should retry the whole operation later.
var ErrConflictExhausted = errors.New("billing record conflict retries exhausted")

// Result describes what Apply did.
type Result struct {
	// Record is the stored record after Apply: the written record when the
	// transition applied, the unchanged current record otherwise.
	Record *billing.Record
	// Previous is the record the decision was made against (nil on create).
	Previous *billing.Record
	Outcome  Outcome
	Attempts int
}

// Changed reports whether Apply wrote a new record.
func (r Result) Changed() bool {
	return r.Outcome == OutcomeApplied
}

// Reconciler applies transitions to billing records.
type Reconciler struct {
	store       billing.Store
	history     billing.HistoryStore
	now         func() time.Time
	maxAttempts int
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// WithHistory records every applied transition in h.
func WithHistory(h billing.HistoryStore) Option {
	return func(r *Reconciler) {
		r.history = h
	}
}

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// New creates a Reconciler writing to store.
func New(store billing.Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:       store,
		now:         time.Now,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Now returns the reconciler's current time.
func (r *Reconciler) Now() time.Time {
	return r.now().UTC()
}

// Apply applies t to the record addressed by key.
func (r *Reconciler) Apply(ctx context.Context, key billing.Key, t Transition) (Result, error) {
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{}, errs.WrapStoreError("apply_"+string(t.Kind), key.String(), err)
		}

		cur, err := r.store.Get(ctx, key)
		if err != nil {
			bsmetrics.TransitionsTotal.WithLabelValues(string(t.Kind), "error").Inc()
			return Result{}, errs.WrapStoreError("get_record", key.String(), err)
		}

		now := r.Now()
		next, outcome, err := Decide(cur, key, t, now)
		if err != nil {
			bsmetrics.TransitionsTotal.WithLabelValues(string(t.Kind), "error").Inc()
			return Result{}, err
		}
		if outcome != OutcomeApplied {
			bsmetrics.TransitionsTotal.WithLabelValues(string(t.Kind), string(outcome)).Inc()
			if outcome == OutcomeStale {
				e := log.Info().
					Str("key", key.String()).
					Str("transition", string(t.Kind)).
					Str("event_id", t.EventID).
					Time("event_at", t.At).
					Str("status", string(cur.Status))
				if cur.LastEventAt != nil {
					e = e.Time("record_event_at", *cur.LastEventAt)
				}
				e.Msg("Billing transition rejected as stale")
			}
			return Result{Record: cur, Previous: cur, Outcome: outcome, Attempts: attempt}, nil
		}

		var expected int64
		if cur != nil {
			expected = cur.Version
		}
		err = r.store.Upsert(ctx, next, expected)
		if errors.Is(err, billing.ErrConflict) {
			bsmetrics.CASConflictsTotal.Inc()
			log.Debug().
				Str("key", key.String()).
				Str("transition", string(t.Kind)).
				Int("attempt", attempt).
				Msg("Billing record changed underneath transition, re-deciding")
			continue
		}
		if errors.Is(err, billing.ErrSubscriptionInUse) {
			bsmetrics.TransitionsTotal.WithLabelValues(string(t.Kind), "error").Inc()
			return Result{}, fmt.Errorf("%w: %v", ErrSubscriptionMismatch, err)
		}
		if err != nil {
			bsmetrics.TransitionsTotal.WithLabelValues(string(t.Kind), "error").Inc()
			return Result{}, errs.WrapStoreError("upsert_record", key.String(), err)
		}

		bsmetrics.TransitionsTotal.WithLabelValues(string(t.Kind), string(OutcomeApplied)).Inc()
		r.appendHistory(ctx, cur, next, t, now)

		fromStatus := ""
		if cur != nil {
			fromStatus = string(cur.Status)
		}
		log.Info().
			Str("account_id", next.AccountID).
			Str("subscription_id", next.SubscriptionID).
			Str("transition", string(t.Kind)).
			Str("source", t.Source).
			Str("event_id", t.EventID).
			Str("from_status", fromStatus).
			Str("to_status", string(next.Status)).
			Str("plan", string(next.Plan)).
			Msg("Billing transition applied")

		return Result{Record: next, Previous: cur, Outcome: OutcomeApplied, Attempts: attempt}, nil
	}

	bsmetrics.TransitionsTotal.WithLabelValues(string(t.Kind), "error").Inc()
	return Result{}, errs.NewBillingError(errs.ErrorTypeConflict, "apply_"+string(t.Kind), key.String(),
		fmt.Errorf("%w after %d attempts", ErrConflictExhausted, r.maxAttempts))
}

func (r *Reconciler) appendHistory(ctx context.Context, prev, next *billing.Record, t Transition, now time.Time) {
	if r.history == nil {
		return
	}
	entry := billing.HistoryEntry{
		ID:         ulid.Make().String(),
		AccountID:  next.AccountID,
		Transition: string(t.Kind),
		Source:     t.Source,
		EventID:    t.EventID,
		EventType:  t.EventType,
		ToStatus:   next.Status,
		Plan:       next.Plan,
		RecordedAt: now,
	}
	if prev != nil {
		entry.FromStatus = prev.Status
	}
	if err := r.history.AppendHistory(ctx, entry); err != nil {
		log.Warn().Err(err).
			Str("account_id", next.AccountID).
			Str("transition", string(t.Kind)).
			Msg("Failed to append billing history entry")
	}
}
