package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schedmate/schedmate/internal/billingsync/bsmetrics"
	"github.com/schedmate/schedmate/internal/billingsync/registry"
	errs "github.com/schedmate/schedmate/internal/errors"
	"github.com/schedmate/schedmate/pkg/billing"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// racingStore lets a concurrent writer sneak in before the next Upsert.
type racingStore struct {
	billing.Store
	conflicts atomic.Int32
	before    func()
}

func (s *racingStore) Upsert(ctx context.Context, rec *billing.Record, expected int64) error {
	if s.conflicts.Load() > 0 {
		s.conflicts.Add(-1)
		if s.before != nil {
			s.before()
		}
	}
	return s.Store.Upsert(ctx, rec, expected)
}

type failingStore struct {
	billing.Store
	err error
}

func (s *failingStore) Get(context.Context, billing.Key) (*billing.Record, error) {
	return nil, s.err
}

func newTestReconciler(t *testing.T) (*Reconciler, *registry.MemoryRegistry, *fakeClock) {
	t.Helper()
	store := registry.NewMemoryRegistry()
	clock := &fakeClock{now: t0}
	return New(store, WithClock(clock.Now), WithHistory(store)), store, clock
}

func signup(t *testing.T, r *Reconciler, accountID, subscriptionID string) *billing.Record {
	t.Helper()
	ctx := context.Background()
	res, err := r.Apply(ctx, billing.AccountKey(accountID), EnsureExists(billing.DefaultTrialDays).From("api"))
	require.NoError(t, err)
	if subscriptionID == "" {
		return res.Record
	}
	res, err = r.Apply(ctx, billing.AccountKey(accountID), LinkSubscription(subscriptionID).From("api"))
	require.NoError(t, err)
	return res.Record
}

func TestApply_SignupScenario(t *testing.T) {
	r, store, _ := newTestReconciler(t)

	rec := signup(t, r, "acct-1", "")
	assert.Equal(t, billing.StatusTrial, rec.Status)
	require.NotNil(t, rec.TrialEndsAt)
	assert.True(t, rec.TrialEndsAt.Equal(t0.Add(7*billing.Day)))
	assert.EqualValues(t, 1, rec.Version)

	eff := billing.Evaluate(rec, t0)
	assert.False(t, billing.Can(rec, eff, billing.FeatureTimeline), "trial is capped at starter")

	history, err := store.ListHistory(context.Background(), "acct-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, string(KindEnsureExists), history[0].Transition)
	assert.Equal(t, "api", history[0].Source)
	assert.Len(t, history[0].ID, 26, "history ids are ULIDs")
}

func TestApply_ActivatedScenario(t *testing.T) {
	r, _, clock := newTestReconciler(t)
	signup(t, r, "acct-1", "I-SUB1")

	clock.Set(t0.Add(time.Hour))
	res, err := r.Apply(context.Background(), billing.SubscriptionKey("I-SUB1"),
		Activate(billing.PlanPro, t0.Add(time.Hour)).From("paypal").ForEvent("WH-1", "BILLING.SUBSCRIPTION.ACTIVATED"))
	require.NoError(t, err)
	require.True(t, res.Changed())

	rec := res.Record
	assert.Equal(t, billing.StatusActive, rec.Status)
	assert.Equal(t, billing.PlanPro, rec.Plan)
	assert.Nil(t, rec.GraceUntil)
	assert.True(t, billing.Can(rec, billing.Evaluate(rec, clock.Now()), billing.FeatureAnalytics))
}

func TestApply_CancelledScenarioKeepsProUntilGraceEnd(t *testing.T) {
	r, _, clock := newTestReconciler(t)
	signup(t, r, "acct-1", "I-SUB1")

	clock.Set(t0.Add(time.Hour))
	_, err := r.Apply(context.Background(), billing.SubscriptionKey("I-SUB1"), Activate(billing.PlanPro, t0.Add(time.Hour)))
	require.NoError(t, err)

	cancelAt := t0.Add(10 * billing.Day)
	clock.Set(cancelAt)
	res, err := r.Apply(context.Background(), billing.SubscriptionKey("I-SUB1"), Cancel(3, cancelAt))
	require.NoError(t, err)

	rec := res.Record
	assert.Equal(t, billing.StatusCancelled, rec.Status)
	require.NotNil(t, rec.GraceUntil)
	assert.True(t, rec.GraceUntil.Equal(cancelAt.Add(3*billing.Day)))

	graceEnd := *rec.GraceUntil
	assert.True(t, billing.Can(rec, billing.Evaluate(rec, graceEnd.Add(-time.Millisecond)), billing.FeatureAnalytics))
	assert.False(t, billing.Can(rec, billing.Evaluate(rec, graceEnd.Add(time.Millisecond)), billing.FeatureAnalytics))
}

func TestApply_RedeliveryIsIdempotent(t *testing.T) {
	r, store, clock := newTestReconciler(t)
	signup(t, r, "acct-1", "I-SUB1")
	ctx := context.Background()

	cancelAt := t0.Add(time.Hour)
	clock.Set(cancelAt.Add(time.Second))
	cancel := Cancel(3, cancelAt).ForEvent("WH-9", "BILLING.SUBSCRIPTION.CANCELLED")

	first, err := r.Apply(ctx, billing.SubscriptionKey("I-SUB1"), cancel)
	require.NoError(t, err)
	require.True(t, first.Changed())

	for i := 0; i < 3; i++ {
		clock.Set(cancelAt.Add(time.Duration(i+2) * time.Minute))
		again, err := r.Apply(ctx, billing.SubscriptionKey("I-SUB1"), cancel)
		require.NoError(t, err)
		assert.False(t, again.Changed())
	}

	got, err := store.Get(ctx, billing.AccountKey("acct-1"))
	require.NoError(t, err)
	assert.True(t, billing.SameState(first.Record, got))
	assert.Equal(t, first.Record.Version, got.Version, "redelivery must not write")
}

func TestApply_ActivateWinsOverLateCancel(t *testing.T) {
	r, _, clock := newTestReconciler(t)
	signup(t, r, "acct-1", "I-SUB1")
	ctx := context.Background()
	key := billing.SubscriptionKey("I-SUB1")

	cancelAt := t0.Add(time.Hour)
	clock.Set(cancelAt)
	_, err := r.Apply(ctx, key, Cancel(3, cancelAt))
	require.NoError(t, err)

	activateAt := t0.Add(2 * time.Hour)
	clock.Set(activateAt)
	_, err = r.Apply(ctx, key, Activate(billing.PlanPro, activateAt))
	require.NoError(t, err)

	clock.Set(t0.Add(3 * time.Hour))
	res, err := r.Apply(ctx, key, Cancel(3, cancelAt))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, res.Outcome)
	assert.Equal(t, billing.StatusActive, res.Record.Status)
	assert.Nil(t, res.Record.GraceUntil)
}

func TestApply_DelayedActivateDoesNotBlockNewerCancel(t *testing.T) {
	r, store, clock := newTestReconciler(t)
	signup(t, r, "acct-1", "I-SUB1")
	ctx := context.Background()
	key := billing.SubscriptionKey("I-SUB1")

	// The ACTIVATED event was created first but delivered after the
	// CANCELLED event was created.
	activateAt := t0.Add(time.Hour)
	cancelAt := t0.Add(2 * time.Hour)

	clock.Set(cancelAt.Add(5 * time.Second))
	res, err := r.Apply(ctx, key, Activate(billing.PlanPro, activateAt))
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, res.Outcome)
	require.NotNil(t, res.Record.LastEventAt)
	assert.True(t, res.Record.LastEventAt.Equal(activateAt))

	clock.Set(cancelAt.Add(6 * time.Second))
	res, err = r.Apply(ctx, key, Cancel(3, cancelAt))
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, billing.StatusCancelled, res.Record.Status)

	got, err := store.Get(ctx, billing.AccountKey("acct-1"))
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCancelled, got.Status)
	require.NotNil(t, got.GraceUntil)
	assert.True(t, got.GraceUntil.Equal(cancelAt.Add(6*time.Second).Add(3*billing.Day)), "grace anchors on processing time")
	require.NotNil(t, got.LastEventAt)
	assert.True(t, got.LastEventAt.Equal(cancelAt))
}

func TestApply_LateCancelStillGetsFullGrace(t *testing.T) {
	r, _, clock := newTestReconciler(t)
	signup(t, r, "acct-1", "I-SUB1")

	cancelAt := t0.Add(time.Hour)
	processedAt := cancelAt.Add(2 * billing.Day)
	clock.Set(processedAt)
	res, err := r.Apply(context.Background(), billing.SubscriptionKey("I-SUB1"), Cancel(3, cancelAt))
	require.NoError(t, err)
	require.NotNil(t, res.Record.GraceUntil)
	assert.True(t, res.Record.GraceUntil.Equal(processedAt.Add(3*billing.Day)))
}

func TestApply_TrialExpiryPersistedOncePastEnd(t *testing.T) {
	r, store, clock := newTestReconciler(t)
	rec := signup(t, r, "acct-1", "")
	end := *rec.TrialEndsAt
	ctx := context.Background()

	clock.Set(end.Add(-time.Millisecond))
	assert.False(t, billing.Evaluate(rec, clock.Now()).Locked)
	res, err := r.Apply(ctx, billing.AccountKey("acct-1"), ExpireTrial())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome)

	clock.Set(end.Add(time.Millisecond))
	res, err = r.Apply(ctx, billing.AccountKey("acct-1"), ExpireTrial())
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	got, err := store.Get(ctx, billing.AccountKey("acct-1"))
	require.NoError(t, err)
	assert.Equal(t, billing.StatusExpired, got.Status)
}

func TestApply_ConflictReDecides(t *testing.T) {
	store := registry.NewMemoryRegistry()
	clock := &fakeClock{now: t0}
	racing := &racingStore{Store: store}
	r := New(racing, WithClock(clock.Now))
	ctx := context.Background()

	_, err := r.Apply(ctx, billing.AccountKey("acct-1"), EnsureExists(7))
	require.NoError(t, err)
	_, err = r.Apply(ctx, billing.AccountKey("acct-1"), LinkSubscription("I-SUB1"))
	require.NoError(t, err)

	// A late Cancel races with an Activate that lands first.
	clock.Set(t0.Add(2 * time.Hour))
	racing.conflicts.Store(1)
	racing.before = func() {
		cur, err := store.Get(ctx, billing.AccountKey("acct-1"))
		require.NoError(t, err)
		next := cur.Clone()
		next.Status = billing.StatusActive
		next.Plan = billing.PlanPro
		activatedAt := t0.Add(90 * time.Minute)
		next.UpdatedAt = activatedAt
		next.LastEventAt = &activatedAt
		require.NoError(t, store.Upsert(ctx, next, cur.Version))
	}

	before := testutil.ToFloat64(bsmetrics.CASConflictsTotal)
	res, err := r.Apply(ctx, billing.SubscriptionKey("I-SUB1"), Cancel(3, t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, res.Outcome, "re-decided against the fresh record")
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, billing.StatusActive, res.Record.Status)
	assert.Equal(t, before+1, testutil.ToFloat64(bsmetrics.CASConflictsTotal))
}

func TestApply_ConflictExhausted(t *testing.T) {
	store := registry.NewMemoryRegistry()
	clock := &fakeClock{now: t0}
	racing := &racingStore{Store: store}
	r := New(racing, WithClock(clock.Now), WithMaxAttempts(3))
	ctx := context.Background()

	_, err := r.Apply(ctx, billing.AccountKey("acct-1"), EnsureExists(7))
	require.NoError(t, err)

	racing.conflicts.Store(100)
	racing.before = func() {
		cur, _ := store.Get(ctx, billing.AccountKey("acct-1"))
		next := cur.Clone()
		next.UpdatedAt = next.UpdatedAt.Add(time.Nanosecond)
		_ = store.Upsert(ctx, next, cur.Version)
	}

	clock.Set(t0.Add(time.Hour))
	_, err = r.Apply(ctx, billing.AccountKey("acct-1"), Activate(billing.PlanPro, t0.Add(time.Hour)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflictExhausted))
	assert.True(t, errs.IsRetryableError(err))
}

func TestApply_ConcurrentSignupCreatesOneRecord(t *testing.T) {
	r, store, _ := newTestReconciler(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var applied atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Apply(ctx, billing.AccountKey("acct-race"), EnsureExists(7))
			assert.NoError(t, err)
			if res.Changed() {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, applied.Load())
	got, err := store.Get(ctx, billing.AccountKey("acct-race"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Version)
}

func TestApply_StoreFailureIsTransient(t *testing.T) {
	r := New(&failingStore{err: errors.New("connection refused")})
	_, err := r.Apply(context.Background(), billing.SubscriptionKey("I-1"), Cancel(3, t0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrTransientStore))
	assert.True(t, errs.IsRetryableError(err))
}

func TestApply_NotFoundForUnknownSubscription(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	_, err := r.Apply(context.Background(), billing.SubscriptionKey("I-nobody"), Activate(billing.PlanPro, t0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestApply_DuplicateSubscriptionIsMismatch(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	signup(t, r, "acct-1", "I-SUB1")
	signup(t, r, "acct-2", "")

	_, err := r.Apply(context.Background(), billing.AccountKey("acct-2"), LinkSubscription("I-SUB1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSubscriptionMismatch))
}
