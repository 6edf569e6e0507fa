package billingsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/schedmate/schedmate/internal/billingsync/bsmetrics"
	"github.com/schedmate/schedmate/internal/billingsync/registry"
	"github.com/schedmate/schedmate/pkg/billing"
)

func statusGaugeValue(status billing.Status) float64 {
	return testutil.ToFloat64(bsmetrics.RecordsByStatus.WithLabelValues(string(status)))
}

func TestUpdateStatusGauges(t *testing.T) {
	store := registry.NewMemoryRegistry()
	ctx := context.Background()
	created := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	for i, status := range []billing.Status{billing.StatusActive, billing.StatusActive, billing.StatusTrial, billing.Status("legacy")} {
		rec := &billing.Record{
			AccountID: "acct-" + string(rune('a'+i)),
			Status:    status,
			Plan:      billing.PlanStarter,
			CreatedAt: created,
			UpdatedAt: created,
		}
		if err := store.Upsert(ctx, rec, 0); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	updateStatusGauges(ctx, store)

	if got := statusGaugeValue(billing.StatusActive); got != 2 {
		t.Fatalf("active gauge = %v, want 2", got)
	}
	if got := statusGaugeValue(billing.StatusTrial); got != 1 {
		t.Fatalf("trial gauge = %v, want 1", got)
	}
	if got := statusGaugeValue(billing.StatusSuspended); got != 0 {
		t.Fatalf("suspended gauge = %v, want 0", got)
	}
	if got := statusGaugeValue("legacy"); got != 1 {
		t.Fatalf("unexpected-status gauge = %v, want 1", got)
	}
}

type brokenCounter struct{}

func (brokenCounter) CountByStatus(context.Context) (map[billing.Status]int, error) {
	return nil, errors.New("database is locked")
}

func TestUpdateStatusGaugesKeepsValuesOnError(t *testing.T) {
	bsmetrics.RecordsByStatus.WithLabelValues(string(billing.StatusExpired)).Set(7)
	updateStatusGauges(context.Background(), brokenCounter{})
	if got := statusGaugeValue(billing.StatusExpired); got != 7 {
		t.Fatalf("expired gauge = %v, want unchanged 7", got)
	}
}
