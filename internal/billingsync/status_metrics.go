package billingsync

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/schedmate/schedmate/internal/billingsync/bsmetrics"
	"github.com/schedmate/schedmate/pkg/billing"
)

const statusMetricsInterval = 30 * time.Second

// statusCounter counts stored records by status.
type statusCounter interface {
	CountByStatus(ctx context.Context) (map[billing.Status]int, error)
}

func runStatusMetrics(ctx context.Context, counter statusCounter) {
	ticker := time.NewTicker(statusMetricsInterval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for this gauge.
	updateStatusGauges(ctx, counter)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateStatusGauges(ctx, counter)
		}
	}
}

func updateStatusGauges(ctx context.Context, counter statusCounter) {
	counts, err := counter.CountByStatus(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("Failed to update billing status metrics")
		}
		return
	}

	known := []billing.Status{
		billing.StatusTrial,
		billing.StatusActive,
		billing.StatusPastDue,
		billing.StatusCancelled,
		billing.StatusExpired,
		billing.StatusSuspended,
	}
	seen := make(map[billing.Status]struct{}, len(known))

	// Stable label set for known statuses, zero included.
	for _, status := range known {
		seen[status] = struct{}{}
		bsmetrics.RecordsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	for status, c := range counts {
		if _, ok := seen[status]; ok {
			continue
		}
		bsmetrics.RecordsByStatus.WithLabelValues(string(status)).Set(float64(c))
	}
}
