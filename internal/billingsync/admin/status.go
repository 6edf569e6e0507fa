package admin

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/schedmate/schedmate/pkg/billing"
)

// Pinger reports store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusCounter counts billing records by stored status.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[billing.Status]int, error)
}

type statusResponse struct {
	Version      string                 `json:"version"`
	TotalRecords int                    `json:"total_records"`
	ByStatus     map[billing.Status]int `json:"by_status"`
}

// HandleHealthz returns 200 "ok" unconditionally (liveness check).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that checks store connectivity (readiness check).
func HandleReadyz(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if err := p.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// HandleStatus returns a handler that reports record counts by status.
func HandleStatus(c StatusCounter, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		counts, err := c.CountByStatus(r.Context())
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		total := 0
		for _, n := range counts {
			total += n
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(statusResponse{
			Version:      version,
			TotalRecords: total,
			ByStatus:     counts,
		})
	}
}
