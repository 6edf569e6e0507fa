package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/schedmate/schedmate/internal/billingsync/sweep"
)

// Sweeper runs one sweep pass.
type Sweeper interface {
	Sweep(ctx context.Context) (sweep.Summary, error)
}

type sweepResponse struct {
	Summary sweep.Summary `json:"summary"`
	Error   string        `json:"error,omitempty"`
}

// HandleSweep returns a handler that runs a sweep on demand.
func HandleSweep(s Sweeper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		summary, err := s.Sweep(r.Context())
		resp := sweepResponse{Summary: summary}
		status := http.StatusOK
		if err != nil {
			log.Error().Err(err).Msg("On-demand billing sweep failed")
			resp.Error = "sweep failed"
			status = http.StatusInternalServerError
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// ServiceKeyMiddleware returns middleware that requires the service key in
// X-Service-Key or an Authorization bearer token.
func ServiceKeyMiddleware(serviceKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Service-Key"))
		if key == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		if key == "" || serviceKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(serviceKey)) != 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "unauthorized",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
