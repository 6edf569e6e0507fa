package account

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/schedmate/schedmate/internal/logging"
)

const requestBodyLimit = 64 * 1024

// auditEvent starts a log event for an account billing mutation.
func auditEvent(r *http.Request, event, outcome string) *zerolog.Event {
	e := log.Info()
	if outcome != "success" {
		e = log.Warn()
	}
	e = e.Str("audit_event", event).
		Str("outcome", outcome).
		Str("path", r.URL.Path)
	if actor := actorID(r); actor != "" {
		e = e.Str("actor_id", actor)
	}
	if id := logging.GetRequestID(r.Context()); id != "" {
		e = e.Str("request_id", id)
	}
	return e
}

// actorID returns the dashboard user acting on the account, if the caller
// forwarded one.
func actorID(r *http.Request) string {
	for _, header := range []string{"X-Actor-ID", "X-User-ID"} {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return v
		}
	}
	return ""
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, requestBodyLimit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return err
		}
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return err
	}
	return nil
}

func encodeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("billingsync.account: encode response")
	}
}
