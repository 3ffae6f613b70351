package api

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"fleettrack/internal/auth"
	"fleettrack/internal/broadcast"
	"fleettrack/internal/logging"
	"fleettrack/internal/pool"
	"fleettrack/internal/store"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

var errRateLimited = errors.New("rate limit exceeded")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// writeError maps a component error onto its problem status.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, title := http.StatusInternalServerError, "Internal Server Error"
	switch {
	case errors.Is(err, broadcast.ErrInvalidSample):
		status, title = http.StatusBadRequest, "Invalid Sample"
	case errors.Is(err, auth.ErrInvalidToken):
		status, title = http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, store.ErrNotFound):
		status, title = http.StatusNotFound, "Not Found"
	case errors.Is(err, errRateLimited):
		status, title = http.StatusTooManyRequests, "Too Many Requests"
	case errors.Is(err, pool.ErrConnectionTimeout):
		status, title = http.StatusServiceUnavailable, "Service Unavailable"
	}
	detail := err.Error()
	if status == http.StatusInternalServerError {
		logging.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		detail = ""
	}
	writeProblem(w, status, title, detail, r.URL.Path)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
}
