// Package handlers implements the HTTP handlers for the streaming plane
// and the discovery surface.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/zane33/plexbridge/internal/relay"
)

// statusForKind maps the streaming plane's error taxonomy to HTTP status
// codes in one place.
func statusForKind(kind relay.ErrorKind) int {
	switch kind {
	case relay.KindNotFound:
		return http.StatusNotFound
	case relay.KindCapacityExhausted:
		return http.StatusServiceUnavailable
	case relay.KindSessionConflict:
		return http.StatusConflict
	case relay.KindUpstreamUnavailable:
		return http.StatusBadGateway
	case relay.KindBadUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// tunerError writes a status code and an empty body. Tuner clients ignore
// bodies entirely; the status is all they act on.
func tunerError(w http.ResponseWriter, err error) {
	w.WriteHeader(statusForKind(relay.KindOf(err)))
}

// errorBody is the compact JSON error shape for preview and API clients.
type errorBody struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// jsonError writes a compact JSON error for the preview path.
func jsonError(w http.ResponseWriter, err error) {
	kind := relay.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForKind(kind))
	_ = json.NewEncoder(w).Encode(errorBody{
		Kind:   string(kind),
		Detail: relay.DetailOf(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
