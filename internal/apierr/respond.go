package apierr

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// body is the JSON shape returned to clients for every error response:
// {"detail": "<string>"}, per the external interface's error contract.
type body struct {
	Detail string `json:"detail"`
}

// Write renders err as a JSON error response. If err is (or wraps) an
// *Error its Kind drives the status code and body; anything else is
// logged and reported as an opaque internal error so upstream stack
// traces never leak to clients.
func Write(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		if apiErr.Kind == KindInternal || apiErr.Kind == KindUpstreamFailed {
			slog.Error("request failed", "kind", apiErr.Kind, "err", apiErr.cause, "path", r.URL.Path)
		}
		writeJSON(w, apiErr.Status(), body{Detail: apiErr.Message})
		return
	}

	slog.Error("unclassified request error", "err", err, "path", r.URL.Path)
	writeJSON(w, http.StatusInternalServerError, body{Detail: "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode error response", "err", err)
	}
}
