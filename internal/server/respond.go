package server

import (
	"encoding/json"
	"errors"
	"net/http"

	gateway "github.com/eugener/warden/internal"
)

// Pre-allocated header value slice; avoids a []string alloc per response.
var jsonCT = []string{"application/json"}

type errorBody struct {
	Error string `json:"error"`
}

func errorResponse(msg string) errorBody {
	return errorBody{Error: msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// writeError maps a domain error to its inbound status and a safe message.
// Raw upstream error strings stay in logs and usage records.
func writeError(w http.ResponseWriter, err error) {
	var use *gateway.UpstreamStatusError
	switch {
	case errors.Is(err, gateway.ErrAuthInvalid):
		writeJSON(w, http.StatusUnauthorized, errorResponse("invalid api key"))
	case errors.Is(err, gateway.ErrAuthExpired):
		writeJSON(w, http.StatusForbidden, errorResponse("api key expired or disabled"))
	case errors.Is(err, gateway.ErrNoUpstream):
		w.Header()["Retry-After"] = []string{"30"}
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("no upstream available"))
	case errors.Is(err, gateway.ErrUpstreamAuth):
		writeJSON(w, http.StatusBadGateway, errorResponse("upstream rejected credentials"))
	case errors.As(err, &use):
		// Mirror the provider's status after retries are exhausted.
		writeJSON(w, use.Status, errorResponse("upstream error"))
	case errors.Is(err, gateway.ErrUpstreamStatus), errors.Is(err, gateway.ErrUpstreamTransport):
		writeJSON(w, http.StatusBadGateway, errorResponse("upstream unavailable"))
	case errors.Is(err, gateway.ErrOAuthBadCode), errors.Is(err, gateway.ErrBadRequest):
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, gateway.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse("not found"))
	case errors.Is(err, gateway.ErrConflict):
		writeJSON(w, http.StatusConflict, errorResponse("conflict"))
	case errors.Is(err, gateway.ErrCanceled):
		// Client is gone; nothing useful to write.
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal error"))
	}
}
