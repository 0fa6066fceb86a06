// Package http implements the gateway's REST and SSE surface.
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/whiteboardmonk/agcluster-container-sub000/internal/errdefs"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps a classified error onto its HTTP status with an
// OpenAI-shaped error body.
func writeError(w http.ResponseWriter, err error) {
	status := errdefs.HTTPStatus(err)

	var ge *errdefs.Error
	if errors.As(err, &ge) && ge.Kind == errdefs.KindInvalidConfig && len(ge.Fields) > 0 {
		writeJSON(w, status, map[string]any{
			"error": map[string]any{
				"message": ge.Msg,
				"type":    errType(status),
				"errors":  ge.Fields,
			},
		})
		return
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": err.Error(),
			"type":    errType(status),
			"param":   nil,
			"code":    nil,
		},
	})
	if status >= 500 {
		slog.Error("request failed", "status", status, "error", err)
	}
}

// errType derives the OpenAI error type from the HTTP status.
func errType(status int) string {
	switch {
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return "invalid_request_error"
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	}
	return "server_error"
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

func strPtr(s string) *string { return &s }
