package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	"checkpoint/pkg/sentinel"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError translates sentinel errors into the JSON error envelope. The
// envelope never echoes internal error text for 5xx responses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal error"
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		status = http.StatusNotFound
		message = err.Error()
	case errors.Is(err, sentinel.ErrInvalidInput):
		status = http.StatusBadRequest
		message = err.Error()
	case errors.Is(err, sentinel.ErrUnavailable):
		status = http.StatusForbidden
		message = err.Error()
	case errors.Is(err, sentinel.ErrConflict):
		status = http.StatusConflict
		message = err.Error()
	}
	writeJSON(w, status, map[string]string{"error": message})
}
