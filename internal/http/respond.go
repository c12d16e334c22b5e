package http

import (
	"encoding/json"
	"net/http"

	"meetupflow/internal/services"
)

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorResponse{Success: false, Error: kind, Message: message})
}

// writeFailure maps the service error taxonomy onto HTTP statuses. Anything
// without a kind is an internal error and its detail stays server-side.
func writeFailure(w http.ResponseWriter, err error) {
	kind, ok := services.KindOf(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	status := http.StatusInternalServerError
	switch kind {
	case services.KindValidation:
		status = http.StatusBadRequest
	case services.KindStateConflict:
		status = http.StatusConflict
	case services.KindExpired:
		status = http.StatusGone
	case services.KindProximity:
		status = http.StatusUnprocessableEntity
	case services.KindNotFound:
		status = http.StatusNotFound
	}
	writeError(w, status, string(kind), err.Error())
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
