package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"autocheckin/internal/orchestrator"
	"autocheckin/internal/users"
)

// Envelope is the body of every response.
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, env Envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(env)
}

func ok(w http.ResponseWriter, msg string, data any) {
	writeJSON(w, http.StatusOK, Envelope{Success: true, Message: msg, Data: data})
}

func fail(w http.ResponseWriter, code int, msg string, err error) {
	env := Envelope{Success: false, Message: msg}
	if err != nil {
		env.Error = err.Error()
	}
	writeJSON(w, code, env)
}

// aggregate writes a batch result: 200 when every item succeeded, 207 for a
// partial result and 502 when nothing did.
func aggregate(w http.ResponseWriter, st orchestrator.Status, msg string, data any) {
	switch st {
	case orchestrator.StatusPartial:
		writeJSON(w, http.StatusMultiStatus, Envelope{Success: false, Message: msg + " (partial)", Data: data})
	case orchestrator.StatusFailure:
		writeJSON(w, http.StatusBadGateway, Envelope{Success: false, Message: msg + " (failed)", Data: data})
	default:
		ok(w, msg, data)
	}
}

// errorCode maps an operation error to its HTTP status.
func errorCode(err error) int {
	switch {
	case errors.Is(err, users.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}
