package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/MrJones267/aryv-coord/globals"
	"github.com/MrJones267/aryv-coord/types"
)

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func statusFor(code string) int {
	switch code {
	case "auth_failed":
		return http.StatusUnauthorized
	case "not_found":
		return http.StatusNotFound
	case "duplicate_booking", "insufficient_capacity", "already_assigned", "invalid_transition":
		return http.StatusConflict
	case "invalid_amount", "self_booking", "ride_not_open":
		return http.StatusUnprocessableEntity
	case "upstream_unavailable":
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := types.ErrorCode(err)
	status := statusFor(code)
	message := err.Error()
	if status == http.StatusInternalServerError {
		// Internal detail stays in the log.
		globals.AppLogger.Error("request failed", "error", err)
		message = "internal error"
	}
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: errorBody{Code: "bad_request", Message: message}})
}

func writeForbidden(w http.ResponseWriter) {
	writeJSON(w, http.StatusForbidden, errorEnvelope{Error: errorBody{Code: "forbidden", Message: "not allowed"}})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		globals.AppLogger.Error("could not encode response", "error", err)
	}
}
