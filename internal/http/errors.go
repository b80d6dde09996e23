package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/ride-coordination/internal/apperr"
)

var kindStatus = map[apperr.Kind]int{
	apperr.KindNotFound:                        http.StatusNotFound,
	apperr.KindNotAuthorized:                   http.StatusForbidden,
	apperr.KindAlreadyInGroupForEvent:          http.StatusConflict,
	apperr.KindCapacityExceeded:                http.StatusConflict,
	apperr.KindDriverCannotLeaveWithPassengers: http.StatusConflict,
	apperr.KindDuplicateResponse:               http.StatusConflict,
	apperr.KindSurveyExpired:                   http.StatusGone,
	apperr.KindInvalidAmount:                   http.StatusUnprocessableEntity,
	apperr.KindInvalidInput:                    http.StatusUnprocessableEntity,
	apperr.KindPayerNotAMember:                 http.StatusUnprocessableEntity,
	apperr.KindTransient:                       http.StatusServiceUnavailable,
}

type errorBody struct {
	Kind    apperr.Kind       `json:"kind"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	body := errorBody{Kind: kind, Message: err.Error()}
	var e *apperr.Error
	if errors.As(err, &e) {
		body.Message = e.Message
		body.Details = e.Details
	}
	if kind == apperr.KindTransient {
		// infrastructure detail stays in the logs
		body.Message = "temporarily unavailable, retry later"
	}
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{"error": errorBody{Kind: apperr.KindInvalidInput, Message: msg}})
}
