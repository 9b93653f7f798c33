package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/pavelanni/osce/internal/model"
)

// apiError pairs an HTTP status and a stable code with the underlying error.
type apiError struct {
	Status int
	Code   string
	Err    error
}

func (e *apiError) Error() string { return e.Err.Error() }

func (e *apiError) Unwrap() error { return e.Err }

var errorTable = []struct {
	target error
	status int
	code   string
}{
	{model.ErrRunNotFound, http.StatusNotFound, "run_not_found"},
	{model.ErrAssignmentNotFound, http.StatusNotFound, "assignment_not_found"},
	{model.ErrCaseNotFound, http.StatusNotFound, "case_not_found"},
	{model.ErrAssignmentInactive, http.StatusConflict, "assignment_inactive"},
	{model.ErrRunClosed, http.StatusConflict, "run_closed"},
	{model.ErrInvalidPhase, http.StatusConflict, "invalid_phase"},
	{model.ErrTurnInProgress, http.StatusConflict, "turn_in_progress"},
	{model.ErrNotSubmitted, http.StatusConflict, "not_submitted"},
	{model.ErrNotScored, http.StatusConflict, "not_scored"},
	{model.ErrUnknownItem, http.StatusUnprocessableEntity, "unknown_item"},
	{model.ErrInvalidDiagnosisSelection, http.StatusUnprocessableEntity, "invalid_diagnosis_selection"},
	{model.ErrIncompleteManagementSelection, http.StatusUnprocessableEntity, "incomplete_management_selection"},
	{model.ErrInvalidInput, http.StatusUnprocessableEntity, "invalid_input"},
	{model.ErrPatientResponseUnavailable, http.StatusServiceUnavailable, "patient_unavailable"},
}

// classify maps a controller error onto its HTTP representation.
func classify(err error) *apiError {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae
	}
	for _, e := range errorTable {
		if errors.Is(err, e.target) {
			return &apiError{Status: e.status, Code: e.code, Err: err}
		}
	}
	return &apiError{Status: http.StatusInternalServerError, Code: "internal", Err: err}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	ae := classify(err)
	body := errorBody{Error: ae.Code, Message: ae.Err.Error()}
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		body.Field = ve.Field
	}
	if ae.Status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", ae.Status, "error", err)
		if ae.Status == http.StatusInternalServerError {
			body.Message = "internal error"
		}
	}
	respondJSON(w, ae.Status, body)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func badRequest(err error) *apiError {
	return &apiError{Status: http.StatusBadRequest, Code: "bad_request", Err: err}
}
