package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/nevindra/maestro"
)

// errorBody is the error envelope of every non-2xx response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message, Details: details}})
}

// writeError maps core error types onto the HTTP envelope. Anything
// untyped is an internal error.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeErrorAs(w, err, maestro.CodeInternal)
}

// writeStoreError is writeError with DATABASE_ERROR as the fallback
// code, for handlers whose failure path is a store call.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	s.writeErrorAs(w, err, maestro.CodeDatabase)
}

func (s *Server) writeErrorAs(w http.ResponseWriter, err error, fallbackCode string) {
	var (
		ve *maestro.ValidationError
		nf *maestro.NotFoundError
		ce *maestro.ConflictError
	)
	switch {
	case errors.As(err, &ve):
		writeErrorCode(w, http.StatusBadRequest, maestro.CodeValidation, ve.Error(), map[string]string{"field": ve.Field})
	case errors.As(err, &nf):
		writeErrorCode(w, http.StatusNotFound, maestro.CodeNotFound, nf.Error(), nil)
	case errors.As(err, &ce):
		writeErrorCode(w, http.StatusConflict, maestro.CodeConflict, ce.Error(), nil)
	case errors.Is(err, maestro.ErrDraining):
		writeErrorCode(w, http.StatusServiceUnavailable, maestro.CodeConflict, err.Error(), nil)
	default:
		s.logger.Error("request failed", "error", err)
		writeErrorCode(w, http.StatusInternalServerError, fallbackCode, err.Error(), nil)
	}
}

// decode parses a JSON request body into dst and runs struct validation.
// Failures come back as *maestro.ValidationError.
func (s *Server) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &maestro.ValidationError{Reason: "invalid JSON body: " + err.Error()}
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return &maestro.ValidationError{Field: f.Field(), Reason: "failed validation on " + f.Tag()}
		}
		return &maestro.ValidationError{Reason: err.Error()}
	}
	return nil
}
