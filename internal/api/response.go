// Package api provides the HTTP entry points for export, validate, and import.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	scribeerrors "github.com/randalmurphal/scribe/internal/errors"
)

// APIError is the standard error response format.
type APIError struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Why     string `json:"why,omitempty"`
	Fix     string `json:"fix,omitempty"`
	Details any    `json:"details,omitempty"`
}

// JSONResponseStatus writes a JSON response with a specific status code.
func JSONResponseStatus(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// JSONResponse writes a successful JSON response.
func JSONResponse(w http.ResponseWriter, data any) {
	JSONResponseStatus(w, data, http.StatusOK)
}

// JSONError writes a simple error response.
func JSONError(w http.ResponseWriter, message string, status int) {
	JSONResponseStatus(w, APIError{Error: message}, status)
}

// HandleError inspects the error type and writes the matching response.
// details, if non-nil, is attached to the body.
func HandleError(w http.ResponseWriter, err error, details any) {
	var se *scribeerrors.ScribeError
	if errors.As(err, &se) {
		JSONResponseStatus(w, APIError{
			Error:   se.What,
			Code:    string(se.Code),
			Why:     se.Why,
			Fix:     se.Fix,
			Details: details,
		}, se.HTTPStatus())
		return
	}
	JSONResponseStatus(w, APIError{Error: err.Error(), Details: details}, http.StatusInternalServerError)
}
