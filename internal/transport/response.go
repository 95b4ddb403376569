// Package transport contains the HTTP router, middleware chain and request
// handlers for the intake service.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/intake/model"
)

// EntryPoint is where a client with an unusable link is sent.
const EntryPoint = "/"

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrValidationError:    http.StatusUnprocessableEntity,
	model.ErrInvalidTransition:  http.StatusUnprocessableEntity,
	model.ErrInternalError:      http.StatusInternalServerError,
	model.ErrBackendUnavailable: http.StatusBadGateway,
	model.ErrNotConfigured:      http.StatusServiceUnavailable,
}

type errorResponse struct {
	Error    *model.ErrorEnvelope `json:"error"`
	Redirect string               `json:"redirect,omitempty"`
}

type dataResponse struct {
	Data any `json:"data"`
}

// WriteJSON writes body as JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteData wraps body in a {"data": ...} envelope.
func WriteData(w http.ResponseWriter, status int, body any) {
	WriteJSON(w, status, dataResponse{Data: body})
}

// envelopeFor unwraps err to its ErrorEnvelope. Errors without one become
// INTERNAL_ERROR so that infrastructure detail never reaches the client.
func envelopeFor(err error) (*model.ErrorEnvelope, int) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}
	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return ee, status
}

// WriteError writes err as an error envelope with the mapped status.
func WriteError(w http.ResponseWriter, err error) {
	ee, status := envelopeFor(err)
	WriteJSON(w, status, errorResponse{Error: ee})
}

// WriteClientError is WriteError for token-authorized routes: a NOT_FOUND
// carries a redirect to the entry point.
func WriteClientError(w http.ResponseWriter, err error) {
	ee, status := envelopeFor(err)
	resp := errorResponse{Error: ee}
	if ee.Code == model.ErrNotFound {
		resp.Redirect = EntryPoint
	}
	WriteJSON(w, status, resp)
}

// WriteValidationError writes a 422 with field-level details.
func WriteValidationError(w http.ResponseWriter, details []model.FieldError) {
	WriteError(w, model.NewValidationError(details))
}
