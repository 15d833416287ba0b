// Package api implements the HTTP surface: the REST API under /api/v1, the
// WebSocket upgrade endpoint, the health endpoint, and the Prometheus
// metrics endpoint. Chi is the router; handlers delegate to the scheduler
// and monitor and own no state of their own.
package api

import (
	"encoding/json"
	"net/http"
)

// envelope is the standard JSON response wrapper. Successful responses wrap
// the payload in a "data" key; error responses use an "error" key with a
// human-readable message and a machine-readable code.
//
// Success:  {"data": <payload>}
// Error:    {"error": {"message": "...", "code": "..."}}
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response with the payload wrapped in {"data": payload}.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

// Created writes a 201 Created response with the payload wrapped in {"data": payload}.
func Created(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusCreated, envelope{"data": payload})
}

// NoContent writes a 204 No Content response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// errorResponse is the shape of the "error" object in error responses.
type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, envelope{
		"error": errorResponse{
			Message: message,
			Code:    code,
		},
	})
}

// ErrBadRequest writes a 400 Bad Request error response.
func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "validation_error")
}

// ErrNotFound writes a 404 Not Found error response.
func ErrNotFound(w http.ResponseWriter) {
	errJSON(w, http.StatusNotFound, "resource not found", "not_found")
}

// ErrConflict writes a 409 Conflict error response.
func ErrConflict(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusConflict, message, "conflict")
}

// ErrInternal writes a 500 Internal Server Error response. The real error is
// logged server-side, never leaked to the client.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "internal server error", "internal")
}

// decodeJSON decodes the request body into dst, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
