// Package protocol defines the API request/response types.
package protocol

import (
	"encoding/json"
	"net/http"
	"time"
)

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// LoginRequest is the body for POST /api/auth/login
type LoginRequest struct {
	Password string `json:"password"`
}

// LoginResponse is returned by a successful login.
type LoginResponse struct {
	Token     string    `json:"token"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

// StreamTokenResponse is returned by GET /api/stream/token
type StreamTokenResponse struct {
	Token     string    `json:"token"`
	Path      string    `json:"path"`
	ExpiresAt time.Time `json:"expires_at"`
}

// StatusResponse is returned by GET /
type StatusResponse struct {
	Message string `json:"message"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

// WriteJSON writes v with the given status code.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes an ErrorResponse.
func WriteError(w http.ResponseWriter, code int, message string) {
	WriteJSON(w, code, ErrorResponse{Error: message, Code: code})
}
