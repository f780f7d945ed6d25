// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error variables for common completion endpoint failures.
var (
	// ErrNotConfigured indicates the credential or endpoint is not set.
	ErrNotConfigured = errors.New("completion endpoint not configured")

	// ErrAuthFailed matches APIErrors with a 401 or 403 status.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited matches APIErrors with a 429 status.
	ErrRateLimited = errors.New("rate limited")
)

// =============================================================================
// CONFIGURATION ERROR
// =============================================================================

// ConfigError reports a missing setting. It is returned before any network
// call is attempted.
type ConfigError struct {
	Field string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s is missing, set it in config.toml or the environment", e.Field)
}

// Is matches ErrNotConfigured.
func (e *ConfigError) Is(target error) bool {
	return target == ErrNotConfigured
}

// =============================================================================
// TRANSPORT ERROR
// =============================================================================

// TransportError is a network-level failure while sending the request or
// reading the streamed body. Content already delivered stays delivered.
type TransportError struct {
	Op  string // "request" or "read"
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// =============================================================================
// API ERROR
// =============================================================================

// APIError is a non-success HTTP status from the completion endpoint.
// Body is the parsed JSON error document, or an empty map when the body was
// not a JSON object.
type APIError struct {
	StatusCode int
	Body       map[string]any
}

// newAPIError parses body on a best-effort basis.
func newAPIError(status int, body []byte) *APIError {
	parsed := map[string]any{}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed == nil {
		parsed = map[string]any{}
	}
	return &APIError{StatusCode: status, Body: parsed}
}

// Error implements the error interface.
func (e *APIError) Error() string {
	body, err := json.Marshal(e.Body)
	if err != nil || e.Body == nil {
		body = []byte("{}")
	}
	return fmt.Sprintf("API Error: %d %s", e.StatusCode, body)
}

// Message extracts error.message from OpenAI-style error bodies.
func (e *APIError) Message() string {
	obj, ok := e.Body["error"].(map[string]any)
	if !ok {
		if msg, ok := e.Body["message"].(string); ok {
			return msg
		}
		return http.StatusText(e.StatusCode)
	}
	if msg, ok := obj["message"].(string); ok && msg != "" {
		return msg
	}
	return http.StatusText(e.StatusCode)
}

// Is maps well-known statuses onto the sentinel errors.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrAuthFailed:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	}
	return false
}
