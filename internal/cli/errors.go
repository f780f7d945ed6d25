// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// errors.go - Error types, exit codes and error display for rigrun-chat.
//
// STANDARDIZED PATTERN:
//   - Command handlers return errors and never exit
//   - Run maps the error to an exit code and prints it once
//   - Known failures get a one-line hint on how to fix them

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jeranaias/rigrun-chat/internal/chat"
	"github.com/jeranaias/rigrun-chat/internal/cloud"
	"github.com/jeranaias/rigrun-chat/internal/config"
	"github.com/jeranaias/rigrun-chat/internal/session"
)

// =============================================================================
// EXIT CODES - Specific codes for different error categories
// =============================================================================

const (
	// ExitSuccess indicates successful execution
	ExitSuccess = 0
	// ExitGeneralError indicates a general/unknown error
	ExitGeneralError = 1
	// ExitUsageError indicates invalid command usage or arguments
	ExitUsageError = 2
	// ExitConfigError indicates configuration file or settings error
	ExitConfigError = 3
	// ExitAuthError indicates the endpoint rejected the credential
	ExitAuthError = 4
	// ExitNetworkError indicates network, connectivity or upstream error
	ExitNetworkError = 5
	// ExitNotFoundError indicates a resource was not found
	ExitNotFoundError = 7
	// ExitTimeoutError indicates an operation timed out
	ExitTimeoutError = 8
	// ExitInterrupted indicates the user interrupted the command
	ExitInterrupted = 130
)

// =============================================================================
// ERROR TYPES FOR STRUCTURED ERROR HANDLING
// =============================================================================

// ValidationError represents a validation failure for user input.
type ValidationError struct {
	Field   string // Field that failed validation
	Value   string // Value that was provided
	Reason  string // Why validation failed
	Example string // Example of valid value (optional)
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	if e.Value != "" {
		msg += fmt.Sprintf(" (got: %s)", e.Value)
	}
	if e.Example != "" {
		msg += fmt.Sprintf("\nExample: %s", e.Example)
	}
	return msg
}

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	Resource string // Type of resource (e.g., "session", "file")
	ID       string // Identifier that was not found
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// =============================================================================
// ERROR CONSTRUCTION HELPERS
// =============================================================================

// NewValidationError creates a new validation error.
func NewValidationError(field, value, reason string) error {
	return &ValidationError{
		Field:  field,
		Value:  value,
		Reason: reason,
	}
}

// ErrMissingArgument creates an error for missing required arguments.
func ErrMissingArgument(argName, usage string) error {
	return &ValidationError{
		Field:   argName,
		Reason:  "required argument missing",
		Example: usage,
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// =============================================================================
// EXIT CODE MAPPING
// =============================================================================

// GetExitCode determines the exit code for an error.
//   - ExitUsageError (2): ValidationError
//   - ExitConfigError (3): invalid config file, missing endpoint or key
//   - ExitAuthError (4): the endpoint answered 401 or 403
//   - ExitNetworkError (5): transport failures and other upstream statuses
//   - ExitNotFoundError (7): NotFoundError, no current session
//   - ExitTimeoutError (8): deadline exceeded
//   - ExitInterrupted (130): the reply was cancelled
//   - ExitGeneralError (1): all other errors
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var validationErr *ValidationError
	var notFoundErr *NotFoundError
	var configErrs config.ValidateErrors
	var transportErr *cloud.TransportError
	var apiErr *cloud.APIError

	switch {
	case errors.As(err, &validationErr):
		return ExitUsageError
	case errors.As(err, &notFoundErr), errors.Is(err, session.ErrNoSession):
		return ExitNotFoundError
	case errors.As(err, &configErrs), errors.Is(err, cloud.ErrNotConfigured):
		return ExitConfigError
	case errors.Is(err, cloud.ErrAuthFailed):
		return ExitAuthError
	case errors.Is(err, chat.ErrCancelled), errors.Is(err, context.Canceled):
		return ExitInterrupted
	case errors.Is(err, context.DeadlineExceeded):
		return ExitTimeoutError
	case errors.As(err, &transportErr), errors.As(err, &apiErr):
		return ExitNetworkError
	}
	return ExitGeneralError
}

// hint returns a suggestion for fixing err, or "".
func hint(err error) string {
	switch {
	case errors.Is(err, cloud.ErrNotConfigured):
		return "Set api.url and api.key with 'rigrun-chat config set', or export RIGRUN_CHAT_API_URL and RIGRUN_CHAT_API_KEY."
	case errors.Is(err, cloud.ErrAuthFailed):
		return "Check that api.key is valid for this endpoint."
	case errors.Is(err, cloud.ErrRateLimited):
		return "The endpoint is rate limiting requests. Wait a moment and try again."
	case errors.Is(err, chat.ErrCancelled):
		return "The partial reply was kept in the session."
	}
	var transportErr *cloud.TransportError
	if errors.As(err, &transportErr) {
		return "Check network connectivity and the api.url setting."
	}
	return ""
}

// describe returns the user-facing message for err.
func describe(err error) string {
	var apiErr *cloud.APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("endpoint returned %d: %s", apiErr.StatusCode, apiErr.Message())
	}
	return err.Error()
}

// =============================================================================
// ERROR DISPLAY HELPERS
// =============================================================================

// DisplayError writes err to w in a consistent format. In JSON mode it
// writes a structured error document instead.
func DisplayError(w io.Writer, err error, jsonMode bool) {
	if err == nil {
		return
	}

	if jsonMode {
		DisplayErrorJSON(w, err)
		return
	}

	fmt.Fprintf(w, "%s %s\n", ErrorStyle.Render("[ERROR]"), describe(err))
	if h := hint(err); h != "" {
		fmt.Fprintln(w, DimStyle.Render(h))
	}
}

// DisplayErrorJSON writes err as JSON.
func DisplayErrorJSON(w io.Writer, err error) {
	output := map[string]interface{}{
		"error":     describe(err),
		"success":   false,
		"exit_code": GetExitCode(err),
	}
	if h := hint(err); h != "" {
		output["hint"] = h
	}

	var validationErr *ValidationError
	var notFoundErr *NotFoundError
	var apiErr *cloud.APIError
	switch {
	case errors.As(err, &validationErr):
		output["error_type"] = "validation_error"
		output["field"] = validationErr.Field
		output["reason"] = validationErr.Reason
	case errors.As(err, &notFoundErr):
		output["error_type"] = "not_found_error"
		output["resource"] = notFoundErr.Resource
		output["id"] = notFoundErr.ID
	case errors.As(err, &apiErr):
		output["error_type"] = "api_error"
		output["status"] = apiErr.StatusCode
	default:
		output["error_type"] = "generic_error"
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(output)
}
