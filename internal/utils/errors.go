package utils

import (
	"errors"
	"fmt"
	"net"
)

// ConfigurationError indicates a missing API key, model entry or required
// environment value. It is never retried.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}

// NewConfigurationError creates a ConfigurationError for a named field
func NewConfigurationError(field, message string) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: message}
}

// ParamsError indicates a malformed or missing required request field.
// It is raised before any network call and never retried.
type ParamsError struct {
	Field   string
	Message string
}

func (e *ParamsError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid params: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid params: %s", e.Message)
}

// NewParamsError creates a ParamsError for a named field
func NewParamsError(field, message string) *ParamsError {
	return &ParamsError{Field: field, Message: message}
}

// ProviderError indicates an upstream failure: a non-2xx response, a 2xx
// response that was not valid JSON, or a job that reached a failed status.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	// UpstreamBody holds the parsed upstream error payload when the
	// upstream returned JSON, nil otherwise.
	UpstreamBody map[string]interface{}
	// RawExcerpt holds a truncated copy of the raw body for diagnostics
	// when the body could not be parsed.
	RawExcerpt string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s returned status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// AuthorisationError indicates the caller is not entitled to the requested
// provider or model (credential or plan gating).
type AuthorisationError struct {
	Message string
}

func (e *AuthorisationError) Error() string {
	return fmt.Sprintf("not authorised: %s", e.Message)
}

// StorageError indicates a persistence collaborator failure, e.g. while
// recording async job state.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsRecoverableError reports whether an error is worth retrying.
// Transport failures and upstream 5xx responses are transient; everything
// else (validation, auth, upstream 4xx, invalid JSON on a 2xx) is not.
func IsRecoverableError(err error) bool {
	if err == nil {
		return false
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		if provErr.StatusCode >= 500 {
			return true
		}
		if provErr.StatusCode == 0 && provErr.Err != nil {
			// No HTTP status means the request never completed.
			var netErr net.Error
			return errors.As(provErr.Err, &netErr)
		}
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// maxExcerptLen bounds raw-body excerpts attached to errors so diagnostics
// never carry whole payloads.
const maxExcerptLen = 512

// TruncateExcerpt shortens a raw upstream body for inclusion in error
// diagnostics.
func TruncateExcerpt(body string) string {
	if len(body) <= maxExcerptLen {
		return body
	}
	return body[:maxExcerptLen] + "...(truncated)"
}
