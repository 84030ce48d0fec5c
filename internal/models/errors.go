package models

import (
	"errors"
	"fmt"
	"strings"
)

// Terminal routing conditions. These are the only errors surfaced to
// callers; everything else is absorbed locally where a safe default exists.
var (
	// ErrNoModelAvailable means no rule, fallback, or default resolved to an
	// available model.
	ErrNoModelAvailable = errors.New("no suitable model available")

	// ErrServiceUnavailable means the dispatch fallback cascade was exhausted.
	ErrServiceUnavailable = errors.New("model service unavailable")

	// ErrRegistryUnavailable means the registry could not be reached and no
	// cached snapshot exists to serve from.
	ErrRegistryUnavailable = errors.New("model registry unavailable")
)

// AnalysisError aggregates per-item analysis failures. It is non-fatal: a
// failed item only starves its own contribution to the analysis, the
// remaining items are still analyzed.
type AnalysisError struct {
	Items []ItemError
}

// ItemError records one content item's analysis failure.
type ItemError struct {
	Index int
	Type  ContentType
	Err   error
}

func (e *AnalysisError) Error() string {
	parts := make([]string, len(e.Items))
	for i, it := range e.Items {
		parts[i] = fmt.Sprintf("item %d (%s): %v", it.Index, it.Type, it.Err)
	}
	return "content analysis: " + strings.Join(parts, "; ")
}

// DispatchError is a failed provider attempt. It carries an HTTP-style
// status code so the handler layer can map it, and a Retryable flag that
// feeds the fallback cascade.
type DispatchError struct {
	StatusCode int
	Provider   string
	ModelID    string
	RequestID  string
	Retryable  bool
	Err        error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to %s model %s: %v", e.Provider, e.ModelID, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// ErrMissingCredentials marks a provider attempt that failed because the
// provider's API key is not configured. The attempt is still eligible for
// the fallback cascade.
var ErrMissingCredentials = errors.New("provider credentials not configured")

// NewMissingCredentialsError builds the 401-status DispatchError for a
// provider with no configured key.
func NewMissingCredentialsError(provider, modelID, requestID string) *DispatchError {
	return &DispatchError{
		StatusCode: 401,
		Provider:   provider,
		ModelID:    modelID,
		RequestID:  requestID,
		Retryable:  false,
		Err:        ErrMissingCredentials,
	}
}

// TruncateError shortens an error message for metric records.
func TruncateError(err error, max int) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > max {
		return msg[:max]
	}
	return msg
}
