package model

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// The error taxonomy every component boundary speaks. Upstream-specific
// error shapes never cross a boundary; adapters classify into one of these.

// NotConnectedError means no credential exists for (org, integration).
type NotConnectedError struct {
	OrgID       uuid.UUID
	Integration IntegrationKind
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("%s is not connected for org %s", e.Integration, e.OrgID)
}

// NeedsReconnectError means the credential exists but refresh failed
// permanently; the user must re-authorize.
type NeedsReconnectError struct {
	OrgID       uuid.UUID
	Integration IntegrationKind
	Reason      string
}

func (e *NeedsReconnectError) Error() string {
	return fmt.Sprintf("%s needs reconnect for org %s: %s", e.Integration, e.OrgID, e.Reason)
}

// TransientError wraps a retryable upstream failure (timeout, 5xx, 429).
type TransientError struct {
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("transient: %s", e.Reason)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a non-retryable failure (revoked grant, schema
// violation, signature mismatch).
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("permanent: %s", e.Reason)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// ValidationError is a malformed or out-of-range request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("validation: %s", e.Reason)
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsPermanent reports whether err is a non-retryable classification.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
