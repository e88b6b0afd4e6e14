// internal/errors/errors.go
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrInvalidRepoFormat is returned when a repository string is not in 'owner/name' format.
type ErrInvalidRepoFormat struct {
	Repo string
}

func (e *ErrInvalidRepoFormat) Error() string {
	return fmt.Sprintf("invalid repository format: %q, expected 'owner/name'", e.Repo)
}

// ErrInvalidCursor is returned when a pagination cursor cannot be decoded.
var ErrInvalidCursor = stderrors.New("invalid pagination cursor")

// Kind is one member of the closed failure taxonomy.
type Kind string

const (
	// KindConfig means server-side credentials are missing or invalid. Not user actionable.
	KindConfig Kind = "ConfigError"
	// KindAuth means the token or installation was rejected; the user must re-authenticate.
	KindAuth Kind = "AuthError"
	// KindRateLimit means the quota is exhausted until ResetEpochSeconds.
	KindRateLimit Kind = "RateLimitError"
	// KindNotFound means the resource is absent or not visible to the identity.
	KindNotFound Kind = "NotFoundError"
	// KindAPI is any other non-2xx response or malformed payload.
	KindAPI Kind = "ApiError"
	// KindUnknown is everything else.
	KindUnknown Kind = "UnknownError"
)

// ClassifiedError is a failure mapped into the taxonomy.
type ClassifiedError struct {
	Kind              Kind
	HTTPStatus        int
	ResetEpochSeconds int64
	Message           string
	// NeedsInstallation is set when the App is not installed, or not granted
	// access, for the requested account or repository.
	NeedsInstallation bool
	Err               error
}

func (e *ClassifiedError) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// ResetAt returns the rate-limit reset instant, or the zero time.
func (e *ClassifiedError) ResetAt() time.Time {
	if e.ResetEpochSeconds == 0 {
		return time.Time{}
	}
	return time.Unix(e.ResetEpochSeconds, 0).UTC()
}

// Retryable reports whether repeating the same call may succeed without the
// user changing anything. Unknown errors are worth exactly one more try.
func (e *ClassifiedError) Retryable() bool {
	switch e.Kind {
	case KindUnknown, KindRateLimit:
		return true
	case KindAPI:
		return e.HTTPStatus >= 500
	}
	return false
}

// ErrorDetails is what a UI needs to render an actionable message.
type ErrorDetails struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	ResetAt           string `json:"resetAt,omitempty"`
	SignOutRequired   bool   `json:"signOutRequired,omitempty"`
	NeedsInstallation bool   `json:"needsInstallation,omitempty"`
}

// Details flattens the error for presentation.
func (e *ClassifiedError) Details() ErrorDetails {
	d := ErrorDetails{
		Code:              string(e.Kind),
		Message:           e.Message,
		SignOutRequired:   e.Kind == KindAuth,
		NeedsInstallation: e.NeedsInstallation,
	}
	if e.Kind == KindRateLimit && e.ResetEpochSeconds != 0 {
		d.ResetAt = e.ResetAt().Format(time.RFC3339)
	}
	return d
}

// NewConfigError reports missing or invalid server-side configuration.
func NewConfigError(msg string, err error) *ClassifiedError {
	return &ClassifiedError{Kind: KindConfig, Message: msg, Err: err}
}

// NewAuthError reports a rejected credential.
func NewAuthError(status int, msg string, err error) *ClassifiedError {
	return &ClassifiedError{Kind: KindAuth, HTTPStatus: status, Message: msg, Err: err}
}

// NewRateLimitError reports an exhausted quota.
// A zero reset leaves ResetEpochSeconds unset.
func NewRateLimitError(reset time.Time, msg string) *ClassifiedError {
	ce := &ClassifiedError{Kind: KindRateLimit, Message: msg}
	if !reset.IsZero() {
		ce.ResetEpochSeconds = reset.Unix()
	}
	return ce
}

// NewNotFoundError reports an absent or inaccessible resource.
func NewNotFoundError(msg string, err error) *ClassifiedError {
	return &ClassifiedError{Kind: KindNotFound, HTTPStatus: 404, Message: msg, Err: err}
}

// NewAPIError reports any other API failure.
func NewAPIError(status int, msg string, err error) *ClassifiedError {
	return &ClassifiedError{Kind: KindAPI, HTTPStatus: status, Message: msg, Err: err}
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return Classify(err).Kind == kind
}

// IsNotFound reports whether err classifies as NotFoundError.
func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound)
}
