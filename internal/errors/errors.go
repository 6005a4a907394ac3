package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Per-request authentication errors.
var (
	ErrUnauthenticated          = errors.New("not authenticated")
	ErrReauthenticationRequired = errors.New("session revoked or expired, login required")
	ErrStateMismatch            = errors.New("authorization state mismatch")
	ErrTokenExchange            = errors.New("token exchange failed")
	ErrTransientAuth            = errors.New("temporary authentication failure")
)

// Server/transport errors.
var (
	ErrStorageUnavailable = errors.New("session storage unavailable")
	ErrAPIRequest         = errors.New("API request failed")
	ErrAPIResponse        = errors.New("unexpected API response")
)

// Tool input and lookup errors.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// ConfigurationError reports startup configuration that selects no
// usable authentication mode.
type ConfigurationError struct {
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return "no authentication configured: set SYNAPSE_PAT, or all of " + strings.Join(e.Missing, ", ")
}

// RegistrationError is returned when the identity provider rejects or
// cannot be reached for dynamic client registration.
type RegistrationError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *RegistrationError) Error() string {
	msg := "client registration failed"

	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}

	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}

	if e.Body != "" {
		msg += ": " + e.Body
	}

	return msg
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// TokenExchangeError wraps a failed authorization code exchange. The
// login attempt that produced it cannot be resumed.
type TokenExchangeError struct {
	Err error
}

func (e *TokenExchangeError) Error() string { return "token exchange failed: " + e.Err.Error() }

func (e *TokenExchangeError) Unwrap() []error { return []error{ErrTokenExchange, e.Err} }

// TransientAuthError wraps a refresh failure that is likely temporary
// and safe to retry after a backoff.
type TransientAuthError struct {
	Err error
}

func (e *TransientAuthError) Error() string {
	return "temporary authentication failure: " + e.Err.Error()
}

func (e *TransientAuthError) Unwrap() []error { return []error{ErrTransientAuth, e.Err} }

// IsTransient reports whether err (or any error in its chain) is a
// TransientAuthError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientAuth)
}

// Kind returns a stable name for the error class, suitable for
// structured tool results. Unknown errors map to "internal".
func Kind(err error) string {
	var cfgErr *ConfigurationError
	var regErr *RegistrationError

	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, ErrReauthenticationRequired):
		return "reauthentication_required"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrTransientAuth):
		return "transient_auth"
	case errors.Is(err, ErrStateMismatch):
		return "state_mismatch"
	case errors.Is(err, ErrTokenExchange):
		return "token_exchange"
	case errors.As(err, &cfgErr):
		return "configuration"
	case errors.As(err, &regErr):
		return "registration"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrAPIRequest), errors.Is(err, ErrAPIResponse):
		return "api_error"
	default:
		return "internal"
	}
}
