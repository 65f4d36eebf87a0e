package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/akagifreeez/aiverse/internal/models"
)

var (
	ErrInvalidKeyFormat = errors.New("invalid key format")

	ErrProviderAuth        = errors.New("authentication rejected")
	ErrProviderRateLimit   = errors.New("rate limited")
	ErrProviderNetwork     = errors.New("network error")
	ErrProviderTimeout     = errors.New("timeout")
	ErrCallerCanceled      = errors.New("request cancelled")
	ErrMalformedResponse   = errors.New("malformed response")
	ErrProviderUpstream    = errors.New("provider error")
	ErrSecretUnavailable   = errors.New("secret unavailable")
	ErrUnsupportedProvider = errors.New("unsupported provider")
)

// ValidationError reports a raw key that failed the local format check
type ValidationError struct {
	Provider models.Provider
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("key does not match the %s format", e.Provider)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidKeyFormat }

// ProbeError is a classified liveness-probe failure. Kind is one of the
// ErrProvider* sentinels so callers can use errors.Is.
type ProbeError struct {
	Kind       error
	StatusCode int
}

func (e *ProbeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (HTTP %d)", e.Kind, e.StatusCode)
	}
	return e.Kind.Error()
}

func (e *ProbeError) Unwrap() error { return e.Kind }

// KindOf returns a short machine-readable label for a probe failure
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrProviderAuth):
		return "auth"
	case errors.Is(err, ErrProviderRateLimit):
		return "rate_limited"
	case errors.Is(err, ErrProviderTimeout):
		return "timeout"
	case errors.Is(err, ErrCallerCanceled):
		return "cancelled"
	case errors.Is(err, ErrProviderNetwork):
		return "network"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, ErrSecretUnavailable):
		return "unavailable"
	case errors.Is(err, ErrUnsupportedProvider):
		return "unsupported"
	default:
		return "upstream"
	}
}

// statusError maps a non-2xx HTTP status onto a ProbeError. It returns nil
// for success codes.
func statusError(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &ProbeError{Kind: ErrProviderAuth, StatusCode: code}
	case code == http.StatusTooManyRequests:
		return &ProbeError{Kind: ErrProviderRateLimit, StatusCode: code}
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return &ProbeError{Kind: ErrProviderTimeout, StatusCode: code}
	default:
		return &ProbeError{Kind: ErrProviderUpstream, StatusCode: code}
	}
}

// Classify normalizes any error produced while probing into a ProbeError.
// Already classified errors pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var pe *ProbeError
	if errors.As(err, &pe) {
		return pe
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &ProbeError{Kind: ErrProviderTimeout}
	}
	if errors.Is(err, context.Canceled) {
		return &ProbeError{Kind: ErrCallerCanceled}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ProbeError{Kind: ErrProviderTimeout}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return &ProbeError{Kind: ErrMalformedResponse}
	}

	return &ProbeError{Kind: ErrProviderNetwork}
}
