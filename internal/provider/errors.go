package provider

import (
	"context"
	"errors"
	"fmt"
)

// ConfigError reports a configuration problem (missing key, unknown provider
// or no pool). It is never retried.
type ConfigError struct {
	Provider string
	Message  string
}

func (e *ConfigError) Error() string {
	if e.Provider == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// HTTPError is a non-2xx provider response.
type HTTPError struct {
	Provider string
	Status   int
	Body     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.Provider, e.Status, e.Body)
}

// IsConfigError reports whether err is, or wraps, a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsTransient reports whether retrying the same target may succeed. Rate
// limits, server errors and transport failures are transient; config errors,
// cancellation and other 4xx responses are not.
func IsTransient(err error) bool {
	if err == nil || IsConfigError(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		switch he.Status {
		case 408, 409, 425, 429:
			return true
		}
		return he.Status >= 500
	}
	return true
}
