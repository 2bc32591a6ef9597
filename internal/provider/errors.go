package provider

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound means the referenced sandbox or image no longer exists.
	ErrNotFound = errors.New("provider: not found")
	// ErrRateLimited means the API rejected the call for rate reasons.
	ErrRateLimited = errors.New("provider: rate limited")
	// ErrMaxLifetime means the sandbox cannot be extended any further.
	ErrMaxLifetime = errors.New("provider: maximum lifetime reached")
)

const codeMaxLifetime = "sandbox_max_lifetime"

// APIError is a non-2xx response from the provisioning API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (%d) %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	if e.Code == codeMaxLifetime {
		return target == ErrMaxLifetime
	}
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// CommandError is returned when a command ran but exited non-zero.
type CommandError struct {
	Cmd      string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q exited %d: %s", e.Cmd, e.ExitCode, e.Stderr)
}
