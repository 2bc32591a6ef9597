package core

import "fmt"

type ErrorCode string

const (
	ErrBadRequest         ErrorCode = "FLEET_BAD_REQUEST"
	ErrUnauthorized       ErrorCode = "FLEET_UNAUTHORIZED"
	ErrNotFound           ErrorCode = "FLEET_NOT_FOUND"
	ErrConflictState      ErrorCode = "FLEET_CONFLICT_STATE"
	ErrQuotaExceeded      ErrorCode = "FLEET_QUOTA_EXCEEDED"
	ErrProvisioningFailed ErrorCode = "FLEET_PROVISIONING_FAILED"
	ErrInternal           ErrorCode = "FLEET_INTERNAL"
)

// HTTPStatus returns the HTTP status code for this error code.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	case ErrBadRequest:
		return 400
	case ErrUnauthorized:
		return 401
	case ErrNotFound:
		return 404
	case ErrConflictState:
		return 409
	case ErrQuotaExceeded:
		return 429
	case ErrProvisioningFailed:
		return 502
	default:
		return 500
	}
}

type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewAppError(code ErrorCode, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}
