package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/lzjever/mbos-fleet/internal/api/middleware"
	"github.com/lzjever/mbos-fleet/internal/core"
	"github.com/lzjever/mbos-fleet/internal/provider"
	"github.com/lzjever/mbos-fleet/internal/store"
	"github.com/lzjever/mbos-fleet/internal/workspace"
)

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func WriteError(w http.ResponseWriter, err *core.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Code.HTTPStatus())
	json.NewEncoder(w).Encode(ErrorResponse{
		Code:    string(err.Code),
		Message: err.Message,
	})
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// appError maps a service error onto the error codes of the HTTP API.
func appError(err error) *core.AppError {
	var (
		apiErr *provider.APIError
		cmdErr *provider.CommandError
	)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return core.NewAppError(core.ErrNotFound, "workspace not found")
	case errors.Is(err, core.ErrIllegalTransition),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, workspace.ErrNoInstance),
		errors.Is(err, workspace.ErrIdempotencyMismatch):
		return core.NewAppError(core.ErrConflictState, err.Error())
	case errors.Is(err, workspace.ErrQuotaExceeded):
		return core.NewAppError(core.ErrQuotaExceeded, err.Error())
	case errors.As(err, &apiErr), errors.As(err, &cmdErr),
		errors.Is(err, provider.ErrNotFound),
		errors.Is(err, provider.ErrRateLimited),
		errors.Is(err, provider.ErrMaxLifetime):
		return core.NewAppError(core.ErrProvisioningFailed, err.Error())
	default:
		return nil
	}
}

func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if appErr := appError(err); appErr != nil {
		if appErr.Code == core.ErrProvisioningFailed {
			a.log.Warn(op+" failed", zap.Error(err), zap.String("request_id", middleware.GetRequestID(r)))
		}
		WriteError(w, appErr)
		return
	}
	a.log.Error(op+" failed", zap.Error(err), zap.String("request_id", middleware.GetRequestID(r)))
	WriteError(w, core.NewAppError(core.ErrInternal, op+" failed"))
}
