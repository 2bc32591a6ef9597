package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/lzjever/mbos-fleet/internal/store"
)

const readyTimeout = 2 * time.Second

type ReadyResponse struct {
	Store       string `json:"store"`
	GoldenImage string `json:"golden_image,omitempty"`
}

// HealthHandler returns 200 while the process is up.
func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// ReadyHandler returns 200 once the store answers. A missing golden image does
// not fail readiness: instances then boot from scratch.
func (a *API) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	if err := a.store.Ping(ctx); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, ReadyResponse{Store: "unavailable"})
		return
	}
	resp := ReadyResponse{Store: "ok"}
	golden, err := a.store.GetGoldenImage(ctx)
	switch {
	case err == nil:
		resp.GoldenImage = golden.ImageID
	case !errors.Is(err, store.ErrNotFound):
		WriteJSON(w, http.StatusServiceUnavailable, ReadyResponse{Store: "unavailable"})
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}
