package api

import (
	"errors"
	"net/http"

	"github.com/lzjever/mbos-fleet/internal/core"
	"github.com/lzjever/mbos-fleet/internal/store"
)

// ReplenishPool runs prune, rotate and replenish in one pass.
func (a *API) ReplenishPool(w http.ResponseWriter, r *http.Request) {
	res, err := a.pool.Maintain(r.Context())
	if err != nil {
		a.writeServiceError(w, r, "replenish pool", err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (a *API) PoolStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.pool.Status(r.Context())
	if err != nil {
		a.writeServiceError(w, r, "pool status", err)
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

// Sweep handles instances close to expiry. Per-instance failures are part of
// the 200 response.
func (a *API) Sweep(w http.ResponseWriter, r *http.Request) {
	results, err := a.sweeper.Sweep(r.Context())
	if err != nil {
		a.writeServiceError(w, r, "sweep", err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (a *API) GetGolden(w http.ResponseWriter, r *http.Request) {
	golden, err := a.store.GetGoldenImage(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		WriteError(w, core.NewAppError(core.ErrNotFound, "no golden image published"))
		return
	}
	if err != nil {
		a.writeServiceError(w, r, "get golden image", err)
		return
	}
	WriteJSON(w, http.StatusOK, golden)
}
