package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lzjever/mbos-fleet/internal/core"
	"github.com/lzjever/mbos-fleet/internal/heartbeat"
	"github.com/lzjever/mbos-fleet/internal/store"
	"github.com/lzjever/mbos-fleet/internal/workspace"
)

const maxBodyBytes = 1 << 20

type CreateWorkspaceRequest struct {
	OwnerID string `json:"owner_id"`
	Name    string `json:"name"`
}

type WorkspaceResponse struct {
	ID         string `json:"id"`
	OwnerID    string `json:"owner_id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	InstanceID string `json:"instance_id,omitempty"`
	ImageID    string `json:"image_id,omitempty"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

type ExtendResponse struct {
	Outcome  heartbeat.Outcome `json:"outcome"`
	Terminal bool              `json:"terminal"`
}

// ListWorkspaces lists workspaces newest first, optionally for one owner.
func (a *API) ListWorkspaces(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseLimit(q.Get("limit"), 20, 100)
	arg := store.ListWorkspacesParams{OwnerID: q.Get("owner_id"), Limit: int32(limit)}
	if c := q.Get("cursor"); c != "" {
		t, err := decodeCursor(c)
		if err != nil {
			WriteError(w, core.NewAppError(core.ErrBadRequest, "invalid cursor"))
			return
		}
		arg.Cursor = &t
	}

	workspaces, err := a.workspaces.List(r.Context(), arg)
	if err != nil {
		a.writeServiceError(w, r, "list workspaces", err)
		return
	}

	resp := make([]WorkspaceResponse, len(workspaces))
	for i, ws := range workspaces {
		resp[i] = workspaceToResponse(ws)
	}
	var nextCursor string
	if len(workspaces) == limit {
		nextCursor = encodeCursor(workspaces[len(workspaces)-1].CreatedAt)
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"workspaces":  resp,
		"next_cursor": nextCursor,
	})
}

func (a *API) GetWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := a.workspaces.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, "get workspace", err)
		return
	}
	WriteJSON(w, http.StatusOK, workspaceToResponse(ws))
}

// CreateWorkspace attaches an instance synchronously and returns the active
// workspace.
func (a *API) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, core.NewAppError(core.ErrBadRequest, "failed to read request body"))
		return
	}
	var req CreateWorkspaceRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteError(w, core.NewAppError(core.ErrBadRequest, "invalid request body"))
		return
	}
	if req.OwnerID == "" || req.Name == "" {
		WriteError(w, core.NewAppError(core.ErrBadRequest, "owner_id and name are required"))
		return
	}

	params := workspace.CreateParams{OwnerID: req.OwnerID, Name: req.Name}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		params.IdempotencyKey = key
		params.RequestHash = core.RequestHash(body, r.Method, r.URL.Path)
	}
	ws, err := a.workspaces.Create(r.Context(), params)
	if err != nil {
		a.writeServiceError(w, r, "create workspace", err)
		return
	}
	WriteJSON(w, http.StatusCreated, workspaceToResponse(ws))
}

func (a *API) DeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	if err := a.workspaces.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeServiceError(w, r, "delete workspace", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) StopWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := a.workspaces.Stop(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, "stop workspace", err)
		return
	}
	WriteJSON(w, http.StatusOK, workspaceToResponse(ws))
}

func (a *API) SnapshotWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := a.workspaces.Snapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, "snapshot workspace", err)
		return
	}
	WriteJSON(w, http.StatusOK, workspaceToResponse(ws))
}

func (a *API) ResumeWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := a.workspaces.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, "resume workspace", err)
		return
	}
	WriteJSON(w, http.StatusOK, workspaceToResponse(ws))
}

// ExtendWorkspace runs one heartbeat. Provider errors are reported as 502
// so the caller keeps its loop going.
func (a *API) ExtendWorkspace(w http.ResponseWriter, r *http.Request) {
	outcome, err := a.workspaces.Extend(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, "extend workspace", err)
		return
	}
	WriteJSON(w, http.StatusOK, ExtendResponse{Outcome: outcome, Terminal: outcome.Terminal()})
}

func workspaceToResponse(ws core.Workspace) WorkspaceResponse {
	resp := WorkspaceResponse{
		ID:        ws.ID,
		OwnerID:   ws.OwnerID,
		Name:      ws.Name,
		Status:    string(ws.Status),
		CreatedAt: ws.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: ws.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if ws.InstanceID != nil {
		resp.InstanceID = *ws.InstanceID
	}
	if ws.ImageID != nil {
		resp.ImageID = *ws.ImageID
	}
	return resp
}

func parseLimit(s string, defaultVal, maxVal int) int {
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return defaultVal
	}
	return min(n, maxVal)
}
