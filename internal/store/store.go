package store

import (
	"context"
	"time"

	"github.com/lzjever/mbos-fleet/internal/core"
)

// Store is the persistence surface of the fleet. Queries (Postgres) and
// MemStore implement it with the same semantics.
type Store interface {
	CreateWorkspace(ctx context.Context, arg CreateWorkspaceParams) (core.Workspace, error)
	FindWorkspaceByIdempotencyKey(ctx context.Context, ownerID, key string) (core.Workspace, string, error)
	GetWorkspace(ctx context.Context, id string) (core.Workspace, error)
	ListWorkspaces(ctx context.Context, arg ListWorkspacesParams) ([]core.Workspace, error)
	ListActiveWorkspaces(ctx context.Context) ([]core.Workspace, error)
	UpdateWorkspaceState(ctx context.Context, arg UpdateWorkspaceStateParams) (core.Workspace, error)
	ClearWorkspaceInstance(ctx context.Context, id, instanceID string) error
	DeleteWorkspace(ctx context.Context, id string) error
	CountWorkspacesByOwner(ctx context.Context, ownerID string) (int64, error)

	InsertPoolEntry(ctx context.Context, arg InsertPoolEntryParams) (core.PoolEntry, error)
	ClaimPoolEntry(ctx context.Context, arg ClaimPoolEntryParams) (core.PoolEntry, error)
	MarkPoolEntryExpired(ctx context.Context, id string) error
	ReleasePoolEntry(ctx context.Context, id string) error
	CountAvailablePoolEntries(ctx context.Context, imageID string, staleBefore time.Time) (int64, error)
	ExpireStalePoolEntries(ctx context.Context, staleBefore time.Time) ([]string, error)
	DeletePoolEntriesBefore(ctx context.Context, before time.Time) (int64, error)
	ExpirePoolEntriesNotOnImage(ctx context.Context, imageID string) ([]string, error)
	GetPoolStats(ctx context.Context) (PoolStats, error)

	GetGoldenImage(ctx context.Context) (core.GoldenImage, error)
	SetGoldenImage(ctx context.Context, imageID string) (core.GoldenImage, error)

	Ping(ctx context.Context) error
}

// CreateWorkspaceParams creates a workspace in creating status. An empty
// IdempotencyKey stores none. MaxPerOwner > 0 rejects the insert with
// ErrOwnerLimit once the owner has that many workspaces, atomically with
// respect to concurrent inserts for the same owner.
type CreateWorkspaceParams struct {
	ID             string
	OwnerID        string
	Name           string
	IdempotencyKey string
	RequestHash    string
	MaxPerOwner    int
}

type ListWorkspacesParams struct {
	OwnerID string
	Limit   int32
	Cursor  *time.Time
}

// UpdateWorkspaceStateParams describes a compare-and-swap from (From,
// FromInstanceID) to To. The row must still hold exactly FromInstanceID (nil
// matches no instance). InstanceID and ImageID are written as given (nil
// clears).
type UpdateWorkspaceStateParams struct {
	ID             string
	From           core.WorkspaceStatus
	FromInstanceID *string
	To             core.WorkspaceStatus
	InstanceID     *string
	ImageID        *string
}

type InsertPoolEntryParams struct {
	ID         string
	InstanceID string
	ImageID    string
	CreatedAt  time.Time
}

// ClaimPoolEntryParams selects the oldest available entry created at or
// after StaleBefore.
type ClaimPoolEntryParams struct {
	StaleBefore time.Time
	ClaimedAt   time.Time
}

type PoolStats struct {
	Available int64 `json:"available"`
	Claimed   int64 `json:"claimed"`
	Expired   int64 `json:"expired"`
}

var (
	_ Store = (*Queries)(nil)
	_ Store = (*MemStore)(nil)
)
