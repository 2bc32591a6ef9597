package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lzjever/mbos-fleet/internal/core"
)

const uniqueViolation = "23505"

const workspaceColumns = `id, owner_id, name, status, instance_id, image_id, created_at, updated_at`

func scanWorkspace(row pgx.Row) (core.Workspace, error) {
	var ws core.Workspace
	var status string
	err := row.Scan(&ws.ID, &ws.OwnerID, &ws.Name, &status, &ws.InstanceID, &ws.ImageID, &ws.CreatedAt, &ws.UpdatedAt)
	ws.Status = core.WorkspaceStatus(status)
	return ws, err
}

func collectWorkspaces(rows pgx.Rows) ([]core.Workspace, error) {
	defer rows.Close()
	var out []core.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

const createWorkspace = `INSERT INTO fleet.workspaces (id, owner_id, name, status, idempotency_key, request_hash)
VALUES ($1, $2, $3, 'creating', NULLIF($4, ''), NULLIF($5, ''))
RETURNING ` + workspaceColumns

type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// CreateWorkspace returns ErrConflict when the id or the owner's idempotency
// key is already taken. With a MaxPerOwner limit the count and the insert run
// in one transaction under a per-owner advisory lock.
func (q *Queries) CreateWorkspace(ctx context.Context, arg CreateWorkspaceParams) (core.Workspace, error) {
	if arg.MaxPerOwner <= 0 {
		return insertWorkspace(ctx, q.db, arg)
	}
	db, ok := q.db.(txBeginner)
	if !ok {
		return core.Workspace{}, errors.New("store: owner limit needs a connection that can begin transactions")
	}
	var ws core.Workspace
	err := pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('fleet-owner:' || $1))`, arg.OwnerID); err != nil {
			return err
		}
		var n int64
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM fleet.workspaces WHERE owner_id = $1`, arg.OwnerID).Scan(&n); err != nil {
			return err
		}
		if n >= int64(arg.MaxPerOwner) {
			return ErrOwnerLimit
		}
		var err error
		ws, err = insertWorkspace(ctx, tx, arg)
		return err
	})
	return ws, err
}

func insertWorkspace(ctx context.Context, db DBTX, arg CreateWorkspaceParams) (core.Workspace, error) {
	ws, err := scanWorkspace(db.QueryRow(ctx, createWorkspace,
		arg.ID, arg.OwnerID, arg.Name, arg.IdempotencyKey, arg.RequestHash))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return core.Workspace{}, ErrConflict
	}
	return ws, err
}

const findWorkspaceByIdempotencyKey = `SELECT ` + workspaceColumns + `, coalesce(request_hash, '')
FROM fleet.workspaces
WHERE owner_id = $1 AND idempotency_key = $2`

func (q *Queries) FindWorkspaceByIdempotencyKey(ctx context.Context, ownerID, key string) (core.Workspace, string, error) {
	var (
		ws     core.Workspace
		status string
		hash   string
	)
	err := q.db.QueryRow(ctx, findWorkspaceByIdempotencyKey, ownerID, key).Scan(
		&ws.ID, &ws.OwnerID, &ws.Name, &status, &ws.InstanceID, &ws.ImageID, &ws.CreatedAt, &ws.UpdatedAt, &hash)
	ws.Status = core.WorkspaceStatus(status)
	return ws, hash, notFound(err)
}

const getWorkspace = `SELECT ` + workspaceColumns + ` FROM fleet.workspaces WHERE id = $1`

func (q *Queries) GetWorkspace(ctx context.Context, id string) (core.Workspace, error) {
	ws, err := scanWorkspace(q.db.QueryRow(ctx, getWorkspace, id))
	return ws, notFound(err)
}

const listWorkspaces = `SELECT ` + workspaceColumns + ` FROM fleet.workspaces
WHERE ($1::text = '' OR owner_id = $1)
  AND ($2::timestamptz IS NULL OR created_at < $2)
ORDER BY created_at DESC
LIMIT $3`

func (q *Queries) ListWorkspaces(ctx context.Context, arg ListWorkspacesParams) ([]core.Workspace, error) {
	rows, err := q.db.Query(ctx, listWorkspaces, arg.OwnerID, arg.Cursor, arg.Limit)
	if err != nil {
		return nil, err
	}
	return collectWorkspaces(rows)
}

const listActiveWorkspaces = `SELECT ` + workspaceColumns + ` FROM fleet.workspaces
WHERE status = 'active'
ORDER BY id`

func (q *Queries) ListActiveWorkspaces(ctx context.Context) ([]core.Workspace, error) {
	rows, err := q.db.Query(ctx, listActiveWorkspaces)
	if err != nil {
		return nil, err
	}
	return collectWorkspaces(rows)
}

const updateWorkspaceState = `UPDATE fleet.workspaces
SET status = $3, instance_id = $4, image_id = $5, updated_at = now()
WHERE id = $1 AND status = $2 AND instance_id IS NOT DISTINCT FROM $6::text
RETURNING ` + workspaceColumns

func (q *Queries) UpdateWorkspaceState(ctx context.Context, arg UpdateWorkspaceStateParams) (core.Workspace, error) {
	ws, err := scanWorkspace(q.db.QueryRow(ctx, updateWorkspaceState,
		arg.ID, string(arg.From), string(arg.To), arg.InstanceID, arg.ImageID, arg.FromInstanceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Workspace{}, ErrConflict
	}
	return ws, err
}

const clearWorkspaceInstance = `UPDATE fleet.workspaces
SET instance_id = NULL, updated_at = now()
WHERE id = $1 AND instance_id = $2`

func (q *Queries) ClearWorkspaceInstance(ctx context.Context, id, instanceID string) error {
	tag, err := q.db.Exec(ctx, clearWorkspaceInstance, id, instanceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (q *Queries) DeleteWorkspace(ctx context.Context, id string) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM fleet.workspaces WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *Queries) CountWorkspacesByOwner(ctx context.Context, ownerID string) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, `SELECT count(*) FROM fleet.workspaces WHERE owner_id = $1`, ownerID).Scan(&n)
	return n, err
}

func (q *Queries) Ping(ctx context.Context) error {
	_, err := q.db.Exec(ctx, `SELECT 1`)
	return err
}
