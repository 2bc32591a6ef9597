package store

import (
	"context"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lzjever/mbos-fleet/internal/core"
)

const poolEntryColumns = `id, instance_id, image_id, status, claimed_at, created_at`

func scanPoolEntry(row pgx.Row) (core.PoolEntry, error) {
	var e core.PoolEntry
	var status string
	err := row.Scan(&e.ID, &e.InstanceID, &e.ImageID, &status, &e.ClaimedAt, &e.CreatedAt)
	e.Status = core.PoolEntryStatus(status)
	return e, err
}

const insertPoolEntry = `INSERT INTO fleet.pool_entries (id, instance_id, image_id, status, created_at)
VALUES ($1, $2, $3, 'available', $4)
RETURNING ` + poolEntryColumns

func (q *Queries) InsertPoolEntry(ctx context.Context, arg InsertPoolEntryParams) (core.PoolEntry, error) {
	return scanPoolEntry(q.db.QueryRow(ctx, insertPoolEntry, arg.ID, arg.InstanceID, arg.ImageID, arg.CreatedAt))
}

// Concurrent claimers skip rows locked by each other, so every caller either
// wins a distinct row or finds none.
const claimPoolEntry = `UPDATE fleet.pool_entries
SET status = 'claimed', claimed_at = $2
WHERE id = (
    SELECT id FROM fleet.pool_entries
    WHERE status = 'available' AND created_at >= $1
    ORDER BY created_at
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING ` + poolEntryColumns

func (q *Queries) ClaimPoolEntry(ctx context.Context, arg ClaimPoolEntryParams) (core.PoolEntry, error) {
	e, err := scanPoolEntry(q.db.QueryRow(ctx, claimPoolEntry, arg.StaleBefore, arg.ClaimedAt))
	return e, notFound(err)
}

// Expiring a claimed entry also clears claimed_at.
const markPoolEntryExpired = `UPDATE fleet.pool_entries
SET status = 'expired', claimed_at = NULL
WHERE id = $1`

func (q *Queries) MarkPoolEntryExpired(ctx context.Context, id string) error {
	tag, err := q.db.Exec(ctx, markPoolEntryExpired, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleasePoolEntry returns a claimed entry to available.
const releasePoolEntry = `UPDATE fleet.pool_entries
SET status = 'available', claimed_at = NULL
WHERE id = $1 AND status = 'claimed'`

func (q *Queries) ReleasePoolEntry(ctx context.Context, id string) error {
	tag, err := q.db.Exec(ctx, releasePoolEntry, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *Queries) CountAvailablePoolEntries(ctx context.Context, imageID string, staleBefore time.Time) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, `SELECT count(*) FROM fleet.pool_entries
WHERE status = 'available' AND image_id = $1 AND created_at >= $2`, imageID, staleBefore).Scan(&n)
	return n, err
}

func collectInstanceIDs(rows pgx.Rows, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)
	return ids, nil
}

// ExpireStalePoolEntries returns the instance ids of the entries it expired.
func (q *Queries) ExpireStalePoolEntries(ctx context.Context, staleBefore time.Time) ([]string, error) {
	return collectInstanceIDs(q.db.Query(ctx, `UPDATE fleet.pool_entries SET status = 'expired'
WHERE status = 'available' AND created_at < $1
RETURNING instance_id`, staleBefore))
}

func (q *Queries) DeletePoolEntriesBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM fleet.pool_entries WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ExpirePoolEntriesNotOnImage returns the instance ids of the entries it expired.
func (q *Queries) ExpirePoolEntriesNotOnImage(ctx context.Context, imageID string) ([]string, error) {
	return collectInstanceIDs(q.db.Query(ctx, `UPDATE fleet.pool_entries SET status = 'expired'
WHERE status = 'available' AND image_id <> $1
RETURNING instance_id`, imageID))
}

func (q *Queries) GetPoolStats(ctx context.Context) (PoolStats, error) {
	var s PoolStats
	err := q.db.QueryRow(ctx, `SELECT
    count(*) FILTER (WHERE status = 'available'),
    count(*) FILTER (WHERE status = 'claimed'),
    count(*) FILTER (WHERE status = 'expired')
FROM fleet.pool_entries`).Scan(&s.Available, &s.Claimed, &s.Expired)
	return s, err
}
