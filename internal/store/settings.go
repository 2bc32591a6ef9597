package store

import (
	"context"

	"github.com/lzjever/mbos-fleet/internal/core"
)

func (q *Queries) GetGoldenImage(ctx context.Context) (core.GoldenImage, error) {
	var g core.GoldenImage
	err := q.db.QueryRow(ctx, `SELECT value, updated_at FROM fleet.settings WHERE key = $1`,
		core.GoldenImageKey).Scan(&g.ImageID, &g.UpdatedAt)
	return g, notFound(err)
}

func (q *Queries) SetGoldenImage(ctx context.Context, imageID string) (core.GoldenImage, error) {
	var g core.GoldenImage
	err := q.db.QueryRow(ctx, `INSERT INTO fleet.settings (key, value, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
RETURNING value, updated_at`, core.GoldenImageKey, imageID).Scan(&g.ImageID, &g.UpdatedAt)
	return g, err
}
