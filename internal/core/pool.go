package core

import "time"

type PoolEntryStatus string

const (
	PoolAvailable PoolEntryStatus = "available"
	PoolClaimed   PoolEntryStatus = "claimed"
	PoolExpired   PoolEntryStatus = "expired"
)

// PoolEntry is one pre-provisioned instance in the warm pool. ClaimedAt is
// set exactly when Status is PoolClaimed.
type PoolEntry struct {
	ID         string          `json:"id"`
	InstanceID string          `json:"instance_id"`
	ImageID    string          `json:"image_id"`
	Status     PoolEntryStatus `json:"status"`
	ClaimedAt  *time.Time      `json:"claimed_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Stale reports whether the entry is older than staleAfter at now.
func (e PoolEntry) Stale(now time.Time, staleAfter time.Duration) bool {
	return now.Sub(e.CreatedAt) > staleAfter
}
