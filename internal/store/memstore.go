package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/lzjever/mbos-fleet/internal/core"
)

// MemStore keeps everything in process memory. A single mutex stands in for
// row locks, so claims are exclusive exactly as with SKIP LOCKED.
type MemStore struct {
	mu         sync.Mutex
	workspaces map[string]core.Workspace
	entries    map[string]core.PoolEntry
	golden     *core.GoldenImage
	locks      map[string]struct{}
	idem       map[string]idemRecord

	Now func() time.Time
}

type idemRecord struct {
	ownerID string
	key     string
	hash    string
}

func NewMemStore() *MemStore {
	return &MemStore{
		workspaces: make(map[string]core.Workspace),
		entries:    make(map[string]core.PoolEntry),
		locks:      make(map[string]struct{}),
		idem:       make(map[string]idemRecord),
		Now:        time.Now,
	}
}

// PutWorkspace stores ws as-is. Used to seed state.
func (s *MemStore) PutWorkspace(ws core.Workspace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaces[ws.ID] = ws
}

// PutPoolEntry stores e as-is. Used to seed state.
func (s *MemStore) PutPoolEntry(e core.PoolEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ID] = e
}

// PoolEntries returns every entry ordered by creation time.
func (s *MemStore) PoolEntries() []core.PoolEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.PoolEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sortEntries(out)
	return out
}

func sortEntries(es []core.PoolEntry) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].CreatedAt.Equal(es[j].CreatedAt) {
			return es[i].ID < es[j].ID
		}
		return es[i].CreatedAt.Before(es[j].CreatedAt)
	})
}

func (s *MemStore) CreateWorkspace(ctx context.Context, arg CreateWorkspaceParams) (core.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[arg.ID]; ok {
		return core.Workspace{}, ErrConflict
	}
	if arg.MaxPerOwner > 0 {
		n := 0
		for _, ws := range s.workspaces {
			if ws.OwnerID == arg.OwnerID {
				n++
			}
		}
		if n >= arg.MaxPerOwner {
			return core.Workspace{}, ErrOwnerLimit
		}
	}
	if arg.IdempotencyKey != "" {
		for _, rec := range s.idem {
			if rec.ownerID == arg.OwnerID && rec.key == arg.IdempotencyKey {
				return core.Workspace{}, ErrConflict
			}
		}
		s.idem[arg.ID] = idemRecord{ownerID: arg.OwnerID, key: arg.IdempotencyKey, hash: arg.RequestHash}
	}
	now := s.Now()
	ws := core.Workspace{
		ID:        arg.ID,
		OwnerID:   arg.OwnerID,
		Name:      arg.Name,
		Status:    core.WorkspaceCreating,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.workspaces[ws.ID] = ws
	return ws, nil
}

func (s *MemStore) GetWorkspace(ctx context.Context, id string) (core.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return core.Workspace{}, ErrNotFound
	}
	return ws, nil
}

func (s *MemStore) ListWorkspaces(ctx context.Context, arg ListWorkspacesParams) ([]core.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Workspace
	for _, ws := range s.workspaces {
		if arg.OwnerID != "" && ws.OwnerID != arg.OwnerID {
			continue
		}
		if arg.Cursor != nil && !ws.CreatedAt.Before(*arg.Cursor) {
			continue
		}
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if arg.Limit > 0 && len(out) > int(arg.Limit) {
		out = out[:arg.Limit]
	}
	return out, nil
}

func (s *MemStore) ListActiveWorkspaces(ctx context.Context) ([]core.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Workspace
	for _, ws := range s.workspaces {
		if ws.Status == core.WorkspaceActive {
			out = append(out, ws)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) UpdateWorkspaceState(ctx context.Context, arg UpdateWorkspaceStateParams) (core.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[arg.ID]
	if !ok || ws.Status != arg.From || !sameInstance(ws.InstanceID, arg.FromInstanceID) {
		return core.Workspace{}, ErrConflict
	}
	ws.Status = arg.To
	ws.InstanceID = arg.InstanceID
	ws.ImageID = arg.ImageID
	ws.UpdatedAt = s.Now()
	s.workspaces[ws.ID] = ws
	return ws, nil
}

func sameInstance(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s *MemStore) ClearWorkspaceInstance(ctx context.Context, id, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[id]
	if !ok || ws.InstanceID == nil || *ws.InstanceID != instanceID {
		return ErrConflict
	}
	ws.InstanceID = nil
	ws.UpdatedAt = s.Now()
	s.workspaces[id] = ws
	return nil
}

func (s *MemStore) DeleteWorkspace(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[id]; !ok {
		return ErrNotFound
	}
	delete(s.workspaces, id)
	delete(s.idem, id)
	return nil
}

func (s *MemStore) FindWorkspaceByIdempotencyKey(ctx context.Context, ownerID, key string) (core.Workspace, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.idem {
		if rec.ownerID == ownerID && rec.key == key {
			return s.workspaces[id], rec.hash, nil
		}
	}
	return core.Workspace{}, "", ErrNotFound
}

func (s *MemStore) CountWorkspacesByOwner(ctx context.Context, ownerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, ws := range s.workspaces {
		if ws.OwnerID == ownerID {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) InsertPoolEntry(ctx context.Context, arg InsertPoolEntryParams) (core.PoolEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[arg.ID]; ok {
		return core.PoolEntry{}, ErrConflict
	}
	e := core.PoolEntry{
		ID:         arg.ID,
		InstanceID: arg.InstanceID,
		ImageID:    arg.ImageID,
		Status:     core.PoolAvailable,
		CreatedAt:  arg.CreatedAt,
	}
	s.entries[e.ID] = e
	return e, nil
}

func (s *MemStore) ClaimPoolEntry(ctx context.Context, arg ClaimPoolEntryParams) (core.PoolEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *core.PoolEntry
	for _, e := range s.entries {
		if e.Status != core.PoolAvailable || e.CreatedAt.Before(arg.StaleBefore) {
			continue
		}
		if best == nil || e.CreatedAt.Before(best.CreatedAt) ||
			(e.CreatedAt.Equal(best.CreatedAt) && e.ID < best.ID) {
			e := e
			best = &e
		}
	}
	if best == nil {
		return core.PoolEntry{}, ErrNotFound
	}
	claimedAt := arg.ClaimedAt
	best.Status = core.PoolClaimed
	best.ClaimedAt = &claimedAt
	s.entries[best.ID] = *best
	return *best, nil
}

func (s *MemStore) MarkPoolEntryExpired(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = core.PoolExpired
	e.ClaimedAt = nil
	s.entries[id] = e
	return nil
}

func (s *MemStore) CountAvailablePoolEntries(ctx context.Context, imageID string, staleBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.entries {
		if e.Status == core.PoolAvailable && e.ImageID == imageID && !e.CreatedAt.Before(staleBefore) {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) ReleasePoolEntry(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.Status != core.PoolClaimed {
		return ErrNotFound
	}
	e.Status = core.PoolAvailable
	e.ClaimedAt = nil
	s.entries[id] = e
	return nil
}

// expireAvailable expires matching available entries; s.mu must be held.
func (s *MemStore) expireAvailable(match func(core.PoolEntry) bool) []string {
	var ids []string
	for id, e := range s.entries {
		if e.Status == core.PoolAvailable && match(e) {
			e.Status = core.PoolExpired
			s.entries[id] = e
			ids = append(ids, e.InstanceID)
		}
	}
	slices.Sort(ids)
	return ids
}

func (s *MemStore) ExpireStalePoolEntries(ctx context.Context, staleBefore time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expireAvailable(func(e core.PoolEntry) bool { return e.CreatedAt.Before(staleBefore) }), nil
}

func (s *MemStore) DeletePoolEntriesBefore(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.entries {
		if e.CreatedAt.Before(before) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

func (s *MemStore) ExpirePoolEntriesNotOnImage(ctx context.Context, imageID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expireAvailable(func(e core.PoolEntry) bool { return e.ImageID != imageID }), nil
}

func (s *MemStore) GetPoolStats(ctx context.Context) (PoolStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st PoolStats
	for _, e := range s.entries {
		switch e.Status {
		case core.PoolAvailable:
			st.Available++
		case core.PoolClaimed:
			st.Claimed++
		case core.PoolExpired:
			st.Expired++
		}
	}
	return st, nil
}

func (s *MemStore) GetGoldenImage(ctx context.Context) (core.GoldenImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.golden == nil {
		return core.GoldenImage{}, ErrNotFound
	}
	return *s.golden, nil
}

func (s *MemStore) SetGoldenImage(ctx context.Context, imageID string) (core.GoldenImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.golden = &core.GoldenImage{ImageID: imageID, UpdatedAt: s.Now()}
	return *s.golden, nil
}

func (s *MemStore) Ping(ctx context.Context) error { return nil }
