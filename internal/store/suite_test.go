package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/lzjever/mbos-fleet/internal/core"
)

func strPtr(s string) *string { return &s }

// runStoreSuite checks behavior both Store implementations must share.
func runStoreSuite(t *testing.T, s Store, now time.Time) {
	ctx := context.Background()

	t.Run("WorkspaceCompareAndSwapOnInstance", func(t *testing.T) {
		if _, err := s.CreateWorkspace(ctx, CreateWorkspaceParams{ID: "ws-cas", OwnerID: "cas-owner", Name: "n"}); err != nil {
			t.Fatalf("create: %s", err)
		}
		if _, err := s.UpdateWorkspaceState(ctx, UpdateWorkspaceStateParams{
			ID: "ws-cas", From: core.WorkspaceCreating, To: core.WorkspaceActive, InstanceID: strPtr("sbx-new"),
		}); err != nil {
			t.Fatalf("attach: %s", err)
		}

		_, err := s.UpdateWorkspaceState(ctx, UpdateWorkspaceStateParams{
			ID: "ws-cas", From: core.WorkspaceActive, FromInstanceID: strPtr("sbx-old"),
			To: core.WorkspaceSnapshotted, ImageID: strPtr("img-old"),
		})
		if !errors.Is(err, ErrConflict) {
			t.Errorf("expected conflict for a replaced instance, got %v", err)
		}
		if _, err := s.UpdateWorkspaceState(ctx, UpdateWorkspaceStateParams{
			ID: "ws-cas", From: core.WorkspaceActive, To: core.WorkspaceStopped,
		}); !errors.Is(err, ErrConflict) {
			t.Errorf("expected conflict when the row has an instance, got %v", err)
		}

		ws, err := s.UpdateWorkspaceState(ctx, UpdateWorkspaceStateParams{
			ID: "ws-cas", From: core.WorkspaceActive, FromInstanceID: strPtr("sbx-new"), To: core.WorkspaceStopped,
		})
		if err != nil {
			t.Fatalf("stop: %s", err)
		}
		if ws.Status != core.WorkspaceStopped || ws.HasInstance() {
			t.Errorf("unexpected workspace after stop %+v", ws)
		}
		if err := s.DeleteWorkspace(ctx, "ws-cas"); err != nil {
			t.Fatalf("delete: %s", err)
		}
	})

	t.Run("WorkspaceCompareAndSwap", func(t *testing.T) {
		ws, err := s.CreateWorkspace(ctx, CreateWorkspaceParams{ID: "ws-1", OwnerID: "alice", Name: "scratch"})
		if err != nil {
			t.Fatalf("failed to create workspace: %s", err)
		}
		if ws.Status != core.WorkspaceCreating || ws.HasInstance() {
			t.Fatalf("expected creating without instance, got %+v", ws)
		}

		ws, err = s.UpdateWorkspaceState(ctx, UpdateWorkspaceStateParams{
			ID: "ws-1", From: core.WorkspaceCreating, To: core.WorkspaceActive, InstanceID: strPtr("sbx-1"),
		})
		if err != nil {
			t.Fatalf("attach: %s", err)
		}
		if ws.Status != core.WorkspaceActive || *ws.InstanceID != "sbx-1" {
			t.Errorf("unexpected workspace after attach %+v", ws)
		}

		_, err = s.UpdateWorkspaceState(ctx, UpdateWorkspaceStateParams{
			ID: "ws-1", From: core.WorkspaceCreating, To: core.WorkspaceActive, InstanceID: strPtr("sbx-2"),
		})
		if !errors.Is(err, ErrConflict) {
			t.Errorf("expected conflict on stale from-state, got %v", err)
		}

		if err := s.ClearWorkspaceInstance(ctx, "ws-1", "sbx-other"); !errors.Is(err, ErrConflict) {
			t.Errorf("expected conflict for foreign instance, got %v", err)
		}
		if err := s.ClearWorkspaceInstance(ctx, "ws-1", "sbx-1"); err != nil {
			t.Fatalf("clear instance: %s", err)
		}
		ws, err = s.GetWorkspace(ctx, "ws-1")
		if err != nil {
			t.Fatalf("get: %s", err)
		}
		if ws.Status != core.WorkspaceActive || ws.HasInstance() {
			t.Errorf("expected active without instance, got %+v", ws)
		}

		active, err := s.ListActiveWorkspaces(ctx)
		if err != nil || len(active) != 1 {
			t.Errorf("expected 1 active workspace, got %d (%v)", len(active), err)
		}
		n, err := s.CountWorkspacesByOwner(ctx, "alice")
		if err != nil || n != 1 {
			t.Errorf("expected 1 workspace for alice, got %d (%v)", n, err)
		}

		if err := s.DeleteWorkspace(ctx, "ws-1"); err != nil {
			t.Fatalf("delete: %s", err)
		}
		if _, err := s.GetWorkspace(ctx, "ws-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected not found after delete, got %v", err)
		}
	})

	t.Run("ListWorkspacesByOwner", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			if _, err := s.CreateWorkspace(ctx, CreateWorkspaceParams{ID: fmt.Sprintf("ws-b%d", i), OwnerID: "bob", Name: "n"}); err != nil {
				t.Fatalf("create: %s", err)
			}
		}
		if _, err := s.CreateWorkspace(ctx, CreateWorkspaceParams{ID: "ws-c0", OwnerID: "carol", Name: "n"}); err != nil {
			t.Fatalf("create: %s", err)
		}
		list, err := s.ListWorkspaces(ctx, ListWorkspacesParams{OwnerID: "bob", Limit: 10})
		if err != nil {
			t.Fatalf("list: %s", err)
		}
		if len(list) != 3 {
			t.Errorf("expected 3 workspaces for bob, got %d", len(list))
		}
		all, err := s.ListWorkspaces(ctx, ListWorkspacesParams{Limit: 2})
		if err != nil || len(all) != 2 {
			t.Errorf("expected limit of 2, got %d (%v)", len(all), err)
		}
	})

	t.Run("IdempotencyKey", func(t *testing.T) {
		arg := CreateWorkspaceParams{ID: "ws-k1", OwnerID: "dave", Name: "n", IdempotencyKey: "key-1", RequestHash: "h1"}
		if _, err := s.CreateWorkspace(ctx, arg); err != nil {
			t.Fatalf("create: %s", err)
		}
		dup := arg
		dup.ID = "ws-k2"
		if _, err := s.CreateWorkspace(ctx, dup); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict for reused key, got %v", err)
		}
		other := dup
		other.OwnerID = "erin"
		if _, err := s.CreateWorkspace(ctx, other); err != nil {
			t.Fatalf("same key for another owner should be allowed: %s", err)
		}

		ws, hash, err := s.FindWorkspaceByIdempotencyKey(ctx, "dave", "key-1")
		if err != nil {
			t.Fatalf("find: %s", err)
		}
		if ws.ID != "ws-k1" || hash != "h1" {
			t.Errorf("expected ws-k1/h1, got %s/%s", ws.ID, hash)
		}

		if err := s.DeleteWorkspace(ctx, "ws-k1"); err != nil {
			t.Fatalf("delete: %s", err)
		}
		if _, _, err := s.FindWorkspaceByIdempotencyKey(ctx, "dave", "key-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected key released with the workspace, got %v", err)
		}
	})

	t.Run("OwnerLimit", func(t *testing.T) {
		const limit, callers = 3, 12
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			created []string
		)
		for i := range callers {
			wg.Go(func() {
				_, err := s.CreateWorkspace(ctx, CreateWorkspaceParams{
					ID: fmt.Sprintf("ws-lim%d", i), OwnerID: "gina", Name: "n", MaxPerOwner: limit,
				})
				switch {
				case err == nil:
					mu.Lock()
					created = append(created, fmt.Sprintf("ws-lim%d", i))
					mu.Unlock()
				case !errors.Is(err, ErrOwnerLimit):
					t.Errorf("create %d: %v", i, err)
				}
			})
		}
		wg.Wait()
		if len(created) != limit {
			t.Errorf("expected exactly %d workspaces under the limit, got %d", limit, len(created))
		}
		if _, err := s.CreateWorkspace(ctx, CreateWorkspaceParams{ID: "ws-lim-other", OwnerID: "hank", Name: "n", MaxPerOwner: limit}); err != nil {
			t.Errorf("limit must be per owner: %v", err)
		}
		for _, id := range append(created, "ws-lim-other") {
			if err := s.DeleteWorkspace(ctx, id); err != nil {
				t.Fatalf("delete %s: %s", id, err)
			}
		}
	})

	t.Run("PoolEntryLifecycle", func(t *testing.T) {
		stale := 30 * time.Minute
		staleBefore := now.Add(-stale)
		seed := []InsertPoolEntryParams{
			{ID: "pe-old", InstanceID: "sbx-old", ImageID: "img-1", CreatedAt: now.Add(-31 * time.Minute)},
			{ID: "pe-edge", InstanceID: "sbx-edge", ImageID: "img-1", CreatedAt: staleBefore},
			{ID: "pe-a", InstanceID: "sbx-a", ImageID: "img-1", CreatedAt: now.Add(-10 * time.Minute)},
			{ID: "pe-b", InstanceID: "sbx-b", ImageID: "img-2", CreatedAt: now.Add(-time.Minute)},
		}
		for _, p := range seed {
			if _, err := s.InsertPoolEntry(ctx, p); err != nil {
				t.Fatalf("insert %s: %s", p.ID, err)
			}
		}

		ids, err := s.ExpireStalePoolEntries(ctx, staleBefore)
		if err != nil || !slices.Equal(ids, []string{"sbx-old"}) {
			t.Fatalf("expected sbx-old expired as stale, got %v (%v)", ids, err)
		}

		e, err := s.ClaimPoolEntry(ctx, ClaimPoolEntryParams{StaleBefore: staleBefore, ClaimedAt: now})
		if err != nil {
			t.Fatalf("claim: %s", err)
		}
		if e.ID != "pe-edge" || e.Status != core.PoolClaimed || e.ClaimedAt == nil {
			t.Errorf("expected pe-edge claimed, got %+v", e)
		}

		count, err := s.CountAvailablePoolEntries(ctx, "img-1", staleBefore)
		if err != nil || count != 1 {
			t.Errorf("expected 1 available on img-1, got %d (%v)", count, err)
		}

		ids, err = s.ExpirePoolEntriesNotOnImage(ctx, "img-1")
		if err != nil || !slices.Equal(ids, []string{"sbx-b"}) {
			t.Errorf("expected sbx-b rotated out, got %v (%v)", ids, err)
		}

		stats, err := s.GetPoolStats(ctx)
		if err != nil {
			t.Fatalf("stats: %s", err)
		}
		if stats != (PoolStats{Available: 1, Claimed: 1, Expired: 2}) {
			t.Errorf("unexpected stats %+v", stats)
		}

		if err := s.MarkPoolEntryExpired(ctx, "pe-edge"); err != nil {
			t.Fatalf("mark expired: %s", err)
		}

		n, err := s.DeletePoolEntriesBefore(ctx, now.Add(-20*time.Minute))
		if err != nil || n != 2 {
			t.Errorf("expected 2 entries deleted, got %d (%v)", n, err)
		}

		e, err = s.ClaimPoolEntry(ctx, ClaimPoolEntryParams{StaleBefore: staleBefore, ClaimedAt: now})
		if err != nil || e.ID != "pe-a" {
			t.Fatalf("expected pe-a, got %+v (%v)", e, err)
		}
		if err := s.ReleasePoolEntry(ctx, "pe-a"); err != nil {
			t.Fatalf("release: %s", err)
		}
		if err := s.ReleasePoolEntry(ctx, "pe-a"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected not found releasing an available entry, got %v", err)
		}
		e, err = s.ClaimPoolEntry(ctx, ClaimPoolEntryParams{StaleBefore: staleBefore, ClaimedAt: now})
		if err != nil || e.ID != "pe-a" || e.ClaimedAt == nil {
			t.Fatalf("expected released pe-a claimable again, got %+v (%v)", e, err)
		}
		if _, err := s.ClaimPoolEntry(ctx, ClaimPoolEntryParams{StaleBefore: staleBefore, ClaimedAt: now}); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected not found on empty pool, got %v", err)
		}
	})

	t.Run("ConcurrentClaims", func(t *testing.T) {
		const eligible, claimers = 5, 20
		for i := 0; i < eligible; i++ {
			_, err := s.InsertPoolEntry(ctx, InsertPoolEntryParams{
				ID:         fmt.Sprintf("pe-c%d", i),
				InstanceID: fmt.Sprintf("sbx-c%d", i),
				ImageID:    "img-1",
				CreatedAt:  now.Add(-time.Duration(i) * time.Second),
			})
			if err != nil {
				t.Fatalf("insert: %s", err)
			}
		}

		var (
			mu     sync.Mutex
			wg     sync.WaitGroup
			won    = make(map[string]int)
			misses int
		)
		for i := 0; i < claimers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				e, err := s.ClaimPoolEntry(ctx, ClaimPoolEntryParams{StaleBefore: now.Add(-time.Hour), ClaimedAt: now})
				mu.Lock()
				defer mu.Unlock()
				if errors.Is(err, ErrNotFound) {
					misses++
					return
				}
				if err != nil {
					t.Errorf("claim: %s", err)
					return
				}
				won[e.ID]++
			}()
		}
		wg.Wait()

		if len(won) != eligible || misses != claimers-eligible {
			t.Errorf("expected %d distinct winners and %d misses, got %d and %d", eligible, claimers-eligible, len(won), misses)
		}
		for id, n := range won {
			if n != 1 {
				t.Errorf("entry %s claimed %d times", id, n)
			}
		}
	})

	t.Run("GoldenImagePointer", func(t *testing.T) {
		if _, err := s.GetGoldenImage(ctx); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected no pointer yet, got %v", err)
		}
		if _, err := s.SetGoldenImage(ctx, "img-1"); err != nil {
			t.Fatalf("set: %s", err)
		}
		if _, err := s.SetGoldenImage(ctx, "img-2"); err != nil {
			t.Fatalf("set: %s", err)
		}
		g, err := s.GetGoldenImage(ctx)
		if err != nil || g.ImageID != "img-2" {
			t.Errorf("expected img-2, got %+v (%v)", g, err)
		}
	})
}

func runLockerSuite(t *testing.T, l Locker) {
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "pool-maintain")
	if err != nil || !ok {
		t.Fatalf("expected first lock to succeed, got ok=%v err=%v", ok, err)
	}
	if _, ok, err := l.TryLock(ctx, "pool-maintain"); err != nil || ok {
		t.Fatalf("expected held lock to be refused, got ok=%v err=%v", ok, err)
	}

	other, ok, err := l.TryLock(ctx, "lifecycle-sweep")
	if err != nil || !ok {
		t.Fatalf("expected independent key to lock, got ok=%v err=%v", ok, err)
	}
	other()

	unlock()
	again, ok, err := l.TryLock(ctx, "pool-maintain")
	if err != nil || !ok {
		t.Fatalf("expected lock after release, got ok=%v err=%v", ok, err)
	}
	again()
}
