// Package workspace ties the session-facing workspace record to the pool,
// provisioner and heartbeat components.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lzjever/mbos-fleet/internal/core"
	"github.com/lzjever/mbos-fleet/internal/heartbeat"
	"github.com/lzjever/mbos-fleet/internal/observability"
	"github.com/lzjever/mbos-fleet/internal/pool"
	"github.com/lzjever/mbos-fleet/internal/provider"
	"github.com/lzjever/mbos-fleet/internal/provisioner"
	"github.com/lzjever/mbos-fleet/internal/store"
)

var (
	ErrQuotaExceeded = errors.New("workspace quota exceeded")
	ErrNoInstance    = errors.New("workspace has no instance")
	// ErrIdempotencyMismatch is returned when an idempotency key is reused
	// with a different request.
	ErrIdempotencyMismatch = errors.New("idempotency key reused with a different request")
)

const cleanupTimeout = 30 * time.Second

type Store interface {
	CreateWorkspace(ctx context.Context, arg store.CreateWorkspaceParams) (core.Workspace, error)
	GetWorkspace(ctx context.Context, id string) (core.Workspace, error)
	ListWorkspaces(ctx context.Context, arg store.ListWorkspacesParams) ([]core.Workspace, error)
	UpdateWorkspaceState(ctx context.Context, arg store.UpdateWorkspaceStateParams) (core.Workspace, error)
	DeleteWorkspace(ctx context.Context, id string) error
	FindWorkspaceByIdempotencyKey(ctx context.Context, ownerID, key string) (core.Workspace, string, error)
	GetGoldenImage(ctx context.Context) (core.GoldenImage, error)
}

type Pool interface {
	Claim(ctx context.Context) (*pool.Claimed, error)
	TriggerReplenish()
}

type Provisioner interface {
	CreateInstance(ctx context.Context, imageID string) (*provisioner.Instance, error)
	StopInstance(ctx context.Context, id string) error
	SnapshotInstance(ctx context.Context, id string) (*provider.Snapshot, error)
}

type Heartbeat interface {
	Beat(ctx context.Context, workspaceID string) (heartbeat.Outcome, error)
}

type Config struct {
	// MaxPerOwner limits workspaces per owner; 0 disables the limit.
	MaxPerOwner int
}

type Service struct {
	store Store
	pool  Pool
	prov  Provisioner
	beats Heartbeat
	cfg   Config
	log   *zap.Logger
}

func NewService(s Store, p Pool, prov Provisioner, beats Heartbeat, cfg Config, log *zap.Logger) *Service {
	return &Service{store: s, pool: p, prov: prov, beats: beats, cfg: cfg, log: log.Named("workspace")}
}

type CreateParams struct {
	OwnerID string
	Name    string
	// IdempotencyKey makes retries of the same request return the workspace
	// created by the first attempt. RequestHash identifies the request.
	IdempotencyKey string
	RequestHash    string
}

// Create records a workspace and attaches a pool instance to it, creating one
// on demand when the pool is empty. If no instance can be attached the record
// is deleted again, so failed attempts never count against the quota.
func (s *Service) Create(ctx context.Context, p CreateParams) (core.Workspace, error) {
	if p.IdempotencyKey != "" {
		ws, ok, err := s.replay(ctx, p)
		if err != nil || ok {
			return ws, err
		}
	}
	ws, err := s.store.CreateWorkspace(ctx, store.CreateWorkspaceParams{
		ID:             core.NewID(),
		OwnerID:        p.OwnerID,
		Name:           p.Name,
		IdempotencyKey: p.IdempotencyKey,
		RequestHash:    p.RequestHash,
		MaxPerOwner:    s.cfg.MaxPerOwner,
	})
	if errors.Is(err, store.ErrOwnerLimit) {
		return core.Workspace{}, ErrQuotaExceeded
	}
	if errors.Is(err, store.ErrConflict) && p.IdempotencyKey != "" {
		// A concurrent request with the same key won the insert.
		if ws, ok, rerr := s.replay(ctx, p); rerr != nil || ok {
			return ws, rerr
		}
	}
	if err != nil {
		return core.Workspace{}, fmt.Errorf("create workspace: %w", err)
	}
	log := s.log.With(zap.String("workspace_id", ws.ID), zap.String("owner_id", ws.OwnerID))

	instanceID, imageID, err := s.acquire(ctx, nil)
	if err != nil {
		s.discard(ctx, ws.ID, "", log)
		return core.Workspace{}, err
	}

	ws, err = s.attach(ctx, ws, instanceID, imageID)
	if err != nil {
		s.discard(ctx, ws.ID, instanceID, log)
		return core.Workspace{}, err
	}
	log.Info("workspace created", zap.String("instance_id", instanceID))
	return ws, nil
}

// replay looks up an earlier workspace created with the same idempotency key.
func (s *Service) replay(ctx context.Context, p CreateParams) (core.Workspace, bool, error) {
	ws, hash, err := s.store.FindWorkspaceByIdempotencyKey(ctx, p.OwnerID, p.IdempotencyKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return core.Workspace{}, false, nil
	case err != nil:
		return core.Workspace{}, false, fmt.Errorf("find idempotent workspace: %w", err)
	case hash != p.RequestHash:
		return core.Workspace{}, false, ErrIdempotencyMismatch
	}
	s.log.Debug("idempotent replay", zap.String("workspace_id", ws.ID), zap.String("idempotency_key", p.IdempotencyKey))
	return ws, true, nil
}

// acquire returns a live instance, from the pool when imageID is nil and the
// pool has one, otherwise booted from imageID or the golden image. The
// returned image is nil when the instance was booted from scratch.
func (s *Service) acquire(ctx context.Context, imageID *string) (string, *string, error) {
	if imageID == nil {
		claimed, err := s.pool.Claim(ctx)
		if err != nil {
			s.log.Warn("pool claim failed, creating on demand", zap.Error(err))
		}
		if claimed != nil {
			s.pool.TriggerReplenish()
			img := claimed.Entry.ImageID
			return claimed.Sandbox.ID, &img, nil
		}
	}

	source := ""
	if imageID != nil {
		source = *imageID
	} else {
		golden, err := s.store.GetGoldenImage(ctx)
		switch {
		case err == nil:
			source = golden.ImageID
		case !errors.Is(err, store.ErrNotFound):
			return "", nil, fmt.Errorf("get golden image: %w", err)
		}
	}

	inst, err := s.prov.CreateInstance(ctx, source)
	if err != nil {
		return "", nil, err
	}
	if imageID == nil {
		s.pool.TriggerReplenish()
	}
	if inst.ImageID == "" {
		return inst.ID(), nil, nil
	}
	img := inst.ImageID
	return inst.ID(), &img, nil
}

func (s *Service) attach(ctx context.Context, ws core.Workspace, instanceID string, imageID *string) (core.Workspace, error) {
	next, err := ws.Apply(core.EventAttach, &instanceID, nil)
	if err != nil {
		return ws, err
	}
	next.ImageID = imageID
	return s.save(ctx, ws, next)
}

// save persists next as a compare-and-swap on prev's status.
func (s *Service) save(ctx context.Context, prev, next core.Workspace) (core.Workspace, error) {
	ws, err := s.store.UpdateWorkspaceState(ctx, store.UpdateWorkspaceStateParams{
		ID:             prev.ID,
		From:           prev.Status,
		FromInstanceID: prev.InstanceID,
		To:             next.Status,
		InstanceID:     next.InstanceID,
		ImageID:        next.ImageID,
	})
	if err != nil {
		return prev, fmt.Errorf("update workspace %s: %w", prev.ID, err)
	}
	observability.WorkspaceStateTransitions.WithLabelValues(string(prev.Status), string(next.Status)).Inc()
	return ws, nil
}

func (s *Service) discard(ctx context.Context, workspaceID, instanceID string, log *zap.Logger) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if instanceID != "" {
		if err := s.prov.StopInstance(cctx, instanceID); err != nil {
			log.Warn("stop instance of failed workspace", zap.String("instance_id", instanceID), zap.Error(err))
		}
	}
	if err := s.store.DeleteWorkspace(cctx, workspaceID); err != nil {
		log.Error("delete failed workspace", zap.Error(err))
	}
}

func (s *Service) Get(ctx context.Context, id string) (core.Workspace, error) {
	return s.store.GetWorkspace(ctx, id)
}

func (s *Service) List(ctx context.Context, arg store.ListWorkspacesParams) ([]core.Workspace, error) {
	return s.store.ListWorkspaces(ctx, arg)
}

// Stop stops the instance and discards its state.
func (s *Service) Stop(ctx context.Context, id string) (core.Workspace, error) {
	ws, err := s.store.GetWorkspace(ctx, id)
	if err != nil {
		return ws, err
	}
	next, err := ws.Apply(core.EventStop, nil, nil)
	if err != nil {
		return ws, err
	}
	if ws.HasInstance() {
		if err := s.prov.StopInstance(ctx, *ws.InstanceID); err != nil && !errors.Is(err, provider.ErrNotFound) {
			return ws, fmt.Errorf("stop instance: %w", err)
		}
	}
	ws, err = s.save(ctx, ws, next)
	if err == nil {
		s.log.Info("workspace stopped", zap.String("workspace_id", id))
	}
	return ws, err
}

// Snapshot images the instance (stopping it) and keeps the image for resume.
func (s *Service) Snapshot(ctx context.Context, id string) (core.Workspace, error) {
	ws, err := s.store.GetWorkspace(ctx, id)
	if err != nil {
		return ws, err
	}
	if _, err := core.Transition(ws.Status, core.EventSnapshot); err != nil {
		return ws, err
	}
	if !ws.HasInstance() {
		return ws, ErrNoInstance
	}
	snap, err := s.prov.SnapshotInstance(ctx, *ws.InstanceID)
	if err != nil {
		return ws, fmt.Errorf("snapshot instance: %w", err)
	}
	next, err := ws.Apply(core.EventSnapshot, nil, &snap.ID)
	if err != nil {
		return ws, err
	}
	ws, err = s.save(ctx, ws, next)
	if err == nil {
		s.log.Info("workspace snapshotted", zap.String("workspace_id", id), zap.String("image_id", snap.ID))
	}
	return ws, err
}

// Resume boots a stopped or snapshotted workspace from its image, or from a
// fresh pool instance when it has none. A stale image falls back to scratch
// and the reference is dropped. If no instance can be attached the workspace
// is returned to stopped.
func (s *Service) Resume(ctx context.Context, id string) (core.Workspace, error) {
	ws, err := s.store.GetWorkspace(ctx, id)
	if err != nil {
		return ws, err
	}
	next, err := ws.Apply(core.EventResume, nil, nil)
	if err != nil {
		return ws, err
	}
	if ws, err = s.save(ctx, ws, next); err != nil {
		return ws, err
	}
	log := s.log.With(zap.String("workspace_id", id))

	instanceID, imageID, err := s.acquire(ctx, ws.ImageID)
	if err != nil {
		log.Warn("resume failed, aborting", zap.Error(err))
		s.abort(ctx, ws, log)
		return ws, err
	}
	if ws.ImageID != nil && imageID == nil {
		log.Warn("workspace image gone, resumed from scratch", zap.String("image_id", *ws.ImageID))
	}

	attached, err := s.attach(ctx, ws, instanceID, imageID)
	if err != nil {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if stopErr := s.prov.StopInstance(cctx, instanceID); stopErr != nil {
			log.Warn("stop instance after failed attach", zap.Error(stopErr))
		}
		s.abort(ctx, ws, log)
		return ws, err
	}
	log.Info("workspace resumed", zap.String("instance_id", instanceID))
	return attached, nil
}

func (s *Service) abort(ctx context.Context, ws core.Workspace, log *zap.Logger) {
	next, err := ws.Apply(core.EventAbort, nil, nil)
	if err != nil {
		log.Error("abort resume", zap.Error(err))
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if _, err := s.save(cctx, ws, next); err != nil {
		log.Error("abort resume", zap.Error(err))
	}
}

// Delete stops the instance best-effort and removes the record.
func (s *Service) Delete(ctx context.Context, id string) error {
	ws, err := s.store.GetWorkspace(ctx, id)
	if err != nil {
		return err
	}
	if ws.HasInstance() {
		if err := s.prov.StopInstance(ctx, *ws.InstanceID); err != nil && !errors.Is(err, provider.ErrNotFound) {
			s.log.Warn("stop instance of deleted workspace", zap.String("workspace_id", id), zap.Error(err))
		}
	}
	if err := s.store.DeleteWorkspace(ctx, id); err != nil {
		return err
	}
	s.log.Info("workspace deleted", zap.String("workspace_id", id))
	return nil
}

// Extend runs one heartbeat for the workspace.
func (s *Service) Extend(ctx context.Context, id string) (heartbeat.Outcome, error) {
	if _, err := s.store.GetWorkspace(ctx, id); err != nil {
		return "", err
	}
	return s.beats.Beat(ctx, id)
}
