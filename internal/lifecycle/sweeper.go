package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lzjever/mbos-fleet/internal/core"
	"github.com/lzjever/mbos-fleet/internal/observability"
	"github.com/lzjever/mbos-fleet/internal/provider"
	"github.com/lzjever/mbos-fleet/internal/store"
)

type Store interface {
	ListActiveWorkspaces(ctx context.Context) ([]core.Workspace, error)
	UpdateWorkspaceState(ctx context.Context, arg store.UpdateWorkspaceStateParams) (core.Workspace, error)
}

type Provisioner interface {
	ListInstances(ctx context.Context) ([]provider.Sandbox, error)
	SnapshotInstance(ctx context.Context, id string) (*provider.Snapshot, error)
	StopInstance(ctx context.Context, id string) error
}

type Config struct {
	Threshold   time.Duration
	Concurrency int
}

func DefaultConfig() Config {
	return Config{Threshold: 10 * time.Minute, Concurrency: 4}
}

type Action string

const (
	ActionSnapshotted   Action = "snapshotted"
	ActionStopped       Action = "stopped"
	ActionFailed        Action = "failed"
	ActionOrphanStopped Action = "orphan_stopped"
)

// Result reports what happened to one expiring instance. Error is set on a
// stopped fallback (snapshot failed) and on failed.
type Result struct {
	InstanceID  string `json:"instance_id"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	Action      Action `json:"action"`
	Error       string `json:"error,omitempty"`
}

type Sweeper struct {
	store Store
	prov  Provisioner
	cfg   Config
	log   *zap.Logger

	Now func() time.Time
}

func NewSweeper(s Store, prov Provisioner, cfg Config, log *zap.Logger) *Sweeper {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	return &Sweeper{store: s, prov: prov, cfg: cfg, log: log.Named("sweeper"), Now: time.Now}
}

// Sweep handles every running instance within Threshold of its expiry. Linked
// instances are snapshotted (or stopped if that fails) and their workspace
// updated; orphans are stopped. Only a listing failure is returned as an
// error; per-instance outcomes are in the results, sorted by instance id.
func (s *Sweeper) Sweep(ctx context.Context) ([]Result, error) {
	start := time.Now()
	defer func() { observability.SweepDuration.Observe(time.Since(start).Seconds()) }()

	instances, err := s.prov.ListInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	workspaces, err := s.store.ListActiveWorkspaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active workspaces: %w", err)
	}
	byInstance := make(map[string]core.Workspace, len(workspaces))
	for _, ws := range workspaces {
		if ws.HasInstance() {
			byInstance[*ws.InstanceID] = ws
		}
	}

	now := s.Now()
	var expiring []provider.Sandbox
	for _, sb := range instances {
		if sb.Status == provider.StatusRunning && sb.Remaining(now) <= s.cfg.Threshold {
			expiring = append(expiring, sb)
		}
	}

	results := make([]Result, len(expiring))
	var eg errgroup.Group
	eg.SetLimit(s.cfg.Concurrency)
	for i, sb := range expiring {
		eg.Go(func() error {
			if ws, ok := byInstance[sb.ID]; ok {
				results[i] = s.reclaim(ctx, sb, ws)
			} else {
				results[i] = s.stopOrphan(ctx, sb)
			}
			observability.SweepActionsTotal.WithLabelValues(string(results[i].Action)).Inc()
			return nil
		})
	}
	eg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].InstanceID < results[j].InstanceID })
	if len(results) > 0 {
		s.log.Info("sweep done", zap.Int("listed", len(instances)), zap.Int("handled", len(results)))
	}
	return results, nil
}

func (s *Sweeper) reclaim(ctx context.Context, sb provider.Sandbox, ws core.Workspace) Result {
	res := Result{InstanceID: sb.ID, WorkspaceID: ws.ID}
	log := observability.InstanceLogger(s.log, sb.ID, ws.ID)

	snap, snapErr := s.prov.SnapshotInstance(ctx, sb.ID)
	if snapErr == nil {
		res.Action = ActionSnapshotted
		if err := s.transition(ctx, ws, core.EventSnapshot, &snap.ID); err != nil {
			log.Error("record snapshot", zap.String("image_id", snap.ID), zap.Error(err))
			res.Error = err.Error()
			return res
		}
		log.Info("expiring instance snapshotted", zap.String("image_id", snap.ID))
		return res
	}

	log.Warn("snapshot failed, stopping instance", zap.Error(snapErr))
	if err := s.prov.StopInstance(ctx, sb.ID); err != nil {
		log.Error("stop after failed snapshot", zap.Error(err))
		res.Action = ActionFailed
		res.Error = fmt.Sprintf("snapshot: %v; stop: %v", snapErr, err)
		return res
	}
	res.Action = ActionStopped
	res.Error = snapErr.Error()
	if err := s.transition(ctx, ws, core.EventStop, nil); err != nil {
		log.Error("record stop", zap.Error(err))
		res.Error = fmt.Sprintf("snapshot: %v; record stop: %v", snapErr, err)
	}
	return res
}

func (s *Sweeper) transition(ctx context.Context, ws core.Workspace, event core.WorkspaceEvent, imageID *string) error {
	next, err := ws.Apply(event, nil, imageID)
	if err != nil {
		return err
	}
	if _, err := s.store.UpdateWorkspaceState(ctx, store.UpdateWorkspaceStateParams{
		ID:             ws.ID,
		From:           ws.Status,
		FromInstanceID: ws.InstanceID,
		To:             next.Status,
		InstanceID:     next.InstanceID,
		ImageID:        next.ImageID,
	}); err != nil {
		return err
	}
	observability.WorkspaceStateTransitions.WithLabelValues(string(ws.Status), string(next.Status)).Inc()
	return nil
}

func (s *Sweeper) stopOrphan(ctx context.Context, sb provider.Sandbox) Result {
	if err := s.prov.StopInstance(ctx, sb.ID); err != nil {
		s.log.Warn("stop orphan instance", zap.String("instance_id", sb.ID), zap.Error(err))
	} else {
		s.log.Info("orphan instance stopped", zap.String("instance_id", sb.ID))
	}
	return Result{InstanceID: sb.ID, Action: ActionOrphanStopped}
}
