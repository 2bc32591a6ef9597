package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lzjever/mbos-fleet/internal/core"
	"github.com/lzjever/mbos-fleet/internal/observability"
	"github.com/lzjever/mbos-fleet/internal/provider"
	"github.com/lzjever/mbos-fleet/internal/store"
)

type Store interface {
	GetWorkspace(ctx context.Context, id string) (core.Workspace, error)
	ClearWorkspaceInstance(ctx context.Context, id, instanceID string) error
}

type Provisioner interface {
	ExtendTimeout(ctx context.Context, id string, d time.Duration) error
}

type Config struct {
	Interval time.Duration
	ExtendBy time.Duration
	Backoff  time.Duration
}

func DefaultConfig() Config {
	return Config{Interval: 5 * time.Minute, ExtendBy: 15 * time.Minute, Backoff: 60 * time.Second}
}

type Outcome string

const (
	OutcomeInactive     Outcome = "inactive"
	OutcomeExtended     Outcome = "extended"
	OutcomeRateLimited  Outcome = "rate_limited"
	OutcomeBackoff      Outcome = "backoff"
	OutcomeMaxLifetime  Outcome = "max_lifetime"
	OutcomeInstanceLost Outcome = "instance_lost"
)

// Terminal reports whether further beats are pointless.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeInactive, OutcomeMaxLifetime, OutcomeInstanceLost:
		return true
	}
	return false
}

type beatState struct {
	instanceID   string
	backoffUntil time.Time
	exhausted    bool
}

// Extender keeps instances of active workspaces alive. Rate-limit backoff and
// the max-lifetime flag are tracked per workspace and instance.
type Extender struct {
	store Store
	prov  Provisioner
	cfg   Config
	log   *zap.Logger

	Now func() time.Time

	mu    sync.Mutex
	state map[string]*beatState
}

func NewExtender(s Store, prov Provisioner, cfg Config, log *zap.Logger) *Extender {
	return &Extender{
		store: s,
		prov:  prov,
		cfg:   cfg,
		log:   log.Named("heartbeat"),
		Now:   time.Now,
		state: make(map[string]*beatState),
	}
}

func (e *Extender) Config() Config { return e.cfg }

func (e *Extender) Beat(ctx context.Context, workspaceID string) (Outcome, error) {
	outcome, err := e.beat(ctx, workspaceID)
	if err == nil {
		observability.HeartbeatTotal.WithLabelValues(string(outcome)).Inc()
	}
	return outcome, err
}

func (e *Extender) beat(ctx context.Context, workspaceID string) (Outcome, error) {
	ws, err := e.store.GetWorkspace(ctx, workspaceID)
	if errors.Is(err, store.ErrNotFound) {
		e.forget(workspaceID)
		return OutcomeInactive, nil
	}
	if err != nil {
		return "", fmt.Errorf("get workspace: %w", err)
	}
	if ws.Status != core.WorkspaceActive || !ws.HasInstance() {
		e.forget(workspaceID)
		return OutcomeInactive, nil
	}
	instanceID := *ws.InstanceID
	log := observability.InstanceLogger(e.log, instanceID, workspaceID)

	now := e.Now()
	e.mu.Lock()
	st, ok := e.state[workspaceID]
	if !ok || st.instanceID != instanceID {
		st = &beatState{instanceID: instanceID}
		e.state[workspaceID] = st
	}
	switch {
	case st.exhausted:
		e.mu.Unlock()
		return OutcomeMaxLifetime, nil
	case now.Before(st.backoffUntil):
		e.mu.Unlock()
		return OutcomeBackoff, nil
	}
	e.mu.Unlock()

	err = e.prov.ExtendTimeout(ctx, instanceID, e.cfg.ExtendBy)
	switch {
	case err == nil:
		return OutcomeExtended, nil
	case errors.Is(err, provider.ErrMaxLifetime):
		e.mu.Lock()
		st.exhausted = true
		e.mu.Unlock()
		log.Info("instance reached maximum lifetime")
		return OutcomeMaxLifetime, nil
	case errors.Is(err, provider.ErrRateLimited):
		e.mu.Lock()
		st.backoffUntil = now.Add(e.cfg.Backoff)
		e.mu.Unlock()
		log.Warn("extend rate limited, backing off", zap.Duration("backoff", e.cfg.Backoff))
		return OutcomeRateLimited, nil
	case errors.Is(err, provider.ErrNotFound):
		e.forget(workspaceID)
		if err := e.store.ClearWorkspaceInstance(ctx, workspaceID, instanceID); err != nil && !errors.Is(err, store.ErrConflict) {
			return "", fmt.Errorf("clear lost instance: %w", err)
		}
		log.Warn("instance gone, detached from workspace")
		return OutcomeInstanceLost, nil
	default:
		return "", fmt.Errorf("extend %s: %w", instanceID, err)
	}
}

func (e *Extender) forget(workspaceID string) {
	e.mu.Lock()
	delete(e.state, workspaceID)
	e.mu.Unlock()
}

// BeatFunc performs one heartbeat.
type BeatFunc func(ctx context.Context) (Outcome, error)

// RunLoop beats immediately and then every interval until a terminal outcome
// or ctx is done. Beat errors are logged and the loop continues.
func RunLoop(ctx context.Context, interval time.Duration, beat BeatFunc, log *zap.Logger) (Outcome, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		outcome, err := beat(ctx)
		switch {
		case err != nil:
			log.Warn("heartbeat failed", zap.Error(err))
		case outcome.Terminal():
			log.Info("heartbeat stopped", zap.String("outcome", string(outcome)))
			return outcome, nil
		default:
			log.Debug("heartbeat", zap.String("outcome", string(outcome)))
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}
