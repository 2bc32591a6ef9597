package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/lzjever/mbos-fleet/internal/core"
	"github.com/lzjever/mbos-fleet/internal/observability"
	"github.com/lzjever/mbos-fleet/internal/provider"
	"github.com/lzjever/mbos-fleet/internal/provisioner"
	"github.com/lzjever/mbos-fleet/internal/store"
)

type Store interface {
	GetGoldenImage(ctx context.Context) (core.GoldenImage, error)
	InsertPoolEntry(ctx context.Context, arg store.InsertPoolEntryParams) (core.PoolEntry, error)
	ClaimPoolEntry(ctx context.Context, arg store.ClaimPoolEntryParams) (core.PoolEntry, error)
	MarkPoolEntryExpired(ctx context.Context, id string) error
	ReleasePoolEntry(ctx context.Context, id string) error
	CountAvailablePoolEntries(ctx context.Context, imageID string, staleBefore time.Time) (int64, error)
	ExpireStalePoolEntries(ctx context.Context, staleBefore time.Time) ([]string, error)
	DeletePoolEntriesBefore(ctx context.Context, before time.Time) (int64, error)
	ExpirePoolEntriesNotOnImage(ctx context.Context, imageID string) ([]string, error)
	GetPoolStats(ctx context.Context) (store.PoolStats, error)
}

type Provisioner interface {
	CreateInstance(ctx context.Context, imageID string) (*provisioner.Instance, error)
	GetInstance(ctx context.Context, id string) (*provider.Sandbox, error)
	StopInstance(ctx context.Context, id string) error
}

type Config struct {
	Target           int
	BatchSize        int
	StaleAfter       time.Duration
	Retention        time.Duration
	ReplenishTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Target:           15,
		BatchSize:        5,
		StaleAfter:       30 * time.Minute,
		Retention:        24 * time.Hour,
		ReplenishTimeout: 10 * time.Minute,
	}
}

// Validate checks the pool settings against the instance lifetime: an entry
// claimed just before it turns stale must still be outside the sweep window.
func (c Config) Validate(instanceTimeout, sweepThreshold time.Duration) error {
	if c.Target < 0 || c.BatchSize <= 0 {
		return fmt.Errorf("pool target must be >= 0 and batch size > 0")
	}
	if c.StaleAfter >= instanceTimeout-sweepThreshold {
		return fmt.Errorf("pool stale-after %s must be below instance timeout %s minus sweep threshold %s",
			c.StaleAfter, instanceTimeout, sweepThreshold)
	}
	if c.Retention < c.StaleAfter {
		return fmt.Errorf("pool retention %s must not be shorter than stale-after %s", c.Retention, c.StaleAfter)
	}
	return nil
}

// Claimed is a verified, live pool instance handed to a session.
type Claimed struct {
	Entry   core.PoolEntry
	Sandbox provider.Sandbox
}

type ReplenishResult struct {
	ImageID  string `json:"image_id,omitempty"`
	Target   int    `json:"target"`
	Existing int    `json:"existing"`
	Created  int    `json:"created"`
	Failed   int    `json:"failed"`
}

type PruneResult struct {
	Expired int64 `json:"expired"`
	Deleted int64 `json:"deleted"`
}

type MaintainResult struct {
	Prune     PruneResult     `json:"prune"`
	Replenish ReplenishResult `json:"replenish"`
	Rotated   int64           `json:"rotated"`
}

type Status struct {
	store.PoolStats
	Target      int               `json:"target"`
	GoldenImage *core.GoldenImage `json:"golden_image,omitempty"`
}

type Manager struct {
	store Store
	prov  Provisioner
	cfg   Config
	log   *zap.Logger

	Now func() time.Time

	group     singleflight.Group
	triggered sync.WaitGroup
}

func NewManager(s Store, prov Provisioner, cfg Config, log *zap.Logger) *Manager {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.ReplenishTimeout <= 0 {
		cfg.ReplenishTimeout = def.ReplenishTimeout
	}
	return &Manager{store: s, prov: prov, cfg: cfg, log: log.Named("pool"), Now: time.Now}
}

// Claim takes the oldest fresh available entry. It returns nil when the pool
// is empty or the claimed instance could not be handed out; callers then
// create an instance on demand. A gone or dead instance expires the entry (a
// dead one is also stopped); an instance that cannot be checked right now is
// released back to the pool.
func (m *Manager) Claim(ctx context.Context) (*Claimed, error) {
	now := m.Now()
	entry, err := m.store.ClaimPoolEntry(ctx, store.ClaimPoolEntryParams{
		StaleBefore: now.Add(-m.cfg.StaleAfter),
		ClaimedAt:   now,
	})
	if errors.Is(err, store.ErrNotFound) {
		observability.PoolClaimsTotal.WithLabelValues("miss").Inc()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim pool entry: %w", err)
	}

	log := observability.InstanceLogger(m.log, entry.InstanceID, "").With(zap.String("entry_id", entry.ID))
	sb, err := m.prov.GetInstance(ctx, entry.InstanceID)
	switch {
	case err == nil && sb.Status == provider.StatusRunning:
		observability.PoolClaimsTotal.WithLabelValues("hit").Inc()
		log.Info("pool entry claimed")
		return &Claimed{Entry: entry, Sandbox: *sb}, nil
	case err == nil:
		log.Warn("claimed instance not running, expiring entry", zap.String("status", string(sb.Status)))
		m.expireDrifted(ctx, entry, log)
		m.stop(ctx, entry.InstanceID, log)
	case errors.Is(err, provider.ErrNotFound):
		log.Warn("claimed instance gone, expiring entry")
		m.expireDrifted(ctx, entry, log)
	default:
		log.Warn("claimed instance could not be verified, releasing entry", zap.Error(err))
		observability.PoolClaimsTotal.WithLabelValues("unverified").Inc()
		if rerr := m.store.ReleasePoolEntry(context.WithoutCancel(ctx), entry.ID); rerr != nil {
			log.Error("release unverified entry", zap.Error(rerr))
		}
	}
	return nil, nil
}

func (m *Manager) expireDrifted(ctx context.Context, entry core.PoolEntry, log *zap.Logger) {
	observability.PoolClaimsTotal.WithLabelValues("drift").Inc()
	observability.PoolExpiredTotal.WithLabelValues("drift").Inc()
	if err := m.store.MarkPoolEntryExpired(context.WithoutCancel(ctx), entry.ID); err != nil {
		log.Error("expire drifted entry", zap.Error(err))
	}
}

// Replenish tops the pool up to Target entries on the current golden image.
// Concurrent calls share one run.
func (m *Manager) Replenish(ctx context.Context) (ReplenishResult, error) {
	v, err, _ := m.group.Do("replenish", func() (interface{}, error) {
		return m.replenish(ctx)
	})
	res, _ := v.(ReplenishResult)
	return res, err
}

func (m *Manager) replenish(ctx context.Context) (ReplenishResult, error) {
	res := ReplenishResult{Target: m.cfg.Target}

	golden, err := m.store.GetGoldenImage(ctx)
	if errors.Is(err, store.ErrNotFound) {
		m.log.Info("no golden image yet, skipping replenish")
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("get golden image: %w", err)
	}
	res.ImageID = golden.ImageID

	existing, err := m.store.CountAvailablePoolEntries(ctx, golden.ImageID, m.Now().Add(-m.cfg.StaleAfter))
	if err != nil {
		return res, fmt.Errorf("count available entries: %w", err)
	}
	res.Existing = int(existing)
	need := max(0, m.cfg.Target-res.Existing)

	log := m.log.With(zap.String("image_id", golden.ImageID))
	if need > 0 {
		log.Info("replenishing pool", zap.Int("existing", res.Existing), zap.Int("need", need))
	}

	var created, failed atomic.Int32
	for done := 0; done < need; done += m.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			res.Created, res.Failed = int(created.Load()), int(failed.Load())
			return res, err
		}
		var eg errgroup.Group
		for range min(m.cfg.BatchSize, need-done) {
			eg.Go(func() error {
				if m.addOne(ctx, golden.ImageID, log) {
					created.Add(1)
				} else {
					failed.Add(1)
				}
				return nil
			})
		}
		eg.Wait()
	}

	res.Created, res.Failed = int(created.Load()), int(failed.Load())
	observability.PoolAvailable.Set(float64(res.Existing + res.Created))
	if need > 0 {
		log.Info("replenish done", zap.Int("created", res.Created), zap.Int("failed", res.Failed))
	}
	return res, nil
}

// addOne provisions one instance and records it as available. Failures are
// logged and not retried.
func (m *Manager) addOne(ctx context.Context, imageID string, log *zap.Logger) bool {
	inst, err := m.prov.CreateInstance(ctx, imageID)
	if err != nil {
		observability.PoolReplenishCreated.WithLabelValues("failed").Inc()
		log.Warn("pool instance create failed", zap.Error(err))
		return false
	}
	ilog := observability.InstanceLogger(log, inst.ID(), "")
	if inst.Fallback {
		observability.PoolReplenishCreated.WithLabelValues("fallback").Inc()
		ilog.Warn("golden image missing, discarding scratch instance")
		m.stop(ctx, inst.ID(), ilog)
		return false
	}

	_, err = m.store.InsertPoolEntry(ctx, store.InsertPoolEntryParams{
		ID:         core.NewID(),
		InstanceID: inst.ID(),
		ImageID:    imageID,
		CreatedAt:  m.Now(),
	})
	if err != nil {
		observability.PoolReplenishCreated.WithLabelValues("failed").Inc()
		ilog.Error("record pool entry", zap.Error(err))
		m.stop(ctx, inst.ID(), ilog)
		return false
	}
	observability.PoolReplenishCreated.WithLabelValues("created").Inc()
	return true
}

func (m *Manager) stop(ctx context.Context, id string, log *zap.Logger) {
	if err := m.prov.StopInstance(context.WithoutCancel(ctx), id); err != nil && !errors.Is(err, provider.ErrNotFound) {
		log.Warn("stop instance", zap.Error(err))
	}
}

// stopAll stops the instances of expired entries, BatchSize at a time,
// best-effort.
func (m *Manager) stopAll(ctx context.Context, ids []string) {
	var eg errgroup.Group
	eg.SetLimit(m.cfg.BatchSize)
	for _, id := range ids {
		eg.Go(func() error {
			m.stop(ctx, id, observability.InstanceLogger(m.log, id, ""))
			return nil
		})
	}
	eg.Wait()
}

// Prune expires available entries past StaleAfter, stopping their instances,
// and deletes entries of any status older than Retention.
func (m *Manager) Prune(ctx context.Context) (PruneResult, error) {
	var res PruneResult
	now := m.Now()

	ids, err := m.store.ExpireStalePoolEntries(ctx, now.Add(-m.cfg.StaleAfter))
	if err != nil {
		return res, fmt.Errorf("expire stale entries: %w", err)
	}
	res.Expired = int64(len(ids))
	observability.PoolExpiredTotal.WithLabelValues("stale").Add(float64(len(ids)))
	m.stopAll(ctx, ids)

	deleted, err := m.store.DeletePoolEntriesBefore(ctx, now.Add(-m.cfg.Retention))
	if err != nil {
		return res, fmt.Errorf("delete old entries: %w", err)
	}
	res.Deleted = deleted

	if res.Expired > 0 || deleted > 0 {
		m.log.Info("pool pruned", zap.Int64("expired", res.Expired), zap.Int64("deleted", deleted))
	}
	return res, nil
}

// Rotate expires available entries that are not on the current golden image
// and stops their instances. Run it after Replenish so the pool never drops
// below capacity.
func (m *Manager) Rotate(ctx context.Context) (int64, error) {
	golden, err := m.store.GetGoldenImage(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get golden image: %w", err)
	}
	ids, err := m.store.ExpirePoolEntriesNotOnImage(ctx, golden.ImageID)
	if err != nil {
		return 0, fmt.Errorf("rotate entries: %w", err)
	}
	n := int64(len(ids))
	m.stopAll(ctx, ids)
	observability.PoolExpiredTotal.WithLabelValues("rotated").Add(float64(n))
	if n > 0 {
		m.log.Info("pool rotated", zap.String("image_id", golden.ImageID), zap.Int64("expired", n))
	}
	return n, nil
}

// Maintain runs prune, replenish and rotate in that order.
func (m *Manager) Maintain(ctx context.Context) (MaintainResult, error) {
	var res MaintainResult
	var err error
	if res.Prune, err = m.Prune(ctx); err != nil {
		return res, err
	}
	if res.Replenish, err = m.Replenish(ctx); err != nil {
		return res, err
	}
	if res.Rotated, err = m.Rotate(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// TriggerReplenish starts a replenish in the background. Its outcome is only
// logged.
func (m *Manager) TriggerReplenish() {
	m.triggered.Add(1)
	go func() {
		defer m.triggered.Done()
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("panic in background replenish", zap.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ReplenishTimeout)
		defer cancel()
		if _, err := m.Replenish(ctx); err != nil {
			m.log.Warn("background replenish failed", zap.Error(err))
		}
	}()
}

// Wait blocks until every triggered replenish has returned.
func (m *Manager) Wait() {
	m.triggered.Wait()
}

func (m *Manager) Status(ctx context.Context) (Status, error) {
	st := Status{Target: m.cfg.Target}
	stats, err := m.store.GetPoolStats(ctx)
	if err != nil {
		return st, fmt.Errorf("pool stats: %w", err)
	}
	st.PoolStats = stats
	golden, err := m.store.GetGoldenImage(ctx)
	switch {
	case err == nil:
		st.GoldenImage = &golden
	case !errors.Is(err, store.ErrNotFound):
		return st, fmt.Errorf("get golden image: %w", err)
	}
	return st, nil
}
