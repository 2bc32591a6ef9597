package golden

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lzjever/mbos-fleet/internal/bootstrap"
	"github.com/lzjever/mbos-fleet/internal/core"
	"github.com/lzjever/mbos-fleet/internal/observability"
	"github.com/lzjever/mbos-fleet/internal/provider"
	"github.com/lzjever/mbos-fleet/internal/taskgraph"
)

const stopTimeout = 30 * time.Second

// PointerStore persists the golden image pointer.
type PointerStore interface {
	SetGoldenImage(ctx context.Context, imageID string) (core.GoldenImage, error)
}

type Config struct {
	InstanceTimeout time.Duration
	// Parallelism caps concurrently running setup tasks; 0 is unbounded.
	Parallelism int
}

type BuildResult struct {
	ImageID      string             `json:"image_id"`
	Status       string             `json:"status"`
	SizeBytes    int64              `json:"size_bytes"`
	CreatedAt    time.Time          `json:"created_at"`
	ExpiresAt    time.Time          `json:"expires_at"`
	RecipeDigest string             `json:"recipe_digest"`
	InstanceID   string             `json:"instance_id"`
	Degraded     bool               `json:"degraded"`
	Tasks        []taskgraph.Result `json:"tasks"`
}

type Builder struct {
	api    provider.API
	store  PointerStore
	recipe *Recipe
	cfg    Config
	log    *zap.Logger
}

func NewBuilder(api provider.API, store PointerStore, recipe *Recipe, cfg Config, log *zap.Logger) *Builder {
	return &Builder{api: api, store: store, recipe: recipe, cfg: cfg, log: log.Named("golden")}
}

// Build provisions a scratch instance, runs the recipe against it, snapshots
// it and publishes the image as the golden image. Individual task failures
// only mark the result degraded; create, snapshot and publish failures are
// returned.
func (b *Builder) Build(ctx context.Context, customScript string) (*BuildResult, error) {
	digest := b.recipe.Digest(customScript)
	log := b.log.With(zap.String("recipe_digest", digest))

	sb, err := b.api.Create(ctx, provider.CreateRequest{
		Source:  provider.FromScratch(),
		Timeout: b.cfg.InstanceTimeout,
		Runtime: b.recipe.Runtime,
	})
	if err != nil {
		observability.GoldenBuildsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("create build instance: %w", err)
	}
	log = log.With(zap.String("instance_id", sb.ID))
	log.Info("golden build started")

	graph := b.graph(sb.ID, customScript)
	start := time.Now()
	tasks, err := graph.Run(ctx, b.cfg.Parallelism, func(r taskgraph.Result) {
		observability.GoldenBuildTaskDuration.WithLabelValues(r.Name, string(r.Status)).Observe(r.Duration.Seconds())
		fields := []zap.Field{zap.String("task", r.Name), zap.Duration("elapsed", r.Duration)}
		if len(r.FailedDeps) > 0 {
			fields = append(fields, zap.Strings("failed_deps", r.FailedDeps))
		}
		if r.Status == taskgraph.StatusSucceeded {
			log.Info("setup task done", fields...)
			return
		}
		log.Error("setup task failed", append(fields, zap.String("status", string(r.Status)), zap.Error(r.Err))...)
	})
	if err != nil {
		b.stopQuietly(ctx, sb.ID, log)
		observability.GoldenBuildsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("run recipe: %w", err)
	}

	degraded := false
	for _, t := range tasks {
		if t.Status != taskgraph.StatusSucceeded {
			degraded = true
		}
	}
	log.Info("setup tasks finished", zap.Duration("elapsed", time.Since(start)), zap.Bool("degraded", degraded))

	snap, err := b.api.Snapshot(ctx, sb.ID)
	if err != nil {
		b.stopQuietly(ctx, sb.ID, log)
		observability.GoldenBuildsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("snapshot build instance: %w", err)
	}
	if _, err := b.store.SetGoldenImage(ctx, snap.ID); err != nil {
		observability.GoldenBuildsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("publish golden image %s: %w", snap.ID, err)
	}

	status := "succeeded"
	if degraded {
		status = "degraded"
	}
	observability.GoldenBuildsTotal.WithLabelValues(status).Inc()
	log.Info("golden image published",
		zap.String("image_id", snap.ID),
		zap.Int64("size_bytes", snap.SizeBytes),
		zap.Time("expires_at", snap.ExpiresAt))

	return &BuildResult{
		ImageID:      snap.ID,
		Status:       snap.Status,
		SizeBytes:    snap.SizeBytes,
		CreatedAt:    snap.CreatedAt,
		ExpiresAt:    snap.ExpiresAt,
		RecipeDigest: digest,
		InstanceID:   sb.ID,
		Degraded:     degraded,
		Tasks:        tasks,
	}, nil
}

func (b *Builder) graph(instanceID, customScript string) taskgraph.Graph {
	var g taskgraph.Graph
	for _, t := range b.recipe.Tasks {
		g.Tasks = append(g.Tasks, taskgraph.Task{Name: t.Name, Deps: t.Deps, Run: b.runner(instanceID, t)})
	}
	if customScript != "" {
		custom := RecipeTask{Name: CustomScriptTask, Script: customScript, Sudo: true}
		g.Tasks = append(g.Tasks, taskgraph.Task{Name: custom.Name, Run: b.runner(instanceID, custom)})
	}
	return g
}

func (b *Builder) runner(instanceID string, t RecipeTask) func(context.Context) error {
	if t.Upload == UploadServices {
		return func(ctx context.Context) error {
			return bootstrap.UploadServices(ctx, b.api, instanceID)
		}
	}
	return func(ctx context.Context) error {
		_, err := b.api.RunCommand(ctx, instanceID, provider.Command{
			Cmd:  "bash",
			Args: []string{"-lc", t.Script},
			Env:  t.Env,
			Sudo: t.Sudo,
		})
		return err
	}
}

func (b *Builder) stopQuietly(ctx context.Context, id string, log *zap.Logger) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	if err := b.api.Stop(stopCtx, id); err != nil {
		log.Warn("stop build instance", zap.Error(err))
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
