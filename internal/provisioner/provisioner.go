package provisioner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lzjever/mbos-fleet/internal/bootstrap"
	"github.com/lzjever/mbos-fleet/internal/observability"
	"github.com/lzjever/mbos-fleet/internal/provider"
)

const stopTimeout = 30 * time.Second

type Config struct {
	InstanceTimeout time.Duration
}

// Instance is a live, bootstrapped instance. Fallback is set when an
// image-based create found the image gone and booted from scratch instead;
// ImageID is then empty.
type Instance struct {
	Sandbox  provider.Sandbox
	ImageID  string
	Fallback bool
}

func (i *Instance) ID() string { return i.Sandbox.ID }

type Provisioner struct {
	api provider.API
	cfg Config
	log *zap.Logger
}

func New(api provider.API, cfg Config, log *zap.Logger) *Provisioner {
	return &Provisioner{api: api, cfg: cfg, log: log.Named("provisioner")}
}

// CreateInstance boots an instance from imageID, or from scratch when imageID
// is empty. Only a not-found image triggers the scratch fallback; every other
// provider error is returned.
func (p *Provisioner) CreateInstance(ctx context.Context, imageID string) (*Instance, error) {
	start := time.Now()
	inst := &Instance{ImageID: imageID}

	var (
		sb  *provider.Sandbox
		err error
	)
	if imageID != "" {
		sb, err = p.api.Create(ctx, provider.CreateRequest{Source: provider.FromImage(imageID), Timeout: p.cfg.InstanceTimeout})
		if errors.Is(err, provider.ErrNotFound) {
			p.log.Warn("image not found, falling back to scratch instance",
				zap.String("image_id", imageID), zap.Error(err))
			observability.ProvisionFallbackTotal.Inc()
			inst.ImageID = ""
			inst.Fallback = true
			sb, err = p.api.Create(ctx, provider.CreateRequest{Source: provider.FromScratch(), Timeout: p.cfg.InstanceTimeout})
		}
	} else {
		sb, err = p.api.Create(ctx, provider.CreateRequest{Source: provider.FromScratch(), Timeout: p.cfg.InstanceTimeout})
	}
	if err != nil {
		observability.ProvisionFailTotal.WithLabelValues("create").Inc()
		return nil, fmt.Errorf("create instance: %w", err)
	}
	inst.Sandbox = *sb

	path := "image"
	if inst.ImageID == "" {
		path = "scratch"
	}
	log := observability.InstanceLogger(p.log, sb.ID, "").With(zap.String("path", path))

	if err := p.bootstrap(ctx, sb.ID, inst.ImageID != ""); err != nil {
		observability.ProvisionFailTotal.WithLabelValues("bootstrap").Inc()
		log.Error("bootstrap failed, stopping instance", zap.Error(err))
		p.stopQuietly(ctx, sb.ID)
		return nil, fmt.Errorf("bootstrap %s: %w", sb.ID, err)
	}

	observability.ProvisionDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	log.Info("instance ready", zap.Duration("elapsed", time.Since(start)))
	return inst, nil
}

func (p *Provisioner) bootstrap(ctx context.Context, id string, fromImage bool) error {
	if !fromImage {
		if err := bootstrap.UploadServices(ctx, p.api, id); err != nil {
			return err
		}
		if err := bootstrap.InstallRuntime(ctx, p.api, id); err != nil {
			return err
		}
	}
	return bootstrap.StartSupervisor(ctx, p.api, id)
}

func (p *Provisioner) stopQuietly(ctx context.Context, id string) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	if err := p.api.Stop(stopCtx, id); err != nil {
		p.log.Warn("stop after failed bootstrap", zap.String("instance_id", id), zap.Error(err))
	}
}

func (p *Provisioner) GetInstance(ctx context.Context, id string) (*provider.Sandbox, error) {
	return p.api.Get(ctx, id)
}

func (p *Provisioner) StopInstance(ctx context.Context, id string) error {
	return p.api.Stop(ctx, id)
}

// SnapshotInstance images the instance, which stops it.
func (p *Provisioner) SnapshotInstance(ctx context.Context, id string) (*provider.Snapshot, error) {
	return p.api.Snapshot(ctx, id)
}

func (p *Provisioner) ExtendTimeout(ctx context.Context, id string, d time.Duration) error {
	return p.api.ExtendTimeout(ctx, id, d)
}

func (p *Provisioner) ListInstances(ctx context.Context) ([]provider.Sandbox, error) {
	return p.api.List(ctx)
}
