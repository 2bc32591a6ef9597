package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/lzjever/mbos-fleet/internal/golden"
	"github.com/lzjever/mbos-fleet/internal/heartbeat"
	"github.com/lzjever/mbos-fleet/internal/lifecycle"
	"github.com/lzjever/mbos-fleet/internal/pool"
	"github.com/lzjever/mbos-fleet/internal/worker"
	"github.com/lzjever/mbos-fleet/internal/workspace"
)

// Config is the environment shared by fleet-api, fleet-worker and the
// in-process fleetctl commands.
type Config struct {
	HTTPAddr        string        `envconfig:"FLEET_HTTP_ADDR" default:"0.0.0.0:8080"`
	MetricsAddr     string        `envconfig:"FLEET_METRICS_ADDR" default:"0.0.0.0:9090"`
	GRPCAddr        string        `envconfig:"FLEET_GRPC_ADDR" default:"0.0.0.0:9091"`
	DBDSN           string        `envconfig:"FLEET_DB_DSN" required:"true"`
	DBMaxConns      int32         `envconfig:"FLEET_DB_MAX_CONNS" default:"20"`
	LogLevel        string        `envconfig:"FLEET_LOG_LEVEL" default:"info"`
	ShutdownTimeout time.Duration `envconfig:"FLEET_SHUTDOWN_TIMEOUT" default:"30s"`

	ProviderURL     string        `envconfig:"FLEET_PROVIDER_URL" required:"true"`
	ProviderToken   string        `envconfig:"FLEET_PROVIDER_TOKEN"`
	TriggerSecret   string        `envconfig:"FLEET_TRIGGER_SECRET"`
	InstanceTimeout time.Duration `envconfig:"FLEET_INSTANCE_TIMEOUT" default:"45m"`

	PoolTarget           int           `envconfig:"FLEET_POOL_TARGET" default:"15"`
	PoolBatchSize        int           `envconfig:"FLEET_POOL_BATCH_SIZE" default:"5"`
	PoolStaleAfter       time.Duration `envconfig:"FLEET_POOL_STALE_AFTER" default:"30m"`
	PoolRetention        time.Duration `envconfig:"FLEET_POOL_RETENTION" default:"24h"`
	PoolReplenishTimeout time.Duration `envconfig:"FLEET_POOL_REPLENISH_TIMEOUT" default:"10m"`

	SweepThreshold   time.Duration `envconfig:"FLEET_SWEEP_THRESHOLD" default:"10m"`
	SweepConcurrency int           `envconfig:"FLEET_SWEEP_CONCURRENCY" default:"4"`

	HeartbeatInterval time.Duration `envconfig:"FLEET_HEARTBEAT_INTERVAL" default:"5m"`
	HeartbeatExtendBy time.Duration `envconfig:"FLEET_HEARTBEAT_EXTEND_BY" default:"15m"`
	HeartbeatBackoff  time.Duration `envconfig:"FLEET_HEARTBEAT_BACKOFF" default:"60s"`

	MaxWorkspacesPerOwner int `envconfig:"FLEET_MAX_WORKSPACES_PER_OWNER" default:"0"`

	GoldenRecipe      string `envconfig:"FLEET_GOLDEN_RECIPE"`
	GoldenParallelism int    `envconfig:"FLEET_GOLDEN_PARALLELISM" default:"0"`

	MaintainInterval time.Duration `envconfig:"FLEET_MAINTAIN_INTERVAL" default:"1m"`
	SweepInterval    time.Duration `envconfig:"FLEET_SWEEP_INTERVAL" default:"1m"`
}

// Validate checks the settings that depend on each other.
func (c Config) Validate() error {
	if c.DBMaxConns < 1 {
		return errors.New("db max conns must be positive")
	}
	if c.InstanceTimeout <= c.SweepThreshold {
		return fmt.Errorf("instance timeout %s must exceed sweep threshold %s", c.InstanceTimeout, c.SweepThreshold)
	}
	if err := c.Pool().Validate(c.InstanceTimeout, c.SweepThreshold); err != nil {
		return err
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatExtendBy <= 0 {
		return errors.New("heartbeat interval and extend-by must be positive")
	}
	if c.GoldenParallelism < 0 {
		return errors.New("FLEET_GOLDEN_PARALLELISM must be >= 0")
	}
	if c.MaxWorkspacesPerOwner < 0 {
		return errors.New("FLEET_MAX_WORKSPACES_PER_OWNER must be >= 0")
	}
	return nil
}

func (c Config) Pool() pool.Config {
	return pool.Config{
		Target:           c.PoolTarget,
		BatchSize:        c.PoolBatchSize,
		StaleAfter:       c.PoolStaleAfter,
		Retention:        c.PoolRetention,
		ReplenishTimeout: c.PoolReplenishTimeout,
	}
}

func (c Config) Sweep() lifecycle.Config {
	return lifecycle.Config{Threshold: c.SweepThreshold, Concurrency: c.SweepConcurrency}
}

func (c Config) Heartbeat() heartbeat.Config {
	return heartbeat.Config{Interval: c.HeartbeatInterval, ExtendBy: c.HeartbeatExtendBy, Backoff: c.HeartbeatBackoff}
}

func (c Config) Workspace() workspace.Config {
	return workspace.Config{MaxPerOwner: c.MaxWorkspacesPerOwner}
}

func (c Config) Golden() golden.Config {
	return golden.Config{InstanceTimeout: c.InstanceTimeout, Parallelism: c.GoldenParallelism}
}

func (c Config) Worker() worker.Config {
	return worker.Config{MaintainInterval: c.MaintainInterval, SweepInterval: c.SweepInterval}
}
