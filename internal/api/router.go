package api

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lzjever/mbos-fleet/internal/api/middleware"
	"github.com/lzjever/mbos-fleet/internal/core"
	"github.com/lzjever/mbos-fleet/internal/lifecycle"
	"github.com/lzjever/mbos-fleet/internal/pool"
	"github.com/lzjever/mbos-fleet/internal/workspace"
)

type Store interface {
	Ping(ctx context.Context) error
	GetGoldenImage(ctx context.Context) (core.GoldenImage, error)
}

type Pool interface {
	Maintain(ctx context.Context) (pool.MaintainResult, error)
	Status(ctx context.Context) (pool.Status, error)
}

type Sweeper interface {
	Sweep(ctx context.Context) ([]lifecycle.Result, error)
}

type Deps struct {
	Store         Store
	Workspaces    *workspace.Service
	Pool          Pool
	Sweeper       Sweeper
	TriggerSecret string
}

type API struct {
	store         Store
	workspaces    *workspace.Service
	pool          Pool
	sweeper       Sweeper
	triggerSecret string
	log           *zap.Logger
}

func NewAPI(d Deps, log *zap.Logger) *API {
	return &API{
		store:         d.Store,
		workspaces:    d.Workspaces,
		pool:          d.Pool,
		sweeper:       d.Sweeper,
		triggerSecret: d.TriggerSecret,
		log:           log.Named("api"),
	}
}

func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Metrics)
	r.Use(middleware.Recoverer(a.log))
	r.Use(middleware.Logger(a.log))

	r.Get("/healthz", a.HealthHandler)
	r.Get("/readyz", a.ReadyHandler)

	jsonOnly := chiMiddleware.AllowContentType("application/json")
	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(jsonOnly)
			r.Get("/workspaces", a.ListWorkspaces)
			r.Post("/workspaces", a.CreateWorkspace)
			r.Get("/workspaces/{id}", a.GetWorkspace)
			r.Delete("/workspaces/{id}", a.DeleteWorkspace)
			r.Post("/workspaces/{id}/stop", a.StopWorkspace)
			r.Post("/workspaces/{id}/snapshot", a.SnapshotWorkspace)
			r.Post("/workspaces/{id}/resume", a.ResumeWorkspace)
			r.Post("/workspaces/{id}/extend", a.ExtendWorkspace)

			r.Get("/pool", a.PoolStatus)
			r.Get("/golden", a.GetGolden)
		})

		// Triggers for the external scheduler. The token is checked before
		// anything else about the request.
		r.Group(func(r chi.Router) {
			r.Use(middleware.BearerAuth(a.triggerSecret))
			r.Use(jsonOnly)
			r.Post("/pool/replenish", a.ReplenishPool)
			r.Post("/lifecycle/sweep", a.Sweep)
		})
	})

	return r
}

func encodeCursor(t time.Time) string {
	return base64.StdEncoding.EncodeToString([]byte(t.Format(time.RFC3339Nano)))
}

func decodeCursor(s string) (time.Time, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, string(b))
}
