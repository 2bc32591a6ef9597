package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	// fleet-api metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"route", "method", "code"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleet_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})

	ActiveRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_active_requests",
		Help: "Current in-flight requests",
	})

	// warm pool
	PoolClaimsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_pool_claims_total",
		Help: "Pool claim attempts by result (hit, miss, drift, unverified)",
	}, []string{"result"})

	PoolReplenishCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_pool_replenish_instances_total",
		Help: "Instances created by replenish, by outcome",
	}, []string{"outcome"})

	PoolExpiredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_pool_expired_total",
		Help: "Pool entries expired, by reason (stale, rotated, drift)",
	}, []string{"reason"})

	PoolAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_pool_available",
		Help: "Available entries on the current golden image at last replenish",
	})

	// provisioning
	ProvisionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleet_provision_duration_seconds",
		Help:    "Instance create + bootstrap duration",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
	}, []string{"path"})

	ProvisionFallbackTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_provision_fallback_total",
		Help: "Image-based creates that fell back to a from-scratch instance",
	})

	ProvisionFailTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_provision_fail_total",
		Help: "Provisioning failures by stage",
	}, []string{"stage"})

	// golden image
	GoldenBuildTaskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleet_golden_task_duration_seconds",
		Help:    "Golden image setup task duration",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"task", "status"})

	GoldenBuildsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_golden_builds_total",
		Help: "Golden image builds by status",
	}, []string{"status"})

	// lifecycle sweep
	SweepActionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_sweep_actions_total",
		Help: "Sweep actions taken on expiring instances",
	}, []string{"action"})

	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_sweep_duration_seconds",
		Help:    "Sweep end-to-end duration",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
	})

	// heartbeat
	HeartbeatTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_heartbeat_total",
		Help: "Heartbeat outcomes",
	}, []string{"outcome"})

	WorkspaceStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_workspace_state_transitions_total",
		Help: "Workspace state transition count",
	}, []string{"from", "to"})

	WorkerJobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_worker_job_runs_total",
		Help: "Scheduled job runs by result (ok, error, skipped)",
	}, []string{"job", "result"})
)

func RegisterAll(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, ActiveRequests,
		PoolClaimsTotal, PoolReplenishCreated, PoolExpiredTotal, PoolAvailable,
		ProvisionDuration, ProvisionFallbackTotal, ProvisionFailTotal,
		GoldenBuildTaskDuration, GoldenBuildsTotal,
		SweepActionsTotal, SweepDuration,
		HeartbeatTotal, WorkspaceStateTransitions,
		WorkerJobRuns,
	)
}
