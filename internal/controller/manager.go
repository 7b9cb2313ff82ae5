package controller

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
	"sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/driftwatch/driftwatch/api/v1alpha1"
	"github.com/driftwatch/driftwatch/internal/apiserver"
	"github.com/driftwatch/driftwatch/internal/apply"
	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/metrics"
	"github.com/driftwatch/driftwatch/internal/render"
	"github.com/driftwatch/driftwatch/internal/source"
)

// Config holds all configuration options for the controller manager.
// Values are typically populated from CLI flags or environment variables.
type Config struct {
	// RepoCacheDir is the directory for bare repository mirrors.
	RepoCacheDir string

	// GitFetchInterval bounds how often one repository is fetched over the
	// network. Zero disables the bound.
	GitFetchInterval time.Duration

	// ApplyConcurrency bounds parallel writes within one apply wave.
	ApplyConcurrency int

	// HistoryLimit bounds the sync history kept in Application status.
	HistoryLimit int

	// MaxConcurrentSyncs bounds how many Applications sync in parallel.
	MaxConcurrentSyncs int

	// CredentialsNS is the fallback namespace for credentials secrets
	// referenced without an explicit namespace.
	CredentialsNS string

	// MetricsAddr is the address for the Prometheus metrics endpoint.
	MetricsAddr string

	// HealthAddr is the address for health and readiness probe endpoints.
	HealthAddr string

	// APIAddr is the address for the read-only HTTP API. Empty disables it.
	APIAddr string

	// LeaderElect enables leader election for high availability.
	// Required when running multiple replicas.
	LeaderElect bool

	// LeaderElectNS is the namespace for the leader election lease.
	LeaderElectNS string

	// LeaderElectName is the name of the leader election lease.
	LeaderElectName string
}

// Run initializes and starts the controller manager with the provided
// configuration. It blocks until the context is cancelled or an error occurs.
//
// The function performs the following steps:
//  1. Initializes controller-runtime manager with metrics and health endpoints
//  2. Registers the Application API types
//  3. Wires the fetch, render, diff and apply pipeline into the reconciler
//  4. Optionally starts the read-only HTTP API as a manager runnable
//  5. Starts the manager and blocks until shutdown
//
//nolint:funlen,noinlineerr // controller setup requires multiple steps
func Run(ctx context.Context, cfg *Config) error {
	logger := log.FromContext(ctx).WithName("manager")
	logger.Info("initializing controller manager")

	mgrOptions := ctrl.Options{
		Metrics: server.Options{
			BindAddress: cfg.MetricsAddr,
		},
		HealthProbeBindAddress: cfg.HealthAddr,
	}

	if cfg.LeaderElect {
		mgrOptions.LeaderElection = true
		mgrOptions.LeaderElectionID = cfg.LeaderElectName
		mgrOptions.LeaderElectionNamespace = cfg.LeaderElectNS

		logger.Info("leader election enabled",
			"id", cfg.LeaderElectName,
			"namespace", cfg.LeaderElectNS,
		)
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), mgrOptions)
	if err != nil {
		return errors.Wrap(err, "failed to create manager")
	}

	if err := v1alpha1.AddToScheme(mgr.GetScheme()); err != nil {
		return errors.Wrap(err, "failed to add application scheme")
	}

	collector := metrics.NewCollector(ctrlmetrics.Registry)

	reconciler := &ApplicationReconciler{
		Client:             mgr.GetClient(),
		Scheme:             mgr.GetScheme(),
		Fetcher:            source.NewFetcher(cfg.RepoCacheDir, cfg.GitFetchInterval, collector, slog.Default()),
		Resolver:           config.NewResolver(mgr.GetClient(), cfg.CredentialsNS),
		Renderer:           render.NewRenderer(collector, slog.Default()),
		Engine:             apply.NewEngine(mgr.GetClient(), cfg.ApplyConcurrency, collector, nil, slog.Default()),
		Metrics:            collector,
		HistoryLimit:       cfg.HistoryLimit,
		MaxConcurrentSyncs: cfg.MaxConcurrentSyncs,
	}

	if err := reconciler.SetupWithManager(mgr); err != nil {
		return errors.Wrap(err, "failed to setup application controller")
	}

	if cfg.APIAddr != "" {
		api := apiserver.New(mgr.GetClient(), cfg.APIAddr, slog.Default())

		if err := mgr.Add(api); err != nil {
			return errors.Wrap(err, "failed to add api server")
		}

		logger.Info("http api enabled", "addr", cfg.APIAddr)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return errors.Wrap(err, "failed to set up health check")
	}

	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		return errors.Wrap(err, "failed to set up ready check")
	}

	logger.Info("starting manager")

	if err := mgr.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start manager")
	}

	return nil
}
