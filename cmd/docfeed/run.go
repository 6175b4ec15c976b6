package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/livinlefevreloca/docfeed/internal/api"
	"github.com/livinlefevreloca/docfeed/internal/changes"
	"github.com/livinlefevreloca/docfeed/internal/checkpoint"
	"github.com/livinlefevreloca/docfeed/internal/config"
	"github.com/livinlefevreloca/docfeed/internal/db"
	"github.com/livinlefevreloca/docfeed/internal/events"
	"github.com/livinlefevreloca/docfeed/internal/lifecycle"
	"github.com/livinlefevreloca/docfeed/internal/metrics"
	"github.com/livinlefevreloca/docfeed/internal/store"
	"github.com/livinlefevreloca/docfeed/internal/tasks"
)

const shutdownTimeout = 10 * time.Second

func newRunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Follow every database and publish change and task events",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "create-admin",
				Usage: "Create the administrative database when it is missing",
			},
		},
		Action: runDocfeed,
	}
}

func runDocfeed(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, database, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer database.Close()

	logger.Info("starting docfeed",
		"admin_database", cfg.Aggregator.AdminDatabase,
		"fan_out", cfg.Aggregator.FanOut)

	checkpoints := checkpoint.NewStore(database, cfg.Aggregator.AdminDatabase, nil, logger)
	if err := ensureAdminDatabase(ctx, database, checkpoints, cmd.Bool("create-admin"), logger); err != nil {
		return err
	}

	bus := events.NewBus()
	collector := metrics.NewCollector()

	aggregator := changes.New(database, checkpoints, bus, cfg.Aggregator, logger, collector)
	aggregator.Start(ctx)
	defer aggregator.Shutdown()

	deriver := tasks.New(tasks.Params{
		Client:  database,
		Bus:     bus,
		Logger:  logger,
		Metrics: collector,
	}, cfg.Tasks)
	deriver.Start(bus)
	defer deriver.Stop()

	listener, err := lifecycle.New(lifecycle.Params{
		Client:        database,
		Aggregator:    aggregator,
		Bus:           bus,
		AdminDatabase: cfg.Aggregator.AdminDatabase,
		Logger:        logger,
		Metrics:       collector,
	}, cfg.Listener)
	if err != nil {
		return errors.Trace(err)
	}

	serveErr := make(chan error, 2)

	if cfg.HTTP.Enabled {
		srv := api.NewServer(checkpoints, aggregator, listener, cfg.HTTP.Address, cfg.HTTP.Port, logger)
		go func() {
			if err := srv.Start(); err != nil {
				serveErr <- errors.Annotate(err, "admin API")
			}
		}()
		defer shutdown(logger, "admin API", srv.Shutdown)
	}

	if cfg.Metrics.Enabled {
		metricsServer, err := newMetricsServer(cfg.Metrics, collector)
		if err != nil {
			return err
		}
		logger.Info("metrics listening", "addr", metricsServer.Addr)
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- errors.Annotate(err, "metrics server")
			}
		}()
		defer shutdown(logger, "metrics server", metricsServer.Shutdown)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	listenerDone := make(chan error, 1)
	go func() {
		listenerDone <- listener.Run(runCtx)
	}()

	logger.Info("docfeed is running")

	select {
	case <-ctx.Done():
		logger.Info("shutting down gracefully")
		cancel()
		return errors.Trace(<-listenerDone)
	case err := <-serveErr:
		cancel()
		<-listenerDone
		return err
	case err := <-listenerDone:
		return errors.Trace(err)
	}
}

// ensureAdminDatabase fails unless the checkpoint database exists, creating
// it first when create is set.
func ensureAdminDatabase(ctx context.Context, database *db.DB, checkpoints *checkpoint.Store, create bool, logger *slog.Logger) error {
	err := checkpoints.EnsureAvailable(ctx)
	if err == nil {
		return nil
	}
	if !create || !errors.Is(err, store.ErrDatabaseNotFound) {
		return errors.Annotate(err, "checkpoint store unavailable")
	}

	logger.Info("creating administrative database", "database", checkpoints.AdminDatabase())
	if err := database.CreateDatabase(ctx, checkpoints.AdminDatabase()); err != nil && !errors.Is(err, store.ErrDatabaseExists) {
		return errors.Annotate(err, "creating administrative database")
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, collector *metrics.Collector) (*http.Server, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collector); err != nil {
		return nil, errors.Annotate(err, "registering metrics")
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler: r,
	}, nil
}

func shutdown(logger *slog.Logger, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Warn("shutdown failed", "server", name, "error", err)
	}
}
