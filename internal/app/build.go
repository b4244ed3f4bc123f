package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/ent0n29/jobcore/internal/config"
	"github.com/ent0n29/jobcore/internal/eventbus"
	"github.com/ent0n29/jobcore/internal/execution"
	"github.com/ent0n29/jobcore/internal/httpapi"
	"github.com/ent0n29/jobcore/internal/jobspec"
	"github.com/ent0n29/jobcore/internal/observability"
	"github.com/ent0n29/jobcore/internal/stream"
	"github.com/ent0n29/jobcore/internal/supervisor"
	"github.com/ent0n29/jobcore/internal/taskruntime"
	"github.com/ent0n29/jobcore/internal/tasks"
)

type BuildResult struct {
	Config  config.Config
	API     *httpapi.Server
	Bus     *eventbus.Bus
	States  *tasks.StateManager
	Streams *stream.Manager
	Runtime *taskruntime.Manager
	Metrics *observability.Metrics
	Store   tasks.SnapshotStore

	// Recovered is how many orphaned running tasks startup reconciliation failed.
	Recovered int

	// Cleanup stops live runs, drains the bus and closes the snapshot store.
	Cleanup func(ctx context.Context) error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := tasks.NewStore(ctx, cfg.DatabaseURL, filepath.Join(cfg.DataRoot, "state"))
	if err != nil {
		return nil, fmt.Errorf("snapshot store init failed: %w", err)
	}

	bus := eventbus.New(eventbus.WithLogger(logger), eventbus.WithMetrics(metrics))

	states := tasks.NewStateManager(store, bus)
	states.SetMetrics(metrics)
	states.SetLogger(logger)

	streams := stream.NewManager(states, nil, metrics, logger)
	streams.SetWriteTimeout(cfg.WSWriteTimeout)
	bus.SetBroadcaster(streams)

	builder := execution.NewBuilder(execution.StaticResolver{
		PythonPath: cfg.EnginePython,
		Scripts: map[jobspec.Kind]string{
			jobspec.KindLoRA:     cfg.EngineLoRAScript,
			jobspec.KindFinetune: cfg.EngineFinetuneScript,
		},
		Dir:  cfg.EngineWorkDir,
		Root: cfg.TaskRoot,
	})

	runtime, err := taskruntime.New(taskruntime.Config{
		TaskRoot: cfg.TaskRoot,
		Supervisor: supervisor.Config{
			Mirrors:          cfg.Mirrors,
			MirrorEnvVar:     cfg.MirrorEnvVar,
			MaxAttempts:      cfg.MaxAttempts,
			RetryBaseDelay:   cfg.RetryBaseDelay,
			RetryMaxDelay:    cfg.RetryMaxDelay,
			TerminateGrace:   cfg.TerminateGrace,
			WatchdogInterval: cfg.WatchdogInterval,
			LogBatchSize:     cfg.LogBatchSize,
			LogBatchInterval: cfg.LogBatchInterval,
			KillSignatures:   cfg.KillSignatures,
		},
		MetricsPollInterval: cfg.MetricsPollInterval,
		WatchOutputs:        cfg.WatchOutputs,
	}, taskruntime.Deps{
		States:   states,
		Store:    store,
		Builder:  builder,
		Datasets: taskruntime.DirDatasets{Root: cfg.DatasetRoot},
		Emitter:  bus,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("task runtime init failed: %w", err)
	}
	streams.SetHistoryProvider(runtime)

	// Events raised here queue on the bus until Run starts.
	recovered, err := runtime.Reconcile(ctx)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("startup reconciliation failed: %w", err)
	}

	ready := func(context.Context) error {
		if !bus.Ready() {
			return errors.New("event bus not running")
		}
		return nil
	}
	api := httpapi.New(cfg, runtime, streams, metrics, logger, ready)

	cleanup := func(ctx context.Context) error {
		var errs []string
		if err := runtime.Close(ctx); err != nil {
			errs = append(errs, err.Error())
		}
		bus.Close()
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Bus:       bus,
		States:    states,
		Streams:   streams,
		Runtime:   runtime,
		Metrics:   metrics,
		Store:     store,
		Recovered: recovered,
		Cleanup:   cleanup,
	}, nil
}
