package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ent0n29/jobcore/internal/config"
	"github.com/ent0n29/jobcore/internal/tasks"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	root := t.TempDir()
	return config.Config{
		MetricsNamespace:    "test_app",
		DataRoot:            root,
		TaskRoot:            filepath.Join(root, "tasks"),
		DatasetRoot:         filepath.Join(root, "datasets"),
		EnginePython:        "/bin/sh",
		MaxAttempts:         1,
		RetryBaseDelay:      time.Millisecond,
		RetryMaxDelay:       time.Millisecond,
		TerminateGrace:      time.Second,
		WatchdogInterval:    time.Second,
		LogBatchSize:        10,
		LogBatchInterval:    50 * time.Millisecond,
		MetricsPollInterval: 50 * time.Millisecond,
		WSWriteTimeout:      time.Second,
	}
}

func TestBuildReconcilesPersistedSnapshots(t *testing.T) {
	cfg := testConfig(t)
	store, err := tasks.NewFileStore(filepath.Join(cfg.DataRoot, "state"))
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	now := time.Now().UTC()
	if err := store.SaveSnapshot(context.Background(), tasks.TaskStateSnapshot{
		TaskID: "left-running", State: tasks.TaskStateRunning, Epoch: 1, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	built, err := Build(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if built.Recovered != 1 {
		t.Fatalf("Recovered = %d, want 1", built.Recovered)
	}
	snap, err := built.States.GetState("left-running")
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if snap.State != tasks.TaskStateFailed {
		t.Fatalf("state = %s, want failed", snap.State)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- built.Bus.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !built.Bus.Ready() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !built.Bus.Ready() {
		t.Fatalf("bus not ready after Run")
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := built.Cleanup(closeCtx); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}
