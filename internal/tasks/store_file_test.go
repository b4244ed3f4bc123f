package tasks

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileStoreRoundTripAndSkipsGarbage(t *testing.T) {
	root := t.TempDir()
	store, err := NewFileStore(root)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	ctx := context.Background()
	now := time.Now().UTC()

	for i, id := range []string{"a", "b"} {
		err := store.SaveSnapshot(ctx, TaskStateSnapshot{
			TaskID:    id,
			State:     TaskStateRunning,
			Epoch:     i + 1,
			CreatedAt: now.Add(time.Duration(i) * time.Second),
			UpdatedAt: now,
		})
		if err != nil {
			t.Fatalf("SaveSnapshot(%s) error = %v", id, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, "junk"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "junk", snapshotFileName), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	snaps, err := store.LoadSnapshots(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshots() error = %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("len(snaps) = %d, want 2", len(snaps))
	}
	if snaps[0].TaskID != "a" || snaps[1].Epoch != 2 {
		t.Fatalf("unexpected snapshots: %+v", snaps)
	}

	if err := store.DeleteSnapshot(ctx, "a"); err != nil {
		t.Fatalf("DeleteSnapshot() error = %v", err)
	}
	if err := store.DeleteSnapshot(ctx, "a"); err != nil {
		t.Fatalf("DeleteSnapshot() twice error = %v", err)
	}
	snaps, _ = store.LoadSnapshots(ctx)
	if len(snaps) != 1 {
		t.Fatalf("len(snaps) after delete = %d, want 1", len(snaps))
	}
}
