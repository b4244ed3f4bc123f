package tasks

import (
	"context"
	"errors"
)

var ErrStoreNotFound = errors.New("snapshot not found in store")

type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snapshot TaskStateSnapshot) error
	LoadSnapshots(ctx context.Context) ([]TaskStateSnapshot, error)
	DeleteSnapshot(ctx context.Context, taskID string) error
	Close() error
}
