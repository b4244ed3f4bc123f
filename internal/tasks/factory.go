package tasks

import (
	"context"
	"strings"
)

// NewStore creates a postgres-backed store when configured, otherwise snapshot files under root.
func NewStore(ctx context.Context, databaseURL, root string) (SnapshotStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewFileStore(root)
	}
	return NewPostgresStore(ctx, databaseURL)
}
