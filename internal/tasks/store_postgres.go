package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSnapshotSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSnapshotSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_snapshots (
			task_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			epoch INTEGER NOT NULL DEFAULT 1,
			last_transition JSONB NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_snapshots_state ON task_snapshots (state);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init snapshot schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snapshot TaskStateSnapshot) error {
	var lastTransition []byte
	if snapshot.LastTransition != nil {
		raw, err := json.Marshal(snapshot.LastTransition)
		if err != nil {
			return fmt.Errorf("encode last transition: %w", err)
		}
		lastTransition = raw
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO task_snapshots (task_id, state, epoch, last_transition, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (task_id) DO UPDATE SET
			state=EXCLUDED.state,
			epoch=EXCLUDED.epoch,
			last_transition=EXCLUDED.last_transition,
			updated_at=EXCLUDED.updated_at`,
		snapshot.TaskID,
		string(snapshot.State),
		snapshot.Epoch,
		lastTransition,
		snapshot.CreatedAt,
		snapshot.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadSnapshots(ctx context.Context) ([]TaskStateSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT task_id, state, epoch, last_transition, created_at, updated_at
		   FROM task_snapshots ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	out := make([]TaskStateSnapshot, 0, 16)
	for rows.Next() {
		snap, err := scanSnapshotRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		if !snap.State.Valid() {
			continue
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, taskID string) (TaskStateSnapshot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT task_id, state, epoch, last_transition, created_at, updated_at
		   FROM task_snapshots WHERE task_id=$1`,
		taskID,
	)
	snap, err := scanSnapshotRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return TaskStateSnapshot{}, ErrStoreNotFound
		}
		return TaskStateSnapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	return snap, nil
}

func (s *PostgresStore) DeleteSnapshot(ctx context.Context, taskID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM task_snapshots WHERE task_id=$1`, taskID); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

func scanSnapshotRow(row pgx.Row) (TaskStateSnapshot, error) {
	var (
		snap      TaskStateSnapshot
		state     string
		rawLast   []byte
		createdAt time.Time
		updatedAt time.Time
	)
	if err := row.Scan(
		&snap.TaskID,
		&state,
		&snap.Epoch,
		&rawLast,
		&createdAt,
		&updatedAt,
	); err != nil {
		return TaskStateSnapshot{}, err
	}
	snap.State = TaskState(state)
	snap.CreatedAt = createdAt
	snap.UpdatedAt = updatedAt
	if len(rawLast) > 0 {
		var lt StateTransition
		if err := json.Unmarshal(rawLast, &lt); err == nil {
			snap.LastTransition = &lt
		}
	}
	return snap, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
