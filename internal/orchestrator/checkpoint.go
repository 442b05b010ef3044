package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// CheckpointStore persists the resumable run state a paused orchestrator
// needs to pick back up: which plan it was running, how far through the
// group order it got, and the consecutive-failure count that triggered
// the pause.
type CheckpointStore struct {
	db   *sql.DB
	path string
}

// NewCheckpointStore opens (creating if absent) the sqlite checkpoint
// database under root/.refactorctl/checkpoint.db.
func NewCheckpointStore(root string) (*CheckpointStore, error) {
	dir := filepath.Join(root, ".refactorctl")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	path := filepath.Join(dir, "checkpoint.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	store := &CheckpointStore{db: db, path: path}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init checkpoint schema: %w", err)
	}
	return store, nil
}

// Path returns the checkpoint database file path.
func (c *CheckpointStore) Path() string { return c.path }

// Close closes the underlying database connection.
func (c *CheckpointStore) Close() error { return c.db.Close() }

func (c *CheckpointStore) initSchema() error {
	_, err := c.db.Exec(`
	CREATE TABLE IF NOT EXISTS checkpoints (
		adwid               TEXT PRIMARY KEY,
		plan_path           TEXT NOT NULL,
		group_index         INTEGER NOT NULL,
		consecutive_failures INTEGER NOT NULL,
		paused              INTEGER NOT NULL DEFAULT 0,
		updated_at          DATETIME NOT NULL
	);`)
	return err
}

// Checkpoint is one run's resumable state.
type Checkpoint struct {
	ADWID               string
	PlanPath            string
	GroupIndex          int
	ConsecutiveFailures int
	Paused              bool
	UpdatedAt           time.Time
}

// Save upserts ckpt, keyed by ADWID.
func (c *CheckpointStore) Save(ctx context.Context, ckpt Checkpoint) error {
	_, err := c.db.ExecContext(ctx, `
	INSERT INTO checkpoints (adwid, plan_path, group_index, consecutive_failures, paused, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(adwid) DO UPDATE SET
		plan_path = excluded.plan_path,
		group_index = excluded.group_index,
		consecutive_failures = excluded.consecutive_failures,
		paused = excluded.paused,
		updated_at = excluded.updated_at;
	`, ckpt.ADWID, ckpt.PlanPath, ckpt.GroupIndex, ckpt.ConsecutiveFailures, boolToInt(ckpt.Paused), time.Now())
	return err
}

// LoadLatestPaused returns the most recently updated paused checkpoint, if
// any, for a resume invocation to pick up from.
func (c *CheckpointStore) LoadLatestPaused(ctx context.Context) (*Checkpoint, error) {
	row := c.db.QueryRowContext(ctx, `
	SELECT adwid, plan_path, group_index, consecutive_failures, paused, updated_at
	FROM checkpoints WHERE paused = 1 ORDER BY updated_at DESC LIMIT 1;`)

	var ckpt Checkpoint
	var pausedInt int
	err := row.Scan(&ckpt.ADWID, &ckpt.PlanPath, &ckpt.GroupIndex, &ckpt.ConsecutiveFailures, &pausedInt, &ckpt.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ckpt.Paused = pausedInt != 0
	return &ckpt, nil
}

// Clear removes the checkpoint for adwid, used once a run completes
// without pausing.
func (c *CheckpointStore) Clear(ctx context.Context, adwid string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE adwid = ?;`, adwid)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
