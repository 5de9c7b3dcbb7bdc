package cloudcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/mirrorbox/internal/objstore"
)

// SnapshotStore persists promoted snapshots so a restart can serve the last
// known listing while a fresh scan runs.
type SnapshotStore interface {
	Save(ctx context.Context, entries []objstore.FileEntry, takenAt time.Time) error
	// Load returns ErrNoSnapshot when nothing was saved yet
	Load(ctx context.Context) ([]objstore.FileEntry, time.Time, error)
	Close() error
}

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS snapshot_entries (
	key TEXT PRIMARY KEY,
	size INTEGER NOT NULL,
	last_modified TEXT NOT NULL,
	etag TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshot_meta (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	taken_at TEXT NOT NULL,
	total INTEGER NOT NULL
);
`

type snapshotRow struct {
	Key          string `db:"key"`
	Size         int64  `db:"size"`
	LastModified string `db:"last_modified"`
	ETag         string `db:"etag"`
}

// SQLiteSnapshotStore keeps the latest snapshot in two tables.
// Each Save replaces the previous snapshot in one transaction.
type SQLiteSnapshotStore struct {
	db *sqlx.DB
}

func NewSQLiteSnapshotStore(db *sqlx.DB) (*SQLiteSnapshotStore, error) {
	if _, err := db.Exec(snapshotSchema); err != nil {
		return nil, fmt.Errorf("init snapshot schema: %w", err)
	}
	return &SQLiteSnapshotStore{db: db}, nil
}

func (s *SQLiteSnapshotStore) Save(ctx context.Context, entries []objstore.FileEntry, takenAt time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM snapshot_entries"); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx,
		`INSERT INTO snapshot_entries (key, size, last_modified, etag) VALUES (?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Key, e.Size, e.LastModified.UTC().Format(time.RFC3339Nano), e.ETag); err != nil {
			return fmt.Errorf("insert %s: %w", e.Key, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshot_meta (id, taken_at, total) VALUES (1, ?, ?)`,
		takenAt.UTC().Format(time.RFC3339Nano), len(entries),
	); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteSnapshotStore) Load(ctx context.Context) ([]objstore.FileEntry, time.Time, error) {
	var takenAtRaw string
	err := s.db.GetContext(ctx, &takenAtRaw, "SELECT taken_at FROM snapshot_meta WHERE id = 1")
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, ErrNoSnapshot
	} else if err != nil {
		return nil, time.Time{}, fmt.Errorf("read meta: %w", err)
	}

	takenAt, err := time.Parse(time.RFC3339Nano, takenAtRaw)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("parse snapshot time: %w", err)
	}

	var rows []snapshotRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT key, size, last_modified, etag FROM snapshot_entries ORDER BY key"); err != nil {
		return nil, time.Time{}, fmt.Errorf("read entries: %w", err)
	}

	entries := make([]objstore.FileEntry, 0, len(rows))
	for _, r := range rows {
		lastModified, _ := time.Parse(time.RFC3339Nano, r.LastModified)
		entries = append(entries, objstore.FileEntry{
			Key:          r.Key,
			Size:         r.Size,
			LastModified: lastModified,
			ETag:         r.ETag,
		})
	}
	return entries, takenAt, nil
}

func (s *SQLiteSnapshotStore) Close() error {
	return s.db.Close()
}

var _ SnapshotStore = (*SQLiteSnapshotStore)(nil)
