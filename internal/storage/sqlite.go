package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"timetask/internal/task"
	"timetask/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	loc *time.Location
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, err
	}

	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	return &sqliteStore{db: db, log: log, loc: loc}, nil
}

func (s *sqliteStore) Load(ctx context.Context) (task.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT destination, body FROM tasks ORDER BY dest_pos, task_pos`)
	if err != nil {
		return task.Snapshot{}, err
	}
	defer rows.Close()

	var snap task.Snapshot
	for rows.Next() {
		var dest, body string
		if err := rows.Scan(&dest, &body); err != nil {
			return task.Snapshot{}, err
		}
		rec, err := task.DecodeRecord([]byte(body), s.loc)
		if err != nil {
			return task.Snapshot{}, fmt.Errorf("destination %q: %w", dest, err)
		}
		n := len(snap.Buckets)
		if n == 0 || snap.Buckets[n-1].Destination != dest {
			snap.Buckets = append(snap.Buckets, task.Bucket{Destination: dest})
			n++
		}
		snap.Buckets[n-1].Records = append(snap.Buckets[n-1].Records, rec)
	}
	return snap, rows.Err()
}

// Save rewrites every row inside one transaction.
func (s *sqliteStore) Save(ctx context.Context, snap task.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO tasks (id, destination, dest_pos, task_pos, kind, body) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for di, b := range snap.Buckets {
		for ti, r := range b.Records {
			body, err := task.EncodeRecord(r)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, r.ID, b.Destination, di, ti, string(r.Trigger.Kind()), string(body)); err != nil {
				return fmt.Errorf("insert task %s: %w", r.ID, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.Debug("snapshot saved", logx.Int("tasks", snap.Len()))
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
