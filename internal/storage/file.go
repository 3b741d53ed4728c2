package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"timetask/internal/task"
	"timetask/pkg/logx"
)

// fileStore keeps the snapshot in a single human-readable JSON file.
// Saves go to a temp file in the same directory which is fsynced and then
// renamed over the target, so a crash never leaves a half-written snapshot.
type fileStore struct {
	log  logx.Logger
	path string
	loc  *time.Location

	mu sync.Mutex
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: cfg.Path, loc: loc}, nil
}

func (s *fileStore) Load(ctx context.Context) (task.Snapshot, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.log.Info("no snapshot file yet; starting empty", logx.String("path", s.path))
		return task.Snapshot{}, nil
	}
	if err != nil {
		return task.Snapshot{}, err
	}
	snap, err := task.DecodeSnapshot(b, s.loc)
	if err != nil {
		return task.Snapshot{}, fmt.Errorf("decode %s: %w", s.path, err)
	}
	return snap, nil
}

func (s *fileStore) Save(ctx context.Context, snap task.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := task.EncodeSnapshot(snap)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	cleanup := func() { _ = os.Remove(tmp) }

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		cleanup()
		return err
	}
	s.log.Debug("snapshot saved", logx.Int("tasks", snap.Len()), logx.Int("bytes", len(b)))
	return nil
}

func (s *fileStore) Close() error { return nil }
