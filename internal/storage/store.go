package storage

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"timetask/internal/task"
	"timetask/pkg/logx"
)

const (
	DefaultPath       = "data/timetask/tasks.json"
	DefaultSQLitePath = "data/timetask/tasks.db"
)

type Config struct {
	// Driver is "file" (the default; alias "json") or "sqlite" (alias "sqlite3").
	Driver string
	Path   string
	// BusyTimeout applies to sqlite only. 0 keeps the default.
	BusyTimeout time.Duration
	// Location interprets persisted deadlines. Nil means time.Local.
	Location *time.Location
}

// Store loads and saves whole registry snapshots. Save is atomic: a later
// Load sees either the previous snapshot or the new one.
type Store interface {
	Load(ctx context.Context) (task.Snapshot, error)
	Save(ctx context.Context, snap task.Snapshot) error
	Close() error
}

type driver struct {
	defaultPath string
	open        func(Config, logx.Logger) (Store, error)
}

var drivers = map[string]driver{
	"file":    {DefaultPath, openFile},
	"json":    {DefaultPath, openFile},
	"sqlite":  {DefaultSQLitePath, openSQLite},
	"sqlite3": {DefaultSQLitePath, openSQLite},
}

func normalizeDriver(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "file"
	}
	return name
}

// KnownDriver reports whether Open accepts name.
func KnownDriver(name string) bool {
	_, ok := drivers[normalizeDriver(name)]
	return ok
}

// Open initializes the configured store, creating parent directories.
func Open(cfg Config, log logx.Logger) (Store, error) {
	name := normalizeDriver(cfg.Driver)
	d, ok := drivers[name]
	if !ok {
		names := make([]string, 0, len(drivers))
		for n := range drivers {
			names = append(names, n)
		}
		slices.Sort(names)
		return nil, fmt.Errorf("unknown storage driver %q (want one of %s)", cfg.Driver, strings.Join(names, ", "))
	}
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = d.defaultPath
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return d.open(cfg, log.With(logx.String("comp", "storage"), logx.String("driver", name)))
}
