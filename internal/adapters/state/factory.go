// Package state persists sequence state so a reconnecting client can resume.
package state

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/trellis-data/labflow/internal/core"
)

// Backends accepted by NewStore.
const (
	BackendSQLite = "sqlite"
	BackendJSON   = "json"
	BackendMemory = "memory"
)

// StoreOptions configures store creation.
type StoreOptions struct {
	// BackupPath is where SQLite backups go. Defaults to "<db>.bak".
	BackupPath string
}

// NewStore creates a core.StateStore for backend at path. For the json
// backend path names a directory; for sqlite it names the database file.
func NewStore(backend, path string, opts StoreOptions) (core.StateStore, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendSQLite:
		if !strings.HasSuffix(path, ".db") {
			path = strings.TrimSuffix(path, filepath.Ext(path)) + ".db"
		}
		var sqliteOpts []SQLiteStoreOption
		if strings.TrimSpace(opts.BackupPath) != "" {
			sqliteOpts = append(sqliteOpts, WithSQLiteBackupPath(opts.BackupPath))
		}
		return NewSQLiteStore(path, sqliteOpts...)
	case BackendJSON:
		return NewJSONStore(path)
	case BackendMemory:
		return NewSQLiteStore(MemoryPath)
	default:
		return nil, core.ErrValidation(core.CodeInvalidConfig, fmt.Sprintf("unknown state backend %q", backend))
	}
}

// Closeable is implemented by stores that hold resources.
type Closeable interface {
	Close() error
}

// CloseStore closes store if it implements Closeable.
func CloseStore(store core.StateStore) error {
	if c, ok := store.(Closeable); ok {
		return c.Close()
	}
	return nil
}

