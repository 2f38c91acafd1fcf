package chatstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Settings selects and locates the conversation store.
type Settings struct {
	Driver string `yaml:"driver"`
	// Path is the SQLite database file, used when DSN is empty.
	Path string `yaml:"path"`
	DSN  string `yaml:"dsn,omitempty"`
}

// Open builds the configured store, creating the SQLite parent directory and
// the schema when they are missing.
func Open(ctx context.Context, settings Settings) (ConversationStore, error) {
	driver := strings.TrimSpace(settings.Driver)
	if driver == "" {
		driver = DriverSQLite
	}
	switch driver {
	case DriverMemory:
		log.Warn().Str("component", "chatstore").Msg("using in-memory store; conversations will not survive a restart")
		return NewInMemoryConversationStore(), nil
	case DriverPostgres:
		s, err := NewPostgresConversationStore(ctx, strings.TrimSpace(settings.DSN))
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverSQLite, "sqlite":
		dsn := strings.TrimSpace(settings.DSN)
		if dsn == "" {
			path := strings.TrimSpace(settings.Path)
			if dir := filepath.Dir(path); dir != "" && dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, storageErr("open", errors.Wrap(err, "create db dir"))
				}
			}
			var err error
			dsn, err = SQLiteDSNForFile(path)
			if err != nil {
				return nil, storageErr("open", err)
			}
		}
		log.Debug().Str("component", "chatstore").Str("dsn", dsn).Msg("opening sqlite store")
		s, err := NewSQLiteConversationStore(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, errors.Errorf("unknown store driver %q", driver)
}
