package storage

import (
	"errors"
	"strings"

	logx "taskrunner/pkg/logx"
)

// Open initializes the configured store. "none" and empty select the
// memory store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "none", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown progress driver: " + driver)
	}
}
