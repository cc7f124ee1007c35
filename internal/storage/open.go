package storage

import (
	"context"
	"errors"
	"strings"

	logx "peersched/pkg/logx"
)

// Store is the persistence API used by the recorder and the HTTP frontend.
type Store interface {
	AppendExecution(ctx context.Context, r ExecutionRecord) error
	// Recent returns up to n records, newest first.
	Recent(ctx context.Context, n int) ([]ExecutionRecord, error)
	// ForTask returns the retained records of one task, oldest first. More
	// than one terminal record means a sibling replica also ran it.
	ForTask(ctx context.Context, id string) ([]ExecutionRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
