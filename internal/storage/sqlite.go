package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "syncq/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

var sqliteDialect = sqlDialect{
	name: "sqlite",
	upsert: `INSERT INTO jobs(namespace, id, seq, body, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(namespace, id) DO UPDATE SET seq=excluded.seq, body=excluded.body, updated_at=excluded.updated_at`,
	get:     `SELECT body FROM jobs WHERE namespace = ? AND id = ?`,
	remove:  `DELETE FROM jobs WHERE namespace = ? AND id = ?`,
	clear:   `DELETE FROM jobs WHERE namespace = ?`,
	listAll: `SELECT body FROM jobs WHERE namespace = ? ORDER BY seq`,
	stamp:   func(t time.Time) any { return t.Format(time.RFC3339Nano) },
}

func openSQLite(cfg Config, log logx.Logger) (Backend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also serializes ClearAll vs Put.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	// FULL: a committed Put survives power loss, not just process crash.
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	b := &sqlBackend{db: db, log: log, dialect: sqliteDialect}
	if err := b.migrate(context.Background(), sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite storage opened", logx.String("path", path))
	return b, nil
}
