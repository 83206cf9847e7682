package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "syncq/pkg/logx"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed schema_postgres.sql
var postgresSchema string

var postgresDialect = sqlDialect{
	name: "postgres",
	upsert: `INSERT INTO jobs(namespace, id, seq, body, updated_at) VALUES($1,$2,$3,$4,$5)
		 ON CONFLICT(namespace, id) DO UPDATE SET seq=EXCLUDED.seq, body=EXCLUDED.body, updated_at=EXCLUDED.updated_at`,
	get:     `SELECT body FROM jobs WHERE namespace = $1 AND id = $2`,
	remove:  `DELETE FROM jobs WHERE namespace = $1 AND id = $2`,
	clear:   `DELETE FROM jobs WHERE namespace = $1`,
	listAll: `SELECT body FROM jobs WHERE namespace = $1 ORDER BY seq`,
	stamp:   func(t time.Time) any { return t },
}

func openPostgres(cfg Config, log logx.Logger) (Backend, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	b := &sqlBackend{db: db, log: log, dialect: postgresDialect}
	if err := b.migrate(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Debug("postgres storage opened")
	return b, nil
}
