package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"syncq/internal/job"
	logx "syncq/pkg/logx"
)

// sqlDialect holds the statements that differ between drivers.
type sqlDialect struct {
	name    string
	upsert  string
	get     string
	remove  string
	clear   string
	listAll string
	// stamp formats updated_at for the driver.
	stamp func(t time.Time) any
}

// sqlBackend serializes every statement through mu so ClearAll cannot
// interleave with a Put from another queue or goroutine.
type sqlBackend struct {
	mu      sync.Mutex
	db      *sql.DB
	log     logx.Logger
	dialect sqlDialect
	closed  bool
}

func (b *sqlBackend) migrate(ctx context.Context, ddl string) error {
	_, err := b.db.ExecContext(ctx, ddl)
	return err
}

func (b *sqlBackend) Jobs(namespace string) JobStore {
	return &sqlJobs{b: b, ns: strings.TrimSpace(namespace)}
}

func (b *sqlBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.db == nil {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

func (b *sqlBackend) check(ns string) error {
	if b.closed {
		return ErrClosed
	}
	if ns == "" {
		return ErrBadNamespace
	}
	return nil
}

type sqlJobs struct {
	b  *sqlBackend
	ns string
}

func (s *sqlJobs) Put(ctx context.Context, d job.Descriptor) error {
	body, err := json.Marshal(d)
	if err != nil {
		return err
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if err := s.b.check(s.ns); err != nil {
		return err
	}
	_, err = s.b.db.ExecContext(ctx, s.b.dialect.upsert, s.ns, d.ID, int64(d.Seq), string(body), s.b.dialect.stamp(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("%s put %s: %w", s.b.dialect.name, d.ID, err)
	}
	return nil
}

func (s *sqlJobs) Get(ctx context.Context, id string) (job.Descriptor, bool, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if err := s.b.check(s.ns); err != nil {
		return job.Descriptor{}, false, err
	}
	var body string
	err := s.b.db.QueryRowContext(ctx, s.b.dialect.get, s.ns, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Descriptor{}, false, nil
	}
	if err != nil {
		return job.Descriptor{}, false, err
	}
	var d job.Descriptor
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return job.Descriptor{}, false, fmt.Errorf("decode %s: %w", id, err)
	}
	return d, true, nil
}

func (s *sqlJobs) Remove(ctx context.Context, id string) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if err := s.b.check(s.ns); err != nil {
		return err
	}
	_, err := s.b.db.ExecContext(ctx, s.b.dialect.remove, s.ns, id)
	return err
}

func (s *sqlJobs) ClearAll(ctx context.Context) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if err := s.b.check(s.ns); err != nil {
		return err
	}
	// A purge must not be skipped because the caller is shutting down.
	_, err := s.b.db.ExecContext(context.WithoutCancel(ctx), s.b.dialect.clear, s.ns)
	return err
}

func (s *sqlJobs) ListAll(ctx context.Context) ([]job.Descriptor, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if err := s.b.check(s.ns); err != nil {
		return nil, err
	}
	rows, err := s.b.db.QueryContext(ctx, s.b.dialect.listAll, s.ns)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.Descriptor
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var d job.Descriptor
		if err := json.Unmarshal([]byte(body), &d); err != nil {
			s.b.log.Warn("skipping undecodable job row", logx.String("ns", s.ns), logx.Err(err))
			continue
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortBySeq(out)
	return out, nil
}
