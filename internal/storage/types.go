package storage

import (
	"context"
	"errors"
	"time"

	"syncq/internal/job"
)

var (
	ErrClosed        = errors.New("storage closed")
	ErrNotFound      = errors.New("job not found")
	ErrBadNamespace  = errors.New("storage namespace is required")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Config configures storage.
//
// Driver values: "file", "sqlite", "postgres", "memory".
type Config struct {
	Driver string
	// Path is the file prefix (file) or database file (sqlite).
	Path string
	// DSN is the connection string (postgres).
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// CompactEvery folds the journal into the snapshot after this many
	// journal appends (file only). 0 means default.
	CompactEvery int
}

// JobStore is one namespace of durable descriptors, keyed by descriptor ID.
type JobStore interface {
	Put(ctx context.Context, d job.Descriptor) error
	Get(ctx context.Context, id string) (job.Descriptor, bool, error)
	Remove(ctx context.Context, id string) error
	ClearAll(ctx context.Context) error
	// ListAll returns every record ordered by submission sequence.
	ListAll(ctx context.Context) ([]job.Descriptor, error)
}

// Backend owns the underlying medium and hands out namespaced stores.
type Backend interface {
	Jobs(namespace string) JobStore
	Close() error
}
