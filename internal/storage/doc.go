// Package storage is the durable record of queued job descriptors.
//
// Every backend namespaces records (one namespace per job type) and serializes
// all operations through a single writer, so ClearAll can never interleave
// with a concurrent Put. Writes are durable before the call returns.
//
// Drivers:
//   - "file":     per-namespace snapshot + fsync'd JSONL journal
//   - "sqlite":   modernc.org/sqlite, synchronous=FULL
//   - "postgres": jackc/pgx/v5 via database/sql
//   - "memory":   not durable; tests and dry runs
package storage
