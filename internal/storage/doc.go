// Package storage records the outcome of every push delivery attempt.
//
// The log is append-only and write-mostly: the dispatch engine appends, the
// scheduler prunes by age. Nothing reads it back into the endpoint registry.
//
// Drivers:
//   - "file":     JSON Lines, no external dependency
//   - "sqlite":   embedded database file (modernc.org/sqlite)
//   - "postgres": shared database server (lib/pq)
package storage
