// Package storage keeps an execution audit log: one record per terminal
// lifecycle event (success, failure, dropped) seen on this node.
//
// Drivers:
//   - "file":   JSON Lines append log plus an in-memory ring for Recent
//   - "sqlite": SQLite database (modernc.org/sqlite, pure Go)
//
// It is an operator aid only. Armed replicas are never persisted.
package storage
