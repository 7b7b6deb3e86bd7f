// Package storage persists the scheduler's job table and the dispatch audit log.
//
// Drivers:
//   - file: JSON snapshot + append-only journal for jobs, JSON Lines for audit
//   - sqlite: a single SQLite database file
package storage
