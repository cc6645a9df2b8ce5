// Package storage persists permission records and the administrative audit
// trail.
//
// Drivers:
//   - "sqlite" (default): a SQLite database file
//   - "file": a JSON snapshot plus an append-only JSONL journal
//   - "memory": nothing survives the process
package storage
