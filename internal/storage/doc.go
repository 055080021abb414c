// Package storage persists per-task progress records so an interrupted run
// can be resumed.
//
// Drivers:
//   - file: one indented JSON file per handle
//   - sqlite: one row per handle (modernc.org/sqlite, pure Go)
//   - none: in-memory only
package storage
