// Package storage persists run records, rate history, forecast series,
// forecast claims and imported observations.
//
// Drivers:
//   - "memory": process-local maps (default when storage is not configured)
//   - "sqlite": SQLite database file via modernc.org/sqlite
package storage
