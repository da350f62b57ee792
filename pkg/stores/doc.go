// Package stores provides the run history persistence layer for Surge.
// It includes SQLite-based storage with WAL mode, connection pooling,
// and query operations for past runs, per-resource results and
// progress events, plus retention pruning.
package stores
