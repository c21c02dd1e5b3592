// Package repositories implements SQLite persistence for library records and analysis results.
//
// Each repository wraps a single table family and returns domain models from [models].
// Library records are soft deleted via deleted_at and excluded from queries by default.
// SQLite busy and locked errors are wrapped as [shared.ErrTransientStorage] so callers can retry them.
//
// Key Implementations:
//   - [LibraryRepository] : the record store analysis runs read from
//   - [RunRepository] : analysis runs with status, checkpoints and diagnostics
//   - [GroupRepository] : duplicate groups and immutable member snapshots
//   - [AuditRepository] : append-only cleanup audit trail
//   - [PreferencesRepository] : per-owner staleness thresholds
//   - [Store] : batched saves, live conversion, staleness and retention across the above
//
// Run sequence numbers provide stable ordering independent of UUIDs and timestamp precision.
// The [NextSequence] function atomically increments per-table sequence counters in dedicated sequence tables.
package repositories
