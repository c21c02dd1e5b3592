// Package services keeps persisted analysis results consistent with the library after cleanup.
//
// # Resolution Tracking
//
// [ResolutionTracker.OnRecordsDeleted] is called after records leave the library. It marks every
// snapshot of those records as deleted and re-classifies the affected groups:
//   - all_deleted: no live member remains
//   - canonical_deleted: the canonical record is gone
//   - duplicates_deleted: only the canonical record remains
//   - partial_cleanup: some duplicates remain
//
// A group is resolved once at most one live member remains. The resolved flag never reverts.
// Every call clears the result cache, so readers see eventually consistent groups.
//
// # Cleanup
//
// [Cleaner] deletes records one at a time, in bulk, or with the keep-canonical strategy of
// [Cleaner.SmartDelete]. Each operation notifies the tracker and writes one immutable [models.AuditLogEntry],
// including failed operations.
//
// # Audit Trail
//
// [AuditLog.Query] returns an owner's operations with a records-per-second efficiency score.
// [AuditLog.Summary] aggregates them and compares efficiency between the older and newer half of the window.
//
// # Error Handling
//
// Services return the sentinel errors from the shared package:
//   - [shared.ErrValidation] : missing owner or record ids
//   - [shared.ErrRunNotFound] : run does not exist or belongs to another owner
//   - [shared.ErrTransientStorage] : database busy or locked
package services
