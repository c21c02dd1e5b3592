// Package tasks runs duplicate analyses with real-time progress reporting.
//
// # Pipeline
//
// [AnalysisEngine.Run] moves a run through these phases, persisting each one:
//
//  1. starting : validate the request, snapshot the library, create the run
//  2. loading_tracks : count the records matching the search term
//  3. analyzing_similarities : stream records in batches and group each batch
//     - a checkpoint is saved every checkpoint_interval records
//     - cancellation and the deadline are polled at every checkpoint and phase change
//  4. organizing_results : drop low-confidence groups and sort by the requested key
//  5. saving_results : write groups in batches
//
// A run ends completed, failed or cancelled. Timeouts are persisted as failed with code TIMEOUT.
// Partial groups of an interrupted run are reported in [RunResult] but never saved as a result.
//
// # Reuse
//
// Unless ForceRefresh is set, a cached result or a completed run younger than the freshness
// window is returned with [OutcomeCached] and no new run is created.
//
// # Progress Reporting
//
// Progress is published two ways. The [Registry] holds pollable [models.AnalysisProgress]
// snapshots shared with other goroutines, and the optional channel receives [ProgressUpdate]
// values for CLI/UI rendering. Channel sends use select with default to prevent blocking.
//
// # Bulk Export
//
// [AnalysisEngine.BulkExport] writes several runs concurrently through a worker pool behind a
// rate limiter and records the outcome of each in a manifest.
package tasks
