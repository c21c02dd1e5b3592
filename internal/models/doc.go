// Package models defines the domain entities of the duplicate analysis engine.
//
// The package contains three categories of types:
//
// 1. Library records: the read-only view of the external track repository
//   - [Record] : A single library entry with play statistics
//
// 2. Persistent entities: database-backed analysis state
//   - [AnalysisRun] : One execution of the detection pipeline with filters, stats, snapshot and checkpoint
//   - [DuplicateGroup] : A canonical record plus its duplicates, with resolution tracking
//   - [GroupMember] : A group member carrying the immutable snapshot taken at analysis time
//   - [AuditLogEntry] : One cleanup action, never mutated after creation
//   - [UserPreferences] : Per-owner staleness thresholds
//
// 3. Ephemeral values: never persisted
//   - [AnalysisProgress] : In-memory progress of a running analysis, keyed by run id
//   - [Staleness] : Age bucket and library drift of a persisted run
//
// Entities with user-supplied input expose Validate, backed by struct tags checked with go-playground/validator.
package models
