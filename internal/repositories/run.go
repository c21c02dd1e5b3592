package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/crate/internal/models"
	"github.com/desertthunder/crate/internal/shared"
)

const runColumns = `
	id, sequence, owner_id, status, search_term, sort_by, min_confidence,
	groups_found, duplicates_found, average_similarity, tracks_analyzed,
	snapshot_track_count, snapshot_last_modified,
	checkpoint_processed, checkpoint_total, checkpoint_groups, checkpoint_at,
	error_message, diagnostics, created_at, completed_at, updated_at`

const terminalStatuses = `('completed', 'failed', 'cancelled')`

// RunRepository persists [models.AnalysisRun] rows.
type RunRepository struct {
	db *sql.DB
}

// NewRunRepository creates a new RunRepository with the given database connection
func NewRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Create inserts a run with the next sequence number.
func (r *RunRepository) Create(ctx context.Context, run *models.AnalysisRun) error {
	if err := run.Validate(); err != nil {
		return err
	}

	sequence, err := NextSequence(ctx, r.db, "analysis_runs")
	if err != nil {
		return fmt.Errorf("failed to generate sequence: %w", err)
	}
	run.Sequence = sequence

	query := `
		INSERT INTO analysis_runs (
			id, sequence, owner_id, status, search_term, sort_by, min_confidence,
			snapshot_track_count, snapshot_last_modified, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, query,
		run.ID,
		run.Sequence,
		run.OwnerID,
		run.Status,
		run.Filters.SearchTerm,
		run.Filters.SortBy,
		run.Filters.MinConfidence,
		run.Snapshot.TrackCount,
		utcPtr(run.Snapshot.LastModified),
		run.CreatedAt.UTC(),
		run.UpdatedAt.UTC(),
	)
	return wrap(err, "failed to insert run")
}

// Get retrieves a run by ID.
func (r *RunRepository) Get(ctx context.Context, id string) (*models.AnalysisRun, error) {
	run, err := scanRun(r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM analysis_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", shared.ErrRunNotFound, id)
	}
	return run, err
}

// UpdateStatus moves a run to status if the transition is allowed.
func (r *RunRepository) UpdateStatus(ctx context.Context, id string, status models.RunStatus) error {
	run, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if !run.Status.CanTransition(status) {
		return fmt.Errorf("%w: run %s cannot move from %s to %s", shared.ErrConsistency, id, run.Status, status)
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE analysis_runs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		status, time.Now().UTC(), id, run.Status)
	return wrap(err, "failed to update run status")
}

// SaveCheckpoint records in-progress counters for a run that has not finished.
func (r *RunRepository) SaveCheckpoint(ctx context.Context, id string, cp models.Checkpoint) error {
	now := time.Now().UTC()
	if cp.At == nil {
		cp.At = &now
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE analysis_runs
		SET checkpoint_processed = ?, checkpoint_total = ?, checkpoint_groups = ?, checkpoint_at = ?, updated_at = ?
		WHERE id = ? AND status NOT IN `+terminalStatuses,
		cp.Processed, cp.Total, cp.GroupsFound, cp.At.UTC(), now, id)
	return wrap(err, "failed to save checkpoint")
}

// SaveSnapshot records the library state a run was started against.
func (r *RunRepository) SaveSnapshot(ctx context.Context, id string, snap models.LibrarySnapshot) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE analysis_runs
		SET snapshot_track_count = ?, snapshot_last_modified = ?, updated_at = ?
		WHERE id = ? AND status NOT IN `+terminalStatuses,
		snap.TrackCount, utcPtr(snap.LastModified), time.Now().UTC(), id)
	return wrap(err, "failed to save snapshot")
}

// Complete marks a run completed with its final stats.
//
// Returns [shared.ErrConsistency] when the run already reached a terminal status.
func (r *RunRepository) Complete(ctx context.Context, id string, stats models.RunStats) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE analysis_runs
		SET status = ?, groups_found = ?, duplicates_found = ?, average_similarity = ?, tracks_analyzed = ?,
			completed_at = ?, updated_at = ?
		WHERE id = ? AND status NOT IN `+terminalStatuses,
		models.StatusCompleted, stats.GroupsFound, stats.DuplicatesFound, stats.AverageSimilarity, stats.TracksAnalyzed,
		now, now, id)
	if err != nil {
		return wrap(err, "failed to complete run")
	}
	return r.expectFinished(res, id)
}

// Finish marks a run failed or cancelled with a message and diagnostic payload.
//
// Partial stats are kept so a failed run is never reported as empty.
func (r *RunRepository) Finish(ctx context.Context, id string, status models.RunStatus, stats models.RunStats, diag *shared.DiagnosticError) error {
	if status != models.StatusFailed && status != models.StatusCancelled {
		return fmt.Errorf("%w: %s is not a failure status", shared.ErrInvalidArgument, status)
	}

	var (
		message string
		payload []byte
	)
	if diag != nil {
		message = diag.Error()
		var err error
		if payload, err = json.Marshal(diag); err != nil {
			return fmt.Errorf("failed to encode diagnostics: %w", err)
		}
	}

	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE analysis_runs
		SET status = ?, groups_found = ?, duplicates_found = ?, average_similarity = ?, tracks_analyzed = ?,
			error_message = ?, diagnostics = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status NOT IN `+terminalStatuses,
		status, stats.GroupsFound, stats.DuplicatesFound, stats.AverageSimilarity, stats.TracksAnalyzed,
		message, string(payload), now, now, id)
	if err != nil {
		return wrap(err, "failed to finish run")
	}
	return r.expectFinished(res, id)
}

func (r *RunRepository) expectFinished(res sql.Result, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: run %s not found or already finished", shared.ErrConsistency, id)
	}
	return nil
}

// Latest returns the newest completed run for an owner with the same filters.
func (r *RunRepository) Latest(ctx context.Context, ownerID string, filters models.Filters) (*models.AnalysisRun, error) {
	f := filters.Normalized()
	query := `SELECT ` + runColumns + ` FROM analysis_runs
		WHERE owner_id = ? AND status = ? AND search_term = ? AND sort_by = ? AND ABS(min_confidence - ?) < 1e-9
		ORDER BY sequence DESC LIMIT 1`

	run, err := scanRun(r.db.QueryRowContext(ctx, query, ownerID, models.StatusCompleted, f.SearchTerm, f.SortBy, f.MinConfidence))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no completed run for owner %s", shared.ErrRunNotFound, ownerID)
	}
	return run, err
}

// List returns an owner's runs, newest first. A limit of zero returns every run.
func (r *RunRepository) List(ctx context.Context, ownerID string, limit int) ([]*models.AnalysisRun, error) {
	query := `SELECT ` + runColumns + ` FROM analysis_runs WHERE owner_id = ? ORDER BY sequence DESC`
	args := []any{ownerID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(err, "failed to query runs")
	}
	defer rows.Close()

	var runs []*models.AnalysisRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, wrap(err, "row iteration error")
	}

	return runs, nil
}

// DeleteOlderThan removes finished runs created before cutoff. Groups and tracks cascade.
func (r *RunRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM analysis_runs WHERE created_at < ? AND status IN `+terminalStatuses, cutoff.UTC())
	if err != nil {
		return 0, wrap(err, "failed to delete expired runs")
	}
	return res.RowsAffected()
}

// TrimPerOwner keeps the newest keep finished runs for every owner and deletes the rest.
func (r *RunRepository) TrimPerOwner(ctx context.Context, keep int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM analysis_runs WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY owner_id ORDER BY sequence DESC) AS rn
				FROM analysis_runs
				WHERE status IN `+terminalStatuses+`
			) WHERE rn > ?
		)`, keep)
	if err != nil {
		return 0, wrap(err, "failed to trim runs")
	}
	return res.RowsAffected()
}

func scanRun(s scanner) (*models.AnalysisRun, error) {
	var (
		run            models.AnalysisRun
		snapshotMod    sql.NullTime
		checkpointAt   sql.NullTime
		completedAt    sql.NullTime
		errorMessage   sql.NullString
		diagnostics    sql.NullString
		sortBy, status string
	)

	err := s.Scan(
		&run.ID, &run.Sequence, &run.OwnerID, &status,
		&run.Filters.SearchTerm, &sortBy, &run.Filters.MinConfidence,
		&run.Stats.GroupsFound, &run.Stats.DuplicatesFound, &run.Stats.AverageSimilarity, &run.Stats.TracksAnalyzed,
		&run.Snapshot.TrackCount, &snapshotMod,
		&run.Checkpoint.Processed, &run.Checkpoint.Total, &run.Checkpoint.GroupsFound, &checkpointAt,
		&errorMessage, &diagnostics, &run.CreatedAt, &completedAt, &run.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, wrap(err, "failed to scan run")
	}

	run.Status = models.RunStatus(status)
	run.Filters.SortBy = models.SortKey(sortBy)
	run.Snapshot.LastModified = timePtr(snapshotMod)
	run.Checkpoint.At = timePtr(checkpointAt)
	run.CompletedAt = timePtr(completedAt)
	run.ErrorMessage = errorMessage.String
	if diagnostics.Valid && diagnostics.String != "" {
		run.Diagnostics = json.RawMessage(diagnostics.String)
	}
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	return &run, nil
}
