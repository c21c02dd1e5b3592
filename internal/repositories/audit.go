package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/desertthunder/crate/internal/models"
)

// AuditRepository appends and reads cleanup audit entries. Entries are never updated.
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository creates a new AuditRepository with the given database connection
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create appends an entry.
func (r *AuditRepository) Create(ctx context.Context, e *models.AuditLogEntry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	ids, err := json.Marshal(e.RecordIDs)
	if err != nil {
		return fmt.Errorf("failed to encode record ids: %w", err)
	}

	var runID any
	if e.RunID != "" {
		runID = e.RunID
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_entries (
			id, run_id, owner_id, action, strategy, record_ids, requested_count, affected_count,
			groups_affected, success, error_message, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, runID, e.OwnerID, e.Action, e.Strategy, string(ids), e.RequestedCount, e.AffectedCount,
		e.GroupsAffected, e.Success, e.ErrorMessage, e.Duration.Milliseconds(), e.CreatedAt.UTC(),
	)
	return wrap(err, "failed to insert audit entry")
}

// List returns an owner's entries created in [since, until), oldest first.
// A zero since or until leaves that side of the window open.
func (r *AuditRepository) List(ctx context.Context, ownerID string, since, until time.Time) ([]models.AuditLogEntry, error) {
	query := `
		SELECT id, run_id, owner_id, action, strategy, record_ids, requested_count, affected_count,
			groups_affected, success, error_message, duration_ms, created_at
		FROM audit_entries
		WHERE owner_id = ?`
	args := []any{ownerID}

	if !since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, since.UTC())
	}
	if !until.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, until.UTC())
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(err, "failed to query audit entries")
	}
	defer rows.Close()

	var entries []models.AuditLogEntry
	for rows.Next() {
		var (
			e          models.AuditLogEntry
			runID      sql.NullString
			action     string
			ids        string
			errMessage sql.NullString
			durationMS int64
		)
		err := rows.Scan(&e.ID, &runID, &e.OwnerID, &action, &e.Strategy, &ids, &e.RequestedCount, &e.AffectedCount,
			&e.GroupsAffected, &e.Success, &errMessage, &durationMS, &e.CreatedAt)
		if err != nil {
			return nil, wrap(err, "failed to scan audit entry")
		}
		if err := json.Unmarshal([]byte(ids), &e.RecordIDs); err != nil {
			return nil, fmt.Errorf("failed to decode record ids of %s: %w", e.ID, err)
		}

		e.RunID = runID.String
		e.Action = models.AuditAction(action)
		e.ErrorMessage = errMessage.String
		e.Duration = time.Duration(durationMS) * time.Millisecond
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, wrap(err, "row iteration error")
	}
	return entries, nil
}
