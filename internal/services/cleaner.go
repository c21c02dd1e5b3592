package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/crate/internal/models"
	"github.com/desertthunder/crate/internal/repositories"
	"github.com/desertthunder/crate/internal/shared"
)

// StrategyKeepCanonical deletes every live duplicate of unresolved groups and keeps the canonical record.
const StrategyKeepCanonical = "keep_canonical"

// DeleteRequest asks for records to be removed from the library.
type DeleteRequest struct {
	OwnerID   string   `json:"owner_id"`
	RunID     string   `json:"run_id,omitempty"`
	RecordIDs []string `json:"record_ids"`
	Strategy  string   `json:"strategy,omitempty"`
}

// DeleteResult reports a completed deletion.
type DeleteResult struct {
	AuditID    string             `json:"audit_id"`
	Action     models.AuditAction `json:"action"`
	Requested  int                `json:"requested"`
	Deleted    []string           `json:"deleted"`
	Resolution ResolutionReport   `json:"resolution"`
	Duration   time.Duration      `json:"duration"`
}

// Cleaner deletes library records and keeps analysis results and the audit trail in step.
type Cleaner struct {
	store   *repositories.Store
	tracker *ResolutionTracker
	audit   *AuditLog
	logger  *log.Logger
	now     func() time.Time
}

// NewCleaner creates a Cleaner.
func NewCleaner(store *repositories.Store, tracker *ResolutionTracker, audit *AuditLog, logger *log.Logger) *Cleaner {
	return &Cleaner{store: store, tracker: tracker, audit: audit, logger: logger, now: time.Now}
}

// DeleteRecords removes one or more records. A single id is audited as a single delete, more as a bulk delete.
func (c *Cleaner) DeleteRecords(ctx context.Context, req DeleteRequest) (DeleteResult, error) {
	if req.OwnerID == "" {
		return DeleteResult{}, fmt.Errorf("%w: owner is required", shared.ErrValidation)
	}

	ids := slices.Compact(slices.Sorted(slices.Values(req.RecordIDs)))
	if len(ids) > 0 && ids[0] == "" {
		ids = ids[1:]
	}
	if len(ids) == 0 {
		return DeleteResult{}, fmt.Errorf("%w: at least one record id is required", shared.ErrValidation)
	}

	action := models.ActionBulkDelete
	if len(ids) == 1 {
		action = models.ActionSingleDelete
	}
	return c.execute(ctx, action, req.Strategy, req.OwnerID, req.RunID, ids)
}

// SmartDelete deletes the live duplicates of every unresolved group in a run, keeping canonical records.
//
// Groups flagged for review are skipped, as are groups whose canonical record is already gone.
func (c *Cleaner) SmartDelete(ctx context.Context, ownerID, runID string) (DeleteResult, error) {
	run, err := c.store.Runs.Get(ctx, runID)
	if err != nil {
		return DeleteResult{}, err
	}
	if run.OwnerID != ownerID {
		return DeleteResult{}, fmt.Errorf("%w: %s", shared.ErrRunNotFound, runID)
	}

	groups, err := c.store.ConvertToGroups(ctx, run)
	if err != nil {
		return DeleteResult{}, err
	}

	ids := SmartSelection(groups)
	if len(ids) == 0 {
		return DeleteResult{Action: models.ActionSmartDelete}, nil
	}
	return c.execute(ctx, models.ActionSmartDelete, StrategyKeepCanonical, ownerID, runID, ids)
}

// SmartSelection returns the record ids a keep-canonical cleanup would delete.
func SmartSelection(groups []models.DuplicateGroup) []string {
	var ids []string
	for _, g := range groups {
		if g.Resolved || g.SuggestedAction != models.ActionDeleteDuplicates || !g.Canonical.StillExists {
			continue
		}
		for _, d := range g.Duplicates {
			if d.StillExists {
				ids = append(ids, d.ID)
			}
		}
	}
	return ids
}

func (c *Cleaner) execute(ctx context.Context, action models.AuditAction, strategy, ownerID, runID string, ids []string) (DeleteResult, error) {
	start := c.now()
	result := DeleteResult{Action: action, Requested: len(ids)}

	deleted, err := c.store.Library.Delete(ctx, ids)
	if err == nil {
		result.Deleted = deleted
		result.Resolution, err = c.tracker.OnRecordsDeleted(ctx, deleted, ownerID)
	}
	result.Duration = c.now().Sub(start)

	entry := &models.AuditLogEntry{
		RunID:          runID,
		OwnerID:        ownerID,
		Action:         action,
		Strategy:       strategy,
		RecordIDs:      ids,
		RequestedCount: len(ids),
		AffectedCount:  len(deleted),
		GroupsAffected: result.Resolution.GroupsAffected,
		Success:        err == nil,
		Duration:       result.Duration,
	}
	if err != nil {
		entry.ErrorMessage = err.Error()
	}

	if auditErr := c.audit.Record(ctx, entry); auditErr != nil {
		c.logger.Error("failed to record cleanup", "action", action, "error", auditErr)
		err = errors.Join(err, auditErr)
	}
	result.AuditID = entry.ID

	if err != nil {
		return result, err
	}

	c.logger.Info("deleted records", "action", action, "requested", len(ids), "deleted", len(deleted), "duration", result.Duration)
	return result, nil
}
