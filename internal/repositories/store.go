package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/crate/internal/models"
	"github.com/desertthunder/crate/internal/shared"
)

// DefaultPageSize is the number of groups [Store.StreamGroups] loads per query.
const DefaultPageSize = 100

// SaveResult reports how far a batched group write got.
//
// Batches are committed independently, so a failed save may leave earlier batches durable.
type SaveResult struct {
	BatchesWritten int
	BatchesFailed  int
	BatchesSkipped int
	GroupsWritten  int
	Errors         []error
}

// Complete reports whether every batch was written.
func (r SaveResult) Complete() bool {
	return r.BatchesFailed == 0 && r.BatchesSkipped == 0
}

// Err joins the batch errors, or returns nil.
func (r SaveResult) Err() error {
	return errors.Join(r.Errors...)
}

// CleanupResult counts runs removed by [Store.Cleanup].
type CleanupResult struct {
	Expired int64
	Trimmed int64
}

// Store persists analysis runs, their groups and member snapshots.
//
// It composes the per-entity repositories and adds the cross-table operations:
// batched saves, conversion against the live library, staleness and retention.
type Store struct {
	db          *sql.DB
	Library     *LibraryRepository
	Runs        *RunRepository
	Groups      *GroupRepository
	Audit       *AuditRepository
	Preferences *PreferencesRepository

	batchSize int
	retry     shared.RetryPolicy
	logger    *log.Logger
	now       func() time.Time
}

// NewStore wires every repository over db using the analysis and staleness settings in cfg.
func NewStore(db *sql.DB, cfg *shared.Config, logger *log.Logger) *Store {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &Store{
		db:          db,
		Library:     NewLibraryRepository(db),
		Runs:        NewRunRepository(db),
		Groups:      NewGroupRepository(db),
		Audit:       NewAuditRepository(db),
		Preferences: NewPreferencesRepository(db, cfg.Staleness),
		batchSize:   max(cfg.Analysis.SaveBatchSize, 1),
		retry:       shared.NewRetryPolicy(cfg.Analysis, logger),
		logger:      logger,
		now:         time.Now,
	}
}

// DB returns the underlying connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateRun inserts a new run row.
func (s *Store) CreateRun(ctx context.Context, run *models.AnalysisRun) error {
	return s.retry.Do(ctx, "create run", func(ctx context.Context) error {
		return s.Runs.Create(ctx, run)
	})
}

// UpdateStatus moves a run to its next phase.
func (s *Store) UpdateStatus(ctx context.Context, runID string, status models.RunStatus) error {
	return s.retry.Do(ctx, "update run status", func(ctx context.Context) error {
		return s.Runs.UpdateStatus(ctx, runID, status)
	})
}

// SaveCheckpoint persists in-progress counters.
func (s *Store) SaveCheckpoint(ctx context.Context, runID string, cp models.Checkpoint) error {
	return s.retry.Do(ctx, "save checkpoint", func(ctx context.Context) error {
		return s.Runs.SaveCheckpoint(ctx, runID, cp)
	})
}

// SaveSnapshot stores the library snapshot of a run.
func (s *Store) SaveSnapshot(ctx context.Context, runID string, snap models.LibrarySnapshot) error {
	return s.retry.Do(ctx, "save snapshot", func(ctx context.Context) error {
		return s.Runs.SaveSnapshot(ctx, runID, snap)
	})
}

// SaveGroups writes groups in batches, retrying transient failures per batch.
//
// The first batch that still fails stops the write; remaining batches are counted as skipped.
func (s *Store) SaveGroups(ctx context.Context, runID string, groups []models.DuplicateGroup) SaveResult {
	var result SaveResult
	total := (len(groups) + s.batchSize - 1) / s.batchSize

	for start := 0; start < len(groups); start += s.batchSize {
		end := min(start+s.batchSize, len(groups))
		batch := groups[start:end]

		err := s.retry.Do(ctx, "save groups", func(ctx context.Context) error {
			return s.Groups.SaveBatch(ctx, runID, start, batch)
		})
		if err != nil {
			result.BatchesFailed++
			result.Errors = append(result.Errors, fmt.Errorf("batch %d (groups %d-%d): %w", result.BatchesWritten+1, start, end-1, err))
			result.BatchesSkipped = total - result.BatchesWritten - result.BatchesFailed
			return result
		}

		result.BatchesWritten++
		result.GroupsWritten += len(batch)
		s.logger.Debug("saved group batch", "run_id", runID, "batch", result.BatchesWritten, "of", total, "groups", len(batch))
	}
	return result
}

// CompleteRun marks a run completed with final stats.
func (s *Store) CompleteRun(ctx context.Context, runID string, stats models.RunStats) error {
	return s.retry.Do(ctx, "complete run", func(ctx context.Context) error {
		return s.Runs.Complete(ctx, runID, stats)
	})
}

// FailRun marks a run failed or cancelled with its diagnostic payload.
func (s *Store) FailRun(ctx context.Context, runID string, status models.RunStatus, stats models.RunStats, diag *shared.DiagnosticError) error {
	return s.retry.Do(ctx, "finish run", func(ctx context.Context) error {
		return s.Runs.Finish(ctx, runID, status, stats, diag)
	})
}

// Save writes a run, its groups and final stats in one call.
func (s *Store) Save(ctx context.Context, run *models.AnalysisRun, groups []models.DuplicateGroup, stats models.RunStats) (SaveResult, error) {
	if err := s.CreateRun(ctx, run); err != nil {
		return SaveResult{}, err
	}

	result := s.SaveGroups(ctx, run.ID, groups)
	if !result.Complete() {
		return result, result.Err()
	}
	if err := s.CompleteRun(ctx, run.ID, stats); err != nil {
		return result, err
	}

	run.Status = models.StatusCompleted
	run.Stats = stats
	return result, nil
}

// Load returns a run with every group and member snapshot.
func (s *Store) Load(ctx context.Context, runID string) (*models.AnalysisRun, []models.DuplicateGroup, error) {
	run, err := s.Runs.Get(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	groups, err := s.Groups.ListByRun(ctx, runID, 0, 0)
	if err != nil {
		return nil, nil, err
	}
	return run, groups, nil
}

// GetRun returns a run without its groups.
func (s *Store) GetRun(ctx context.Context, runID string) (*models.AnalysisRun, error) {
	return s.Runs.Get(ctx, runID)
}

// LatestRun returns the newest completed run for owner and filters.
func (s *Store) LatestRun(ctx context.Context, ownerID string, filters models.Filters) (*models.AnalysisRun, error) {
	return s.Runs.Latest(ctx, ownerID, filters)
}

// ListRuns returns an owner's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, ownerID string, limit int) ([]*models.AnalysisRun, error) {
	return s.Runs.List(ctx, ownerID, limit)
}

// ConvertToGroups re-resolves a run's members against the live library.
//
// Members whose record is gone are rebuilt from their snapshot with StillExists false.
// Groups without a canonical snapshot are dropped with a consistency warning.
func (s *Store) ConvertToGroups(ctx context.Context, run *models.AnalysisRun) ([]models.DuplicateGroup, error) {
	stored, err := s.Groups.ListByRun(ctx, run.ID, 0, 0)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, g := range stored {
		ids = append(ids, g.RecordIDs()...)
	}
	live, err := s.Library.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	resolve := func(m models.GroupMember) models.GroupMember {
		if rec, ok := live[m.ID]; ok && m.StillExists {
			m.Record = rec
			return m
		}
		m.StillExists = false
		if m.DeletedAt == nil {
			m.DeletedAt = &now
		}
		return m
	}

	groups := make([]models.DuplicateGroup, 0, len(stored))
	for _, g := range stored {
		if !g.Canonical.IsCanonical {
			s.logger.Warn("dropping group without canonical member", "run_id", run.ID, "group_id", g.ID, "error", shared.ErrConsistency)
			continue
		}

		g.Canonical = resolve(g.Canonical)
		for i := range g.Duplicates {
			g.Duplicates[i] = resolve(g.Duplicates[i])
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// ComputeStaleness classifies a run's age and compares its library snapshot with the current library.
func (s *Store) ComputeStaleness(ctx context.Context, run *models.AnalysisRun) (models.Staleness, error) {
	prefs, err := s.Preferences.Get(ctx, run.OwnerID)
	if err != nil {
		return models.Staleness{}, err
	}
	current, err := s.Library.Snapshot(ctx)
	if err != nil {
		return models.Staleness{}, err
	}
	return Assess(run, current, prefs, s.now()), nil
}

// Assess computes staleness from a run, the current library snapshot and the owner's thresholds.
func Assess(run *models.AnalysisRun, current models.LibrarySnapshot, prefs models.UserPreferences, now time.Time) models.Staleness {
	age := max(run.Age(now), 0)
	st := models.Staleness{
		RunID:              run.ID,
		Level:              models.ClassifyAge(age, prefs),
		Age:                age,
		SnapshotTrackCount: run.Snapshot.TrackCount,
		CurrentTrackCount:  current.TrackCount,
		TrackDelta:         current.TrackCount - run.Snapshot.TrackCount,
	}

	delta := st.TrackDelta
	if delta < 0 {
		delta = -delta
	}
	if run.Snapshot.TrackCount > 0 {
		st.ChangePercent = float64(delta) / float64(run.Snapshot.TrackCount) * 100
	} else if delta > 0 {
		st.ChangePercent = 100
	}

	if current.LastModified != nil {
		st.LibraryModified = run.Snapshot.LastModified == nil || current.LastModified.After(*run.Snapshot.LastModified)
	}

	if st.Level == models.StalenessStale || st.Level == models.StalenessVeryStale {
		st.Reasons = append(st.Reasons, fmt.Sprintf("results are %s", st.Level))
	}
	if st.ChangePercent > prefs.ChangePercent {
		st.Reasons = append(st.Reasons, fmt.Sprintf("library size changed by %.1f%%", st.ChangePercent))
	}
	if delta > prefs.ChangeAbsolute {
		st.Reasons = append(st.Reasons, fmt.Sprintf("%d records added or removed", delta))
	}
	st.RecommendRefresh = len(st.Reasons) > 0
	return st
}

// Cleanup deletes finished runs older than retentionDays, then keeps at most maxRunsPerOwner per owner.
func (s *Store) Cleanup(ctx context.Context, retentionDays, maxRunsPerOwner int) (CleanupResult, error) {
	var result CleanupResult

	cutoff := s.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	expired, err := s.Runs.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return result, err
	}
	result.Expired = expired

	trimmed, err := s.Runs.TrimPerOwner(ctx, maxRunsPerOwner)
	if err != nil {
		return result, err
	}
	result.Trimmed = trimmed

	s.logger.Info("cleaned up analysis runs", "expired", expired, "trimmed", trimmed)
	return result, nil
}

// StreamGroups pages through a run's stored groups, calling fn once per page.
func (s *Store) StreamGroups(ctx context.Context, runID string, pageSize int, fn func([]models.DuplicateGroup) error) error {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	for offset := 0; ; offset += pageSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := s.Groups.ListByRun(ctx, runID, offset, pageSize)
		if err != nil {
			return err
		}
		if len(page) > 0 {
			if err := fn(page); err != nil {
				return err
			}
		}
		if len(page) < pageSize {
			return nil
		}
	}
}
