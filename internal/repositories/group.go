package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/crate/internal/models"
	"github.com/desertthunder/crate/internal/shared"
)

const groupColumns = `id, run_id, canonical_record_id, suggested_action, average_similarity, resolved, resolution, last_outcome, resolved_at`

const trackColumns = `group_id, record_id, is_canonical, similarity, title, artist, album, play_count, last_played_at, date_added, deleted_at`

// TrackRef locates a live snapshot row of a record inside a persisted group.
type TrackRef struct {
	GroupID     string
	RunID       string
	RecordID    string
	IsCanonical bool
}

// GroupState summarizes the live membership of a persisted group.
type GroupState struct {
	GroupID       string
	RunID         string
	Resolved      bool
	Members       int
	Live          int
	CanonicalLive bool
}

// ImpactCounts aggregates deletions applied to one run's groups.
type ImpactCounts struct {
	Groups            int
	ResolvedGroups    int
	Tracks            int
	DeletedTracks     int
	CanonicalDeleted  int
	DuplicatesDeleted int
	Resolutions       map[models.Resolution]int
}

// GroupRepository persists duplicate groups and the immutable track snapshots of their members.
type GroupRepository struct {
	db *sql.DB
}

// NewGroupRepository creates a new GroupRepository with the given database connection
func NewGroupRepository(db *sql.DB) *GroupRepository {
	return &GroupRepository{db: db}
}

// SaveBatch writes groups and their member snapshots in one transaction.
//
// position is the sort position of the first group, so batches written in order keep the run's ordering.
func (r *GroupRepository) SaveBatch(ctx context.Context, runID string, position int, groups []models.DuplicateGroup) error {
	now := time.Now().UTC()

	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		for i := range groups {
			g := &groups[i]
			if g.ID == "" {
				g.ID = shared.GenerateID()
			}
			g.RunID = runID

			_, err := tx.ExecContext(ctx, `
				INSERT INTO duplicate_groups (
					id, run_id, position, canonical_record_id, suggested_action, average_similarity,
					member_count, resolved, resolution, resolved_at, created_at, updated_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				g.ID, runID, position+i, g.Canonical.ID, g.SuggestedAction, g.AverageSimilarity,
				g.Size(), g.Resolved, string(g.Resolution), utcPtr(g.ResolvedAt), now, now,
			)
			if err != nil {
				return wrap(err, "failed to insert group")
			}

			for pos, m := range g.Members() {
				_, err := tx.ExecContext(ctx, `
					INSERT INTO group_tracks (
						group_id, run_id, record_id, is_canonical, position, similarity,
						title, artist, album, play_count, last_played_at, date_added, deleted_at
					) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					g.ID, runID, m.ID, pos == 0, pos, m.Similarity,
					m.Title, m.Artist, m.Album, m.PlayCount, utcPtr(m.LastPlayedAt), m.DateAdded.UTC(), utcPtr(m.DeletedAt),
				)
				if err != nil {
					return wrap(err, "failed to insert group track")
				}
			}
		}
		return nil
	})
}

// Get retrieves one group with its members.
func (r *GroupRepository) Get(ctx context.Context, groupID string) (*models.DuplicateGroup, error) {
	groups, err := r.list(ctx, `SELECT `+groupColumns+` FROM duplicate_groups WHERE id = ?`, groupID)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("%w: %s", shared.ErrGroupNotFound, groupID)
	}
	return &groups[0], nil
}

// ListByRun returns one page of a run's groups in saved order. A limit of zero returns every group.
func (r *GroupRepository) ListByRun(ctx context.Context, runID string, offset, limit int) ([]models.DuplicateGroup, error) {
	if limit <= 0 {
		limit = -1
	}
	return r.list(ctx,
		`SELECT `+groupColumns+` FROM duplicate_groups WHERE run_id = ? ORDER BY position ASC LIMIT ? OFFSET ?`,
		runID, limit, offset)
}

// CountByRun returns the number of groups saved for a run.
func (r *GroupRepository) CountByRun(ctx context.Context, runID string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM duplicate_groups WHERE run_id = ?`, runID).Scan(&n); err != nil {
		return 0, wrap(err, "failed to count groups")
	}
	return n, nil
}

// list loads group rows first, then their members, so no result set stays open across queries.
func (r *GroupRepository) list(ctx context.Context, query string, args ...any) ([]models.DuplicateGroup, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(err, "failed to query groups")
	}

	var (
		groups    []models.DuplicateGroup
		canonical []string
	)
	for rows.Next() {
		g, canonicalID, err := scanGroup(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		groups = append(groups, g)
		canonical = append(canonical, canonicalID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "row iteration error")
	}
	if len(groups) == 0 {
		return nil, nil
	}

	index := make(map[string]int, len(groups))
	ids := make([]string, len(groups))
	for i, g := range groups {
		index[g.ID] = i
		ids[i] = g.ID
	}

	for _, part := range chunk(ids, idChunk) {
		if err := r.loadMembers(ctx, part, func(groupID string, m models.GroupMember) {
			g := &groups[index[groupID]]
			if m.IsCanonical {
				g.Canonical = m
				return
			}
			g.Duplicates = append(g.Duplicates, m)
		}); err != nil {
			return nil, err
		}
	}

	for i := range groups {
		if groups[i].Canonical.ID == "" {
			groups[i].Canonical.ID = canonical[i]
		}
	}
	return groups, nil
}

func (r *GroupRepository) loadMembers(ctx context.Context, groupIDs []string, fn func(string, models.GroupMember)) error {
	query := `SELECT ` + trackColumns + ` FROM group_tracks WHERE group_id IN (` + placeholders(len(groupIDs)) + `) ORDER BY group_id, position`

	rows, err := r.db.QueryContext(ctx, query, toArgs(groupIDs)...)
	if err != nil {
		return wrap(err, "failed to query group tracks")
	}
	defer rows.Close()

	for rows.Next() {
		groupID, m, err := scanMember(rows)
		if err != nil {
			return err
		}
		fn(groupID, m)
	}
	return wrap(rows.Err(), "row iteration error")
}

// LiveRefs returns the undeleted snapshot rows referencing recordIDs in the owner's runs.
func (r *GroupRepository) LiveRefs(ctx context.Context, ownerID string, recordIDs []string) ([]TrackRef, error) {
	var refs []TrackRef
	for _, part := range chunk(recordIDs, idChunk) {
		query := `
			SELECT t.group_id, t.run_id, t.record_id, t.is_canonical
			FROM group_tracks t
			JOIN analysis_runs r ON r.id = t.run_id
			WHERE r.owner_id = ? AND t.deleted_at IS NULL AND t.record_id IN (` + placeholders(len(part)) + `)`

		rows, err := r.db.QueryContext(ctx, query, toArgs(part, ownerID)...)
		if err != nil {
			return nil, wrap(err, "failed to query group tracks")
		}
		for rows.Next() {
			var ref TrackRef
			if err := rows.Scan(&ref.GroupID, &ref.RunID, &ref.RecordID, &ref.IsCanonical); err != nil {
				rows.Close()
				return nil, wrap(err, "failed to scan group track")
			}
			refs = append(refs, ref)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, wrap(err, "row iteration error")
		}
	}
	return refs, nil
}

// MarkDeleted stamps deleted_at on the owner's live snapshot rows for recordIDs.
func (r *GroupRepository) MarkDeleted(ctx context.Context, ownerID string, recordIDs []string, at time.Time) (int64, error) {
	var total int64
	err := inTx(ctx, r.db, func(tx *sql.Tx) error {
		for _, part := range chunk(recordIDs, idChunk) {
			res, err := tx.ExecContext(ctx, `
				UPDATE group_tracks SET deleted_at = ?
				WHERE deleted_at IS NULL
					AND record_id IN (`+placeholders(len(part))+`)
					AND run_id IN (SELECT id FROM analysis_runs WHERE owner_id = ?)`,
				append(toArgs(part, at.UTC()), ownerID)...)
			if err != nil {
				return wrap(err, "failed to mark group tracks deleted")
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to get affected rows: %w", err)
			}
			total += n
		}
		return nil
	})
	return total, err
}

// State returns the live membership of a group.
func (r *GroupRepository) State(ctx context.Context, groupID string) (GroupState, error) {
	state := GroupState{GroupID: groupID}
	err := r.db.QueryRowContext(ctx, `
		SELECT g.run_id, g.resolved,
			COUNT(t.id),
			COALESCE(SUM(CASE WHEN t.deleted_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(MAX(CASE WHEN t.is_canonical = 1 AND t.deleted_at IS NULL THEN 1 ELSE 0 END), 0)
		FROM duplicate_groups g
		LEFT JOIN group_tracks t ON t.group_id = g.id
		WHERE g.id = ?
		GROUP BY g.id`, groupID,
	).Scan(&state.RunID, &state.Resolved, &state.Members, &state.Live, &state.CanonicalLive)
	if errors.Is(err, sql.ErrNoRows) {
		return state, fmt.Errorf("%w: %s", shared.ErrGroupNotFound, groupID)
	}
	if err != nil {
		return state, wrap(err, "failed to read group state")
	}
	return state, nil
}

// Resolve marks a group resolved. Already resolved groups are left untouched and report false.
func (r *GroupRepository) Resolve(ctx context.Context, groupID string, resolution models.Resolution, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE duplicate_groups
		SET resolved = 1, resolution = ?, last_outcome = ?, resolved_at = ?, updated_at = ?
		WHERE id = ? AND resolved = 0`,
		string(resolution), string(resolution), at.UTC(), at.UTC(), groupID)
	if err != nil {
		return false, wrap(err, "failed to resolve group")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n > 0, nil
}

// RecordOutcome stores the latest classification of a group without touching its resolved state.
func (r *GroupRepository) RecordOutcome(ctx context.Context, groupID string, outcome models.Resolution, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE duplicate_groups SET last_outcome = ?, updated_at = ? WHERE id = ?`,
		string(outcome), at.UTC(), groupID)
	return wrap(err, "failed to record group outcome")
}

// Impact aggregates the deletions applied to a run's groups.
func (r *GroupRepository) Impact(ctx context.Context, runID string) (ImpactCounts, error) {
	counts := ImpactCounts{Resolutions: map[models.Resolution]int{}}

	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(resolved), 0) FROM duplicate_groups WHERE run_id = ?`, runID,
	).Scan(&counts.Groups, &counts.ResolvedGroups)
	if err != nil {
		return counts, wrap(err, "failed to count groups")
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN deleted_at IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN deleted_at IS NOT NULL AND is_canonical = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN deleted_at IS NOT NULL AND is_canonical = 0 THEN 1 ELSE 0 END), 0)
		FROM group_tracks WHERE run_id = ?`, runID,
	).Scan(&counts.Tracks, &counts.DeletedTracks, &counts.CanonicalDeleted, &counts.DuplicatesDeleted)
	if err != nil {
		return counts, wrap(err, "failed to count group tracks")
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT resolution, COUNT(*) FROM duplicate_groups
		WHERE run_id = ? AND resolved = 1
		GROUP BY resolution`, runID)
	if err != nil {
		return counts, wrap(err, "failed to count resolutions")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			resolution sql.NullString
			n          int
		)
		if err := rows.Scan(&resolution, &n); err != nil {
			return counts, wrap(err, "failed to scan resolution")
		}
		counts.Resolutions[models.Resolution(resolution.String)] = n
	}
	return counts, wrap(rows.Err(), "row iteration error")
}

func scanGroup(s scanner) (models.DuplicateGroup, string, error) {
	var (
		g           models.DuplicateGroup
		canonicalID string
		action      string
		resolution  sql.NullString
		lastOutcome sql.NullString
		resolvedAt  sql.NullTime
	)

	err := s.Scan(&g.ID, &g.RunID, &canonicalID, &action, &g.AverageSimilarity, &g.Resolved, &resolution, &lastOutcome, &resolvedAt)
	if err != nil {
		return g, "", wrap(err, "failed to scan group")
	}

	g.SuggestedAction = models.SuggestedAction(action)
	g.Resolution = models.Resolution(resolution.String)
	if !g.Resolved {
		g.Resolution = models.Resolution(lastOutcome.String)
	}
	g.ResolvedAt = timePtr(resolvedAt)
	return g, canonicalID, nil
}

func scanMember(s scanner) (string, models.GroupMember, error) {
	var (
		groupID    string
		m          models.GroupMember
		lastPlayed sql.NullTime
		deletedAt  sql.NullTime
	)

	err := s.Scan(&groupID, &m.ID, &m.IsCanonical, &m.Similarity, &m.Title, &m.Artist, &m.Album, &m.PlayCount, &lastPlayed, &m.DateAdded, &deletedAt)
	if err != nil {
		return "", m, wrap(err, "failed to scan group track")
	}

	m.LastPlayedAt = timePtr(lastPlayed)
	m.DateAdded = m.DateAdded.UTC()
	m.DeletedAt = timePtr(deletedAt)
	m.StillExists = !deletedAt.Valid
	return groupID, m, nil
}
