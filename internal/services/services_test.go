package services

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertthunder/crate/internal/models"
	"github.com/desertthunder/crate/internal/repositories"
	"github.com/desertthunder/crate/internal/shared"
	"github.com/desertthunder/crate/internal/similarity"
	tu "github.com/desertthunder/crate/internal/testing"
)

const owner = "owner-1"

type fixture struct {
	store *repositories.Store
	cache *tu.Invalidator
	svc   *Services
}

func setup(t *testing.T) fixture {
	t.Helper()
	store := tu.NewStore(t, nil)
	cache := &tu.Invalidator{}
	return fixture{store: store, cache: cache, svc: New(store, cache, shared.NewLogger(io.Discard))}
}

// saveRun persists a completed run for owner with one group per member set.
func (f fixture) saveRun(t *testing.T, ownerID string, sets ...[]models.Record) (*models.AnalysisRun, []models.DuplicateGroup) {
	t.Helper()
	ctx := context.Background()

	groups := make([]models.DuplicateGroup, len(sets))
	for i, members := range sets {
		groups[i] = similarity.BuildGroup(members)
	}

	snapshot, err := f.store.Library.Snapshot(ctx)
	require.NoError(t, err)

	run := models.NewAnalysisRun(shared.GenerateID(), ownerID, models.Filters{}, time.Now())
	run.Snapshot = snapshot
	_, err = f.store.Save(ctx, run, groups, models.StatsFor(groups, snapshot.TrackCount))
	require.NoError(t, err)
	return run, groups
}

func (f fixture) loadGroup(t *testing.T, id string) *models.DuplicateGroup {
	t.Helper()
	g, err := f.store.Groups.Get(context.Background(), id)
	require.NoError(t, err)
	return g
}

func (f fixture) deleteOne(t *testing.T, id string) DeleteResult {
	t.Helper()
	result, err := f.svc.Cleaner.DeleteRecords(context.Background(), DeleteRequest{OwnerID: owner, RecordIDs: []string{id}})
	require.NoError(t, err)
	return result
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		state repositories.GroupState
		want  models.Resolution
	}{
		{"nothing left", repositories.GroupState{Members: 3, Live: 0}, models.ResolutionAllDeleted},
		{"canonical gone", repositories.GroupState{Members: 3, Live: 2}, models.ResolutionCanonicalDeleted},
		{"canonical gone last member", repositories.GroupState{Members: 2, Live: 1}, models.ResolutionCanonicalDeleted},
		{"only canonical", repositories.GroupState{Members: 3, Live: 1, CanonicalLive: true}, models.ResolutionDuplicatesDeleted},
		{"some duplicates remain", repositories.GroupState{Members: 3, Live: 2, CanonicalLive: true}, models.ResolutionPartialCleanup},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.state))
		})
	}
}

func TestResolutionTracker(t *testing.T) {
	ctx := context.Background()

	t.Run("deleting the canonical of a pair resolves the group", func(t *testing.T) {
		f := setup(t)
		records := tu.SeedLibrary(t, f.store, tu.Track{Title: "Song", Plays: 10}, tu.Track{Title: "Song - 2020 Remaster", Plays: 5})
		_, groups := f.saveRun(t, owner, records)
		require.Equal(t, records[0].ID, groups[0].Canonical.ID)

		result := f.deleteOne(t, records[0].ID)
		assert.Equal(t, 1, result.Resolution.GroupsAffected)
		assert.Equal(t, 1, result.Resolution.GroupsResolved)
		assert.Equal(t, models.ResolutionCanonicalDeleted, result.Resolution.Outcomes[groups[0].ID])

		g := f.loadGroup(t, groups[0].ID)
		assert.True(t, g.Resolved)
		assert.Equal(t, models.ResolutionCanonicalDeleted, g.Resolution)
		assert.NotNil(t, g.ResolvedAt)
		assert.False(t, g.Canonical.StillExists)
		assert.True(t, g.Duplicates[0].StillExists)
		assert.GreaterOrEqual(t, f.cache.Calls(), 1)
	})

	t.Run("resolution never reverts", func(t *testing.T) {
		f := setup(t)
		records := tu.SeedLibrary(t, f.store,
			tu.Track{Title: "Blue Monday", Plays: 10},
			tu.Track{Title: "Blue Monday", Plays: 5},
			tu.Track{Title: "Blue Monday", Plays: 1},
		)
		_, groups := f.saveRun(t, owner, records)
		id := groups[0].ID

		f.deleteOne(t, records[2].ID)
		g := f.loadGroup(t, id)
		assert.False(t, g.Resolved)
		assert.Equal(t, models.ResolutionPartialCleanup, g.Resolution)

		f.deleteOne(t, records[1].ID)
		g = f.loadGroup(t, id)
		assert.True(t, g.Resolved)
		assert.Equal(t, models.ResolutionDuplicatesDeleted, g.Resolution)

		result := f.deleteOne(t, records[0].ID)
		assert.Equal(t, models.ResolutionAllDeleted, result.Resolution.Outcomes[id])
		assert.Zero(t, result.Resolution.GroupsResolved)

		g = f.loadGroup(t, id)
		assert.True(t, g.Resolved)
		assert.Equal(t, models.ResolutionDuplicatesDeleted, g.Resolution)
		assert.Zero(t, g.LiveMembers())
	})

	t.Run("groups of other owners are untouched", func(t *testing.T) {
		f := setup(t)
		records := tu.SeedLibrary(t, f.store, tu.Track{Title: "Song", Plays: 3}, tu.Track{Title: "Song", Plays: 1})
		_, groups := f.saveRun(t, "someone-else", records)

		report, err := f.svc.Tracker.OnRecordsDeleted(ctx, []string{records[1].ID}, owner)
		require.NoError(t, err)
		assert.Zero(t, report.GroupsAffected)
		assert.Zero(t, report.RecordsMatched)
		assert.Equal(t, 1, f.cache.Calls())

		g := f.loadGroup(t, groups[0].ID)
		assert.Equal(t, 2, g.LiveMembers())
	})

	t.Run("every run referencing a record is updated", func(t *testing.T) {
		f := setup(t)
		records := tu.SeedLibrary(t, f.store, tu.Track{Title: "Song", Plays: 3}, tu.Track{Title: "Song", Plays: 1})
		_, first := f.saveRun(t, owner, records)
		_, second := f.saveRun(t, owner, records)

		result := f.deleteOne(t, records[1].ID)
		assert.Equal(t, 2, result.Resolution.RecordsMatched)
		assert.Equal(t, 2, result.Resolution.GroupsResolved)
		assert.True(t, f.loadGroup(t, first[0].ID).Resolved)
		assert.True(t, f.loadGroup(t, second[0].ID).Resolved)
	})

	t.Run("empty input does nothing", func(t *testing.T) {
		f := setup(t)
		report, err := f.svc.Tracker.OnRecordsDeleted(ctx, nil, owner)
		require.NoError(t, err)
		assert.Zero(t, report.GroupsAffected)
		assert.Zero(t, f.cache.Calls())
	})
}

func TestImpactAndRefresh(t *testing.T) {
	ctx := context.Background()

	f := setup(t)
	records := tu.SeedLibrary(t, f.store,
		tu.Track{Title: "Blue Monday", Plays: 10},
		tu.Track{Title: "Blue Monday", Plays: 2},
		tu.Track{Title: "Atmosphere", Plays: 8},
		tu.Track{Title: "Atmosphere", Plays: 1},
	)
	run, _ := f.saveRun(t, owner, records[:2], records[2:])
	f.deleteOne(t, records[1].ID)

	t.Run("ImpactSummary", func(t *testing.T) {
		summary, err := f.svc.Tracker.ImpactSummary(ctx, run.ID)
		require.NoError(t, err)

		assert.Equal(t, 2, summary.Original.GroupsFound)
		assert.Equal(t, 1, summary.Current.ActiveGroups)
		assert.Equal(t, 1, summary.Current.ResolvedGroups)
		assert.Equal(t, 1, summary.Current.RemainingDuplicates)
		assert.Equal(t, 1, summary.Current.TracksDeleted)
		assert.Equal(t, 1, summary.Current.DuplicatesDeleted)
		assert.Zero(t, summary.Current.CanonicalDeleted)
		assert.Equal(t, 1, summary.Resolutions[models.ResolutionDuplicatesDeleted])
		assert.InDelta(t, 50, summary.ResolutionRate, 0.001)
		assert.InDelta(t, 50, summary.EliminationRate, 0.001)
		assert.Zero(t, summary.CanonicalLossRate)
	})

	t.Run("SuggestRefresh over threshold", func(t *testing.T) {
		s, err := f.svc.Tracker.SuggestRefresh(ctx, run.ID, 20)
		require.NoError(t, err)
		assert.True(t, s.Recommend)
		assert.InDelta(t, 25, s.EliminationPercent, 0.001)
		assert.InDelta(t, 25, s.DriftPercent, 0.001)
		assert.Len(t, s.Reasons, 2)
		assert.Equal(t, models.StalenessFresh, s.Staleness.Level)
	})

	t.Run("SuggestRefresh under threshold", func(t *testing.T) {
		s, err := f.svc.Tracker.SuggestRefresh(ctx, run.ID, 30)
		require.NoError(t, err)
		assert.False(t, s.Recommend)
		assert.Empty(t, s.Reasons)
	})

	t.Run("SuggestRefresh uses preference threshold", func(t *testing.T) {
		prefs, err := f.store.Preferences.Get(ctx, owner)
		require.NoError(t, err)
		prefs.RefreshThresholdPercent = 10
		require.NoError(t, f.store.Preferences.Upsert(ctx, &prefs))

		s, err := f.svc.Tracker.SuggestRefresh(ctx, run.ID, 0)
		require.NoError(t, err)
		assert.Equal(t, 10.0, s.ThresholdPercent)
		assert.True(t, s.Recommend)
	})

	t.Run("unknown run", func(t *testing.T) {
		_, err := f.svc.Tracker.ImpactSummary(ctx, shared.GenerateID())
		assert.ErrorIs(t, err, shared.ErrRunNotFound)
	})
}

func TestCleaner(t *testing.T) {
	ctx := context.Background()

	t.Run("validation", func(t *testing.T) {
		f := setup(t)

		_, err := f.svc.Cleaner.DeleteRecords(ctx, DeleteRequest{RecordIDs: []string{"x"}})
		assert.ErrorIs(t, err, shared.ErrValidation)

		_, err = f.svc.Cleaner.DeleteRecords(ctx, DeleteRequest{OwnerID: owner, RecordIDs: []string{"", ""}})
		assert.ErrorIs(t, err, shared.ErrValidation)

		trail, err := f.svc.Audit.Query(ctx, owner, 0)
		require.NoError(t, err)
		assert.Empty(t, trail)
	})

	t.Run("single and bulk deletes are audited", func(t *testing.T) {
		f := setup(t)
		records := tu.SeedLibrary(t, f.store, tu.Distinct("cleaner", 4)...)

		single, err := f.svc.Cleaner.DeleteRecords(ctx, DeleteRequest{OwnerID: owner, RecordIDs: []string{records[0].ID, records[0].ID}})
		require.NoError(t, err)
		assert.Equal(t, models.ActionSingleDelete, single.Action)
		assert.Equal(t, []string{records[0].ID}, single.Deleted)

		bulk, err := f.svc.Cleaner.DeleteRecords(ctx, DeleteRequest{OwnerID: owner, RecordIDs: []string{records[0].ID, records[1].ID, records[2].ID}})
		require.NoError(t, err)
		assert.Equal(t, models.ActionBulkDelete, bulk.Action)
		assert.Equal(t, 3, bulk.Requested)
		assert.Len(t, bulk.Deleted, 2)

		count, err := f.store.Library.Count(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		trail, err := f.svc.Audit.Query(ctx, owner, time.Hour)
		require.NoError(t, err)
		require.Len(t, trail, 2)
		assert.Equal(t, single.AuditID, trail[0].ID)
		assert.Equal(t, models.ActionSingleDelete, trail[0].Action)
		assert.Equal(t, 1, trail[0].AffectedCount)
		assert.Equal(t, models.ActionBulkDelete, trail[1].Action)
		assert.Equal(t, 3, trail[1].RequestedCount)
		assert.Equal(t, 2, trail[1].AffectedCount)
		assert.True(t, trail[1].Success)
		assert.Positive(t, trail[1].Efficiency)
	})

	t.Run("SmartDelete keeps canonical records and skips review groups", func(t *testing.T) {
		f := setup(t)
		records := tu.SeedLibrary(t, f.store,
			tu.Track{Title: "Blue Monday", Plays: 10},
			tu.Track{Title: "Blue Monday", Plays: 2},
			tu.Track{Title: "Blue Monday - Remastered", Plays: 1},
			tu.Track{Title: "Atmosphere", Plays: 8},
			tu.Track{Title: "Atmosphere (Live)", Plays: 1},
		)
		run, groups := f.saveRun(t, owner, records[:3], records[3:])
		require.Equal(t, models.ActionDeleteDuplicates, groups[0].SuggestedAction)
		require.Equal(t, models.ActionReview, groups[1].SuggestedAction)

		result, err := f.svc.Cleaner.SmartDelete(ctx, owner, run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ActionSmartDelete, result.Action)
		assert.ElementsMatch(t, []string{records[1].ID, records[2].ID}, result.Deleted)
		assert.Equal(t, 1, result.Resolution.GroupsResolved)

		g := f.loadGroup(t, groups[0].ID)
		assert.True(t, g.Resolved)
		assert.Equal(t, models.ResolutionDuplicatesDeleted, g.Resolution)
		assert.False(t, f.loadGroup(t, groups[1].ID).Resolved)

		trail, err := f.svc.Audit.Query(ctx, owner, 0)
		require.NoError(t, err)
		require.Len(t, trail, 1)
		assert.Equal(t, StrategyKeepCanonical, trail[0].Strategy)
		assert.Equal(t, run.ID, trail[0].RunID)

		again, err := f.svc.Cleaner.SmartDelete(ctx, owner, run.ID)
		require.NoError(t, err)
		assert.Empty(t, again.Deleted)
	})

	t.Run("SmartDelete on another owner's run", func(t *testing.T) {
		f := setup(t)
		records := tu.SeedLibrary(t, f.store, tu.Track{Title: "Song", Plays: 2}, tu.Track{Title: "Song", Plays: 1})
		run, _ := f.saveRun(t, "someone-else", records)

		_, err := f.svc.Cleaner.SmartDelete(ctx, owner, run.ID)
		assert.ErrorIs(t, err, shared.ErrRunNotFound)
	})

	t.Run("storage failure is reported", func(t *testing.T) {
		f := setup(t)
		records := tu.SeedLibrary(t, f.store, tu.Distinct("closed", 1)...)
		require.NoError(t, f.store.DB().Close())

		_, err := f.svc.Cleaner.DeleteRecords(ctx, DeleteRequest{OwnerID: owner, RecordIDs: []string{records[0].ID}})
		assert.Error(t, err)
	})
}

func TestSmartSelection(t *testing.T) {
	member := func(id string, live bool) models.GroupMember {
		return models.GroupMember{Record: models.Record{ID: id}, StillExists: live}
	}

	groups := []models.DuplicateGroup{
		{Canonical: member("a", true), Duplicates: []models.GroupMember{member("a1", true), member("a2", false)}, SuggestedAction: models.ActionDeleteDuplicates},
		{Canonical: member("b", false), Duplicates: []models.GroupMember{member("b1", true), member("b2", true)}, SuggestedAction: models.ActionDeleteDuplicates},
		{Canonical: member("c", true), Duplicates: []models.GroupMember{member("c1", true)}, SuggestedAction: models.ActionReview},
		{Canonical: member("d", true), Duplicates: []models.GroupMember{member("d1", true)}, SuggestedAction: models.ActionDeleteDuplicates, Resolved: true},
	}

	assert.Equal(t, []string{"a1"}, SmartSelection(groups))
}

func TestAuditLog(t *testing.T) {
	ctx := context.Background()

	t.Run("Record fills id and timestamp", func(t *testing.T) {
		f := setup(t)
		entry := &models.AuditLogEntry{OwnerID: owner, Action: models.ActionBulkDelete, RequestedCount: 2, AffectedCount: 2, Success: true}
		require.NoError(t, f.svc.Audit.Record(ctx, entry))
		assert.Regexp(t, `^del-`, entry.ID)
		assert.False(t, entry.CreatedAt.IsZero())
	})

	t.Run("Record rejects invalid entries", func(t *testing.T) {
		f := setup(t)
		err := f.svc.Audit.Record(ctx, &models.AuditLogEntry{Action: models.ActionBulkDelete})
		assert.ErrorIs(t, err, shared.ErrValidation)
	})

	t.Run("Query honours the window", func(t *testing.T) {
		f := setup(t)
		old := &models.AuditLogEntry{OwnerID: owner, Action: models.ActionSingleDelete, Success: true, CreatedAt: time.Now().Add(-48 * time.Hour)}
		recent := &models.AuditLogEntry{OwnerID: owner, Action: models.ActionSingleDelete, Success: true}
		require.NoError(t, f.svc.Audit.Record(ctx, old))
		require.NoError(t, f.svc.Audit.Record(ctx, recent))

		trail, err := f.svc.Audit.Query(ctx, owner, 24*time.Hour)
		require.NoError(t, err)
		require.Len(t, trail, 1)
		assert.Equal(t, recent.ID, trail[0].ID)

		trail, err = f.svc.Audit.Query(ctx, owner, 0)
		require.NoError(t, err)
		assert.Len(t, trail, 2)
	})
}

func TestSummarize(t *testing.T) {
	entry := func(affected int, d time.Duration, ok bool) TrailEntry {
		e := models.AuditLogEntry{Action: models.ActionBulkDelete, RequestedCount: affected, AffectedCount: affected, Duration: d, Success: ok}
		return TrailEntry{AuditLogEntry: e, Efficiency: e.Efficiency()}
	}

	tests := []struct {
		name  string
		trail []TrailEntry
		want  Trend
	}{
		{"empty", nil, TrendSteady},
		{"single", []TrailEntry{entry(10, time.Second, true)}, TrendSteady},
		{"improving", []TrailEntry{entry(10, time.Second, true), entry(10, time.Second, true), entry(40, time.Second, true), entry(40, time.Second, true)}, TrendImproving},
		{"declining", []TrailEntry{entry(40, time.Second, true), entry(40, time.Second, true), entry(10, time.Second, true), entry(10, time.Second, true)}, TrendDeclining},
		{"within tolerance", []TrailEntry{entry(100, time.Second, true), entry(105, time.Second, true)}, TrendSteady},
		{"failures ignored", []TrailEntry{entry(10, time.Second, true), entry(0, time.Second, false), entry(10, time.Second, true)}, TrendSteady},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Summarize(owner, time.Hour, tt.trail)
			assert.Equal(t, tt.want, s.Trend)
			assert.Equal(t, len(tt.trail), s.Operations)
		})
	}

	t.Run("totals", func(t *testing.T) {
		s := Summarize(owner, time.Hour, []TrailEntry{entry(10, time.Second, true), entry(4, 2*time.Second, true), entry(3, time.Second, false)})
		assert.Equal(t, 2, s.Successful)
		assert.Equal(t, 1, s.Failed)
		assert.Equal(t, 17, s.RecordsAffected)
		assert.Equal(t, 3, s.ByAction[models.ActionBulkDelete])
		assert.InDelta(t, 6, s.MeanEfficiency, 0.001)
	})
}
