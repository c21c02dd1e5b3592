package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/desertthunder/crate/internal/models"
	"github.com/desertthunder/crate/internal/shared"
)

func setupStore(t *testing.T, batchSize int) (*Store, func()) {
	t.Helper()

	db := setupTestDB(t)
	cfg := testConfig()
	cfg.Analysis.SaveBatchSize = batchSize
	return NewStore(db, cfg, shared.NewLogger(nil)), func() { db.Close() }
}

// pairs groups consecutive records two at a time.
func pairs(records []models.Record) []models.DuplicateGroup {
	var groups []models.DuplicateGroup
	for i := 0; i+1 < len(records); i += 2 {
		groups = append(groups, makeGroup(records[i], records[i+1]))
	}
	return groups
}

func TestStore(t *testing.T) {
	ctx := context.Background()

	t.Run("Save & Load", func(t *testing.T) {
		store, done := setupStore(t, 2)
		defer done()

		records := seedRecords(t, store.Library, "a", "a2", "b", "b2", "c", "c2", "d", "d2", "e", "e2")
		groups := pairs(records)
		run := models.NewAnalysisRun(shared.GenerateID(), "owner", models.Filters{}, time.Now())
		stats := models.StatsFor(groups, len(records))

		result, err := store.Save(ctx, run, groups, stats)
		if err != nil {
			t.Fatalf("failed to save: %v", err)
		}
		if result.BatchesWritten != 3 || result.GroupsWritten != 5 || !result.Complete() {
			t.Errorf("unexpected save result: %+v", result)
		}

		loaded, loadedGroups, err := store.Load(ctx, run.ID)
		if err != nil {
			t.Fatalf("failed to load: %v", err)
		}
		if loaded.Status != models.StatusCompleted || loaded.Stats.GroupsFound != 5 {
			t.Errorf("unexpected run: %s %+v", loaded.Status, loaded.Stats)
		}
		if len(loadedGroups) != 5 {
			t.Fatalf("expected 5 groups, got %d", len(loadedGroups))
		}
		for i, g := range loadedGroups {
			if g.ID != groups[i].ID {
				t.Errorf("group %d out of order", i)
			}
		}
	})

	t.Run("SaveGroups stops at failing batch", func(t *testing.T) {
		store, done := setupStore(t, 2)
		defer done()

		records := seedRecords(t, store.Library, "a", "a2", "b", "b2", "c", "c2", "d", "d2", "e", "e2")
		run := newRun(t, store.Runs, "owner", models.Filters{})
		groups := pairs(records)
		groups[0].ID = shared.GenerateID()
		groups[2].ID = groups[0].ID

		result := store.SaveGroups(ctx, run.ID, groups)
		if result.Complete() {
			t.Fatal("expected incomplete save")
		}
		if result.BatchesWritten != 1 || result.BatchesFailed != 1 || result.BatchesSkipped != 1 || result.GroupsWritten != 2 {
			t.Errorf("unexpected save result: %+v", result)
		}
		if result.Err() == nil {
			t.Error("expected joined error")
		}

		n, err := store.Groups.CountByRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("failed to count: %v", err)
		}
		if n != 2 {
			t.Errorf("first batch should stay durable, got %d groups", n)
		}
	})

	t.Run("ConvertToGroups", func(t *testing.T) {
		store, done := setupStore(t, 50)
		defer done()

		records := seedRecords(t, store.Library, "a", "a2", "b", "b2")
		run := models.NewAnalysisRun(shared.GenerateID(), "owner", models.Filters{}, time.Now())
		groups := pairs(records)
		if _, err := store.Save(ctx, run, groups, models.StatsFor(groups, 4)); err != nil {
			t.Fatalf("failed to save: %v", err)
		}

		if _, err := store.Library.Delete(ctx, []string{records[1].ID}); err != nil {
			t.Fatalf("failed to delete record: %v", err)
		}
		if _, err := store.DB().ExecContext(ctx, `DELETE FROM group_tracks WHERE record_id = ?`, records[2].ID); err != nil {
			t.Fatalf("failed to remove canonical snapshot: %v", err)
		}

		converted, err := store.ConvertToGroups(ctx, run)
		if err != nil {
			t.Fatalf("failed to convert: %v", err)
		}
		if len(converted) != 1 {
			t.Fatalf("group without canonical should be dropped, got %d groups", len(converted))
		}

		dup := converted[0].Duplicates[0]
		if dup.StillExists || dup.DeletedAt == nil {
			t.Errorf("deleted record should be synthesized from snapshot: %+v", dup)
		}
		if dup.Title != "a2" {
			t.Errorf("snapshot fields should be kept, got %q", dup.Title)
		}
		if !converted[0].Canonical.StillExists {
			t.Error("live canonical should still exist")
		}
	})

	t.Run("ComputeStaleness", func(t *testing.T) {
		store, done := setupStore(t, 50)
		defer done()

		seedRecords(t, store.Library, "a", "b")
		snapshot, err := store.Library.Snapshot(ctx)
		if err != nil {
			t.Fatalf("failed to snapshot: %v", err)
		}
		run := models.NewAnalysisRun(shared.GenerateID(), "owner", models.Filters{}, time.Now())
		run.Snapshot = snapshot

		st, err := store.ComputeStaleness(ctx, run)
		if err != nil {
			t.Fatalf("failed to compute staleness: %v", err)
		}
		if st.Level != models.StalenessFresh || st.RecommendRefresh {
			t.Errorf("new run on unchanged library should be fresh: %+v", st)
		}
	})

	t.Run("Cleanup", func(t *testing.T) {
		store, done := setupStore(t, 50)
		defer done()

		for range 7 {
			run := models.NewAnalysisRun(shared.GenerateID(), "owner", models.Filters{}, time.Now())
			if _, err := store.Save(ctx, run, nil, models.RunStats{}); err != nil {
				t.Fatalf("failed to save: %v", err)
			}
		}
		old := models.NewAnalysisRun(shared.GenerateID(), "other", models.Filters{}, time.Now().Add(-31*24*time.Hour))
		if _, err := store.Save(ctx, old, nil, models.RunStats{}); err != nil {
			t.Fatalf("failed to save: %v", err)
		}

		result, err := store.Cleanup(ctx, 30, 5)
		if err != nil {
			t.Fatalf("failed to clean up: %v", err)
		}
		if result.Expired != 1 || result.Trimmed != 2 {
			t.Errorf("unexpected cleanup result: %+v", result)
		}

		runs, err := store.ListRuns(ctx, "owner", 0)
		if err != nil {
			t.Fatalf("failed to list runs: %v", err)
		}
		if len(runs) != 5 {
			t.Errorf("expected 5 runs kept, got %d", len(runs))
		}
	})

	t.Run("StreamGroups", func(t *testing.T) {
		store, done := setupStore(t, 50)
		defer done()

		records := seedRecords(t, store.Library, "a", "a2", "b", "b2", "c", "c2", "d", "d2", "e", "e2")
		run := models.NewAnalysisRun(shared.GenerateID(), "owner", models.Filters{}, time.Now())
		groups := pairs(records)
		if _, err := store.Save(ctx, run, groups, models.StatsFor(groups, 10)); err != nil {
			t.Fatalf("failed to save: %v", err)
		}

		var pages []int
		err := store.StreamGroups(ctx, run.ID, 2, func(page []models.DuplicateGroup) error {
			pages = append(pages, len(page))
			return nil
		})
		if err != nil {
			t.Fatalf("failed to stream: %v", err)
		}
		if len(pages) != 3 || pages[0] != 2 || pages[2] != 1 {
			t.Errorf("unexpected pages: %v", pages)
		}

		stop := errors.New("stop")
		err = store.StreamGroups(ctx, run.ID, 2, func([]models.DuplicateGroup) error { return stop })
		if !errors.Is(err, stop) {
			t.Errorf("expected callback error, got %v", err)
		}
	})
}

func TestAssess(t *testing.T) {
	prefs := models.DefaultPreferences("owner", shared.DefaultConfig().Staleness)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	modified := now.Add(-48 * time.Hour)

	runAt := func(age time.Duration, count int) *models.AnalysisRun {
		run := models.NewAnalysisRun(shared.GenerateID(), "owner", models.Filters{}, now.Add(-age))
		run.Snapshot = models.LibrarySnapshot{TrackCount: count, LastModified: &modified}
		return run
	}

	tests := []struct {
		name    string
		run     *models.AnalysisRun
		current int
		level   models.StalenessLevel
		refresh bool
	}{
		{name: "fresh and unchanged", run: runAt(0, 1000), current: 1000, level: models.StalenessFresh},
		{name: "moderate", run: runAt(2*time.Hour, 1000), current: 1000, level: models.StalenessModerate},
		{name: "stale", run: runAt(72*time.Hour, 1000), current: 1000, level: models.StalenessStale, refresh: true},
		{name: "very stale", run: runAt(240*time.Hour, 1000), current: 1000, level: models.StalenessVeryStale, refresh: true},
		{name: "over ten percent", run: runAt(0, 100), current: 115, level: models.StalenessFresh, refresh: true},
		{name: "under ten percent", run: runAt(0, 1000), current: 960, level: models.StalenessFresh},
		{name: "over fifty absolute", run: runAt(0, 10000), current: 10060, level: models.StalenessFresh, refresh: true},
		{name: "empty snapshot", run: runAt(0, 0), current: 3, level: models.StalenessFresh, refresh: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := Assess(tt.run, models.LibrarySnapshot{TrackCount: tt.current, LastModified: &modified}, prefs, now)
			if st.Level != tt.level {
				t.Errorf("expected level %s, got %s", tt.level, st.Level)
			}
			if st.RecommendRefresh != tt.refresh {
				t.Errorf("expected refresh %v, got %v (reasons %v)", tt.refresh, st.RecommendRefresh, st.Reasons)
			}
			if st.LibraryModified {
				t.Error("library with the same last modified time is unmodified")
			}
		})
	}
}
