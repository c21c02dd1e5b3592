package tasks

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertthunder/crate/internal/cache"
	"github.com/desertthunder/crate/internal/formatter"
	"github.com/desertthunder/crate/internal/models"
	"github.com/desertthunder/crate/internal/repositories"
	"github.com/desertthunder/crate/internal/shared"
	tu "github.com/desertthunder/crate/internal/testing"
)

const owner = "owner-1"

type engineFixture struct {
	store  *repositories.Store
	cfg    *shared.Config
	cache  *cache.ResultCache
	engine *AnalysisEngine
}

// newFixture builds an engine over an in-memory store. opts may replace the store or source.
func newFixture(t *testing.T, configure func(*shared.Config), wrap func(*EngineOpts)) engineFixture {
	t.Helper()

	cfg := tu.TestConfig()
	if configure != nil {
		configure(cfg)
	}
	store := tu.NewStore(t, cfg)
	rc := cache.New(time.Hour)

	opts := EngineOpts{
		Store:  store,
		Source: store.Library,
		Cache:  rc,
		Config: cfg.Analysis,
		Logger: shared.NewLogger(io.Discard),
	}
	if wrap != nil {
		wrap(&opts)
	}
	return engineFixture{store: store, cfg: cfg, cache: rc, engine: NewAnalysisEngine(opts)}
}

func seedNearDuplicates(t *testing.T, store *repositories.Store) []models.Record {
	return tu.SeedLibrary(t, store,
		tu.Track{Title: "Blue Monday", Artist: "New Order", Plays: 12},
		tu.Track{Title: "Blue Monday 88", Artist: "New Order", Plays: 3},
		tu.Track{Title: "Atmosphere", Artist: "Joy Division", Plays: 8},
		tu.Track{Title: "Atmosphere", Artist: "Joy Division", Plays: 1},
	)
}

func drain(ch chan ProgressUpdate) []ProgressUpdate {
	close(ch)
	var updates []ProgressUpdate
	for u := range ch {
		updates = append(updates, u)
	}
	return updates
}

// cancellingStore requests cancellation as soon as a checkpoint reports a group.
type cancellingStore struct {
	*repositories.Store
	registry *Registry
}

func (s *cancellingStore) SaveCheckpoint(ctx context.Context, runID string, cp models.Checkpoint) error {
	if cp.GroupsFound > 0 {
		s.registry.Cancel(runID)
	}
	return s.Store.SaveCheckpoint(ctx, runID, cp)
}

// failingSaveStore rejects every group batch.
type failingSaveStore struct {
	*repositories.Store
}

func (s *failingSaveStore) SaveGroups(ctx context.Context, runID string, groups []models.DuplicateGroup) repositories.SaveResult {
	return repositories.SaveResult{BatchesFailed: 1, Errors: []error{errors.New("disk full")}}
}

// stallingSaveStore holds every group save until ctx is done.
type stallingSaveStore struct {
	*repositories.Store
}

func (s *stallingSaveStore) SaveGroups(ctx context.Context, runID string, groups []models.DuplicateGroup) repositories.SaveResult {
	<-ctx.Done()
	return s.Store.SaveGroups(ctx, runID, groups)
}

// unavailableSource cannot snapshot the library.
type unavailableSource struct {
	*repositories.LibraryRepository
}

func (s unavailableSource) Snapshot(ctx context.Context) (models.LibrarySnapshot, error) {
	return models.LibrarySnapshot{}, errors.New("library offline")
}

// vanishingSource deletes the given records just before they are verified.
type vanishingSource struct {
	*repositories.LibraryRepository
	vanish []string
}

func (s vanishingSource) GetByIDs(ctx context.Context, ids []string) (map[string]models.Record, error) {
	if _, err := s.LibraryRepository.Delete(ctx, s.vanish); err != nil {
		return nil, err
	}
	return s.LibraryRepository.GetByIDs(ctx, ids)
}

// overcountingSource reports one more record than it returns.
type overcountingSource struct {
	*repositories.LibraryRepository
}

func (s overcountingSource) Count(ctx context.Context, search string) (int, error) {
	n, err := s.LibraryRepository.Count(ctx, search)
	return n + 1, err
}

// steppingClock advances by step on every reading.
type steppingClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *steppingClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

func TestRun(t *testing.T) {
	ctx := context.Background()

	t.Run("groups confident duplicates and persists the run", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		seedNearDuplicates(t, f.store)

		progress := make(chan ProgressUpdate, 100)
		result := f.engine.Run(ctx, RunRequest{OwnerID: owner, Filters: models.Filters{MinConfidence: 0.95}}, progress)
		require.True(t, result.OK(), "unexpected error: %v", result.Err)

		assert.Equal(t, OutcomeCompleted, result.Outcome)
		require.Len(t, result.Groups, 1)
		assert.Equal(t, "Atmosphere", result.Groups[0].Canonical.Title)
		assert.Equal(t, 8, result.Groups[0].Canonical.PlayCount)
		assert.Equal(t, 4, result.Stats.TracksAnalyzed)
		assert.Equal(t, 1, result.Stats.GroupsFound)
		assert.Empty(t, result.Warnings)

		run, groups, err := f.store.Load(ctx, result.RunID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, run.Status)
		assert.Equal(t, 4, run.Snapshot.TrackCount)
		assert.Equal(t, 4, run.Checkpoint.Processed)
		assert.Len(t, groups, 1)

		updates := drain(progress)
		require.NotEmpty(t, updates)
		assert.Equal(t, Starting, updates[0].Phase)
		last := updates[len(updates)-1]
		assert.Equal(t, Finished, last.Phase)
		assert.Same(t, result, last.Data)

		p, ok := f.engine.Progress(result.RunID)
		require.True(t, ok)
		assert.Equal(t, models.StatusCompleted, p.Phase)
		assert.Equal(t, 100.0, p.Percentage)
	})

	t.Run("zero confidence keeps every group", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		seedNearDuplicates(t, f.store)

		result := f.engine.Run(ctx, RunRequest{OwnerID: owner, Filters: models.Filters{SortBy: models.SortSong}}, nil)
		require.True(t, result.OK())
		require.Len(t, result.Groups, 2)
		assert.Equal(t, "Atmosphere", result.Groups[0].Canonical.Title)
		assert.Equal(t, "Blue Monday", result.Groups[1].Canonical.Title)
	})

	t.Run("search term restricts the scan", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		seedNearDuplicates(t, f.store)

		result := f.engine.Run(ctx, RunRequest{OwnerID: owner, Filters: models.Filters{SearchTerm: "joy division"}}, nil)
		require.True(t, result.OK())
		assert.Equal(t, 2, result.Stats.TracksAnalyzed)
		assert.Len(t, result.Groups, 1)
	})

	t.Run("empty library completes with no groups", func(t *testing.T) {
		f := newFixture(t, nil, nil)

		result := f.engine.Run(ctx, RunRequest{OwnerID: owner}, nil)
		require.True(t, result.OK())
		assert.Empty(t, result.Groups)
		assert.Equal(t, 0, result.Stats.TracksAnalyzed)
	})

	t.Run("records spread over several batches are all analyzed", func(t *testing.T) {
		f := newFixture(t, func(c *shared.Config) {
			c.Analysis.BatchSize = 3
			c.Analysis.CheckpointInterval = 2
		}, nil)
		tu.SeedLibrary(t, f.store, tu.Distinct("batch", 7)...)

		progress := make(chan ProgressUpdate, 100)
		result := f.engine.Run(ctx, RunRequest{OwnerID: owner}, progress)
		require.True(t, result.OK())
		assert.Equal(t, 7, result.Stats.TracksAnalyzed)
		assert.Equal(t, 7, result.Checkpoint.Processed)
		assert.Equal(t, 7, result.Checkpoint.Total)

		batches := 0
		for _, u := range drain(progress) {
			if strings.HasPrefix(u.Message, "Loading batch") {
				batches++
			}
		}
		assert.Equal(t, 3, batches)
	})

	t.Run("invalid requests are rejected before a run is created", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		seedNearDuplicates(t, f.store)

		for _, req := range []RunRequest{
			{OwnerID: "  "},
			{OwnerID: owner, Filters: models.Filters{MinConfidence: 1.5}},
			{OwnerID: owner, Filters: models.Filters{SortBy: "loudness"}},
		} {
			result := f.engine.Run(ctx, req, nil)
			assert.Equal(t, OutcomeFailed, result.Outcome)
			require.NotNil(t, result.Err)
			assert.Equal(t, shared.CodeValidation, result.Err.Code)
			assert.Empty(t, result.RunID)
		}

		runs, err := f.store.ListRuns(ctx, owner, 0)
		require.NoError(t, err)
		assert.Empty(t, runs)
	})

	t.Run("counts that disagree with the scan produce a warning", func(t *testing.T) {
		f := newFixture(t, nil, func(o *EngineOpts) {
			o.Source = overcountingSource{o.Store.(*repositories.Store).Library}
		})
		seedNearDuplicates(t, f.store)

		result := f.engine.Run(ctx, RunRequest{OwnerID: owner}, nil)
		require.True(t, result.OK())
		require.Len(t, result.Warnings, 1)
		assert.Contains(t, result.Warnings[0], "analyzed 4 of 5")
	})
}

func TestRunCanonicalRemoved(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, nil, nil)
	records := seedNearDuplicates(t, f.store)
	canonical := records[2].ID
	f.engine.source = vanishingSource{LibraryRepository: f.store.Library, vanish: []string{canonical}}

	result := f.engine.Run(ctx, RunRequest{OwnerID: owner, Filters: models.Filters{MinConfidence: 0.95}}, nil)
	require.True(t, result.OK(), "unexpected error: %v", result.Err)
	require.Len(t, result.Groups, 1)
	assert.Equal(t, canonical, result.Groups[0].Canonical.ID)

	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], shared.ErrConsistency.Error())
	assert.Contains(t, result.Warnings[0], canonical)
}

func TestRunReuse(t *testing.T) {
	ctx := context.Background()

	t.Run("second run is served from the cache", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		seedNearDuplicates(t, f.store)

		first := f.engine.Run(ctx, RunRequest{OwnerID: owner}, nil)
		require.True(t, first.OK())

		second := f.engine.Run(ctx, RunRequest{OwnerID: owner}, nil)
		assert.Equal(t, OutcomeCached, second.Outcome)
		assert.True(t, second.FromCache)
		assert.Equal(t, first.RunID, second.RunID)
		assert.Len(t, second.Groups, 2)

		runs, err := f.store.ListRuns(ctx, owner, 0)
		require.NoError(t, err)
		assert.Len(t, runs, 1)
	})

	t.Run("fresh persisted run is reused after the cache is cleared", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		seedNearDuplicates(t, f.store)

		first := f.engine.Run(ctx, RunRequest{OwnerID: owner}, nil)
		require.True(t, first.OK())
		f.cache.InvalidateAll()

		second := f.engine.Run(ctx, RunRequest{OwnerID: owner}, nil)
		assert.Equal(t, OutcomeCached, second.Outcome)
		assert.Equal(t, first.RunID, second.RunID)
		assert.Equal(t, 1, f.cache.Len())
	})

	t.Run("different owners and filters do not share results", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		seedNearDuplicates(t, f.store)

		first := f.engine.Run(ctx, RunRequest{OwnerID: owner}, nil)
		other := f.engine.Run(ctx, RunRequest{OwnerID: "owner-2"}, nil)
		filtered := f.engine.Run(ctx, RunRequest{OwnerID: owner, Filters: models.Filters{MinConfidence: 0.95}}, nil)

		assert.Equal(t, OutcomeCompleted, other.Outcome)
		assert.Equal(t, OutcomeCompleted, filtered.Outcome)
		assert.NotEqual(t, first.RunID, other.RunID)
		assert.NotEqual(t, first.RunID, filtered.RunID)
	})

	t.Run("force refresh starts a new run", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		seedNearDuplicates(t, f.store)

		first := f.engine.Run(ctx, RunRequest{OwnerID: owner}, nil)
		second := f.engine.Run(ctx, RunRequest{OwnerID: owner, ForceRefresh: true}, nil)
		assert.Equal(t, OutcomeCompleted, second.Outcome)
		assert.NotEqual(t, first.RunID, second.RunID)
	})

	t.Run("runs older than the freshness window are not reused", func(t *testing.T) {
		f := newFixture(t, nil, func(o *EngineOpts) { o.Cache = nil })
		seedNearDuplicates(t, f.store)

		first := f.engine.Run(ctx, RunRequest{OwnerID: owner}, nil)
		f.engine.now = func() time.Time { return time.Now().Add(25 * time.Hour) }

		second := f.engine.Run(ctx, RunRequest{OwnerID: owner}, nil)
		assert.Equal(t, OutcomeCompleted, second.Outcome)
		assert.NotEqual(t, first.RunID, second.RunID)
	})
}

func TestRunInterrupted(t *testing.T) {
	ctx := context.Background()

	t.Run("cancellation keeps partial groups out of the store", func(t *testing.T) {
		registry := NewRegistry(time.Minute, shared.NewLogger(io.Discard))
		f := newFixture(t, func(c *shared.Config) { c.Analysis.CheckpointInterval = 1 }, func(o *EngineOpts) {
			o.Registry = registry
			o.Store = &cancellingStore{Store: o.Store.(*repositories.Store), registry: registry}
		})
		tracks := append([]tu.Track{{Title: "Atmosphere"}, {Title: "Atmosphere"}}, tu.Distinct("tail", 10)...)
		tu.SeedLibrary(t, f.store, tracks...)

		result := f.engine.Run(ctx, RunRequest{OwnerID: owner}, nil)
		assert.Equal(t, OutcomeCancelled, result.Outcome)
		require.NotNil(t, result.Err)
		assert.Equal(t, shared.CodeCancelled, result.Err.Code)
		assert.Equal(t, 1, result.PartialGroups)
		assert.Empty(t, result.Groups)
		assert.Less(t, result.Checkpoint.Processed, 12)

		run, err := f.store.GetRun(ctx, result.RunID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, run.Status)
		assert.NotEmpty(t, run.ErrorMessage)
		assert.Equal(t, 1, run.Stats.GroupsFound)

		n, err := f.store.Groups.CountByRun(ctx, result.RunID)
		require.NoError(t, err)
		assert.Zero(t, n)

		p, ok := registry.Snapshot(result.RunID)
		require.True(t, ok)
		assert.Equal(t, models.StatusCancelled, p.Phase)
		assert.Zero(t, f.cache.Len())
	})

	t.Run("exceeding the deadline is persisted as a timeout failure", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		seedNearDuplicates(t, f.store)
		clock := &steppingClock{t: tu.BaseDate, step: time.Minute}
		f.engine.now = clock.now

		result := f.engine.Run(ctx, RunRequest{OwnerID: owner, Timeout: 30 * time.Second}, nil)
		assert.Equal(t, OutcomeTimedOut, result.Outcome)
		require.NotNil(t, result.Err)
		assert.Equal(t, shared.CodeTimeout, result.Err.Code)

		run, err := f.store.GetRun(ctx, result.RunID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, run.Status)

		var diag shared.DiagnosticError
		require.NoError(t, json.Unmarshal(run.Diagnostics, &diag))
		assert.Equal(t, shared.CodeTimeout, diag.Code)
		assert.Equal(t, "starting", diag.Details["phase"])
	})

	t.Run("failed group save fails the run with batch details", func(t *testing.T) {
		f := newFixture(t, nil, func(o *EngineOpts) {
			o.Store = &failingSaveStore{Store: o.Store.(*repositories.Store)}
		})
		seedNearDuplicates(t, f.store)

		result := f.engine.Run(ctx, RunRequest{OwnerID: owner}, nil)
		assert.Equal(t, OutcomeFailed, result.Outcome)
		require.NotNil(t, result.Err)
		assert.Equal(t, shared.CodeStorage, result.Err.Code)
		assert.Equal(t, 1, result.Err.Details["batches_failed"])
		assert.Contains(t, result.Err.Error(), "disk full")

		run, err := f.store.GetRun(ctx, result.RunID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, run.Status)
		assert.Equal(t, 2, run.Stats.GroupsFound)
	})

	t.Run("cancelled context stops the run", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		seedNearDuplicates(t, f.store)

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		result := f.engine.Run(cctx, RunRequest{OwnerID: owner}, nil)
		assert.Equal(t, OutcomeCancelled, result.Outcome)

		run, err := f.store.GetRun(ctx, result.RunID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, run.Status)
	})

	t.Run("deadline during group save is a timeout", func(t *testing.T) {
		f := newFixture(t, nil, func(o *EngineOpts) {
			o.Store = &stallingSaveStore{Store: o.Store.(*repositories.Store)}
		})
		seedNearDuplicates(t, f.store)

		result := f.engine.Run(ctx, RunRequest{OwnerID: owner, Timeout: 300 * time.Millisecond}, nil)
		assert.Equal(t, OutcomeTimedOut, result.Outcome)
		require.NotNil(t, result.Err)
		assert.Equal(t, shared.CodeTimeout, result.Err.Code)
		assert.Equal(t, "saving_results", result.Err.Details["phase"])
		assert.Contains(t, result.Err.Details, "batches_failed")

		run, err := f.store.GetRun(ctx, result.RunID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, run.Status)

		var diag shared.DiagnosticError
		require.NoError(t, json.Unmarshal(run.Diagnostics, &diag))
		assert.Equal(t, shared.CodeTimeout, diag.Code)
	})

	t.Run("snapshot failure is persisted on the run", func(t *testing.T) {
		f := newFixture(t, nil, func(o *EngineOpts) {
			o.Source = unavailableSource{LibraryRepository: o.Source.(*repositories.LibraryRepository)}
		})
		seedNearDuplicates(t, f.store)

		result := f.engine.Run(ctx, RunRequest{OwnerID: owner}, nil)
		assert.Equal(t, OutcomeFailed, result.Outcome)
		require.NotNil(t, result.Err)
		assert.Contains(t, result.Err.Error(), "library offline")

		run, err := f.store.GetRun(ctx, result.RunID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, run.Status)
		assert.Contains(t, run.ErrorMessage, "library offline")

		var diag shared.DiagnosticError
		require.NoError(t, json.Unmarshal(run.Diagnostics, &diag))
		assert.Equal(t, shared.CodeInternal, diag.Code)
		assert.Equal(t, "starting", diag.Details["phase"])
	})
}

func TestStart(t *testing.T) {
	ctx := context.Background()

	t.Run("background run finishes and stays pollable", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		seedNearDuplicates(t, f.store)

		started, err := f.engine.Start(ctx, RunRequest{OwnerID: owner}, nil)
		require.NoError(t, err)
		assert.Equal(t, OutcomeRunning, started.Outcome)
		require.NotEmpty(t, started.RunID)

		f.engine.Wait()
		p, ok := f.engine.Progress(started.RunID)
		require.True(t, ok)
		assert.Equal(t, models.StatusCompleted, p.Phase)
		assert.Equal(t, 2, p.GroupsFound)

		groups, err := f.engine.Groups(ctx, started.RunID)
		require.NoError(t, err)
		assert.Len(t, groups, 2)
	})

	t.Run("cached result is returned synchronously", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		seedNearDuplicates(t, f.store)
		require.True(t, f.engine.Run(ctx, RunRequest{OwnerID: owner}, nil).OK())

		started, err := f.engine.Start(ctx, RunRequest{OwnerID: owner}, nil)
		require.NoError(t, err)
		assert.Equal(t, OutcomeCached, started.Outcome)
	})

	t.Run("reused run from another process is pollable", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		seedNearDuplicates(t, f.store)
		first := f.engine.Run(ctx, RunRequest{OwnerID: owner}, nil)
		require.True(t, first.OK())

		restarted := NewAnalysisEngine(EngineOpts{
			Store:  f.store,
			Source: f.store.Library,
			Config: f.cfg.Analysis,
			Logger: shared.NewLogger(io.Discard),
		})
		_, ok := restarted.Progress(first.RunID)
		require.False(t, ok)

		started, err := restarted.Start(ctx, RunRequest{OwnerID: owner}, nil)
		require.NoError(t, err)
		assert.Equal(t, OutcomeCached, started.Outcome)
		assert.Equal(t, first.RunID, started.RunID)

		p, ok := restarted.Progress(started.RunID)
		require.True(t, ok)
		assert.Equal(t, models.StatusCompleted, p.Phase)
		assert.Equal(t, 2, p.GroupsFound)
		assert.Equal(t, 4, p.Processed)
	})

	t.Run("validation errors are returned directly", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		_, err := f.engine.Start(ctx, RunRequest{}, nil)
		assert.ErrorIs(t, err, shared.ErrValidation)
	})

	t.Run("shutdown with nothing running returns immediately", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		sctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		assert.NoError(t, f.engine.Shutdown(sctx))
	})

	t.Run("cancel of an unknown run reports false", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		assert.False(t, f.engine.Cancel("missing"))
	})
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	seedNearDuplicates(t, f.store)
	result := f.engine.Run(ctx, RunRequest{OwnerID: owner}, nil)
	require.True(t, result.OK())

	t.Run("csv has one row per member", func(t *testing.T) {
		var buf bytes.Buffer
		n, err := f.engine.Export(ctx, result.RunID, &buf, formatter.FormatCSV)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		rows, err := csv.NewReader(&buf).ReadAll()
		require.NoError(t, err)
		assert.Equal(t, formatter.GroupColumns, rows[0])
		assert.Len(t, rows, 5)
	})

	t.Run("json carries the run", func(t *testing.T) {
		var buf bytes.Buffer
		_, err := f.engine.Export(ctx, result.RunID, &buf, formatter.FormatJSON)
		require.NoError(t, err)

		var doc struct {
			Run    models.AnalysisRun      `json:"run"`
			Groups []models.DuplicateGroup `json:"groups"`
		}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
		assert.Equal(t, result.RunID, doc.Run.ID)
		assert.Len(t, doc.Groups, 2)
	})

	t.Run("unknown run", func(t *testing.T) {
		_, err := f.engine.Export(ctx, shared.GenerateID(), io.Discard, formatter.FormatJSON)
		assert.ErrorIs(t, err, shared.ErrRunNotFound)
	})
}

func TestBulkExport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	seedNearDuplicates(t, f.store)

	first := f.engine.Run(ctx, RunRequest{OwnerID: owner}, nil)
	second := f.engine.Run(ctx, RunRequest{OwnerID: owner, Filters: models.Filters{MinConfidence: 0.95}}, nil)
	require.True(t, first.OK())
	require.True(t, second.OK())
	missing := shared.GenerateID()

	dir := filepath.Join(t.TempDir(), "out")
	progress := make(chan ProgressUpdate, 100)
	result, err := f.engine.BulkExport(ctx, progress, []string{first.RunID, second.RunID, missing}, BulkExportOpts{
		Format:     formatter.FormatMarkdown,
		OutputDir:  dir,
		NumWorkers: 2,
		RateLimit:  1000,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, result.Manifest.Total)
	assert.Equal(t, 2, result.Manifest.Successful)
	assert.Equal(t, 1, result.Manifest.Failed)
	tu.AssertFileExists(t, filepath.Join(dir, first.RunID+".md"))
	tu.AssertFileExists(t, filepath.Join(dir, second.RunID+".md"))
	tu.AssertFileExists(t, result.ManifestPath)

	_, err = os.Stat(filepath.Join(dir, missing+".md"))
	assert.True(t, os.IsNotExist(err))

	groups := map[string]int{}
	for _, r := range result.Manifest.Runs {
		groups[r.RunID] = r.Groups
	}
	assert.Equal(t, 2, groups[first.RunID])
	assert.Equal(t, 1, groups[second.RunID])
	assert.NotEmpty(t, drain(progress))

	t.Run("no runs", func(t *testing.T) {
		_, err := f.engine.BulkExport(ctx, nil, nil, BulkExportOpts{OutputDir: t.TempDir()})
		assert.ErrorIs(t, err, shared.ErrMissingArgument)
	})
}
