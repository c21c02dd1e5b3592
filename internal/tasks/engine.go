package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/desertthunder/crate/internal/cache"
	"github.com/desertthunder/crate/internal/formatter"
	"github.com/desertthunder/crate/internal/models"
	"github.com/desertthunder/crate/internal/repositories"
	"github.com/desertthunder/crate/internal/shared"
)

// Outcome discriminates the result of a run.
type Outcome string

const (
	OutcomeRunning   Outcome = "running"
	OutcomeCompleted Outcome = "completed"
	OutcomeCached    Outcome = "cached"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeTimedOut  Outcome = "timed_out"
)

// RunRequest describes one analysis.
type RunRequest struct {
	OwnerID      string         `json:"owner_id"`
	Filters      models.Filters `json:"filters"`
	ForceRefresh bool           `json:"force_refresh"`
	// Timeout overrides the configured timeout when positive.
	Timeout time.Duration `json:"-"`
}

// RunResult is the outcome of a run. Err is set for every outcome except completed, cached and running.
//
// Checkpoint and PartialGroups describe how far a failed run got; they are never folded into Groups.
type RunResult struct {
	RunID         string                  `json:"run_id"`
	Outcome       Outcome                 `json:"outcome"`
	FromCache     bool                    `json:"from_cache"`
	Groups        []models.DuplicateGroup `json:"groups"`
	Stats         models.RunStats         `json:"stats"`
	Checkpoint    models.Checkpoint       `json:"checkpoint"`
	PartialGroups int                     `json:"partial_groups"`
	Save          repositories.SaveResult `json:"-"`
	Warnings      []string                `json:"warnings,omitempty"`
	Err           *shared.DiagnosticError `json:"error,omitempty"`
	Duration      time.Duration           `json:"duration"`
}

// OK reports whether the run produced usable groups.
func (r *RunResult) OK() bool {
	return r.Err == nil
}

// RecordSource is the library an analysis reads. Implemented by [repositories.LibraryRepository].
type RecordSource interface {
	Count(ctx context.Context, search string) (int, error)
	ListBatch(ctx context.Context, search string, offset, limit int) ([]models.Record, error)
	Snapshot(ctx context.Context) (models.LibrarySnapshot, error)
	GetByIDs(ctx context.Context, ids []string) (map[string]models.Record, error)
}

// RunStore persists runs and their groups. Implemented by [repositories.Store].
type RunStore interface {
	CreateRun(ctx context.Context, run *models.AnalysisRun) error
	UpdateStatus(ctx context.Context, runID string, status models.RunStatus) error
	SaveSnapshot(ctx context.Context, runID string, snap models.LibrarySnapshot) error
	SaveCheckpoint(ctx context.Context, runID string, cp models.Checkpoint) error
	SaveGroups(ctx context.Context, runID string, groups []models.DuplicateGroup) repositories.SaveResult
	CompleteRun(ctx context.Context, runID string, stats models.RunStats) error
	FailRun(ctx context.Context, runID string, status models.RunStatus, stats models.RunStats, diag *shared.DiagnosticError) error
	GetRun(ctx context.Context, runID string) (*models.AnalysisRun, error)
	LatestRun(ctx context.Context, ownerID string, filters models.Filters) (*models.AnalysisRun, error)
	ConvertToGroups(ctx context.Context, run *models.AnalysisRun) ([]models.DuplicateGroup, error)
	StreamGroups(ctx context.Context, runID string, pageSize int, fn func([]models.DuplicateGroup) error) error
}

// EngineOpts contains the dependencies of an [AnalysisEngine].
type EngineOpts struct {
	Store    RunStore
	Source   RecordSource
	Cache    *cache.ResultCache // optional
	Registry *Registry          // created from Config when nil
	Config   shared.AnalysisConfig
	Logger   *log.Logger
}

// AnalysisEngine drives analysis runs from loading records to persisted groups.
type AnalysisEngine struct {
	store    RunStore
	source   RecordSource
	cache    *cache.ResultCache
	registry *Registry
	cfg      shared.AnalysisConfig
	retry    shared.RetryPolicy
	logger   *log.Logger
	now      func() time.Time
	wg       sync.WaitGroup

	// progressRate limits analyzing updates per second; phase changes are always sent.
	progressRate rate.Limit
}

// NewAnalysisEngine creates an engine from opts.
func NewAnalysisEngine(opts EngineOpts) *AnalysisEngine {
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry(opts.Config.ProgressGrace(), opts.Logger)
	}

	return &AnalysisEngine{
		store:        opts.Store,
		source:       opts.Source,
		cache:        opts.Cache,
		registry:     opts.Registry,
		cfg:          opts.Config,
		retry:        shared.NewRetryPolicy(opts.Config, opts.Logger),
		logger:       opts.Logger,
		now:          time.Now,
		progressRate: 10,
	}
}

// Registry returns the run registry shared with progress pollers.
func (e *AnalysisEngine) Registry() *Registry {
	return e.registry
}

// sendProgress sends a progress update through the channel without blocking.
func (e *AnalysisEngine) sendProgress(progress chan<- ProgressUpdate, update ProgressUpdate) {
	if progress == nil {
		return
	}
	select {
	case progress <- update:
	default:
	}
}

func (e *AnalysisEngine) prepare(req RunRequest) (RunRequest, error) {
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	if req.OwnerID == "" {
		return req, fmt.Errorf("%w: owner is required", shared.ErrValidation)
	}
	req.Filters = req.Filters.Normalized()
	if err := req.Filters.Validate(); err != nil {
		return req, err
	}
	if req.Timeout <= 0 {
		req.Timeout = e.cfg.Timeout()
	}
	return req, nil
}

func rejected(err error) *RunResult {
	return &RunResult{Outcome: OutcomeFailed, Err: shared.Diagnose(err)}
}

// Run executes one analysis and blocks until it finishes.
//
// Invalid requests are rejected before a run is created. Unless ForceRefresh is set, a cached
// result or a completed run younger than the freshness window is returned instead.
func (e *AnalysisEngine) Run(ctx context.Context, req RunRequest, progress chan<- ProgressUpdate) *RunResult {
	req, err := e.prepare(req)
	if err != nil {
		return rejected(err)
	}
	if result := e.reuse(ctx, req); result != nil {
		e.remember(req, result)
		e.sendProgress(progress, finishedUpdate(result))
		return result
	}

	runID := shared.GenerateID()
	if err := e.registry.Register(runID, req.OwnerID); err != nil {
		return rejected(err)
	}
	return e.execute(ctx, runID, req, progress)
}

// Start begins an analysis in the background and returns its run id.
//
// Reusable results are returned synchronously with [OutcomeCached]. Otherwise the result has
// [OutcomeRunning] and the run continues after ctx ends; stop it with [AnalysisEngine.Cancel].
func (e *AnalysisEngine) Start(ctx context.Context, req RunRequest, progress chan<- ProgressUpdate) (*RunResult, error) {
	req, err := e.prepare(req)
	if err != nil {
		return nil, err
	}
	if result := e.reuse(ctx, req); result != nil {
		e.remember(req, result)
		return result, nil
	}

	runID := shared.GenerateID()
	if err := e.registry.Register(runID, req.OwnerID); err != nil {
		return nil, err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(context.WithoutCancel(ctx), runID, req, progress)
	}()
	return &RunResult{RunID: runID, Outcome: OutcomeRunning}, nil
}

// Progress returns the in-memory progress of a run.
func (e *AnalysisEngine) Progress(runID string) (models.AnalysisProgress, bool) {
	return e.registry.Snapshot(runID)
}

// Cancel requests cooperative cancellation of a run.
func (e *AnalysisEngine) Cancel(runID string) bool {
	ok := e.registry.Cancel(runID)
	if ok {
		e.logger.Info("cancellation requested", "run_id", runID)
	}
	return ok
}

// Wait blocks until every background run has finished.
func (e *AnalysisEngine) Wait() {
	e.wg.Wait()
}

// Shutdown cancels every active run and waits for background runs until ctx is done.
func (e *AnalysisEngine) Shutdown(ctx context.Context) error {
	if n := e.registry.CancelAll(); n > 0 {
		e.logger.Info("cancelling active runs", "count", n)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Groups returns a run's groups re-resolved against the live library.
func (e *AnalysisEngine) Groups(ctx context.Context, runID string) ([]models.DuplicateGroup, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return e.store.ConvertToGroups(ctx, run)
}

// Export streams a run's stored groups to w one page at a time.
func (e *AnalysisEngine) Export(ctx context.Context, runID string, w io.Writer, format formatter.Format) (int, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return 0, err
	}

	gw, err := formatter.NewGroupWriter(w, format)
	if err != nil {
		return 0, err
	}
	if err := gw.Begin(run); err != nil {
		return 0, err
	}

	written := 0
	err = e.store.StreamGroups(ctx, runID, repositories.DefaultPageSize, func(page []models.DuplicateGroup) error {
		written += len(page)
		return gw.WriteGroups(page)
	})
	if err != nil {
		return written, fmt.Errorf("failed to export run %s: %w", runID, err)
	}
	return written, gw.Close()
}

// reuse returns a cached or fresh persisted result, or nil when a new run is needed.
func (e *AnalysisEngine) reuse(ctx context.Context, req RunRequest) *RunResult {
	if req.ForceRefresh {
		return nil
	}

	key := cache.KeyFor(req.OwnerID, req.Filters)
	if e.cache != nil {
		if entry, ok := e.cache.Get(key); ok {
			e.logger.Debug("serving cached analysis", "run_id", entry.RunID, "owner", req.OwnerID)
			return &RunResult{RunID: entry.RunID, Outcome: OutcomeCached, FromCache: true, Groups: entry.Groups, Stats: entry.Stats}
		}
	}

	run, err := e.store.LatestRun(ctx, req.OwnerID, req.Filters)
	if err != nil {
		if !errors.Is(err, shared.ErrRunNotFound) {
			e.logger.Warn("failed to look up previous run", "owner", req.OwnerID, "error", err)
		}
		return nil
	}
	if run.Age(e.now()) >= e.cfg.Freshness() {
		return nil
	}

	groups, err := e.store.ConvertToGroups(ctx, run)
	if err != nil {
		e.logger.Warn("failed to load previous run", "run_id", run.ID, "error", err)
		return nil
	}
	if e.cache != nil {
		e.cache.Put(key, cache.Entry{RunID: run.ID, Groups: groups, Stats: run.Stats})
	}

	e.logger.Info("reusing previous analysis", "run_id", run.ID, "owner", req.OwnerID, "age", run.Age(e.now()).Round(time.Second))
	return &RunResult{
		RunID:      run.ID,
		Outcome:    OutcomeCached,
		FromCache:  true,
		Groups:     groups,
		Stats:      run.Stats,
		Checkpoint: run.Checkpoint,
	}
}

// remember registers a reused result as a finished run so its progress stays pollable.
func (e *AnalysisEngine) remember(req RunRequest, result *RunResult) {
	if err := e.registry.Register(result.RunID, req.OwnerID); err != nil {
		return
	}
	e.registry.Update(result.RunID, func(p *models.AnalysisProgress) {
		p.Processed = result.Stats.TracksAnalyzed
		p.Total = result.Stats.TracksAnalyzed
		p.GroupsFound = len(result.Groups)
	})
	e.registry.Finish(result.RunID, models.StatusCompleted, fmt.Sprintf("Reused previous analysis with %d duplicate groups", len(result.Groups)))
}

func (e *AnalysisEngine) execute(ctx context.Context, runID string, req RunRequest, progress chan<- ProgressUpdate) (result *RunResult) {
	j := e.newJob(runID, req, progress)

	defer func() {
		if p := recover(); p != nil {
			j.logger.Error("analysis panicked", "panic", p, "stack", string(debug.Stack()))
			result = j.fail(ctx, shared.NewDiagnostic(shared.CodeInternal, "analysis panicked", fmt.Errorf("%v", p)))
		}
		e.sendProgress(progress, finishedUpdate(result))
	}()

	if err := j.analyze(ctx); err != nil {
		return j.fail(ctx, err)
	}
	return j.complete()
}
