package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/desertthunder/crate/internal/cache"
	"github.com/desertthunder/crate/internal/models"
	"github.com/desertthunder/crate/internal/repositories"
	"github.com/desertthunder/crate/internal/shared"
	"github.com/desertthunder/crate/internal/similarity"
)

// job is the state of one run as it moves through the pipeline.
type job struct {
	*AnalysisEngine

	id       string
	req      RunRequest
	progress chan<- ProgressUpdate
	logger   *log.Logger
	memory   *MemoryMonitor
	limiter  *rate.Limiter

	start    time.Time
	deadline time.Time
	phase    Phase
	run      *models.AnalysisRun
	created  bool

	total      int
	processed  int
	groups     []models.DuplicateGroup
	checkpoint models.Checkpoint
	save       repositories.SaveResult
	stats      models.RunStats
	warnings   []string
}

func (e *AnalysisEngine) newJob(runID string, req RunRequest, progress chan<- ProgressUpdate) *job {
	logger := shared.WithLogger(e.logger, "run_id", runID, "owner", req.OwnerID)
	start := e.now()
	var deadline time.Time
	if req.Timeout > 0 {
		deadline = start.Add(req.Timeout)
	}
	return &job{
		AnalysisEngine: e,
		id:             runID,
		req:            req,
		progress:       progress,
		logger:         logger,
		memory:         NewMemoryMonitor(e.cfg, logger),
		limiter:        rate.NewLimiter(e.progressRate, 1),
		start:          start,
		deadline:       deadline,
		phase:          Starting,
	}
}

// analyze runs every phase up to and including the final status write.
func (j *job) analyze(ctx context.Context) error {
	if j.req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.req.Timeout)
		defer cancel()
	}

	j.sendProgress(j.progress, startingUpdate(j.id))
	j.logger.Info("starting duplicate analysis", "search", j.req.Filters.SearchTerm, "sort_by", j.req.Filters.SortBy)

	// The row is written even when ctx is already done so every returned run id can be looked up.
	j.run = models.NewAnalysisRun(j.id, j.req.OwnerID, j.req.Filters, j.start)
	if err := j.store.CreateRun(context.WithoutCancel(ctx), j.run); err != nil {
		return err
	}
	j.created = true

	err := j.retry.Do(ctx, "snapshot library", func(ctx context.Context) error {
		var err error
		j.run.Snapshot, err = j.source.Snapshot(ctx)
		return err
	})
	if err != nil {
		return err
	}
	if err := j.store.SaveSnapshot(ctx, j.id, j.run.Snapshot); err != nil {
		return err
	}

	if err := j.transition(ctx, LoadingTracks); err != nil {
		return err
	}

	err = j.retry.Do(ctx, "count records", func(ctx context.Context) error {
		var err error
		j.total, err = j.source.Count(ctx, j.req.Filters.SearchTerm)
		return err
	})
	if err != nil {
		return err
	}
	j.registry.Update(j.id, func(p *models.AnalysisProgress) { p.Total = j.total })
	j.sendProgress(j.progress, loadingUpdate(j.id, j.total))

	if err := j.scan(ctx); err != nil {
		return err
	}

	j.groups = FilterConfidence(j.groups, j.req.Filters.MinConfidence)

	if err := j.transition(ctx, OrganizingResults); err != nil {
		return err
	}
	j.sendProgress(j.progress, organizingUpdate(j.id, j.processed, len(j.groups), j.req.Filters.SortBy))
	SortGroups(j.groups, j.req.Filters.SortBy)

	if err := j.transition(ctx, SavingResults); err != nil {
		return err
	}
	j.sendProgress(j.progress, savingUpdate(j.id, len(j.groups)))
	j.verifyCanonicals(ctx)

	j.save = j.store.SaveGroups(ctx, j.id, j.groups)
	if !j.save.Complete() {
		return shared.NewDiagnostic(shared.CodeStorage, "failed to save duplicate groups", j.save.Err()).
			With("batches_written", j.save.BatchesWritten).
			With("batches_failed", j.save.BatchesFailed).
			With("batches_skipped", j.save.BatchesSkipped)
	}

	j.stats = models.StatsFor(j.groups, j.processed)
	return j.store.CompleteRun(ctx, j.id, j.stats)
}

// verifyCanonicals warns about groups whose canonical record left the library during the run.
func (j *job) verifyCanonicals(ctx context.Context) {
	if len(j.groups) == 0 {
		return
	}

	ids := make([]string, len(j.groups))
	for i, g := range j.groups {
		ids[i] = g.Canonical.ID
	}
	live, err := j.source.GetByIDs(ctx, ids)
	if err != nil {
		j.logger.Warn("failed to verify canonical records", "error", err)
		return
	}

	for _, g := range j.groups {
		if _, ok := live[g.Canonical.ID]; ok {
			continue
		}
		msg := fmt.Sprintf("%v: canonical record %s (%s) was removed during analysis", shared.ErrConsistency, g.Canonical.ID, g.Canonical.Title)
		j.warnings = append(j.warnings, msg)
		j.logger.Warn(msg, "group", g.ID)
	}
}

// scan streams records in batches and groups each batch.
//
// Groups never span batch boundaries.
func (j *job) scan(ctx context.Context) error {
	size := max(j.cfg.BatchSize, 1)
	every := max(j.cfg.CheckpointInterval, 1)

	for batch, offset := 1, 0; ; batch, offset = batch+1, offset+size {
		if err := j.poll(ctx); err != nil {
			return err
		}

		var records []models.Record
		err := j.retry.Do(ctx, "load records", func(ctx context.Context) error {
			var err error
			records, err = j.source.ListBatch(ctx, j.req.Filters.SearchTerm, offset, size)
			return err
		})
		if err != nil {
			return err
		}

		if batch == 1 {
			if err := j.transition(ctx, AnalyzingSimilarities); err != nil {
				return err
			}
		}
		if len(records) == 0 {
			break
		}
		j.sendProgress(j.progress, batchUpdate(j.id, batch, offset, j.total, len(j.groups)))

		base, found := j.processed, len(j.groups)
		grouper := similarity.Grouper{OnProgress: func(processed, groups int) error {
			j.processed = base + processed
			j.memory.Observe()
			if processed%every != 0 {
				return nil
			}
			return j.checkpointAt(ctx, found+groups)
		}}

		groups, err := grouper.Group(records)
		j.groups = append(j.groups, groups...)
		if err != nil {
			return err
		}

		if len(records) < size {
			break
		}
	}

	return j.checkpointAt(ctx, len(j.groups))
}

// checkpointAt polls for cancellation then persists and publishes the counters.
func (j *job) checkpointAt(ctx context.Context, groups int) error {
	if err := j.poll(ctx); err != nil {
		return err
	}

	at := j.now().UTC()
	j.checkpoint = models.Checkpoint{Processed: j.processed, Total: j.total, GroupsFound: groups, At: &at}
	if err := j.store.SaveCheckpoint(ctx, j.id, j.checkpoint); err != nil {
		return err
	}

	j.registry.Update(j.id, func(p *models.AnalysisProgress) {
		p.Processed = j.processed
		p.Total = j.total
		p.GroupsFound = groups
	})
	if j.limiter.Allow() {
		j.sendProgress(j.progress, analyzingUpdate(j.id, j.processed, j.total, groups))
	}
	return nil
}

// poll reports a pending cancellation or an expired deadline.
func (j *job) poll(ctx context.Context) error {
	if j.registry.Cancelled(j.id) {
		return shared.ErrCancelled
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return shared.ErrTimeout
		}
		return shared.ErrCancelled
	}
	if !j.deadline.IsZero() && !j.now().Before(j.deadline) {
		return shared.ErrTimeout
	}
	return nil
}

// transition moves the run to the status of phase.
func (j *job) transition(ctx context.Context, phase Phase) error {
	if err := j.poll(ctx); err != nil {
		return err
	}

	status := phase.Status()
	if err := j.store.UpdateStatus(ctx, j.id, status); err != nil {
		return err
	}

	j.phase = phase
	j.registry.Update(j.id, func(p *models.AnalysisProgress) {
		p.Phase = status
		p.Message = fmt.Sprintf("%s...", phase)
	})
	j.logger.Info("phase changed", "phase", phase, "processed", j.processed, "total", j.total)
	return nil
}

func (j *job) result(outcome Outcome) *RunResult {
	return &RunResult{
		RunID:      j.id,
		Outcome:    outcome,
		Checkpoint: j.checkpoint,
		Save:       j.save,
		Warnings:   j.warnings,
		Duration:   j.now().Sub(j.start),
	}
}

// classify maps err onto a diagnostic. An expired deadline or a cancelled context outranks
// the storage failure it caused.
func classify(err error) *shared.DiagnosticError {
	diag := shared.Diagnose(err)

	code, message := diag.Code, diag.Message
	switch {
	case errors.Is(err, shared.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		code, message = shared.CodeTimeout, "analysis timed out"
	case errors.Is(err, shared.ErrCancelled), errors.Is(err, context.Canceled):
		code, message = shared.CodeCancelled, "analysis cancelled"
	}
	if code == diag.Code {
		return diag
	}

	out := shared.NewDiagnostic(code, message, err)
	for k, v := range diag.Details {
		out = out.With(k, v)
	}
	return out
}

// fail persists the terminal state of a run that did not complete.
func (j *job) fail(ctx context.Context, err error) *RunResult {
	diag := classify(err).
		With("phase", j.phase.String()).
		With("processed", j.processed).
		With("groups_found", len(j.groups))

	status, outcome := models.StatusFailed, OutcomeFailed
	switch diag.Code {
	case shared.CodeCancelled:
		status, outcome = models.StatusCancelled, OutcomeCancelled
	case shared.CodeTimeout:
		outcome = OutcomeTimedOut
	}

	result := j.result(outcome)
	result.Err = diag
	result.PartialGroups = len(j.groups)
	result.Stats = models.StatsFor(j.groups, j.processed)

	if j.created {
		if err := j.store.FailRun(context.WithoutCancel(ctx), j.id, status, result.Stats, diag); err != nil {
			j.logger.Error("failed to record run failure", "error", err)
			result.Warnings = append(result.Warnings, fmt.Sprintf("run status not persisted: %v", err))
		}
	}
	j.registry.Finish(j.id, status, diag.Error())

	if outcome == OutcomeCancelled {
		j.logger.Warn("analysis cancelled", "phase", j.phase, "processed", j.processed, "partial_groups", len(j.groups))
	} else {
		j.logger.Error("analysis failed", "code", diag.Code, "phase", j.phase, "error", diag)
	}
	return result
}

// complete publishes a finished run to the registry and the cache.
func (j *job) complete() *RunResult {
	if j.processed != j.total {
		msg := fmt.Sprintf("%v: analyzed %d of %d counted records", shared.ErrConsistency, j.processed, j.total)
		j.warnings = append(j.warnings, msg)
		j.logger.Warn(msg)
	}

	result := j.result(OutcomeCompleted)
	result.Groups = j.groups
	result.Stats = j.stats

	j.registry.Finish(j.id, models.StatusCompleted, fmt.Sprintf("Found %d duplicate groups", len(j.groups)))
	if j.cache != nil {
		j.cache.Put(cache.KeyFor(j.req.OwnerID, j.req.Filters), cache.Entry{RunID: j.id, Groups: j.groups, Stats: j.stats})
	}

	j.logger.Info("analysis completed",
		"groups", j.stats.GroupsFound,
		"duplicates", j.stats.DuplicatesFound,
		"tracks", j.stats.TracksAnalyzed,
		"duration", result.Duration.Round(time.Millisecond),
	)
	return result
}
