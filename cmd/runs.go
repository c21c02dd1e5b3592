package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/crate/internal/formatter"
	"github.com/desertthunder/crate/internal/models"
	"github.com/desertthunder/crate/internal/shared"
	"github.com/desertthunder/crate/internal/tasks"
)

// RunsList lists an owner's recent runs, newest first.
func (r *Runner) RunsList(ctx context.Context, cmd *cli.Command) error {
	if err := r.open(ctx); err != nil {
		return err
	}

	runs, err := r.store.ListRuns(ctx, owner(cmd), int(cmd.Int("limit")))
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	if cmd.Bool("json") {
		return r.writeJSON(runs, cmd.Bool("pretty"))
	}

	if len(runs) == 0 {
		r.writePlain("No runs found. Start one with `crate analyze run`.\n")
		return nil
	}

	r.writePlainHeader(fmt.Sprintf("Runs for %s (%d)", owner(cmd), len(runs)))
	for _, run := range runs {
		search := ""
		if run.Filters.SearchTerm != "" {
			search = fmt.Sprintf(" search=%q", run.Filters.SearchTerm)
		}
		r.writePlain("%s  %-10s  %s  %d groups / %d tracks%s\n",
			run.ID, run.Status, run.CreatedAt.Local().Format(time.DateTime),
			run.Stats.GroupsFound, run.Stats.TracksAnalyzed, search)
	}
	return nil
}

// RunsShow prints a single run.
func (r *Runner) RunsShow(ctx context.Context, cmd *cli.Command) error {
	id, err := runArg(cmd)
	if err != nil {
		return err
	}
	if err := r.open(ctx); err != nil {
		return err
	}

	run, err := r.store.GetRun(ctx, id)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return r.writeJSON(run, cmd.Bool("pretty"))
	}

	r.writePlainHeader(fmt.Sprintf("Run %s", run.ID))
	r.writePlain("Owner: %s\n", run.OwnerID)
	r.writePlain("Status: %s\n", run.Status)
	r.writePlain("Created: %s\n", run.CreatedAt.Local().Format(time.DateTime))
	if run.CompletedAt != nil {
		r.writePlain("Completed: %s\n", run.CompletedAt.Local().Format(time.DateTime))
	}
	r.writePlain("Sort: %s", run.Filters.SortBy)
	if run.Filters.SearchTerm != "" {
		r.writePlain("  Search: %q", run.Filters.SearchTerm)
	}
	if run.Filters.MinConfidence > 0 {
		r.writePlain("  Min confidence: %.2f", run.Filters.MinConfidence)
	}
	r.writePlain("\n")
	r.writePlain("Tracks analyzed: %d\n", run.Stats.TracksAnalyzed)
	r.writePlain("Duplicate groups: %d (%d duplicates)\n", run.Stats.GroupsFound, run.Stats.DuplicatesFound)
	if run.Status != models.StatusCompleted {
		r.writePlain("Checkpoint: %d/%d tracks, %d groups\n", run.Checkpoint.Processed, run.Checkpoint.Total, run.Checkpoint.GroupsFound)
	}
	if run.ErrorMessage != "" {
		r.writePlain("Error: %s\n", run.ErrorMessage)
	}
	return nil
}

// RunsGroups lists a run's groups with the current state of each member.
func (r *Runner) RunsGroups(ctx context.Context, cmd *cli.Command) error {
	id, err := runArg(cmd)
	if err != nil {
		return err
	}
	if err := r.open(ctx); err != nil {
		return err
	}

	groups, err := r.engine.Groups(ctx, id)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return r.writeJSON(groups, cmd.Bool("pretty"))
	}

	r.writePlainHeader(fmt.Sprintf("Groups for run %s (%d)", id, len(groups)))
	r.printGroups(groups)
	return nil
}

// RunsImpact reports cleanup progress against a run and whether re-analysis is advised.
func (r *Runner) RunsImpact(ctx context.Context, cmd *cli.Command) error {
	id, err := runArg(cmd)
	if err != nil {
		return err
	}
	if err := r.open(ctx); err != nil {
		return err
	}

	impact, err := r.services.Tracker.ImpactSummary(ctx, id)
	if err != nil {
		return err
	}
	suggestion, err := r.services.Tracker.SuggestRefresh(ctx, id, cmd.Float("threshold"))
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return r.writeJSON(map[string]any{"impact": impact, "refresh": suggestion}, cmd.Bool("pretty"))
	}

	r.writePlainHeader(fmt.Sprintf("Cleanup impact for run %s", id))
	r.writePlain("Groups: %d found, %d active, %d resolved (%.1f%%)\n",
		impact.Original.GroupsFound, impact.Current.ActiveGroups, impact.Current.ResolvedGroups, impact.ResolutionRate)
	r.writePlain("Duplicates: %d found, %d deleted, %d remaining (%.1f%% eliminated)\n",
		impact.Original.DuplicatesFound, impact.Current.DuplicatesDeleted, impact.Current.RemainingDuplicates, impact.EliminationRate)
	if impact.Current.CanonicalDeleted > 0 {
		r.writePlain("⚠ Canonical tracks deleted: %d (%.1f%% of groups)\n", impact.Current.CanonicalDeleted, impact.CanonicalLossRate)
	}
	for resolution, n := range impact.Resolutions {
		r.writePlain("  • %s: %d\n", resolution, n)
	}

	if suggestion.Recommend {
		r.writePlainln("↻ Re-running the analysis is recommended:")
		for _, reason := range suggestion.Reasons {
			r.writePlain("  • %s\n", reason)
		}
	} else {
		r.writePlainln("✓ Results are still representative (threshold %.0f%%)", suggestion.ThresholdPercent)
	}
	return nil
}

// RunsStaleness reports how far a run has drifted from the clock and the library.
func (r *Runner) RunsStaleness(ctx context.Context, cmd *cli.Command) error {
	id, err := runArg(cmd)
	if err != nil {
		return err
	}
	if err := r.open(ctx); err != nil {
		return err
	}

	run, err := r.store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	staleness, err := r.store.ComputeStaleness(ctx, run)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return r.writeJSON(staleness, cmd.Bool("pretty"))
	}

	r.writePlainHeader(fmt.Sprintf("Staleness of run %s", id))
	r.writePlain("Level: %s\n", staleness.Level)
	r.writePlain("Age: %s\n", staleness.Age.Round(time.Minute))
	r.writePlain("Library: %d tracks then, %d now (%+d, %.1f%%)\n",
		staleness.SnapshotTrackCount, staleness.CurrentTrackCount, staleness.TrackDelta, staleness.ChangePercent)
	if staleness.RecommendRefresh {
		r.writePlain("↻ Refresh recommended\n")
	}
	for _, reason := range staleness.Reasons {
		r.writePlain("  • %s\n", reason)
	}
	return nil
}

// RunsExport writes a run's groups to a file or stdout.
func (r *Runner) RunsExport(ctx context.Context, cmd *cli.Command) error {
	id, err := runArg(cmd)
	if err != nil {
		return err
	}
	format, err := formatter.ParseFormat(cmd.String("format"))
	if err != nil {
		return err
	}
	if err := r.open(ctx); err != nil {
		return err
	}

	var w io.Writer = r.output
	path := cmd.String("output")
	if path != "" {
		if filepath.Ext(path) == "" {
			path = fmt.Sprintf("%s.%s", path, format.Extension())
		}
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	n, err := r.engine.Export(ctx, id, w, format)
	if err != nil {
		return err
	}

	r.logger.Info("exported run", "run", id, "format", format, "groups", n)
	if path != "" {
		r.writePlain("✓ Exported %d groups to %s\n", n, path)
	}
	return nil
}

// RunsBulkExport exports several runs concurrently and writes a manifest.
func (r *Runner) RunsBulkExport(ctx context.Context, cmd *cli.Command) error {
	format, err := formatter.ParseFormat(cmd.String("format"))
	if err != nil {
		return err
	}
	if err := r.open(ctx); err != nil {
		return err
	}

	runIDs := cmd.Args().Slice()
	if latest := int(cmd.Int("latest")); latest > 0 {
		runs, err := r.store.ListRuns(ctx, owner(cmd), latest)
		if err != nil {
			return fmt.Errorf("failed to list runs: %w", err)
		}
		for _, run := range runs {
			runIDs = append(runIDs, run.ID)
		}
	}
	if len(runIDs) == 0 {
		return fmt.Errorf("%w: pass run ids or --latest", shared.ErrMissingArgument)
	}

	progressCh := make(chan tasks.ProgressUpdate, len(runIDs)*2)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for update := range progressCh {
			fmt.Fprintln(r.progress, update.Message)
		}
	}()

	result, err := r.engine.BulkExport(ctx, progressCh, runIDs, tasks.BulkExportOpts{
		Format:     format,
		OutputDir:  cmd.String("output"),
		NumWorkers: int(cmd.Int("workers")),
	})
	close(progressCh)
	<-done
	if result == nil {
		return err
	}

	r.writePlainHeader("Bulk Export Complete")
	r.writePlain("Directory: %s\n", result.OutputDir)
	r.writePlain("Exported: %d/%d runs\n", result.Manifest.Successful, result.Manifest.Total)
	for _, entry := range result.Manifest.Runs {
		if !entry.Success {
			r.writePlain("  ✗ %s: %s\n", entry.RunID, entry.Error)
		}
	}
	if result.ManifestPath != "" {
		r.writePlain("Manifest: %s\n", result.ManifestPath)
	}
	return err
}

// RunsCleanup removes expired runs and trims each owner's history.
func (r *Runner) RunsCleanup(ctx context.Context, cmd *cli.Command) error {
	if err := r.open(ctx); err != nil {
		return err
	}

	days := r.config.Retention.Days
	if cmd.IsSet("days") {
		days = int(cmd.Int("days"))
	}
	keep := r.config.Retention.MaxRunsPerOwner
	if cmd.IsSet("keep") {
		keep = int(cmd.Int("keep"))
	}

	result, err := r.store.Cleanup(ctx, days, keep)
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}

	r.writePlain("✓ Removed %d expired runs (older than %d days) and %d beyond the latest %d per owner\n",
		result.Expired, days, result.Trimmed, keep)
	return nil
}
