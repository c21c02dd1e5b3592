package main

import (
	"context"
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"

	"github.com/desertthunder/crate/internal/models"
	"github.com/desertthunder/crate/internal/tasks"
)

func requestFrom(cmd *cli.Command) tasks.RunRequest {
	return tasks.RunRequest{
		OwnerID: owner(cmd),
		Filters: models.Filters{
			SearchTerm:    cmd.String("search"),
			SortBy:        models.SortKey(cmd.String("sort")),
			MinConfidence: cmd.Float("min-confidence"),
		},
		ForceRefresh: cmd.Bool("force"),
		Timeout:      cmd.Duration("timeout"),
	}
}

// AnalyzeRun runs one analysis with a progress bar, or in the TUI with --tui.
func (r *Runner) AnalyzeRun(ctx context.Context, cmd *cli.Command) error {
	req := requestFrom(cmd)
	if cmd.Bool("tui") {
		return r.TUI(ctx, req)
	}
	if err := r.open(ctx); err != nil {
		return err
	}

	r.logger.Info("starting analysis", "owner", req.OwnerID, "search", req.Filters.SearchTerm, "force", req.ForceRefresh)

	progressCh := make(chan tasks.ProgressUpdate, 50)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.renderProgress(progressCh, cmd.Bool("json"))
	}()

	result := r.engine.Run(ctx, req, progressCh)
	close(progressCh)
	<-done

	if cmd.Bool("json") {
		if err := r.writeJSON(result, cmd.Bool("pretty")); err != nil {
			return err
		}
		if !result.OK() {
			return result.Err
		}
		return nil
	}

	if !result.OK() {
		r.writePlainHeader(fmt.Sprintf("Analysis %s", result.Outcome))
		if result.RunID != "" {
			r.writePlain("Run: %s\n", result.RunID)
		}
		r.writePlain("Processed: %d/%d tracks\n", result.Checkpoint.Processed, result.Checkpoint.Total)
		if result.PartialGroups > 0 {
			r.writePlain("Groups found before stopping: %d (not saved)\n", result.PartialGroups)
		}
		return result.Err
	}

	title := "Analysis Complete!"
	if result.FromCache {
		title = "Reused Previous Analysis"
	}
	r.writePlainHeader(title)
	r.writePlain("Run: %s\n", result.RunID)
	r.writePlain("Tracks analyzed: %d\n", result.Stats.TracksAnalyzed)
	r.writePlain("Duplicate groups: %d (%d duplicates)\n", result.Stats.GroupsFound, result.Stats.DuplicatesFound)
	if result.Stats.GroupsFound > 0 {
		r.writePlain("Average similarity: %.1f%%\n", result.Stats.AverageSimilarity*100)
	}
	if !result.FromCache {
		r.writePlain("Duration: %s\n", result.Duration.Round(time.Millisecond))
	}
	for _, w := range result.Warnings {
		r.writePlain("⚠ %s\n", w)
	}
	r.writePlain("\n")
	r.printGroups(result.Groups)
	return nil
}

// renderProgress draws analysis updates as a progress bar until updates is closed.
func (r *Runner) renderProgress(updates <-chan tasks.ProgressUpdate, quiet bool) {
	if quiet {
		for range updates {
		}
		return
	}

	bar := progressbar.NewOptions(1,
		progressbar.OptionSetWriter(r.progress),
		progressbar.OptionSetDescription("Starting"),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	for update := range updates {
		switch update.Phase {
		case tasks.AnalyzingSimilarities:
			if update.Total > 0 && bar.GetMax() != update.Total {
				bar.ChangeMax(update.Total)
			}
			bar.Describe(fmt.Sprintf("Comparing tracks (%d groups)", update.Groups))
			bar.Set(update.Step)
		case tasks.Finished:
			bar.Finish()
		default:
			bar.Describe(update.Message)
		}
	}
	bar.Exit()
}

func (r *Runner) printGroups(groups []models.DuplicateGroup) {
	if len(groups) == 0 {
		r.writePlain("✓ No duplicates found\n")
		return
	}

	for i, g := range groups {
		status := ""
		if g.Resolved {
			status = fmt.Sprintf(" [resolved: %s]", g.Resolution)
		}
		r.writePlain("%d. %s - %s (%d copies, %.0f%% match, %s)%s\n",
			i+1, g.Canonical.Artist, g.Canonical.Title, g.Size(), g.AverageSimilarity*100, g.SuggestedAction, status)
		for _, m := range g.Members() {
			marker := "  "
			switch {
			case m.IsCanonical:
				marker = "★ "
			case !m.StillExists:
				marker = "✗ "
			}
			r.writePlain("   %s%s  %s [%d plays]\n", marker, m.ID, m.Title, m.PlayCount)
		}
	}
}
