package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/crate/internal/formatter"
	"github.com/desertthunder/crate/internal/models"
	"github.com/desertthunder/crate/internal/shared"
)

// LibraryImport loads tracks from a CSV file into the library.
func (r *Runner) LibraryImport(ctx context.Context, cmd *cli.Command) error {
	path := cmd.StringArg("file")
	if path == "" {
		return fmt.Errorf("%w: CSV file is required", shared.ErrMissingArgument)
	}
	if err := r.open(ctx); err != nil {
		return err
	}

	records, err := formatter.ReadRecordsFile(path)
	if err != nil {
		return err
	}

	n, err := r.store.Library.Import(ctx, records)
	if err != nil {
		return fmt.Errorf("failed to import %s: %w", path, err)
	}
	r.cache.InvalidateAll()

	total, err := r.store.Library.Count(ctx, "")
	if err != nil {
		return err
	}
	r.logger.Info("imported library", "path", path, "records", n)
	r.writePlain("✓ Imported %d tracks (%d in library)\n", n, total)
	return nil
}

// LibraryList prints one page of active tracks.
func (r *Runner) LibraryList(ctx context.Context, cmd *cli.Command) error {
	if err := r.open(ctx); err != nil {
		return err
	}

	search := cmd.String("search")
	limit := cmd.Int("limit")
	if limit <= 0 {
		return fmt.Errorf("%w: limit must be positive", shared.ErrInvalidArgument)
	}

	records, err := r.store.Library.ListBatch(ctx, search, cmd.Int("offset"), limit)
	if err != nil {
		return err
	}
	if records == nil {
		records = []models.Record{}
	}

	if cmd.Bool("json") {
		return r.writeJSON(records, cmd.Bool("pretty"))
	}

	total, err := r.store.Library.Count(ctx, search)
	if err != nil {
		return err
	}
	r.writePlainHeader(fmt.Sprintf("Library (%d of %d tracks)", len(records), total))
	for _, rec := range records {
		r.writePlain("%s  %s - %s", rec.ID, rec.Artist, rec.Title)
		if rec.Album != "" {
			r.writePlain(" (%s)", rec.Album)
		}
		r.writePlain("  [%d plays]\n", rec.PlayCount)
	}
	return nil
}
