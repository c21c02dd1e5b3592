package tasks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/desertthunder/crate/internal/formatter"
	"github.com/desertthunder/crate/internal/shared"
)

// BulkExportOpts contains configuration for bulk run exports.
type BulkExportOpts struct {
	Format     formatter.Format // Export format: json, csv, markdown
	OutputDir  string           // Base output directory (default: crate_export_{epoch})
	NumWorkers int              // Concurrent workers (default: 4)
	RateLimit  float64          // Runs started per second (default: 10)
}

// BulkExportResult summarises a bulk export.
type BulkExportResult struct {
	Manifest     formatter.Manifest
	ManifestPath string
	OutputDir    string
}

type exportJob struct {
	runID string
}

// BulkExport writes the stored groups of several runs to {OutputDir}/{runID}.{ext}.
//
// Runs are exported by a worker pool behind a rate limiter. A failed run is recorded in the
// manifest and does not stop the others.
func (e *AnalysisEngine) BulkExport(ctx context.Context, prog chan<- ProgressUpdate, runIDs []string, opts BulkExportOpts) (*BulkExportResult, error) {
	if len(runIDs) == 0 {
		return nil, fmt.Errorf("%w: no runs to export", shared.ErrMissingArgument)
	}
	if opts.Format == "" {
		opts.Format = formatter.FormatJSON
	}
	if opts.OutputDir == "" {
		opts.OutputDir = fmt.Sprintf("crate_export_%d", e.now().Unix())
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 4
	}
	opts.NumWorkers = min(opts.NumWorkers, 10, len(runIDs))
	if opts.RateLimit <= 0 {
		opts.RateLimit = 10
	}

	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	limiter := rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	jobs := make(chan exportJob, len(runIDs))
	results := make(chan formatter.ManifestEntry, len(runIDs))

	var wg sync.WaitGroup
	for range opts.NumWorkers {
		wg.Add(1)
		go e.exportWorker(ctx, &wg, jobs, results, opts)
	}

	go func() {
		defer close(jobs)
		for i, runID := range runIDs {
			if err := limiter.Wait(ctx); err != nil {
				for _, skipped := range runIDs[i:] {
					results <- formatter.ManifestEntry{RunID: skipped, Error: err.Error()}
				}
				return
			}
			e.sendProgress(prog, exportingUpdate(i+1, len(runIDs), runID))
			jobs <- exportJob{runID: runID}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	manifest := formatter.Manifest{
		Format:     opts.Format,
		ExportedAt: e.now().UTC(),
		Total:      len(runIDs),
		Runs:       make([]formatter.ManifestEntry, 0, len(runIDs)),
	}

	completed := 0
	for res := range results {
		completed++
		manifest.Runs = append(manifest.Runs, res)
		if res.Success {
			manifest.Successful++
			e.sendProgress(prog, exportCompletedUpdate(completed, len(runIDs), res.RunID, res.Groups))
		} else {
			manifest.Failed++
			e.sendProgress(prog, exportFailedUpdate(completed, len(runIDs), res.RunID, fmt.Errorf("%s", res.Error)))
		}
	}

	result := &BulkExportResult{Manifest: manifest, OutputDir: opts.OutputDir}
	manifestPath := filepath.Join(opts.OutputDir, "export_manifest.json")
	if err := formatter.WriteManifest(manifest, manifestPath); err != nil {
		return result, fmt.Errorf("export completed but failed to write manifest: %w", err)
	}
	result.ManifestPath = manifestPath

	e.logger.Info("bulk export finished", "dir", opts.OutputDir, "successful", manifest.Successful, "failed", manifest.Failed, "took", e.now().Sub(manifest.ExportedAt).Round(time.Millisecond))
	return result, nil
}

// exportWorker exports runs from the jobs channel until it is closed.
func (e *AnalysisEngine) exportWorker(
	ctx context.Context,
	wg *sync.WaitGroup,
	jobs <-chan exportJob,
	results chan<- formatter.ManifestEntry,
	opts BulkExportOpts,
) {
	defer wg.Done()

	for job := range jobs {
		if err := ctx.Err(); err != nil {
			results <- formatter.ManifestEntry{RunID: job.runID, Error: err.Error()}
			continue
		}
		results <- e.exportRun(ctx, job.runID, opts)
	}
}

// exportRun writes a single run. A partially written file is removed.
func (e *AnalysisEngine) exportRun(ctx context.Context, runID string, opts BulkExportOpts) formatter.ManifestEntry {
	entry := formatter.ManifestEntry{RunID: runID}
	path := filepath.Join(opts.OutputDir, runID+"."+opts.Format.Extension())

	f, err := os.Create(path)
	if err != nil {
		entry.Error = fmt.Sprintf("failed to create file: %v", err)
		return entry
	}

	n, err := e.Export(ctx, runID, f, opts.Format)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		entry.Error = err.Error()
		return entry
	}

	entry.File = path
	entry.Groups = n
	entry.Success = true
	return entry
}
