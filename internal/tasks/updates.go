package tasks

import (
	"fmt"

	"github.com/desertthunder/crate/internal/models"
)

// ProgressUpdate represents a progress event during an analysis run.
//
// Used to send real-time updates to the CLI or UI layer for display.
type ProgressUpdate struct {
	RunID   string // Run the update belongs to
	Phase   Phase  // Pipeline phase
	Step    int    // Records processed so far, or the current batch when saving
	Total   int    // Records to process, or batches to save
	Groups  int    // Groups found so far
	Message string // Human-readable message for display
	Data    any    // Optional phase-specific data, *RunResult when finished
}

// Percent returns Step as a fraction of Total in [0,1].
func (u ProgressUpdate) Percent() float64 {
	if u.Total <= 0 {
		return 0
	}
	return min(float64(u.Step)/float64(u.Total), 1)
}

// Phase is a stage of the analysis pipeline.
type Phase int

const (
	Starting Phase = iota
	LoadingTracks
	AnalyzingSimilarities
	OrganizingResults
	SavingResults
	Finished
)

func (p Phase) String() string {
	switch p {
	case Starting:
		return "starting"
	case LoadingTracks:
		return "loading_tracks"
	case AnalyzingSimilarities:
		return "analyzing_similarities"
	case OrganizingResults:
		return "organizing_results"
	case SavingResults:
		return "saving_results"
	case Finished:
		return "finished"
	default:
		return ""
	}
}

// Status returns the persisted run status of a non-final phase.
func (p Phase) Status() models.RunStatus {
	switch p {
	case LoadingTracks:
		return models.StatusLoadingTracks
	case AnalyzingSimilarities:
		return models.StatusAnalyzingSimilarities
	case OrganizingResults:
		return models.StatusOrganizingResults
	case SavingResults:
		return models.StatusSavingResults
	default:
		return models.StatusStarting
	}
}

func startingUpdate(runID string) ProgressUpdate {
	return ProgressUpdate{
		RunID:   runID,
		Phase:   Starting,
		Message: "Starting duplicate analysis...",
	}
}

func loadingUpdate(runID string, total int) ProgressUpdate {
	return ProgressUpdate{
		RunID:   runID,
		Phase:   LoadingTracks,
		Total:   total,
		Message: fmt.Sprintf("Loading %d tracks...", total),
	}
}

func analyzingUpdate(runID string, step, total, groups int) ProgressUpdate {
	return ProgressUpdate{
		RunID:   runID,
		Phase:   AnalyzingSimilarities,
		Step:    step,
		Total:   total,
		Groups:  groups,
		Message: fmt.Sprintf("[%d/%d] Comparing tracks (%d groups)", step, total, groups),
	}
}

func batchUpdate(runID string, batch, offset, total, groups int) ProgressUpdate {
	return ProgressUpdate{
		RunID:   runID,
		Phase:   AnalyzingSimilarities,
		Step:    offset,
		Total:   total,
		Groups:  groups,
		Message: fmt.Sprintf("Loading batch %d from track %d...", batch, offset+1),
	}
}

func organizingUpdate(runID string, total, groups int, sortBy models.SortKey) ProgressUpdate {
	return ProgressUpdate{
		RunID:   runID,
		Phase:   OrganizingResults,
		Step:    total,
		Total:   total,
		Groups:  groups,
		Message: fmt.Sprintf("Sorting %d groups by %s...", groups, sortBy),
	}
}

func savingUpdate(runID string, groups int) ProgressUpdate {
	return ProgressUpdate{
		RunID:   runID,
		Phase:   SavingResults,
		Total:   groups,
		Groups:  groups,
		Message: fmt.Sprintf("Saving %d groups...", groups),
	}
}

func finishedUpdate(result *RunResult) ProgressUpdate {
	msg := fmt.Sprintf("✓ Found %d duplicate groups", len(result.Groups))
	switch result.Outcome {
	case OutcomeCached:
		msg = fmt.Sprintf("✓ Reused %d duplicate groups from run %s", len(result.Groups), result.RunID)
	case OutcomeCancelled, OutcomeTimedOut, OutcomeFailed:
		msg = fmt.Sprintf("✗ Analysis %s: %v", result.Outcome, result.Err)
	}
	return ProgressUpdate{
		RunID:   result.RunID,
		Phase:   Finished,
		Step:    result.Checkpoint.Processed,
		Total:   result.Checkpoint.Total,
		Groups:  result.PartialGroups,
		Message: msg,
		Data:    result,
	}
}

func exportingUpdate(step, total int, runID string) ProgressUpdate {
	return ProgressUpdate{
		RunID:   runID,
		Phase:   Finished,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("[%d/%d] Exporting run %s...", step, total, runID),
	}
}

func exportCompletedUpdate(step, total int, runID string, groups int) ProgressUpdate {
	return ProgressUpdate{
		RunID:   runID,
		Phase:   Finished,
		Step:    step,
		Total:   total,
		Groups:  groups,
		Message: fmt.Sprintf("[%d/%d] ✓ %s (%d groups)", step, total, runID, groups),
	}
}

func exportFailedUpdate(step, total int, runID string, err error) ProgressUpdate {
	return ProgressUpdate{
		RunID:   runID,
		Phase:   Finished,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("[%d/%d] ✗ %s: %v", step, total, runID, err),
	}
}
