package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/crate/internal/models"
	"github.com/desertthunder/crate/internal/shared"
)

type registration struct {
	progress  models.AnalysisProgress
	cancelled bool
}

// Registry holds the in-memory progress and cancellation flag of every active run.
//
// The running analysis writes through [Registry.Update] while other goroutines poll
// [Registry.Snapshot] and call [Registry.Cancel]; all access goes through one mutex.
// Finished entries stay pollable for the grace window, then [Registry.Sweep] drops them.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registration
	grace   time.Duration
	logger  *log.Logger
	now     func() time.Time
}

// NewRegistry creates a Registry that keeps finished runs for grace.
func NewRegistry(grace time.Duration, logger *log.Logger) *Registry {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &Registry{entries: make(map[string]*registration), grace: grace, logger: logger, now: time.Now}
}

// Register adds a run in the starting phase.
func (r *Registry) Register(runID, ownerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[runID]; ok {
		return fmt.Errorf("%w: run %s already registered", shared.ErrInvalidArgument, runID)
	}

	now := r.now()
	r.entries[runID] = &registration{progress: models.AnalysisProgress{
		RunID:     runID,
		OwnerID:   ownerID,
		Phase:     models.StatusStarting,
		StartedAt: now,
		UpdatedAt: now,
	}}
	return nil
}

// Update applies fn to a run's progress and refreshes its estimate. Finished runs are not modified.
func (r *Registry) Update(runID string, fn func(*models.AnalysisProgress)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[runID]
	if !ok || e.progress.Done() {
		return
	}

	fn(&e.progress)
	now := r.now()
	e.progress.UpdatedAt = now
	e.progress.Estimate(now)
}

// Snapshot returns a copy of a run's progress.
func (r *Registry) Snapshot(runID string) (models.AnalysisProgress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[runID]
	if !ok {
		return models.AnalysisProgress{}, false
	}
	return e.progress, true
}

// Active returns the progress of every run that has not finished.
func (r *Registry) Active() []models.AnalysisProgress {
	r.mu.Lock()
	defer r.mu.Unlock()

	var active []models.AnalysisProgress
	for _, e := range r.entries {
		if !e.progress.Done() {
			active = append(active, e.progress)
		}
	}
	return active
}

// Cancel flags a running analysis for cancellation.
//
// The run observes the flag at its next phase boundary or checkpoint.
// Returns false when the run is unknown or already finished.
func (r *Registry) Cancel(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[runID]
	if !ok || e.progress.Done() {
		return false
	}
	e.cancelled = true
	e.progress.Message = "Cancellation requested"
	return true
}

// CancelAll flags every unfinished run and returns how many were flagged.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entries {
		if !e.progress.Done() && !e.cancelled {
			e.cancelled = true
			n++
		}
	}
	return n
}

// Cancelled reports whether cancellation was requested for a run.
func (r *Registry) Cancelled(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[runID]
	return ok && e.cancelled
}

// Finish moves a run to a terminal phase. Later calls are ignored.
func (r *Registry) Finish(runID string, status models.RunStatus, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[runID]
	if !ok || e.progress.Done() {
		return
	}

	now := r.now()
	e.progress.Phase = status
	e.progress.UpdatedAt = now
	e.progress.FinishedAt = &now
	e.progress.EstimatedRemaining = 0
	if status == models.StatusCompleted {
		e.progress.Percentage = 100
		e.progress.Message = message
	} else {
		e.progress.Error = message
	}
}

// Sweep drops runs that finished more than the grace window ago and returns how many were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.grace)
	n := 0
	for id, e := range r.entries {
		if e.progress.FinishedAt != nil && !e.progress.FinishedAt.After(cutoff) {
			delete(r.entries, id)
			n++
		}
	}
	return n
}

// Len returns the number of tracked runs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Run sweeps the registry every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.logger.Debug("swept finished runs", "removed", n, "remaining", r.Len())
			}
		}
	}
}
