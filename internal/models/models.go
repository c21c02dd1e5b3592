// package models defines the data model for the duplicate analysis engine
package models

import (
	"fmt"
	"time"

	"github.com/desertthunder/crate/internal/shared"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// validateStruct runs struct tag validation and wraps failures in [shared.ErrValidation].
func validateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	return nil
}

// Record is a library entry as exposed by the track repository.
//
// Records are immutable from the engine's perspective; the only change it observes is deletion.
type Record struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Artist       string     `json:"artist"`
	Album        string     `json:"album,omitempty"`
	PlayCount    int        `json:"play_count"`
	LastPlayedAt *time.Time `json:"last_played_at,omitempty"`
	DateAdded    time.Time  `json:"date_added"`
	UpdatedAt    time.Time  `json:"-"`
}

// Validate checks that a record can be stored in the library.
func (r Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: record id is required", shared.ErrValidation)
	}
	if r.Title == "" {
		return fmt.Errorf("%w: record %s has no title", shared.ErrValidation, r.ID)
	}
	if r.PlayCount < 0 {
		return fmt.Errorf("%w: record %s has negative play count", shared.ErrValidation, r.ID)
	}
	return nil
}

// RunStatus is the state of an analysis run.
//
// starting → loading_tracks → analyzing_similarities → organizing_results → saving_results → completed.
// failed and cancelled are reachable from any non-terminal state.
type RunStatus string

const (
	StatusStarting              RunStatus = "starting"
	StatusLoadingTracks         RunStatus = "loading_tracks"
	StatusAnalyzingSimilarities RunStatus = "analyzing_similarities"
	StatusOrganizingResults     RunStatus = "organizing_results"
	StatusSavingResults         RunStatus = "saving_results"
	StatusCompleted             RunStatus = "completed"
	StatusFailed                RunStatus = "failed"
	StatusCancelled             RunStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// order returns the position of a non-terminal status in the pipeline.
func (s RunStatus) order() int {
	switch s {
	case StatusStarting:
		return 0
	case StatusLoadingTracks:
		return 1
	case StatusAnalyzingSimilarities:
		return 2
	case StatusOrganizingResults:
		return 3
	case StatusSavingResults:
		return 4
	case StatusCompleted:
		return 5
	default:
		return -1
	}
}

// CanTransition reports whether a run may move from s to next.
func (s RunStatus) CanTransition(next RunStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusFailed || next == StatusCancelled {
		return true
	}
	return next.order() > s.order()
}

func (s RunStatus) String() string { return string(s) }
