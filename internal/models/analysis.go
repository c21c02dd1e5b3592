package models

import (
	"encoding/json"
	"strings"
	"time"
)

// SortKey orders the groups of a run.
type SortKey string

const (
	SortArtist     SortKey = "artist"
	SortSong       SortKey = "song"
	SortDuplicates SortKey = "duplicates"
	SortConfidence SortKey = "confidence"
	SortPlayCount  SortKey = "play_count"
	SortLastPlayed SortKey = "last_played"
	SortDateAdded  SortKey = "date_added"
)

// SortKeys lists every supported sort key.
var SortKeys = []SortKey{SortArtist, SortSong, SortDuplicates, SortConfidence, SortPlayCount, SortLastPlayed, SortDateAdded}

// Filters are the user-supplied parameters of a run.
type Filters struct {
	SearchTerm    string  `json:"search_term" validate:"max=200"`
	SortBy        SortKey `json:"sort_by" validate:"omitempty,oneof=artist song duplicates confidence play_count last_played date_added"`
	MinConfidence float64 `json:"min_confidence" validate:"gte=0,lte=1"`
}

// Normalized trims the search term and applies the default sort key.
func (f Filters) Normalized() Filters {
	f.SearchTerm = strings.TrimSpace(f.SearchTerm)
	if f.SortBy == "" {
		f.SortBy = SortArtist
	}
	return f
}

// Validate rejects unknown sort keys and out-of-range confidence values.
func (f Filters) Validate() error {
	return validateStruct(f)
}

// RunStats are the aggregate results of a run.
type RunStats struct {
	GroupsFound       int     `json:"groups_found"`
	DuplicatesFound   int     `json:"duplicates_found"`
	AverageSimilarity float64 `json:"average_similarity"`
	TracksAnalyzed    int     `json:"tracks_analyzed"`
}

// StatsFor computes run stats from a set of groups.
func StatsFor(groups []DuplicateGroup, analyzed int) RunStats {
	stats := RunStats{GroupsFound: len(groups), TracksAnalyzed: analyzed}
	if len(groups) == 0 {
		return stats
	}

	var total float64
	for _, g := range groups {
		stats.DuplicatesFound += len(g.Duplicates)
		total += g.AverageSimilarity
	}
	stats.AverageSimilarity = total / float64(len(groups))
	return stats
}

// LibrarySnapshot records the library shape when a run started, for staleness detection.
type LibrarySnapshot struct {
	TrackCount   int        `json:"track_count"`
	LastModified *time.Time `json:"last_modified,omitempty"`
}

// Checkpoint is the last persisted in-progress state of a run.
type Checkpoint struct {
	Processed   int        `json:"processed"`
	Total       int        `json:"total"`
	GroupsFound int        `json:"groups_found"`
	At          *time.Time `json:"at,omitempty"`
}

// AnalysisRun is one execution of the detection pipeline.
type AnalysisRun struct {
	ID           string          `json:"id"`
	Sequence     int             `json:"-"`
	OwnerID      string          `json:"owner_id"`
	Status       RunStatus       `json:"status"`
	Filters      Filters         `json:"filters"`
	Stats        RunStats        `json:"stats"`
	Snapshot     LibrarySnapshot `json:"snapshot"`
	Checkpoint   Checkpoint      `json:"checkpoint"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Diagnostics  json.RawMessage `json:"diagnostics,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// NewAnalysisRun creates a run in the starting state.
func NewAnalysisRun(id, ownerID string, filters Filters, now time.Time) *AnalysisRun {
	return &AnalysisRun{
		ID:        id,
		OwnerID:   ownerID,
		Status:    StatusStarting,
		Filters:   filters.Normalized(),
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
}

// Age returns how long ago the run was created.
func (r *AnalysisRun) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// Validate checks the identifying fields and filters of a run.
func (r *AnalysisRun) Validate() error {
	identity := struct {
		ID      string `validate:"required,uuid"`
		OwnerID string `validate:"required,max=128"`
	}{r.ID, r.OwnerID}
	if err := validateStruct(identity); err != nil {
		return err
	}
	return r.Filters.Validate()
}
