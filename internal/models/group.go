package models

import "time"

// Resolution classifies a group after external deletions have been applied.
type Resolution string

const (
	ResolutionNone              Resolution = ""
	ResolutionAllDeleted        Resolution = "all_deleted"
	ResolutionCanonicalDeleted  Resolution = "canonical_deleted"
	ResolutionDuplicatesDeleted Resolution = "duplicates_deleted"
	ResolutionPartialCleanup    Resolution = "partial_cleanup"
)

// SuggestedAction is the cleanup the engine recommends for a group.
type SuggestedAction string

const (
	// ActionDeleteDuplicates keeps the canonical record and removes the rest.
	ActionDeleteDuplicates SuggestedAction = "delete_duplicates"
	// ActionReview marks groups whose members are versions (live, acoustic, remaster) rather than copies.
	ActionReview SuggestedAction = "review"
)

// GroupMember is one record of a duplicate group.
//
// The embedded Record is the live record when it still exists, otherwise the snapshot taken at analysis time.
type GroupMember struct {
	Record
	Similarity  float64    `json:"similarity"`
	IsCanonical bool       `json:"is_canonical"`
	StillExists bool       `json:"still_exists"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// DuplicateGroup is a canonical record and the records judged to duplicate it.
type DuplicateGroup struct {
	ID                string          `json:"id"`
	RunID             string          `json:"run_id,omitempty"`
	Canonical         GroupMember     `json:"canonical"`
	Duplicates        []GroupMember   `json:"duplicates"`
	AverageSimilarity float64         `json:"average_similarity"`
	SuggestedAction   SuggestedAction `json:"suggested_action"`
	Resolved          bool            `json:"resolved"`
	Resolution        Resolution      `json:"resolution,omitempty"`
	ResolvedAt        *time.Time      `json:"resolved_at,omitempty"`
}

// Members returns the canonical member followed by the duplicates.
func (g DuplicateGroup) Members() []GroupMember {
	members := make([]GroupMember, 0, len(g.Duplicates)+1)
	members = append(members, g.Canonical)
	return append(members, g.Duplicates...)
}

// RecordIDs returns the ids of every member, canonical first.
func (g DuplicateGroup) RecordIDs() []string {
	ids := make([]string, 0, len(g.Duplicates)+1)
	ids = append(ids, g.Canonical.ID)
	for _, d := range g.Duplicates {
		ids = append(ids, d.ID)
	}
	return ids
}

// Size returns the number of members including the canonical record.
func (g DuplicateGroup) Size() int {
	return len(g.Duplicates) + 1
}

// TotalPlayCount sums play counts across members.
func (g DuplicateGroup) TotalPlayCount() int {
	total := g.Canonical.PlayCount
	for _, d := range g.Duplicates {
		total += d.PlayCount
	}
	return total
}

// LastPlayed returns the most recent play across members, or nil.
func (g DuplicateGroup) LastPlayed() *time.Time {
	var latest *time.Time
	for _, m := range g.Members() {
		if m.LastPlayedAt != nil && (latest == nil || m.LastPlayedAt.After(*latest)) {
			latest = m.LastPlayedAt
		}
	}
	return latest
}

// EarliestAdded returns the oldest date added across members.
func (g DuplicateGroup) EarliestAdded() time.Time {
	earliest := g.Canonical.DateAdded
	for _, d := range g.Duplicates {
		if d.DateAdded.Before(earliest) {
			earliest = d.DateAdded
		}
	}
	return earliest
}

// LiveMembers counts members whose record still exists.
func (g DuplicateGroup) LiveMembers() int {
	n := 0
	for _, m := range g.Members() {
		if m.StillExists {
			n++
		}
	}
	return n
}
