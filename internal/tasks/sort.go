package tasks

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/desertthunder/crate/internal/models"
)

// FilterConfidence drops groups whose mean similarity is below minConfidence.
func FilterConfidence(groups []models.DuplicateGroup, minConfidence float64) []models.DuplicateGroup {
	if minConfidence <= 0 {
		return groups
	}
	return slices.DeleteFunc(groups, func(g models.DuplicateGroup) bool {
		return g.AverageSimilarity < minConfidence
	})
}

// SortGroups orders groups in place by key.
//
// Text keys sort ascending, counts and scores descending. Ties fall back to the canonical record id.
func SortGroups(groups []models.DuplicateGroup, key models.SortKey) {
	compare := byArtist
	switch key {
	case models.SortSong:
		compare = bySong
	case models.SortDuplicates:
		compare = func(a, b models.DuplicateGroup) int { return cmp.Compare(b.Size(), a.Size()) }
	case models.SortConfidence:
		compare = func(a, b models.DuplicateGroup) int { return cmp.Compare(b.AverageSimilarity, a.AverageSimilarity) }
	case models.SortPlayCount:
		compare = func(a, b models.DuplicateGroup) int { return cmp.Compare(b.TotalPlayCount(), a.TotalPlayCount()) }
	case models.SortLastPlayed:
		compare = byLastPlayed
	case models.SortDateAdded:
		compare = func(a, b models.DuplicateGroup) int { return a.EarliestAdded().Compare(b.EarliestAdded()) }
	}

	slices.SortStableFunc(groups, func(a, b models.DuplicateGroup) int {
		if c := compare(a, b); c != 0 {
			return c
		}
		return cmp.Compare(a.Canonical.ID, b.Canonical.ID)
	})
}

func byArtist(a, b models.DuplicateGroup) int {
	if c := cmp.Compare(strings.ToLower(a.Canonical.Artist), strings.ToLower(b.Canonical.Artist)); c != 0 {
		return c
	}
	return bySong(a, b)
}

func bySong(a, b models.DuplicateGroup) int {
	return cmp.Compare(strings.ToLower(a.Canonical.Title), strings.ToLower(b.Canonical.Title))
}

// byLastPlayed puts the most recently played groups first and never-played groups last.
func byLastPlayed(a, b models.DuplicateGroup) int {
	la, lb := a.LastPlayed(), b.LastPlayed()
	switch {
	case la == nil && lb == nil:
		return 0
	case la == nil:
		return 1
	case lb == nil:
		return -1
	default:
		return timeDesc(*la, *lb)
	}
}

func timeDesc(a, b time.Time) int {
	return b.Compare(a)
}
