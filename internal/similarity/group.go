package similarity

import (
	"github.com/desertthunder/crate/internal/models"
	"github.com/desertthunder/crate/internal/shared"
)

// ProgressFunc is called by [Grouper] after each seed record. Returning an error aborts grouping.
type ProgressFunc func(processed, groups int) error

// Grouper groups a window of records, reporting progress as it goes.
type Grouper struct {
	OnProgress ProgressFunc
}

// GroupRecords groups records without progress reporting.
func GroupRecords(records []models.Record) []models.DuplicateGroup {
	groups, _ := (&Grouper{}).Group(records)
	return groups
}

// Group partitions records into duplicate groups. Singletons are discarded.
//
// Each unprocessed record seeds a group and claims every later unprocessed record
// that [Matches] it, so no record lands in two groups. When OnProgress returns an
// error the groups built so far are returned along with it.
func (g *Grouper) Group(records []models.Record) ([]models.DuplicateGroup, error) {
	processed := make([]bool, len(records))
	var groups []models.DuplicateGroup

	for i := range records {
		if !processed[i] {
			members := []models.Record{records[i]}
			for j := i + 1; j < len(records); j++ {
				if processed[j] {
					continue
				}
				if Matches(&records[i], &records[j]) {
					members = append(members, records[j])
					processed[j] = true
				}
			}
			processed[i] = true

			if len(members) > 1 {
				groups = append(groups, BuildGroup(members))
			}
		}

		if g.OnProgress != nil {
			if err := g.OnProgress(i+1, len(groups)); err != nil {
				return groups, err
			}
		}
	}

	return groups, nil
}

// BuildGroup picks the canonical member and scores every duplicate against it.
func BuildGroup(members []models.Record) models.DuplicateGroup {
	ci := CanonicalPick(members)
	canonical := members[ci]

	group := models.DuplicateGroup{
		ID:              shared.GenerateID(),
		Canonical:       models.GroupMember{Record: canonical, Similarity: 1, IsCanonical: true, StillExists: true},
		SuggestedAction: models.ActionDeleteDuplicates,
	}

	var total float64
	for i, m := range members {
		if i == ci {
			continue
		}
		score := Similarity(&canonical, &members[i])
		total += score
		group.Duplicates = append(group.Duplicates, models.GroupMember{Record: m, Similarity: score, StillExists: true})

		if IsVersion(m.Title) != IsVersion(canonical.Title) {
			group.SuggestedAction = models.ActionReview
		}
	}

	if n := len(group.Duplicates); n > 0 {
		group.AverageSimilarity = total / float64(n)
	}
	return group
}
