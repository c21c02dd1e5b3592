package services

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/crate/internal/models"
	"github.com/desertthunder/crate/internal/repositories"
)

// CacheInvalidator drops every cached analysis result. Implemented by [cache.ResultCache].
type CacheInvalidator interface {
	InvalidateAll()
}

// ResolutionReport describes how a deletion changed persisted groups.
type ResolutionReport struct {
	RecordsMatched int                          `json:"records_matched"`
	GroupsAffected int                          `json:"groups_affected"`
	GroupsResolved int                          `json:"groups_resolved"`
	Outcomes       map[string]models.Resolution `json:"outcomes,omitempty"`
}

// CurrentStats is the state of a run's groups after cleanup.
type CurrentStats struct {
	ActiveGroups        int `json:"active_groups"`
	ResolvedGroups      int `json:"resolved_groups"`
	RemainingDuplicates int `json:"remaining_duplicates"`
	TracksDeleted       int `json:"tracks_deleted"`
	CanonicalDeleted    int `json:"canonical_deleted"`
	DuplicatesDeleted   int `json:"duplicates_deleted"`
}

// ImpactSummary compares a run's original findings with its current state.
type ImpactSummary struct {
	RunID       string                    `json:"run_id"`
	Original    models.RunStats           `json:"original"`
	Current     CurrentStats              `json:"current"`
	Resolutions map[models.Resolution]int `json:"resolutions"`
	// ResolutionRate is the percentage of groups resolved.
	ResolutionRate float64 `json:"resolution_rate"`
	// EliminationRate is the percentage of duplicates deleted.
	EliminationRate float64 `json:"elimination_rate"`
	// CanonicalLossRate is the percentage of groups whose canonical record was deleted.
	CanonicalLossRate float64 `json:"canonical_loss_rate"`
}

// RefreshSuggestion recommends whether a run should be repeated.
type RefreshSuggestion struct {
	RunID              string           `json:"run_id"`
	Recommend          bool             `json:"recommend"`
	ThresholdPercent   float64          `json:"threshold_percent"`
	EliminationPercent float64          `json:"elimination_percent"`
	DriftPercent       float64          `json:"drift_percent"`
	Staleness          models.Staleness `json:"staleness"`
	Reasons            []string         `json:"reasons,omitempty"`
}

// ResolutionTracker keeps persisted groups consistent with deletions in the library.
type ResolutionTracker struct {
	store  *repositories.Store
	cache  CacheInvalidator
	logger *log.Logger
	now    func() time.Time
}

// NewResolutionTracker creates a tracker. cache may be nil.
func NewResolutionTracker(store *repositories.Store, cache CacheInvalidator, logger *log.Logger) *ResolutionTracker {
	return &ResolutionTracker{store: store, cache: cache, logger: logger, now: time.Now}
}

// Classify maps a group's live membership onto a resolution outcome.
func Classify(state repositories.GroupState) models.Resolution {
	switch {
	case state.Live == 0:
		return models.ResolutionAllDeleted
	case !state.CanonicalLive:
		return models.ResolutionCanonicalDeleted
	case state.Live == 1:
		return models.ResolutionDuplicatesDeleted
	default:
		return models.ResolutionPartialCleanup
	}
}

// OnRecordsDeleted marks the owner's snapshots of ids as deleted and re-evaluates every affected group.
//
// A group is resolved once at most one live member remains. Resolution is never reverted;
// later deletions only update the group's latest outcome.
func (t *ResolutionTracker) OnRecordsDeleted(ctx context.Context, ids []string, ownerID string) (ResolutionReport, error) {
	report := ResolutionReport{Outcomes: map[string]models.Resolution{}}
	if len(ids) == 0 {
		return report, nil
	}
	defer t.invalidate()

	refs, err := t.store.Groups.LiveRefs(ctx, ownerID, ids)
	if err != nil {
		return report, err
	}
	if len(refs) == 0 {
		return report, nil
	}

	var groupIDs []string
	for _, ref := range refs {
		groupIDs = append(groupIDs, ref.GroupID)
	}
	slices.Sort(groupIDs)
	groupIDs = slices.Compact(groupIDs)

	now := t.now().UTC()
	marked, err := t.store.Groups.MarkDeleted(ctx, ownerID, ids, now)
	if err != nil {
		return report, err
	}
	report.RecordsMatched = int(marked)

	for _, groupID := range groupIDs {
		state, err := t.store.Groups.State(ctx, groupID)
		if err != nil {
			return report, err
		}

		outcome := Classify(state)
		report.Outcomes[groupID] = outcome
		report.GroupsAffected++

		if state.Live <= 1 && !state.Resolved {
			resolved, err := t.store.Groups.Resolve(ctx, groupID, outcome, now)
			if err != nil {
				return report, err
			}
			if resolved {
				report.GroupsResolved++
			}
			continue
		}

		if err := t.store.Groups.RecordOutcome(ctx, groupID, outcome, now); err != nil {
			return report, err
		}
	}

	t.logger.Info("applied record deletions to analysis results",
		"owner", ownerID, "records", len(ids), "snapshots", marked,
		"groups", report.GroupsAffected, "resolved", report.GroupsResolved)
	return report, nil
}

func (t *ResolutionTracker) invalidate() {
	if t.cache != nil {
		t.cache.InvalidateAll()
	}
}

func percent(part, whole int) float64 {
	if whole <= 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}

// ImpactSummary reports how much of a run's findings have been cleaned up.
func (t *ResolutionTracker) ImpactSummary(ctx context.Context, runID string) (ImpactSummary, error) {
	run, err := t.store.Runs.Get(ctx, runID)
	if err != nil {
		return ImpactSummary{}, err
	}
	counts, err := t.store.Groups.Impact(ctx, runID)
	if err != nil {
		return ImpactSummary{}, err
	}

	duplicates := counts.Tracks - counts.Groups
	summary := ImpactSummary{
		RunID:    runID,
		Original: run.Stats,
		Current: CurrentStats{
			ActiveGroups:        counts.Groups - counts.ResolvedGroups,
			ResolvedGroups:      counts.ResolvedGroups,
			RemainingDuplicates: duplicates - counts.DuplicatesDeleted,
			TracksDeleted:       counts.DeletedTracks,
			CanonicalDeleted:    counts.CanonicalDeleted,
			DuplicatesDeleted:   counts.DuplicatesDeleted,
		},
		Resolutions:       counts.Resolutions,
		ResolutionRate:    percent(counts.ResolvedGroups, counts.Groups),
		EliminationRate:   percent(counts.DuplicatesDeleted, duplicates),
		CanonicalLossRate: percent(counts.CanonicalDeleted, counts.Groups),
	}
	return summary, nil
}

// SuggestRefresh recommends a new run when deletions or library drift exceed thresholdPct.
//
// A non-positive threshold uses the owner's refresh preference.
func (t *ResolutionTracker) SuggestRefresh(ctx context.Context, runID string, thresholdPct float64) (RefreshSuggestion, error) {
	run, err := t.store.Runs.Get(ctx, runID)
	if err != nil {
		return RefreshSuggestion{}, err
	}
	if thresholdPct <= 0 {
		prefs, err := t.store.Preferences.Get(ctx, run.OwnerID)
		if err != nil {
			return RefreshSuggestion{}, err
		}
		thresholdPct = prefs.RefreshThresholdPercent
	}

	counts, err := t.store.Groups.Impact(ctx, runID)
	if err != nil {
		return RefreshSuggestion{}, err
	}
	staleness, err := t.store.ComputeStaleness(ctx, run)
	if err != nil {
		return RefreshSuggestion{}, err
	}

	s := RefreshSuggestion{
		RunID:              runID,
		ThresholdPercent:   thresholdPct,
		EliminationPercent: percent(counts.DeletedTracks, counts.Tracks),
		DriftPercent:       staleness.ChangePercent,
		Staleness:          staleness,
	}
	if s.EliminationPercent > thresholdPct {
		s.Reasons = append(s.Reasons, fmt.Sprintf("%.1f%% of grouped records have been deleted", s.EliminationPercent))
	}
	if s.DriftPercent > thresholdPct {
		s.Reasons = append(s.Reasons, fmt.Sprintf("library size drifted %.1f%% since the run", s.DriftPercent))
	}
	if staleness.Level == models.StalenessVeryStale {
		s.Reasons = append(s.Reasons, fmt.Sprintf("results are %s", staleness.Level))
	}
	s.Recommend = len(s.Reasons) > 0
	return s, nil
}
