package services

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/crate/internal/models"
	"github.com/desertthunder/crate/internal/repositories"
	"github.com/desertthunder/crate/internal/shared"
)

// Trend is the direction of cleanup efficiency over a window.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendSteady    Trend = "steady"
)

// trendTolerance is the relative change in mean efficiency treated as steady.
const trendTolerance = 0.1

// TrailEntry is an audit entry with its derived efficiency.
type TrailEntry struct {
	models.AuditLogEntry
	Efficiency float64 `json:"efficiency"`
}

// AuditSummary aggregates an owner's cleanup operations over a window.
type AuditSummary struct {
	OwnerID          string                     `json:"owner_id"`
	Window           time.Duration              `json:"window"`
	Operations       int                        `json:"operations"`
	Successful       int                        `json:"successful"`
	Failed           int                        `json:"failed"`
	RecordsRequested int                        `json:"records_requested"`
	RecordsAffected  int                        `json:"records_affected"`
	GroupsAffected   int                        `json:"groups_affected"`
	MeanEfficiency   float64                    `json:"mean_efficiency"`
	Trend            Trend                      `json:"trend"`
	ByAction         map[models.AuditAction]int `json:"by_action"`
}

// AuditLog records and reports cleanup operations.
type AuditLog struct {
	repo   *repositories.AuditRepository
	logger *log.Logger
	now    func() time.Time
}

// NewAuditLog creates an AuditLog over repo.
func NewAuditLog(repo *repositories.AuditRepository, logger *log.Logger) *AuditLog {
	return &AuditLog{repo: repo, logger: logger, now: time.Now}
}

// Record persists one cleanup operation. The entry's ID and timestamp are filled in when empty.
func (a *AuditLog) Record(ctx context.Context, entry *models.AuditLogEntry) error {
	if entry.ID == "" {
		id, err := shared.GenerateActionID("del")
		if err != nil {
			return err
		}
		entry.ID = id
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = a.now().UTC()
	}

	if err := a.repo.Create(ctx, entry); err != nil {
		return err
	}

	a.logger.Debug("recorded cleanup", "id", entry.ID, "action", entry.Action, "affected", entry.AffectedCount, "success", entry.Success)
	return nil
}

// Query returns the owner's trail for the last window, oldest first. A zero window returns everything.
func (a *AuditLog) Query(ctx context.Context, ownerID string, window time.Duration) ([]TrailEntry, error) {
	var since time.Time
	if window > 0 {
		since = a.now().Add(-window)
	}

	entries, err := a.repo.List(ctx, ownerID, since, time.Time{})
	if err != nil {
		return nil, err
	}

	trail := make([]TrailEntry, len(entries))
	for i, e := range entries {
		trail[i] = TrailEntry{AuditLogEntry: e, Efficiency: e.Efficiency()}
	}
	return trail, nil
}

// Summary aggregates the owner's trail for the last window.
//
// Trend compares the mean efficiency of the older and newer halves of the window's successful operations.
func (a *AuditLog) Summary(ctx context.Context, ownerID string, window time.Duration) (AuditSummary, error) {
	trail, err := a.Query(ctx, ownerID, window)
	if err != nil {
		return AuditSummary{}, err
	}
	return Summarize(ownerID, window, trail), nil
}

// Summarize aggregates a chronological trail.
func Summarize(ownerID string, window time.Duration, trail []TrailEntry) AuditSummary {
	s := AuditSummary{OwnerID: ownerID, Window: window, Trend: TrendSteady, ByAction: map[models.AuditAction]int{}}

	var efficiencies []float64
	for _, e := range trail {
		s.Operations++
		s.ByAction[e.Action]++
		s.RecordsRequested += e.RequestedCount
		s.RecordsAffected += e.AffectedCount
		s.GroupsAffected += e.GroupsAffected

		if !e.Success {
			s.Failed++
			continue
		}
		s.Successful++
		efficiencies = append(efficiencies, e.Efficiency)
	}

	s.MeanEfficiency = mean(efficiencies)
	if len(efficiencies) < 2 {
		return s
	}

	half := len(efficiencies) / 2
	older, newer := mean(efficiencies[:half]), mean(efficiencies[len(efficiencies)-half:])
	switch {
	case older == 0 && newer > 0:
		s.Trend = TrendImproving
	case older == 0:
	case (newer-older)/older > trendTolerance:
		s.Trend = TrendImproving
	case (older-newer)/older > trendTolerance:
		s.Trend = TrendDeclining
	}
	return s
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var total float64
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}
