package models

import (
	"fmt"
	"time"

	"github.com/desertthunder/crate/internal/shared"
)

// UserPreferences are the per-owner staleness thresholds.
type UserPreferences struct {
	OwnerID                 string    `json:"owner_id" validate:"required"`
	FreshMinutes            int       `json:"fresh_minutes" validate:"gt=0"`
	ModerateHours           int       `json:"moderate_hours" validate:"gt=0"`
	StaleDays               int       `json:"stale_days" validate:"gt=0"`
	ChangePercent           float64   `json:"change_percent" validate:"gt=0,lte=100"`
	ChangeAbsolute          int       `json:"change_absolute" validate:"gt=0"`
	RefreshThresholdPercent float64   `json:"refresh_threshold_percent" validate:"gt=0,lte=100"`
	UpdatedAt               time.Time `json:"updated_at"`
	IsDefault               bool      `json:"is_default"`
}

// DefaultPreferences returns the thresholds applied when an owner has none stored.
func DefaultPreferences(ownerID string, cfg shared.StalenessConfig) UserPreferences {
	return UserPreferences{
		OwnerID:                 ownerID,
		FreshMinutes:            cfg.FreshMinutes,
		ModerateHours:           cfg.ModerateHours,
		StaleDays:               cfg.StaleDays,
		ChangePercent:           cfg.ChangePercent,
		ChangeAbsolute:          cfg.ChangeAbsolute,
		RefreshThresholdPercent: cfg.RefreshThresholdPercent,
		IsDefault:               true,
	}
}

// Validate checks ranges and that the age buckets are strictly increasing.
func (p UserPreferences) Validate() error {
	if err := validateStruct(p); err != nil {
		return err
	}
	if !(p.FreshWindow() < p.ModerateWindow() && p.ModerateWindow() < p.StaleWindow()) {
		return fmt.Errorf("%w: staleness thresholds must increase (fresh < moderate < stale)", shared.ErrValidation)
	}
	return nil
}

func (p UserPreferences) FreshWindow() time.Duration    { return time.Duration(p.FreshMinutes) * time.Minute }
func (p UserPreferences) ModerateWindow() time.Duration { return time.Duration(p.ModerateHours) * time.Hour }
func (p UserPreferences) StaleWindow() time.Duration    { return time.Duration(p.StaleDays) * 24 * time.Hour }

// StalenessLevel is the age bucket of a persisted run.
type StalenessLevel string

const (
	StalenessFresh     StalenessLevel = "fresh"
	StalenessModerate  StalenessLevel = "moderate"
	StalenessStale     StalenessLevel = "stale"
	StalenessVeryStale StalenessLevel = "very_stale"
)

// ClassifyAge buckets an age: fresh (<1h), moderate (<24h), stale (<7d), very_stale otherwise, with the default thresholds.
func ClassifyAge(age time.Duration, prefs UserPreferences) StalenessLevel {
	switch {
	case age < prefs.FreshWindow():
		return StalenessFresh
	case age < prefs.ModerateWindow():
		return StalenessModerate
	case age < prefs.StaleWindow():
		return StalenessStale
	default:
		return StalenessVeryStale
	}
}

// Staleness describes how outdated a run is relative to the clock and the library.
type Staleness struct {
	RunID              string         `json:"run_id"`
	Level              StalenessLevel `json:"level"`
	Age                time.Duration  `json:"age"`
	SnapshotTrackCount int            `json:"snapshot_track_count"`
	CurrentTrackCount  int            `json:"current_track_count"`
	TrackDelta         int            `json:"track_delta"`
	ChangePercent      float64        `json:"change_percent"`
	LibraryModified    bool           `json:"library_modified"`
	RecommendRefresh   bool           `json:"recommend_refresh"`
	Reasons            []string       `json:"reasons,omitempty"`
}
