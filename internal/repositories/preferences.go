package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/desertthunder/crate/internal/models"
	"github.com/desertthunder/crate/internal/shared"
)

// PreferencesRepository stores per-owner staleness thresholds.
type PreferencesRepository struct {
	db       *sql.DB
	defaults shared.StalenessConfig
}

// NewPreferencesRepository creates a repository that falls back to defaults for owners without stored preferences.
func NewPreferencesRepository(db *sql.DB, defaults shared.StalenessConfig) *PreferencesRepository {
	return &PreferencesRepository{db: db, defaults: defaults}
}

// Get returns the owner's preferences, or the configured defaults when none are stored.
func (r *PreferencesRepository) Get(ctx context.Context, ownerID string) (models.UserPreferences, error) {
	p := models.UserPreferences{OwnerID: ownerID}
	err := r.db.QueryRowContext(ctx, `
		SELECT fresh_minutes, moderate_hours, stale_days, change_percent, change_absolute, refresh_threshold_percent, updated_at
		FROM user_preferences WHERE owner_id = ?`, ownerID,
	).Scan(&p.FreshMinutes, &p.ModerateHours, &p.StaleDays, &p.ChangePercent, &p.ChangeAbsolute, &p.RefreshThresholdPercent, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DefaultPreferences(ownerID, r.defaults), nil
	}
	if err != nil {
		return p, wrap(err, "failed to read preferences")
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

// Upsert validates and stores preferences.
func (r *PreferencesRepository) Upsert(ctx context.Context, p *models.UserPreferences) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()
	p.IsDefault = false

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_preferences (
			owner_id, fresh_minutes, moderate_hours, stale_days, change_percent, change_absolute, refresh_threshold_percent, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			fresh_minutes = excluded.fresh_minutes,
			moderate_hours = excluded.moderate_hours,
			stale_days = excluded.stale_days,
			change_percent = excluded.change_percent,
			change_absolute = excluded.change_absolute,
			refresh_threshold_percent = excluded.refresh_threshold_percent,
			updated_at = excluded.updated_at`,
		p.OwnerID, p.FreshMinutes, p.ModerateHours, p.StaleDays, p.ChangePercent, p.ChangeAbsolute, p.RefreshThresholdPercent, p.UpdatedAt,
	)
	return wrap(err, "failed to save preferences")
}

// Reset removes stored preferences so defaults apply again.
func (r *PreferencesRepository) Reset(ctx context.Context, ownerID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM user_preferences WHERE owner_id = ?`, ownerID)
	return wrap(err, "failed to reset preferences")
}
