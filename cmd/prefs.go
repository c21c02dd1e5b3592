package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/crate/internal/models"
)

// PrefsShow prints an owner's staleness preferences.
func (r *Runner) PrefsShow(ctx context.Context, cmd *cli.Command) error {
	if err := r.open(ctx); err != nil {
		return err
	}

	prefs, err := r.store.Preferences.Get(ctx, owner(cmd))
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return r.writeJSON(prefs, cmd.Bool("pretty"))
	}
	r.printPrefs(prefs)
	return nil
}

// PrefsSet updates the flags that were given and keeps the rest.
func (r *Runner) PrefsSet(ctx context.Context, cmd *cli.Command) error {
	if err := r.open(ctx); err != nil {
		return err
	}

	prefs, err := r.store.Preferences.Get(ctx, owner(cmd))
	if err != nil {
		return err
	}

	if cmd.IsSet("fresh-minutes") {
		prefs.FreshMinutes = int(cmd.Int("fresh-minutes"))
	}
	if cmd.IsSet("moderate-hours") {
		prefs.ModerateHours = int(cmd.Int("moderate-hours"))
	}
	if cmd.IsSet("stale-days") {
		prefs.StaleDays = int(cmd.Int("stale-days"))
	}
	if cmd.IsSet("change-percent") {
		prefs.ChangePercent = cmd.Float("change-percent")
	}
	if cmd.IsSet("change-absolute") {
		prefs.ChangeAbsolute = int(cmd.Int("change-absolute"))
	}
	if cmd.IsSet("refresh-threshold") {
		prefs.RefreshThresholdPercent = cmd.Float("refresh-threshold")
	}

	if err := prefs.Validate(); err != nil {
		return err
	}
	if err := r.store.Preferences.Upsert(ctx, &prefs); err != nil {
		return fmt.Errorf("failed to save preferences: %w", err)
	}

	r.writePlain("✓ Preferences saved\n")
	r.printPrefs(prefs)
	return nil
}

// PrefsReset removes stored preferences so the configured defaults apply.
func (r *Runner) PrefsReset(ctx context.Context, cmd *cli.Command) error {
	if err := r.open(ctx); err != nil {
		return err
	}

	if err := r.store.Preferences.Reset(ctx, owner(cmd)); err != nil {
		return fmt.Errorf("failed to reset preferences: %w", err)
	}
	r.writePlain("✓ Preferences reset to defaults for %s\n", owner(cmd))
	return nil
}

func (r *Runner) printPrefs(p models.UserPreferences) {
	title := fmt.Sprintf("Preferences for %s", p.OwnerID)
	if p.IsDefault {
		title += " (defaults)"
	}
	r.writePlainHeader(title)
	r.writePlain("Fresh for: %d minutes\n", p.FreshMinutes)
	r.writePlain("Moderately stale after: %d hours\n", p.ModerateHours)
	r.writePlain("Very stale after: %d days\n", p.StaleDays)
	r.writePlain("Library change: %.1f%% or %d tracks\n", p.ChangePercent, p.ChangeAbsolute)
	r.writePlain("Refresh threshold: %.1f%% deleted\n", p.RefreshThresholdPercent)
}
