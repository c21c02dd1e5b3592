package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/crate/internal/formatter"
	"github.com/desertthunder/crate/internal/models"
	"github.com/desertthunder/crate/internal/shared"
)

func auditWindow(cmd *cli.Command) time.Duration {
	return time.Duration(cmd.Int("days")) * 24 * time.Hour
}

// AuditList writes an owner's cleanup operations as JSON or CSV.
func (r *Runner) AuditList(ctx context.Context, cmd *cli.Command) error {
	format, err := formatter.ParseFormat(cmd.String("format"))
	if err != nil {
		return err
	}
	if format == formatter.FormatMarkdown {
		return fmt.Errorf("%w: audit trail supports json and csv, not %s", shared.ErrInvalidFlag, format)
	}
	if err := r.open(ctx); err != nil {
		return err
	}

	trail, err := r.services.Audit.Query(ctx, owner(cmd), auditWindow(cmd))
	if err != nil {
		return err
	}

	entries := make([]models.AuditLogEntry, 0, len(trail))
	for _, e := range trail {
		entries = append(entries, e.AuditLogEntry)
	}
	return formatter.WriteAuditTrail(r.output, format, entries)
}

// AuditSummary aggregates an owner's cleanup operations.
func (r *Runner) AuditSummary(ctx context.Context, cmd *cli.Command) error {
	if err := r.open(ctx); err != nil {
		return err
	}

	summary, err := r.services.Audit.Summary(ctx, owner(cmd), auditWindow(cmd))
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return r.writeJSON(summary, cmd.Bool("pretty"))
	}

	window := "all time"
	if summary.Window > 0 {
		window = fmt.Sprintf("last %d days", int(summary.Window.Hours()/24))
	}
	r.writePlainHeader(fmt.Sprintf("Cleanup summary for %s (%s)", summary.OwnerID, window))
	r.writePlain("Operations: %d (%d successful, %d failed)\n", summary.Operations, summary.Successful, summary.Failed)
	r.writePlain("Records: %d requested, %d deleted\n", summary.RecordsRequested, summary.RecordsAffected)
	r.writePlain("Groups affected: %d\n", summary.GroupsAffected)
	r.writePlain("Efficiency: %.1f records/s (%s)\n", summary.MeanEfficiency, summary.Trend)
	for _, action := range []models.AuditAction{models.ActionSingleDelete, models.ActionBulkDelete, models.ActionSmartDelete} {
		if n := summary.ByAction[action]; n > 0 {
			r.writePlain("  • %s: %d\n", action, n)
		}
	}
	return nil
}
