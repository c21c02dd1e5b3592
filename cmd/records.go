package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/crate/internal/services"
	"github.com/desertthunder/crate/internal/shared"
)

// RecordsDelete deletes library records by id and resolves affected groups.
func (r *Runner) RecordsDelete(ctx context.Context, cmd *cli.Command) error {
	ids := cmd.Args().Slice()
	if len(ids) == 0 {
		return fmt.Errorf("%w: at least one record id is required", shared.ErrMissingArgument)
	}
	if err := r.open(ctx); err != nil {
		return err
	}

	result, err := r.services.Cleaner.DeleteRecords(ctx, services.DeleteRequest{
		OwnerID:   owner(cmd),
		RunID:     cmd.String("run"),
		RecordIDs: ids,
	})
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return r.writeJSON(result, cmd.Bool("pretty"))
	}
	r.printDeleteResult(result)
	return nil
}

// RecordsSmartDelete deletes every live duplicate of a run's unresolved groups.
//
// Without --yes the selection is listed and nothing is deleted.
func (r *Runner) RecordsSmartDelete(ctx context.Context, cmd *cli.Command) error {
	id, err := runArg(cmd)
	if err != nil {
		return err
	}
	if err := r.open(ctx); err != nil {
		return err
	}

	if !cmd.Bool("yes") {
		groups, err := r.engine.Groups(ctx, id)
		if err != nil {
			return err
		}
		selection := services.SmartSelection(groups)
		if cmd.Bool("json") {
			return r.writeJSON(map[string]any{"run_id": id, "record_ids": selection}, cmd.Bool("pretty"))
		}
		if len(selection) == 0 {
			r.writePlain("✓ Nothing to delete: every group is resolved or has no live duplicates\n")
			return nil
		}
		r.writePlainHeader(fmt.Sprintf("Smart delete would remove %d records", len(selection)))
		for _, recordID := range selection {
			r.writePlain("  %s\n", recordID)
		}
		r.writePlainln("Re-run with --yes to delete them.")
		return nil
	}

	result, err := r.services.Cleaner.SmartDelete(ctx, owner(cmd), id)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return r.writeJSON(result, cmd.Bool("pretty"))
	}
	if result.Requested == 0 {
		r.writePlain("✓ Nothing to delete: every group is resolved or has no live duplicates\n")
		return nil
	}
	r.printDeleteResult(result)
	return nil
}

func (r *Runner) printDeleteResult(result services.DeleteResult) {
	r.writePlain("✓ Deleted %d/%d records (%s, audit %s)\n", len(result.Deleted), result.Requested, result.Action, result.AuditID)
	if result.Resolution.GroupsAffected > 0 {
		r.writePlain("Groups affected: %d, resolved: %d\n", result.Resolution.GroupsAffected, result.Resolution.GroupsResolved)
	}
}
