// submodule cmd contains command definitions
package main

import (
	"github.com/urfave/cli/v3"

	"github.com/desertthunder/crate/internal/shared"
)

func ownerFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "owner",
		Usage:   "Owner whose library and runs are used",
		Value:   "local",
		Sources: cli.EnvVars(shared.EnvOwner),
	}
}

func jsonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "json",
			Usage: "Output raw JSON",
		},
		&cli.BoolFlag{
			Name:  "pretty",
			Usage: "Pretty-print output",
			Value: true,
		},
	}
}

func withJSON(flags ...cli.Flag) []cli.Flag {
	return append(flags, jsonFlags()...)
}

// setupCommand handles setup operations for the config file and database.
func setupCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "setup",
		Usage: "Setup and configuration commands",
		Commands: []*cli.Command{
			{
				Name:  "database",
				Usage: "Create config.toml if missing, initialize the database and run migrations",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "config",
						Aliases: []string{"c"},
						Usage:   "Path to configuration file",
						Value:   "config.toml",
					},
				},
				Action: r.SetupDatabase,
			},
			{
				Name:   "rollback",
				Usage:  "Roll back the most recent migration",
				Action: r.SetupRollback,
			},
		},
	}
}

// libraryCommand handles the record library the analysis reads.
func libraryCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:    "library",
		Aliases: []string{"lib"},
		Usage:   "Manage the track library",
		Commands: []*cli.Command{
			{
				Name:      "import",
				Usage:     "Import tracks from a CSV file (title, artist, album, play_count, last_played_at, date_added)",
				Arguments: []cli.Argument{&cli.StringArg{Name: "file"}},
				Action:    r.LibraryImport,
			},
			{
				Name:  "list",
				Usage: "List active tracks",
				Flags: withJSON(
					&cli.StringFlag{
						Name:    "search",
						Aliases: []string{"s"},
						Usage:   "Only tracks whose title or artist contains this term",
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of tracks to return",
						Value: 50,
					},
					&cli.IntFlag{
						Name:  "offset",
						Usage: "Number of tracks to skip",
					},
				),
				Action: r.LibraryList,
			},
		},
	}
}

// analyzeCommand runs duplicate analyses.
func analyzeCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "analyze",
		Usage: "Find duplicate tracks",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Analyze the library, reusing fresh results unless --force is given",
				Flags: withJSON(
					ownerFlag(),
					&cli.StringFlag{
						Name:    "search",
						Aliases: []string{"s"},
						Usage:   "Only analyze tracks whose title or artist contains this term",
					},
					&cli.StringFlag{
						Name:  "sort",
						Usage: "Group order: artist, song, duplicates, confidence, play_count, last_played, date_added",
						Value: "artist",
					},
					&cli.FloatFlag{
						Name:  "min-confidence",
						Usage: "Drop groups whose average similarity is below this value (0-1)",
					},
					&cli.BoolFlag{
						Name:    "force",
						Aliases: []string{"f"},
						Usage:   "Ignore cached and persisted results",
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "Wall-clock budget for the run (default from config)",
					},
					&cli.BoolFlag{
						Name:  "tui",
						Usage: "Monitor the run and browse results interactively",
					},
				),
				Action: r.AnalyzeRun,
			},
		},
	}
}

// runsCommand inspects persisted analysis runs.
func runsCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:    "runs",
		Aliases: []string{"history"},
		Usage:   "Inspect, export and clean up analysis runs",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List recent runs",
				Flags: withJSON(
					ownerFlag(),
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of runs to return",
						Value: 20,
					},
				),
				Action: r.RunsList,
			},
			{
				Name:      "show",
				Usage:     "Show a run with its stats and last checkpoint",
				Arguments: []cli.Argument{&cli.StringArg{Name: "run-id"}},
				Flags:     jsonFlags(),
				Action:    r.RunsShow,
			},
			{
				Name:      "groups",
				Usage:     "List a run's duplicate groups against the current library",
				Arguments: []cli.Argument{&cli.StringArg{Name: "run-id"}},
				Flags:     jsonFlags(),
				Action:    r.RunsGroups,
			},
			{
				Name:      "impact",
				Usage:     "Summarize cleanup progress and whether to re-run",
				Arguments: []cli.Argument{&cli.StringArg{Name: "run-id"}},
				Flags: withJSON(
					&cli.FloatFlag{
						Name:  "threshold",
						Usage: "Refresh threshold percent (default from preferences)",
					},
				),
				Action: r.RunsImpact,
			},
			{
				Name:      "staleness",
				Usage:     "Report how outdated a run is",
				Arguments: []cli.Argument{&cli.StringArg{Name: "run-id"}},
				Flags:     jsonFlags(),
				Action:    r.RunsStaleness,
			},
			{
				Name:      "export",
				Usage:     "Export a run's groups",
				Arguments: []cli.Argument{&cli.StringArg{Name: "run-id"}},
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "format",
						Aliases: []string{"f"},
						Usage:   "Export format: json, csv, markdown",
						Value:   "json",
					},
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file path (default: stdout)",
					},
				},
				Action: r.RunsExport,
			},
			{
				Name:      "bulk-export",
				Usage:     "Export several runs concurrently with a manifest",
				ArgsUsage: "<run-id>...",
				Flags: []cli.Flag{
					ownerFlag(),
					&cli.IntFlag{
						Name:  "latest",
						Usage: "Export the owner's latest N runs instead of the given ids",
					},
					&cli.StringFlag{
						Name:    "format",
						Aliases: []string{"f"},
						Usage:   "Export format: json, csv, markdown",
						Value:   "json",
					},
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output directory (default: crate_export_{timestamp})",
					},
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Concurrent workers",
						Value: 4,
					},
				},
				Action: r.RunsBulkExport,
			},
			{
				Name:  "cleanup",
				Usage: "Delete runs past the retention window and trim each owner's history",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "days",
						Usage: "Retention in days (default from config)",
					},
					&cli.IntFlag{
						Name:  "keep",
						Usage: "Runs kept per owner (default from config)",
					},
				},
				Action: r.RunsCleanup,
			},
		},
	}
}

// recordsCommand deletes library records and keeps runs in step.
func recordsCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "records",
		Usage: "Delete duplicate records",
		Commands: []*cli.Command{
			{
				Name:      "delete",
				Usage:     "Delete records by id",
				ArgsUsage: "<record-id>...",
				Flags: withJSON(
					ownerFlag(),
					&cli.StringFlag{
						Name:  "run",
						Usage: "Run the deletion was made from, for the audit trail",
					},
				),
				Action: r.RecordsDelete,
			},
			{
				Name:      "smart-delete",
				Usage:     "Delete every duplicate of a run's unresolved groups, keeping canonical records",
				Arguments: []cli.Argument{&cli.StringArg{Name: "run-id"}},
				Flags: withJSON(
					ownerFlag(),
					&cli.BoolFlag{
						Name:    "yes",
						Aliases: []string{"y"},
						Usage:   "Delete without listing the records first",
					},
				),
				Action: r.RecordsSmartDelete,
			},
		},
	}
}

// auditCommand reports cleanup operations.
func auditCommand(r *Runner) *cli.Command {
	window := &cli.IntFlag{
		Name:  "days",
		Usage: "Only operations from the last N days (0 for all)",
		Value: 30,
	}
	return &cli.Command{
		Name:  "audit",
		Usage: "Inspect the cleanup audit trail",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List cleanup operations",
				Flags: []cli.Flag{
					ownerFlag(),
					window,
					&cli.StringFlag{
						Name:    "format",
						Aliases: []string{"f"},
						Usage:   "Output format: json, csv",
						Value:   "json",
					},
				},
				Action: r.AuditList,
			},
			{
				Name:   "summary",
				Usage:  "Summarize cleanup efficiency and trend",
				Flags:  withJSON(ownerFlag(), window),
				Action: r.AuditSummary,
			},
		},
	}
}

// prefsCommand manages per-owner staleness preferences.
func prefsCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:    "prefs",
		Aliases: []string{"preferences"},
		Usage:   "Manage staleness preferences",
		Commands: []*cli.Command{
			{
				Name:   "show",
				Usage:  "Show preferences (defaults when none are stored)",
				Flags:  withJSON(ownerFlag()),
				Action: r.PrefsShow,
			},
			{
				Name:  "set",
				Usage: "Update preferences; unset flags keep their current value",
				Flags: []cli.Flag{
					ownerFlag(),
					&cli.IntFlag{Name: "fresh-minutes", Usage: "Runs younger than this are fresh"},
					&cli.IntFlag{Name: "moderate-hours", Usage: "Runs younger than this are moderately stale"},
					&cli.IntFlag{Name: "stale-days", Usage: "Runs older than this are very stale"},
					&cli.FloatFlag{Name: "change-percent", Usage: "Library size change that makes a run stale"},
					&cli.IntFlag{Name: "change-absolute", Usage: "Track count change that makes a run stale"},
					&cli.FloatFlag{Name: "refresh-threshold", Usage: "Deleted percent that suggests re-running"},
				},
				Action: r.PrefsSet,
			},
			{
				Name:   "reset",
				Usage:  "Remove stored preferences",
				Flags:  []cli.Flag{ownerFlag()},
				Action: r.PrefsReset,
			},
		},
	}
}

// serveCommand runs the HTTP API.
func serveCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the analysis API over HTTP",
		Flags: []cli.Flag{
			ownerFlag(),
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to bind (default from config)",
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to bind (default from config)",
			},
		},
		Action: r.Serve,
	}
}
