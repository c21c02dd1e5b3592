package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/desertthunder/crate/internal/cache"
	"github.com/desertthunder/crate/internal/repositories"
	"github.com/desertthunder/crate/internal/services"
	"github.com/desertthunder/crate/internal/shared"
	"github.com/desertthunder/crate/internal/tasks"
)

// Runner holds all dependencies for CLI commands and provides methods for each command action.
//
// Storage is opened on first use so that setup can run before a database exists.
type Runner struct {
	config   *shared.Config
	logger   *log.Logger
	output   io.Writer
	progress io.Writer
	db       *sql.DB
	store    *repositories.Store
	cache    *cache.ResultCache
	services *services.Services
	engine   *tasks.AnalysisEngine
}

// RunnerOpts contains configuration options for creating a Runner.
type RunnerOpts struct {
	Config *shared.Config
	Logger *log.Logger
	Output io.Writer
	// Progress receives progress bars. Defaults to stderr.
	Progress io.Writer
	// Store replaces the configured database, mainly for tests.
	Store *repositories.Store
}

// NewRunner creates a new Runner with the provided configuration
func NewRunner(opts RunnerOpts) *Runner {
	if opts.Config == nil {
		opts.Config = shared.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.Progress == nil {
		opts.Progress = os.Stderr
	}

	r := &Runner{
		config:   opts.Config,
		logger:   opts.Logger,
		output:   opts.Output,
		progress: opts.Progress,
	}
	if opts.Store != nil {
		r.wire(opts.Store)
	}
	return r
}

// SetLogger replaces the logger used by the runner and everything it wires afterwards.
func (r *Runner) SetLogger(logger *log.Logger) {
	r.logger = logger
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		setupCommand, libraryCommand, analyzeCommand, runsCommand, recordsCommand, auditCommand, prefsCommand, serveCommand,
	} {
		commands = append(commands, fn(r))
	}

	return commands
}

// open connects to the configured database, applies pending migrations and wires the services.
func (r *Runner) open(ctx context.Context) error {
	if r.store != nil {
		return nil
	}

	db, err := shared.NewDatabase(r.config.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	shared.ConfigureDatabase(db, r.config.Database.MaxOpenConns, r.config.Database.MaxIdleConns)

	applied, err := shared.RunMigrations(ctx, db)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if applied > 0 {
		r.logger.Info("applied migrations", "count", applied)
	}

	r.db = db
	r.wire(repositories.NewStore(db, r.config, r.logger))
	return nil
}

func (r *Runner) wire(store *repositories.Store) {
	r.store = store
	r.cache = cache.New(r.config.Cache.TTL())
	r.services = services.New(store, r.cache, r.logger)
	r.engine = tasks.NewAnalysisEngine(tasks.EngineOpts{
		Store:  store,
		Source: store.Library,
		Cache:  r.cache,
		Config: r.config.Analysis,
		Logger: r.logger,
	})
}

// Close waits for background runs and closes the database if the runner opened it.
func (r *Runner) Close() error {
	if r.engine != nil {
		r.engine.Wait()
	}
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

func (r *Runner) writeJSON(data any, pretty bool) error {
	output, err := shared.MarshalJSON(data, pretty)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if _, err := r.output.Write(output); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if _, err := r.output.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return nil
}

func (r *Runner) writePlain(format string, args ...any) error {
	text := fmt.Sprintf(format, args...)
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writePlainln(format string, args ...any) error {
	text := "\n" + fmt.Sprintf(format, args...) + "\n"
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writePlainHeader(title string) {
	r.writePlain("═══════════════════════════════════════\n")
	r.writePlain("%v\n", title)
	r.writePlain("═══════════════════════════════════════\n")
}

// owner returns the --owner flag, falling back to the environment default.
func owner(cmd *cli.Command) string {
	if v := cmd.String("owner"); v != "" {
		return v
	}
	return shared.DefaultOwner()
}

// runArg returns the run-id argument.
func runArg(cmd *cli.Command) (string, error) {
	id := cmd.StringArg("run-id")
	if id == "" {
		return "", fmt.Errorf("%w: run id is required", shared.ErrMissingArgument)
	}
	return id, nil
}
