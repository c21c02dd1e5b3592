package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/crate/internal/server"
)

// Serve runs the HTTP API until the context is cancelled.
func (r *Runner) Serve(ctx context.Context, cmd *cli.Command) error {
	if err := r.open(ctx); err != nil {
		return err
	}

	cfg := r.config.Server
	if host := cmd.String("host"); host != "" {
		cfg.Host = host
	}
	if cmd.IsSet("port") {
		cfg.Port = int(cmd.Int("port"))
	}

	srv := server.New(server.Opts{
		Config:   cfg,
		Engine:   r.engine,
		Store:    r.store,
		Services: r.services,
		Owner:    owner(cmd),
		Logger:   r.logger,
	})

	r.logger.Info("serving API", "addr", cfg.Addr(), "owner", owner(cmd))
	return srv.ListenAndServe(ctx)
}
