// package server exposes the duplicate analysis service over HTTP
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/crate/internal/repositories"
	"github.com/desertthunder/crate/internal/services"
	"github.com/desertthunder/crate/internal/shared"
	"github.com/desertthunder/crate/internal/tasks"
)

// Middleware wraps an http.Handler and returns a new http.Handler with additional behavior.
// Common middleware includes logging, recovery, rate limiting, etc.
type Middleware func(http.Handler) http.Handler

// Router defines the interface for HTTP routing and middleware management.
// Implementations register handlers, apply middleware, and configure the HTTP server.
type Router interface {
	Use(middleware ...Middleware)                     // Use adds middleware to the router's middleware stack
	Handle(method, path string, handler http.Handler) // Handle registers a handler for the specified method and path
	ServeHTTP(w http.ResponseWriter, r *http.Request) // ServeHTTP implements http.Handler for the entire router
}

// Opts contains the dependencies of a [Server].
type Opts struct {
	Config   shared.ServerConfig
	Engine   *tasks.AnalysisEngine
	Store    *repositories.Store
	Services *services.Services
	Owner    string
	Logger   *log.Logger
	// SweepInterval is how often finished progress entries are swept. Defaults to one minute.
	SweepInterval time.Duration
}

// Server runs the HTTP API and the progress registry janitor.
type Server struct {
	cfg    shared.ServerConfig
	router *BasicRouter
	engine *tasks.AnalysisEngine
	logger *log.Logger
	sweep  time.Duration
}

// New builds a server with logging, recovery and rate limiting in front of the API.
func New(opts Opts) *Server {
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}

	router := NewBasicRouter()
	router.Use(Recovery(opts.Logger), Logging(opts.Logger))
	if opts.Config.RequestsPerSecond > 0 {
		router.Use(RateLimit(opts.Config.RequestsPerSecond, int(opts.Config.RequestsPerSecond)))
	}
	NewAPI(opts.Engine, opts.Store, opts.Services, opts.Owner, opts.Logger).Register(router)

	return &Server{
		cfg:    opts.Config,
		router: router,
		engine: opts.Engine,
		logger: opts.Logger,
		sweep:  opts.SweepInterval,
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on the configured address until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then cancels active runs and shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	janitor, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go s.engine.Registry().Run(janitor, s.sweep)

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", ln.Addr().String())
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdown, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout())
	defer cancel()

	s.logger.Info("shutting down")
	err := errors.Join(srv.Shutdown(shutdown), s.engine.Shutdown(shutdown))
	if serr := <-errc; serr != nil && !errors.Is(serr, http.ErrServerClosed) {
		err = errors.Join(err, serr)
	}
	return err
}
