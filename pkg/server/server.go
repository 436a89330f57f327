// Package server provides the public entry point for assembling brigade:
// learning store, execution gateway, generation client, specialists,
// coordinator, dispatcher, and the optional HTTP surface and report jobs.
//
// Usage (stdio):
//
//	srv, err := server.New(ctx)
//	defer srv.Close(ctx)
//	srv.Start()
//	srv.ServeStdio(ctx, os.Stdin, os.Stdout)
//
// Usage (http):
//
//	srv.ListenAndServe(ctx)
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentoven/brigade/internal/api"
	"github.com/agentoven/brigade/internal/api/handlers"
	"github.com/agentoven/brigade/internal/config"
	"github.com/agentoven/brigade/internal/coordinator"
	"github.com/agentoven/brigade/internal/dispatch"
	"github.com/agentoven/brigade/internal/events"
	"github.com/agentoven/brigade/internal/gateway"
	"github.com/agentoven/brigade/internal/generation"
	"github.com/agentoven/brigade/internal/report"
	"github.com/agentoven/brigade/internal/specialist"
	"github.com/agentoven/brigade/internal/store"
	"github.com/agentoven/brigade/internal/telemetry"

	"github.com/rs/zerolog/log"
)

// Server holds the initialized brigade components.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	Config      *config.Config
	Registry    *config.Registry
	Store       store.Store
	Gateway     *gateway.Gateway
	Generation  *generation.Client
	Coordinator *coordinator.Coordinator
	Dispatcher  *dispatch.Dispatcher
	Reporter    *report.Reporter

	events   events.Publisher
	shutdown telemetry.Shutdown
}

// New initializes brigade from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes brigade with an explicit configuration. On error
// everything opened so far is closed again.
func NewWithConfig(ctx context.Context, cfg *config.Config) (_ *Server, err error) {
	s := &Server{Config: cfg}
	defer func() {
		if err != nil {
			s.Close(context.Background())
		}
	}()

	if s.shutdown, err = telemetry.Init(ctx, cfg.Telemetry, cfg.Version); err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	if s.Registry, err = config.LoadRegistry(cfg.DomainsFile); err != nil {
		return nil, err
	}
	log.Info().
		Strs("domains", s.Registry.Names()).
		Str("default", s.Registry.DefaultDomain).
		Msg("✅ Domain registry loaded")

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s.Store = st
	log.Info().Str("driver", cfg.Store.Driver).Msg("✅ Learning store initialized")

	pub, err := events.Open(ctx, cfg.Events)
	if err != nil {
		return nil, fmt.Errorf("open events: %w", err)
	}
	s.events = pub

	if s.Gateway, err = gateway.Open(cfg.Engine); err != nil {
		return nil, fmt.Errorf("open gateway: %w", err)
	}
	log.Info().Str("endpoint", cfg.Engine.Endpoint).Msg("✅ Execution gateway initialized")

	s.Generation = generation.NewClient(cfg.Generation.Endpoint,
		generation.WithTemperature(cfg.Generation.Temperature),
		generation.WithMaxTokens(cfg.Generation.MaxTokens),
	)

	hints := cfg.PatternHints
	if hints == 0 {
		hints = -1
	}
	names := s.Registry.Names()
	specs := make([]*specialist.Specialist, 0, len(names))
	for _, name := range names {
		d, _ := s.Registry.Lookup(name)
		specs = append(specs, specialist.New(d, s.Generation, s.Gateway, store.Scoped(s.Store, name), specialist.Options{
			GenerationTimeout: cfg.Generation.Timeout,
			ExecutionTimeout:  cfg.Engine.Timeout,
			PatternHints:      hints,
			Publisher:         s.events,
		}))
	}
	s.Coordinator = coordinator.New(s.Registry, specs)
	log.Info().Int("specialists", len(specs)).Msg("✅ Specialists registered")

	s.Dispatcher = dispatch.New(s.Coordinator, s.Store, s.Gateway, dispatch.Options{
		Version:          cfg.Version,
		ExecutionTimeout: cfg.Engine.Timeout,
	})

	h := handlers.New(s.Dispatcher, s.Coordinator, s.Gateway, cfg.Version,
		handlers.Check{Name: "store", Critical: true, Probe: s.Store.Ping},
		handlers.Check{Name: "generation", Probe: s.Generation.Health},
		handlers.Check{Name: "engine", Probe: func(ctx context.Context) error {
			_, err := s.Gateway.State(ctx, 2*time.Second)
			return err
		}},
	)
	s.Handler = api.NewRouter(cfg, h)

	if s.Reporter, err = report.New(cfg.Report, s.Store, s.Gateway, names, cfg.Engine.Timeout); err != nil {
		return nil, err
	}
	return s, nil
}

// Start launches the background report jobs.
func (s *Server) Start() {
	s.Reporter.Start()
}

// ServeStdio serves newline-delimited JSON-RPC until r is exhausted or ctx
// is cancelled.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	log.Info().Msg("🔥 brigade ready on stdio")
	return s.Dispatcher.ServeStream(ctx, r, w)
}

// ListenAndServe serves HTTP on the configured port until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := s.httpServer()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", s.Config.Port).Msg("🔥 brigade ready on http")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("🛑 Shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.Config.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// httpServer has no write timeout. A tool.invoke may walk the whole model
// chain after waiting behind other entries in the engine queue, and it must
// still get its failed-record result back; each stage carries its own
// timeout instead.
func (s *Server) httpServer() *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Config.Port),
		Handler:           s.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// Close stops background work and releases every component, flushing
// telemetry last.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	if s.Reporter != nil {
		s.Reporter.Stop()
	}
	if s.Gateway != nil {
		errs = append(errs, s.Gateway.Close())
	}
	if s.events != nil {
		errs = append(errs, s.events.Close())
	}
	if s.Store != nil {
		errs = append(errs, s.Store.Close())
	}
	if s.shutdown != nil {
		errs = append(errs, s.shutdown(ctx))
	}
	return errors.Join(errs...)
}
