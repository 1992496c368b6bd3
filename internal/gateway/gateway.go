// ABOUTME: Gateway orchestrator that owns the HTTP server, store, registry, and router.
// ABOUTME: Manages startup ordering and graceful shutdown of all components.

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/canalapp/canal-gateway/internal/bus"
	"github.com/canalapp/canal-gateway/internal/config"
	"github.com/canalapp/canal-gateway/internal/protocol"
	"github.com/canalapp/canal-gateway/internal/registry"
	"github.com/canalapp/canal-gateway/internal/router"
	"github.com/canalapp/canal-gateway/internal/store"
)

// sessionDrainTimeout bounds the wait for a closing session to flush its
// final state writes.
const sessionDrainTimeout = 3 * time.Second

// Gateway orchestrates the canal-gateway server components.
type Gateway struct {
	config     *config.Config
	store      store.Store
	registry   *registry.Registry
	router     *router.Router
	bus        bus.Bus
	httpServer *http.Server
	logger     *slog.Logger

	// base is the component-less logger sub-components derive from.
	base *slog.Logger
}

// initStore creates the store from config, honoring the CANAL_DB_PATH
// environment override.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("CANAL_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway with a SQLite store and a NATS bus per config.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	b, err := bus.Connect(cfg.Bus.URL, logger.With("component", "bus"))
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	return assemble(cfg, s, b, logger)
}

// assemble builds a Gateway over already-constructed store and bus. Tests
// use it to inject fakes.
func assemble(cfg *config.Config, s store.Store, b bus.Bus, logger *slog.Logger) (*Gateway, error) {
	reg := registry.NewRegistry(logger.With("component", "registry"))
	rtr := router.New(reg, logger)

	g := &Gateway{
		config:   cfg,
		store:    s,
		registry: reg,
		router:   rtr,
		bus:      b,
		logger:   logger.With("component", "gateway"),
		base:     logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/system/health", g.handleHealth)
	mux.HandleFunc("/gateway", g.handleSocket)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := rtr.Start(b, cfg.Bus.Subject, cfg.Bus.Queue); err != nil {
		return nil, fmt.Errorf("starting notification router: %w", err)
	}

	return g, nil
}

// Run starts the gateway server and blocks until the context is canceled or
// the server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// waitForShutdownSignal waits for context cancellation or a server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown runs Shutdown with a fresh context; the run context is
// already canceled by the time shutdown starts.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends a labeled error if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the gateway: HTTP listener first, then the notification
// feed, then every live session, then the bus and store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway", "live_sessions", g.registry.Count())

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "router drain", g.router.Drain())

	g.closeSessions(ctx)

	errs = appendCloseError(errs, "bus close", g.bus.Close())
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// closeSessions tells every live session to go away and waits for each to
// flush its final state writes.
func (g *Gateway) closeSessions(ctx context.Context) {
	for _, botID := range g.registry.AgentIDs() {
		sess, ok := g.registry.Lookup(botID)
		if !ok {
			continue
		}
		sess.Shutdown(protocol.NewError(protocol.CloseGoingAway, "gateway shutting down"))

		if waiter, ok := sess.(interface{ Done() <-chan struct{} }); ok {
			select {
			case <-waiter.Done():
			case <-time.After(sessionDrainTimeout):
				g.logger.Warn("session did not drain in time", "bot_id", botID)
			case <-ctx.Done():
				return
			}
		}
	}
}
