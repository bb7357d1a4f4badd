// Package app assembles a runnable server from configuration: the runtime,
// the compiled-in extensions, the websocket hub, the optional NATS relay and
// the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"steward/internal/api"
	"steward/internal/auth"
	"steward/internal/clock"
	"steward/internal/config"
	"steward/internal/natsink"
	"steward/internal/server"
	"steward/internal/transport"
	"steward/pkg/extension"

	"go.uber.org/zap"
)

// App is a fully wired server
type App struct {
	Config *config.Config
	Server *server.Server
	Hub    *transport.Hub
	API    *api.Server

	logger *zap.Logger
	relay  *natsink.Sink
}

// Option adjusts how the app is built
type Option func(*options)

type options struct {
	clock    clock.Clock
	registry *extension.Registry
	relay    natsink.Publisher
}

// WithClock replaces the wall clock, for simulated time in tests
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithRegistry builds extensions from reg instead of the global registry
func WithRegistry(reg *extension.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithRelay relays events through pub instead of dialing nats.url
func WithRelay(pub natsink.Publisher) Option {
	return func(o *options) { o.relay = pub }
}

// New builds the app. Extensions are instantiated and loaded here, so a
// duplicate command or malformed schedule fails before anything listens.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	srv, err := server.New(server.Options{
		Permissions:         cfg.Permissions,
		WorkerThreads:       cfg.WorkerThreads,
		WorkerQueue:         cfg.WorkerQueue,
		TickInterval:        cfg.TickInterval,
		ContinuationTimeout: cfg.ContinuationTimeout,
		BacklogWarning:      cfg.MailboxSize,
		Location:            loc,
		Clock:               o.clock,
	}, logger)
	if err != nil {
		return nil, err
	}

	newContext := func(info extension.Info) *extension.Context {
		return srv.ExtensionContext(info.Name, cfg.ExtensionSettings(info.Name))
	}
	var manifests []*extension.Manifest
	if o.registry != nil {
		manifests, err = o.registry.BuildAll(newContext, cfg.DisabledExtensions...)
	} else {
		manifests, err = extension.BuildAll(newContext, cfg.DisabledExtensions...)
	}
	if err != nil {
		return nil, err
	}
	if err := srv.Load(manifests...); err != nil {
		return nil, fmt.Errorf("failed to load extensions: %w", err)
	}

	authenticator := auth.New(cfg.Auth, logger)
	hub := transport.NewHub(srv, authenticator, logger)
	srv.AddSink(hub)

	a := &App{
		Config: cfg,
		Server: srv,
		Hub:    hub,
		API:    api.NewServer(srv, authenticator, hub, logger, cfg.Listen),
		logger: logger,
	}

	switch {
	case o.relay != nil:
		a.relay = natsink.New(o.relay, cfg.NATS.SubjectPrefix, logger)
	case cfg.NATS.URL != "":
		a.relay, err = natsink.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			return nil, err
		}
	}
	if a.relay != nil {
		srv.AddSink(a.relay)
	}

	return a, nil
}

// Start runs start hooks, starts the runtime and begins serving HTTP
func (a *App) Start(ctx context.Context) error {
	if err := a.Server.Start(ctx); err != nil {
		return err
	}
	return a.API.Start()
}

// Handler exposes the HTTP routes without listening, for tests
func (a *App) Handler() http.Handler {
	return a.API.Handler()
}

// Stop shuts everything down in reverse order
func (a *App) Stop(ctx context.Context) error {
	var errs []error

	if err := a.API.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	a.Hub.Close()
	if err := a.Server.Shutdown(ctx); err != nil && !errors.Is(err, server.ErrNotStarted) {
		errs = append(errs, err)
	}
	if a.relay != nil {
		a.relay.Close()
	}

	return errors.Join(errs...)
}
