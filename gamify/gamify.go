package gamify

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"secupoints/adapters/memory"
	"secupoints/core"
	"secupoints/engine"
	"secupoints/leaderboard"
	"secupoints/realtime"
)

// Option configures the service builder.
type Option func(*config)

type config struct {
	storage  engine.Storage
	mode     engine.DispatchMode
	hub      *realtime.Hub
	board    leaderboard.Board
	notifier engine.Notifier
	recorder engine.Recorder
	tracer   trace.Tracer
	log      *slog.Logger
	handlers []func(context.Context, core.Event)
	extra    []engine.Option
}

// WithStorage sets the persistence adapter.
func WithStorage(s engine.Storage) Option { return func(c *config) { c.storage = s } }

// WithDispatchMode selects sync or async event dispatch.
func WithDispatchMode(m engine.DispatchMode) Option { return func(c *config) { c.mode = m } }

// WithRealtime wires a realtime hub to receive all engine events.
func WithRealtime(h *realtime.Hub) Option { return func(c *config) { c.hub = h } }

// WithLeaderboard keeps board in step with ledger totals after points and
// penalty events.
func WithLeaderboard(b leaderboard.Board) Option { return func(c *config) { c.board = b } }

// WithNotifier overrides notification delivery. Without it the store is
// used when it can queue notifications.
func WithNotifier(n engine.Notifier) Option { return func(c *config) { c.notifier = n } }

// WithRecorder attaches a metrics recorder to the engine.
func WithRecorder(r engine.Recorder) Option { return func(c *config) { c.recorder = r } }

// WithTracer sets the tracer used for engine spans.
func WithTracer(t trace.Tracer) Option { return func(c *config) { c.tracer = t } }

// WithLogger sets the logger shared by the engine and the bus.
func WithLogger(l *slog.Logger) Option { return func(c *config) { c.log = l } }

// WithEventHandler subscribes h to every engine event.
func WithEventHandler(h func(context.Context, core.Event)) Option {
	return func(c *config) { c.handlers = append(c.handlers, h) }
}

// WithEngineOptions passes extra options straight to engine.New.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(c *config) { c.extra = append(c.extra, opts...) }
}

// Service bundles the engine with its event bus and the consumers wired to it.
type Service struct {
	*engine.Engine
	Bus   *engine.EventBus
	Store engine.Storage
	Hub   *realtime.Hub
	Board leaderboard.Board

	detach []func()
}

// New builds a Service reading rules from catalogs. If not provided,
// defaults are used:
//   - storage: in-memory
//   - dispatch: async
//
// Status side effects go to the store when it supports them.
func New(catalogs engine.CatalogSource, opts ...Option) *Service {
	cfg := &config{mode: engine.DispatchAsync}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.storage == nil {
		cfg.storage = memory.New()
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}

	bus := engine.NewEventBusWithLogger(cfg.mode, cfg.log)
	svc := &Service{Bus: bus, Store: cfg.storage, Hub: cfg.hub, Board: cfg.board}

	eopts := []engine.Option{engine.WithPublisher(bus), engine.WithLogger(cfg.log)}
	if u, ok := cfg.storage.(engine.AlertUpdater); ok {
		eopts = append(eopts, engine.WithAlertUpdater(u))
	}
	if u, ok := cfg.storage.(engine.RemediationUpdater); ok {
		eopts = append(eopts, engine.WithRemediationUpdater(u))
	}
	notifier := cfg.notifier
	if notifier == nil {
		notifier, _ = cfg.storage.(engine.Notifier)
	}
	if notifier != nil {
		eopts = append(eopts, engine.WithNotifier(notifier))
	}
	if cfg.recorder != nil {
		eopts = append(eopts, engine.WithRecorder(cfg.recorder))
	}
	if cfg.tracer != nil {
		eopts = append(eopts, engine.WithTracer(cfg.tracer))
	}
	svc.Engine = engine.New(catalogs, cfg.storage, append(eopts, cfg.extra...)...)

	if cfg.hub != nil {
		svc.detach = append(svc.detach, cfg.hub.Attach(bus))
	}
	if cfg.board != nil {
		svc.detach = append(svc.detach, bus.SubscribeAll(leaderboard.NewFeed(cfg.board).FromLedger(cfg.storage).OnEvent))
	}
	for _, h := range cfg.handlers {
		svc.detach = append(svc.detach, bus.SubscribeAll(h))
	}
	return svc
}

// Close drains the bus, then detaches consumers.
func (s *Service) Close() {
	s.Bus.Close()
	for _, d := range s.detach {
		d()
	}
	s.detach = nil
}
