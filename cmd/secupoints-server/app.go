package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"secupoints/adapters/jsonfile"
	"secupoints/adapters/memory"
	redisAdapter "secupoints/adapters/redis"
	sqlxAdapter "secupoints/adapters/sqlx"
	"secupoints/analytics"
	"secupoints/api/httpapi"
	"secupoints/catalog"
	"secupoints/config"
	"secupoints/core"
	"secupoints/engine"
	"secupoints/gamify"
	"secupoints/integrations/webhook"
	"secupoints/leaderboard"
	"secupoints/realtime"
)

// App aggregates the assembled server components.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Catalogs *catalog.Loader
	Service  *gamify.Service
	Server   *http.Server
	Metrics  *MetricsServer
}

// MetricsServer serves Prometheus metrics and activity analytics on their
// own listener. Server is nil when metrics are disabled.
type MetricsServer struct {
	Server *http.Server
}

// configFileEnv names a JSON config file to load before env overrides.
const configFileEnv = "SECUPOINTS_CONFIG"

func provideConfig(ctx context.Context) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := os.Getenv(configFileEnv); path != "" {
		cfg, err = config.LoadFromFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if cfg.Environment == config.EnvProduction {
		if err := cfg.LoadSecretsFromEnv(ctx); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func provideLogger(cfg *config.Config) *slog.Logger {
	return setupLogging(cfg)
}

func provideTracer(ctx context.Context, cfg *config.Config, log *slog.Logger) (trace.Tracer, func(), error) {
	return setupTracing(ctx, cfg.Tracing, log)
}

func provideHub() *realtime.Hub {
	return realtime.NewHub()
}

func provideCatalog(ctx context.Context, cfg *config.Config, log *slog.Logger) (*catalog.Loader, error) {
	loader := catalog.NewLoader(catalog.FileSource(cfg.Rules.Path), log)
	if _, err := loader.Load(ctx); err != nil {
		return nil, fmt.Errorf("load rule catalog %s: %w", cfg.Rules.Path, err)
	}
	return loader, nil
}

func provideStorage(ctx context.Context, cfg *config.Config, log *slog.Logger) (engine.Storage, func(), error) {
	return setupStorage(ctx, cfg, log)
}

func provideRecorder(cfg *config.Config) *analytics.PrometheusRecorder {
	return analytics.NewPrometheusRecorder(cfg.Metrics.Namespace)
}

func provideTracker() *analytics.Tracker {
	return analytics.NewTracker()
}

// provideLeaderboard seeds the board from the ledger so ranks survive
// restarts of persistent stores.
func provideLeaderboard(ctx context.Context, storage engine.Storage) (leaderboard.Board, error) {
	board := leaderboard.NewSkipList()
	users, err := listUsers(ctx, storage)
	if err != nil {
		return nil, err
	}
	if err := leaderboard.Rebuild(ctx, board, users, storage); err != nil {
		return nil, err
	}
	return board, nil
}

func provideWebhook(cfg *config.Config, log *slog.Logger) *webhook.Sink {
	if len(cfg.Notifications.WebhookEndpoints) == 0 {
		return nil
	}
	opts := []webhook.Option{
		webhook.WithClient(&http.Client{Timeout: cfg.Notifications.Timeout}),
		webhook.WithLogger(log),
	}
	if cfg.Notifications.WebhookSecret != "" {
		opts = append(opts, webhook.WithSecret(cfg.Notifications.WebhookSecret))
	}
	return webhook.New(cfg.Notifications.WebhookEndpoints, opts...)
}

func provideService(
	cfg *config.Config,
	log *slog.Logger,
	loader *catalog.Loader,
	storage engine.Storage,
	hub *realtime.Hub,
	board leaderboard.Board,
	recorder *analytics.PrometheusRecorder,
	tracker *analytics.Tracker,
	tracer trace.Tracer,
	sink *webhook.Sink,
) (*gamify.Service, func()) {
	opts := []gamify.Option{
		gamify.WithStorage(storage),
		gamify.WithRealtime(hub),
		gamify.WithLeaderboard(board),
		gamify.WithDispatchMode(engine.DispatchAsync),
		gamify.WithRecorder(recorder),
		gamify.WithTracer(tracer),
		gamify.WithLogger(log),
		gamify.WithEventHandler(tracker.OnEvent),
	}
	if sink != nil {
		notifiers := fanout{sink}
		if n, ok := storage.(engine.Notifier); ok {
			notifiers = fanout{n, sink}
		}
		opts = append(opts, gamify.WithNotifier(notifiers))
		if cfg.Notifications.ForwardEvents {
			opts = append(opts, gamify.WithEventHandler(sink.OnEvent))
		}
	}
	svc := gamify.New(loader, opts...)
	return svc, svc.Close
}

func provideHandler(cfg *config.Config, log *slog.Logger, svc *gamify.Service, loader *catalog.Loader) http.Handler {
	return httpapi.NewMux(httpapi.Deps{
		Engine:   svc,
		Catalogs: loader,
		Board:    svc.Board,
		Hub:      svc.Hub,
	}, httpapi.Options{
		PathPrefix:       cfg.Server.PathPrefix,
		AllowCORSOrigin:  cfg.Server.CORSOrigin,
		APIKeys:          cfg.Security.APIKeys,
		RateLimitEnabled: cfg.Security.EnableRateLimit,
		RateLimitRPM:     cfg.Security.RateLimit.RequestsPerMinute,
		RateLimitBurst:   cfg.Security.RateLimit.BurstSize,
		RateLimitCleanup: cfg.Security.RateLimit.CleanupInterval,
		Logger:           log,
	})
}

func provideServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
}

func provideMetricsServer(cfg *config.Config, recorder *analytics.PrometheusRecorder, tracker *analytics.Tracker) *MetricsServer {
	if !cfg.Metrics.Enabled {
		return &MetricsServer{}
	}
	mux := http.NewServeMux()
	mux.Handle("GET "+cfg.Metrics.Path, recorder.Handler())
	mux.HandleFunc("GET /analytics/days", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, tracker.Days())
	})
	mux.HandleFunc("GET /analytics/rules", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		writeJSON(w, tracker.TopRules(limit))
	})
	return &MetricsServer{Server: &http.Server{
		Addr:              cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// fanout delivers a notification to every notifier and joins failures.
type fanout []engine.Notifier

func (f fanout) Notify(ctx context.Context, n core.Notification) error {
	var errs []error
	for _, notifier := range f {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// setupLogging configures the logger based on configuration.
func setupLogging(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Logging.Level),
	}

	out := os.Stdout
	if cfg.Logging.Output == "stderr" {
		out = os.Stderr
	}

	switch cfg.Logging.Format {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	if len(cfg.Logging.Attributes) > 0 {
		handler = handler.WithAttrs(convertAttributes(cfg.Logging.Attributes))
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// convertAttributes converts map[string]string to []slog.Attr.
func convertAttributes(attrs map[string]string) []slog.Attr {
	result := make([]slog.Attr, 0, len(attrs))
	for k, v := range attrs {
		result = append(result, slog.String(k, v))
	}
	return result
}

// setupStorage creates the appropriate storage adapter based on configuration.
func setupStorage(ctx context.Context, cfg *config.Config, log *slog.Logger) (engine.Storage, func(), error) {
	switch cfg.Storage.Adapter {
	case "memory":
		return memory.New(), func() {}, nil
	case "redis":
		store, err := redisAdapter.New(cfg.Storage.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("redis storage: %w", err)
		}
		return store, closer(store, "redis", log), nil
	case "sql":
		store, err := sqlxAdapter.Open(ctx, cfg.Storage.SQL)
		if err != nil {
			return nil, nil, fmt.Errorf("sql storage: %w", err)
		}
		return store, closer(store, "sql", log), nil
	case "file":
		store, err := jsonfile.New(cfg.Storage.File.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("file storage: %w", err)
		}
		return store, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage adapter: %s", cfg.Storage.Adapter)
	}
}

func closer(c interface{ Close() error }, name string, log *slog.Logger) func() {
	return func() {
		if err := c.Close(); err != nil {
			log.Warn("storage close failed", "adapter", name, "error", err)
		}
	}
}

// listUsers returns every user with ledger or award data, whichever way the
// store exposes it.
func listUsers(ctx context.Context, storage engine.Storage) ([]core.UserID, error) {
	switch s := storage.(type) {
	case interface {
		Users(context.Context) ([]core.UserID, error)
	}:
		return s.Users(ctx)
	case interface{ Users() []core.UserID }:
		return s.Users(), nil
	}
	return nil, nil
}

// watchCatalog reloads the catalog every interval until ctx ends. A failed
// reload keeps the previous snapshot serving.
func watchCatalog(ctx context.Context, loader *catalog.Loader, interval time.Duration, log *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := loader.Reload(ctx); err != nil {
				log.Warn("catalog reload failed; keeping previous snapshot", "error", err)
			}
		}
	}
}
