package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	wsadapter "secupoints/adapters/websocket"
	"secupoints/catalog"
	"secupoints/core"
	"secupoints/engine"
	"secupoints/leaderboard"
	"secupoints/realtime"
)

// Options configures the HTTP API surface.
type Options struct {
	// PathPrefix, if set, is prepended to all routes (e.g., "/api").
	PathPrefix string
	// AllowCORSOrigin, if non-empty, enables basic CORS with the given origin (use "*" for any).
	AllowCORSOrigin string
	// APIKeys, if non-empty, enables static API key auth via Authorization: Bearer or X-API-Key.
	APIKeys []string
	// RateLimitEnabled toggles rate limiting.
	RateLimitEnabled bool
	// RateLimitRPM is the allowed requests per minute per client key.
	RateLimitRPM int
	// RateLimitBurst defines burst capacity.
	RateLimitBurst int
	// RateLimitCleanup is how often idle client buckets are dropped.
	RateLimitCleanup time.Duration
	// MaxBodyBytes caps event payloads. Zero selects 1 MiB.
	MaxBodyBytes int64
	// Logger receives request failures. Nil selects slog.Default().
	Logger *slog.Logger
}

// Processor is the engine surface the API drives.
type Processor interface {
	ProcessEvent(ctx context.Context, event string, data map[string]any) (*engine.Result, error)
	Balance(ctx context.Context, user core.UserID) (engine.Balance, error)
}

// Reloader swaps in a freshly loaded catalog.
type Reloader interface {
	Reload(ctx context.Context) (*catalog.Catalog, error)
}

// Deps are the collaborators behind the routes. Board and Hub are optional;
// their routes are not registered when nil.
type Deps struct {
	Engine   Processor
	Catalogs engine.CatalogSource
	Board    leaderboard.Board
	Hub      *realtime.Hub
}

type api struct {
	deps    Deps
	maxBody int64
	log     *slog.Logger
}

// NewMux builds an http.Handler exposing the rule engine over REST and
// engine events over WebSocket.
// Routes:
//   - POST {prefix}/events/{name}         run an event through the rules
//   - GET  {prefix}/users/{id}/balance    ledger totals, level and badges
//   - GET  {prefix}/leaderboard           ?offset=0&limit=10
//   - GET  {prefix}/leaderboard/{id}      one user's rank
//   - GET  {prefix}/catalog/rules         exported catalog records
//   - POST {prefix}/catalog/reload        reload the catalog source
//   - GET  {prefix}/healthz
//   - WS   {prefix}/ws                    ?user= filters to one user
func NewMux(deps Deps, opts Options) http.Handler {
	a := &api{deps: deps, maxBody: opts.MaxBodyBytes, log: opts.Logger}
	if a.maxBody <= 0 {
		a.maxBody = 1 << 20
	}
	if a.log == nil {
		a.log = slog.Default()
	}

	mux := http.NewServeMux()
	route := func(method, path string, h http.HandlerFunc) {
		mux.HandleFunc(method+" "+withPrefix(opts.PathPrefix, path), h)
	}

	route(http.MethodGet, "/healthz", a.health)
	route(http.MethodPost, "/events/{name}", a.processEvent)
	route(http.MethodGet, "/users/{id}/balance", a.balance)
	route(http.MethodGet, "/catalog/rules", a.catalogRules)
	route(http.MethodPost, "/catalog/reload", a.catalogReload)
	if deps.Board != nil {
		route(http.MethodGet, "/leaderboard", a.leaderboard)
		route(http.MethodGet, "/leaderboard/{id}", a.rank)
	}
	if deps.Hub != nil {
		mux.Handle(withPrefix(opts.PathPrefix, "/ws"), wsadapter.HandlerWithLogger(deps.Hub, a.log))
	}

	var handler http.Handler = mux
	if len(opts.APIKeys) > 0 {
		handler = withAPIKeyAuth(handler, opts.APIKeys, withPrefix(opts.PathPrefix, "/healthz"))
	}
	if opts.RateLimitEnabled && opts.RateLimitRPM > 0 && opts.RateLimitBurst > 0 {
		handler = withRateLimit(handler, opts.RateLimitRPM, opts.RateLimitBurst, opts.RateLimitCleanup)
	}
	if opts.AllowCORSOrigin != "" {
		handler = withCORS(handler, opts.AllowCORSOrigin)
	}
	return handler
}

func (a *api) processEvent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := core.ValidateID(name); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_event", err.Error(), nil)
		return
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, a.maxBody))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "body must be a JSON object: "+err.Error(), nil)
		return
	}

	res, err := a.deps.Engine.ProcessEvent(r.Context(), name, data)
	switch {
	case errors.Is(err, engine.ErrNoCatalog):
		writeError(w, http.StatusServiceUnavailable, "no_catalog", err.Error(), nil)
		return
	case err != nil:
		a.log.ErrorContext(r.Context(), "event processing failed", "event", name, "error", err)
		writeError(w, http.StatusInternalServerError, "processing_failed", err.Error(), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) balance(w http.ResponseWriter, r *http.Request) {
	user, err := core.NormalizeUserID(core.UserID(r.PathValue("id")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_user", err.Error(), nil)
		return
	}
	bal, err := a.deps.Engine.Balance(r.Context(), user)
	switch {
	case errors.Is(err, engine.ErrNoCatalog):
		writeError(w, http.StatusServiceUnavailable, "no_catalog", err.Error(), nil)
		return
	case err != nil:
		a.log.ErrorContext(r.Context(), "balance lookup failed", "user_id", user, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

type rankedEntry struct {
	Rank int `json:"rank"`
	leaderboard.Entry
}

func (a *api) leaderboard(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "invalid_offset", "offset must be a non-negative integer", nil)
		return
	}
	limit, err := queryInt(r, "limit", 10)
	if err != nil || limit <= 0 || limit > 1000 {
		writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 1000", nil)
		return
	}
	page := a.deps.Board.Page(offset, limit)
	out := make([]rankedEntry, len(page))
	for i, e := range page {
		out[i] = rankedEntry{Rank: offset + i + 1, Entry: e}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":   a.deps.Board.Len(),
		"offset":  offset,
		"entries": out,
	})
}

func (a *api) rank(w http.ResponseWriter, r *http.Request) {
	user, err := core.NormalizeUserID(core.UserID(r.PathValue("id")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_user", err.Error(), nil)
		return
	}
	rank, ok := a.deps.Board.Rank(user)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "user is not on the leaderboard", nil)
		return
	}
	e, _ := a.deps.Board.Get(user)
	writeJSON(w, http.StatusOK, rankedEntry{Rank: rank, Entry: e})
}

func (a *api) catalogRules(w http.ResponseWriter, r *http.Request) {
	cat := a.deps.Catalogs.Current()
	if cat == nil {
		writeError(w, http.StatusServiceUnavailable, "no_catalog", engine.ErrNoCatalog.Error(), nil)
		return
	}
	records, err := cat.Export()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": cat.Version(),
		"records": records,
	})
}

func (a *api) catalogReload(w http.ResponseWriter, r *http.Request) {
	reloader, ok := a.deps.Catalogs.(Reloader)
	if !ok {
		writeError(w, http.StatusNotImplemented, "not_supported", "catalog source cannot be reloaded", nil)
		return
	}
	cat, err := reloader.Reload(r.Context())
	if err != nil {
		var details any
		var cerr *core.Error
		if errors.As(err, &cerr) && len(cerr.Details) > 0 {
			details = cerr.Details
		}
		writeError(w, http.StatusUnprocessableEntity, "invalid_catalog", err.Error(), details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": cat.Version(),
		"entries": cat.Len(),
	})
}

// health reports whether a catalog is loaded and storage answers a read.
func (a *api) health(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"catalog": "ok", "storage": "ok"}
	healthy := true
	if a.deps.Catalogs.Current() == nil {
		checks["catalog"] = "not loaded"
		checks["storage"] = "skipped"
		healthy = false
	} else if _, err := a.deps.Engine.Balance(r.Context(), "healthcheck"); err != nil {
		checks["storage"] = "failed"
		healthy = false
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func withPrefix(prefix, path string) string {
	if prefix == "" || prefix == "/" {
		return path
	}
	if prefix[len(prefix)-1] == '/' {
		return prefix[:len(prefix)-1] + path
	}
	return prefix + path
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string, details any) {
	writeJSON(w, status, apiError{Code: code, Message: msg, Details: details})
}
