package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"secupoints/adapters/memory"
	"secupoints/catalog"
	"secupoints/engine"
	"secupoints/leaderboard"
)

// swapSource serves whatever document was last stored.
type swapSource struct {
	mu   sync.Mutex
	data []byte
}

func (s *swapSource) Name() string { return "swap" }

func (s *swapSource) Read(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data, nil
}

func (s *swapSource) set(b []byte) {
	s.mu.Lock()
	s.data = b
	s.mu.Unlock()
}

type testEnv struct {
	handler http.Handler
	loader  *catalog.Loader
	source  *swapSource
	board   *leaderboard.SkipList
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	raw, err := os.ReadFile("../../configs/rules.yaml")
	if err != nil {
		t.Fatalf("read catalog: %v", err)
	}
	src := &swapSource{data: raw}
	loader := catalog.NewLoader(src, nil)
	if _, err := loader.Load(context.Background()); err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	store := memory.New()
	board := leaderboard.NewSkipList()
	bus := engine.NewEventBus(engine.DispatchSync)
	bus.SubscribeAll(leaderboard.NewFeed(board).OnEvent)
	eng := engine.New(loader, store,
		engine.WithPublisher(bus),
		engine.WithClock(engine.FixedClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))),
	)
	return &testEnv{
		handler: NewMux(Deps{Engine: eng, Catalogs: loader, Board: board}, opts),
		loader:  loader,
		source:  src,
		board:   board,
	}
}

func (e *testEnv) do(method, path string, body string, hdr ...string) *httptest.ResponseRecorder {
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

const verifiedBody = `{
	"Alert": {"alert_id": "A-1", "severity": "CRITICAL", "status": "RESOLVED", "asset_type": "web", "first_seen": "2026-03-08T12:00:00Z"},
	"Remediation": {"remediation_id": "R-1", "user_id": "Alice", "team_id": "team-a", "type": "patch", "action_ts": "2026-03-08T18:00:00Z"},
	"RescanResult": {"rescan_id": "S-1", "result": "CLEAN"},
	"current_time": "2026-03-10T12:00:00Z"
}`

func TestProcessEvent(t *testing.T) {
	env := newTestEnv(t, Options{PathPrefix: "/api"})

	rec := env.do(http.MethodPost, "/api/events/remediation_verified", verifiedBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res engine.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.RulesTriggered != 2 || len(res.PointsAwarded) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.PointsAwarded[0].UserID != "alice" || res.PointsAwarded[1].Total != 125 {
		t.Fatalf("unexpected awards %+v", res.PointsAwarded)
	}
	if e, ok := env.board.Get("alice"); !ok || e.Score != 125 {
		t.Fatalf("leaderboard not fed: %+v", e)
	}
}

func TestProcessEventExcluded(t *testing.T) {
	env := newTestEnv(t, Options{})
	body := strings.Replace(verifiedBody, `"asset_type": "web"`, `"asset_type": "sandbox"`, 1)

	rec := env.do(http.MethodPost, "/events/remediation_verified", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var res engine.Result
	_ = json.Unmarshal(rec.Body.Bytes(), &res)
	if len(res.Exclusions) != 1 || res.Exclusions[0].RuleID != "EXC-001" || len(res.PointsAwarded) != 0 {
		t.Fatalf("expected exclusion, got %+v", res)
	}
}

func TestProcessEventValidation(t *testing.T) {
	env := newTestEnv(t, Options{})

	if rec := env.do(http.MethodPost, "/events/remediation_verified", "[1,2]"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-object body, got %d", rec.Code)
	}
	if rec := env.do(http.MethodPost, "/events/bad.name", "{}"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad event name, got %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/events/remediation_verified", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestBalance(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.do(http.MethodPost, "/events/remediation_verified", verifiedBody)

	rec := env.do(http.MethodGet, "/users/ALICE/balance", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var bal engine.Balance
	_ = json.Unmarshal(rec.Body.Bytes(), &bal)
	if bal.UserID != "alice" || bal.Total != 125 || bal.Currency != "SecuPoints" || len(bal.Badges) != 1 {
		t.Fatalf("unexpected balance %+v", bal)
	}

	rec = env.do(http.MethodGet, "/users/nobody/balance", "")
	_ = json.Unmarshal(rec.Body.Bytes(), &bal)
	if rec.Code != http.StatusOK || bal.Total != 0 || bal.Level.Level != 1 {
		t.Fatalf("unexpected empty balance %d %+v", rec.Code, bal)
	}
}

func TestLeaderboard(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.board.Update("a", 10)
	env.board.Update("b", 30)
	env.board.Update("c", 20)

	rec := env.do(http.MethodGet, "/leaderboard?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var page struct {
		Total   int           `json:"total"`
		Entries []rankedEntry `json:"entries"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 3 || len(page.Entries) != 2 || page.Entries[0].User != "b" || page.Entries[1].Rank != 2 {
		t.Fatalf("unexpected page %+v", page)
	}

	rec = env.do(http.MethodGet, "/leaderboard/a", "")
	var one rankedEntry
	_ = json.Unmarshal(rec.Body.Bytes(), &one)
	if rec.Code != http.StatusOK || one.Rank != 3 || one.Score != 10 {
		t.Fatalf("unexpected rank %d %+v", rec.Code, one)
	}
	if rec := env.do(http.MethodGet, "/leaderboard/zed", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/leaderboard?limit=0", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCatalogRulesAndReload(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(http.MethodGet, "/catalog/rules", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var listing struct {
		Version string           `json:"version"`
		Records []catalog.Record `json:"records"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &listing)
	if listing.Version != "2.1" || len(listing.Records) == 0 || listing.Records[0].ID != "PTS-001" {
		t.Fatalf("unexpected listing %+v", listing)
	}

	if rec := env.do(http.MethodPost, "/catalog/reload", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 reload, got %d", rec.Code)
	}

	env.source.set([]byte("version: \"2.1\"\nbogus_section: []\n"))
	rec = env.do(http.MethodPost, "/catalog/reload", "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	// The previous snapshot keeps serving.
	if env.loader.Current() == nil || env.loader.Current().Version() != "2.1" {
		t.Fatal("previous catalog should still be active")
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Options{})
	if rec := env.do(http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	empty := catalog.NewLoader(&swapSource{}, nil)
	eng := engine.New(empty, memory.New())
	h := NewMux(Deps{Engine: eng, Catalogs: empty}, Options{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without catalog, got %d", rec.Code)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	env := newTestEnv(t, Options{
		PathPrefix:      "/api",
		APIKeys:         []string{"secret"},
		AllowCORSOrigin: "*",
	})

	if rec := env.do(http.MethodGet, "/api/users/alice/balance", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/api/users/alice/balance", "", "X-API-Key", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong key, got %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/api/users/alice/balance", "", "Authorization", "Bearer secret"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	// Health checks stay open.
	if rec := env.do(http.MethodGet, "/api/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected open healthz, got %d", rec.Code)
	}
	// Preflight is answered before auth.
	rec := env.do(http.MethodOptions, "/api/events/x", "")
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("unexpected preflight %d %v", rec.Code, rec.Header())
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, Options{
		APIKeys:          []string{"k"},
		RateLimitEnabled: true,
		RateLimitRPM:     1,
		RateLimitBurst:   1,
	})

	if rec := env.do(http.MethodGet, "/users/alice/balance", "", "X-API-Key", "k"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 first request, got %d", rec.Code)
	}
	rec := env.do(http.MethodGet, "/users/alice/balance", "", "X-API-Key", "k")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestRateLimiterRefillsAndSweeps(t *testing.T) {
	l := newRateLimiter(60, 2, time.Minute)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		if ok, _ := l.allow("c", t0); !ok {
			t.Fatalf("request %d should pass", i)
		}
	}
	if ok, wait := l.allow("c", t0); ok || wait != time.Second {
		t.Fatalf("expected refusal with 1s wait, got %v %v", ok, wait)
	}
	if ok, _ := l.allow("c", t0.Add(time.Second)); !ok {
		t.Fatal("token should refill after a second")
	}

	l.allow("idle", t0)
	l.allow("c", t0.Add(2*time.Minute))
	if _, ok := l.b["idle"]; ok {
		t.Fatal("idle bucket should be swept")
	}
}
