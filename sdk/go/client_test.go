package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"secupoints/adapters/memory"
	"secupoints/api/httpapi"
	"secupoints/catalog"
	"secupoints/core"
	"secupoints/engine"
	"secupoints/leaderboard"
	"secupoints/realtime"
)

type testServer struct {
	*httptest.Server
	hub *realtime.Hub
}

func newTestServer(t *testing.T, opts httpapi.Options) *testServer {
	t.Helper()
	loader := catalog.NewLoader(catalog.FileSource("../../configs/rules.yaml"), nil)
	if _, err := loader.Load(context.Background()); err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	store := memory.New()
	board := leaderboard.NewSkipList()
	hub := realtime.NewHub()
	bus := engine.NewEventBus(engine.DispatchSync)
	bus.SubscribeAll(leaderboard.NewFeed(board).OnEvent)
	hub.Attach(bus)
	eng := engine.New(loader, store,
		engine.WithPublisher(bus),
		engine.WithClock(engine.FixedClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))),
	)
	opts.PathPrefix = "/api"
	srv := httptest.NewServer(httpapi.NewMux(httpapi.Deps{Engine: eng, Catalogs: loader, Board: board, Hub: hub}, opts))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, hub: hub}
}

func verifiedEvent(user string) map[string]any {
	const raw = `{
		"Alert": {"alert_id": "A-1", "severity": "CRITICAL", "status": "RESOLVED", "asset_type": "web", "first_seen": "2026-03-08T12:00:00Z"},
		"Remediation": {"remediation_id": "R-1", "user_id": "", "team_id": "team-a", "type": "patch", "action_ts": "2026-03-08T18:00:00Z"},
		"RescanResult": {"rescan_id": "S-1", "result": "CLEAN"},
		"current_time": "2026-03-10T12:00:00Z"
	}`
	var data map[string]any
	_ = json.Unmarshal([]byte(raw), &data)
	data["Remediation"].(map[string]any)["user_id"] = user
	return data
}

func TestClient_ProcessEventBalanceLeaderboard(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{APIKeys: []string{"k1"}})
	client, err := NewClient(srv.URL+"/api/", WithAPIKey("k1"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	res, err := client.ProcessEvent(ctx, "remediation_verified", verifiedEvent("Alice"))
	if err != nil {
		t.Fatalf("process event: %v", err)
	}
	if res.RulesTriggered != 2 || len(res.PointsAwarded) != 2 || res.PointsAwarded[1].Total != 125 {
		t.Fatalf("unexpected result %+v", res)
	}

	bal, err := client.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Total != 125 || bal.Currency != "SecuPoints" || len(bal.Badges) != 1 || bal.Badges[0].BadgeID != "BDG-001" {
		t.Fatalf("unexpected balance %+v", bal)
	}

	if _, err := client.ProcessEvent(ctx, "remediation_verified", verifiedEvent("bob")); err != nil {
		t.Fatalf("process event: %v", err)
	}
	page, err := client.Leaderboard(ctx, 0, 1)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if page.Total != 2 || len(page.Entries) != 1 || page.Entries[0].Rank != 1 || page.Entries[0].Score != 125 {
		t.Fatalf("unexpected page %+v", page)
	}

	rank, err := client.Rank(ctx, "bob")
	if err != nil || rank.Score != 125 {
		t.Fatalf("rank: %+v err=%v", rank, err)
	}
	if _, err := client.Rank(ctx, "zed"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestClient_CatalogAndHealth(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{})
	client, _ := NewClient(srv.URL + "/api")
	ctx := context.Background()

	rules, err := client.Rules(ctx)
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	if rules.Version != "2.1" || len(rules.Records) == 0 || rules.Records[0].ID != "PTS-001" {
		t.Fatalf("unexpected rules %+v", rules)
	}

	reloaded, err := client.ReloadCatalog(ctx)
	if err != nil || reloaded.Version != "2.1" || reloaded.Entries == 0 {
		t.Fatalf("reload: %+v err=%v", reloaded, err)
	}

	health, err := client.Health(ctx)
	if err != nil || health.Status != "healthy" || health.Checks["catalog"] != "ok" {
		t.Fatalf("health: %+v err=%v", health, err)
	}
}

func TestClient_Errors(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{APIKeys: []string{"k1"}})
	client, _ := NewClient(srv.URL + "/api")
	ctx := context.Background()

	_, err := client.Balance(ctx, "alice")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized || apiErr.Code != "unauthorized" {
		t.Fatalf("expected unauthorized API error, got %v", err)
	}

	if _, err := client.Balance(ctx, " "); !errors.Is(err, ErrEmptyUserID) {
		t.Fatalf("expected ErrEmptyUserID, got %v", err)
	}
	if _, err := client.ProcessEvent(ctx, "", nil); !errors.Is(err, ErrEmptyEvent) {
		t.Fatalf("expected ErrEmptyEvent, got %v", err)
	}
	if _, err := NewClient(""); err == nil {
		t.Fatal("expected error for empty base URL")
	}
}

func TestClient_SubscribeEvents(t *testing.T) {
	srv := newTestServer(t, httpapi.Options{})
	client, _ := NewClient(srv.URL + "/api")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := client.SubscribeEvents(ctx, "alice")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for srv.hub.Subscribers() == 0 {
		select {
		case <-ctx.Done():
			t.Fatal("subscriber never registered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if _, err := client.ProcessEvent(ctx, "remediation_verified", verifiedEvent("bob")); err != nil {
		t.Fatalf("process bob: %v", err)
	}
	if _, err := client.ProcessEvent(ctx, "remediation_verified", verifiedEvent("alice")); err != nil {
		t.Fatalf("process alice: %v", err)
	}

	select {
	case evt := <-events:
		if evt.Type != core.EventPointsAwarded || evt.UserID != "alice" || evt.Delta != 100 {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestDeriveWSURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080/api": "ws://localhost:8080/api/ws",
		"https://example.com/api/":  "wss://example.com/api/ws",
		"http://localhost:8080":     "ws://localhost:8080/ws",
	}
	for in, want := range cases {
		if got := deriveWSURL(in); got != want {
			t.Errorf("deriveWSURL(%q) = %q, want %q", in, got, want)
		}
	}
}
