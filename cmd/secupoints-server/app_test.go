package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secupoints/adapters/jsonfile"
	"secupoints/adapters/memory"
	"secupoints/analytics"
	"secupoints/catalog"
	"secupoints/config"
	"secupoints/core"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("verbose"))
}

func TestSetupStorage(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig()

	store, cleanup, err := setupStorage(ctx, cfg, slog.Default())
	require.NoError(t, err)
	cleanup()
	assert.IsType(t, &memory.Store{}, store)

	cfg.Storage.Adapter = "file"
	cfg.Storage.File.Path = filepath.Join(t.TempDir(), "state.json")
	store, cleanup, err = setupStorage(ctx, cfg, slog.Default())
	require.NoError(t, err)
	cleanup()
	assert.IsType(t, &jsonfile.Store{}, store)

	cfg.Storage.Adapter = "cassandra"
	_, _, err = setupStorage(ctx, cfg, slog.Default())
	assert.Error(t, err)
}

func TestProvideLeaderboardRebuildsFromStore(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.AppendTransaction(ctx, core.PointTransaction{TxnID: "t1", UserID: "alice", RuleID: "PTS-001", Points: 100, Timestamp: time.Now()}))
	require.NoError(t, store.AppendTransaction(ctx, core.PointTransaction{TxnID: "t2", UserID: "bob", RuleID: "PTS-002", Points: 50, Timestamp: time.Now()}))

	board, err := provideLeaderboard(ctx, store)
	require.NoError(t, err)
	top := board.TopN(2)
	require.Len(t, top, 2)
	assert.Equal(t, core.UserID("alice"), top[0].User)
	assert.Equal(t, int64(50), top[1].Score)
}

type recordingNotifier struct {
	got []core.Notification
	err error
}

func (r *recordingNotifier) Notify(_ context.Context, n core.Notification) error {
	r.got = append(r.got, n)
	return r.err
}

func TestFanoutDeliversToAll(t *testing.T) {
	a := &recordingNotifier{}
	b := &recordingNotifier{err: errors.New("endpoint down")}
	err := fanout{a, b}.Notify(context.Background(), core.Notification{ID: "n1", Target: "alice"})

	require.Error(t, err)
	assert.Len(t, a.got, 1)
	assert.Len(t, b.got, 1)
}

func TestProvideMetricsServer(t *testing.T) {
	cfg := config.DefaultConfig()
	rec := analytics.NewPrometheusRecorder("")
	tracker := analytics.NewTracker()

	assert.Nil(t, provideMetricsServer(cfg, rec, tracker).Server)

	cfg.Metrics.Enabled = true
	ms := provideMetricsServer(cfg, rec, tracker)
	require.NotNil(t, ms.Server)

	rec.PointsAwarded("PTS-001", 100)
	w := httptest.NewRecorder()
	ms.Server.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "secupoints_points_awarded_total")

	w = httptest.NewRecorder()
	ms.Server.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/analytics/days", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWatchCatalogStopsOnCancel(t *testing.T) {
	loader := catalog.NewLoader(catalog.FileSource("../../configs/rules.yaml"), slog.Default())
	_, err := loader.Load(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		watchCatalog(ctx, loader, 10*time.Millisecond, slog.Default())
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchCatalog did not return after cancel")
	}
	assert.NotNil(t, loader.Current())
}
