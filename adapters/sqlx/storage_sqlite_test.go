package sqlx_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storage "secupoints/adapters/sqlx"
	"secupoints/core"
)

func newSQLiteStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(context.Background(), storage.DefaultConfig(storage.DriverSQLite, ":memory:"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLite_LedgerAndAwards(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.AppendTransaction(ctx, core.PointTransaction{TxnID: "t1", UserID: "u1", RuleID: "PTS-001", Points: 100, Reason: "critical", Timestamp: day, EvidenceRefs: []string{"a1", "r1"}}))
	require.NoError(t, store.AppendTransaction(ctx, core.PointTransaction{TxnID: "t2", UserID: "u1", RuleID: "PTS-002", Points: 50, Reason: "high", Timestamp: day.Add(-24 * time.Hour)}))
	require.NoError(t, store.AppendTransaction(ctx, core.PointTransaction{TxnID: "t3", UserID: "u1", RuleID: "PEN-001", Points: -50, Reason: "regression", PenaltyReason: "regression", Timestamp: day.Add(time.Hour)}))

	totals, err := store.Totals(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, core.LedgerTotals{Total: 100, Positive: 150, Negative: -50, Count: 3}, totals)

	txns, err := store.Transactions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, txns, 3)
	assert.Equal(t, "t2", txns[0].TxnID)
	assert.Equal(t, []string{"a1", "r1"}, txns[1].EvidenceRefs)
	assert.True(t, txns[1].Timestamp.Equal(day))
	assert.Equal(t, "regression", txns[2].PenaltyReason)

	award := core.Award{AwardID: "aw1", BadgeID: "BDG-001", UserID: "u1", Timestamp: day, Metadata: map[string]any{"tier": "bronze"}}
	require.NoError(t, store.InsertAward(ctx, award))
	err = store.InsertAward(ctx, core.Award{AwardID: "aw2", BadgeID: "BDG-001", UserID: "u1", Timestamp: day})
	assert.True(t, errors.Is(err, core.ErrAwardExists))

	awards, err := store.Awards(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, awards, 1)
	assert.Equal(t, "bronze", awards[0].Metadata["tier"])

	users, err := store.Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, []core.UserID{"u1"}, users)
}

func TestSQLite_HistoryQueries(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	for i, rule := range []string{"PTS-001", "PTS-001", "PTS-004"} {
		require.NoError(t, store.AppendTransaction(ctx, core.PointTransaction{
			TxnID: string(rune('a' + i)), UserID: "u1", RuleID: rule, Points: 25, Timestamp: day.Add(-time.Duration(i) * 24 * time.Hour),
		}))
	}

	q := core.Query{Collection: core.CollectionPointTxn, Filters: []core.Filter{
		{Field: "user_id", Op: core.OpEq, Value: "u1"},
		{Field: "points", Op: core.OpGt, Value: int64(0)},
	}}
	n, err := store.Count(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	sum, err := store.Sum(ctx, q, "points")
	require.NoError(t, err)
	assert.Equal(t, 75.0, sum)

	d, err := store.Distinct(ctx, q, "rule_id")
	require.NoError(t, err)
	assert.Equal(t, int64(2), d)

	q.TimeField = core.TimestampField
	q.From = time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	q.To = q.From.Add(24 * time.Hour)
	n, err = store.Count(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSQLite_RecordsAndNotifications(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutRecord(ctx, core.CollectionAlert, "a1", map[string]any{"alert_id": "a1", "status": "RESOLVED"}))
	require.NoError(t, store.PutRecord(ctx, core.CollectionAlert, "a1", map[string]any{"alert_id": "a1", "status": "RESOLVED", "severity": "HIGH"}))

	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpdateAlertStatus(ctx, core.AlertStatusUpdate{AlertID: "a1", NewStatus: "OPEN", Entry: core.LifecycleEntry{Status: "OPEN", Timestamp: at}}))

	alert, err := store.GetRecord(ctx, core.CollectionAlert, "a1")
	require.NoError(t, err)
	assert.Equal(t, "OPEN", alert["status"])
	assert.Equal(t, "HIGH", alert["severity"])

	n, err := store.Count(ctx, core.Query{Collection: core.CollectionAlert, Filters: []core.Filter{{Field: "status", Op: core.OpEq, Value: "OPEN"}}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, store.Notify(ctx, core.Notification{ID: "n1", Target: "u1", Message: "regressed", Priority: core.PriorityHigh, Status: core.NotificationPending, CreatedAt: at}))
	notes, err := store.Notifications(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, core.PriorityHigh, notes[0].Priority)
}
