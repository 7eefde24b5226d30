package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secupoints/adapters/memory"
	"secupoints/catalog"
	"secupoints/condition"
	"secupoints/core"
)

func newExecutor(store *memory.Store) *ActionExecutor {
	return NewActionExecutor(store, store, store, store, &SequenceGenerator{Prefix: "tx"}, FixedClock(testNow), nil)
}

func TestExecutePointAwardResolvesEvidence(t *testing.T) {
	store := memory.New()
	x := newExecutor(store)
	cctx := condition.NewContext(map[string]any{
		"Alert": map[string]any{"alert_id": "A-7", "cvss": 9.8},
	})
	txn, err := x.ExecutePointAward(context.Background(), PointAward{
		RuleID:   "R",
		UserID:   "u",
		Points:   100,
		Reason:   "fixed",
		Evidence: []string{"Alert.alert_id", "Alert.cvss", "Alert.missing", "Scan.id", "manual-review"},
	}, cctx)
	require.NoError(t, err)
	assert.Equal(t, "tx-1", txn.TxnID)
	assert.Equal(t, "A-7", txn.AlertID)
	assert.Equal(t, []string{"A-7", "9.8", "manual-review"}, txn.EvidenceRefs)
	assert.Equal(t, testNow, txn.Timestamp)
	assert.False(t, txn.IsPenalty())

	stored, _ := store.Transactions(context.Background(), "u")
	require.Len(t, stored, 1)
	assert.Equal(t, txn.TxnID, stored[0].TxnID)
}

func TestExecutePenaltyDefaultsProvenance(t *testing.T) {
	store := memory.New()
	x := newExecutor(store)
	txn, err := x.ExecutePenalty(context.Background(), Penalty{
		PointAward: PointAward{RuleID: "P", UserID: "u", Points: -20, Reason: "regressed"},
	}, condition.NewContext(nil))
	require.NoError(t, err)
	assert.Equal(t, "unspecified", txn.PenaltyReason)
	assert.Equal(t, "unknown", txn.OriginalAlertStatus)
	assert.True(t, txn.IsPenalty())

	totals, _ := store.Totals(context.Background(), "u")
	assert.Equal(t, int64(-20), totals.Total)

	_, err = x.ExecutePenalty(context.Background(), Penalty{PointAward: PointAward{RuleID: "P", UserID: "u", Points: 5}}, condition.NewContext(nil))
	assert.Error(t, err)
}

func TestExecutePointAwardWrapsStoreErrors(t *testing.T) {
	x := NewActionExecutor(brokenLedger{memory.New()}, nil, nil, nil, nil, nil, nil)
	_, err := x.ExecutePointAward(context.Background(), PointAward{RuleID: "R", UserID: "u", Points: 1}, condition.NewContext(nil))
	assert.ErrorIs(t, err, core.ErrPersistence)
	assert.ErrorIs(t, err, errDiskFull)
}

func TestExecuteSideEffects(t *testing.T) {
	store := memory.New()
	store.Put(core.CollectionAlert, map[string]any{"alert_id": "A-1", "status": "RESOLVED"})
	x := newExecutor(store)
	cctx := condition.NewContext(map[string]any{
		"Alert":       map[string]any{"alert_id": "A-1"},
		"Remediation": map[string]any{"user_id": "u"},
	})
	effects := []catalog.SideEffect{
		{Kind: catalog.EffectUpdateAlert, UpdateAlert: &catalog.UpdateAlertEffect{AlertID: "Alert.alert_id", NewStatus: "OPEN", Notes: "reopened"}},
		{Kind: catalog.EffectUpdateRemediation, UpdateRemediation: &catalog.UpdateRemediationEffect{RemediationID: "Remediation.remediation_id", NewStatus: "FAILED"}},
		{Kind: catalog.EffectCreateNotification, CreateNotification: &catalog.NotificationEffect{Target: "Remediation.user_id", Message: "heads up"}},
	}
	results, err := x.ExecuteSideEffects(context.Background(), "PEN", effects, cctx)
	require.Error(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, EffectResult{RuleID: "PEN", Kind: "update_alert", Target: "A-1", Status: EffectApplied}, results[0])
	assert.Equal(t, EffectFailed, results[1].Status)
	assert.Contains(t, results[1].Error, "did not resolve")
	assert.Equal(t, EffectApplied, results[2].Status)

	alert, _ := store.Record(core.CollectionAlert, "alert_id", "A-1")
	hist := alert["lifecycle"].([]core.LifecycleEntry)
	assert.Equal(t, core.LifecycleEntry{Status: "OPEN", Timestamp: testNow, Note: "reopened"}, hist[0])

	notes := store.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, core.PriorityNormal, notes[0].Priority)
	assert.Equal(t, "PEN", notes[0].RuleID)
}

func TestSideEffectsWithoutCollaborators(t *testing.T) {
	x := NewActionExecutor(memory.New(), nil, nil, nil, nil, nil, nil)
	results, err := x.ExecuteSideEffects(context.Background(), "PEN", []catalog.SideEffect{
		{Kind: catalog.EffectUpdateAlert, UpdateAlert: &catalog.UpdateAlertEffect{AlertID: "A-literal", NewStatus: "OPEN"}},
	}, condition.NewContext(nil))
	assert.Error(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "A-literal", results[0].Target)
	assert.Equal(t, EffectFailed, results[0].Status)
}
