package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"secupoints/adapters/memory"
	"secupoints/catalog"
	"secupoints/core"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func sampleCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Load(context.Background(), catalog.FileSource("../configs/rules.yaml"))
	require.NoError(t, err)
	return cat
}

type harness struct {
	engine *Engine
	store  *memory.Store
	bus    *EventBus
	events []core.Event
}

func newHarness(t *testing.T, cat *catalog.Catalog, opts ...Option) *harness {
	t.Helper()
	h := &harness{store: memory.New(), bus: NewEventBus(DispatchSync)}
	h.bus.SubscribeAll(func(_ context.Context, ev core.Event) { h.events = append(h.events, ev) })
	base := []Option{
		WithAlertUpdater(h.store),
		WithRemediationUpdater(h.store),
		WithNotifier(h.store),
		WithPublisher(h.bus),
		WithClock(FixedClock(testNow)),
		WithIDGenerator(&SequenceGenerator{Prefix: "id"}),
	}
	h.engine = New(StaticCatalog{Catalog: cat}, h.store, append(base, opts...)...)
	return h
}

func (h *harness) eventsOf(typ core.EventType) []core.Event {
	var out []core.Event
	for _, ev := range h.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (h *harness) seed(t *testing.T, user core.UserID, points int64, at time.Time) {
	t.Helper()
	require.NoError(t, h.store.AppendTransaction(context.Background(), core.PointTransaction{
		TxnID: "seed-" + at.Format(time.RFC3339Nano), UserID: user, RuleID: "SEED", Points: points, Timestamp: at,
	}))
}

// verifiedContext describes a remediation of a finding of the given severity
// fixed `after` the finding was first seen.
func verifiedContext(user, severity string, after time.Duration) map[string]any {
	first := testNow.Add(-48 * time.Hour)
	return map[string]any{
		"Alert": map[string]any{
			"alert_id":   "A-1",
			"severity":   severity,
			"status":     "RESOLVED",
			"asset_type": "web",
			"first_seen": first,
		},
		"Remediation": map[string]any{
			"remediation_id": "R-1",
			"user_id":        user,
			"team_id":        "team-a",
			"type":           "patch",
			"action_ts":      first.Add(after),
		},
		"RescanResult": map[string]any{
			"rescan_id": "S-1",
			"result":    "CLEAN",
		},
		"current_time": testNow,
	}
}

func txnRuleIDs(s []TransactionSummary) []string {
	out := make([]string, len(s))
	for i, t := range s {
		out[i] = t.RuleID
	}
	return out
}

func badgeIDs(a []core.Award) []string {
	out := make([]string, len(a))
	for i, aw := range a {
		out[i] = aw.BadgeID
	}
	return out
}

var errDiskFull = errors.New("disk full")

// brokenLedger fails every append.
type brokenLedger struct{ *memory.Store }

func (brokenLedger) AppendTransaction(context.Context, core.PointTransaction) error {
	return errDiskFull
}

// brokenAwards fails every award lookup.
type brokenAwards struct{ *memory.Store }

func (brokenAwards) HasAward(context.Context, core.UserID, string) (bool, error) {
	return false, errDiskFull
}
