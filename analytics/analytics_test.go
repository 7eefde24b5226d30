package analytics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secupoints/core"
)

func TestTracker_OnEvent(t *testing.T) {
	tr := NewTracker()
	ctx := context.Background()
	day := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	tr.OnEvent(ctx, core.NewPointsAwarded(core.PointTransaction{UserID: "alice", RuleID: "PTS-001", Points: 100, Timestamp: day}, 100))
	tr.OnEvent(ctx, core.NewPointsAwarded(core.PointTransaction{UserID: "alice", RuleID: "PTS-004", Points: 25, Timestamp: day}, 125))
	tr.OnEvent(ctx, core.NewPointsAwarded(core.PointTransaction{UserID: "bob", RuleID: "PTS-001", Points: 100, Timestamp: day}, 100))
	tr.OnEvent(ctx, core.NewPenaltyApplied(core.PointTransaction{UserID: "bob", RuleID: "PEN-001", Points: -50, PenaltyReason: "regression", Timestamp: day}, 50))
	tr.OnEvent(ctx, core.NewBadgeAwarded(core.Award{BadgeID: "BDG-001", UserID: "alice", Timestamp: day}))
	tr.OnEvent(ctx, core.NewBadgeAwarded(core.Award{BadgeID: "BDG-001", UserID: "bob", Timestamp: day}))
	tr.OnEvent(ctx, core.NewLevelUp("alice", 2, 125, day))
	tr.OnEvent(ctx, core.NewExcluded("remediation_verified", "EXC-001", "test asset", day))
	tr.OnEvent(ctx, core.NewPointsAwarded(core.PointTransaction{UserID: "carol", RuleID: "PTS-002", Points: 50, Timestamp: day.Add(24 * time.Hour)}, 50))

	stats := tr.Day("2026-03-10")
	assert.Equal(t, 2, stats.ActiveUsers)
	assert.Equal(t, int64(225), stats.PointsAwarded)
	assert.Equal(t, int64(50), stats.PenaltyPoints)
	assert.Equal(t, int64(1), stats.Penalties)
	assert.Equal(t, int64(2), stats.BadgesAwarded)
	assert.Equal(t, int64(1), stats.LevelUps)
	assert.Equal(t, int64(1), stats.Exclusions)
	assert.Equal(t, int64(200), stats.PointsByRule["PTS-001"])
	assert.Equal(t, int64(1), stats.ExclusionsByRule["EXC-001"])

	assert.Equal(t, 2, tr.BadgeHolders("BDG-001"))
	assert.Equal(t, 3, tr.WeeklyActiveUsers("2026-W11"))
	assert.Len(t, tr.Days(), 2)
	assert.Equal(t, DailyStats{Day: "2026-01-01"}, tr.Day("2026-01-01"))

	top := tr.TopRules(2)
	require.Len(t, top, 2)
	assert.Equal(t, RuleTotal{RuleID: "PTS-001", Points: 200}, top[0])
	assert.Equal(t, RuleTotal{RuleID: "PTS-002", Points: 50}, top[1])
}

func TestPrometheusRecorder(t *testing.T) {
	rec := NewPrometheusRecorder("")

	rec.EventProcessed("remediation_verified", false, 20*time.Millisecond)
	rec.EventProcessed("remediation_verified", true, time.Millisecond)
	rec.RuleEvaluated("remediation_verified", "PTS-001", true)
	rec.RuleEvaluated("remediation_verified", "PTS-002", false)
	rec.RuleFailed("remediation_verified", "PTS-003")
	rec.PointsAwarded("PTS-001", 100)
	rec.PointsAwarded("PTS-001", 110)
	rec.PointsAwarded("PEN-001", -50)
	rec.BadgeAwarded("BDG-001")

	assert.Equal(t, 1.0, testutil.ToFloat64(rec.eventsProcessed.WithLabelValues("remediation_verified", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.rulesEvaluated.WithLabelValues("remediation_verified", "PTS-001", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.ruleFailures.WithLabelValues("remediation_verified", "PTS-003")))
	assert.Equal(t, 210.0, testutil.ToFloat64(rec.pointsAwarded.WithLabelValues("PTS-001")))
	assert.Equal(t, 50.0, testutil.ToFloat64(rec.penaltyPoints.WithLabelValues("PEN-001")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.badgesAwarded.WithLabelValues("BDG-001")))

	w := httptest.NewRecorder()
	rec.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	body := w.Body.String()
	assert.True(t, strings.Contains(body, "secupoints_points_awarded_total"))
	assert.True(t, strings.Contains(body, "secupoints_event_processing_duration_seconds_bucket"))
}
