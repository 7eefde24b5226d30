package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secupoints/core"
)

func loadSample(t *testing.T) *Catalog {
	t.Helper()
	cat, err := Load(context.Background(), FileSource("testdata/rules.yaml"))
	require.NoError(t, err)
	return cat
}

func ruleIDs(rules []*Rule) []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.RuleID
	}
	return out
}

func TestLoadSampleCatalog(t *testing.T) {
	cat := loadSample(t)

	assert.Equal(t, "2.1", cat.Version())
	assert.Equal(t, "SecuPoints", cat.Currency())
	assert.Equal(t, 14, cat.Len())

	assert.Equal(t, []string{"PTS-001", "PTS-002", "PTS-003", "PTS-004"}, ruleIDs(cat.RulesByEvent("remediation_verified")))
	assert.Equal(t, []string{"PEN-001"}, ruleIDs(cat.RulesByEvent("alert_reopened")))
	assert.Empty(t, cat.RulesByEvent("unknown_event"))
	assert.Equal(t, []string{"alert_reopened", "remediation_verified"}, cat.Events())

	assert.Len(t, cat.RulesByType(TypePoints), 4)
	assert.Len(t, cat.RulesByType(TypePenalty), 1)
	assert.Equal(t, []string{"EXC-001", "EXC-002"}, ruleIDs(cat.ExclusionRules()))
	assert.Len(t, cat.ActiveBadges(), 6)

	inactive, ok := cat.RuleByID("PTS-099")
	require.True(t, ok)
	assert.False(t, inactive.Active)

	_, ok = cat.Lookup("BDG-003")
	assert.True(t, ok)
	_, ok = cat.Lookup("nope")
	assert.False(t, ok)

	assert.Equal(t, 3, cat.Calculator().Level(1500))
	assert.Equal(t, int64(110), cat.Calculator().CalculateFromRule(100, 3, 0))
}

func TestRulesAreCompiledAtLoad(t *testing.T) {
	cat := loadSample(t)
	for _, r := range cat.RulesByEvent("remediation_verified") {
		exprs, err := r.Compiled()
		require.NoError(t, err, r.RuleID)
		assert.Len(t, exprs, len(r.ConditionSources()), r.RuleID)
	}
	exc, _ := cat.RuleByID("EXC-001")
	exprs, err := exc.Compiled()
	require.NoError(t, err)
	assert.Len(t, exprs, 1)
}

func TestReloadIsIdempotent(t *testing.T) {
	l := NewLoader(FileSource("testdata/rules.yaml"), nil)
	first, err := l.Load(context.Background())
	require.NoError(t, err)
	second, err := l.Reload(context.Background())
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Same(t, second, l.Current())
	assert.Equal(t, first.Len(), second.Len())
	assert.Equal(t, first.IDs(), second.IDs())
}

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

func (s *swapSource) set(data []byte) {
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
}

func TestFailedReloadKeepsPreviousSnapshot(t *testing.T) {
	src := &swapSource{data: []byte(minimalCatalog)}
	l := NewLoader(src, nil)
	_, err := l.Load(context.Background())
	require.NoError(t, err)
	before := l.Current()

	src.set([]byte("config: {version: '1'}\nteam_missions: []\n"))
	_, err = l.Reload(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrSchema))
	assert.Same(t, before, l.Current())
}

const minimalCatalog = `
config:
  version: "1"
  point_system:
    min_points: 0
point_rules:
  - rule_id: P1
    name: one
    type: points
    active: true
    version: 1
    trigger:
      event: fixed
      conditions: ["Alert.severity == 'HIGH'"]
    action:
      points: 10
      recipient: Remediation.user_id
      reason: fixed
`

func TestLoadRejectsUnknownSections(t *testing.T) {
	doc := minimalCatalog + "regression_rules: []\n"
	_, err := Parse("bad.yaml", []byte(doc))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrSchema)
	assert.Contains(t, err.Error(), "regression_rules")
}

func TestLoadRejectsUnknownRuleFields(t *testing.T) {
	doc := strings.Replace(minimalCatalog, "      reason: fixed\n", "      reason: fixed\n      priority: 3\n", 1)
	_, err := Parse("bad.yaml", []byte(doc))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrSchema)
}

func TestLoadRejectsPositivePenalty(t *testing.T) {
	doc := minimalCatalog + `
penalty_rules:
  - rule_id: N1
    name: bad penalty
    type: penalty
    active: true
    version: 1
    trigger: {event: reopened}
    action: {points: 10, recipient: Remediation.user_id, reason: oops}
`
	_, err := Parse("bad.yaml", []byte(doc))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrSchema)
}

func TestLoadCollectsSemanticErrors(t *testing.T) {
	doc := minimalCatalog + `
exclusion_rules:
  - rule_id: P1
    name: duplicate id, no conditions
    type: exclusion
    active: true
    version: 1
    conditions: []
    action: {reason: skip}
badge_rules:
  - badge_id: B1
    name: empty
    description: no criteria
    category: misc
    active: true
    version: 1
    criteria: {type: individual, conditions: []}
    award_trigger: {event: fixed}
`
	_, err := Parse("bad.yaml", []byte(doc))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrSchema)

	var cerr *core.Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "bad.yaml", cerr.Subject)
	assert.Len(t, cerr.Details, 3)
	msg := err.Error()
	assert.Contains(t, msg, `duplicate id "P1"`)
	assert.Contains(t, msg, "at least one condition")
	assert.Contains(t, msg, "at least one criterion")
}

func TestLoadRejectsUnresolvableRecipient(t *testing.T) {
	for _, recipient := range []string{"alice", "Remediation.", "owner id.x"} {
		doc := strings.Replace(minimalCatalog, "recipient: Remediation.user_id", "recipient: "+recipient, 1)
		_, err := Parse("bad.yaml", []byte(doc))
		require.Error(t, err, recipient)
		assert.ErrorIs(t, err, core.ErrSchema)
		assert.Contains(t, err.Error(), "action.recipient")
	}

	doc := strings.Replace(minimalCatalog, "recipient: Remediation.user_id", "recipient: current_user", 1)
	_, err := Parse("ok.yaml", []byte(doc))
	require.NoError(t, err)
}

func TestLoadRejectsBadLadder(t *testing.T) {
	doc := strings.Replace(minimalCatalog, "    min_points: 0\n", `    min_points: 0
    levels:
      - {level: 1, name: a, min_points: 0, multiplier: 1.2}
      - {level: 2, name: b, min_points: 100, multiplier: 1.0}
`, 1)
	_, err := Parse("bad.yaml", []byte(doc))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrSchema)
	assert.Contains(t, err.Error(), "is lower than")
}

func TestLoadRejectsEmptyDocument(t *testing.T) {
	_, err := Load(context.Background(), BytesSource{Data: []byte("  \n")})
	assert.ErrorIs(t, err, core.ErrSchema)
}

func TestMalformedConditionIsRuleFatalOnly(t *testing.T) {
	doc := minimalCatalog + `
  - rule_id: P2
    name: broken
    type: points
    active: true
    version: 1
    trigger:
      event: fixed
      conditions: ["Alert.severity = 'HIGH'"]
    action: {points: 5, recipient: Remediation.user_id, reason: broken}
`
	cat, err := Parse("inline", []byte(doc))
	require.NoError(t, err)

	ok, _ := cat.RuleByID("P1")
	_, err = ok.Compiled()
	assert.NoError(t, err)

	broken, _ := cat.RuleByID("P2")
	exprs, err := broken.Compiled()
	assert.Nil(t, exprs)
	assert.ErrorIs(t, err, core.ErrParse)
	assert.Equal(t, []string{"P1", "P2"}, ruleIDs(cat.RulesByEvent("fixed")))
}

func TestSideEffectsDecodeAsTaggedVariants(t *testing.T) {
	cat := loadSample(t)
	pen, ok := cat.RuleByID("PEN-001")
	require.True(t, ok)
	require.Len(t, pen.SideEffects, 3)

	assert.Equal(t, EffectUpdateAlert, pen.SideEffects[0].Kind)
	assert.Equal(t, "Alert.alert_id", pen.SideEffects[0].UpdateAlert.AlertID)
	assert.Equal(t, "OPEN", pen.SideEffects[0].UpdateAlert.NewStatus)

	assert.Equal(t, EffectUpdateRemediation, pen.SideEffects[1].Kind)
	assert.Equal(t, "FAILED", pen.SideEffects[1].UpdateRemediation.NewStatus)

	assert.Equal(t, EffectCreateNotification, pen.SideEffects[2].Kind)
	assert.Equal(t, "high", pen.SideEffects[2].CreateNotification.Priority)

	assert.Equal(t, "regression", pen.Action.PenaltyReason)
	assert.Equal(t, "RESOLVED", pen.Action.OriginalAlertStatus)
	assert.Equal(t, int64(-50), pen.Action.Points)
}

func TestCriteriaDecodeAndBuildQueries(t *testing.T) {
	cat := loadSample(t)

	first, _ := cat.BadgeByID("BDG-001")
	require.NoError(t, first.CompileErr())
	require.Len(t, first.Criteria.Conditions, 1)
	c := first.Criteria.Conditions[0]
	assert.Equal(t, CriterionCount, c.Kind)
	assert.Equal(t, 1.0, c.Threshold)

	q := c.Query("u-1", "team-a")
	assert.Equal(t, core.CollectionPointTxn, q.Collection)
	assert.Equal(t, []core.Filter{
		{Field: "user_id", Op: core.OpEq, Value: "u-1"},
		{Field: "points", Op: core.OpGt, Value: int64(0)},
	}, q.Filters)

	streak, _ := cat.BadgeByID("BDG-003")
	sc := streak.Criteria.Conditions[0]
	assert.Equal(t, CriterionStreak, sc.Kind)
	assert.Equal(t, 5, sc.ConsecutiveDays)
	assert.Equal(t, 1, sc.MinPerDay)

	distinct, _ := cat.BadgeByID("BDG-004")
	assert.Equal(t, "type", distinct.Criteria.Conditions[0].Field)

	team, _ := cat.BadgeByID("BDG-010")
	assert.Equal(t, ScopeTeam, team.Criteria.Type)
	tq := team.Criteria.Conditions[0].Query("u-1", "")
	assert.Nil(t, tq.Filters[0].Value)
}

func TestParseFilter(t *testing.T) {
	spec, err := ParseFilter("severity IN ['CRITICAL', 'HIGH']")
	require.NoError(t, err)
	assert.Equal(t, core.OpIn, spec.Op)
	assert.Equal(t, []any{"CRITICAL", "HIGH"}, spec.Value)

	spec, err = ParseFilter("team_id == current_team")
	require.NoError(t, err)
	assert.Equal(t, SubjectTeam, spec.Subject)

	spec, err = ParseFilter("status NOT IN ['OPEN']")
	require.NoError(t, err)
	assert.Equal(t, core.OpNotIn, spec.Op)

	_, err = ParseFilter("a == 1 AND b == 2")
	assert.ErrorIs(t, err, core.ErrParse)
	_, err = ParseFilter("user_id EXISTS")
	assert.ErrorIs(t, err, core.ErrParse)
}

func TestStreakDefaultsMinPerDay(t *testing.T) {
	doc := minimalCatalog + `
badge_rules:
  - badge_id: S1
    name: streak
    description: d
    category: c
    active: true
    version: 1
    criteria:
      type: individual
      conditions:
        - streak: {entity: PointTxn, consecutive_days: 3}
    award_trigger: {event: fixed}
`
	cat, err := Parse("inline", []byte(doc))
	require.NoError(t, err)
	b, _ := cat.BadgeByID("S1")
	assert.Equal(t, 1, b.Criteria.Conditions[0].MinPerDay)
}

func TestExport(t *testing.T) {
	cat := loadSample(t)
	records, err := cat.Export()
	require.NoError(t, err)
	require.Len(t, records, cat.Len())

	assert.Equal(t, "PTS-001", records[0].ID)
	assert.Equal(t, "points", records[0].Kind)
	require.NotNil(t, records[0].Points)
	assert.Equal(t, int64(100), *records[0].Points)

	byID := map[string]Record{}
	for _, r := range records {
		byID[r.ID] = r
	}
	assert.Nil(t, byID["EXC-001"].Points)
	assert.Equal(t, "badge", byID["BDG-001"].Kind)

	effects, ok := byID["PEN-001"].Definition["side_effects"].([]any)
	require.True(t, ok)
	first, ok := effects[0].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, first, "update_alert")

	_, err = json.Marshal(records)
	assert.NoError(t, err)
}
