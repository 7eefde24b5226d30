package catalog

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"secupoints/condition"
	"secupoints/core"
	"secupoints/scoring"
)

// Document is the raw catalog file.
type Document struct {
	Version        string   `yaml:"version" json:"version,omitempty"`
	Config         Config   `yaml:"config" json:"config"`
	PointRules     []*Rule  `yaml:"point_rules" json:"point_rules,omitempty"`
	PenaltyRules   []*Rule  `yaml:"penalty_rules" json:"penalty_rules,omitempty"`
	ExclusionRules []*Rule  `yaml:"exclusion_rules" json:"exclusion_rules,omitempty"`
	BadgeRules     []*Badge `yaml:"badge_rules" json:"badge_rules,omitempty"`
}

// Config is the global section of a catalog.
type Config struct {
	Version       string         `yaml:"version" json:"version"`
	PointSystem   PointSystem    `yaml:"point_system" json:"point_system"`
	Verification  map[string]int `yaml:"verification" json:"verification,omitempty"`
	QualityFilter map[string]any `yaml:"quality_filter" json:"quality_filter,omitempty"`
}

// PointSystem holds the scoring limits and the level ladder.
type PointSystem struct {
	CurrencyName  string          `yaml:"currency_name" json:"currency_name,omitempty"`
	MinPoints     int64           `yaml:"min_points" json:"min_points"`
	AllowNegative *bool           `yaml:"allow_negative" json:"allow_negative,omitempty"`
	Levels        []scoring.Level `yaml:"levels" json:"levels,omitempty"`
}

// DefaultCurrency names points when the catalog does not.
const DefaultCurrency = "SecuPoints"

// RuleType discriminates the rule variants.
type RuleType string

const (
	TypePoints    RuleType = "points"
	TypePenalty   RuleType = "penalty"
	TypeExclusion RuleType = "exclusion"
)

// Rule is a point, penalty or exclusion rule. Point and penalty rules carry
// a Trigger; exclusion rules carry top-level Conditions. Rules are read-only
// once the catalog is built.
type Rule struct {
	RuleID      string         `yaml:"rule_id" json:"rule_id"`
	Name        string         `yaml:"name" json:"name"`
	Type        RuleType       `yaml:"type" json:"type"`
	Active      bool           `yaml:"active" json:"active"`
	Version     int            `yaml:"version" json:"version"`
	Trigger     *Trigger       `yaml:"trigger" json:"trigger,omitempty"`
	Conditions  []string       `yaml:"conditions" json:"conditions,omitempty"`
	Action      Action         `yaml:"action" json:"action"`
	SideEffects []SideEffect   `yaml:"side_effects" json:"side_effects,omitempty"`
	Metadata    map[string]any `yaml:"metadata" json:"metadata,omitempty"`

	compiled   []condition.Expr
	compileErr error
}

// Trigger binds a rule to an event name and its preconditions.
type Trigger struct {
	Event      string   `yaml:"event" json:"event"`
	Conditions []string `yaml:"conditions" json:"conditions,omitempty"`
}

// Action describes what a matching rule does.
type Action struct {
	Points              int64    `yaml:"points" json:"points,omitempty"`
	Target              string   `yaml:"target" json:"target,omitempty"`
	Recipient           string   `yaml:"recipient" json:"recipient,omitempty"`
	Reason              string   `yaml:"reason" json:"reason"`
	Evidence            []string `yaml:"evidence" json:"evidence,omitempty"`
	PenaltyReason       string   `yaml:"penalty_reason" json:"penalty_reason,omitempty"`
	OriginalAlertStatus string   `yaml:"original_alert_status" json:"original_alert_status,omitempty"`

	BlockGamification  *bool `yaml:"block_gamification" json:"block_gamification,omitempty"`
	BlockPointAward    *bool `yaml:"block_point_award" json:"block_point_award,omitempty"`
	AllowBadgeProgress *bool `yaml:"allow_badge_progress" json:"allow_badge_progress,omitempty"`
	LogExclusion       *bool `yaml:"log_exclusion" json:"log_exclusion,omitempty"`
}

// Event returns the trigger event, empty for exclusion rules.
func (r *Rule) Event() string {
	if r.Trigger == nil {
		return ""
	}
	return r.Trigger.Event
}

// ConditionSources returns the raw condition strings of the rule.
func (r *Rule) ConditionSources() []string {
	if r.Type == TypeExclusion || r.Trigger == nil {
		return r.Conditions
	}
	return r.Trigger.Conditions
}

// Compiled returns the parsed conditions, or the parse error that makes the
// rule non-matching.
func (r *Rule) Compiled() ([]condition.Expr, error) {
	return r.compiled, r.compileErr
}

func (r *Rule) compile() {
	srcs := r.ConditionSources()
	exprs := make([]condition.Expr, 0, len(srcs))
	for _, src := range srcs {
		e, err := condition.Parse(src)
		if err != nil {
			r.compileErr = fmt.Errorf("rule %s: %w", r.RuleID, err)
			r.compiled = nil
			return
		}
		exprs = append(exprs, e)
	}
	r.compiled = exprs
}

// EffectKind tags a side effect.
type EffectKind int

const (
	EffectUpdateAlert EffectKind = iota + 1
	EffectUpdateRemediation
	EffectCreateNotification
)

var effectKeys = map[string]EffectKind{
	"update_alert":        EffectUpdateAlert,
	"update_remediation":  EffectUpdateRemediation,
	"create_notification": EffectCreateNotification,
}

func (k EffectKind) String() string {
	for name, kind := range effectKeys {
		if kind == k {
			return name
		}
	}
	return fmt.Sprintf("effect(%d)", int(k))
}

// SideEffect is a tagged variant: exactly one of the payload pointers is set,
// matching Kind.
type SideEffect struct {
	Kind               EffectKind
	UpdateAlert        *UpdateAlertEffect
	UpdateRemediation  *UpdateRemediationEffect
	CreateNotification *NotificationEffect
}

// UpdateAlertEffect moves the alert named by AlertID (a dotted path or a
// literal id) to NewStatus.
type UpdateAlertEffect struct {
	AlertID   string `yaml:"alert_id" json:"alert_id"`
	NewStatus string `yaml:"new_status" json:"new_status"`
	Notes     string `yaml:"notes" json:"notes,omitempty"`
}

// UpdateRemediationEffect moves a remediation to NewStatus.
type UpdateRemediationEffect struct {
	RemediationID string `yaml:"remediation_id" json:"remediation_id"`
	NewStatus     string `yaml:"new_status" json:"new_status"`
	Notes         string `yaml:"notes" json:"notes,omitempty"`
}

// NotificationEffect enqueues a message for Target.
type NotificationEffect struct {
	Target   string `yaml:"target" json:"target"`
	Message  string `yaml:"message" json:"message"`
	Priority string `yaml:"priority" json:"priority,omitempty"`
}

// UnmarshalYAML decodes a single-key mapping such as
// `update_alert: {alert_id: ..., new_status: ...}`.
func (s *SideEffect) UnmarshalYAML(node *yaml.Node) error {
	key, body, err := singleKey(node)
	if err != nil {
		return fmt.Errorf("side effect: %w", err)
	}
	kind, ok := effectKeys[key]
	if !ok {
		return fmt.Errorf("side effect: unknown kind %q", key)
	}
	s.Kind = kind
	switch kind {
	case EffectUpdateAlert:
		s.UpdateAlert = &UpdateAlertEffect{}
		return body.Decode(s.UpdateAlert)
	case EffectUpdateRemediation:
		s.UpdateRemediation = &UpdateRemediationEffect{}
		return body.Decode(s.UpdateRemediation)
	case EffectCreateNotification:
		s.CreateNotification = &NotificationEffect{}
		return body.Decode(s.CreateNotification)
	}
	return nil
}

// MarshalJSON renders the effect in the same single-key shape it is read in.
func (s SideEffect) MarshalJSON() ([]byte, error) {
	var payload any
	switch s.Kind {
	case EffectUpdateAlert:
		payload = s.UpdateAlert
	case EffectUpdateRemediation:
		payload = s.UpdateRemediation
	case EffectCreateNotification:
		payload = s.CreateNotification
	}
	return marshalSingleKey(s.Kind.String(), payload)
}

// Badge is an achievement granted once per user when its criteria hold.
type Badge struct {
	BadgeID      string        `yaml:"badge_id" json:"badge_id"`
	Name         string        `yaml:"name" json:"name"`
	Description  string        `yaml:"description" json:"description"`
	Category     string        `yaml:"category" json:"category"`
	IconURL      string        `yaml:"icon_url" json:"icon_url,omitempty"`
	Tier         string        `yaml:"tier" json:"tier,omitempty"`
	Active       bool          `yaml:"active" json:"active"`
	Version      int           `yaml:"version" json:"version"`
	Criteria     BadgeCriteria `yaml:"criteria" json:"criteria"`
	AwardTrigger AwardTrigger  `yaml:"award_trigger" json:"award_trigger"`

	compileErr error
}

// Scope of a badge's criteria.
const (
	ScopeIndividual = "individual"
	ScopeTeam       = "team"
)

// BadgeCriteria is an AND of aggregate criteria.
type BadgeCriteria struct {
	Type       string      `yaml:"type" json:"type"`
	Conditions []Criterion `yaml:"conditions" json:"conditions"`
}

// AwardTrigger records when the badge is meant to be checked.
type AwardTrigger struct {
	Event          string `yaml:"event" json:"event"`
	Immediate      *bool  `yaml:"immediate" json:"immediate,omitempty"`
	CheckFrequency string `yaml:"check_frequency" json:"check_frequency,omitempty"`
}

// CompileErr is non-nil when one of the badge's filters failed to parse.
func (b *Badge) CompileErr() error { return b.compileErr }

func (b *Badge) compile() {
	for i := range b.Criteria.Conditions {
		if err := b.Criteria.Conditions[i].compile(); err != nil {
			b.compileErr = fmt.Errorf("badge %s: %w", b.BadgeID, err)
			return
		}
	}
}

// CriterionKind tags an aggregate criterion.
type CriterionKind string

const (
	CriterionCount         CriterionKind = "count"
	CriterionStreak        CriterionKind = "streak"
	CriterionDistinctCount CriterionKind = "distinct_count"
	CriterionSum           CriterionKind = "sum"
)

// Criterion is one aggregate condition over historical records.
type Criterion struct {
	Kind            CriterionKind `json:"kind"`
	Entity          string        `json:"entity"`
	Filters         []string      `json:"filters,omitempty"`
	Operator        string        `json:"operator,omitempty"`
	Threshold       float64       `json:"threshold,omitempty"`
	Field           string        `json:"field,omitempty"`
	ConsecutiveDays int           `json:"consecutive_days,omitempty"`
	MinPerDay       int           `json:"min_per_day,omitempty"`

	filters []FilterSpec
}

type criterionBody struct {
	Entity          string   `yaml:"entity"`
	Filters         []string `yaml:"filters"`
	Operator        string   `yaml:"operator"`
	Threshold       float64  `yaml:"threshold"`
	Field           string   `yaml:"field"`
	ConsecutiveDays int      `yaml:"consecutive_days"`
	MinPerDay       int      `yaml:"min_per_day"`
}

// UnmarshalYAML decodes a single-key mapping such as `count: {...}`.
func (c *Criterion) UnmarshalYAML(node *yaml.Node) error {
	key, body, err := singleKey(node)
	if err != nil {
		return fmt.Errorf("badge criterion: %w", err)
	}
	switch kind := CriterionKind(key); kind {
	case CriterionCount, CriterionStreak, CriterionDistinctCount, CriterionSum:
		c.Kind = kind
	default:
		return fmt.Errorf("badge criterion: unknown kind %q", key)
	}
	var raw criterionBody
	if err := body.Decode(&raw); err != nil {
		return fmt.Errorf("badge criterion %s: %w", key, err)
	}
	c.Entity = raw.Entity
	c.Filters = raw.Filters
	c.Operator = raw.Operator
	c.Threshold = raw.Threshold
	c.Field = raw.Field
	c.ConsecutiveDays = raw.ConsecutiveDays
	c.MinPerDay = raw.MinPerDay
	if c.Kind == CriterionStreak && c.MinPerDay == 0 {
		c.MinPerDay = 1
	}
	return nil
}

// FilterSpec is a compiled badge filter. Subject is "current_user" or
// "current_team" when the value is bound at evaluation time.
type FilterSpec struct {
	Field   string
	Op      core.FilterOp
	Value   any
	Subject string
}

// Subjects that filters can reference.
const (
	SubjectUser = "current_user"
	SubjectTeam = "current_team"
)

func (c *Criterion) compile() error {
	specs := make([]FilterSpec, 0, len(c.Filters))
	for _, src := range c.Filters {
		spec, err := ParseFilter(src)
		if err != nil {
			return err
		}
		specs = append(specs, spec)
	}
	c.filters = specs
	return nil
}

// Query builds the store query for the given subject.
func (c *Criterion) Query(user core.UserID, team core.TeamID) core.Query {
	q := core.Query{Collection: c.Entity, Filters: make([]core.Filter, 0, len(c.filters))}
	for _, f := range c.filters {
		value := f.Value
		switch f.Subject {
		case SubjectUser:
			value = string(user)
		case SubjectTeam:
			if team == "" {
				value = nil
			} else {
				value = string(team)
			}
		}
		q.Filters = append(q.Filters, core.Filter{Field: f.Field, Op: f.Op, Value: value})
	}
	return q
}

// ParseFilter compiles `<field> <op> <value>` with the condition tokenizer.
func ParseFilter(src string) (FilterSpec, error) {
	expr, err := condition.Parse(src)
	if err != nil {
		return FilterSpec{}, err
	}
	cmp, ok := expr.(*condition.Comparison)
	if !ok {
		return FilterSpec{}, core.ParseError(src, "filter must be a single comparison")
	}
	op, err := core.ParseFilterOp(string(cmp.Op))
	if err != nil {
		return FilterSpec{}, core.ParseError(src, err.Error())
	}
	spec := FilterSpec{Field: cmp.Left.String(), Op: op}
	switch rhs := cmp.Right.(type) {
	case *condition.Ref:
		name := rhs.String()
		if name == SubjectUser || name == SubjectTeam {
			spec.Subject = name
		} else {
			spec.Value = name
		}
	default:
		spec.Value = operandValue(rhs)
	}
	return spec, nil
}

func operandValue(o condition.Operand) any {
	switch n := o.(type) {
	case *condition.Literal:
		return n.Value.Interface()
	case *condition.Ref:
		return n.String()
	case *condition.ListLit:
		out := make([]any, len(n.Items))
		for i, item := range n.Items {
			out[i] = operandValue(item)
		}
		return out
	}
	return nil
}

func singleKey(node *yaml.Node) (string, *yaml.Node, error) {
	if node.Kind != yaml.MappingNode {
		return "", nil, fmt.Errorf("line %d: expected a mapping", node.Line)
	}
	if len(node.Content) != 2 {
		keys := make([]string, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			keys = append(keys, node.Content[i].Value)
		}
		sort.Strings(keys)
		return "", nil, fmt.Errorf("line %d: expected exactly one key, found %v", node.Line, keys)
	}
	return node.Content[0].Value, node.Content[1], nil
}
