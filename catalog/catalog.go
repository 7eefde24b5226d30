package catalog

import (
	"encoding/json"
	"sort"

	"secupoints/scoring"
)

// Catalog is an immutable, validated snapshot of the rule document. All
// query methods are safe for concurrent use.
type Catalog struct {
	doc        Document
	calculator *scoring.Calculator
	currency   string

	rules      map[string]*Rule
	badges     map[string]*Badge
	byEvent    map[string][]*Rule
	byType     map[RuleType][]*Rule
	exclusions []*Rule
	active     []*Badge
}

func build(doc Document) (*Catalog, error) {
	allowNegative := true
	if doc.Config.PointSystem.AllowNegative != nil {
		allowNegative = *doc.Config.PointSystem.AllowNegative
	}
	calc, err := scoring.New(scoring.Options{
		MinPoints:     doc.Config.PointSystem.MinPoints,
		AllowNegative: allowNegative,
		Ladder:        doc.Config.PointSystem.Levels,
	})
	if err != nil {
		return nil, err
	}

	c := &Catalog{
		doc:        doc,
		calculator: calc,
		currency:   doc.Config.PointSystem.CurrencyName,
		rules:      map[string]*Rule{},
		badges:     map[string]*Badge{},
		byEvent:    map[string][]*Rule{},
		byType:     map[RuleType][]*Rule{},
	}
	if c.currency == "" {
		c.currency = DefaultCurrency
	}

	// Point rules are indexed before penalty rules so each event's rules keep
	// declaration order within and across the two sections.
	for _, section := range [][]*Rule{doc.PointRules, doc.PenaltyRules, doc.ExclusionRules} {
		for _, r := range section {
			r.compile()
			c.rules[r.RuleID] = r
			if !r.Active {
				continue
			}
			c.byType[r.Type] = append(c.byType[r.Type], r)
			if r.Type == TypeExclusion {
				c.exclusions = append(c.exclusions, r)
				continue
			}
			c.byEvent[r.Event()] = append(c.byEvent[r.Event()], r)
		}
	}
	for _, b := range doc.BadgeRules {
		b.compile()
		c.badges[b.BadgeID] = b
		if b.Active {
			c.active = append(c.active, b)
		}
	}
	return c, nil
}

// Version is the document version, falling back to config.version.
func (c *Catalog) Version() string {
	if c.doc.Version != "" {
		return c.doc.Version
	}
	return c.doc.Config.Version
}

// Config returns the global configuration section.
func (c *Catalog) Config() Config { return c.doc.Config }

// Currency is the display name of points.
func (c *Catalog) Currency() string { return c.currency }

// Calculator returns the scoring calculator configured by this snapshot.
func (c *Catalog) Calculator() *scoring.Calculator { return c.calculator }

// RuleByID returns any rule, active or not.
func (c *Catalog) RuleByID(id string) (*Rule, bool) {
	r, ok := c.rules[id]
	return r, ok
}

// BadgeByID returns any badge, active or not.
func (c *Catalog) BadgeByID(id string) (*Badge, bool) {
	b, ok := c.badges[id]
	return b, ok
}

// Lookup returns the rule or badge registered under id.
func (c *Catalog) Lookup(id string) (any, bool) {
	if r, ok := c.rules[id]; ok {
		return r, true
	}
	if b, ok := c.badges[id]; ok {
		return b, true
	}
	return nil, false
}

// RulesByEvent returns the active point and penalty rules bound to event,
// point rules first, each group in declaration order.
func (c *Catalog) RulesByEvent(event string) []*Rule {
	return append([]*Rule(nil), c.byEvent[event]...)
}

// RulesByType returns the active rules of type t in declaration order.
func (c *Catalog) RulesByType(t RuleType) []*Rule {
	return append([]*Rule(nil), c.byType[t]...)
}

// ExclusionRules returns the active exclusion rules.
func (c *Catalog) ExclusionRules() []*Rule {
	return append([]*Rule(nil), c.exclusions...)
}

// ActiveBadges returns the active badges in declaration order.
func (c *Catalog) ActiveBadges() []*Badge {
	return append([]*Badge(nil), c.active...)
}

// Events lists every event that has at least one active rule, sorted.
func (c *Catalog) Events() []string {
	out := make([]string, 0, len(c.byEvent))
	for ev := range c.byEvent {
		out = append(out, ev)
	}
	sort.Strings(out)
	return out
}

// Len counts rules and badges.
func (c *Catalog) Len() int { return len(c.rules) + len(c.badges) }

// IDs returns every rule and badge id, sorted.
func (c *Catalog) IDs() []string {
	out := make([]string, 0, c.Len())
	for id := range c.rules {
		out = append(out, id)
	}
	for id := range c.badges {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Record is the flat shape used to sync a catalog into an external rules
// collection.
type Record struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Name       string         `json:"name"`
	Active     bool           `json:"active"`
	Version    int            `json:"version"`
	Event      string         `json:"event,omitempty"`
	Points     *int64         `json:"points,omitempty"`
	Conditions []string       `json:"conditions,omitempty"`
	Definition map[string]any `json:"definition"`
}

// Export flattens the catalog into records, rules in declaration order
// followed by badges.
func (c *Catalog) Export() ([]Record, error) {
	var out []Record
	for _, section := range [][]*Rule{c.doc.PointRules, c.doc.PenaltyRules, c.doc.ExclusionRules} {
		for _, r := range section {
			def, err := asMap(r)
			if err != nil {
				return nil, err
			}
			rec := Record{
				ID:         r.RuleID,
				Kind:       string(r.Type),
				Name:       r.Name,
				Active:     r.Active,
				Version:    r.Version,
				Event:      r.Event(),
				Conditions: r.ConditionSources(),
				Definition: def,
			}
			if r.Type != TypeExclusion {
				pts := r.Action.Points
				rec.Points = &pts
			}
			out = append(out, rec)
		}
	}
	for _, b := range c.doc.BadgeRules {
		def, err := asMap(b)
		if err != nil {
			return nil, err
		}
		out = append(out, Record{
			ID:         b.BadgeID,
			Kind:       "badge",
			Name:       b.Name,
			Active:     b.Active,
			Version:    b.Version,
			Event:      b.AwardTrigger.Event,
			Definition: def,
		})
	}
	return out, nil
}

func asMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func marshalSingleKey(key string, payload any) ([]byte, error) {
	return json.Marshal(map[string]any{key: payload})
}
