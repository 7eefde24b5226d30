package analytics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"secupoints/core"
)

// DailyStats summarises one UTC day of engine activity.
type DailyStats struct {
	Day              string           `json:"day"`
	ActiveUsers      int              `json:"active_users"`
	PointsAwarded    int64            `json:"points_awarded"`
	PenaltyPoints    int64            `json:"penalty_points"`
	Penalties        int64            `json:"penalties"`
	BadgesAwarded    int64            `json:"badges_awarded"`
	LevelUps         int64            `json:"level_ups"`
	Exclusions       int64            `json:"exclusions"`
	PointsByRule     map[string]int64 `json:"points_by_rule,omitempty"`
	ExclusionsByRule map[string]int64 `json:"exclusions_by_rule,omitempty"`
}

type dayBucket struct {
	users            map[core.UserID]struct{}
	points           int64
	penaltyPoints    int64
	penalties        int64
	badges           int64
	levelUps         int64
	exclusions       int64
	pointsByRule     map[string]int64
	exclusionsByRule map[string]int64
}

func newDayBucket() *dayBucket {
	return &dayBucket{
		users:            map[core.UserID]struct{}{},
		pointsByRule:     map[string]int64{},
		exclusionsByRule: map[string]int64{},
	}
}

// Tracker aggregates engine events into daily and weekly activity figures
// plus per-badge holder counts.
type Tracker struct {
	mu           sync.RWMutex
	days         map[string]*dayBucket
	weeks        map[string]map[core.UserID]struct{}
	badgeHolders map[string]map[core.UserID]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{
		days:         map[string]*dayBucket{},
		weeks:        map[string]map[core.UserID]struct{}{},
		badgeHolders: map[string]map[core.UserID]struct{}{},
	}
}

// OnEvent folds one engine event into the aggregates. It matches the event
// bus handler signature.
func (t *Tracker) OnEvent(_ context.Context, e core.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	day := dayKey(e.Time)
	b := t.days[day]
	if b == nil {
		b = newDayBucket()
		t.days[day] = b
	}
	if e.UserID != "" {
		b.users[e.UserID] = struct{}{}
		week := weekKey(e.Time)
		if t.weeks[week] == nil {
			t.weeks[week] = map[core.UserID]struct{}{}
		}
		t.weeks[week][e.UserID] = struct{}{}
	}

	switch e.Type {
	case core.EventPointsAwarded:
		b.points += e.Delta
		b.pointsByRule[e.RuleID] += e.Delta
	case core.EventPenaltyApplied:
		b.penalties++
		b.penaltyPoints += -e.Delta
	case core.EventBadgeAwarded:
		b.badges++
		if t.badgeHolders[e.BadgeID] == nil {
			t.badgeHolders[e.BadgeID] = map[core.UserID]struct{}{}
		}
		t.badgeHolders[e.BadgeID][e.UserID] = struct{}{}
	case core.EventLevelUp:
		b.levelUps++
	case core.EventExcluded:
		b.exclusions++
		b.exclusionsByRule[e.RuleID]++
	}
}

// Day returns the stats for a UTC day formatted 2006-01-02.
func (t *Tracker) Day(day string) DailyStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b := t.days[day]
	if b == nil {
		return DailyStats{Day: day}
	}
	return b.stats(day)
}

func (b *dayBucket) stats(day string) DailyStats {
	s := DailyStats{
		Day:              day,
		ActiveUsers:      len(b.users),
		PointsAwarded:    b.points,
		PenaltyPoints:    b.penaltyPoints,
		Penalties:        b.penalties,
		BadgesAwarded:    b.badges,
		LevelUps:         b.levelUps,
		Exclusions:       b.exclusions,
		PointsByRule:     make(map[string]int64, len(b.pointsByRule)),
		ExclusionsByRule: make(map[string]int64, len(b.exclusionsByRule)),
	}
	for k, v := range b.pointsByRule {
		s.PointsByRule[k] = v
	}
	for k, v := range b.exclusionsByRule {
		s.ExclusionsByRule[k] = v
	}
	return s
}

// Days returns every tracked day, oldest first.
func (t *Tracker) Days() []DailyStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]string, 0, len(t.days))
	for k := range t.days {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]DailyStats, len(keys))
	for i, k := range keys {
		out[i] = t.days[k].stats(k)
	}
	return out
}

// WeeklyActiveUsers counts users seen in an ISO week formatted 2006-W01.
func (t *Tracker) WeeklyActiveUsers(week string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.weeks[week])
}

// BadgeHolders counts the distinct users holding badgeID.
func (t *Tracker) BadgeHolders(badgeID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.badgeHolders[badgeID])
}

// TopRules ranks point rules by points awarded across all days.
func (t *Tracker) TopRules(limit int) []RuleTotal {
	t.mu.RLock()
	totals := map[string]int64{}
	for _, b := range t.days {
		for rule, pts := range b.pointsByRule {
			totals[rule] += pts
		}
	}
	t.mu.RUnlock()

	out := make([]RuleTotal, 0, len(totals))
	for rule, pts := range totals {
		out = append(out, RuleTotal{RuleID: rule, Points: pts})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Points != out[j].Points {
			return out[i].Points > out[j].Points
		}
		return out[i].RuleID < out[j].RuleID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// RuleTotal is one row of TopRules.
type RuleTotal struct {
	RuleID string `json:"rule_id"`
	Points int64  `json:"points"`
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func weekKey(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}
