package core

import "time"

// EventType enumerates domain events emitted after an engine run.
type EventType string

const (
	EventPointsAwarded  EventType = "points_awarded"
	EventPenaltyApplied EventType = "penalty_applied"
	EventBadgeAwarded   EventType = "badge_awarded"
	EventLevelUp        EventType = "level_up"
	EventExcluded       EventType = "event_excluded"
)

// AllEventTypes lists every event type in publication order.
func AllEventTypes() []EventType {
	return []EventType{EventPointsAwarded, EventPenaltyApplied, EventBadgeAwarded, EventLevelUp, EventExcluded}
}

// Event represents an immutable domain event.
type Event struct {
	Type     EventType      `json:"type"`
	Time     time.Time      `json:"time"`
	UserID   UserID         `json:"user_id,omitempty"`
	TeamID   TeamID         `json:"team_id,omitempty"`
	RuleID   string         `json:"rule_id,omitempty"`
	TxnID    string         `json:"txn_id,omitempty"`
	Delta    int64          `json:"delta,omitempty"`
	Total    int64          `json:"total,omitempty"`
	BadgeID  string         `json:"badge_id,omitempty"`
	Level    int            `json:"level,omitempty"`
	Trigger  string         `json:"trigger,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func NewPointsAwarded(txn PointTransaction, total int64) Event {
	return Event{Type: EventPointsAwarded, Time: txn.Timestamp, UserID: txn.UserID, TeamID: txn.TeamID, RuleID: txn.RuleID, TxnID: txn.TxnID, Delta: txn.Points, Total: total}
}

func NewPenaltyApplied(txn PointTransaction, total int64) Event {
	ev := Event{Type: EventPenaltyApplied, Time: txn.Timestamp, UserID: txn.UserID, TeamID: txn.TeamID, RuleID: txn.RuleID, TxnID: txn.TxnID, Delta: txn.Points, Total: total}
	if txn.PenaltyReason != "" {
		ev.Metadata = map[string]any{"penalty_reason": txn.PenaltyReason}
	}
	return ev
}

func NewBadgeAwarded(a Award) Event {
	return Event{Type: EventBadgeAwarded, Time: a.Timestamp, UserID: a.UserID, TeamID: a.TeamID, BadgeID: a.BadgeID}
}

func NewLevelUp(user UserID, level int, total int64, at time.Time) Event {
	return Event{Type: EventLevelUp, Time: at, UserID: user, Level: level, Total: total}
}

func NewExcluded(trigger, ruleID, reason string, at time.Time) Event {
	return Event{Type: EventExcluded, Time: at, RuleID: ruleID, Trigger: trigger, Metadata: map[string]any{"reason": reason}}
}
