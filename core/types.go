package core

import (
	"errors"
	"math"
	"strings"
	"time"
)

// UserID uniquely identifies a user who can earn or lose points.
type UserID string

// TeamID identifies the team a user remediated on behalf of.
type TeamID string

// PointTransaction is one immutable ledger entry. Entries are appended and
// never updated; a user's balance is the sum of their entries.
type PointTransaction struct {
	TxnID               string         `json:"txn_id" db:"txn_id"`
	UserID              UserID         `json:"user_id" db:"user_id"`
	TeamID              TeamID         `json:"team_id,omitempty" db:"team_id"`
	RuleID              string         `json:"rule_id" db:"rule_id"`
	AlertID             string         `json:"alert_id,omitempty" db:"alert_id"`
	Points              int64          `json:"points" db:"points"`
	Reason              string         `json:"reason" db:"reason"`
	Timestamp           time.Time      `json:"timestamp" db:"created_at"`
	EvidenceRefs        []string       `json:"evidence_refs,omitempty" db:"-"`
	PenaltyReason       string         `json:"penalty_reason,omitempty" db:"penalty_reason"`
	OriginalAlertStatus string         `json:"original_alert_status,omitempty" db:"original_alert_status"`
	Metadata            map[string]any `json:"metadata,omitempty" db:"-"`
}

// IsPenalty reports whether the entry carries penalty provenance.
func (t PointTransaction) IsPenalty() bool {
	return t.PenaltyReason != "" || t.Points < 0
}

// Record flattens the entry into the field names badge filters use.
func (t PointTransaction) Record() map[string]any {
	return map[string]any{
		"txn_id":                t.TxnID,
		"user_id":               string(t.UserID),
		"team_id":               string(t.TeamID),
		"rule_id":               t.RuleID,
		"alert_id":              t.AlertID,
		"points":                t.Points,
		"reason":                t.Reason,
		"timestamp":             t.Timestamp,
		"penalty_reason":        t.PenaltyReason,
		"original_alert_status": t.OriginalAlertStatus,
	}
}

// Award records that a user earned a badge. At most one award exists per
// (user, badge) pair.
type Award struct {
	AwardID      string         `json:"award_id" db:"award_id"`
	BadgeID      string         `json:"badge_id" db:"badge_id"`
	UserID       UserID         `json:"user_id" db:"user_id"`
	TeamID       TeamID         `json:"team_id,omitempty" db:"team_id"`
	Timestamp    time.Time      `json:"timestamp" db:"awarded_at"`
	EvidenceRefs []string       `json:"evidence_refs,omitempty" db:"-"`
	Metadata     map[string]any `json:"metadata,omitempty" db:"-"`
}

// Record flattens the award into the field names badge filters use.
func (a Award) Record() map[string]any {
	return map[string]any{
		"award_id":  a.AwardID,
		"badge_id":  a.BadgeID,
		"user_id":   string(a.UserID),
		"team_id":   string(a.TeamID),
		"timestamp": a.Timestamp,
	}
}

// LedgerTotals aggregates a user's ledger entries.
type LedgerTotals struct {
	Total    int64 `json:"total" db:"total"`
	Positive int64 `json:"positive" db:"positive"`
	Negative int64 `json:"negative" db:"negative"`
	Count    int64 `json:"count" db:"count"`
}

// Add folds one entry into the totals.
func (l LedgerTotals) Add(points int64) (LedgerTotals, error) {
	total, err := AddSafe(l.Total, points)
	if err != nil {
		return l, err
	}
	l.Total = total
	if points >= 0 {
		l.Positive += points
	} else {
		l.Negative += points
	}
	l.Count++
	return l, nil
}

// AddSafe adds delta to base ensuring no signed overflow occurs.
func AddSafe(base int64, delta int64) (int64, error) {
	if (delta > 0 && base > math.MaxInt64-delta) || (delta < 0 && base < math.MinInt64-delta) {
		return 0, errors.New("integer overflow in AddSafe")
	}
	return base + delta, nil
}

// NormalizeUserID trims and lowercases user identifiers.
func NormalizeUserID(id UserID) (UserID, error) {
	s := strings.TrimSpace(string(id))
	if s == "" {
		return "", errors.New("empty user id")
	}
	return UserID(strings.ToLower(s)), nil
}

// ValidateID ensures a non-empty rule or badge id with a simple charset check.
func ValidateID(id string) error {
	s := strings.TrimSpace(id)
	if s == "" {
		return errors.New("empty id")
	}
	if s != id {
		return errors.New("id has surrounding whitespace")
	}
	// simple check: alnum, dash, underscore
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' {
			continue
		}
		return errors.New("invalid id")
	}
	return nil
}
