package core

import "time"

// LifecycleEntry is appended to an alert's or remediation's history when a
// side effect moves it to a new status.
type LifecycleEntry struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Note      string    `json:"note,omitempty"`
}

// AlertStatusUpdate asks the alert collaborator to change an alert's status.
type AlertStatusUpdate struct {
	AlertID   string         `json:"alert_id"`
	NewStatus string         `json:"new_status"`
	Entry     LifecycleEntry `json:"lifecycle_entry"`
	RuleID    string         `json:"rule_id,omitempty"`
}

// RemediationStatusUpdate asks the remediation collaborator to change status.
type RemediationStatusUpdate struct {
	RemediationID string         `json:"remediation_id"`
	NewStatus     string         `json:"new_status"`
	Entry         LifecycleEntry `json:"lifecycle_entry"`
	RuleID        string         `json:"rule_id,omitempty"`
}

// Notification is enqueued for out-of-band delivery.
type Notification struct {
	ID        string    `json:"notification_id"`
	Target    UserID    `json:"target_user_id"`
	Message   string    `json:"message"`
	Priority  string    `json:"priority"`
	Status    string    `json:"status"`
	RuleID    string    `json:"rule_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	PriorityNormal = "normal"
	PriorityHigh   = "high"

	NotificationPending = "pending"
)
