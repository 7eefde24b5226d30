package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"secupoints/catalog"
	"secupoints/condition"
	"secupoints/core"
)

// PointAward is a request to credit one user.
type PointAward struct {
	RuleID   string
	UserID   core.UserID
	TeamID   core.TeamID
	Points   int64
	Reason   string
	Evidence []string
	Metadata map[string]any
}

// Penalty is a debit with provenance. Points are expected to be <= 0.
type Penalty struct {
	PointAward
	PenaltyReason       string
	OriginalAlertStatus string
}

// TransactionSummary is the compact view of a persisted transaction.
type TransactionSummary struct {
	TxnID               string      `json:"txn_id"`
	UserID              core.UserID `json:"user_id"`
	TeamID              core.TeamID `json:"team_id,omitempty"`
	RuleID              string      `json:"rule_id"`
	AlertID             string      `json:"alert_id,omitempty"`
	Points              int64       `json:"points"`
	Reason              string      `json:"reason"`
	EvidenceRefs        []string    `json:"evidence_refs,omitempty"`
	PenaltyReason       string      `json:"penalty_reason,omitempty"`
	OriginalAlertStatus string      `json:"original_alert_status,omitempty"`
	Total               int64       `json:"total"`
	Level               int         `json:"level"`
}

// EffectResult reports one side effect.
type EffectResult struct {
	RuleID string `json:"rule_id"`
	Kind   string `json:"kind"`
	Target string `json:"target,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

const (
	EffectApplied = "applied"
	EffectFailed  = "failed"
)

// Penalty provenance used when a rule leaves it unset.
const (
	defaultPenaltyReason = "unspecified"
	defaultAlertStatus   = "unknown"
)

// ActionExecutor turns rule outcomes into ledger writes and collaborator
// requests.
type ActionExecutor struct {
	ledger       Ledger
	alerts       AlertUpdater
	remediations RemediationUpdater
	notifier     Notifier
	ids          IDGenerator
	now          Clock
	log          *slog.Logger
}

// NewActionExecutor returns an executor writing to ledger. Collaborators may
// be nil; effects aimed at a missing collaborator fail individually.
func NewActionExecutor(ledger Ledger, alerts AlertUpdater, remediations RemediationUpdater, notifier Notifier, ids IDGenerator, now Clock, log *slog.Logger) *ActionExecutor {
	if ids == nil {
		ids = UUIDv7Generator{}
	}
	if now == nil {
		now = systemClock
	}
	if log == nil {
		log = slog.Default()
	}
	return &ActionExecutor{ledger: ledger, alerts: alerts, remediations: remediations, notifier: notifier, ids: ids, now: now, log: log}
}

// ExecutePointAward appends one transaction. Evidence paths are resolved
// against cctx; references that resolve to nothing are dropped.
func (x *ActionExecutor) ExecutePointAward(ctx context.Context, award PointAward, cctx condition.Context) (core.PointTransaction, error) {
	txn := x.transaction(award, cctx)
	if err := x.ledger.AppendTransaction(ctx, txn); err != nil {
		return core.PointTransaction{}, core.PersistenceError("append transaction", err)
	}
	x.log.DebugContext(ctx, "points recorded", "txn_id", txn.TxnID, "rule_id", txn.RuleID, "user_id", txn.UserID, "points", txn.Points)
	return txn, nil
}

// ExecutePenalty appends a negative transaction carrying penalty provenance.
func (x *ActionExecutor) ExecutePenalty(ctx context.Context, p Penalty, cctx condition.Context) (core.PointTransaction, error) {
	if p.Points > 0 {
		return core.PointTransaction{}, fmt.Errorf("penalty %s: points must not be positive, got %d", p.RuleID, p.Points)
	}
	txn := x.transaction(p.PointAward, cctx)
	txn.PenaltyReason = p.PenaltyReason
	if txn.PenaltyReason == "" {
		txn.PenaltyReason = defaultPenaltyReason
	}
	txn.OriginalAlertStatus = p.OriginalAlertStatus
	if txn.OriginalAlertStatus == "" {
		txn.OriginalAlertStatus = defaultAlertStatus
	}
	if err := x.ledger.AppendTransaction(ctx, txn); err != nil {
		return core.PointTransaction{}, core.PersistenceError("append penalty", err)
	}
	x.log.DebugContext(ctx, "penalty recorded", "txn_id", txn.TxnID, "rule_id", txn.RuleID, "user_id", txn.UserID, "points", txn.Points)
	return txn, nil
}

func (x *ActionExecutor) transaction(award PointAward, cctx condition.Context) core.PointTransaction {
	txn := core.PointTransaction{
		TxnID:     x.ids.NewID(),
		UserID:    award.UserID,
		TeamID:    award.TeamID,
		RuleID:    award.RuleID,
		Points:    award.Points,
		Reason:    award.Reason,
		Timestamp: x.now(),
		Metadata:  award.Metadata,
	}
	if v := cctx.ResolveExpr("Alert.alert_id"); !v.IsNull() {
		txn.AlertID = v.String()
	}
	for _, ref := range award.Evidence {
		v := cctx.ResolveExpr(ref)
		if v.IsNull() {
			continue
		}
		txn.EvidenceRefs = append(txn.EvidenceRefs, v.String())
	}
	return txn
}

// ExecuteSideEffects runs every effect independently. The returned error
// joins the individual failures; results always cover every effect.
func (x *ActionExecutor) ExecuteSideEffects(ctx context.Context, ruleID string, effects []catalog.SideEffect, cctx condition.Context) ([]EffectResult, error) {
	results := make([]EffectResult, 0, len(effects))
	var errs []error
	for _, eff := range effects {
		res := EffectResult{RuleID: ruleID, Kind: eff.Kind.String(), Status: EffectApplied}
		target, err := x.apply(ctx, ruleID, eff, cctx)
		res.Target = target
		if err != nil {
			res.Status = EffectFailed
			res.Error = err.Error()
			errs = append(errs, fmt.Errorf("%s %s: %w", ruleID, res.Kind, err))
			x.log.WarnContext(ctx, "side effect failed", "rule_id", ruleID, "effect", res.Kind, "target", target, "error", err)
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

func (x *ActionExecutor) apply(ctx context.Context, ruleID string, eff catalog.SideEffect, cctx condition.Context) (string, error) {
	now := x.now()
	switch eff.Kind {
	case catalog.EffectUpdateAlert:
		e := eff.UpdateAlert
		id := resolveID(cctx, e.AlertID)
		if id == "" {
			return "", fmt.Errorf("alert id %q did not resolve", e.AlertID)
		}
		if x.alerts == nil {
			return id, errors.New("no alert collaborator configured")
		}
		return id, x.alerts.UpdateAlertStatus(ctx, core.AlertStatusUpdate{
			AlertID:   id,
			NewStatus: e.NewStatus,
			Entry:     core.LifecycleEntry{Status: e.NewStatus, Timestamp: now, Note: e.Notes},
			RuleID:    ruleID,
		})
	case catalog.EffectUpdateRemediation:
		e := eff.UpdateRemediation
		id := resolveID(cctx, e.RemediationID)
		if id == "" {
			return "", fmt.Errorf("remediation id %q did not resolve", e.RemediationID)
		}
		if x.remediations == nil {
			return id, errors.New("no remediation collaborator configured")
		}
		return id, x.remediations.UpdateRemediationStatus(ctx, core.RemediationStatusUpdate{
			RemediationID: id,
			NewStatus:     e.NewStatus,
			Entry:         core.LifecycleEntry{Status: e.NewStatus, Timestamp: now, Note: e.Notes},
			RuleID:        ruleID,
		})
	case catalog.EffectCreateNotification:
		e := eff.CreateNotification
		target := resolveID(cctx, e.Target)
		if target == "" {
			return "", fmt.Errorf("notification target %q did not resolve", e.Target)
		}
		if x.notifier == nil {
			return target, errors.New("no notifier configured")
		}
		priority := e.Priority
		if priority == "" {
			priority = core.PriorityNormal
		}
		return target, x.notifier.Notify(ctx, core.Notification{
			ID:        x.ids.NewID(),
			Target:    core.UserID(target),
			Message:   e.Message,
			Priority:  priority,
			Status:    core.NotificationPending,
			RuleID:    ruleID,
			CreatedAt: now,
		})
	default:
		return "", fmt.Errorf("unsupported side effect kind %d", int(eff.Kind))
	}
}

// resolveID resolves a dotted path, or returns a literal id unchanged.
func resolveID(cctx condition.Context, expr string) string {
	v := cctx.ResolveExpr(expr)
	if v.IsNull() {
		return ""
	}
	if s, ok := v.Str(); ok {
		return s
	}
	return v.String()
}
