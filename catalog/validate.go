package catalog

import (
	"fmt"
	"strings"

	"secupoints/core"
)

// ValidationError describes one semantic problem in a catalog document.
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) String() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

var knownOperators = map[string]bool{"==": true, "!=": true, "<": true, ">": true, "<=": true, ">=": true}

// validate runs the semantic checks the structural schema cannot express.
// Problems are collected, not fail-fast.
func validate(doc *Document) []ValidationError {
	var errs []ValidationError
	add := func(path, format string, args ...any) {
		errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	seen := map[string]string{}
	claim := func(path, id string) {
		if err := core.ValidateID(id); err != nil {
			add(path, "%v", err)
			return
		}
		if prev, ok := seen[id]; ok {
			add(path, "duplicate id %q (first declared at %s)", id, prev)
			return
		}
		seen[id] = path
	}

	sections := []struct {
		name  string
		want  RuleType
		rules []*Rule
	}{
		{"point_rules", TypePoints, doc.PointRules},
		{"penalty_rules", TypePenalty, doc.PenaltyRules},
		{"exclusion_rules", TypeExclusion, doc.ExclusionRules},
	}
	for _, sec := range sections {
		for i, r := range sec.rules {
			path := fmt.Sprintf("%s[%d]", sec.name, i)
			if r == nil {
				add(path, "empty rule")
				continue
			}
			claim(path+".rule_id", r.RuleID)
			if r.Type != sec.want {
				add(path+".type", "expected %q in %s, got %q", sec.want, sec.name, r.Type)
			}
			switch sec.want {
			case TypePoints, TypePenalty:
				if r.Trigger == nil || strings.TrimSpace(r.Trigger.Event) == "" {
					add(path+".trigger.event", "must name an event")
				}
				if !validRecipient(r.Action.Recipient) {
					add(path+".action.recipient", "must be a dotted path to the rewarded user or %s, got %q", SubjectUser, r.Action.Recipient)
				}
			case TypeExclusion:
				if len(r.Conditions) == 0 {
					add(path+".conditions", "exclusion rule must declare at least one condition")
				}
			}
			if sec.want == TypePenalty && r.Action.Points > 0 {
				add(path+".action.points", "penalty points must not be positive, got %d", r.Action.Points)
			}
			for j, eff := range r.SideEffects {
				errs = append(errs, validateEffect(fmt.Sprintf("%s.side_effects[%d]", path, j), eff)...)
			}
		}
	}

	for i, b := range doc.BadgeRules {
		path := fmt.Sprintf("badge_rules[%d]", i)
		if b == nil {
			add(path, "empty badge")
			continue
		}
		claim(path+".badge_id", b.BadgeID)
		switch b.Criteria.Type {
		case ScopeIndividual, ScopeTeam:
		default:
			add(path+".criteria.type", "unknown scope %q", b.Criteria.Type)
		}
		if len(b.Criteria.Conditions) == 0 {
			add(path+".criteria.conditions", "badge must declare at least one criterion")
		}
		for j, c := range b.Criteria.Conditions {
			errs = append(errs, validateCriterion(fmt.Sprintf("%s.criteria.conditions[%d]", path, j), c)...)
		}
	}
	return errs
}

func validateEffect(path string, eff SideEffect) []ValidationError {
	var errs []ValidationError
	switch eff.Kind {
	case EffectUpdateAlert:
		if eff.UpdateAlert == nil || eff.UpdateAlert.AlertID == "" || eff.UpdateAlert.NewStatus == "" {
			errs = append(errs, ValidationError{path, "update_alert needs alert_id and new_status"})
		}
	case EffectUpdateRemediation:
		if eff.UpdateRemediation == nil || eff.UpdateRemediation.RemediationID == "" || eff.UpdateRemediation.NewStatus == "" {
			errs = append(errs, ValidationError{path, "update_remediation needs remediation_id and new_status"})
		}
	case EffectCreateNotification:
		if eff.CreateNotification == nil || eff.CreateNotification.Target == "" {
			errs = append(errs, ValidationError{path, "create_notification needs a target"})
		}
	default:
		errs = append(errs, ValidationError{path, "unknown side effect"})
	}
	return errs
}

func validateCriterion(path string, c Criterion) []ValidationError {
	var errs []ValidationError
	add := func(msg string) { errs = append(errs, ValidationError{path + "." + string(c.Kind), msg}) }
	if c.Entity == "" {
		add("entity is required")
	}
	switch c.Kind {
	case CriterionStreak:
		if c.ConsecutiveDays < 1 {
			add("consecutive_days must be at least 1")
		}
		if c.MinPerDay < 1 {
			add("min_per_day must be at least 1")
		}
	case CriterionCount, CriterionDistinctCount, CriterionSum:
		if !knownOperators[c.Operator] {
			add(fmt.Sprintf("unknown operator %q", c.Operator))
		}
		if c.Kind != CriterionCount && c.Field == "" {
			add("field is required")
		}
	default:
		add("unknown criterion kind")
	}
	return errs
}

func validationDetails(errs []ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.String()
	}
	return out
}

// validRecipient accepts Entity.field paths and the bound current_user name.
func validRecipient(expr string) bool {
	expr = strings.TrimSpace(expr)
	if expr == SubjectUser {
		return true
	}
	root, field, ok := strings.Cut(expr, ".")
	return ok && root != "" && field != "" && !strings.ContainsAny(expr, " \t")
}
