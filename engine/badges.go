package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"secupoints/catalog"
	"secupoints/core"
)

// BadgeEvaluator grants badges whose aggregate criteria hold. A granted
// badge is terminal: it is never evaluated again for that user.
type BadgeEvaluator struct {
	awards  AwardStore
	history History
	ids     IDGenerator
	now     Clock
	log     *slog.Logger

	locks [lockStripes]sync.Mutex
}

// lockStripes bounds the lock table; users hashing to one stripe share it.
const lockStripes = 64

// NewBadgeEvaluator returns an evaluator over the given stores.
func NewBadgeEvaluator(awards AwardStore, history History, ids IDGenerator, now Clock, log *slog.Logger) *BadgeEvaluator {
	if ids == nil {
		ids = UUIDv7Generator{}
	}
	if now == nil {
		now = systemClock
	}
	if log == nil {
		log = slog.Default()
	}
	return &BadgeEvaluator{awards: awards, history: history, ids: ids, now: now, log: log}
}

func lockStripe(user core.UserID) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(user))
	return int(h.Sum32() % lockStripes)
}

func (b *BadgeEvaluator) userLock(user core.UserID) *sync.Mutex {
	return &b.locks[lockStripe(user)]
}

// EvaluateUserBadges checks every active individual badge the user does not
// hold yet and grants the eligible ones. Criteria failures are logged and
// skip only that badge; award store failures abort the pass.
func (b *BadgeEvaluator) EvaluateUserBadges(ctx context.Context, user core.UserID, team core.TeamID, badges []*catalog.Badge) ([]core.Award, error) {
	mu := b.userLock(user)
	mu.Lock()
	defer mu.Unlock()

	var granted []core.Award
	for _, badge := range badges {
		if !badge.Active {
			continue
		}
		if badge.Criteria.Type != catalog.ScopeIndividual {
			b.log.DebugContext(ctx, "skipping badge with non-individual scope", "badge_id", badge.BadgeID, "scope", badge.Criteria.Type)
			continue
		}
		if err := badge.CompileErr(); err != nil {
			b.log.WarnContext(ctx, "skipping badge with invalid filters", "badge_id", badge.BadgeID, "error", err)
			continue
		}
		has, err := b.awards.HasAward(ctx, user, badge.BadgeID)
		if err != nil {
			return granted, core.PersistenceError("lookup award", err)
		}
		if has {
			continue
		}
		ok, evidence, err := b.Eligible(ctx, badge, user, team)
		if err != nil {
			b.log.ErrorContext(ctx, "badge criteria evaluation failed", "badge_id", badge.BadgeID, "user_id", user, "error", err)
			continue
		}
		if !ok {
			continue
		}
		award := core.Award{
			AwardID:      b.ids.NewID(),
			BadgeID:      badge.BadgeID,
			UserID:       user,
			TeamID:       team,
			Timestamp:    b.now(),
			EvidenceRefs: evidence,
			Metadata:     map[string]any{"badge_name": badge.Name, "category": badge.Category},
		}
		if badge.Tier != "" {
			award.Metadata["tier"] = badge.Tier
		}
		if err := b.awards.InsertAward(ctx, award); err != nil {
			if errors.Is(err, core.ErrAwardExists) {
				continue
			}
			return granted, core.PersistenceError("insert award", err)
		}
		b.log.InfoContext(ctx, "badge awarded", "badge_id", badge.BadgeID, "user_id", user)
		granted = append(granted, award)
	}
	return granted, nil
}

// Eligible evaluates all of the badge's criteria (AND). The evidence lists
// the observed aggregate per criterion.
func (b *BadgeEvaluator) Eligible(ctx context.Context, badge *catalog.Badge, user core.UserID, team core.TeamID) (bool, []string, error) {
	evidence := make([]string, 0, len(badge.Criteria.Conditions))
	for i := range badge.Criteria.Conditions {
		c := &badge.Criteria.Conditions[i]
		ok, observed, err := b.check(ctx, c, user, team)
		if err != nil {
			return false, nil, fmt.Errorf("criterion %d (%s): %w", i, c.Kind, err)
		}
		if !ok {
			return false, nil, nil
		}
		evidence = append(evidence, fmt.Sprintf("%s:%s=%s", c.Entity, c.Kind, observed))
	}
	return true, evidence, nil
}

func (b *BadgeEvaluator) check(ctx context.Context, c *catalog.Criterion, user core.UserID, team core.TeamID) (bool, string, error) {
	q := c.Query(user, team)
	switch c.Kind {
	case catalog.CriterionCount:
		n, err := b.history.Count(ctx, q)
		if err != nil {
			return false, "", err
		}
		return compareThreshold(float64(n), c.Operator, c.Threshold), strconv.FormatInt(n, 10), nil
	case catalog.CriterionDistinctCount:
		n, err := b.history.Distinct(ctx, q, c.Field)
		if err != nil {
			return false, "", err
		}
		return compareThreshold(float64(n), c.Operator, c.Threshold), strconv.FormatInt(n, 10), nil
	case catalog.CriterionSum:
		sum, err := b.history.Sum(ctx, q, c.Field)
		if err != nil {
			return false, "", err
		}
		return compareThreshold(sum, c.Operator, c.Threshold), strconv.FormatFloat(sum, 'f', -1, 64), nil
	case catalog.CriterionStreak:
		return b.streak(ctx, q, c.ConsecutiveDays, c.MinPerDay)
	}
	return false, "", fmt.Errorf("unknown criterion kind %q", c.Kind)
}

// streak walks back from today (UTC) and fails at the first day with fewer
// than minPerDay records.
func (b *BadgeEvaluator) streak(ctx context.Context, q core.Query, days, minPerDay int) (bool, string, error) {
	if minPerDay < 1 {
		minPerDay = 1
	}
	now := b.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	q.TimeField = core.TimestampField
	for offset := 0; offset < days; offset++ {
		q.From = today.AddDate(0, 0, -offset)
		q.To = q.From.AddDate(0, 0, 1)
		n, err := b.history.Count(ctx, q)
		if err != nil {
			return false, "", err
		}
		if n < int64(minPerDay) {
			return false, "", nil
		}
	}
	return true, strconv.Itoa(days) + "d", nil
}

func compareThreshold(v float64, op string, threshold float64) bool {
	switch op {
	case "==":
		return v == threshold
	case "!=":
		return v != threshold
	case "<":
		return v < threshold
	case ">":
		return v > threshold
	case "<=":
		return v <= threshold
	case ">=":
		return v >= threshold
	}
	return false
}
