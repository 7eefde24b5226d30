package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"secupoints/catalog"
	"secupoints/condition"
	"secupoints/core"
	"secupoints/scoring"
)

// ErrNoCatalog is returned when no catalog snapshot has been loaded yet.
var ErrNoCatalog = errors.New("no rule catalog loaded")

// Engine runs domain events through the active rule catalog.
type Engine struct {
	catalogs CatalogSource
	store    Storage
	executor *ActionExecutor
	badges   *BadgeEvaluator
	bus      Publisher
	recorder Recorder
	tracer   trace.Tracer
	now      Clock
	log      *slog.Logger
}

type settings struct {
	alerts       AlertUpdater
	remediations RemediationUpdater
	notifier     Notifier
	bus          Publisher
	recorder     Recorder
	tracer       trace.Tracer
	ids          IDGenerator
	now          Clock
	log          *slog.Logger
}

// Option configures an Engine.
type Option func(*settings)

func WithAlertUpdater(u AlertUpdater) Option { return func(s *settings) { s.alerts = u } }
func WithRemediationUpdater(u RemediationUpdater) Option {
	return func(s *settings) { s.remediations = u }
}
func WithNotifier(n Notifier) Option { return func(s *settings) { s.notifier = n } }
func WithPublisher(p Publisher) Option { return func(s *settings) { s.bus = p } }
func WithRecorder(r Recorder) Option { return func(s *settings) { s.recorder = r } }
func WithTracer(t trace.Tracer) Option { return func(s *settings) { s.tracer = t } }
func WithIDGenerator(g IDGenerator) Option { return func(s *settings) { s.ids = g } }
func WithClock(c Clock) Option { return func(s *settings) { s.now = c } }
func WithLogger(l *slog.Logger) Option { return func(s *settings) { s.log = l } }

// New builds an engine reading snapshots from catalogs and persisting to store.
func New(catalogs CatalogSource, store Storage, opts ...Option) *Engine {
	if catalogs == nil || store == nil {
		panic("engine.New requires a catalog source and a store")
	}
	s := settings{
		bus:      nopPublisher{},
		recorder: nopRecorder{},
		ids:      UUIDv7Generator{},
		now:      systemClock,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(&s)
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("secupoints/engine")
	}
	return &Engine{
		catalogs: catalogs,
		store:    store,
		executor: NewActionExecutor(store, s.alerts, s.remediations, s.notifier, s.ids, s.now, s.log),
		badges:   NewBadgeEvaluator(store, store, s.ids, s.now, s.log),
		bus:      s.bus,
		recorder: s.recorder,
		tracer:   s.tracer,
		now:      s.now,
		log:      s.log,
	}
}

// Executor exposes the action executor.
func (e *Engine) Executor() *ActionExecutor { return e.executor }

// Badges exposes the badge evaluator.
func (e *Engine) Badges() *BadgeEvaluator { return e.badges }

// Exclusion records that an event was filtered out.
type Exclusion struct {
	RuleID    string    `json:"rule_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Failure records a rule that could not be evaluated or executed.
type Failure struct {
	RuleID string `json:"rule_id"`
	Kind   string `json:"kind"`
	Error  string `json:"error"`
}

// LevelChange records a level-up caused by an award.
type LevelChange struct {
	UserID core.UserID `json:"user_id"`
	From   int         `json:"from"`
	To     int         `json:"to"`
	Total  int64       `json:"total"`
}

// Result summarises one ProcessEvent call. Counts are reported even when
// some rules failed.
type Result struct {
	Event          string               `json:"event"`
	RulesEvaluated int                  `json:"rules_evaluated"`
	RulesTriggered int                  `json:"rules_triggered"`
	PointsAwarded  []TransactionSummary `json:"points_awarded"`
	Penalties      []TransactionSummary `json:"penalties_applied"`
	BadgesAwarded  []core.Award         `json:"badges_awarded"`
	Exclusions     []Exclusion          `json:"exclusions"`
	SideEffects    []EffectResult       `json:"side_effects,omitempty"`
	LevelUps       []LevelChange        `json:"level_ups,omitempty"`
	Failures       []Failure            `json:"failures,omitempty"`
}

// Excluded reports whether an exclusion rule stopped the event.
func (r *Result) Excluded() bool { return len(r.Exclusions) > 0 }

func (r *Result) fail(ruleID string, err error) {
	kind := "internal"
	if k, ok := core.KindOf(err); ok {
		kind = string(k)
	}
	r.Failures = append(r.Failures, Failure{RuleID: ruleID, Kind: kind, Error: err.Error()})
}

// ProcessEvent evaluates the event against one catalog snapshot: exclusion
// check, rule selection, per-rule evaluation and execution, then a badge
// pass for every affected user. Rule failures are isolated in
// Result.Failures; persistence failures abort and are returned with the
// partial result.
func (e *Engine) ProcessEvent(ctx context.Context, event string, data map[string]any) (res *Result, err error) {
	ctx, span := e.tracer.Start(ctx, "engine.ProcessEvent", trace.WithAttributes(attribute.String("event", event)))
	started := time.Now()
	res = &Result{Event: event}
	defer func() {
		span.SetAttributes(
			attribute.Int("rules.evaluated", res.RulesEvaluated),
			attribute.Int("rules.triggered", res.RulesTriggered),
			attribute.Int("badges.awarded", len(res.BadgesAwarded)),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		e.recorder.EventProcessed(event, res.Excluded(), time.Since(started))
	}()

	cat := e.catalogs.Current()
	if cat == nil {
		return res, ErrNoCatalog
	}
	cctx := condition.NewContext(data)
	eval := condition.NewEvaluator(cctx)

	if ex, ok := e.checkExclusions(ctx, cat, eval, event, res); ok {
		res.Exclusions = append(res.Exclusions, ex)
		e.bus.Publish(ctx, core.NewExcluded(event, ex.RuleID, ex.Reason, ex.Timestamp))
		return res, nil
	}

	rules := cat.RulesByEvent(event)
	res.RulesEvaluated = len(rules)
	var affected []subject
	seen := map[core.UserID]bool{}
	for _, rule := range rules {
		user, team, err := e.runRule(ctx, cat, rule, event, cctx, eval, res)
		if err != nil {
			return res, err
		}
		if user != "" && !seen[user] {
			seen[user] = true
			affected = append(affected, subject{user: user, team: team})
		}
	}

	if len(affected) > 0 {
		if err := e.badgePass(ctx, cat, affected, res); err != nil {
			return res, err
		}
	}
	e.log.InfoContext(ctx, "event processed",
		"event", event,
		"rules_evaluated", res.RulesEvaluated,
		"rules_triggered", res.RulesTriggered,
		"points_awarded", len(res.PointsAwarded),
		"penalties", len(res.Penalties),
		"badges_awarded", len(res.BadgesAwarded),
		"failures", len(res.Failures),
	)
	return res, nil
}

type subject struct {
	user core.UserID
	team core.TeamID
}

func (e *Engine) checkExclusions(ctx context.Context, cat *catalog.Catalog, eval *condition.Evaluator, event string, res *Result) (Exclusion, bool) {
	for _, rule := range cat.ExclusionRules() {
		exprs, err := rule.Compiled()
		if err != nil {
			res.fail(rule.RuleID, err)
			e.recorder.RuleFailed(event, rule.RuleID)
			continue
		}
		matched, err := eval.EvaluateAllExpr(exprs, condition.And)
		if errors.Is(err, core.ErrReference) {
			// The entity the exclusion inspects is not part of this event.
			e.log.DebugContext(ctx, "exclusion rule not applicable", "rule_id", rule.RuleID, "event", event, "error", err)
			continue
		}
		if err != nil {
			res.fail(rule.RuleID, err)
			e.recorder.RuleFailed(event, rule.RuleID)
			e.log.WarnContext(ctx, "exclusion rule evaluation failed", "rule_id", rule.RuleID, "event", event, "error", err)
			continue
		}
		if matched {
			if rule.Action.LogExclusion == nil || *rule.Action.LogExclusion {
				e.log.InfoContext(ctx, "event excluded", "rule_id", rule.RuleID, "event", event, "reason", rule.Action.Reason)
			}
			return Exclusion{RuleID: rule.RuleID, Reason: rule.Action.Reason, Timestamp: e.now()}, true
		}
	}
	return Exclusion{}, false
}

// runRule evaluates and executes one rule. It returns the rewarded or
// penalised user when the rule fired, and a non-nil error only for
// persistence failures.
func (e *Engine) runRule(ctx context.Context, cat *catalog.Catalog, rule *catalog.Rule, event string, cctx condition.Context, eval *condition.Evaluator, res *Result) (core.UserID, core.TeamID, error) {
	ctx, span := e.tracer.Start(ctx, "engine.rule", trace.WithAttributes(attribute.String("rule_id", rule.RuleID)))
	defer span.End()

	isolate := func(err error) (core.UserID, core.TeamID, error) {
		res.fail(rule.RuleID, err)
		e.recorder.RuleFailed(event, rule.RuleID)
		span.RecordError(err)
		e.log.ErrorContext(ctx, "rule failed", "rule_id", rule.RuleID, "event", event, "error", err)
		return "", "", nil
	}

	exprs, err := rule.Compiled()
	if err != nil {
		return isolate(err)
	}
	matched, err := eval.EvaluateAllExpr(exprs, condition.And)
	if err != nil {
		return isolate(err)
	}
	e.recorder.RuleEvaluated(event, rule.RuleID, matched)
	span.SetAttributes(attribute.Bool("matched", matched))
	if !matched {
		return "", "", nil
	}
	res.RulesTriggered++

	user, err := recipient(cctx, rule.Action.Recipient)
	if err != nil {
		return isolate(err)
	}
	var team core.TeamID
	if id := resolveID(cctx, "Remediation.team_id"); id != "" {
		team = core.TeamID(id)
	}

	totals, err := e.store.Totals(ctx, user)
	if err != nil {
		return "", "", core.PersistenceError("read totals", err)
	}
	calc := cat.Calculator()
	level := calc.Level(totals.Total)
	award := PointAward{
		RuleID:   rule.RuleID,
		UserID:   user,
		TeamID:   team,
		Reason:   rule.Action.Reason,
		Evidence: rule.Action.Evidence,
		Metadata: ruleMetadata(rule, level),
	}

	switch rule.Type {
	case catalog.TypePoints:
		award.Points = calc.CalculateFromRule(rule.Action.Points, level, 0)
		txn, err := e.executor.ExecutePointAward(ctx, award, cctx)
		if err != nil {
			return "", "", err
		}
		summary := e.summarize(ctx, calc, txn, totals, level, res)
		res.PointsAwarded = append(res.PointsAwarded, summary)
		e.recorder.PointsAwarded(rule.RuleID, txn.Points)
		e.bus.Publish(ctx, core.NewPointsAwarded(txn, summary.Total))
	case catalog.TypePenalty:
		award.Points = rule.Action.Points
		txn, err := e.executor.ExecutePenalty(ctx, Penalty{
			PointAward:          award,
			PenaltyReason:       rule.Action.PenaltyReason,
			OriginalAlertStatus: rule.Action.OriginalAlertStatus,
		}, cctx)
		if err != nil {
			if errors.Is(err, core.ErrPersistence) {
				return "", "", err
			}
			return isolate(err)
		}
		summary := e.summarize(ctx, calc, txn, totals, level, res)
		res.Penalties = append(res.Penalties, summary)
		e.recorder.PointsAwarded(rule.RuleID, txn.Points)
		e.bus.Publish(ctx, core.NewPenaltyApplied(txn, summary.Total))

		effects, err := e.executor.ExecuteSideEffects(ctx, rule.RuleID, rule.SideEffects, cctx)
		res.SideEffects = append(res.SideEffects, effects...)
		if err != nil {
			res.fail(rule.RuleID, err)
		}
	default:
		return isolate(fmt.Errorf("rule %s: type %q cannot be bound to an event", rule.RuleID, rule.Type))
	}
	return user, team, nil
}

func (e *Engine) summarize(ctx context.Context, calc *scoring.Calculator, txn core.PointTransaction, before core.LedgerTotals, level int, res *Result) TransactionSummary {
	total, err := core.AddSafe(before.Total, txn.Points)
	if err != nil {
		e.log.WarnContext(ctx, "ledger total overflow", "user_id", txn.UserID, "error", err)
		total = before.Total
	}
	newLevel := calc.Level(total)
	if newLevel > level {
		res.LevelUps = append(res.LevelUps, LevelChange{UserID: txn.UserID, From: level, To: newLevel, Total: total})
		e.bus.Publish(ctx, core.NewLevelUp(txn.UserID, newLevel, total, txn.Timestamp))
	}
	return TransactionSummary{
		TxnID:               txn.TxnID,
		UserID:              txn.UserID,
		TeamID:              txn.TeamID,
		RuleID:              txn.RuleID,
		AlertID:             txn.AlertID,
		Points:              txn.Points,
		Reason:              txn.Reason,
		EvidenceRefs:        txn.EvidenceRefs,
		PenaltyReason:       txn.PenaltyReason,
		OriginalAlertStatus: txn.OriginalAlertStatus,
		Total:               total,
		Level:               newLevel,
	}
}

func recipient(cctx condition.Context, expr string) (core.UserID, error) {
	id := resolveID(cctx, expr)
	if id == "" {
		return "", core.ReferenceError(expr, "recipient did not resolve to a user")
	}
	user, err := core.NormalizeUserID(core.UserID(id))
	if err != nil {
		return "", core.ReferenceError(expr, err.Error())
	}
	return user, nil
}

func ruleMetadata(rule *catalog.Rule, level int) map[string]any {
	md := map[string]any{
		"rule_name":    rule.Name,
		"rule_version": rule.Version,
		"base_points":  rule.Action.Points,
		"user_level":   level,
	}
	for k, v := range rule.Metadata {
		if _, taken := md[k]; !taken {
			md[k] = v
		}
	}
	return md
}

// badgePass evaluates badges for each affected user concurrently; awards
// are appended in user order.
func (e *Engine) badgePass(ctx context.Context, cat *catalog.Catalog, users []subject, res *Result) error {
	badges := cat.ActiveBadges()
	if len(badges) == 0 {
		return nil
	}
	granted := make([][]core.Award, len(users))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range users {
		g.Go(func() error {
			awards, err := e.badges.EvaluateUserBadges(gctx, s.user, s.team, badges)
			granted[i] = awards
			return err
		})
	}
	err := g.Wait()
	for _, awards := range granted {
		for _, a := range awards {
			res.BadgesAwarded = append(res.BadgesAwarded, a)
			e.recorder.BadgeAwarded(a.BadgeID)
			e.bus.Publish(ctx, core.NewBadgeAwarded(a))
		}
	}
	return err
}

// Balance summarises a user's ledger against the current ladder.
type Balance struct {
	UserID       core.UserID       `json:"user_id"`
	Currency     string            `json:"currency"`
	Total        int64             `json:"total_points"`
	Positive     int64             `json:"positive_points"`
	Negative     int64             `json:"negative_points"`
	Transactions int64             `json:"transaction_count"`
	Level        scoring.LevelInfo `json:"level"`
	Progress     scoring.Progress  `json:"progress"`
	Badges       []core.Award      `json:"badges"`
}

// Balance reports totals, level and progress for user.
func (e *Engine) Balance(ctx context.Context, user core.UserID) (Balance, error) {
	cat := e.catalogs.Current()
	if cat == nil {
		return Balance{}, ErrNoCatalog
	}
	user, err := core.NormalizeUserID(user)
	if err != nil {
		return Balance{}, err
	}
	totals, err := e.store.Totals(ctx, user)
	if err != nil {
		return Balance{}, core.PersistenceError("read totals", err)
	}
	awards, err := e.store.Awards(ctx, user)
	if err != nil {
		return Balance{}, core.PersistenceError("read awards", err)
	}
	calc := cat.Calculator()
	return Balance{
		UserID:       user,
		Currency:     cat.Currency(),
		Total:        totals.Total,
		Positive:     totals.Positive,
		Negative:     totals.Negative,
		Transactions: totals.Count,
		Level:        calc.LevelInfo(calc.Level(totals.Total)),
		Progress:     calc.Progress(totals.Total),
		Badges:       awards,
	}, nil
}
