package engine

import (
	"context"
	"time"

	"secupoints/catalog"
	"secupoints/core"
)

// Ledger is the append-only store of point transactions.
type Ledger interface {
	AppendTransaction(ctx context.Context, txn core.PointTransaction) error
	Totals(ctx context.Context, user core.UserID) (core.LedgerTotals, error)
	Transactions(ctx context.Context, user core.UserID) ([]core.PointTransaction, error)
}

// AwardStore persists badge grants. InsertAward must return
// core.ErrAwardExists when (user, badge) is already taken.
type AwardStore interface {
	HasAward(ctx context.Context, user core.UserID, badgeID string) (bool, error)
	InsertAward(ctx context.Context, award core.Award) error
	Awards(ctx context.Context, user core.UserID) ([]core.Award, error)
}

// History answers the aggregate reads badge criteria need.
type History interface {
	Count(ctx context.Context, q core.Query) (int64, error)
	Distinct(ctx context.Context, q core.Query, field string) (int64, error)
	Sum(ctx context.Context, q core.Query, field string) (float64, error)
}

// Storage is what a backing store offers the engine.
type Storage interface {
	Ledger
	AwardStore
	History
}

// AlertUpdater applies alert status side effects.
type AlertUpdater interface {
	UpdateAlertStatus(ctx context.Context, update core.AlertStatusUpdate) error
}

// RemediationUpdater applies remediation status side effects.
type RemediationUpdater interface {
	UpdateRemediationStatus(ctx context.Context, update core.RemediationStatusUpdate) error
}

// Notifier enqueues notifications for delivery.
type Notifier interface {
	Notify(ctx context.Context, n core.Notification) error
}

// Publisher receives domain events after each successful step.
type Publisher interface {
	Publish(ctx context.Context, ev core.Event)
}

// CatalogSource hands out the current catalog snapshot.
type CatalogSource interface {
	Current() *catalog.Catalog
}

// Recorder observes engine activity, typically for metrics.
type Recorder interface {
	EventProcessed(event string, excluded bool, elapsed time.Duration)
	RuleEvaluated(event, ruleID string, triggered bool)
	RuleFailed(event, ruleID string)
	PointsAwarded(ruleID string, points int64)
	BadgeAwarded(badgeID string)
}

type nopRecorder struct{}

func (nopRecorder) EventProcessed(string, bool, time.Duration) {}
func (nopRecorder) RuleEvaluated(string, string, bool) {}
func (nopRecorder) RuleFailed(string, string) {}
func (nopRecorder) PointsAwarded(string, int64) {}
func (nopRecorder) BadgeAwarded(string) {}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, core.Event) {}

// StaticCatalog serves a fixed snapshot.
type StaticCatalog struct{ Catalog *catalog.Catalog }

func (s StaticCatalog) Current() *catalog.Catalog { return s.Catalog }

var (
	_ CatalogSource = (*catalog.Loader)(nil)
	_ CatalogSource = StaticCatalog{}
	_ Publisher     = (*EventBus)(nil)
)
