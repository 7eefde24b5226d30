package leaderboard

import (
	"context"
	"fmt"

	"secupoints/core"
)

// Entry is one user's ledger total on the board.
type Entry struct {
	User  core.UserID `json:"user_id"`
	Score int64       `json:"score"`
}

// Board abstracts leaderboard operations.
type Board interface {
	Update(user core.UserID, score int64)
	Remove(user core.UserID)
	TopN(n int) []Entry
	Page(offset, limit int) []Entry
	Get(user core.UserID) (Entry, bool)
	Rank(user core.UserID) (int, bool)
	Len() int
}

// Feed keeps a Board in step with ledger totals carried on engine events.
type Feed struct {
	board  Board
	ledger TotalsReader
}

func NewFeed(board Board) *Feed { return &Feed{board: board} }

// FromLedger makes the feed re-read the user's total from ledger instead of
// trusting the event. Async buses may deliver events out of order.
func (f *Feed) FromLedger(ledger TotalsReader) *Feed {
	f.ledger = ledger
	return f
}

// OnEvent applies points and penalty events. It matches the event bus
// handler signature.
func (f *Feed) OnEvent(ctx context.Context, e core.Event) {
	switch e.Type {
	case core.EventPointsAwarded, core.EventPenaltyApplied:
		if e.UserID == "" {
			return
		}
		total := e.Total
		if f.ledger != nil {
			if t, err := f.ledger.Totals(ctx, e.UserID); err == nil {
				total = t.Total
			}
		}
		f.board.Update(e.UserID, total)
	}
}

// TotalsReader is the slice of the ledger a rebuild needs.
type TotalsReader interface {
	Totals(ctx context.Context, user core.UserID) (core.LedgerTotals, error)
}

// Rebuild seeds board from the ledger totals of users, e.g. at startup.
func Rebuild(ctx context.Context, board Board, users []core.UserID, ledger TotalsReader) error {
	for _, u := range users {
		t, err := ledger.Totals(ctx, u)
		if err != nil {
			return fmt.Errorf("rebuild leaderboard for %s: %w", u, err)
		}
		board.Update(u, t.Total)
	}
	return nil
}
