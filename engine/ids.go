package engine

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// IDGenerator produces transaction, award and notification ids.
type IDGenerator interface {
	NewID() string
}

// UUIDv7Generator issues time-ordered UUIDs, so ledger ids sort by creation.
type UUIDv7Generator struct{}

func (UUIDv7Generator) NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// SequenceGenerator issues prefix-1, prefix-2, ... for deterministic tests.
type SequenceGenerator struct {
	Prefix string
	n      atomic.Int64
}

func (g *SequenceGenerator) NewID() string {
	return fmt.Sprintf("%s-%d", g.Prefix, g.n.Add(1))
}

// Clock returns the current time. Engine timestamps are always UTC.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }

// FixedClock always returns t.
func FixedClock(t time.Time) Clock {
	return func() time.Time { return t.UTC() }
}
