package scoring

import (
	"errors"
	"math"
)

// ErrNegativeTotal is returned by StrictLevel for totals below zero.
var ErrNegativeTotal = errors.New("negative point total")

// Options configures a Calculator.
type Options struct {
	// MinPoints is the floor applied to calculated awards unless
	// AllowNegative is set.
	MinPoints     int64
	AllowNegative bool
	Ladder        Ladder
}

// Calculator is pure scoring math: no I/O, no mutable state.
type Calculator struct {
	minPoints     int64
	allowNegative bool
	ladder        Ladder
}

// New builds a Calculator. A nil ladder selects DefaultLadder.
func New(opts Options) (*Calculator, error) {
	ladder := opts.Ladder
	if len(ladder) == 0 {
		ladder = DefaultLadder()
	}
	if err := ladder.Validate(); err != nil {
		return nil, err
	}
	cp := make(Ladder, len(ladder))
	copy(cp, ladder)
	return &Calculator{minPoints: opts.MinPoints, allowNegative: opts.AllowNegative, ladder: cp}, nil
}

// Default returns a calculator over DefaultLadder that allows negatives.
func Default() *Calculator {
	c, _ := New(Options{AllowNegative: true})
	return c
}

// Ladder returns a copy of the configured ladder.
func (c *Calculator) Ladder() Ladder {
	cp := make(Ladder, len(c.ladder))
	copy(cp, c.ladder)
	return cp
}

// AllowNegative reports whether results may fall below MinPoints.
func (c *Calculator) AllowNegative() bool { return c.allowNegative }

// Calculate returns round(base*multiplier + bonus - penalty) using
// round-half-to-even, clamped to MinPoints unless negatives are allowed.
func (c *Calculator) Calculate(base int64, multiplier float64, bonus, penalty int64) int64 {
	raw := float64(base)*multiplier + float64(bonus) - float64(penalty)
	points := int64(math.RoundToEven(raw))
	if !c.allowNegative && points < c.minPoints {
		points = c.minPoints
	}
	return points
}

// CalculateFromRule applies the multiplier of level to a rule's points.
func (c *Calculator) CalculateFromRule(points int64, level int, bonus int64) int64 {
	return c.Calculate(points, c.Multiplier(level), bonus, 0)
}

// Multiplier returns the per-level multiplier. Levels outside the ladder
// clamp to its ends.
func (c *Calculator) Multiplier(level int) float64 {
	return c.ladder.at(level).Multiplier
}

// Level maps a cumulative total onto the ladder. Negative totals clamp to
// the first level.
func (c *Calculator) Level(total int64) int {
	level := 1
	for _, lvl := range c.ladder {
		if total >= lvl.MinPoints {
			level = lvl.Number
		}
	}
	return level
}

// StrictLevel is Level but rejects negative totals.
func (c *Calculator) StrictLevel(total int64) (int, error) {
	if total < 0 {
		return 0, ErrNegativeTotal
	}
	return c.Level(total), nil
}

// LevelInfo describes one tier. MaxPoints is nil for the top tier.
type LevelInfo struct {
	Level      int      `json:"level"`
	Name       string   `json:"name"`
	MinPoints  int64    `json:"min_points"`
	MaxPoints  *int64   `json:"max_points"`
	Multiplier float64  `json:"multiplier"`
	Perks      []string `json:"perks"`
}

// LevelInfo returns the tier description for level, clamped to the ladder.
func (c *Calculator) LevelInfo(level int) LevelInfo {
	lvl := c.ladder.at(level)
	info := LevelInfo{
		Level:      lvl.Number,
		Name:       lvl.Name,
		MinPoints:  lvl.MinPoints,
		Multiplier: lvl.Multiplier,
		Perks:      append([]string{}, lvl.Perks...),
	}
	if lvl.Number < c.ladder.Max() {
		maxPts := c.ladder[lvl.Number].MinPoints - 1
		info.MaxPoints = &maxPts
	}
	return info
}

// Progress describes how far a total is through its current tier.
type Progress struct {
	CurrentLevel int     `json:"current_level"`
	NextLevel    *int    `json:"next_level"`
	PointsNeeded int64   `json:"points_needed"`
	Percentage   float64 `json:"progress_percentage"`
}

// Progress reports the position of total within its tier, rounded to two
// decimals. At the top tier it saturates at 100% with nothing needed.
func (c *Calculator) Progress(total int64) Progress {
	level := c.Level(total)
	if level == c.ladder.Max() {
		return Progress{CurrentLevel: level, Percentage: 100}
	}
	cur := c.ladder.at(level)
	next := c.ladder.at(level + 1)
	span := float64(next.MinPoints - cur.MinPoints)
	inTier := float64(total - cur.MinPoints)
	pct := math.RoundToEven(inTier/span*100*100) / 100
	if pct < 0 {
		pct = 0
	}
	nextLevel := next.Number
	return Progress{
		CurrentLevel: level,
		NextLevel:    &nextLevel,
		PointsNeeded: next.MinPoints - total,
		Percentage:   pct,
	}
}
