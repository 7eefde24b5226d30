package scoring

import (
	"errors"
	"fmt"
	"strings"
)

// Level is one tier of the ladder.
type Level struct {
	Number     int      `json:"level" yaml:"level"`
	Name       string   `json:"name" yaml:"name"`
	MinPoints  int64    `json:"min_points" yaml:"min_points"`
	Multiplier float64  `json:"multiplier" yaml:"multiplier"`
	Perks      []string `json:"perks,omitempty" yaml:"perks"`
}

// Ladder is the ordered list of tiers. Level i+1 lives at index i.
type Ladder []Level

// DefaultLadder is used when the catalog does not declare its own levels.
func DefaultLadder() Ladder {
	return Ladder{
		{Number: 1, Name: "Security Apprentice", MinPoints: 0, Multiplier: 1.0},
		{Number: 2, Name: "Code Watcher", MinPoints: 500, Multiplier: 1.0,
			Perks: []string{"Advanced dashboard access"}},
		{Number: 3, Name: "DevSecOps Guardian", MinPoints: 1500, Multiplier: 1.1,
			Perks: []string{"Advanced dashboard access", "Point multiplier x1.1"}},
		{Number: 4, Name: "Elite Sentinel", MinPoints: 4000, Multiplier: 1.2,
			Perks: []string{"Advanced dashboard access", "Point multiplier x1.2", "Can start team missions"}},
		{Number: 5, Name: "Security Master", MinPoints: 10000, Multiplier: 1.5,
			Perks: []string{"Advanced dashboard access", "Point multiplier x1.5", "Can start team missions", "Hall of fame recognition"}},
	}
}

// Validate checks the ladder is non-empty, numbered 1..n, starts at zero
// points, has strictly ascending thresholds and non-decreasing multipliers.
func (l Ladder) Validate() error {
	if len(l) == 0 {
		return errors.New("ladder must declare at least one level")
	}
	var errs []string
	for i, lvl := range l {
		if lvl.Number != i+1 {
			errs = append(errs, fmt.Sprintf("level at position %d must be numbered %d, got %d", i+1, i+1, lvl.Number))
		}
		if lvl.Multiplier <= 0 {
			errs = append(errs, fmt.Sprintf("level %d multiplier must be positive", lvl.Number))
		}
		if i == 0 {
			if lvl.MinPoints != 0 {
				errs = append(errs, "first level must start at 0 points")
			}
			continue
		}
		prev := l[i-1]
		if lvl.MinPoints <= prev.MinPoints {
			errs = append(errs, fmt.Sprintf("level %d threshold %d must exceed level %d threshold %d", lvl.Number, lvl.MinPoints, prev.Number, prev.MinPoints))
		}
		if lvl.Multiplier < prev.Multiplier {
			errs = append(errs, fmt.Sprintf("level %d multiplier %.2f is lower than level %d multiplier %.2f", lvl.Number, lvl.Multiplier, prev.Number, prev.Multiplier))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid level ladder: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Max is the highest level number.
func (l Ladder) Max() int { return len(l) }

// at clamps n into the ladder and returns that tier.
func (l Ladder) at(n int) Level {
	if n < 1 {
		n = 1
	}
	if n > len(l) {
		n = len(l)
	}
	return l[n-1]
}
