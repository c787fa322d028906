// Package tracking holds the presentation-facing records of a session:
// confidence, decision reasoning, preference use and progress.
package tracking

import (
	"fmt"
	"math"
	"strings"
)

// Level buckets a confidence score.
type Level string

const (
	LevelHigh   Level = "high"
	LevelMedium Level = "medium"
	LevelLow    Level = "low"
)

const (
	HighThreshold   = 0.8
	MediumThreshold = 0.5
)

// Factor is one signed contribution to a confidence score.
type Factor struct {
	Name         string  `json:"name"`
	Contribution float64 `json:"contribution"`
	Description  string  `json:"description"`
}

// ConfidenceDisplay is derived from a score and its factors; build it with
// NewConfidenceDisplay rather than filling fields by hand.
type ConfidenceDisplay struct {
	Score   float64  `json:"score"`
	Level   Level    `json:"level"`
	Factors []Factor `json:"factors"`
	Tooltip string   `json:"tooltip"`
}

// Clamp bounds v to [0, 1]. NaN maps to 0.
func Clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// LevelFor maps a score to its level.
func LevelFor(score float64) Level {
	switch s := Clamp(score); {
	case s >= HighThreshold:
		return LevelHigh
	case s >= MediumThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}

// NewConfidenceDisplay clamps score and renders the tooltip.
func NewConfidenceDisplay(score float64, factors []Factor) ConfidenceDisplay {
	s := Clamp(score)
	level := LevelFor(s)
	fs := make([]Factor, len(factors))
	copy(fs, factors)

	var b strings.Builder
	fmt.Fprintf(&b, "%s confidence (%.0f%%)", titleCase(string(level)), s*100)
	for i, f := range fs {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%+.0f%% %s", f.Contribution*100, f.Description)
	}

	return ConfidenceDisplay{Score: s, Level: level, Factors: fs, Tooltip: b.String()}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
