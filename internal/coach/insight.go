// Package coach turns analyzer output into coaching insights, decides which
// of them earn remote natural-language enrichment, and carries the remote
// adapter.
package coach

import (
	"github.com/apex-data/racecoach/internal/window"
)

// Category is the closed set of coaching categories.
type Category string

const (
	CategoryBraking     Category = "braking"
	CategoryThrottle    Category = "throttle"
	CategoryCornering   Category = "cornering"
	CategoryRacingLine  Category = "racing_line"
	CategoryConsistency Category = "consistency"
	CategoryTires       Category = "tires"
	CategoryFuel        Category = "fuel"
	CategoryStrategy    Category = "strategy"
	CategorySafety      Category = "safety"
	CategoryBaseline    Category = "baseline"
	CategoryTechnique   Category = "technique"
	CategoryGeneral     Category = "general"
)

// KnownCategory reports whether c is one of the closed categories.
func KnownCategory(c Category) bool {
	switch c {
	case CategoryBraking, CategoryThrottle, CategoryCornering, CategoryRacingLine,
		CategoryConsistency, CategoryTires, CategoryFuel, CategoryStrategy,
		CategorySafety, CategoryBaseline, CategoryTechnique, CategoryGeneral:
		return true
	}
	return false
}

// Source identifies where an insight's text came from.
type Source string

const (
	SourceLocal    Source = "local_ml"
	SourceRemote   Source = "remote"
	SourceCombined Source = "combined"
)

// Insight is a candidate coaching message before queue admission.
type Insight struct {
	Text       string           `json:"text"`
	Category   Category         `json:"category"`
	Corner     string           `json:"corner,omitempty"`
	Priority   int              `json:"priority"` // 1..10
	Confidence float64          `json:"confidence"`
	Importance float64          `json:"importance"`
	TimeLoss   float64          `json:"time_loss"` // estimated seconds recoverable
	Source     Source           `json:"source"`
	Time       float64          `json:"time"` // session seconds
	Audio      []byte           `json:"audio,omitempty"`
	Context    *window.Snapshot `json:"-"`
}
