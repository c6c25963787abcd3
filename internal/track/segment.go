// Package track models named track segments and the three-tier metadata store
// (memory cache, disk cache, optional remote generator) that supplies them.
package track

import (
	"fmt"
	"sort"
)

// SegmentKind classifies a named portion of a lap.
type SegmentKind string

const (
	KindCorner   SegmentKind = "corner"
	KindStraight SegmentKind = "straight"
	KindChicane  SegmentKind = "chicane"
)

// KnownKind reports whether k is one of the closed segment kinds.
func KnownKind(k SegmentKind) bool {
	return k == KindCorner || k == KindStraight || k == KindChicane
}

// Segment is a named portion of a track lap in lap-distance fractions.
// StartPct may exceed EndPct for a segment that wraps the start/finish line.
type Segment struct {
	Name        string      `json:"name"`
	StartPct    float64     `json:"start_pct"`
	EndPct      float64     `json:"end_pct"`
	Kind        SegmentKind `json:"kind"`
	Description string      `json:"description,omitempty"`
}

// Contains reports whether the lap distance fraction pct falls inside the
// segment, handling the start/finish wrap.
func (s Segment) Contains(pct float64) bool {
	if s.StartPct <= s.EndPct {
		return pct >= s.StartPct && pct < s.EndPct
	}
	return pct >= s.StartPct || pct < s.EndPct
}

// Span returns the segment length as a lap fraction, wrap-aware.
func (s Segment) Span() float64 {
	if s.StartPct <= s.EndPct {
		return s.EndPct - s.StartPct
	}
	return 1 - s.StartPct + s.EndPct
}

// Fraction returns where pct sits within the segment, 0 at entry and 1 at
// exit. Values are clamped to [0,1].
func (s Segment) Fraction(pct float64) float64 {
	span := s.Span()
	if span <= 0 {
		return 0
	}
	var into float64
	if s.StartPct <= s.EndPct || pct >= s.StartPct {
		into = pct - s.StartPct
	} else {
		into = 1 - s.StartPct + pct
	}
	f := into / span
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Layout is the per-track metadata: named segments plus optional sector
// boundary overrides.
type Layout struct {
	Track            string    `json:"track"`
	SectorBoundaries []float64 `json:"sector_boundaries,omitempty"`
	Segments         []Segment `json:"segments"`
}

// Validate checks the TrackSegment invariants: known kinds, fractions in
// range, and no overlap between segments. Gaps are permitted (deliberately
// excluded stretches); overlaps are not.
func (l *Layout) Validate() error {
	if l.Track == "" {
		return fmt.Errorf("layout missing track name")
	}
	if len(l.Segments) == 0 {
		return fmt.Errorf("layout for %q has no segments", l.Track)
	}
	seen := make(map[string]bool, len(l.Segments))
	wrapped := 0
	for _, seg := range l.Segments {
		if seg.Name == "" {
			return fmt.Errorf("segment with empty name")
		}
		if seen[seg.Name] {
			return fmt.Errorf("duplicate segment name %q", seg.Name)
		}
		seen[seg.Name] = true
		if !KnownKind(seg.Kind) {
			return fmt.Errorf("segment %q has unknown kind %q", seg.Name, seg.Kind)
		}
		if seg.StartPct < 0 || seg.StartPct >= 1 || seg.EndPct < 0 || seg.EndPct > 1 {
			return fmt.Errorf("segment %q fractions out of range [%f,%f]", seg.Name, seg.StartPct, seg.EndPct)
		}
		if seg.StartPct > seg.EndPct {
			wrapped++
		}
		if seg.Span() <= 0 {
			return fmt.Errorf("segment %q has zero span", seg.Name)
		}
	}
	if wrapped > 1 {
		return fmt.Errorf("more than one segment wraps the start/finish line")
	}

	// Overlap check on the sorted non-wrapping segments.
	sorted := make([]Segment, 0, len(l.Segments))
	for _, seg := range l.Segments {
		if seg.StartPct <= seg.EndPct {
			sorted = append(sorted, seg)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartPct < sorted[j].StartPct })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].StartPct < sorted[i-1].EndPct {
			return fmt.Errorf("segments %q and %q overlap", sorted[i-1].Name, sorted[i].Name)
		}
	}

	for i, b := range l.SectorBoundaries {
		if b < 0 || b >= 1 {
			return fmt.Errorf("sector boundary %f out of range", b)
		}
		if i > 0 && b <= l.SectorBoundaries[i-1] {
			return fmt.Errorf("sector boundaries not strictly increasing")
		}
	}
	return nil
}

// SegmentAt returns the segment containing the lap fraction, or nil when the
// fraction falls in a deliberately excluded gap.
func (l *Layout) SegmentAt(pct float64) *Segment {
	for i := range l.Segments {
		if l.Segments[i].Contains(pct) {
			return &l.Segments[i]
		}
	}
	return nil
}

// Corners returns the segments of kind corner in layout order.
func (l *Layout) Corners() []Segment {
	var out []Segment
	for _, s := range l.Segments {
		if s.Kind == KindCorner {
			out = append(out, s)
		}
	}
	return out
}

// Degenerate returns the fallback layout used when no metadata exists for a
// track: a single full-lap straight, so the segment analyzer keeps operating.
func Degenerate(track string) *Layout {
	return &Layout{
		Track: track,
		Segments: []Segment{{
			Name:     "full_lap",
			StartPct: 0,
			EndPct:   1,
			Kind:     KindStraight,
		}},
	}
}
