// Package layout positions chart markers so they do not overlap. It is a pure
// function of its input: no state survives between calls, and identical input
// always produces identical output, so renderers can be remounted freely.
package layout

import (
	"math"
	"sort"
)

// Kind distinguishes the two marker families on the chart.
type Kind string

const (
	// KindAvatar marks a live participant at the current tick.
	KindAvatar Kind = "avatar"
	// KindBadge marks a historical event frozen at the tick it happened.
	KindBadge Kind = "badge"
)

// Element is one drawable marker before collision resolution. Avatars sit at
// the current tick; a badge's X is frozen at its recorded tick and must never
// move horizontally.
type Element struct {
	ID            string  `json:"id"`
	Kind          Kind    `json:"kind"`
	X             float64 `json:"x"`
	Y             float64 `json:"y"`
	Radius        float64 `json:"radius"`
	Priority      int     `json:"priority"`
	Tick          int     `json:"tick,omitempty"`
	ParticipantID string  `json:"participantId,omitempty"`
	JoinOrder     int     `json:"joinOrder,omitempty"`
}

// PositionedElement is an element with its resolved position. OffsetX and
// OffsetY record the displacement from the original coordinates.
type PositionedElement struct {
	Element
	FinalX  float64 `json:"finalX"`
	FinalY  float64 `json:"finalY"`
	OffsetX float64 `json:"offsetX"`
	OffsetY float64 `json:"offsetY"`
}

// Connector is a leader line from a displaced element's original position to
// where it ended up.
type Connector struct {
	FromX float64 `json:"fromX"`
	FromY float64 `json:"fromY"`
	ToX   float64 `json:"toX"`
	ToY   float64 `json:"toY"`
}

// Label is a resolved value-label rectangle for one element.
type Label struct {
	ElementID string  `json:"elementId"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Width     float64 `json:"width"`
	Height    float64 `json:"height"`
	Side      string  `json:"side"`
}

// Result is the full output of one layout pass.
type Result struct {
	Elements   []PositionedElement `json:"elements"`
	Connectors []Connector         `json:"connectors"`
	Labels     []Label             `json:"labels"`
}

// Bounds is the visible chart area. Final positions are always clamped inside
// it, even when that reintroduces overlap.
type Bounds struct {
	MinX float64
	MinY float64
	MaxX float64
	MaxY float64
}

// Options tunes one layout pass. The zero value picks workable chart defaults
// for everything except Bounds, which callers must set.
type Options struct {
	Bounds Bounds

	// CurrentTick locates "now" on the X axis. Badges within
	// RecencyThreshold ticks of it are resolved together with the avatars.
	CurrentTick      int
	RecencyThreshold int

	// ClusterThreshold is the pairwise distance below which two elements
	// belong to the same cluster. Zero means 3x the larger radius of the
	// pair.
	ClusterThreshold float64

	// MinGap is the vertical spacing strategies aim for between resolved
	// cluster members.
	MinGap float64

	// MaxIterations bounds the global relaxation pass. When it runs out the
	// best effort so far is returned with any residual overlap.
	MaxIterations int

	FanDepth      float64
	GridColumnGap float64

	LabelWidth  float64
	LabelHeight float64
	LabelGap    float64
}

const (
	defaultRecencyThreshold = 3
	defaultMinGap           = 24
	defaultMaxIterations    = 8
	defaultFanDepth         = 36
	defaultGridColumnGap    = 28
	defaultLabelWidth       = 48
	defaultLabelHeight      = 14
	defaultLabelGap         = 6
)

func (o Options) withDefaults() Options {
	if o.RecencyThreshold <= 0 {
		o.RecencyThreshold = defaultRecencyThreshold
	}
	if o.MinGap <= 0 {
		o.MinGap = defaultMinGap
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = defaultMaxIterations
	}
	if o.FanDepth <= 0 {
		o.FanDepth = defaultFanDepth
	}
	if o.GridColumnGap <= 0 {
		o.GridColumnGap = defaultGridColumnGap
	}
	if o.LabelWidth <= 0 {
		o.LabelWidth = defaultLabelWidth
	}
	if o.LabelHeight <= 0 {
		o.LabelHeight = defaultLabelHeight
	}
	if o.LabelGap <= 0 {
		o.LabelGap = defaultLabelGap
	}
	return o
}

// Layout resolves collisions among the given elements. It never fails for
// structurally valid input; an empty input yields an empty result.
func Layout(elements []Element, opts Options) Result {
	opts = opts.withDefaults()
	if len(elements) == 0 {
		return Result{Elements: []PositionedElement{}, Connectors: []Connector{}, Labels: []Label{}}
	}

	positioned := make([]PositionedElement, len(elements))
	for i, e := range elements {
		positioned[i] = PositionedElement{Element: e, FinalX: e.X, FinalY: e.Y}
	}
	// A stable, content-derived order makes every later step deterministic
	// regardless of caller ordering.
	sort.Slice(positioned, func(i, j int) bool {
		return tieBreakLess(positioned[i].Element, positioned[j].Element)
	})

	current, historical := partition(positioned, opts)

	for _, cluster := range detectClusters(positioned, current, zoneCurrent, opts) {
		applyStrategy(positioned, cluster, zoneCurrent, opts)
	}
	for _, cluster := range detectClusters(positioned, historical, zoneHistorical, opts) {
		applyStrategy(positioned, cluster, zoneHistorical, opts)
	}

	relax(positioned, opts)
	clamp(positioned, opts.Bounds)

	for i := range positioned {
		positioned[i].OffsetX = positioned[i].FinalX - positioned[i].X
		positioned[i].OffsetY = positioned[i].FinalY - positioned[i].Y
	}

	return Result{
		Elements:   positioned,
		Connectors: connectors(positioned),
		Labels:     placeLabels(positioned, opts),
	}
}

type zone int

const (
	zoneCurrent zone = iota
	zoneHistorical
)

// partition splits element indexes between the current zone (avatars plus
// recent badges) and the historical zone. Historical badges keep their X
// forever.
func partition(elems []PositionedElement, opts Options) (current, historical []int) {
	for i, e := range elems {
		if e.Kind == KindAvatar || opts.CurrentTick-e.Tick <= opts.RecencyThreshold {
			current = append(current, i)
		} else {
			historical = append(historical, i)
		}
	}
	return current, historical
}

// relax runs a bounded vertical repulsion pass over all elements to shave off
// overlap that cluster strategies left between neighbouring clusters. It only
// moves elements vertically, so frozen badge X positions stay intact.
func relax(elems []PositionedElement, opts Options) {
	for iter := 0; iter < opts.MaxIterations; iter++ {
		moved := false
		for i := range elems {
			for j := i + 1; j < len(elems); j++ {
				a, b := &elems[i], &elems[j]
				need := a.Radius + b.Radius
				dx := b.FinalX - a.FinalX
				dy := b.FinalY - a.FinalY
				if math.Abs(dx) >= need {
					continue
				}
				dist := math.Hypot(dx, dy)
				if dist >= need {
					continue
				}
				push := (need - math.Abs(dy)) / 2
				if push <= 0 {
					continue
				}
				if dy >= 0 {
					a.FinalY -= push
					b.FinalY += push
				} else {
					a.FinalY += push
					b.FinalY -= push
				}
				moved = true
			}
		}
		if !moved {
			return
		}
	}
}

// clamp forces every final position inside the chart bounds. Bounds win over
// whatever the strategies produced.
func clamp(elems []PositionedElement, b Bounds) {
	if b.MaxX <= b.MinX && b.MaxY <= b.MinY {
		return
	}
	for i := range elems {
		elems[i].FinalX = clampValue(elems[i].FinalX, b.MinX+elems[i].Radius, b.MaxX-elems[i].Radius)
		elems[i].FinalY = clampValue(elems[i].FinalY, b.MinY+elems[i].Radius, b.MaxY-elems[i].Radius)
	}
}

func clampValue(v, lo, hi float64) float64 {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// connectors emits a leader line for every element displaced further than one
// and a half radii from where it started.
func connectors(elems []PositionedElement) []Connector {
	out := []Connector{}
	for _, e := range elems {
		displacement := math.Hypot(e.FinalX-e.X, e.FinalY-e.Y)
		if displacement > 1.5*e.Radius {
			out = append(out, Connector{FromX: e.X, FromY: e.Y, ToX: e.FinalX, ToY: e.FinalY})
		}
	}
	return out
}
