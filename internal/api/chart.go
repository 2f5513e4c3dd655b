package api

import (
	"fmt"
	"time"

	"example.com/sessiontimeline/internal/layout"
	"example.com/sessiontimeline/internal/observability"
	"example.com/sessiontimeline/internal/session"
)

// ChartSpec maps session data onto chart coordinates: ticks run along X,
// coin totals along Y (higher totals sit higher, so Y is inverted).
type ChartSpec struct {
	Width        float64
	Height       float64
	AvatarRadius float64
	BadgeRadius  float64
}

const (
	defaultChartWidth   = 800
	defaultChartHeight  = 600
	defaultAvatarRadius = 16
	defaultBadgeRadius  = 10
)

func (s ChartSpec) withDefaults() ChartSpec {
	if s.Width <= 0 {
		s.Width = defaultChartWidth
	}
	if s.Height <= 0 {
		s.Height = defaultChartHeight
	}
	if s.AvatarRadius <= 0 {
		s.AvatarRadius = defaultAvatarRadius
	}
	if s.BadgeRadius <= 0 {
		s.BadgeRadius = defaultBadgeRadius
	}
	return s
}

func (s ChartSpec) bounds() layout.Bounds {
	return layout.Bounds{MinX: 0, MinY: 0, MaxX: s.Width, MaxY: s.Height}
}

func (s ChartSpec) tickX(tick, totalTicks int) float64 {
	if totalTicks <= 1 {
		return s.Width / 2
	}
	return float64(tick) / float64(totalTicks-1) * s.Width
}

func (s ChartSpec) coinsY(coins, maxCoins float64) float64 {
	if maxCoins <= 0 {
		return s.Height / 2
	}
	return s.Height - coins/maxCoins*s.Height
}

// chartElements derives layout input from a frame: one avatar per live
// participant at the latest committed tick, one frozen badge per dropout.
func chartElements(frame session.FrameData, spec ChartSpec) []layout.Element {
	maxCoins := 0.0
	for _, p := range frame.Participants {
		if p.Coins > maxCoins {
			maxCoins = p.Coins
		}
	}
	for _, d := range frame.Dropouts {
		if d.Value > maxCoins {
			maxCoins = d.Value
		}
	}

	currentTick := frame.Tick - 1
	if currentTick < 0 {
		currentTick = 0
	}

	elements := make([]layout.Element, 0, len(frame.Participants)+len(frame.Dropouts))
	for _, p := range frame.Participants {
		elements = append(elements, layout.Element{
			ID:            "avatar:" + p.ProfileID,
			Kind:          layout.KindAvatar,
			X:             spec.tickX(currentTick, frame.Tick),
			Y:             spec.coinsY(p.Coins, maxCoins),
			Radius:        spec.AvatarRadius,
			Priority:      1,
			Tick:          currentTick,
			ParticipantID: p.ProfileID,
			JoinOrder:     p.JoinOrder,
		})
	}
	for _, d := range frame.Dropouts {
		elements = append(elements, layout.Element{
			ID:            fmt.Sprintf("badge:%s:%d", d.ParticipantID, d.Tick),
			Kind:          layout.KindBadge,
			X:             spec.tickX(d.Tick, frame.Tick),
			Y:             spec.coinsY(d.Value, maxCoins),
			Radius:        spec.BadgeRadius,
			Tick:          d.Tick,
			ParticipantID: d.ParticipantID,
		})
	}
	return elements
}

// layoutFrame runs the layout engine over a frame and reports the pass
// duration.
func layoutFrame(frame session.FrameData, spec ChartSpec) layout.Result {
	spec = spec.withDefaults()
	started := time.Now()
	result := layout.Layout(chartElements(frame, spec), layout.Options{
		Bounds:      spec.bounds(),
		CurrentTick: frame.Tick,
	})
	observability.ObserveLayoutDuration(time.Since(started))
	return result
}
