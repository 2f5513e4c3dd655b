package layout

import (
	"math"
	"sort"
)

// applyStrategy resolves one cluster in place. The strategy is picked by
// cluster size; historical clusters always resolve with a vertical-only
// strategy because badge X positions are frozen.
func applyStrategy(elems []PositionedElement, cluster []int, z zone, opts Options) {
	switch {
	case len(cluster) <= 1:
		return
	case len(cluster) == 2:
		straddle(elems, cluster, opts)
	case len(cluster) <= 4 || z == zoneHistorical:
		stack(elems, cluster, opts)
	case len(cluster) <= 6:
		fan(elems, cluster, opts)
	default:
		grid(elems, cluster, opts)
	}
}

// straddle spreads a pair symmetrically above and below its centroid by half
// the minimum gap, keeping the elements' original vertical order. Neither
// member is favoured over the other.
func straddle(elems []PositionedElement, cluster []int, opts Options) {
	centroid := centroidY(elems, cluster)
	half := opts.MinGap / 2
	elems[cluster[0]].FinalY = centroid - half
	elems[cluster[1]].FinalY = centroid + half
}

// stack spaces cluster members evenly around their centroid, preserving the
// original vertical order. Only Y moves.
func stack(elems []PositionedElement, cluster []int, opts Options) {
	centroid := centroidY(elems, cluster)
	n := float64(len(cluster))
	for i, idx := range cluster {
		elems[idx].FinalY = centroid + (float64(i)-(n-1)/2)*opts.MinGap
	}
}

// fan spaces the cluster vertically like stack and bows it to the right of
// the original X, with the middle of the arc pushed furthest out.
func fan(elems []PositionedElement, cluster []int, opts Options) {
	centroid := centroidY(elems, cluster)
	n := float64(len(cluster))
	for i, idx := range cluster {
		frac := float64(i) / (n - 1)
		elems[idx].FinalY = centroid + (float64(i)-(n-1)/2)*opts.MinGap
		elems[idx].FinalX = elems[idx].X + opts.FanDepth*math.Sin(frac*math.Pi)
	}
}

// grid lays a large cluster out as a two-column grid to the right of the
// cluster, ordered by value with the deterministic tie-break.
func grid(elems []PositionedElement, cluster []int, opts Options) {
	ordered := make([]int, len(cluster))
	copy(ordered, cluster)
	sort.Slice(ordered, func(a, b int) bool {
		ea, eb := elems[ordered[a]], elems[ordered[b]]
		if ea.Y != eb.Y {
			return ea.Y < eb.Y
		}
		return tieBreakLess(ea.Element, eb.Element)
	})

	centroid := centroidY(elems, cluster)
	rows := (len(ordered) + 1) / 2
	topY := centroid - float64(rows-1)/2*opts.MinGap
	for i, idx := range ordered {
		col := i % 2
		row := i / 2
		elems[idx].FinalX = elems[idx].X + elems[idx].Radius*2 + float64(col)*opts.GridColumnGap
		elems[idx].FinalY = topY + float64(row)*opts.MinGap
	}
}

func centroidY(elems []PositionedElement, cluster []int) float64 {
	sum := 0.0
	for _, idx := range cluster {
		sum += elems[idx].Y
	}
	return sum / float64(len(cluster))
}
