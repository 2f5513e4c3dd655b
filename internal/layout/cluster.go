package layout

import (
	"hash/fnv"
	"math"
	"sort"
)

// currentXWeight de-emphasises horizontal distance when clustering the
// current zone, where all avatars share nearly the same X and only vertical
// proximity matters.
const currentXWeight = 0.25

// detectClusters groups the given element indexes into clusters whose members
// are transitively closer than the cluster threshold. Cluster membership is
// computed with a weighted distance per zone; the returned clusters and their
// members are in deterministic order.
func detectClusters(elems []PositionedElement, indexes []int, z zone, opts Options) [][]int {
	parent := make(map[int]int, len(indexes))
	for _, i := range indexes {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	for x := 0; x < len(indexes); x++ {
		for y := x + 1; y < len(indexes); y++ {
			a, b := elems[indexes[x]], elems[indexes[y]]
			threshold := opts.ClusterThreshold
			if threshold <= 0 {
				threshold = 3 * math.Max(a.Radius, b.Radius)
			}
			if zoneDistance(a, b, z) < threshold {
				union(indexes[x], indexes[y])
			}
		}
	}

	grouped := make(map[int][]int)
	for _, i := range indexes {
		root := find(i)
		grouped[root] = append(grouped[root], i)
	}

	clusters := make([][]int, 0, len(grouped))
	for _, members := range grouped {
		sort.Slice(members, func(a, b int) bool {
			return clusterMemberLess(elems[members[a]], elems[members[b]])
		})
		clusters = append(clusters, members)
	}
	sort.Slice(clusters, func(a, b int) bool {
		return clusterMemberLess(elems[clusters[a][0]], elems[clusters[b][0]])
	})
	return clusters
}

// zoneDistance measures how close two elements are for clustering purposes.
// The current zone weights Y heavily; the historical zone treats both axes
// equally since badges are scattered across time.
func zoneDistance(a, b PositionedElement, z zone) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	if z == zoneCurrent {
		dx *= currentXWeight
	}
	return math.Hypot(dx, dy)
}

// clusterMemberLess orders cluster members by original vertical position,
// breaking ties deterministically.
func clusterMemberLess(a, b PositionedElement) bool {
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return tieBreakLess(a.Element, b.Element)
}

// tieBreakLess is the deterministic order for elements whose values collide:
// participant identifier first, then join order, then a stable hash of the
// element id. Nothing here depends on input ordering.
func tieBreakLess(a, b Element) bool {
	if a.ParticipantID != b.ParticipantID {
		return a.ParticipantID < b.ParticipantID
	}
	if a.JoinOrder != b.JoinOrder {
		return a.JoinOrder < b.JoinOrder
	}
	ha, hb := stableHash(a.ID), stableHash(b.ID)
	if ha != hb {
		return ha < hb
	}
	return a.ID < b.ID
}

func stableHash(id string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64()
}
