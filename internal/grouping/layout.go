package grouping

import (
	"math"

	"github.com/ontocollab/internal/graph"
)

// Layout constants for placing revealed nodes around a group parent.
// Candidates are sampled at a fixed radius at evenly-spaced angles; each is
// scored by summed distance to every visible node, with a heavy penalty for
// candidates inside the minimum clearance. Deterministic for a given graph
// state: ties break toward the lowest angle index.
const (
	layoutRadius     = 220.0
	layoutAngles     = 12
	minClearance     = 80.0
	clearancePenalty = 100000.0
)

// Point is a 2D canvas position.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PlaceRevealed chooses a position for each revealed node id, in the order
// given, around the parent position. Nodes placed earlier count as visible
// for nodes placed later so revealed siblings spread out instead of
// stacking.
func PlaceRevealed(parent Point, revealIDs []string, visible []graph.NodePos) map[string]Point {
	occupied := make([]Point, 0, len(visible)+len(revealIDs))
	for _, n := range visible {
		occupied = append(occupied, Point{X: n.X, Y: n.Y})
	}

	out := make(map[string]Point, len(revealIDs))
	for _, id := range revealIDs {
		best := candidate(parent, 0)
		bestScore := math.Inf(-1)
		for i := 0; i < layoutAngles; i++ {
			cand := candidate(parent, i)
			score := scorePosition(cand, occupied)
			if score > bestScore {
				bestScore = score
				best = cand
			}
		}
		out[id] = best
		occupied = append(occupied, best)
	}
	return out
}

func candidate(parent Point, angleIndex int) Point {
	theta := 2 * math.Pi * float64(angleIndex) / layoutAngles
	return Point{
		X: parent.X + layoutRadius*math.Cos(theta),
		Y: parent.Y + layoutRadius*math.Sin(theta),
	}
}

func scorePosition(p Point, occupied []Point) float64 {
	score := 0.0
	for _, o := range occupied {
		d := math.Hypot(p.X-o.X, p.Y-o.Y)
		score += d
		if d < minClearance {
			score -= clearancePenalty
		}
	}
	return score
}
