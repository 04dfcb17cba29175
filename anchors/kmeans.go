package anchors

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// KMeans clusters fully observed future trajectories (each of length horizon*2, in
// the agent frame) into modes anchors with k-means++ seeding and Lloyd iterations.
// Clusters that end up empty are re-seeded from the trajectory farthest from its
// centre.
func KMeans(trajs [][]float64, modes, horizon, iters int, rng *rand.Rand) (*Set, error) {
	if len(trajs) < modes {
		return nil, errors.Errorf("need at least %d trajectories for %d anchors, got %d", modes, modes, len(trajs))
	}
	dim := horizon * 2
	for i, tr := range trajs {
		if len(tr) != dim {
			return nil, errors.Errorf("trajectory %d has %d values, want %d", i, len(tr), dim)
		}
	}

	centres := seedPlusPlus(trajs, modes, rng)
	assign := make([]int, len(trajs))
	for range iters {
		changed := false
		for i, tr := range trajs {
			best := nearest(centres, tr)
			if best != assign[i] {
				assign[i], changed = best, true
			}
		}
		counts := make([]int, modes)
		sums := make([][]float64, modes)
		for m := range sums {
			sums[m] = make([]float64, dim)
		}
		for i, tr := range trajs {
			floats.Add(sums[assign[i]], tr)
			counts[assign[i]]++
		}
		for m := range centres {
			if counts[m] == 0 {
				copy(centres[m], trajs[farthest(trajs, centres, assign)])
				changed = true
				continue
			}
			floats.ScaleTo(centres[m], 1/float64(counts[m]), sums[m])
		}
		if !changed {
			break
		}
	}

	s := &Set{Modes: modes, Horizon: horizon, Points: make([]float32, 0, modes*dim)}
	for _, c := range centres {
		for _, v := range c {
			s.Points = append(s.Points, float32(v))
		}
	}
	return s, nil
}

func seedPlusPlus(trajs [][]float64, k int, rng *rand.Rand) [][]float64 {
	centres := make([][]float64, 0, k)
	centres = append(centres, append([]float64(nil), trajs[rng.IntN(len(trajs))]...))
	d2 := make([]float64, len(trajs))
	for len(centres) < k {
		for i, tr := range trajs {
			d := floats.Distance(tr, centres[nearest(centres, tr)], 2)
			d2[i] = d * d
		}
		total := floats.Sum(d2)
		pick := 0
		if total > 0 {
			r := rng.Float64() * total
			for i, v := range d2 {
				r -= v
				if r <= 0 {
					pick = i
					break
				}
			}
		} else {
			pick = rng.IntN(len(trajs))
		}
		centres = append(centres, append([]float64(nil), trajs[pick]...))
	}
	return centres
}

func nearest(centres [][]float64, tr []float64) int {
	best, bestD := 0, math.Inf(1)
	for m, c := range centres {
		if d := floats.Distance(tr, c, 2); d < bestD {
			best, bestD = m, d
		}
	}
	return best
}

func farthest(trajs, centres [][]float64, assign []int) int {
	idx, far := 0, -1.0
	for i, tr := range trajs {
		if d := floats.Distance(tr, centres[assign[i]], 2); d > far {
			idx, far = i, d
		}
	}
	return idx
}
