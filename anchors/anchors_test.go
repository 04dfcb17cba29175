package anchors

import (
	"math/rand/v2"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveLoadAndShapeCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "anchors.cbor")
	s := &Set{Modes: 2, Horizon: 3, Points: []float32{0, 0, 1, 0, 2, 0, 0, 0, 0, 1, 0, 2}}
	require.NoError(t, Save(path, s))

	got, err := Load(path, 2, 3)
	require.NoError(t, err)
	require.Equal(t, s, got)
	require.Equal(t, [][]float32{{0, 0}, {0, 1}, {0, 2}}, got.Nested()[1])

	_, err = Load(path, 3, 3)
	require.ErrorIs(t, err, ErrShape)
	_, err = Load(path, 2, 4)
	require.ErrorIs(t, err, ErrShape)

	require.ErrorIs(t, Save(path, &Set{Modes: 2, Horizon: 3, Points: []float32{1}}), ErrShape)
}

func TestKMeansSeparatesClusters(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	var trajs [][]float64
	// Three well separated families of 2-step trajectories: straight, left, right.
	for _, base := range [][]float64{{5, 0, 10, 0}, {4, 3, 6, 8}, {4, -3, 6, -8}} {
		for range 20 {
			tr := make([]float64, len(base))
			for i, v := range base {
				tr[i] = v + rng.NormFloat64()*0.1
			}
			trajs = append(trajs, tr)
		}
	}
	s, err := KMeans(trajs, 3, 2, 50, rng)
	require.NoError(t, err)
	require.NoError(t, s.Check(3, 2))

	ends := make([]float64, 0, 3)
	for m := range s.Modes {
		ends = append(ends, float64(s.Trajectory(m)[3]))
	}
	sort.Float64s(ends)
	require.InDelta(t, -8, ends[0], 0.2)
	require.InDelta(t, 0, ends[1], 0.2)
	require.InDelta(t, 8, ends[2], 0.2)

	_, err = KMeans(trajs[:2], 3, 2, 10, rng)
	require.Error(t, err)
}
