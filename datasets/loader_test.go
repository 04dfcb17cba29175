package datasets

import (
	"fmt"
	"math"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/Noofbiz/wayformer/config"
	"github.com/Noofbiz/wayformer/scenario"
)

// straightScenario builds a scene where track 1 drives along +y (heading pi/2) at
// 1 m/step and track 2 sits still 3 m to its right.
func straightScenario(id string, steps, now int) *scenario.Scenario {
	focus := scenario.Track{ID: 1, Type: scenario.TypeVehicle}
	other := scenario.Track{ID: 2, Type: scenario.TypeVehicle}
	for i := range steps {
		focus.States = append(focus.States, scenario.State{
			X: 10, Y: float32(i), Heading: math.Pi / 2, VY: 1, Valid: true,
		})
		other.States = append(other.States, scenario.State{X: 13, Y: float32(now), Valid: i >= now-1})
	}
	return &scenario.Scenario{
		ID:           id,
		CurrentIndex: now,
		Tracks:       []scenario.Track{focus, other},
		Polylines: []scenario.Polyline{
			{ID: 1, Points: []scenario.Point{{X: 10, Y: 0}, {X: 10, Y: 1}, {X: 10, Y: 2}}},
		},
	}
}

func testDims() Dims {
	return Dims{History: 3, Future: 4, Nearby: 2, Map: 2, MapPoints: 3, Radius: 50}
}

func TestFeaturizeFrameAndMasks(t *testing.T) {
	d := testDims()
	ex, err := Featurize(scenario.Sample{Scenario: straightScenario("s", 8, 5), TrackID: 1}, d)
	require.NoError(t, err)

	// Current agent step sits at the origin facing +x.
	last := ex.Agent[(d.History-1)*AgentFeatures : d.History*AgentFeatures]
	require.InDeltaSlice(t, []float32{0, 0, 1, 0, 1, 0, 1}, last, 1e-5)
	// One step earlier it was 1 m behind.
	require.InDelta(t, -1, ex.Agent[(d.History-2)*AgentFeatures], 1e-5)
	require.Equal(t, []bool{true, true, true}, ex.AgentMask)

	// The parked car is 3 m to the right: y = -3 in the agent frame, valid for the
	// last two history steps only. The second nearby slot is padding.
	require.Equal(t, []bool{false, true, true, false, false, false}, ex.NearbyMask)
	o := 2 * AgentFeatures
	require.InDelta(t, 0, ex.Nearby[o], 1e-5)
	require.InDelta(t, -3, ex.Nearby[o+1], 1e-5)

	// Only 2 future steps exist after index 5 of 8.
	require.Equal(t, []bool{true, true, false, false}, ex.TargetMask)
	require.InDeltaSlice(t, []float32{1, 0, 2, 0, 0, 0, 0, 0}, ex.Target, 1e-5)

	// The lane polyline fills the first map slot.
	require.Equal(t, []bool{true, true, true, false, false, false}, ex.MapMask)
	require.InDelta(t, 1, ex.Map[2], 1e-5) // dx along +x in the agent frame
}

func TestFeaturizeRejectsInvalidFocus(t *testing.T) {
	sc := straightScenario("s", 8, 5)
	sc.Tracks[0].States[5].Valid = false
	_, err := Featurize(scenario.Sample{Scenario: sc, TrackID: 1}, testDims())
	require.Error(t, err)
	_, err = Featurize(scenario.Sample{Scenario: sc, TrackID: 99}, testDims())
	require.Error(t, err)
}

func TestFeaturizeRejectsMalformedScenario(t *testing.T) {
	short := straightScenario("short", 8, 5)
	short.Tracks[1].States = short.Tracks[1].States[:2]
	require.NotPanics(t, func() {
		_, err := Featurize(scenario.Sample{Scenario: short, TrackID: 1}, testDims())
		require.Error(t, err)
	})

	late := straightScenario("late", 8, 5)
	late.CurrentIndex = 8
	require.NotPanics(t, func() {
		_, err := Featurize(scenario.Sample{Scenario: late, TrackID: 1}, testDims())
		require.Error(t, err)
	})
}

// memSource is an in-memory scenario source with n rows; rows listed in broken fail.
type memSource struct {
	n       int
	broken  map[int]bool
	nominal int
}

func (m *memSource) IndexLen() int { return m.n }
func (m *memSource) Len() int      { return m.nominal }
func (m *memSource) Reseed(uint64) {}
func (m *memSource) Load(i int) (scenario.Sample, bool) {
	if m.broken[i] {
		return scenario.Sample{}, false
	}
	return scenario.Sample{Scenario: straightScenario(fmt.Sprint(i), 8, 3), TrackID: 1}, true
}
func (m *memSource) Get(bool) (scenario.Sample, bool) { return m.Load(0) }

func loaderConfig(batch int) *config.Config {
	cfg := config.Default()
	cfg.Train.BatchSize = batch
	cfg.Track.HistorySize, cfg.Track.FutureSize = 3, 4
	cfg.Data.NearbySize, cfg.Data.MapSize, cfg.Data.MapPoints = 2, 2, 3
	return cfg
}

func TestLoaderShardsAreDisjointAndEqual(t *testing.T) {
	cfg := loaderConfig(2)
	src := &memSource{n: 23}
	const world = 3

	for epoch := range 3 {
		seen := map[int]bool{}
		var lens []int
		for rank := range world {
			l := NewLoader(cfg, src, rank, world, logr.Discard())
			l.Shuffle(epoch)
			shard := l.Shard()
			require.Len(t, shard, 23/world)
			for _, idx := range shard {
				require.False(t, seen[idx], "row %d assigned twice in epoch %d", idx, epoch)
				seen[idx] = true
			}
			lens = append(lens, l.Len())
		}
		require.Equal(t, []int{3, 3, 3}, lens)
	}

	// Same epoch, same order on every call; different epochs differ.
	a := NewLoader(cfg, src, 0, world, logr.Discard())
	b := NewLoader(cfg, src, 0, world, logr.Discard())
	a.Shuffle(4)
	b.Shuffle(4)
	require.Equal(t, a.Shard(), b.Shard())
	b.Shuffle(5)
	require.NotEqual(t, a.Shard(), b.Shard())
}

func TestLoaderBatchSkipsBrokenRows(t *testing.T) {
	cfg := loaderConfig(4)
	src := &memSource{n: 8, broken: map[int]bool{0: true, 3: true, 5: true}}
	l := NewLoader(cfg, src, 0, 1, logr.Discard())
	require.Equal(t, 2, l.Len())
	for i := range l.Len() {
		b, err := l.Batch(i)
		require.NoError(t, err)
		require.Equal(t, 4, b.Size)
		require.Len(t, b.Target, 4*cfg.Track.FutureSize*2)

		ts := b.Tensors()
		require.Len(t, ts, NumInputs)
		require.Equal(t, []int{4, 2, 3, AgentFeatures}, ts[2].Shape().Dimensions)
		require.Equal(t, []int{4, cfg.Track.FutureSize}, ts[7].Shape().Dimensions)
	}
	_, err := l.Batch(2)
	require.Error(t, err)

	all := &memSource{n: 4, broken: map[int]bool{0: true, 1: true, 2: true, 3: true}}
	l = NewLoader(cfg, all, 0, 1, logr.Discard())
	_, err = l.Batch(0)
	require.ErrorIs(t, err, ErrNoSample)
}

func TestLoaderGeneratorSampler(t *testing.T) {
	cfg := loaderConfig(5)
	cfg.Train.Sampler = config.SamplerGenerator
	src := &memSource{n: 1, nominal: 100}
	l := NewLoader(cfg, src, 1, 2, logr.Discard())
	require.Equal(t, 10, l.Len())
	b, err := l.Batch(9)
	require.NoError(t, err)
	require.Equal(t, 5, b.Size)
}
