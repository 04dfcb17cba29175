package scenario

import (
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/Noofbiz/wayformer/config"
)

const metaHeader = "is_vru,track_orient,track_length,dist_to_ego,scenario_file,track_id"

// writeMeta writes a metadata CSV with the given rows and returns a config pointing at it.
func writeMeta(t *testing.T, rows []string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meta.csv")
	body := metaHeader + "\n" + strings.Join(rows, "\n") + "\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write meta csv: %v", err)
	}
	cfg := config.Default()
	cfg.Data.MetaFile = path
	return cfg
}

// fakeParser returns a one-track scenario whose ID is the file name, and fails for
// files containing "broken".
func fakeParser() Parser {
	return ParserFunc(func(path string) (*Scenario, error) {
		if strings.Contains(path, "broken") {
			return nil, errors.New("broken scenario")
		}
		return &Scenario{ID: filepath.Base(path), Tracks: []Track{{ID: 1, States: make([]State, 3)}}}, nil
	})
}

func TestGeneratorFilter(t *testing.T) {
	cfg := writeMeta(t, []string{
		"0,STRAIGHT,SHORT,10,keep_a.bin,1",
		"1,STRAIGHT,SHORT,10,vru.bin,2",              // vulnerable road user
		"0,U_TURN,SHORT,10,uturn.bin,3",              // orientation not kept
		"0,LEFT_TURN,STATIONARY,10,stationary.bin,4", // length not kept
		"0,RIGHT_TURN,LONG,0,dist_zero.bin,5",        // distance must be > 0
		"0,RIGHT_TURN,LONG,80,dist_80.bin,6",         // distance must be < 80
		"0,RIGHT_TURN,LONG,79.9,keep_b.bin,7",
		"0,STRAIGHT_LEFT,MEDIUM,0.1,keep_c.bin,8",
	})
	g, err := NewGenerator(cfg, fakeParser())
	require.NoError(t, err)
	require.Equal(t, 3, g.IndexLen())
	require.Equal(t, "keep_a.bin", g.Row(0).ScenarioFile)
	require.Equal(t, int64(7), g.Row(1).TrackID)
	require.Equal(t, "keep_c.bin", g.Row(2).ScenarioFile)
	require.Equal(t, []string{"RIGHT_TURN", "STRAIGHT", "STRAIGHT_LEFT"}, g.Categories())
}

func TestGeneratorCapsAt500(t *testing.T) {
	rows := make([]string, 0, 800)
	rows = append(rows, "1,STRAIGHT,SHORT,10,vru.bin,0")
	for i := range 799 {
		rows = append(rows, fmt.Sprintf("0,STRAIGHT,SHORT,10,s%03d.bin,%d", i, i))
	}
	cfg := writeMeta(t, rows)
	g, err := NewGenerator(cfg, fakeParser())
	require.NoError(t, err)
	require.Equal(t, 500, g.IndexLen())
	// Deterministic truncation: the first qualifying rows survive, in order.
	require.Equal(t, "s000.bin", g.Row(0).ScenarioFile)
	require.Equal(t, "s499.bin", g.Row(499).ScenarioFile)
	// Nominal length is configured, not derived from the index.
	require.Equal(t, 10000, g.Len())
}

func TestGeneratorBalancedSampling(t *testing.T) {
	// 90% STRAIGHT, 9% LEFT_TURN, 1% RIGHT_TURN.
	var rows []string
	for i := range 100 {
		orient := "STRAIGHT"
		switch {
		case i < 1:
			orient = "RIGHT_TURN"
		case i < 10:
			orient = "LEFT_TURN"
		}
		rows = append(rows, fmt.Sprintf("0,%s,MEDIUM,5,%s_%d.bin,%d", orient, orient, i, i))
	}
	cfg := writeMeta(t, rows)
	g, err := NewGenerator(cfg, fakeParser(), WithRand(rand.New(rand.NewPCG(7, 11))))
	require.NoError(t, err)

	const draws = 30000
	counts := map[string]int{}
	for range draws {
		s, ok := g.Get(true)
		require.True(t, ok)
		counts[strings.SplitN(s.Scenario.ID, "_", 2)[0]]++
	}
	// "STRAIGHT_LEFT"-style ids are not present here, so the prefix is the category.
	for _, k := range []string{"STRAIGHT", "LEFT", "RIGHT"} {
		frac := float64(counts[k]) / draws
		require.InDelta(t, 1.0/3.0, frac, 0.02, "category %s drawn %.3f of the time", k, frac)
	}

	// Unbalanced draws follow the population skew instead.
	straight := 0
	for range draws {
		s, ok := g.Get(false)
		require.True(t, ok)
		if strings.HasPrefix(s.Scenario.ID, "STRAIGHT") {
			straight++
		}
	}
	require.InDelta(t, 0.9, float64(straight)/draws, 0.02)
}

func TestGeneratorParseFailureAndEmptyIndex(t *testing.T) {
	cfg := writeMeta(t, []string{"0,STRAIGHT,SHORT,10,broken.bin,1"})
	g, err := NewGenerator(cfg, fakeParser())
	require.NoError(t, err)
	_, ok := g.Get(false)
	require.False(t, ok)
	_, ok = g.Get(true)
	require.False(t, ok)

	empty := writeMeta(t, []string{"1,STRAIGHT,SHORT,10,vru.bin,1"})
	g, err = NewGenerator(empty, fakeParser())
	require.NoError(t, err)
	require.Equal(t, 0, g.IndexLen())
	_, ok = g.Get(false)
	require.False(t, ok)
	_, ok = g.Get(true)
	require.False(t, ok)

	// Header only.
	g, err = NewGenerator(writeMeta(t, nil), fakeParser())
	require.NoError(t, err)
	require.Equal(t, 0, g.IndexLen())
	require.Empty(t, g.Categories())
	_, ok = g.Get(true)
	require.False(t, ok)
	for range g.Scenarios() {
		t.Fatal("empty index yielded a scenario")
	}

	// No header at all is still an error.
	noHeader := filepath.Join(t.TempDir(), "meta.csv")
	require.NoError(t, os.WriteFile(noHeader, nil, 0o644))
	cfg.Data.MetaFile = noHeader
	_, err = NewGenerator(cfg, fakeParser())
	require.Error(t, err)
}

func TestGeneratorSkipsMalformedScenarios(t *testing.T) {
	cfg := writeMeta(t, []string{"0,STRAIGHT,SHORT,10,ragged.bin,1"})
	ragged := ParserFunc(func(path string) (*Scenario, error) {
		return &Scenario{ID: "ragged", CurrentIndex: 2, Tracks: []Track{
			{ID: 1, States: make([]State, 3)},
			{ID: 2, States: make([]State, 1)},
		}}, nil
	})
	g, err := NewGenerator(cfg, ragged)
	require.NoError(t, err)
	_, ok := g.Load(0)
	require.False(t, ok)
	_, ok = g.Get(false)
	require.False(t, ok)

	nilScenario := ParserFunc(func(string) (*Scenario, error) { return nil, nil })
	g, err = NewGenerator(cfg, nilScenario)
	require.NoError(t, err)
	_, ok = g.Load(0)
	require.False(t, ok)
}

func TestGeneratorScenariosInIndexOrder(t *testing.T) {
	cfg := writeMeta(t, []string{
		"0,STRAIGHT,SHORT,10,a.bin,1",
		"0,STRAIGHT,SHORT,10,broken.bin,2",
		"0,LEFT_TURN,LONG,10,c.bin,3",
	})
	g, err := NewGenerator(cfg, fakeParser())
	require.NoError(t, err)

	collect := func() []string {
		var ids []string
		for i, s := range g.Scenarios() {
			ids = append(ids, fmt.Sprintf("%d:%s:%d", i, s.Scenario.ID, s.TrackID))
		}
		return ids
	}
	first := collect()
	require.Equal(t, []string{"0:a.bin:1", "2:c.bin:3"}, first)
	// Restartable and unaffected by Get.
	g.Get(false)
	require.Equal(t, first, collect())
}

func TestCBORParserRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scene.cbor")
	sc := &Scenario{
		ID:           "scene",
		CurrentIndex: 1,
		Tracks: []Track{{ID: 4, Type: TypeCyclist, States: []State{
			{X: 1, Y: 2, Valid: true}, {X: 2, Y: 3, Heading: float32(math.Pi / 2), Valid: true},
		}}},
		Polylines: []Polyline{{ID: 9, Points: []Point{{X: 0, Y: 0}, {X: 1, Y: 0}}}},
	}
	require.NoError(t, WriteCBOR(path, sc))
	got, err := CBORParser{}.Parse(path)
	require.NoError(t, err)
	require.Equal(t, sc, got)

	tr, ok := Sample{Scenario: got, TrackID: 4}.Focused()
	require.True(t, ok)
	require.Equal(t, "cyclist", tr.Type.String())

	require.NoError(t, os.WriteFile(path, []byte("not cbor"), 0o644))
	_, err = CBORParser{}.Parse(path)
	require.Error(t, err)
}
