package datasets

import (
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/Noofbiz/wayformer/config"
	"github.com/Noofbiz/wayformer/scenario"
)

// Per-step feature widths of the three input channels.
const (
	// AgentFeatures: x, y, cos(heading), sin(heading), vx, vy, valid.
	AgentFeatures = 7
	// MapFeatures: x, y, dx, dy to the next point.
	MapFeatures = 4
)

// Dims fixes the padded shape of one example.
type Dims struct {
	History   int // Th
	Future    int // T
	Nearby    int // Sa
	Map       int // Sr
	MapPoints int // Tm
	Radius    float64
}

// DimsFromConfig reads the example shape from cfg.
func DimsFromConfig(cfg *config.Config) Dims {
	return Dims{
		History:   cfg.Track.HistorySize,
		Future:    cfg.Track.FutureSize,
		Nearby:    cfg.Data.NearbySize,
		Map:       cfg.Data.MapSize,
		MapPoints: cfg.Data.MapPoints,
		Radius:    cfg.Data.NearbyRadius,
	}
}

// Example is one featurized sample in flat, row-major buffers. Coordinates are in
// the focused agent's frame at the current step (origin at its position, x along
// its heading).
type Example struct {
	Agent      []float32 // (1, Th, AgentFeatures)
	AgentMask  []bool    // (1, Th)
	Nearby     []float32 // (Sa, Th, AgentFeatures)
	NearbyMask []bool    // (Sa, Th)
	Map        []float32 // (Sr, Tm, MapFeatures)
	MapMask    []bool    // (Sr, Tm)
	Target     []float32 // (T, 2)
	TargetMask []bool    // (T)
}

type frame struct {
	x0, y0, h0, c, s float64
}

func (f frame) point(x, y float32) (float32, float32) {
	dx, dy := float64(x)-f.x0, float64(y)-f.y0
	return float32(f.c*dx + f.s*dy), float32(-f.s*dx + f.c*dy)
}

func (f frame) vector(x, y float32) (float32, float32) {
	return float32(f.c*float64(x) + f.s*float64(y)), float32(-f.s*float64(x) + f.c*float64(y))
}

// Featurize turns a sample into an Example of the given dims. It fails if the
// scenario is malformed or the focused track is missing or not valid at the
// current step.
func Featurize(sample scenario.Sample, d Dims) (*Example, error) {
	sc := sample.Scenario
	if sc == nil {
		return nil, errors.New("nil scenario")
	}
	if err := sc.Validate(); err != nil {
		return nil, errors.Wrapf(err, "scenario %q", sc.ID)
	}
	focus, ok := sc.Track(sample.TrackID)
	if !ok {
		return nil, errors.Errorf("scenario %q has no track %d", sc.ID, sample.TrackID)
	}
	now := sc.CurrentIndex
	cur := focus.States[now]
	if !cur.Valid {
		return nil, errors.Errorf("track %d not valid at current step of %q", focus.ID, sc.ID)
	}
	f := frame{x0: float64(cur.X), y0: float64(cur.Y), h0: float64(cur.Heading)}
	f.c, f.s = math.Cos(f.h0), math.Sin(f.h0)

	ex := &Example{
		Agent:      make([]float32, d.History*AgentFeatures),
		AgentMask:  make([]bool, d.History),
		Nearby:     make([]float32, d.Nearby*d.History*AgentFeatures),
		NearbyMask: make([]bool, d.Nearby*d.History),
		Map:        make([]float32, d.Map*d.MapPoints*MapFeatures),
		MapMask:    make([]bool, d.Map*d.MapPoints),
		Target:     make([]float32, d.Future*2),
		TargetMask: make([]bool, d.Future),
	}
	writeHistory(focus, now, f, d.History, ex.Agent, ex.AgentMask)

	for slot, tr := range nearbyTracks(sc, focus, d) {
		off := slot * d.History
		writeHistory(tr, now, f, d.History, ex.Nearby[off*AgentFeatures:(off+d.History)*AgentFeatures], ex.NearbyMask[off:off+d.History])
	}

	for slot, pl := range nearestPolylines(sc, f, d.Map) {
		writeRoute(pl, f, d.MapPoints, ex.Map[slot*d.MapPoints*MapFeatures:(slot+1)*d.MapPoints*MapFeatures], ex.MapMask[slot*d.MapPoints:(slot+1)*d.MapPoints])
	}

	for t := range d.Future {
		idx := now + 1 + t
		if idx >= len(focus.States) || !focus.States[idx].Valid {
			continue
		}
		st := focus.States[idx]
		ex.Target[2*t], ex.Target[2*t+1] = f.point(st.X, st.Y)
		ex.TargetMask[t] = true
	}
	return ex, nil
}

// writeHistory fills the Th steps ending at now; steps before the recording start
// or marked invalid stay zero with a false mask.
func writeHistory(tr *scenario.Track, now int, f frame, steps int, feats []float32, mask []bool) {
	for i := range steps {
		idx := now - steps + 1 + i
		if idx < 0 || !tr.States[idx].Valid {
			continue
		}
		st := tr.States[idx]
		x, y := f.point(st.X, st.Y)
		vx, vy := f.vector(st.VX, st.VY)
		h := float64(st.Heading) - f.h0
		o := i * AgentFeatures
		copy(feats[o:o+AgentFeatures], []float32{x, y, float32(math.Cos(h)), float32(math.Sin(h)), vx, vy, 1})
		mask[i] = true
	}
}

func writeRoute(pl scenario.Polyline, f frame, points int, feats []float32, mask []bool) {
	n := min(points, len(pl.Points))
	for i := range n {
		x, y := f.point(pl.Points[i].X, pl.Points[i].Y)
		var dx, dy float32
		if i+1 < len(pl.Points) {
			nx, ny := f.point(pl.Points[i+1].X, pl.Points[i+1].Y)
			dx, dy = nx-x, ny-y
		}
		copy(feats[i*MapFeatures:(i+1)*MapFeatures], []float32{x, y, dx, dy})
		mask[i] = true
	}
}

// nearbyTracks returns up to d.Nearby other tracks valid at the current step and
// within d.Radius of the focused agent, nearest first.
func nearbyTracks(sc *scenario.Scenario, focus *scenario.Track, d Dims) []*scenario.Track {
	type cand struct {
		tr   *scenario.Track
		dist float64
	}
	cur := focus.States[sc.CurrentIndex]
	var cands []cand
	for i := range sc.Tracks {
		tr := &sc.Tracks[i]
		if tr.ID == focus.ID || !tr.States[sc.CurrentIndex].Valid {
			continue
		}
		st := tr.States[sc.CurrentIndex]
		dist := math.Hypot(float64(st.X-cur.X), float64(st.Y-cur.Y))
		if d.Radius > 0 && dist > d.Radius {
			continue
		}
		cands = append(cands, cand{tr, dist})
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
	out := make([]*scenario.Track, 0, min(d.Nearby, len(cands)))
	for _, c := range cands[:min(d.Nearby, len(cands))] {
		out = append(out, c.tr)
	}
	return out
}

// nearestPolylines returns up to n polylines ordered by their closest point to the origin.
func nearestPolylines(sc *scenario.Scenario, f frame, n int) []scenario.Polyline {
	type cand struct {
		pl   scenario.Polyline
		dist float64
	}
	var cands []cand
	for _, pl := range sc.Polylines {
		if len(pl.Points) == 0 {
			continue
		}
		best := math.Inf(1)
		for _, p := range pl.Points {
			best = math.Min(best, math.Hypot(float64(p.X)-f.x0, float64(p.Y)-f.y0))
		}
		cands = append(cands, cand{pl, best})
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
	out := make([]scenario.Polyline, 0, min(n, len(cands)))
	for _, c := range cands[:min(n, len(cands))] {
		out = append(out, c.pl)
	}
	return out
}
