// Package scenario holds the in-memory driving scene model and the generator that
// samples scenes from a filtered metadata index.
package scenario

import (
	"math"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// ObjectType classifies a tracked agent.
type ObjectType int

const (
	TypeUnset ObjectType = iota
	TypeVehicle
	TypePedestrian
	TypeCyclist
	TypeOther
)

func (t ObjectType) String() string {
	switch t {
	case TypeVehicle:
		return "vehicle"
	case TypePedestrian:
		return "pedestrian"
	case TypeCyclist:
		return "cyclist"
	case TypeOther:
		return "other"
	}
	return "unset"
}

// State is the kinematic state of one agent at one time step.
type State struct {
	X       float32 `cbor:"x"`
	Y       float32 `cbor:"y"`
	Heading float32 `cbor:"heading"`
	VX      float32 `cbor:"vx"`
	VY      float32 `cbor:"vy"`
	Valid   bool    `cbor:"valid"`
}

// Track is the time-indexed history and future of one agent.
type Track struct {
	ID     int64      `cbor:"id"`
	Type   ObjectType `cbor:"type"`
	States []State    `cbor:"states"`
}

// Point is a 2D map point.
type Point struct {
	X float32 `cbor:"x"`
	Y float32 `cbor:"y"`
}

// Polyline is one map element (lane centre, road line or edge) as an ordered list of points.
type Polyline struct {
	ID     int64   `cbor:"id"`
	Points []Point `cbor:"points"`
}

// Scenario is one driving scene. It is not modified after parsing.
type Scenario struct {
	ID string `cbor:"id"`
	// CurrentIndex is the time index of "now": steps up to and including it are
	// history, the ones after it are the future to predict.
	CurrentIndex int        `cbor:"current_index"`
	Tracks       []Track    `cbor:"tracks"`
	Polylines    []Polyline `cbor:"polylines"`
}

// Track returns the track with the given id.
func (s *Scenario) Track(id int64) (*Track, bool) {
	for i := range s.Tracks {
		if s.Tracks[i].ID == id {
			return &s.Tracks[i], true
		}
	}
	return nil, false
}

// Sample is what the generator hands out: a scene and the focused track to predict.
type Sample struct {
	Scenario *Scenario
	TrackID  int64
}

// Focused returns the focused track of the sample.
func (s Sample) Focused() (*Track, bool) {
	if s.Scenario == nil {
		return nil, false
	}
	return s.Scenario.Track(s.TrackID)
}

// Parser resolves a scenario file reference into a Scenario.
type Parser interface {
	Parse(path string) (*Scenario, error)
}

// ParserFunc adapts a function to the Parser interface.
type ParserFunc func(path string) (*Scenario, error)

// Parse calls f(path).
func (f ParserFunc) Parse(path string) (*Scenario, error) { return f(path) }

// CBORParser reads scenarios stored as CBOR files.
type CBORParser struct{}

// Parse implements Parser.
func (CBORParser) Parse(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading scenario %q", path)
	}
	var s Scenario
	if err := cbor.Unmarshal(raw, &s); err != nil {
		return nil, errors.Wrapf(err, "decoding scenario %q", path)
	}
	if err := s.Validate(); err != nil {
		return nil, errors.Wrapf(err, "scenario %q", path)
	}
	return &s, nil
}

// WriteCBOR stores s at path in the format read by CBORParser.
func WriteCBOR(path string, s *Scenario) error {
	raw, err := cbor.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "encoding scenario")
	}
	return errors.Wrapf(os.WriteFile(path, raw, 0o644), "writing scenario %q", path)
}

// Validate checks that every track has the same number of states, positions are
// not NaN and CurrentIndex addresses a recorded step.
func (s *Scenario) Validate() error {
	if len(s.Tracks) == 0 {
		return errors.New("no tracks")
	}
	steps := len(s.Tracks[0].States)
	for _, tr := range s.Tracks {
		if len(tr.States) != steps {
			return errors.Errorf("track %d has %d states, want %d", tr.ID, len(tr.States), steps)
		}
		for _, st := range tr.States {
			if math.IsNaN(float64(st.X)) || math.IsNaN(float64(st.Y)) {
				return errors.Errorf("track %d has NaN positions", tr.ID)
			}
		}
	}
	if s.CurrentIndex < 0 || s.CurrentIndex >= steps {
		return errors.Errorf("current index %d out of range [0, %d)", s.CurrentIndex, steps)
	}
	return nil
}
