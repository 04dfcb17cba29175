// Package anchors stores and builds the fixed bank of reference trajectories the
// model's regression head predicts residuals against.
package anchors

import (
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// ErrShape is returned when an anchor set does not match the configured (M, T).
var ErrShape = errors.New("anchor shape mismatch")

// Set is M reference trajectories of T 2D points, row-major (M, T, 2).
type Set struct {
	Modes   int       `cbor:"modes"`
	Horizon int       `cbor:"horizon"`
	Points  []float32 `cbor:"points"`
}

// Check verifies the set is internally consistent and has shape (modes, horizon, 2).
func (s *Set) Check(modes, horizon int) error {
	if len(s.Points) != s.Modes*s.Horizon*2 {
		return errors.Wrapf(ErrShape, "%d points stored for (%d, %d, 2)", len(s.Points), s.Modes, s.Horizon)
	}
	if s.Modes != modes || s.Horizon != horizon {
		return errors.Wrapf(ErrShape, "anchors are (%d, %d, 2), configured (%d, %d, 2)", s.Modes, s.Horizon, modes, horizon)
	}
	return nil
}

// Trajectory returns the points of mode m as a (T*2) slice view.
func (s *Set) Trajectory(m int) []float32 {
	n := s.Horizon * 2
	return s.Points[m*n : (m+1)*n]
}

// Nested returns the anchors as [M][T][2] for use as a graph constant.
func (s *Set) Nested() [][][]float32 {
	out := make([][][]float32, s.Modes)
	for m := range out {
		traj := s.Trajectory(m)
		out[m] = make([][]float32, s.Horizon)
		for t := range out[m] {
			out[m][t] = []float32{traj[2*t], traj[2*t+1]}
		}
	}
	return out
}

// Load reads an anchor file and checks it against the configured (modes, horizon).
func Load(path string, modes, horizon int) (*Set, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading anchors %q", path)
	}
	var s Set
	if err := cbor.Unmarshal(raw, &s); err != nil {
		return nil, errors.Wrapf(err, "decoding anchors %q", path)
	}
	if err := s.Check(modes, horizon); err != nil {
		return nil, errors.Wrapf(err, "anchors %q", path)
	}
	return &s, nil
}

// Save writes s to path, creating parent directories.
func Save(path string, s *Set) error {
	if err := s.Check(s.Modes, s.Horizon); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "creating %q", filepath.Dir(path))
	}
	raw, err := cbor.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "encoding anchors")
	}
	return errors.Wrapf(os.WriteFile(path, raw, 0o644), "writing anchors %q", path)
}
