package logging

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// ScalarWriter records named scalar series (e.g. train_loss per batch).
// Rows are appended to <dir>/scalars.csv as they arrive; Close renders one PNG
// curve per tag.
type ScalarWriter struct {
	mu     sync.Mutex
	dir    string
	file   *os.File
	w      *csv.Writer
	series map[string]plotter.XYs
}

// NewScalarWriter creates dir if needed and opens <dir>/scalars.csv for appending.
func NewScalarWriter(dir string) (*ScalarWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating scalar dir %q", dir)
	}
	path := filepath.Join(dir, "scalars.csv")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", path)
	}
	s := &ScalarWriter{
		dir:    dir,
		file:   f,
		w:      csv.NewWriter(f),
		series: make(map[string]plotter.XYs),
	}
	if st, err := f.Stat(); err == nil && st.Size() == 0 {
		if err := s.w.Write([]string{"tag", "step", "value"}); err != nil {
			_ = f.Close()
			return nil, errors.Wrap(err, "writing scalar header")
		}
	}
	return s, nil
}

// AddScalar records value for tag at step.
func (s *ScalarWriter) AddScalar(tag string, value float64, step int) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.series[tag] = append(s.series[tag], plotter.XY{X: float64(step), Y: value})
	if err := s.w.Write([]string{tag, strconv.Itoa(step), strconv.FormatFloat(value, 'g', -1, 64)}); err != nil {
		return errors.Wrapf(err, "writing scalar %q", tag)
	}
	s.w.Flush()
	return s.w.Error()
}

// Series returns a copy of the points recorded for tag.
func (s *ScalarWriter) Series(tag string) plotter.XYs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(plotter.XYs(nil), s.series[tag]...)
}

// Close flushes the CSV file and renders <dir>/<tag>.png for every tag.
func (s *ScalarWriter) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	err := s.w.Error()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	tags := make([]string, 0, len(s.series))
	for tag := range s.series {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		if perr := plotSeries(filepath.Join(s.dir, tag+".png"), tag, s.series[tag]); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

func plotSeries(path, tag string, xys plotter.XYs) error {
	if len(xys) == 0 {
		return nil
	}
	p := plot.New()
	p.Title.Text = tag
	p.X.Label.Text = "step"
	p.Y.Label.Text = tag

	line, err := plotter.NewLine(xys)
	if err != nil {
		return errors.Wrapf(err, "building line for %q", tag)
	}
	line.Width = vg.Points(1)
	p.Add(line)
	p.Add(plotter.NewGrid())

	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "saving plot %q", path)
	}
	return nil
}
