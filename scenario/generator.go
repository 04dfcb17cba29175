package scenario

import (
	"bytes"
	"io"
	"iter"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/Noofbiz/wayformer/config"
)

// Metadata columns of the scenario index.
const (
	ColIsVRU        = "is_vru"
	ColTrackOrient  = "track_orient"
	ColTrackLength  = "track_length"
	ColDistToEgo    = "dist_to_ego"
	ColScenarioFile = "scenario_file"
	ColTrackID      = "track_id"
)

// Motion-pattern categories kept by the generator filter.
var keptOrients = []string{"STRAIGHT", "STRAIGHT_LEFT", "STRAIGHT_RIGHT", "LEFT_TURN", "RIGHT_TURN"}

// Trajectory-length categories kept by the generator filter.
var keptLengths = []string{"SHORT", "MEDIUM", "LONG"}

const maxDistToEgo = 80.0

// Record is one row of the filtered metadata index.
type Record struct {
	TrackOrient  string
	TrackLength  string
	DistToEgo    float64
	ScenarioFile string
	TrackID      int64
}

// Generator samples scenarios from the filtered, capped metadata index.
type Generator struct {
	parser  Parser
	log     logr.Logger
	baseDir string
	nominal int

	rows   []Record
	groups map[string][]int
	keys   []string

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures a Generator.
type Option func(*Generator)

// WithRand sets the random source used by Get.
func WithRand(r *rand.Rand) Option {
	return func(g *Generator) { g.rng = r }
}

// WithLogger sets the logger used to report skipped rows.
func WithLogger(log logr.Logger) Option {
	return func(g *Generator) { g.log = log }
}

// NewGenerator loads cfg.Data.MetaFile, applies the fixed filter and keeps the first
// cfg.Data.MaxRows qualifying rows. Relative scenario_file entries are resolved
// against the metadata file's directory.
func NewGenerator(cfg *config.Config, parser Parser, opts ...Option) (*Generator, error) {
	f, err := os.Open(cfg.Data.MetaFile)
	if err != nil {
		return nil, errors.Wrapf(err, "opening scenario index %q", cfg.Data.MetaFile)
	}
	defer f.Close()

	g := &Generator{
		parser:  parser,
		log:     logr.Discard(),
		baseDir: filepath.Dir(cfg.Data.MetaFile),
		nominal: cfg.Data.NominalLength,
		rng:     rand.New(rand.NewPCG(uint64(cfg.RNGSeed), 0x5eed)),
	}
	for _, opt := range opts {
		opt(g)
	}
	if err := g.load(f, cfg.Data.MaxRows); err != nil {
		return nil, errors.Wrapf(err, "loading scenario index %q", cfg.Data.MetaFile)
	}
	g.log.Info("scenario index loaded", "rows", len(g.rows), "categories", g.keys)
	return g, nil
}

func (g *Generator) load(r io.Reader, maxRows int) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrap(err, "reading index")
	}
	header, body, _ := bytes.Cut(raw, []byte("\n"))
	if len(bytes.TrimSpace(header)) == 0 {
		return errors.New("index has no header")
	}
	// gota refuses a header without records; that is an empty index.
	if len(bytes.TrimSpace(body)) == 0 {
		g.rows, g.groups, g.keys = nil, map[string][]int{}, nil
		return nil
	}

	df := dataframe.ReadCSV(bytes.NewReader(raw), dataframe.WithTypes(map[string]series.Type{
		ColIsVRU:        series.Int,
		ColTrackOrient:  series.String,
		ColTrackLength:  series.String,
		ColDistToEgo:    series.Float,
		ColScenarioFile: series.String,
		ColTrackID:      series.Int,
	}))
	if df.Err != nil {
		return df.Err
	}
	df = df.
		Filter(dataframe.F{Colname: ColIsVRU, Comparator: series.Eq, Comparando: 0}).
		Filter(dataframe.F{Colname: ColTrackOrient, Comparator: series.In, Comparando: keptOrients}).
		Filter(dataframe.F{Colname: ColTrackLength, Comparator: series.In, Comparando: keptLengths}).
		Filter(dataframe.F{Colname: ColDistToEgo, Comparator: series.Greater, Comparando: 0.0}).
		Filter(dataframe.F{Colname: ColDistToEgo, Comparator: series.Less, Comparando: maxDistToEgo})
	if df.Err != nil {
		return df.Err
	}
	if maxRows > 0 && df.Nrow() > maxRows {
		idx := make([]int, maxRows)
		for i := range idx {
			idx[i] = i
		}
		df = df.Subset(idx)
		if df.Err != nil {
			return df.Err
		}
	}

	n := df.Nrow()
	orients := df.Col(ColTrackOrient).Records()
	lengths := df.Col(ColTrackLength).Records()
	dists := df.Col(ColDistToEgo).Float()
	files := df.Col(ColScenarioFile).Records()
	ids, err := df.Col(ColTrackID).Int()
	if err != nil {
		return errors.Wrap(err, "reading track ids")
	}

	g.rows = make([]Record, n)
	g.groups = make(map[string][]int)
	for i := range n {
		g.rows[i] = Record{
			TrackOrient:  orients[i],
			TrackLength:  lengths[i],
			DistToEgo:    dists[i],
			ScenarioFile: files[i],
			TrackID:      int64(ids[i]),
		}
		g.groups[orients[i]] = append(g.groups[orients[i]], i)
	}
	g.keys = make([]string, 0, len(g.groups))
	for k := range g.groups {
		g.keys = append(g.keys, k)
	}
	sort.Strings(g.keys)
	return nil
}

// Len reports the configured nominal length (DATA.NOMINAL_LENGTH). It is
// deliberately independent of the index size; see IndexLen for that.
func (g *Generator) Len() int { return g.nominal }

// IndexLen is the number of rows kept after filtering and capping.
func (g *Generator) IndexLen() int { return len(g.rows) }

// Row returns the metadata of indexed row i.
func (g *Generator) Row(i int) Record { return g.rows[i] }

// Categories lists the motion-pattern categories present in the index, sorted.
func (g *Generator) Categories() []string { return append([]string(nil), g.keys...) }

// Get draws one sample. With balance, a motion-pattern category is drawn uniformly
// first and then a row within it; otherwise a row is drawn uniformly. It returns
// false when the index is empty or the scenario file cannot be parsed; callers
// retry or skip.
func (g *Generator) Get(balance bool) (Sample, bool) {
	if len(g.rows) == 0 {
		g.log.V(1).Info("scenario index is empty")
		return Sample{}, false
	}
	g.mu.Lock()
	var idx int
	if balance {
		rows := g.groups[g.keys[g.rng.IntN(len(g.keys))]]
		idx = rows[g.rng.IntN(len(rows))]
	} else {
		idx = g.rng.IntN(len(g.rows))
	}
	g.mu.Unlock()
	return g.Load(idx)
}

// Reseed restarts the random source used by Get from seed.
func (g *Generator) Reseed(seed uint64) {
	g.mu.Lock()
	g.rng = rand.New(rand.NewPCG(seed, 0x5eed))
	g.mu.Unlock()
}

// Load parses indexed row i. It returns false if i is out of range or parsing fails.
func (g *Generator) Load(i int) (Sample, bool) {
	if i < 0 || i >= len(g.rows) {
		return Sample{}, false
	}
	row := g.rows[i]
	sc, err := g.parser.Parse(g.resolve(row.ScenarioFile))
	if err == nil && sc == nil {
		err = errors.New("parser returned no scenario")
	}
	if err == nil {
		err = sc.Validate()
	}
	if err != nil {
		g.log.V(1).Info("skipping scenario", "file", row.ScenarioFile, "err", err)
		return Sample{}, false
	}
	return Sample{Scenario: sc, TrackID: row.TrackID}, true
}

// Scenarios iterates over all indexed rows in index order, parsing each lazily.
// Rows that fail to parse are skipped. The sequence can be ranged over any number
// of times and is independent of Get.
func (g *Generator) Scenarios() iter.Seq2[int, Sample] {
	return func(yield func(int, Sample) bool) {
		for i := range g.rows {
			s, ok := g.Load(i)
			if !ok {
				continue
			}
			if !yield(i, s) {
				return
			}
		}
	}
}

func (g *Generator) resolve(path string) string {
	if filepath.IsAbs(path) || g.baseDir == "" {
		return path
	}
	return filepath.Join(g.baseDir, path)
}
