package datasets

import (
	"math/rand/v2"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/Noofbiz/wayformer/config"
	"github.com/Noofbiz/wayformer/scenario"
)

// Source is the scenario supply a Loader draws from; *scenario.Generator implements it.
type Source interface {
	IndexLen() int
	Len() int
	Load(i int) (scenario.Sample, bool)
	Get(balance bool) (scenario.Sample, bool)
	Reseed(seed uint64)
}

// ErrNoSample is returned when a batch slot cannot be filled from the source.
var ErrNoSample = errors.New("no sample could be produced")

// Loader yields the batches of one worker. With the index sampler every indexed row
// is visited once per epoch in a permutation seeded by (RNG_SEED, epoch); worker
// rank takes perm[rank::size], truncated so every worker sees the same number of
// batches. With the generator sampler, DATA.NOMINAL_LENGTH draws are split between
// workers.
type Loader struct {
	src       Source
	dims      Dims
	batchSize int
	rank      int
	size      int
	seed      int64
	sampler   string
	balance   bool
	log       logr.Logger

	order []int
}

// NewLoader builds the loader of worker rank out of size.
func NewLoader(cfg *config.Config, src Source, rank, size int, log logr.Logger) *Loader {
	l := &Loader{
		src:       src,
		dims:      DimsFromConfig(cfg),
		batchSize: cfg.Train.BatchSize,
		rank:      rank,
		size:      size,
		seed:      cfg.RNGSeed,
		sampler:   cfg.Train.Sampler,
		balance:   cfg.Train.Balance,
		log:       log,
	}
	l.Shuffle(0)
	return l
}

// Shuffle implements Dataset.
func (l *Loader) Shuffle(epoch int) {
	if l.sampler == config.SamplerGenerator {
		l.src.Reseed(uint64(l.seed)*1_000_003 + uint64(epoch)*7919 + uint64(l.rank))
		l.order = nil
		return
	}
	n := l.src.IndexLen()
	perm := rand.New(rand.NewPCG(uint64(l.seed), uint64(epoch))).Perm(n)
	per := n / l.size
	l.order = make([]int, 0, per)
	for i := l.rank; i < n && len(l.order) < per; i += l.size {
		l.order = append(l.order, perm[i])
	}
}

// Shard returns the indexed rows assigned to this worker for the current epoch.
func (l *Loader) Shard() []int { return append([]int(nil), l.order...) }

// Len implements Dataset.
func (l *Loader) Len() int {
	if l.sampler == config.SamplerGenerator {
		return l.src.Len() / l.size / l.batchSize
	}
	return len(l.order) / l.batchSize
}

// Batch implements Dataset. Slots whose scenario fails to parse or featurize are
// refilled from the next rows of the shard (index sampler) or by drawing again
// (generator sampler).
func (l *Loader) Batch(i int) (*Batch, error) {
	if i < 0 || i >= l.Len() {
		return nil, errors.Errorf("batch %d out of range [0, %d)", i, l.Len())
	}
	examples := make([]*Example, 0, l.batchSize)
	for slot := range l.batchSize {
		ex, err := l.fill(i*l.batchSize + slot)
		if err != nil {
			return nil, errors.Wrapf(err, "batch %d slot %d", i, slot)
		}
		examples = append(examples, ex)
	}
	return MakeBatch(examples, l.dims)
}

func (l *Loader) fill(pos int) (*Example, error) {
	attempts := len(l.order)
	if l.sampler == config.SamplerGenerator {
		attempts = 10 * l.batchSize
	}
	for k := range attempts {
		var (
			s  scenario.Sample
			ok bool
		)
		if l.sampler == config.SamplerGenerator {
			s, ok = l.src.Get(l.balance)
		} else {
			s, ok = l.src.Load(l.order[(pos+k)%len(l.order)])
		}
		if !ok {
			continue
		}
		ex, err := Featurize(s, l.dims)
		if err != nil {
			l.log.V(1).Info("skipping sample", "scenario", s.Scenario.ID, "track", s.TrackID, "err", err)
			continue
		}
		return ex, nil
	}
	return nil, ErrNoSample
}
