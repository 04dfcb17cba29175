package datasets

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// This package turns scenarios into fixed-shape training batches.
//
// Layout and intended usage:
//
// Featurize
//   - Converts one (scenario, focused track) sample into an Example: padded agent
//     history, nearby-agent histories, map polylines and the future target, each with
//     a validity mask, in the focused agent's frame.
//
// Batch
//   - Stacks Examples into contiguous float32/bool buffers with shape metadata and
//     converts them to gomlx tensors in the order the model consumes them.
//
// Loader
//   - Epoch iteration over a scenario source: deterministic per-epoch shuffling
//     seeded by the epoch number, identical on every worker, with each worker taking
//     a disjoint shard.

// Dataset is what the trainer needs from a batch source.
type Dataset interface {
	// Len is the number of batches in one epoch for this worker.
	Len() int
	// Batch returns batch i of the current epoch.
	Batch(i int) (*Batch, error)
	// Shuffle prepares the order for epoch. It must be deterministic in epoch.
	Shuffle(epoch int)
}

// Batch stores B examples in flat contiguous buffers.
type Batch struct {
	Size int
	Dims Dims

	Agent      []float32
	AgentMask  []bool
	Nearby     []float32
	NearbyMask []bool
	Map        []float32
	MapMask    []bool
	Target     []float32
	TargetMask []bool
}

// MakeBatch stacks examples of the given dims.
func MakeBatch(examples []*Example, d Dims) (*Batch, error) {
	if len(examples) == 0 {
		return nil, errors.New("empty batch")
	}
	b := &Batch{Size: len(examples), Dims: d}
	for i, ex := range examples {
		if len(ex.Agent) != d.History*AgentFeatures ||
			len(ex.Nearby) != d.Nearby*d.History*AgentFeatures ||
			len(ex.Map) != d.Map*d.MapPoints*MapFeatures ||
			len(ex.Target) != d.Future*2 {
			return nil, errors.Errorf("example %d does not match dims %+v", i, d)
		}
		b.Agent = append(b.Agent, ex.Agent...)
		b.AgentMask = append(b.AgentMask, ex.AgentMask...)
		b.Nearby = append(b.Nearby, ex.Nearby...)
		b.NearbyMask = append(b.NearbyMask, ex.NearbyMask...)
		b.Map = append(b.Map, ex.Map...)
		b.MapMask = append(b.MapMask, ex.MapMask...)
		b.Target = append(b.Target, ex.Target...)
		b.TargetMask = append(b.TargetMask, ex.TargetMask...)
	}
	return b, nil
}

// Number of tensors returned by Batch.Tensors.
const NumInputs = 8

// Tensors converts the batch into gomlx tensors, in order:
// agent (B,1,Th,7), agent mask (B,1,Th), nearby (B,Sa,Th,7), nearby mask (B,Sa,Th),
// map (B,Sr,Tm,4), map mask (B,Sr,Tm), target (B,T,2), target mask (B,T).
func (b *Batch) Tensors() []*tensors.Tensor {
	d := b.Dims
	return []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(b.Agent, b.Size, 1, d.History, AgentFeatures),
		tensors.FromFlatDataAndDimensions(b.AgentMask, b.Size, 1, d.History),
		tensors.FromFlatDataAndDimensions(b.Nearby, b.Size, d.Nearby, d.History, AgentFeatures),
		tensors.FromFlatDataAndDimensions(b.NearbyMask, b.Size, d.Nearby, d.History),
		tensors.FromFlatDataAndDimensions(b.Map, b.Size, d.Map, d.MapPoints, MapFeatures),
		tensors.FromFlatDataAndDimensions(b.MapMask, b.Size, d.Map, d.MapPoints),
		tensors.FromFlatDataAndDimensions(b.Target, b.Size, d.Future, 2),
		tensors.FromFlatDataAndDimensions(b.TargetMask, b.Size, d.Future),
	}
}

// Inputs returns Tensors as []any, ready to be passed to a gomlx Exec.
func (b *Batch) Inputs() []any {
	ts := b.Tensors()
	out := make([]any, len(ts))
	for i, t := range ts {
		out[i] = t
	}
	return out
}
