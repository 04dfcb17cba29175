// Package distributed provides the collectives data-parallel training needs
// (mean all-reduce, broadcast from rank 0, barrier) and the launcher that starts one
// worker process per device.
//
// Every member of a group must issue the same collectives in the same order.
package distributed

import (
	"context"

	"github.com/pkg/errors"
)

// ErrClosed is returned by collectives on a closed group.
var ErrClosed = errors.New("distributed: group closed")

// Group is one worker's handle on a set of workers.
type Group interface {
	// Rank is this worker's index in [0, Size()).
	Rank() int
	// Size is the number of workers.
	Size() int
	// AllReduceMean replaces data with the element-wise mean of data across workers.
	AllReduceMean(ctx context.Context, data []float32) error
	// Broadcast replaces data with rank 0's data.
	Broadcast(ctx context.Context, data []float32) error
	// Barrier returns once every worker has reached it.
	Barrier(ctx context.Context) error
	Close() error
}

// Single is the group of one worker. All collectives are no-ops.
type Single struct{}

func (Single) Rank() int                                      { return 0 }
func (Single) Size() int                                      { return 1 }
func (Single) AllReduceMean(context.Context, []float32) error { return nil }
func (Single) Broadcast(context.Context, []float32) error     { return nil }
func (Single) Barrier(context.Context) error                  { return nil }
func (Single) Close() error                                   { return nil }

type op uint8

const (
	opMean op = iota + 1
	opBroadcast
	opBarrier
)

func (o op) String() string {
	switch o {
	case opMean:
		return "all-reduce"
	case opBroadcast:
		return "broadcast"
	case opBarrier:
		return "barrier"
	}
	return "unknown"
}

// combine reduces the contributions of all ranks (indexed by rank) for o.
func combine(o op, parts [][]float32) []float32 {
	switch o {
	case opMean:
		out := make([]float32, len(parts[0]))
		for _, p := range parts {
			for i, v := range p {
				out[i] += v
			}
		}
		inv := 1 / float32(len(parts))
		for i := range out {
			out[i] *= inv
		}
		return out
	case opBroadcast:
		return append([]float32(nil), parts[0]...)
	}
	return nil
}

func checkLengths(o op, parts [][]float32) error {
	for r, p := range parts {
		if len(p) != len(parts[0]) {
			return errors.Errorf("distributed: %s length mismatch: rank 0 sent %d values, rank %d sent %d", o, len(parts[0]), r, len(p))
		}
	}
	return nil
}
