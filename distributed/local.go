package distributed

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// NewLocalGroup returns n handles of an in-process group, one per rank, for workers
// running as goroutines of the same process.
func NewLocalGroup(n int) []Group {
	h := &hub{n: n, closed: make(chan struct{})}
	groups := make([]Group, n)
	for r := range groups {
		groups[r] = &localGroup{hub: h, rank: r}
	}
	return groups
}

type round struct {
	op      op
	parts   [][]float32
	arrived int
	result  []float32
	err     error
	done    chan struct{}
}

type hub struct {
	n         int
	mu        sync.Mutex
	cur       *round
	closed    chan struct{}
	closeOnce sync.Once
}

func (h *hub) join(ctx context.Context, rank int, o op, data []float32) ([]float32, error) {
	select {
	case <-h.closed:
		return nil, ErrClosed
	default:
	}

	h.mu.Lock()
	r := h.cur
	if r == nil {
		r = &round{op: o, parts: make([][]float32, h.n), done: make(chan struct{})}
		h.cur = r
	}
	if r.op != o {
		h.mu.Unlock()
		return nil, errors.Errorf("distributed: rank %d called %s while the group is in %s", rank, o, r.op)
	}
	r.parts[rank] = append([]float32(nil), data...)
	r.arrived++
	if r.arrived == h.n {
		if r.err = checkLengths(o, r.parts); r.err == nil {
			r.result = combine(o, r.parts)
		}
		h.cur = nil
		close(r.done)
	}
	h.mu.Unlock()

	select {
	case <-r.done:
		return r.result, r.err
	case <-h.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "distributed: rank %d waiting in %s", rank, o)
	}
}

func (h *hub) close() {
	h.closeOnce.Do(func() { close(h.closed) })
}

type localGroup struct {
	hub  *hub
	rank int
}

func (g *localGroup) Rank() int { return g.rank }
func (g *localGroup) Size() int { return g.hub.n }

func (g *localGroup) AllReduceMean(ctx context.Context, data []float32) error {
	out, err := g.hub.join(ctx, g.rank, opMean, data)
	if err != nil {
		return err
	}
	copy(data, out)
	return nil
}

func (g *localGroup) Broadcast(ctx context.Context, data []float32) error {
	out, err := g.hub.join(ctx, g.rank, opBroadcast, data)
	if err != nil {
		return err
	}
	copy(data, out)
	return nil
}

func (g *localGroup) Barrier(ctx context.Context) error {
	_, err := g.hub.join(ctx, g.rank, opBarrier, nil)
	return err
}

// Close closes the whole group: blocked and future collectives of every rank fail
// with ErrClosed.
func (g *localGroup) Close() error {
	g.hub.close()
	return nil
}

// RunLocal runs fn for n ranks of an in-process group, each on its own goroutine.
// The first failure cancels the context of the others, which releases any of them
// blocked in a collective.
func RunLocal(ctx context.Context, n int, fn func(ctx context.Context, g Group) error) error {
	groups := NewLocalGroup(n)
	eg, ctx := errgroup.WithContext(ctx)
	for _, grp := range groups {
		eg.Go(func() error {
			if err := fn(ctx, grp); err != nil {
				return errors.Wrapf(err, "rank %d", grp.Rank())
			}
			return nil
		})
	}
	err := eg.Wait()
	groups[0].Close()
	return err
}
