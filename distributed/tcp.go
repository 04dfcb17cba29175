package distributed

import (
	"context"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-logr/logr"
	"github.com/pkg/errors"
)

// frame is the unit exchanged on the wire.
type frame struct {
	Op   op        `cbor:"1,keyasint"`
	Rank int       `cbor:"2,keyasint"`
	Data []float32 `cbor:"3,keyasint,omitempty"`
	Err  string    `cbor:"4,keyasint,omitempty"`
}

type peer struct {
	conn net.Conn
	enc  *cbor.Encoder
	dec  *cbor.Decoder
}

func newPeer(conn net.Conn) *peer {
	return &peer{conn: conn, enc: cbor.NewEncoder(conn), dec: cbor.NewDecoder(conn)}
}

// tcpGroup is a star: rank 0 collects every contribution, combines them and sends
// the result back.
type tcpGroup struct {
	rank, size int
	log        logr.Logger

	// mu serialises collectives; peers is fixed once JoinTCP returns.
	mu       sync.Mutex
	listener net.Listener
	peers    []*peer // rank 0: indexed by rank, nil at 0. Others: only the root.
	closed   atomic.Bool
}

// ParseInitMethod extracts host:port from a "tcp://host:port" rendezvous address.
func ParseInitMethod(initMethod string) (string, error) {
	u, err := url.Parse(initMethod)
	if err != nil {
		return "", errors.Wrapf(err, "parsing DIST.INIT_METHOD %q", initMethod)
	}
	if u.Scheme != "tcp" || u.Host == "" {
		return "", errors.Errorf("DIST.INIT_METHOD %q: want tcp://host:port", initMethod)
	}
	return u.Host, nil
}

// JoinTCP joins a group of size workers rendezvousing at addr (host:port). Rank 0
// listens and waits for every other rank; the others dial, retrying until ctx ends.
func JoinTCP(ctx context.Context, addr string, rank, size int, log logr.Logger) (Group, error) {
	if rank < 0 || rank >= size {
		return nil, errors.Errorf("rank %d out of range for world size %d", rank, size)
	}
	g := &tcpGroup{rank: rank, size: size, log: log.WithValues("rank", rank)}
	if size == 1 {
		return g, nil
	}
	if rank == 0 {
		if err := g.accept(ctx, addr); err != nil {
			g.Close()
			return nil, err
		}
		return g, nil
	}
	if err := g.dial(ctx, addr); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *tcpGroup) accept(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", addr)
	}
	g.listener = l
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	g.peers = make([]*peer, g.size)
	for joined := 1; joined < g.size; {
		conn, err := l.Accept()
		if err != nil {
			return errors.Wrapf(err, "waiting for workers (%d/%d joined)", joined, g.size)
		}
		p := newPeer(conn)
		var hello frame
		if err := p.dec.Decode(&hello); err != nil {
			conn.Close()
			return errors.Wrap(err, "reading hello")
		}
		if hello.Rank <= 0 || hello.Rank >= g.size || g.peers[hello.Rank] != nil {
			conn.Close()
			return errors.Errorf("unexpected hello from rank %d", hello.Rank)
		}
		g.peers[hello.Rank] = p
		joined++
		g.log.V(1).Info("worker joined", "peer", hello.Rank, "joined", joined, "size", g.size)
	}
	return nil
}

func (g *tcpGroup) dial(ctx context.Context, addr string) error {
	var d net.Dialer
	backoff := 50 * time.Millisecond
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			p := newPeer(conn)
			if err := p.enc.Encode(frame{Rank: g.rank}); err != nil {
				conn.Close()
				return errors.Wrap(err, "sending hello")
			}
			g.peers = []*peer{p}
			g.log.V(1).Info("joined group", "addr", addr)
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(err, "dialing rendezvous %s", addr)
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, time.Second)
	}
}

func (g *tcpGroup) Rank() int { return g.rank }
func (g *tcpGroup) Size() int { return g.size }

func (g *tcpGroup) AllReduceMean(ctx context.Context, data []float32) error {
	return g.collective(ctx, opMean, data)
}

func (g *tcpGroup) Broadcast(ctx context.Context, data []float32) error {
	return g.collective(ctx, opBroadcast, data)
}

func (g *tcpGroup) Barrier(ctx context.Context) error {
	return g.collective(ctx, opBarrier, nil)
}

func (g *tcpGroup) collective(ctx context.Context, o op, data []float32) error {
	if g.size == 1 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed.Load() {
		return ErrClosed
	}

	stop := context.AfterFunc(ctx, func() {
		for _, p := range g.peers {
			if p != nil {
				p.conn.SetDeadline(time.Now())
			}
		}
	})
	defer stop()

	var (
		result []float32
		err    error
	)
	if g.rank == 0 {
		result, err = g.root(o, data)
	} else {
		result, err = g.leaf(o, data)
	}
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrapf(ctx.Err(), "distributed: %s", o)
		}
		if g.closed.Load() {
			return ErrClosed
		}
		return err
	}
	copy(data, result)
	return nil
}

func (g *tcpGroup) root(o op, data []float32) ([]float32, error) {
	parts := make([][]float32, g.size)
	parts[0] = data
	for r := 1; r < g.size; r++ {
		var f frame
		if err := g.peers[r].dec.Decode(&f); err != nil {
			return nil, errors.Wrapf(err, "distributed: %s: reading from rank %d", o, r)
		}
		if f.Op != o {
			return nil, errors.Errorf("distributed: rank %d sent %s during %s", r, f.Op, o)
		}
		parts[r] = f.Data
	}
	reply := frame{Op: o}
	var result []float32
	err := checkLengths(o, parts)
	if err == nil {
		result = combine(o, parts)
		reply.Data = result
	} else {
		reply.Err = err.Error()
	}
	for r := 1; r < g.size; r++ {
		if werr := g.peers[r].enc.Encode(reply); werr != nil && err == nil {
			err = errors.Wrapf(werr, "distributed: %s: replying to rank %d", o, r)
		}
	}
	return result, err
}

func (g *tcpGroup) leaf(o op, data []float32) ([]float32, error) {
	p := g.peers[0]
	if err := p.enc.Encode(frame{Op: o, Rank: g.rank, Data: data}); err != nil {
		return nil, errors.Wrapf(err, "distributed: %s: sending", o)
	}
	var reply frame
	if err := p.dec.Decode(&reply); err != nil {
		return nil, errors.Wrapf(err, "distributed: %s: receiving", o)
	}
	if reply.Err != "" {
		return nil, errors.New(reply.Err)
	}
	return reply.Data, nil
}

// Close drops the connections, failing any collective in flight.
func (g *tcpGroup) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}
	var first error
	for _, p := range g.peers {
		if p != nil {
			if err := p.conn.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	if g.listener != nil {
		g.listener.Close()
	}
	return first
}
