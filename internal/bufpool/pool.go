// Package bufpool provides a fixed arena of equally sized I/O blocks.
//
// Blocks are identified by a Token (the block's byte offset inside the arena).
// The arena never grows: once every block is out, Allocate reports None.
package bufpool

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BlockSize is the size of every block handed out by a Pool.
const BlockSize = 4096

// Token identifies one block inside a Pool's arena.
type Token int

// None is returned by Allocate when the arena is exhausted.
const None Token = -1

var poolFreeBlocks = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "dk_bufpool_free_blocks",
		Help: "Number of free blocks per buffer pool",
	},
	[]string{"pool"},
)

// Option configures a Pool.
type Option func(*Pool)

// WithName reports the pool's free block count under the given pool label.
// Names should be unique per process.
func WithName(name string) Option {
	return func(p *Pool) { p.gauge = poolFreeBlocks.WithLabelValues(name) }
}

// WithGauge reports the pool's free block count on g.
func WithGauge(g prometheus.Gauge) Option {
	return func(p *Pool) { p.gauge = g }
}

// Pool is a fixed-capacity block allocator backed by a free index stack.
// The mutex is uncontended under the single harvest loop; it is kept so that
// tests and auxiliary goroutines may share a Pool safely.
type Pool struct {
	mu     sync.Mutex
	arena  []byte
	free   []int32
	held   []bool
	blocks int
	gauge  prometheus.Gauge
}

// New creates a pool of n blocks of BlockSize bytes each. Unnamed pools are
// not exported as metrics.
func New(n int, opts ...Option) *Pool {
	if n < 0 {
		n = 0
	}
	p := &Pool{
		arena:  make([]byte, n*BlockSize),
		free:   make([]int32, n),
		held:   make([]bool, n),
		blocks: n,
	}
	// Pop order hands out block 0 first.
	for i := 0; i < n; i++ {
		p.free[i] = int32(n - 1 - i)
	}
	for _, opt := range opts {
		opt(p)
	}
	p.report()
	return p
}

// Allocate takes one block from the free list. It never blocks and returns
// None when every block is in use.
func (p *Pool) Allocate() Token {
	p.mu.Lock()
	defer p.mu.Unlock()

	last := len(p.free) - 1
	if last < 0 {
		return None
	}
	idx := p.free[last]
	p.free = p.free[:last]
	p.held[idx] = true
	p.report()
	return Token(int(idx) * BlockSize)
}

// Deallocate returns a block to the free list. Tokens outside the arena,
// tokens not aligned to a block boundary and blocks that are already free are
// ignored.
func (p *Pool) Deallocate(t Token) {
	p.mu.Lock()
	defer p.mu.Unlock()

	off := int(t)
	if off < 0 || off >= len(p.arena) || off%BlockSize != 0 {
		return
	}
	idx := off / BlockSize
	if !p.held[idx] {
		return
	}
	p.held[idx] = false
	p.free = append(p.free, int32(idx))
	p.report()
}

func (p *Pool) report() {
	if p.gauge != nil {
		p.gauge.Set(float64(len(p.free)))
	}
}

// Bytes returns the block addressed by t. The slice aliases the arena and must
// not be touched after the token is deallocated. Invalid tokens yield nil.
func (p *Pool) Bytes(t Token) []byte {
	off := int(t)
	if off < 0 || off >= len(p.arena) || off%BlockSize != 0 {
		return nil
	}
	return p.arena[off : off+BlockSize : off+BlockSize]
}

// Capacity returns the number of blocks in the arena.
func (p *Pool) Capacity() int { return p.blocks }

// FreeCount returns the number of blocks currently available.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
