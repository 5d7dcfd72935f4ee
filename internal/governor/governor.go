// Package governor admission-controls segment fetches with a two-level
// ticket pool: a global bound on simultaneous fetches across all transfers
// and a per-source bound so one slow peer cannot saturate the engine.
package governor

import (
	"context"
	"sync"
	"time"

	"github.com/M0Rf30/slskdn/internal/peer"
	"golang.org/x/sync/semaphore"
)

// Config bounds the governor's two ticket pools.
type Config struct {
	GlobalMax      int64
	PerSourceMax   int64
	AcquireTimeout time.Duration
}

// DefaultConfig returns the bounds used when none are configured.
func DefaultConfig() Config {
	return Config{
		GlobalMax:      32,
		PerSourceMax:   4,
		AcquireTimeout: 10 * time.Second,
	}
}

type pool struct {
	sem      *semaphore.Weighted
	inFlight int64
}

// Governor issues admission tickets. All cross-transfer capacity accounting
// goes through Acquire and Ticket.Release, never direct counter manipulation.
type Governor struct {
	cfg    Config
	global *semaphore.Weighted

	mu             sync.Mutex
	pools          map[peer.Identity]*pool
	globalInFlight int64
}

func New(cfg Config) *Governor {
	def := DefaultConfig()

	if cfg.GlobalMax <= 0 {
		cfg.GlobalMax = def.GlobalMax
	}

	if cfg.PerSourceMax <= 0 {
		cfg.PerSourceMax = def.PerSourceMax
	}

	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}

	return &Governor{
		cfg:    cfg,
		global: semaphore.NewWeighted(cfg.GlobalMax),
		pools:  make(map[peer.Identity]*pool),
	}
}

// Acquire blocks until both global and per-source capacity is available, the
// caller's context is cancelled, or the bounded wait expires. An expired wait
// returns a CapacityTimeoutError so the caller can defer the segment to the
// next scheduling pass instead of queuing indefinitely.
func (g *Governor) Acquire(ctx context.Context, src peer.Identity) (*Ticket, error) {
	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.AcquireTimeout)
	defer cancel()

	if err := g.global.Acquire(waitCtx, 1); err != nil {
		return nil, g.admissionError(ctx, src)
	}

	p := g.pool(src)

	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		g.global.Release(1)

		return nil, g.admissionError(ctx, src)
	}

	g.mu.Lock()
	p.inFlight++
	g.globalInFlight++
	g.mu.Unlock()

	return &Ticket{g: g, src: src}, nil
}

// InFlight returns the source's currently admitted fetch count.
func (g *Governor) InFlight(src peer.Identity) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	if p, ok := g.pools[src]; ok {
		return p.inFlight
	}

	return 0
}

// GlobalInFlight returns the total admitted fetch count across all sources.
func (g *Governor) GlobalInFlight() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.globalInFlight
}

// Spare reports whether the source could be admitted right now. Advisory:
// the scheduler uses it to skip saturated sources without blocking.
func (g *Governor) Spare(src peer.Identity) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.globalInFlight >= g.cfg.GlobalMax {
		return false
	}

	if p, ok := g.pools[src]; ok {
		return p.inFlight < g.cfg.PerSourceMax
	}

	return true
}

func (g *Governor) pool(src peer.Identity) *pool {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.pools[src]
	if !ok {
		p = &pool{sem: semaphore.NewWeighted(g.cfg.PerSourceMax)}
		g.pools[src] = p
	}

	return p
}

func (g *Governor) admissionError(ctx context.Context, src peer.Identity) error {
	// Caller cancellation propagates as-is; only an expired bounded wait
	// becomes a capacity timeout.
	if ctx.Err() != nil {
		return ctx.Err()
	}

	return &CapacityTimeoutError{Source: src, Wait: g.cfg.AcquireTimeout}
}

// Ticket is one unit of admitted fetch capacity. It must be released exactly
// once; Release is safe to call multiple times so every failure path can
// release unconditionally.
type Ticket struct {
	g    *Governor
	src  peer.Identity
	once sync.Once
}

// Source returns the source the ticket was issued for.
func (t *Ticket) Source() peer.Identity {
	return t.src
}

// Release returns the ticket's capacity to both pools. Idempotent.
func (t *Ticket) Release() {
	t.once.Do(func() {
		t.g.mu.Lock()
		if p, ok := t.g.pools[t.src]; ok {
			p.inFlight--
		}
		t.g.globalInFlight--
		t.g.mu.Unlock()

		t.g.pool(t.src).sem.Release(1)
		t.g.global.Release(1)
	})
}
