package source

import (
	"sync"
	"time"

	"github.com/M0Rf30/slskdn/internal/peer"
)

const (
	// throughputAlpha is the EWMA smoothing factor for throughput and latency.
	throughputAlpha = 0.3
	// mismatchWeight is how many consecutive failures one verification
	// mismatch counts for when pushing a source toward Suspect.
	mismatchWeight = 3
)

// Limits configures when sources become Suspect or Evicted.
type Limits struct {
	SuspectAfterFailures int
	SuspectCooldown      time.Duration
	EvictAfterFailures   int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		SuspectAfterFailures: 5,
		SuspectCooldown:      5 * time.Minute,
		EvictAfterFailures:   20,
	}
}

type entry struct {
	ranges              []peer.Range
	throughput          float64
	latency             time.Duration
	successes           int
	failures            int
	consecutiveFailures int
	lastSeen            time.Time
	lastSuccess         time.Time
	state               State
	suspectedAt         time.Time
}

// Registry holds the known candidate sources per transfer and their live
// metrics. Metrics are scoped to one transfer; ranking is the ranker's job.
type Registry struct {
	mu     sync.Mutex
	limits Limits
	now    func() time.Time
	byXfer map[string]map[peer.Identity]*entry
}

func NewRegistry(limits Limits) *Registry {
	if limits.SuspectAfterFailures <= 0 {
		limits = DefaultLimits()
	}

	return &Registry{
		limits: limits,
		now:    time.Now,
		byXfer: make(map[string]map[peer.Identity]*entry),
	}
}

// Register adds or merges a candidate source for a transfer. Registering the
// same peer twice merges its advertised ranges and keeps its metrics.
func (r *Registry) Register(transferID string, ann peer.Announcement) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sources, ok := r.byXfer[transferID]
	if !ok {
		sources = make(map[peer.Identity]*entry)
		r.byXfer[transferID] = sources
	}

	if e, ok := sources[ann.Peer]; ok {
		e.ranges = mergeRanges(e.ranges, ann.Ranges)
		e.lastSeen = r.now()

		return
	}

	sources[ann.Peer] = &entry{
		ranges:   append([]peer.Range(nil), ann.Ranges...),
		lastSeen: r.now(),
		state:    StateActive,
	}
}

// Update records a fetch outcome for a source and recomputes its metrics.
func (r *Registry) Update(transferID string, p peer.Identity, o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byXfer[transferID][p]
	if !ok {
		return
	}

	now := r.now()
	e.lastSeen = now

	if o.OK() {
		e.successes++
		e.consecutiveFailures = 0
		e.lastSuccess = now

		if o.Duration > 0 {
			rate := float64(o.Bytes) / o.Duration.Seconds()
			e.throughput = ewma(e.throughput, rate)
		}

		if o.Latency > 0 {
			e.latency = time.Duration(ewma(float64(e.latency), float64(o.Latency)))
		}

		if e.state == StateSuspect {
			e.state = StateActive
		}

		return
	}

	e.failures++

	if o.Mismatch {
		e.consecutiveFailures += mismatchWeight
	} else {
		e.consecutiveFailures++
	}

	if e.failures >= r.limits.EvictAfterFailures && now.Sub(e.lastSuccess) > r.limits.SuspectCooldown {
		e.state = StateEvicted

		return
	}

	if e.consecutiveFailures >= r.limits.SuspectAfterFailures {
		e.state = StateSuspect
		e.suspectedAt = now
	}
}

// List returns snapshots of the transfer's eligible sources. Suspect sources
// whose cooldown has elapsed are restored to Active; Evicted sources never
// reappear. Order is unspecified.
func (r *Registry) List(transferID string) []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	sources := r.byXfer[transferID]
	if len(sources) == 0 {
		return nil
	}

	now := r.now()
	snapshots := make([]Snapshot, 0, len(sources))

	for p, e := range sources {
		switch e.state {
		case StateEvicted:
			continue
		case StateSuspect:
			if now.Sub(e.suspectedAt) < r.limits.SuspectCooldown {
				continue
			}
			// Cooldown over, give the peer another chance.
			e.state = StateActive
			e.consecutiveFailures = 0
		}

		snapshots = append(snapshots, Snapshot{
			Peer:                p,
			Ranges:              append([]peer.Range(nil), e.ranges...),
			Throughput:          e.throughput,
			Latency:             e.latency,
			Successes:           e.successes,
			Failures:            e.failures,
			ConsecutiveFailures: e.consecutiveFailures,
			LastSeen:            e.lastSeen,
			State:               e.state,
		})
	}

	return snapshots
}

// Failures returns the recorded failure count for one source. Zero when the
// source is unknown.
func (r *Registry) Failures(transferID string, p peer.Identity) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.byXfer[transferID][p]; ok {
		return e.failures
	}

	return 0
}

// Drop removes all sources for a transfer. Called on terminal states.
func (r *Registry) Drop(transferID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byXfer, transferID)
}

func ewma(prev, sample float64) float64 {
	if prev == 0 {
		return sample
	}

	return throughputAlpha*sample + (1-throughputAlpha)*prev
}

// mergeRanges unions the advertised ranges. An empty slice means the whole
// file, which absorbs anything else.
func mergeRanges(a, b []peer.Range) []peer.Range {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}

	out := append([]peer.Range(nil), a...)

	for _, nr := range b {
		dup := false

		for _, existing := range out {
			if existing == nr {
				dup = true

				break
			}
		}

		if !dup {
			out = append(out, nr)
		}
	}

	return out
}
