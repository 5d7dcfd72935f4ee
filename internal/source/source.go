package source

import (
	"time"

	"github.com/M0Rf30/slskdn/internal/peer"
)

// State is the lifecycle state of a candidate source.
type State int

const (
	// StateActive sources are eligible for ranking and scheduling.
	StateActive State = iota
	// StateSuspect sources are excluded until their cooldown elapses.
	StateSuspect
	// StateEvicted sources are permanently excluded.
	StateEvicted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateSuspect:
		return "suspect"
	case StateEvicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// Outcome records the result of one segment fetch against a source.
type Outcome struct {
	Bytes    int64
	Duration time.Duration
	Latency  time.Duration
	Err      error
	// Mismatch marks a verification failure. It weighs heavier than an
	// ordinary fetch error because it means the peer served wrong bytes.
	Mismatch bool
}

// OK reports whether the outcome counts as a success.
func (o Outcome) OK() bool {
	return o.Err == nil && !o.Mismatch
}

// Snapshot is a point-in-time copy of a source's identity and metrics,
// safe to hand to the ranker without holding registry locks.
type Snapshot struct {
	Peer                peer.Identity
	Ranges              []peer.Range
	Throughput          float64 // bytes/sec, exponentially weighted
	Latency             time.Duration
	Successes           int
	Failures            int
	ConsecutiveFailures int
	LastSeen            time.Time
	State               State
}

// SuccessRatio returns successes over total attempts. Sources with no
// history score a neutral 0.5 so new peers are neither favored nor buried.
func (s Snapshot) SuccessRatio() float64 {
	total := s.Successes + s.Failures
	if total == 0 {
		return 0.5
	}

	return float64(s.Successes) / float64(total)
}

// CoversRange reports whether the source advertises [offset, offset+length).
func (s Snapshot) CoversRange(offset, length int64) bool {
	return peer.Announcement{Peer: s.Peer, Ranges: s.Ranges}.CoversRange(offset, length)
}
