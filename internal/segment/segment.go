package segment

import (
	"github.com/M0Rf30/slskdn/internal/peer"
)

// State is the lifecycle state of one segment.
type State int

const (
	// StateUnclaimed segments are waiting for a source assignment.
	StateUnclaimed State = iota
	// StateClaimed segments have a fetch dispatched against one source.
	StateClaimed
	// StateVerifying segments have their bytes downloaded and are being checked.
	StateVerifying
	// StateVerified is terminal: bytes on disk match the expected digest.
	StateVerified
	// StateExhausted segments failed on the maximum number of distinct
	// sources. Only a backfill revival returns them to Unclaimed.
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateUnclaimed:
		return "unclaimed"
	case StateClaimed:
		return "claimed"
	case StateVerifying:
		return "verifying"
	case StateVerified:
		return "verified"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Segment is a contiguous byte range of the target file, the unit of
// independent download and verification.
type Segment struct {
	Index  int
	Offset int64
	Length int64
	// Digest is the expected hex digest when known ahead of the download,
	// either from the hash store or from a prior verification elsewhere.
	Digest string

	state     State
	claimedBy peer.Identity
	attempted map[peer.Identity]struct{}
}

// State returns the segment's current state.
func (s *Segment) State() State {
	return s.state
}

// ClaimedBy returns the source currently holding the claim, if any. This is
// a back-link for bookkeeping, not ownership.
func (s *Segment) ClaimedBy() peer.Identity {
	return s.claimedBy
}

// Attempted reports whether the given source already tried this segment.
func (s *Segment) Attempted(p peer.Identity) bool {
	_, ok := s.attempted[p]

	return ok
}

// AttemptCount returns how many distinct sources have tried this segment.
func (s *Segment) AttemptCount() int {
	return len(s.attempted)
}
