package engine

import (
	"time"
)

// State is the lifecycle state of one transfer.
type State int

const (
	// StatePending transfers have no verified bytes yet.
	StatePending State = iota
	// StateActive transfers have made progress and are still running.
	StateActive
	// StateCompleted is terminal: every segment verified, artifact in place.
	StateCompleted
	// StateFailed is terminal for the coordinator; the backfill sweeper may
	// restart a stalled transfer on a longer horizon.
	StateFailed
	// StateCancelled is terminal: explicit cancel, verified segments kept.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is one of the three terminal states.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// FileSpec identifies the logical file a transfer downloads.
type FileSpec struct {
	// ID is the stable network-wide identifier of the file, used for
	// discovery, range requests and hash-store keys.
	ID string
	// Name is the local artifact name, relative to the download directory.
	Name string
	// Size is the expected byte length.
	Size int64
	// Digest is the expected full-file SHA-256 hex digest, when known.
	Digest string
}

// Status is a consistent point-in-time snapshot of one transfer.
type Status struct {
	ID               string
	FileID           string
	Name             string
	State            State
	BytesVerified    int64
	TotalBytes       int64
	SegmentsVerified int
	SegmentCount     int
	ActiveSources    int
	Bitmap           string
	CreatedAt        time.Time
	CompletedAt      time.Time
	Error            string
}
