package storage

import "errors"

var (
	// ErrNotFound is returned when no record exists for the requested key.
	ErrNotFound = errors.New("record not found")
	// ErrDigestMismatch is returned when a record call carries a digest that
	// conflicts with the already-recorded digest for the same range. A
	// verified digest is never overwritten.
	ErrDigestMismatch = errors.New("digest conflicts with recorded digest")
)

// SegmentRecord persists one verified segment of a file so a restart can
// resume a transfer without re-verifying it.
type SegmentRecord struct {
	FileID     string
	Index      int
	Offset     int64
	Length     int64
	Digest     string
	VerifiedAt string
}

// HashRepository is the content-addressed digest store.
type HashRepository interface {
	// Lookup returns the known digest for (fileID, offset, length), or
	// ErrNotFound.
	Lookup(fileID string, offset, length int64) (string, error)
	// Record stores a digest with first-write-wins semantics. Recording a
	// different digest for an existing key returns ErrDigestMismatch.
	Record(fileID string, offset, length int64, digest string) error
}

// TransferRepository persists per-file segment verification state.
type TransferRepository interface {
	SaveVerifiedSegment(rec SegmentRecord) error
	VerifiedSegments(fileID string) ([]SegmentRecord, error)
	Clear(fileID string) error
}
