package segment

import (
	"fmt"

	"github.com/M0Rf30/slskdn/internal/peer"
)

// Table owns a transfer's segments. It is not safe for concurrent use: the
// transfer coordinator is the single writer for its lifetime.
type Table struct {
	fileSize   int64
	maxRetries int
	segments   []*Segment
}

// NewTable partitions [0, fileSize) into fixed-size segments. The final
// segment may be shorter so the partition fits the file length exactly.
func NewTable(fileSize, segmentSize int64, maxRetries int) (*Table, error) {
	if fileSize < 0 {
		return nil, fmt.Errorf("negative file size %d", fileSize)
	}

	if segmentSize <= 0 {
		return nil, fmt.Errorf("segment size must be positive, got %d", segmentSize)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}

	count := int(fileSize / segmentSize)
	if fileSize%segmentSize != 0 {
		count++
	}

	segments := make([]*Segment, 0, count)

	for i := 0; i < count; i++ {
		offset := int64(i) * segmentSize

		length := segmentSize
		if offset+length > fileSize {
			length = fileSize - offset
		}

		segments = append(segments, &Segment{
			Index:     i,
			Offset:    offset,
			Length:    length,
			attempted: make(map[peer.Identity]struct{}),
		})
	}

	return &Table{fileSize: fileSize, maxRetries: maxRetries, segments: segments}, nil
}

// Len returns the number of segments.
func (t *Table) Len() int {
	return len(t.segments)
}

// FileSize returns the total size the partition covers.
func (t *Table) FileSize() int64 {
	return t.fileSize
}

// Segment returns the segment at index i.
func (t *Table) Segment(i int) *Segment {
	return t.segments[i]
}

// Claim moves an Unclaimed segment to Claimed by the given source and records
// the attempt. At most one source holds a claim at any instant.
func (t *Table) Claim(i int, by peer.Identity) error {
	s := t.segments[i]
	if s.state != StateUnclaimed {
		return fmt.Errorf("segment %d is %s, cannot claim", i, s.state)
	}

	s.state = StateClaimed
	s.claimedBy = by
	s.attempted[by] = struct{}{}

	return nil
}

// MarkVerifying moves a Claimed segment to Verifying once its bytes arrived.
func (t *Table) MarkVerifying(i int) error {
	s := t.segments[i]
	if s.state != StateClaimed {
		return fmt.Errorf("segment %d is %s, cannot verify", i, s.state)
	}

	s.state = StateVerifying

	return nil
}

// MarkVerified moves a Verifying segment to its terminal Verified state and
// pins the digest its bytes hashed to.
func (t *Table) MarkVerified(i int, digest string) error {
	s := t.segments[i]
	if s.state != StateVerifying {
		return fmt.Errorf("segment %d is %s, cannot mark verified", i, s.state)
	}

	s.state = StateVerified
	s.Digest = digest
	s.claimedBy = ""

	return nil
}

// Release returns a Claimed or Verifying segment to Unclaimed after a failed
// attempt, or to Exhausted once the maximum number of distinct sources has
// been tried.
func (t *Table) Release(i int) error {
	s := t.segments[i]
	if s.state != StateClaimed && s.state != StateVerifying {
		return fmt.Errorf("segment %d is %s, cannot release", i, s.state)
	}

	s.claimedBy = ""

	if len(s.attempted) >= t.maxRetries {
		s.state = StateExhausted

		return nil
	}

	s.state = StateUnclaimed

	return nil
}

// Unclaim reverts a Claimed segment to Unclaimed without charging the source
// an attempt. Used when admission capacity ran out before the fetch started:
// the segment is deferred to the next pass, not failed.
func (t *Table) Unclaim(i int) error {
	s := t.segments[i]
	if s.state != StateClaimed {
		return fmt.Errorf("segment %d is %s, cannot unclaim", i, s.state)
	}

	delete(s.attempted, s.claimedBy)
	s.claimedBy = ""
	s.state = StateUnclaimed

	return nil
}

// Restore force-marks a segment Verified from persisted state during resume.
func (t *Table) Restore(i int, digest string) error {
	s := t.segments[i]
	if s.state != StateUnclaimed {
		return fmt.Errorf("segment %d is %s, cannot restore", i, s.state)
	}

	s.state = StateVerified
	s.Digest = digest

	return nil
}

// ReviveExhausted returns all Exhausted segments to Unclaimed with a clean
// attempt history. Backfill calls this when fresh sources appear.
func (t *Table) ReviveExhausted() int {
	revived := 0

	for _, s := range t.segments {
		if s.state == StateExhausted {
			s.state = StateUnclaimed
			s.attempted = make(map[peer.Identity]struct{})
			revived++
		}
	}

	return revived
}

// Unclaimed returns the indices of all Unclaimed segments in order.
func (t *Table) Unclaimed() []int {
	var out []int

	for _, s := range t.segments {
		if s.state == StateUnclaimed {
			out = append(out, s.Index)
		}
	}

	return out
}

// CountState returns how many segments are in the given state.
func (t *Table) CountState(state State) int {
	n := 0

	for _, s := range t.segments {
		if s.state == state {
			n++
		}
	}

	return n
}

// VerifiedBytes sums the lengths of all Verified segments.
func (t *Table) VerifiedBytes() int64 {
	var n int64

	for _, s := range t.segments {
		if s.state == StateVerified {
			n += s.Length
		}
	}

	return n
}

// AllVerified reports whether every segment reached Verified.
func (t *Table) AllVerified() bool {
	for _, s := range t.segments {
		if s.state != StateVerified {
			return false
		}
	}

	return true
}

// VerifiedBitmap returns a bitmap with one bit per segment, set when Verified.
func (t *Table) VerifiedBitmap() *Bitmap {
	b := NewBitmap(len(t.segments))

	for _, s := range t.segments {
		if s.state == StateVerified {
			b.Set(s.Index)
		}
	}

	return b
}

// Validate checks the partition invariant: segments tile [0, fileSize)
// contiguously with no gap or overlap. A failure here is an internal
// consistency fault, not a network condition.
func (t *Table) Validate() error {
	var next int64

	for i, s := range t.segments {
		if s.Offset != next {
			return fmt.Errorf("segment %d starts at %d, expected %d", i, s.Offset, next)
		}

		if s.Length <= 0 {
			return fmt.Errorf("segment %d has non-positive length %d", i, s.Length)
		}

		next = s.Offset + s.Length
	}

	if next != t.fileSize {
		return fmt.Errorf("segments cover %d bytes, file size is %d", next, t.fileSize)
	}

	return nil
}
