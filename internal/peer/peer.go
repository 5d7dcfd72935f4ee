package peer

import (
	"context"
	"io"
)

// Identity is the network-wide name of a peer.
type Identity string

// Range is a contiguous byte range of a file advertised by a peer.
type Range struct {
	Offset int64
	Length int64
}

// Covers reports whether the range fully contains [offset, offset+length).
func (r Range) Covers(offset, length int64) bool {
	return offset >= r.Offset && offset+length <= r.Offset+r.Length
}

// Announcement is one discovery result: a peer and the ranges it claims to hold.
// An empty Ranges slice means the peer advertises the whole file.
type Announcement struct {
	Peer   Identity
	Ranges []Range
}

// CoversRange reports whether the announcement covers [offset, offset+length).
func (a Announcement) CoversRange(offset, length int64) bool {
	if len(a.Ranges) == 0 {
		return true
	}

	for _, r := range a.Ranges {
		if r.Covers(offset, length) {
			return true
		}
	}

	return false
}

// Conn is an established connection to a peer.
type Conn interface {
	// RequestRange asks the peer for a byte range of a file. The returned
	// stream may terminate early if the peer disconnects mid-transfer.
	RequestRange(ctx context.Context, fileID string, offset, length int64) (io.ReadCloser, error)
	Close() error
}

// Client is the peer protocol surface the transfer engine depends on.
// The wire protocol itself (framing, login, handshake) lives behind it.
type Client interface {
	Connect(ctx context.Context, peer Identity) (Conn, error)
}

// Discoverer finds candidate sources for a file. Implementations must bound
// their own lookup time and return partial or empty results rather than block.
type Discoverer interface {
	DiscoverSources(ctx context.Context, fileID string) ([]Announcement, error)
}
