package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/M0Rf30/slskdn/internal/peer"
	"github.com/M0Rf30/slskdn/internal/storage"
)

// fakePeer serves a byte-for-byte copy of a file, with optional injected
// failures and read delays.
type fakePeer struct {
	id      peer.Identity
	content []byte
	// failEvery makes every Nth range request fail with a connection reset.
	failEvery int
	// readDelay slows each stream read, for cancellation tests.
	readDelay time.Duration

	mu       sync.Mutex
	requests int
	failures int
	offsets  []int64
}

func (p *fakePeer) requestedOffsets() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]int64(nil), p.offsets...)
}

func (p *fakePeer) injectedFailures() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.failures
}

type fakeClient struct {
	mu    sync.Mutex
	peers map[peer.Identity]*fakePeer
}

func newFakeClient(peers ...*fakePeer) *fakeClient {
	c := &fakeClient{peers: make(map[peer.Identity]*fakePeer)}
	for _, p := range peers {
		c.peers[p.id] = p
	}

	return c
}

func (c *fakeClient) Connect(ctx context.Context, id peer.Identity) (peer.Conn, error) {
	c.mu.Lock()
	p, ok := c.peers[id]
	c.mu.Unlock()

	if !ok {
		return nil, &peer.ConnectError{Peer: id, Err: errors.New("unreachable")}
	}

	return &fakeConn{p: p}, nil
}

type fakeConn struct {
	p *fakePeer
}

func (c *fakeConn) RequestRange(ctx context.Context, fileID string, offset, length int64) (io.ReadCloser, error) {
	p := c.p

	p.mu.Lock()
	p.requests++
	p.offsets = append(p.offsets, offset)
	fail := p.failEvery > 0 && p.requests%p.failEvery == 0

	if fail {
		p.failures++
	}
	p.mu.Unlock()

	if fail {
		return nil, &peer.RequestError{
			Peer: p.id, FileID: fileID, Offset: offset, Length: length,
			Err: errors.New("connection reset"),
		}
	}

	if offset+length > int64(len(p.content)) {
		return nil, &peer.RequestError{
			Peer: p.id, FileID: fileID, Offset: offset, Length: length,
			Err: fmt.Errorf("range beyond shared file of %d bytes", len(p.content)),
		}
	}

	return &slowReader{data: p.content[offset : offset+length], delay: p.readDelay}, nil
}

func (c *fakeConn) Close() error { return nil }

// slowReader serves data in 4 KiB reads with an optional delay per read.
type slowReader struct {
	data  []byte
	pos   int
	delay time.Duration
}

func (r *slowReader) Read(b []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}

	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	n := len(r.data) - r.pos
	if n > 4096 {
		n = 4096
	}

	if n > len(b) {
		n = len(b)
	}

	copy(b, r.data[r.pos:r.pos+n])
	r.pos += n

	return n, nil
}

func (r *slowReader) Close() error { return nil }

// fakeDiscoverer returns a settable announcement list.
type fakeDiscoverer struct {
	mu   sync.Mutex
	anns []peer.Announcement
	err  error
}

func (d *fakeDiscoverer) DiscoverSources(ctx context.Context, fileID string) ([]peer.Announcement, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.err != nil {
		return nil, d.err
	}

	return append([]peer.Announcement(nil), d.anns...), nil
}

func (d *fakeDiscoverer) set(anns ...peer.Announcement) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.anns = anns
}

// memHashes is an in-memory hash repository with first-write-wins semantics.
type memHashes struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemHashes() *memHashes {
	return &memHashes{m: make(map[string]string)}
}

func hashKey(fileID string, offset, length int64) string {
	return fmt.Sprintf("%s:%d:%d", fileID, offset, length)
}

func (h *memHashes) Lookup(fileID string, offset, length int64) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if d, ok := h.m[hashKey(fileID, offset, length)]; ok {
		return d, nil
	}

	return "", storage.ErrNotFound
}

func (h *memHashes) Record(fileID string, offset, length int64, digest string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := hashKey(fileID, offset, length)

	if existing, ok := h.m[key]; ok {
		if existing != digest {
			return storage.ErrDigestMismatch
		}

		return nil
	}

	h.m[key] = digest

	return nil
}

// memStore is an in-memory transfer segment repository.
type memStore struct {
	mu sync.Mutex
	m  map[string]map[int]storage.SegmentRecord
}

func newMemStore() *memStore {
	return &memStore{m: make(map[string]map[int]storage.SegmentRecord)}
}

func (s *memStore) SaveVerifiedSegment(rec storage.SegmentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.m[rec.FileID]; !ok {
		s.m[rec.FileID] = make(map[int]storage.SegmentRecord)
	}

	s.m[rec.FileID][rec.Index] = rec

	return nil
}

func (s *memStore) VerifiedSegments(fileID string) ([]storage.SegmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []storage.SegmentRecord
	for _, rec := range s.m[fileID] {
		out = append(out, rec)
	}

	return out, nil
}

func (s *memStore) Clear(fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.m, fileID)

	return nil
}
