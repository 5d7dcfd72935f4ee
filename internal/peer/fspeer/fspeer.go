// Package fspeer implements the peer surfaces against the local filesystem.
// Each directory under the share root is one peer; the files inside it are
// the ranges that peer can serve. It exists for development and soak runs
// where a real swarm is impractical.
package fspeer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/M0Rf30/slskdn/internal/peer"
)

// Network serves both discovery and range requests from a share root.
type Network struct {
	root string
}

func New(root string) (*Network, error) {
	if root == "" {
		return nil, fmt.Errorf("share root is required")
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat share root: %w", err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("share root %s is not a directory", root)
	}

	return &Network{root: root}, nil
}

// DiscoverSources lists every peer directory that holds a copy of the file.
// A peer's copy always covers the whole file.
func (n *Network) DiscoverSources(ctx context.Context, fileID string) ([]peer.Announcement, error) {
	entries, err := os.ReadDir(n.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read share root: %w", err)
	}

	var announcements []peer.Announcement

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if !entry.IsDir() {
			continue
		}

		if _, err := os.Stat(filepath.Join(n.root, entry.Name(), fileID)); err != nil {
			continue
		}

		announcements = append(announcements, peer.Announcement{
			Peer: peer.Identity(entry.Name()),
		})
	}

	return announcements, nil
}

// Connect returns a connection serving ranges out of the peer's directory.
func (n *Network) Connect(ctx context.Context, id peer.Identity) (peer.Conn, error) {
	dir := filepath.Join(n.root, string(id))

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, &peer.ConnectError{Peer: id, Err: fmt.Errorf("no such peer directory %s", dir)}
	}

	return &conn{id: id, dir: dir}, nil
}

type conn struct {
	id  peer.Identity
	dir string
}

func (c *conn) RequestRange(ctx context.Context, fileID string, offset, length int64) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(c.dir, fileID))
	if err != nil {
		return nil, &peer.RequestError{
			Peer: c.id, FileID: fileID, Offset: offset, Length: length, Err: err,
		}
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, &peer.RequestError{
			Peer: c.id, FileID: fileID, Offset: offset, Length: length, Err: err,
		}
	}

	if offset+length > info.Size() {
		f.Close()

		return nil, &peer.RequestError{
			Peer: c.id, FileID: fileID, Offset: offset, Length: length,
			Err: fmt.Errorf("range beyond shared file of %d bytes", info.Size()),
		}
	}

	return &rangeReader{
		f: f,
		r: io.NewSectionReader(f, offset, length),
	}, nil
}

func (c *conn) Close() error { return nil }

type rangeReader struct {
	f *os.File
	r *io.SectionReader
}

func (r *rangeReader) Read(b []byte) (int, error) { return r.r.Read(b) }

func (r *rangeReader) Close() error { return r.f.Close() }
