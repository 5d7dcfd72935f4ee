package fspeer

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/M0Rf30/slskdn/internal/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupShareRoot(t *testing.T) string {
	t.Helper()

	root := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "alice"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bob"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "alice", "file-1"), []byte("hello, swarm"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bob", "file-2"), []byte("other file"), 0644))

	// Stray regular file at the root is not a peer.
	require.NoError(t, os.WriteFile(filepath.Join(root, "readme.txt"), []byte("x"), 0644))

	return root
}

func TestNetwork_DiscoverSources(t *testing.T) {
	n, err := New(setupShareRoot(t))
	require.NoError(t, err)

	announcements, err := n.DiscoverSources(context.Background(), "file-1")
	require.NoError(t, err)
	require.Len(t, announcements, 1)
	assert.Equal(t, peer.Identity("alice"), announcements[0].Peer)

	announcements, err = n.DiscoverSources(context.Background(), "file-missing")
	require.NoError(t, err)
	assert.Empty(t, announcements)
}

func TestNetwork_RequestRange(t *testing.T) {
	n, err := New(setupShareRoot(t))
	require.NoError(t, err)

	conn, err := n.Connect(context.Background(), "alice")
	require.NoError(t, err)
	defer conn.Close()

	stream, err := conn.RequestRange(context.Background(), "file-1", 7, 5)
	require.NoError(t, err)
	defer stream.Close()

	got, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, "swarm", string(got))
}

func TestNetwork_RequestRangeBeyondFile(t *testing.T) {
	n, err := New(setupShareRoot(t))
	require.NoError(t, err)

	conn, err := n.Connect(context.Background(), "alice")
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.RequestRange(context.Background(), "file-1", 0, 1<<20)
	require.Error(t, err)

	var reqErr *peer.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, peer.Identity("alice"), reqErr.Peer)
}

func TestNetwork_ConnectUnknownPeer(t *testing.T) {
	n, err := New(setupShareRoot(t))
	require.NoError(t, err)

	_, err = n.Connect(context.Background(), "mallory")

	var connErr *peer.ConnectError
	require.ErrorAs(t, err, &connErr)
}

func TestNew_Validation(t *testing.T) {
	_, err := New("")
	require.Error(t, err)

	_, err = New(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
