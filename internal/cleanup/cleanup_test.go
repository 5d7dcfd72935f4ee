package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeleteStaleParts(t *testing.T) {
	dir := t.TempDir()

	stale := filepath.Join(dir, "old.flac.part")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0644))

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	fresh := filepath.Join(dir, "new.flac.part")
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0644))

	finished := filepath.Join(dir, "done.flac")
	require.NoError(t, os.WriteFile(finished, []byte("x"), 0644))
	require.NoError(t, os.Chtimes(finished, old, old))

	require.NoError(t, DeleteStaleParts(context.Background(), dir, 24*time.Hour))

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale part should be gone")

	_, err = os.Stat(fresh)
	assert.NoError(t, err, "fresh part should survive")

	_, err = os.Stat(finished)
	assert.NoError(t, err, "finished artifacts are never touched")
}

func TestDeleteStaleParts_SearchesSubdirectories(t *testing.T) {
	dir := t.TempDir()

	nested := filepath.Join(dir, "album", "track.flac.part")
	require.NoError(t, os.MkdirAll(filepath.Dir(nested), 0755))
	require.NoError(t, os.WriteFile(nested, []byte("x"), 0644))

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(nested, old, old))

	require.NoError(t, DeleteStaleParts(context.Background(), dir, 24*time.Hour))

	_, err := os.Stat(nested)
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteStaleParts_MissingDir(t *testing.T) {
	assert.NoError(t, DeleteStaleParts(context.Background(), filepath.Join(t.TempDir(), "nope"), time.Hour))
}
