package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkspaceCache_ColdThenWarm(t *testing.T) {
	base := t.TempDir()
	c := NewWorkspaceCache(base)

	dir1, warm1, err := c.Dir("acme/widgets")
	require.NoError(t, err)
	require.False(t, warm1)
	require.DirExists(t, dir1)

	dir2, warm2, err := c.Dir("acme/widgets")
	require.NoError(t, err)
	require.True(t, warm2)
	require.Equal(t, dir1, dir2)
}

func TestWorkspaceCache_DistinctReposDontCollide(t *testing.T) {
	base := t.TempDir()
	c := NewWorkspaceCache(base)

	dirA, _, err := c.Dir("acme/widgets")
	require.NoError(t, err)
	dirB, _, err := c.Dir("acme/gadgets")
	require.NoError(t, err)
	require.NotEqual(t, dirA, dirB)
}

func TestWorkspaceCache_EvictRemovesDirectory(t *testing.T) {
	base := t.TempDir()
	c := NewWorkspaceCache(base)

	dir, _, err := c.Dir("acme/widgets")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker"), []byte("x"), 0o644))

	require.NoError(t, c.Evict("acme/widgets"))
	require.NoDirExists(t, dir)

	_, warm, err := c.Dir("acme/widgets")
	require.NoError(t, err)
	require.False(t, warm)
}
