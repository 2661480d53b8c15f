package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	id := Generate("")
	assert.Len(t, id.NodeID, 8)
	assert.Equal(t, strings.ToUpper(id.NodeID), id.NodeID)
	assert.Equal(t, "User_"+id.NodeID[:4], id.DisplayName)

	named := Generate("alice")
	assert.Equal(t, "alice", named.DisplayName)
	assert.NotEqual(t, id.NodeID, named.NodeID)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)
	id := Generate("bob")
	require.NoError(t, id.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), FileName))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadFillsDefaultName(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"node_id":"ABCDEF12"}`), 0600))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "User_ABCD", got.DisplayName)

	require.NoError(t, os.WriteFile(path, []byte(`{"display_name":"x"}`), 0600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestLoadOrCreateIsStable(t *testing.T) {
	dir := t.TempDir()
	first, err := LoadOrCreate(dir)
	require.NoError(t, err)
	second, err := LoadOrCreate(dir)
	require.NoError(t, err)
	assert.Equal(t, first.NodeID, second.NodeID)
}

func TestRename(t *testing.T) {
	dir := t.TempDir()
	id, err := LoadOrCreate(dir)
	require.NoError(t, err)

	require.NoError(t, id.Rename(Path(dir), "  carol "))
	got, err := Load(Path(dir))
	require.NoError(t, err)
	assert.Equal(t, "carol", got.DisplayName)

	assert.Error(t, id.Rename(Path(dir), "   "))
}
