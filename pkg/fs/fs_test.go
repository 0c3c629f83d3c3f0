package fs_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/microsoft/service-fabric-sub010/pkg/fs"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "head")

	require.NoError(t, fs.WriteFileAtomic(path, []byte("one"), 0666))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "one", string(b))

	require.NoError(t, fs.WriteFileAtomic(path, []byte("two"), 0666))
	b, err = os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "two", string(b))

	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestSyncDir(t *testing.T) {
	require.NoError(t, fs.SyncDir(t.TempDir()))
	require.Error(t, fs.SyncDir(filepath.Join(t.TempDir(), "missing")))
}
