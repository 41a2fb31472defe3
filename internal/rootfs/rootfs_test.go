package rootfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenFileWithinRoot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hi"), 0644))

	fs, err := Open(dir)
	require.NoError(t, err)
	defer fs.Close()

	f, err := fs.Open("a.txt")
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, 2)
	_, err = f.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hi", string(buf))
}

func TestOpenFileRejectsDotDot(t *testing.T) {
	dir := t.TempDir()
	fs, err := Open(dir)
	require.NoError(t, err)
	defer fs.Close()

	_, err = fs.Open("../etc/passwd")
	require.Error(t, err)
}

func TestReadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "f"), nil, 0644))

	fs, err := Open(dir)
	require.NoError(t, err)
	defer fs.Close()

	entries, err := fs.ReadDir("sub")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "f", entries[0].Name())
}
