package layer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertThenRemoveRestoresTableSize(t *testing.T) {
	tbl := NewFileTable()
	before := tbl.Len()

	fd, err := tbl.Insert(42, false)
	require.NoError(t, err)
	require.Equal(t, before+1, tbl.Len())

	e, ok := tbl.Get(fd)
	require.True(t, ok)
	require.Equal(t, uint64(42), e.RemoteFd)

	removed := tbl.Remove(fd)
	require.NotNil(t, removed)
	require.Equal(t, before, tbl.Len())
}

func TestRemoveUnmanagedFdIsNil(t *testing.T) {
	tbl := NewFileTable()
	require.Nil(t, tbl.Remove(9999))
}

func TestForkInheritsEntriesByValue(t *testing.T) {
	tbl := NewFileTable()
	fd, err := tbl.Insert(7, false)
	require.NoError(t, err)

	child := tbl.Fork()

	// the child sees the inherited fd under the same number and remote id
	e, ok := child.Get(fd)
	require.True(t, ok)
	require.Equal(t, uint64(7), e.RemoteFd)

	// by value: mutating the child's entry leaves the parent untouched
	e.DirCursor = 99
	pe, _ := tbl.Get(fd)
	require.Equal(t, uint64(0), pe.DirCursor)
}

func TestDupAtSharesRemoteHandle(t *testing.T) {
	tbl := NewFileTable()
	fd, err := tbl.Insert(11, true)
	require.NoError(t, err)

	require.True(t, tbl.DupAt(fd, fd+1000))
	e, ok := tbl.Get(fd + 1000)
	require.True(t, ok)
	require.Equal(t, uint64(11), e.RemoteFd)
	require.True(t, e.IsDir)

	require.False(t, tbl.DupAt(8888, 8889))
}
