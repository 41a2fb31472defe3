package proxy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAfterForkReplacesGlobalAndLeaksParent(t *testing.T) {
	fa := startFakeAgent(t)
	defer fa.ln.Close()

	parent, err := Dial(fa.ln.Addr().String(), 0)
	require.NoError(t, err)
	SetGlobal(parent)

	require.NoError(t, AfterFork(fa.ln.Addr().String()))

	child := GlobalConn()
	require.NotSame(t, parent, child)

	leaked.mu.Lock()
	n := len(leaked.conns)
	leaked.mu.Unlock()
	require.Equal(t, 1, n)

	// the child completed its own handshake: the fake agent hands every
	// session id 7.
	require.Equal(t, uint64(7), child.SessionID)
}

func TestAfterForkWithNoParentStillDials(t *testing.T) {
	global.Store(nil)

	fa := startFakeAgent(t)
	defer fa.ln.Close()

	require.NoError(t, AfterFork(fa.ln.Addr().String()))
	require.NotNil(t, GlobalConn())
}
