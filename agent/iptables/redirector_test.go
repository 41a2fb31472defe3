package iptables

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedirectorMountRefusesOnDirtyTable(t *testing.T) {
	backend := writeFakeBackend(t, "iptables-legacy", `
case "$@" in
  *"-S"*) echo "-N MIRRORD_INPUT" ;;
  *) exit 0 ;;
esac`)
	r := &Redirector{driver: NewDriver(backend), redirects: make(map[uint16]uint16)}
	r.strategy = NewRedirectStrategy(r.driver, MeshNone, false)

	err := r.Mount()
	require.Error(t, err)
	require.False(t, r.mounted)
}

func TestRedirectorMountAddRemoveClose(t *testing.T) {
	log := newFakeLog(t)
	backend := writeFakeBackend(t, "iptables-legacy", `
case "$@" in
  *"-S"*) exit 0 ;;
  *) echo "$@" >> "$FAKE_LOG"; exit 0 ;;
esac`)

	r := NewRedirector(backend, false)
	require.NoError(t, r.Mount())
	require.NoError(t, r.Mount(), "second Mount must be a no-op")

	require.NoError(t, r.AddRedirect(8080, 9090))
	require.NoError(t, r.AddRedirect(8081, 9091))

	require.NoError(t, r.Close())

	lines := readFakeLog(t, log)
	require.NotEmpty(t, lines)
	joined := strings.Join(lines, "\n")
	require.Contains(t, joined, "-D OUTPUT -j "+ChainStdOutput)
	// the chain itself is flushed and deleted last, after the jump rule
	require.Contains(t, lines[len(lines)-1], "-X "+ChainStdOutput)
}

func TestRedirectorRemoveRedirectOfUnknownPortIsNoop(t *testing.T) {
	backend := writeFakeBackend(t, "iptables-legacy", `exit 0`)
	r := NewRedirector(backend, false)
	require.NoError(t, r.RemoveRedirect(1234))
}
