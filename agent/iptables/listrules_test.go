package iptables

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListMirrordRulesEmptyOnCleanTable(t *testing.T) {
	backend := writeFakeBackend(t, "iptables-legacy", `
case "$@" in
  *"-S"*) echo "-N DOCKER"; echo "-N KUBE-SERVICES" ;;
  *) exit 0 ;;
esac`)

	found, err := ListMirrordRules(NewDriver(backend))
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestListMirrordRulesDetectsDirtyChain(t *testing.T) {
	backend := writeFakeBackend(t, "iptables-legacy", `
case "$@" in
  *"-S"*) echo "-N DOCKER"; echo "-N MIRRORD_INPUT" ;;
  *) exit 0 ;;
esac`)

	found, err := ListMirrordRules(NewDriver(backend))
	require.NoError(t, err)
	require.Equal(t, []string{ChainPrerouting}, found)
}
