package sniffer

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionKeyIsDirectionInsensitive(t *testing.T) {
	a := netip.MustParseAddr("1.1.1.1")
	b := netip.MustParseAddr("127.0.0.1")

	k1 := NewSessionKey(a, b, 3133, 80)
	k2 := NewSessionKey(b, a, 80, 3133)

	require.Equal(t, k1, k2)
}

func TestSessionKeyDistinguishesDifferentFlows(t *testing.T) {
	a := netip.MustParseAddr("1.1.1.1")
	b := netip.MustParseAddr("127.0.0.1")

	k1 := NewSessionKey(a, b, 3133, 80)
	k2 := NewSessionKey(a, b, 3133, 81)

	require.NotEqual(t, k1, k2)
}

func TestSessionKeyUsableAsMapKey(t *testing.T) {
	a := netip.MustParseAddr("1.1.1.1")
	b := netip.MustParseAddr("127.0.0.1")

	m := map[SessionKey]int{}
	m[NewSessionKey(a, b, 3133, 80)] = 1

	require.Equal(t, 1, m[NewSessionKey(b, a, 80, 3133)])
}
