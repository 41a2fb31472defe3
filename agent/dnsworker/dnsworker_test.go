package dnsworker

import (
	"net/netip"
	"testing"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/driftpod/driftpod/protocol"
)

func TestAddrInfoFromIPv4(t *testing.T) {
	addr := netip.MustParseAddr("127.0.0.1")
	out := addrInfoFromIP(addr, protocol.SockStream)
	require.Len(t, out, 1)
	require.Equal(t, protocol.FamilyV4, out[0].Family)
	require.Equal(t, "127.0.0.1", out[0].Addr)
}

func TestAddrInfoFromIPv6(t *testing.T) {
	addr := netip.MustParseAddr("::1")
	out := addrInfoFromIP(addr, protocol.SockStream)
	require.Len(t, out, 1)
	require.Equal(t, protocol.FamilyV6, out[0].Family)
}

func TestAddrInfoFromAnswersSkipsNonAddressRecords(t *testing.T) {
	msg := new(dns.Msg)
	msg.Answer = []dns.RR{
		&dns.A{A: netip.MustParseAddr("10.0.0.1").AsSlice()},
		&dns.CNAME{Target: "example.com."},
	}
	out := addrInfoFromAnswers(msg, protocol.SockStream, protocol.FamilyV4)
	require.Len(t, out, 1)
	require.Equal(t, "10.0.0.1", out[0].Addr)
}

func TestFilterTypeRetagsEveryEntry(t *testing.T) {
	in := []protocol.AddrInfo{
		{Family: protocol.FamilyV4, Type: protocol.SockStream, Addr: "10.0.0.1"},
		{Family: protocol.FamilyV6, Type: protocol.SockStream, Addr: "::1"},
	}
	out := filterType(in, protocol.SockDgram)
	require.Len(t, out, 2)
	for _, r := range out {
		require.Equal(t, protocol.SockDgram, r.Type)
	}
	// original slice is untouched
	require.Equal(t, protocol.SockStream, in[0].Type)
}

func TestResolveServesFromCacheWithoutTouchingNamespaces(t *testing.T) {
	cache, err := lru.New[cacheKey, cacheEntry](8)
	require.NoError(t, err)

	w := &Worker{
		netNsPath:   "/does/not/exist",
		mountNsPath: "/does/not/exist",
		cache:       cache,
	}

	key := cacheKey{node: "cached.example", family: protocol.FamilyV4}
	cache.Add(key, cacheEntry{
		results: []protocol.AddrInfo{{Family: protocol.FamilyV4, Type: protocol.SockStream, Addr: "10.1.1.1"}},
		at:      time.Now(),
	})

	resp, err := w.Resolve(protocol.GetAddrInfoRequestV2{
		GetAddrInfoRequest: protocol.GetAddrInfoRequest{Node: "cached.example", Family: protocol.FamilyV4, Type: protocol.SockDgram},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	require.Equal(t, "10.1.1.1", resp.Results[0].Addr)
	require.Equal(t, protocol.SockDgram, resp.Results[0].Type)
}

func TestResolveExpiredCacheEntryFallsThroughToWorker(t *testing.T) {
	w, err := New("/does/not/exist/net", "/does/not/exist/mnt")
	require.NoError(t, err)

	key := cacheKey{node: "stale.example", family: protocol.FamilyV4}
	w.cache.Add(key, cacheEntry{
		results: []protocol.AddrInfo{{Family: protocol.FamilyV4, Addr: "10.2.2.2"}},
		at:      time.Now().Add(-2 * cacheTTL),
	})

	_, err = w.Resolve(protocol.GetAddrInfoRequestV2{
		GetAddrInfoRequest: protocol.GetAddrInfoRequest{Node: "stale.example", Family: protocol.FamilyV4},
	})
	require.Error(t, err)
}

func TestResolvePropagatesNamespaceOpenError(t *testing.T) {
	w, err := New("/does/not/exist/net", "/does/not/exist/mnt")
	require.NoError(t, err)

	_, err = w.Resolve(protocol.GetAddrInfoRequestV2{
		GetAddrInfoRequest: protocol.GetAddrInfoRequest{Node: "unknown.example", Family: protocol.FamilyV4},
	})
	require.Error(t, err)
}
