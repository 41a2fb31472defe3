// Package dnsworker resolves hostnames inside the target's network and
// mount namespaces. A request whose answer is in the cache (younger than
// cacheTTL) is answered from it directly; every other request is
// serviced on a single worker goroutine, where resolv.conf is re-parsed
// fresh from inside the target's mount namespace, since it can change
// underneath a long-lived agent (a new pod spec, a ConfigMap reload).
package dnsworker

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/miekg/dns"

	"github.com/driftpod/driftpod/internal/sysnet"
	"github.com/driftpod/driftpod/protocol"
)

// cacheTTL bounds how long a resolved answer is reused without going
// back to the target's resolver, a fixed TTL rather than honoring each
// record's own.
const cacheTTL = 5 * time.Second

type cacheKey struct {
	node   string
	family protocol.AddrFamily
}

type cacheEntry struct {
	results []protocol.AddrInfo
	at      time.Time
}

// Worker serializes every resolution through one goroutine so two
// concurrent lookups never race each other's Setns calls on the same OS
// thread.
type Worker struct {
	netNsPath   string
	mountNsPath string

	requests chan request

	cache *lru.Cache[cacheKey, cacheEntry]
}

type request struct {
	req  protocol.GetAddrInfoRequestV2
	resp chan result
}

type result struct {
	resp protocol.GetAddrInfoResponse
	err  error
}

// New starts a worker resolving inside the namespaces named by the given
// /proc/<pid>/ns/{net,mnt} paths.
func New(netNsPath, mountNsPath string) (*Worker, error) {
	cache, err := lru.New[cacheKey, cacheEntry](256)
	if err != nil {
		return nil, fmt.Errorf("dnsworker: new cache: %w", err)
	}

	w := &Worker{
		netNsPath:   netNsPath,
		mountNsPath: mountNsPath,
		requests:    make(chan request, 64),
		cache:       cache,
	}
	go w.run()
	return w, nil
}

func (w *Worker) run() {
	for req := range w.requests {
		resp, err := w.resolve(req.req)
		req.resp <- result{resp: resp, err: err}
	}
}

// Resolve services a GetAddrInfo call: v1 requests arrive with
// Flags/Protocol zeroed, which the resolver already ignores, so v1 and
// v2 share one code path.
func (w *Worker) Resolve(req protocol.GetAddrInfoRequestV2) (protocol.GetAddrInfoResponse, error) {
	key := cacheKey{node: req.Node, family: req.Family}
	if entry, ok := w.cache.Get(key); ok && time.Since(entry.at) < cacheTTL {
		return protocol.GetAddrInfoResponse{Results: filterType(entry.results, req.Type)}, nil
	}

	respCh := make(chan result, 1)
	w.requests <- request{req: req, resp: respCh}
	r := <-respCh
	if r.err == nil {
		w.cache.Add(key, cacheEntry{results: r.resp.Results, at: time.Now()})
	}
	return r.resp, r.err
}

func (w *Worker) resolve(req protocol.GetAddrInfoRequestV2) (protocol.GetAddrInfoResponse, error) {
	netNs, err := os.Open(w.netNsPath)
	if err != nil {
		return protocol.GetAddrInfoResponse{}, fmt.Errorf("dnsworker: open netns: %w", err)
	}
	defer netNs.Close()

	mountNs, err := os.Open(w.mountNsPath)
	if err != nil {
		return protocol.GetAddrInfoResponse{}, fmt.Errorf("dnsworker: open mountns: %w", err)
	}
	defer mountNs.Close()

	// resolv.conf lives behind the target's mount namespace, but the UDP
	// query itself must leave through its network namespace; both are
	// entered for the whole lookup.
	return sysnet.WithNetns(netNs, func() (protocol.GetAddrInfoResponse, error) {
		return sysnet.WithMountns(mountNs, func() (protocol.GetAddrInfoResponse, error) {
			return w.resolveInNamespace(req)
		})
	})
}

func (w *Worker) resolveInNamespace(req protocol.GetAddrInfoRequestV2) (protocol.GetAddrInfoResponse, error) {
	// a bare IP literal resolves without touching the network at all
	if addr, err := netip.ParseAddr(req.Node); err == nil {
		return protocol.GetAddrInfoResponse{Results: addrInfoFromIP(addr, req.Type)}, nil
	}

	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return protocol.GetAddrInfoResponse{}, fmt.Errorf("dnsworker: parse resolv.conf: %w", err)
	}
	if len(cfg.Servers) == 0 {
		return protocol.GetAddrInfoResponse{}, fmt.Errorf("dnsworker: no nameservers configured")
	}

	var results []protocol.AddrInfo
	if req.Family == protocol.FamilyV4 || req.Family == protocol.FamilyBoth || req.Family == protocol.FamilyAny {
		r, err := w.query(cfg, req.Node, dns.TypeA)
		if err == nil {
			results = append(results, addrInfoFromAnswers(r, req.Type, protocol.FamilyV4)...)
		}
	}
	if req.Family == protocol.FamilyV6 || req.Family == protocol.FamilyBoth || req.Family == protocol.FamilyAny {
		r, err := w.query(cfg, req.Node, dns.TypeAAAA)
		if err == nil {
			results = append(results, addrInfoFromAnswers(r, req.Type, protocol.FamilyV6)...)
		}
	}
	if len(results) == 0 {
		return protocol.GetAddrInfoResponse{}, fmt.Errorf("dnsworker: %s: no results", req.Node)
	}
	return protocol.GetAddrInfoResponse{Results: results}, nil
}

func (w *Worker) query(cfg *dns.ClientConfig, node string, qtype uint16) (*dns.Msg, error) {
	c := new(dns.Client)
	c.Timeout = 5 * time.Second

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(node), qtype)

	var lastErr error
	for _, server := range cfg.Servers {
		r, _, err := c.Exchange(m, server+":"+cfg.Port)
		if err != nil {
			lastErr = err
			continue
		}
		return r, nil
	}
	return nil, lastErr
}

func addrInfoFromAnswers(msg *dns.Msg, typ protocol.SockType, family protocol.AddrFamily) []protocol.AddrInfo {
	var out []protocol.AddrInfo
	for _, rr := range msg.Answer {
		var addr string
		switch rec := rr.(type) {
		case *dns.A:
			addr = rec.A.String()
		case *dns.AAAA:
			addr = rec.AAAA.String()
		default:
			continue
		}
		out = append(out, protocol.AddrInfo{Family: family, Type: typ, Addr: addr})
	}
	return out
}

func addrInfoFromIP(addr netip.Addr, typ protocol.SockType) []protocol.AddrInfo {
	family := protocol.FamilyV4
	if addr.Is6() && !addr.Is4In6() {
		family = protocol.FamilyV6
	}
	return []protocol.AddrInfo{{Family: family, Type: typ, Addr: addr.String()}}
}

func filterType(results []protocol.AddrInfo, typ protocol.SockType) []protocol.AddrInfo {
	out := make([]protocol.AddrInfo, len(results))
	for i, r := range results {
		r.Type = typ
		out[i] = r
	}
	return out
}
