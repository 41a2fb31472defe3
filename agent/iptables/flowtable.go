package iptables

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// maxNetlinkTries bounds the retry loop below; ported from the teacher's
// nft/flowtable.go comment: recent vishvananda/netlink versions return
// NLM_F_DUMP_INTR ("results may be incomplete or inconsistent") under
// concurrent netlink traffic, and a short retry clears it in practice.
const maxNetlinkTries = 5

// netlinkLinkList lists every network link, retrying past the
// occasionally-returned "inconsistent dump" error instead of surfacing it,
// the same tolerance the teacher's nft/flowtable.go applies.
func netlinkLinkList() ([]netlink.Link, error) {
	var links []netlink.Link
	var err error
	for i := 0; i < maxNetlinkTries; i++ {
		links, err = netlink.LinkList()
		if err == nil {
			return links, nil
		}
	}
	return links, err
}

// DefaultInterface auto-detects the interface carrying the default route,
// for the sniffer's "auto-detected from the default route" fallback
// (spec §4.5). Returns "" if no default route is found; the caller falls
// back to "eth0".
func DefaultInterface() (string, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return "", fmt.Errorf("iptables: list routes: %w", err)
	}

	links, err := netlinkLinkList()
	if err != nil {
		return "", fmt.Errorf("iptables: list links: %w", err)
	}
	byIndex := make(map[int]string, len(links))
	for _, l := range links {
		byIndex[l.Attrs().Index] = l.Attrs().Name
	}

	for _, r := range routes {
		if r.Dst != nil {
			// a default route has no destination (0.0.0.0/0 is stored as nil Dst)
			continue
		}
		if name, ok := byIndex[r.LinkIndex]; ok && hasAddress(name) {
			return name, nil
		}
	}
	return "", nil
}

// hasAddress reports whether iface currently has any IP address bound,
// used by the agent's startup probe to decide whether the auto-detected
// interface is actually usable before handing it to the sniffer.
func hasAddress(iface string) bool {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return false
	}
	addrs, err := ifi.Addrs()
	return err == nil && len(addrs) > 0
}
