package iptables

import (
	"fmt"
	"os/exec"
	"strings"
)

// MeshVendor is detected by inspecting existing chains and annotations
// (spec §4.6): different vendors claim the OUTPUT chain differently, so
// the redirect strategy must place its jump rule where the sidecar's own
// NAT rules still take effect.
type MeshVendor int

const (
	MeshNone MeshVendor = iota
	MeshIstioSidecar
	MeshIstioAmbient
	MeshLinkerd
	MeshKuma
)

// DetectMeshVendor inspects the nat table's existing chains for the
// fingerprints each mesh CNI leaves behind.
func DetectMeshVendor(driver *Driver) MeshVendor {
	chains := driver.listChainNames()

	switch {
	case contains(chains, "ISTIO_OUTPUT") && contains(chains, "ISTIO_REDIRECT"):
		return MeshIstioSidecar
	case contains(chains, "ZTUNNEL_OUTPUT"):
		return MeshIstioAmbient
	case contains(chains, "PROXY_INIT_REDIRECT"):
		return MeshLinkerd
	case contains(chains, "KUMA_MESH_OUTPUT"):
		return MeshKuma
	default:
		return MeshNone
	}
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func (d *Driver) listChainNames() []string {
	cmd := exec.Command(string(d.backend), "-t", Table, "-S")
	out, err := cmd.Output()
	if err != nil {
		return nil
	}

	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == "-N" {
			names = append(names, fields[1])
		}
	}
	return names
}

// RedirectStrategy is the capability interface every vendor-specific
// placement implements (spec §4.6: "Strategy is polymorphic over the
// capability set {mount_entrypoint, unmount_entrypoint, add_redirect,
// remove_redirect}").
type RedirectStrategy interface {
	MountEntrypoint() error
	UnmountEntrypoint() error
	AddRedirect(port uint16, targetPort uint16) error
	RemoveRedirect(port uint16, targetPort uint16) error
}

// NewRedirectStrategy selects the variant matching vendor. With no mesh
// detected (MeshNone) the standard strategy jumps from the built-in OUTPUT
// chain; PreroutingFallback is chosen only for a vendor value none of the
// cases recognise, favoring the always-available PREROUTING hook over
// guessing at OUTPUT ordering.
func NewRedirectStrategy(driver *Driver, vendor MeshVendor, flushConnections bool) RedirectStrategy {
	var base RedirectStrategy
	switch vendor {
	case MeshIstioSidecar, MeshLinkerd, MeshKuma:
		base = &meshStrategy{driver: driver, chain: ChainMeshOutput, entrypointChain: "OUTPUT"}
	case MeshIstioAmbient:
		base = &ambientMeshStrategy{driver: driver, chain: ChainMeshOutput}
	case MeshNone:
		base = &standardStrategy{driver: driver, chain: ChainStdOutput}
	default:
		base = &preroutingFallbackStrategy{driver: driver, chain: ChainPrerouting}
	}

	if flushConnections {
		return &flushConnectionsWrapper{inner: base}
	}
	return base
}

type standardStrategy struct {
	driver *Driver
	handle *ChainHandle
	chain  string
}

func (s *standardStrategy) MountEntrypoint() error {
	h, err := NewChain(s.driver, s.chain)
	if err != nil {
		return err
	}
	s.handle = h
	return s.driver.run("-t", Table, "-A", "OUTPUT", "-j", s.chain)
}

func (s *standardStrategy) UnmountEntrypoint() error {
	_ = s.driver.run("-t", Table, "-D", "OUTPUT", "-j", s.chain)
	if s.handle != nil {
		return s.handle.Close()
	}
	return nil
}

func (s *standardStrategy) AddRedirect(port, target uint16) error {
	return s.handle.InsertRule("-p", "tcp", "--dport", fmt.Sprint(port), "-j", "REDIRECT", "--to-port", fmt.Sprint(target))
}

func (s *standardStrategy) RemoveRedirect(port, target uint16) error {
	return s.handle.DeleteRule("-p", "tcp", "--dport", fmt.Sprint(port), "-j", "REDIRECT", "--to-port", fmt.Sprint(target))
}

// meshStrategy jumps from the sidecar's own OUTPUT chain instead of the
// built-in OUTPUT chain, so the sidecar's NAT rules still run first.
type meshStrategy struct {
	driver          *Driver
	handle          *ChainHandle
	chain           string
	entrypointChain string
}

func (s *meshStrategy) MountEntrypoint() error {
	h, err := NewChain(s.driver, s.chain)
	if err != nil {
		return err
	}
	s.handle = h
	return s.driver.run("-t", Table, "-I", s.entrypointChain, "1", "-j", s.chain)
}

func (s *meshStrategy) UnmountEntrypoint() error {
	_ = s.driver.run("-t", Table, "-D", s.entrypointChain, "-j", s.chain)
	if s.handle != nil {
		return s.handle.Close()
	}
	return nil
}

func (s *meshStrategy) AddRedirect(port, target uint16) error {
	return s.handle.InsertRule("-p", "tcp", "--dport", fmt.Sprint(port), "-j", "REDIRECT", "--to-port", fmt.Sprint(target))
}

func (s *meshStrategy) RemoveRedirect(port, target uint16) error {
	return s.handle.DeleteRule("-p", "tcp", "--dport", fmt.Sprint(port), "-j", "REDIRECT", "--to-port", fmt.Sprint(target))
}

// ambientMeshStrategy places redirects ahead of ztunnel's own redirection
// so mirrord still observes the plaintext traffic ztunnel would otherwise
// claim first.
type ambientMeshStrategy struct {
	driver *Driver
	handle *ChainHandle
	chain  string
}

func (s *ambientMeshStrategy) MountEntrypoint() error {
	h, err := NewChain(s.driver, s.chain)
	if err != nil {
		return err
	}
	s.handle = h
	return s.driver.run("-t", Table, "-I", "OUTPUT", "1", "-j", s.chain)
}

func (s *ambientMeshStrategy) UnmountEntrypoint() error {
	_ = s.driver.run("-t", Table, "-D", "OUTPUT", "-j", s.chain)
	if s.handle != nil {
		return s.handle.Close()
	}
	return nil
}

func (s *ambientMeshStrategy) AddRedirect(port, target uint16) error {
	return s.handle.InsertRule("-p", "tcp", "--dport", fmt.Sprint(port), "-j", "REDIRECT", "--to-port", fmt.Sprint(target))
}

func (s *ambientMeshStrategy) RemoveRedirect(port, target uint16) error {
	return s.handle.DeleteRule("-p", "tcp", "--dport", fmt.Sprint(port), "-j", "REDIRECT", "--to-port", fmt.Sprint(target))
}

// preroutingFallbackStrategy redirects from PREROUTING instead of OUTPUT,
// for environments where OUTPUT ordering can't be trusted.
type preroutingFallbackStrategy struct {
	driver *Driver
	handle *ChainHandle
	chain  string
}

func (s *preroutingFallbackStrategy) MountEntrypoint() error {
	h, err := NewChain(s.driver, s.chain)
	if err != nil {
		return err
	}
	s.handle = h
	return s.driver.run("-t", Table, "-A", "PREROUTING", "-j", s.chain)
}

func (s *preroutingFallbackStrategy) UnmountEntrypoint() error {
	_ = s.driver.run("-t", Table, "-D", "PREROUTING", "-j", s.chain)
	if s.handle != nil {
		return s.handle.Close()
	}
	return nil
}

func (s *preroutingFallbackStrategy) AddRedirect(port, target uint16) error {
	return s.handle.InsertRule("-p", "tcp", "--dport", fmt.Sprint(port), "-j", "REDIRECT", "--to-port", fmt.Sprint(target))
}

func (s *preroutingFallbackStrategy) RemoveRedirect(port, target uint16) error {
	return s.handle.DeleteRule("-p", "tcp", "--dport", fmt.Sprint(port), "-j", "REDIRECT", "--to-port", fmt.Sprint(target))
}

// flushConnectionsWrapper flushes conntrack entries for the affected port
// after each mutation, so already-established connections re-route
// through the new rule instead of riding out their existing conntrack
// entry (spec §4.6: "flushes conntrack entries ... so in-flight
// connections re-route").
type flushConnectionsWrapper struct {
	inner RedirectStrategy
}

func (w *flushConnectionsWrapper) MountEntrypoint() error   { return w.inner.MountEntrypoint() }
func (w *flushConnectionsWrapper) UnmountEntrypoint() error { return w.inner.UnmountEntrypoint() }

func (w *flushConnectionsWrapper) AddRedirect(port, target uint16) error {
	if err := w.inner.AddRedirect(port, target); err != nil {
		return err
	}
	return flushConntrackPort(port)
}

func (w *flushConnectionsWrapper) RemoveRedirect(port, target uint16) error {
	if err := w.inner.RemoveRedirect(port, target); err != nil {
		return err
	}
	return flushConntrackPort(port)
}

func flushConntrackPort(port uint16) error {
	cmd := exec.Command("conntrack", "-D", "-p", "tcp", "--dport", fmt.Sprint(port))
	// conntrack exits non-zero when there's simply nothing to delete;
	// that's not a failure worth propagating.
	_ = cmd.Run()
	return nil
}
