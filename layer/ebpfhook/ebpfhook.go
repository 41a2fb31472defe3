// Package ebpfhook is the additive cgroup-eBPF fast path for socket
// detours (SPEC_FULL §2 substitution over spec.md §4.1): for processes
// whose cgroup the injector controls, connect/sendmsg/getpeername are
// redirected at the kernel level instead of through a userspace detour.
// It is never the sole installer of a socket hook — layer/hooks_socket.go
// remains mandatory — so a target whose cgroup this package cannot attach
// to degrades to the symbol-hooking path alone.
//
// Grounded on the teacher's scon/bpf.ContainerBpfManager: the same
// attachOneCgLocked pattern (one *link.Link per attach point, collected
// into a closer slice for Close), generalized from the teacher's own
// local-forward feature to our connect/sendmsg/getpeername redirect set.
package ebpfhook

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
)

// Manager attaches and tracks the cgroup programs that redirect a
// single target process's outbound connect/sendmsg calls toward the
// internal proxy. One Manager per target cgroup.
type Manager struct {
	mu      sync.Mutex
	cgPath  string
	closers []ebpfCloser
}

type ebpfCloser interface {
	Close() error
}

func New(cgroupPath string) *Manager {
	return &Manager{cgPath: cgroupPath}
}

func (m *Manager) attachOneLocked(typ ebpf.AttachType, prog *ebpf.Program) error {
	l, err := link.AttachCgroup(link.CgroupOptions{
		Path:    m.cgPath,
		Attach:  typ,
		Program: prog,
	})
	if err != nil {
		return fmt.Errorf("ebpfhook: attach %v: %w", typ, err)
	}
	m.closers = append(m.closers, l)
	return nil
}

// Programs bundles the compiled cgroup programs a caller loads from the
// layer's embedded eBPF object file (built out-of-band; loading it is
// out of scope for this component, which only attaches already-loaded
// programs — mirroring how AttachLfwd in the teacher receives
// pre-assigned *ebpf.Program fields from loadLfwd()).
type Programs struct {
	Connect4     *ebpf.Program
	Connect6     *ebpf.Program
	Sendmsg4     *ebpf.Program
	Sendmsg6     *ebpf.Program
	GetPeername4 *ebpf.Program
	GetPeername6 *ebpf.Program
}

// Attach installs every non-nil program in progs on the manager's
// cgroup. A partial Programs value (e.g. v4 only) is fine; nil fields are
// skipped rather than erroring, since a target may be IPv4-only.
func (m *Manager) Attach(progs Programs) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	type attachment struct {
		typ  ebpf.AttachType
		prog *ebpf.Program
	}
	for _, a := range []attachment{
		{ebpf.AttachCGroupInet4Connect, progs.Connect4},
		{ebpf.AttachCGroupInet6Connect, progs.Connect6},
		{ebpf.AttachCGroupUDP4Sendmsg, progs.Sendmsg4},
		{ebpf.AttachCGroupUDP6Sendmsg, progs.Sendmsg6},
		{ebpf.AttachCgroupInet4GetPeername, progs.GetPeername4},
		{ebpf.AttachCgroupInet6GetPeername, progs.GetPeername6},
	} {
		if a.prog == nil {
			continue
		}
		if err := m.attachOneLocked(a.typ, a.prog); err != nil {
			return err
		}
	}
	return nil
}

// Close detaches every attached program. Errors from individual closers
// are joined rather than short-circuited, the same all-of-them-please
// policy as the teacher's ContainerBpfManager.Close.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.closers = nil
	return errors.Join(errs...)
}
