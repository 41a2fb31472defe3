package layer

import (
	"net"
	"sync"
)

// SocketState is the managed socket's user-visible state machine (spec
// §3: "Initialized -> Bound -> Listening -> Connected | Accepted").
type SocketState int

const (
	StateInitialized SocketState = iota
	StateBound
	StateListening
	StateConnected
	StateAccepted
)

func (s SocketState) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateBound:
		return "bound"
	case StateListening:
		return "listening"
	case StateConnected:
		return "connected"
	case StateAccepted:
		return "accepted"
	default:
		return "unknown"
	}
}

// SocketRecord captures one managed socket's user-visible state (spec
// §3): the address the application believes it bound/connected to, the
// loopback address the layer substituted underneath, and, if the
// connection was stolen from the agent's sniffer/stealer, the
// subscription id tying it back there.
type SocketRecord struct {
	State SocketState

	// UserAddr is what the application asked bind()/connect() for;
	// getsockname/getpeername must keep reporting this, never the
	// substituted loopback address (spec §4.3).
	UserAddr net.Addr

	// LoopbackAddr is the real address the underlying kernel socket is
	// bound to, substituted in by the bind detour.
	LoopbackAddr net.Addr

	// UserPort is the port the application believes it is serving,
	// which is what gets sent in PortSubscribe (spec §4.3).
	UserPort uint16

	// SubscriptionID is set once listen() has told the agent to
	// subscribe UserPort; zero until then.
	SubscriptionID uint64

	// Stolen marks a socket whose accept() is being fed by agent-
	// delivered bytes over a socketpair bridge rather than the local
	// kernel (spec §4.3).
	Stolen bool
}

// SocketTable maps local fds to managed socket records (spec §3),
// structured the same flat-map-plus-mutex way as FileTable and, further
// back, the teacher's AgentServer field layout.
type SocketTable struct {
	mu      sync.Mutex
	entries map[int32]*SocketRecord
}

func NewSocketTable() *SocketTable {
	return &SocketTable{entries: make(map[int32]*SocketRecord)}
}

func (t *SocketTable) Insert(fd int32, rec *SocketRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[fd] = rec
}

func (t *SocketTable) Get(fd int32) (*SocketRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.entries[fd]
	return r, ok
}

func (t *SocketTable) Remove(fd int32) (*SocketRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.entries[fd]
	if ok {
		delete(t.entries, fd)
	}
	return r, ok
}

func (t *SocketTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// DupAt installs newFd as a second local fd sharing oldFd's SocketRecord
// (the same pointer, so both fds track the same managed socket's state),
// used by dup(2)/dup2(2)/dup3(2). Reports false if oldFd isn't managed.
func (t *SocketTable) DupAt(oldFd, newFd int32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.entries[oldFd]
	if !ok {
		return false
	}
	t.entries[newFd] = r
	return true
}

func (t *SocketTable) Fork() *SocketTable {
	t.mu.Lock()
	defer t.mu.Unlock()

	child := NewSocketTable()
	for fd, r := range t.entries {
		dup := *r
		child.entries[fd] = &dup
	}
	return child
}
