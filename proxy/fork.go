package proxy

import (
	"sync"
	"sync/atomic"
)

// Global holds the process-wide *Conn the layer's detours reach through.
// It is an atomic pointer, not a mutex-guarded field, precisely so the
// post-fork replacement described below never has to take a lock that
// might already be held by a thread that no longer exists in the child
// (spec §4.4, §9 "Fork safety").
var global atomic.Pointer[Conn]

// leaked keeps every pre-fork Conn reachable so it is never garbage
// collected out from under a goroutine still blocked on its old reader,
// matching the deliberate "leak rather than touch a poisoned mutex"
// trade-off the spec calls out.
var leaked struct {
	mu    sync.Mutex
	conns []*Conn
}

// SetGlobal installs c as the current process-wide connection.
func SetGlobal(c *Conn) {
	global.Store(c)
}

// GlobalConn returns the current process-wide connection, or nil before
// the first Dial.
func GlobalConn() *Conn {
	return global.Load()
}

// AfterFork is called from the child side of the fork detour (spec §4.2
// "fork", §4.4): it leaks the inherited parent connection rather than
// closing it, dials a fresh connection to addr, and announces itself as
// forked from the parent's session id. The stale parent object's reader
// goroutine keeps running harmlessly in a process that will never issue
// another Call through it.
func AfterFork(addr string) error {
	parent := global.Load()

	var parentSession uint64
	if parent != nil {
		parentSession = parent.SessionID
		leaked.mu.Lock()
		leaked.conns = append(leaked.conns, parent)
		leaked.mu.Unlock()
	}

	child, err := Dial(addr, parentSession)
	if err != nil {
		// fatal to the child only (spec §6's propagation policy); the
		// caller is expected to abort process startup.
		return err
	}

	global.Store(child)
	return nil
}
