// Package layer is the interception layer (spec §1, §4.1-§4.3): the
// shared library injected into the target process that installs detours
// over a closed set of libc symbols, maintains the local fd/socket
// tables, and forwards redirected calls to the internal proxy over
// proxy.Conn.
//
// The package is split into a cgo-free policy/table/detour core (this
// file, filetable.go, sockettable.go, policy.go, hooks_file.go,
// hooks_socket.go, arena.go — all plain Go, all unit-testable) and a
// thin cgo export shim (export.go) that exposes the libc-visible entry
// points the hook manager patches. Keeping the split this way follows
// the teacher's own separation in vmgr/vzf: a cgo bridge file limited to
// marshaling, with the real logic in ordinary Go.
package layer

import (
	"os"
	"sync/atomic"

	"github.com/driftpod/driftpod/internal/conf"
	"github.com/driftpod/driftpod/layer/hook"
	"github.com/driftpod/driftpod/protocol"
	"github.com/driftpod/driftpod/proxy"
	"github.com/sirupsen/logrus"
)

// Layer is the process-wide interception state. There is exactly one
// instance per target process, constructed once at load time and
// replaced (tables copied, connection redialed) across fork.
type Layer struct {
	Files   *FileTable
	Sockets *SocketTable
	Policy  *Policy
	Hooks   *hook.Manager
	Arena   *AddrInfoArena
	events  *eventRouter

	cfg conf.Config
}

var current atomic.Pointer[Layer]

// Init is called exactly once from the cgo constructor (export.go's
// driftpod_init, invoked via a C __attribute__((constructor)) when the
// shared library loads). It reads the environment, dials the internal
// proxy unless trace-only mode is set, and installs every detour.
func Init() (*Layer, error) {
	cfg := conf.Load()

	l := &Layer{
		Files:   NewFileTable(),
		Sockets: NewSocketTable(),
		Policy:  NewPolicy(),
		Hooks:   hook.NewManager(),
		Arena:   NewAddrInfoArena(),
		events:  newEventRouter(),
		cfg:     cfg,
	}

	if !cfg.TraceOnly {
		conn, err := proxy.Dial(cfg.IntproxyAddr, 0)
		if err != nil {
			logrus.WithError(err).Error("layer: failed to dial internal proxy")
			return nil, err
		}
		proxy.SetGlobal(conn)
		go l.events.run(conn)
		l.fetchRemoteEnv(conn)
	}

	if err := l.installDetours(); err != nil {
		return nil, err
	}

	current.Store(l)
	return l, nil
}

// Current returns the process-wide Layer installed by Init, or nil
// before it has run.
func Current() *Layer {
	return current.Load()
}

// AfterFork is invoked from the child side of the fork detour (spec
// §4.2, §4.4, §9): it forks the layer-side tables by value, as the child
// inherits them at the OS level too, and replaces the proxy connection
// rather than sharing the parent's (a mutex owned by a thread that no
// longer exists in the child must never be touched again).
func AfterFork() error {
	parent := Current()
	if parent == nil {
		return nil
	}

	child := &Layer{
		Files:   parent.Files.Fork(),
		Sockets: parent.Sockets.Fork(),
		Policy:  parent.Policy,
		Hooks:   parent.Hooks,
		Arena:   NewAddrInfoArena(),
		events:  newEventRouter(),
		cfg:     parent.cfg,
	}
	current.Store(child)

	if child.cfg.TraceOnly {
		return nil
	}
	if err := proxy.AfterFork(child.cfg.IntproxyAddr); err != nil {
		return err
	}
	go child.events.run(proxy.GlobalConn())
	return nil
}

// fetchRemoteEnv imports the target pod's environment into this process
// once per process tree (spec §6): the marker variable keeps forked and
// exec'd children, which inherit both the env and the marker, from
// refetching.
func (l *Layer) fetchRemoteEnv(conn *proxy.Conn) {
	if l.cfg.RemoteEnvFetched {
		return
	}

	frame, err := conn.Call(protocol.KindGetEnvVarsRequest, protocol.GetEnvVarsRequest{})
	if err != nil {
		logrus.WithError(err).Warn("layer: remote env fetch failed")
		return
	}
	var resp protocol.GetEnvVarsResponse
	if err := protocol.Unmarshal(frame, &resp); err != nil {
		logrus.WithError(err).Warn("layer: remote env decode failed")
		return
	}

	for name, value := range resp.Vars {
		if _, present := os.LookupEnv(name); !present {
			os.Setenv(name, value)
		}
	}
	os.Setenv(conf.EnvRemoteEnvFetched, "1")
}

// TraceOnly reports whether the proxy connection is disabled for this
// process (MIRRORD_LAYER_TRACE_ONLY), in which case every detour must
// bypass straight to the original implementation (spec §6).
func (l *Layer) TraceOnly() bool {
	return l.cfg.TraceOnly
}

// conn returns the process-wide proxy connection, logging a warning on
// every call that finds none, as when Init somehow ran in trace-only mode and a detour tried to use it
// anyway — that is a bug in the detour, since it should have checked
// TraceOnly() first.
func (l *Layer) conn() *proxy.Conn {
	c := proxy.GlobalConn()
	if c == nil {
		logrus.Warn("layer: no proxy connection available")
	}
	return c
}

