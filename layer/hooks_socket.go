package layer

import (
	"fmt"
	"net"
	"os"

	"github.com/driftpod/driftpod/internal/ferr"
	"github.com/driftpod/driftpod/protocol"
	"golang.org/x/sys/unix"
)

// RegisterSocket records a freshly created socket(2) fd as Initialized
// (spec §4.3). The application already has the real fd; this only adds
// layer-side bookkeeping.
func (l *Layer) RegisterSocket(fd int32) {
	l.Sockets.Insert(fd, &SocketRecord{State: StateInitialized})
}

// Bind substitutes the application's requested address with a
// loopback:ephemeral-port pair, actually binding the kernel socket there
// while remembering what the application asked for (spec §4.3). Returns
// the loopback sockaddr the caller must actually pass to the real
// bind(2) syscall on fd.
func (l *Layer) Bind(fd int32, userAddr net.Addr, v6 bool) (unix.Sockaddr, error) {
	rec, ok := l.Sockets.Get(fd)
	if !ok {
		return nil, ferr.NotFound(uint64(fd))
	}

	var sa unix.Sockaddr
	if v6 {
		sa = &unix.SockaddrInet6{Port: 0, Addr: [16]byte{15: 1}}
	} else {
		sa = &unix.SockaddrInet4{Port: 0, Addr: [4]byte{127, 0, 0, 1}}
	}

	rec.UserAddr = userAddr
	rec.State = StateBound
	return sa, nil
}

// BindCompleted records the loopback address the kernel actually
// assigned after the real bind(2) call returns success, and extracts the
// user-visible port the application believes it is serving.
func (l *Layer) BindCompleted(fd int32, loopbackAddr net.Addr) error {
	rec, ok := l.Sockets.Get(fd)
	if !ok {
		return ferr.NotFound(uint64(fd))
	}
	rec.LoopbackAddr = loopbackAddr

	if tcpAddr, ok := rec.UserAddr.(*net.TCPAddr); ok {
		rec.UserPort = uint16(tcpAddr.Port)
	}
	return nil
}

// Listen forwards to the kernel (the caller already did that) and tells
// the agent to subscribe the user-visible port (spec §4.3).
func (l *Layer) Listen(fd int32) error {
	rec, ok := l.Sockets.Get(fd)
	if !ok {
		return ferr.NotFound(uint64(fd))
	}

	frame, err := l.conn().Call(protocol.KindTcpSubscribeRequest, protocol.TcpSubscribeRequest{Port: rec.UserPort})
	if err != nil {
		return err
	}
	var resp protocol.TcpSubscribeResponse
	if err := protocol.Unmarshal(frame, &resp); err != nil {
		return err
	}

	rec.State = StateListening
	rec.SubscriptionID = uint64(resp.Port)
	l.events.registerPort(resp.Port)
	return nil
}

// AcceptResult is what the accept() detour hands back to its cgo shim:
// either a real kernel-accepted fd, or a synthetic one bridging a
// stolen/mirrored connection.
type AcceptResult struct {
	Fd         int32
	SourceAddr string
	SourcePort uint16
}

// acceptOutcome is the kernel-accept goroutine's result.
type acceptOutcome struct {
	fd  int
	sa  unix.Sockaddr
	err error
}

// Accept waits for either a real kernel-accepted connection or an
// agent-announced stolen/mirrored connection, whichever arrives first
// (spec §4.3). A stolen connection is bridged to the application via a
// socketpair: one end becomes the "accepted" fd, the other is pumped by
// a background goroutine translating agent events into bytes.
func (l *Layer) Accept(listenFd int32) (AcceptResult, error) {
	rec, ok := l.Sockets.Get(listenFd)
	if !ok {
		return AcceptResult{}, ferr.NotFound(uint64(listenFd))
	}

	kernelCh := make(chan acceptOutcome, 1)
	go func() {
		fd, sa, err := unix.Accept(int(listenFd))
		kernelCh <- acceptOutcome{fd: fd, sa: sa, err: err}
	}()

	portEvents := l.events.registerPort(rec.UserPort)
	defer l.events.unregisterPort(rec.UserPort)

	select {
	case out := <-kernelCh:
		if out.err != nil {
			return AcceptResult{}, out.err
		}
		l.Sockets.Insert(int32(out.fd), &SocketRecord{State: StateAccepted, UserPort: rec.UserPort})
		return AcceptResult{Fd: int32(out.fd)}, nil

	case frame := <-portEvents:
		var ev protocol.NewTcpConnectionEvent
		if err := protocol.Unmarshal(frame, &ev); err != nil {
			return AcceptResult{}, err
		}
		return l.bridgeStolen(ev, rec.UserPort)
	}
}

// Connect establishes a policy-remote outbound connection via the agent
// (spec §4.3): the agent dials the target from inside the pod's network
// namespace, and the application's existing socket fd is replaced by one
// end of a socketpair bridged to that connection's event stream — the
// same pump the stolen-accept path uses, with the layer as the dialing
// side. The target address is never dialed from the local machine.
func (l *Layer) Connect(fd int32, addr *net.TCPAddr) error {
	frame, err := l.conn().Call(protocol.KindConnectRequest, protocol.ConnectRequest{
		Addr: addr.IP.String(),
		Port: uint16(addr.Port),
	})
	if err != nil {
		return err
	}
	var resp protocol.ConnectResponse
	if err := protocol.Unmarshal(frame, &resp); err != nil {
		return err
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("layer: socketpair: %w", err)
	}
	appEnd, agentEnd := fds[0], fds[1]

	// the application's descriptor must BE the connected socket; dup the
	// bridge end over it so every later read/write on fd hits the pump.
	if err := unix.Dup3(appEnd, int(fd), 0); err != nil {
		unix.Close(appEnd)
		unix.Close(agentEnd)
		return fmt.Errorf("layer: dup3: %w", err)
	}
	unix.Close(appEnd)

	rec, ok := l.Sockets.Get(fd)
	if !ok {
		rec = &SocketRecord{}
		l.Sockets.Insert(fd, rec)
	}
	rec.State = StateConnected
	rec.UserAddr = addr
	rec.SubscriptionID = resp.ConnectionID

	go l.pumpBridged(resp.ConnectionID, agentEnd)
	return nil
}

// bridgeStolen creates a socketpair, hands one end to the application as
// the accepted fd, and starts a goroutine pumping the agent's
// TcpDataEvent/TcpCloseEvent stream for this connection into the other
// end (spec §4.3: "the layer creates a socketpair, hands one end to the
// application as the accepted fd, and pumps agent-delivered bytes into
// the other end").
func (l *Layer) bridgeStolen(ev protocol.NewTcpConnectionEvent, userPort uint16) (AcceptResult, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return AcceptResult{}, fmt.Errorf("layer: socketpair: %w", err)
	}

	appFd, agentFd := fds[0], fds[1]

	l.Sockets.Insert(int32(appFd), &SocketRecord{
		State:          StateAccepted,
		Stolen:         true,
		SubscriptionID: ev.ConnectionID,
		UserPort:       userPort,
	})

	go l.pumpBridged(ev.ConnectionID, agentFd)

	return AcceptResult{
		Fd:         int32(appFd),
		SourceAddr: ev.SourceAddr,
		SourcePort: ev.SourcePort,
	}, nil
}

// pumpBridged carries connID's two directions through the socketpair
// backing a stolen accept or an agent-dialed connect: agent-delivered
// TcpDataEvent payloads are written into agentFd, and whatever the
// application writes to its fd is read back out of agentFd and sent
// upstream as fire-and-forget TcpDataEvent frames. Both directions stop
// on TcpCloseEvent, on the application closing its end, or on the event
// channel itself closing.
func (l *Layer) pumpBridged(connID uint64, agentFd int) {
	f := os.NewFile(uintptr(agentFd), "driftpod-bridge")
	defer f.Close()

	events := l.events.registerConn(connID)
	defer l.events.unregisterConn(connID)

	go l.pumpBridgedOutbound(connID, f)

	for frame := range events {
		switch frame.Kind {
		case protocol.KindTcpDataEvent:
			var ev protocol.TcpDataEvent
			if err := protocol.Unmarshal(frame, &ev); err != nil {
				continue
			}
			if _, err := f.Write(ev.Bytes); err != nil {
				return
			}
		case protocol.KindTcpCloseEvent:
			return
		}
	}
}

// pumpBridgedOutbound reads the application's bytes out of the
// socketpair until it closes its end, then announces the close upstream.
func (l *Layer) pumpBridgedOutbound(connID uint64, f *os.File) {
	buf := make([]byte, 64*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if serr := l.conn().Send(protocol.KindTcpDataEvent, protocol.TcpDataEvent{ConnectionID: connID, Bytes: data}); serr != nil {
				return
			}
		}
		if err != nil {
			_ = l.conn().Send(protocol.KindTcpCloseEvent, protocol.TcpCloseEvent{ConnectionID: connID})
			return
		}
	}
}

// GetSockName/GetPeerName always report the user-visible address, never
// the loopback substitute (spec §4.3).
func (l *Layer) GetSockName(fd int32) (net.Addr, bool) {
	rec, ok := l.Sockets.Get(fd)
	if !ok || rec.UserAddr == nil {
		return nil, false
	}
	return rec.UserAddr, true
}

func (l *Layer) GetPeerName(fd int32) (net.Addr, bool) {
	rec, ok := l.Sockets.Get(fd)
	if !ok {
		return nil, false
	}
	if rec.State == StateConnected && rec.UserAddr != nil {
		return rec.UserAddr, true
	}
	if rec.Stolen {
		return &net.TCPAddr{Port: int(rec.UserPort)}, true
	}
	return nil, false
}

// GetAddrInfo forwards a hostname lookup to the agent's DNS worker and
// returns the resolved list (spec §4.3, §4.7). The caller is responsible
// for populating C addrinfo structs and registering them with Arena.
func (l *Layer) GetAddrInfo(node string, family protocol.AddrFamily, typ protocol.SockType) ([]protocol.AddrInfo, error) {
	req := protocol.GetAddrInfoRequestV2{
		GetAddrInfoRequest: protocol.GetAddrInfoRequest{Node: node, Family: family, Type: typ},
	}
	frame, err := l.conn().Call(protocol.KindGetAddrInfoRequest, req)
	if err != nil {
		return nil, err
	}
	var resp protocol.GetAddrInfoResponse
	if err := protocol.Unmarshal(frame, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// CloseSocket removes fd from the socket table, unsubscribing its port
// if it was listening.
func (l *Layer) CloseSocket(fd int32) {
	rec, ok := l.Sockets.Remove(fd)
	if !ok {
		return
	}
	if rec.State == StateListening {
		_ = l.conn().Send(protocol.KindTcpUnsubscribeRequest, protocol.TcpUnsubscribeRequest{Port: rec.UserPort})
		l.events.unregisterPort(rec.UserPort)
	}
}
