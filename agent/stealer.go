package agent

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/driftpod/driftpod/agent/iptables"
	"github.com/driftpod/driftpod/internal/netx"
	"github.com/driftpod/driftpod/protocol"
)

// stolenIDBase offsets stolen connection ids above the sniffer's mirrored
// ids: every event kind rides the same bus, and the layer routes data and
// close events purely by connection id.
const stolenIDBase = 1 << 32

// connTable tracks live bridged connections by id, shared by the stealer
// (inbound, diverted) and the outbound dialer (agent-dialed): both need
// the same write-back and half-close paths for the layer's bytes.
type connTable struct {
	mu    sync.Mutex
	conns map[uint64]*net.TCPConn
}

func newConnTable() connTable {
	return connTable{conns: make(map[uint64]*net.TCPConn)}
}

func (t *connTable) register(id uint64, conn *net.TCPConn) {
	t.mu.Lock()
	t.conns[id] = conn
	t.mu.Unlock()
}

func (t *connTable) drop(id uint64) {
	t.mu.Lock()
	delete(t.conns, id)
	t.mu.Unlock()
}

func (t *connTable) write(id uint64, data []byte) error {
	t.mu.Lock()
	conn, ok := t.conns[id]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown connection %d", id)
	}
	_, err := conn.Write(data)
	return err
}

// closeWrite half-closes the write side; the inbound pump keeps draining
// until the peer closes too.
func (t *connTable) closeWrite(id uint64) error {
	t.mu.Lock()
	conn, ok := t.conns[id]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.CloseWrite()
}

func (t *connTable) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, conn := range t.conns {
		conn.Close()
		delete(t.conns, id)
	}
}

// pumpToBus reads conn until EOF or error, broadcasting every chunk as a
// TcpDataEvent and finally a TcpCloseEvent, then unregisters and closes
// the connection.
func pumpToBus(bus *EventBus, id uint64, conn *net.TCPConn, drop func()) {
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			bus.Broadcast(protocol.KindTcpDataEvent, protocol.TcpDataEvent{ConnectionID: id, Bytes: data})
		}
		if err != nil {
			break
		}
	}

	bus.Broadcast(protocol.KindTcpCloseEvent, protocol.TcpCloseEvent{ConnectionID: id})
	drop()
	conn.Close()
}

// Stealer owns the local acceptor every redirected port lands on (spec
// §4.6): TCP traffic the Redirector diverts with a nat REDIRECT rule is
// accepted here, announced on the event bus as a NewTcpConnectionEvent,
// and pumped as TcpDataEvent/TcpCloseEvent. The accept-and-pump shape is
// the teacher's tcpfwd.TCPProxy, with the dial leg replaced by the bus.
type Stealer struct {
	ln       *netx.Listener
	redirect *iptables.Redirector
	bus      *EventBus

	nextConn atomic.Uint64
	conns    connTable

	mu    sync.Mutex
	ports map[uint16]int
}

// NewStealer binds the acceptor on loopback with a kernel-assigned port.
// No redirect exists until the first StealPort call.
func NewStealer(redirect *iptables.Redirector, bus *EventBus) (*Stealer, error) {
	ln, err := netx.ListenLoopback("tcp")
	if err != nil {
		return nil, fmt.Errorf("stealer: listen: %w", err)
	}
	return &Stealer{
		ln:       ln,
		redirect: redirect,
		bus:      bus,
		conns:    newConnTable(),
		ports:    make(map[uint16]int),
	}, nil
}

// AcceptorPort is the ephemeral port redirect rules target.
func (s *Stealer) AcceptorPort() uint16 {
	return s.ln.Port()
}

// StealPort diverts inbound traffic for port to the acceptor. Steals are
// refcounted per call: the redirect rule is installed only on the first
// subscriber's steal and survives until the last one releases.
func (s *Stealer) StealPort(port uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ports[port] > 0 {
		s.ports[port]++
		return nil
	}
	if err := s.redirect.AddRedirect(port, s.ln.Port()); err != nil {
		return err
	}
	s.ports[port] = 1
	return nil
}

// ReleasePort drops one steal of port, removing the redirect once the
// last holder releases. Connections already accepted keep flowing; only
// new ones stop arriving.
func (s *Stealer) ReleasePort(port uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.ports[port]
	switch {
	case n == 0:
		return nil
	case n > 1:
		s.ports[port] = n - 1
		return nil
	}
	delete(s.ports, port)
	return s.redirect.RemoveRedirect(port)
}

// Run accepts diverted connections until the listener closes.
func (s *Stealer) Run() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn.(*net.TCPConn))
	}
}

// Close tears down the acceptor and every live connection. Redirect rules
// are owned by the Redirector and removed by its own Close.
func (s *Stealer) Close() error {
	err := s.ln.Close()
	s.conns.closeAll()
	return err
}

func (s *Stealer) handleConn(conn *net.TCPConn) {
	origPort, err := originalDstPort(conn)
	if err != nil {
		logrus.WithError(err).Warn("stealer: cannot recover original destination, dropping connection")
		conn.Close()
		return
	}

	srcAddr, srcPort := splitRemote(conn)

	id := stolenIDBase + s.nextConn.Add(1) - 1
	s.conns.register(id, conn)

	s.bus.Broadcast(protocol.KindNewTcpConnectionEvent, protocol.NewTcpConnectionEvent{
		ConnectionID:    id,
		DestinationPort: origPort,
		SourcePort:      srcPort,
		SourceAddr:      srcAddr,
	})

	go pumpToBus(s.bus, id, conn, func() { s.conns.drop(id) })
}

// WriteConn carries the application's response bytes back out the stolen
// connection (the layer's socketpair pump feeds this through the proxy).
func (s *Stealer) WriteConn(id uint64, data []byte) error {
	if err := s.conns.write(id, data); err != nil {
		return fmt.Errorf("stealer: %w", err)
	}
	return nil
}

// CloseConn half-closes the write side of a stolen connection once the
// application is done with it.
func (s *Stealer) CloseConn(id uint64) error {
	return s.conns.closeWrite(id)
}

// originalDstPort recovers the pre-REDIRECT destination port via
// SO_ORIGINAL_DST; the NAT rewrite preserves it in conntrack.
func originalDstPort(conn *net.TCPConn) (uint16, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}

	var (
		mreq    *unix.IPv6Mreq
		sockErr error
	)
	if err := raw.Control(func(fd uintptr) {
		mreq, sockErr = unix.GetsockoptIPv6Mreq(int(fd), unix.IPPROTO_IP, unix.SO_ORIGINAL_DST)
	}); err != nil {
		return 0, err
	}
	if sockErr != nil {
		return 0, fmt.Errorf("stealer: SO_ORIGINAL_DST: %w", sockErr)
	}

	// sockaddr_in layout: family(2) | port(2, network order) | addr(4)
	return binary.BigEndian.Uint16(mreq.Multiaddr[2:4]), nil
}

func splitRemote(conn *net.TCPConn) (string, uint16) {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return "", 0
	}
	return addr.IP.String(), uint16(addr.Port)
}
