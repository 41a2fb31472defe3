// Package netx wraps the loopback listeners and sockets the interception
// layer and agent substitute for the application's real bind/connect
// targets, the same thin TCPListener/keepalive-disabling wrapper style as
// the teacher's util/netx package.
package netx

import (
	"net"
)

// Listener is a net.Listener that always disables TCP keepalive on
// accepted connections, mirroring the teacher's netx.TCPListener: a
// managed socket bridging a stolen or mirrored connection has no business
// keeping an idle loopback leg alive past what the pump needs.
type Listener struct {
	*net.TCPListener
}

// ListenLoopback binds network ("tcp" or "tcp6") to the loopback address
// with port 0, letting the kernel assign a free ephemeral port. The
// socket detours substitute this address for whatever the application
// asked bind(2) for (spec §4.3).
func ListenLoopback(network string) (*Listener, error) {
	addr := "127.0.0.1:0"
	if network == "tcp6" {
		addr = "[::1]:0"
	}
	tcpAddr, err := net.ResolveTCPAddr(network, addr)
	if err != nil {
		return nil, err
	}
	l, err := net.ListenTCP(network, tcpAddr)
	if err != nil {
		return nil, err
	}
	return &Listener{l}, nil
}

func (l *Listener) Accept() (net.Conn, error) {
	conn, err := l.TCPListener.AcceptTCP()
	if err != nil {
		return nil, err
	}
	conn.SetKeepAlive(false)
	return conn, nil
}

// Port returns the ephemeral port the kernel assigned.
func (l *Listener) Port() uint16 {
	return uint16(l.Addr().(*net.TCPAddr).Port)
}

// Dial connects to address with keepalive disabled, the same posture the
// teacher's netx.Dial takes for every proxied connection.
func Dial(network, address string) (net.Conn, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(false)
	}
	return conn, nil
}
