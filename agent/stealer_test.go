package agent

import (
	"bufio"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftpod/driftpod/agent/iptables"
	"github.com/driftpod/driftpod/protocol"
)

// fakeIptables puts a logging stand-in for iptables-legacy on PATH, the
// same trick the iptables package tests use, so redirect bookkeeping can
// be exercised without a real nat table.
func fakeIptables(t *testing.T) (iptables.Backend, string) {
	t.Helper()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "calls.log")
	script := "#!/bin/sh\necho \"$@\" >> \"" + logPath + "\"\nexit 0\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "iptables-legacy"), []byte(script), 0o755))
	t.Setenv("PATH", dir)
	return iptables.Backend("iptables-legacy"), logPath
}

func newTestStealer(t *testing.T) (*Stealer, string) {
	t.Helper()
	backend, logPath := fakeIptables(t)

	redirect := iptables.NewRedirector(backend, false)
	require.NoError(t, redirect.Mount())
	t.Cleanup(func() { redirect.Close() })

	bus := NewEventBus()
	s, err := NewStealer(redirect, bus)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, logPath
}

func redirectRuleCount(t *testing.T, logPath string, port string) int {
	t.Helper()
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	count := 0
	for _, line := range strings.Split(string(data), "\n") {
		if strings.Contains(line, "--dport "+port) && strings.Contains(line, "-I ") {
			count++
		}
	}
	return count
}

func TestStealPortRefcounts(t *testing.T) {
	s, logPath := newTestStealer(t)

	require.NoError(t, s.StealPort(8080))
	require.NoError(t, s.StealPort(8080))
	require.Equal(t, 1, redirectRuleCount(t, logPath, "8080"), "second steal must not install a second rule")

	// first release only drops the refcount; the rule stays
	require.NoError(t, s.ReleasePort(8080))
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.NotContains(t, string(data), "-D "+iptables.ChainStdOutput)

	// last release removes it
	require.NoError(t, s.ReleasePort(8080))
	data, err = os.ReadFile(logPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "-D "+iptables.ChainStdOutput)
}

func TestReleaseUnknownPortIsNoop(t *testing.T) {
	s, _ := newTestStealer(t)
	require.NoError(t, s.ReleasePort(9999))
}

func TestStealThenReleaseRemovesRedirect(t *testing.T) {
	s, logPath := newTestStealer(t)

	require.NoError(t, s.StealPort(8080))
	require.NoError(t, s.ReleasePort(8080))

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "-D ")

	// a second steal after release installs a fresh rule
	require.NoError(t, s.StealPort(8080))
	require.Equal(t, 2, redirectRuleCount(t, logPath, "8080"))
}

// pipeConn builds a live loopback TCP pair and registers the server side
// as stolen connection id.
func pipeConn(t *testing.T, s *Stealer, id uint64) net.Conn {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	peer, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })

	conn := <-accepted
	s.conns.register(id, conn.(*net.TCPConn))
	return peer
}

func TestWriteConnReachesRemotePeer(t *testing.T) {
	s, _ := newTestStealer(t)
	peer := pipeConn(t, s, 7)

	require.NoError(t, s.WriteConn(7, []byte("pong")))

	buf := make([]byte, 4)
	_, err := io.ReadFull(peer, buf)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf))
}

func TestWriteConnUnknownID(t *testing.T) {
	s, _ := newTestStealer(t)
	require.Error(t, s.WriteConn(404, []byte("x")))
}

func TestCloseConnHalfClosesWriteSide(t *testing.T) {
	s, _ := newTestStealer(t)
	peer := pipeConn(t, s, 9)

	require.NoError(t, s.CloseConn(9))

	peer.SetReadDeadline(time.Now().Add(time.Second))
	_, err := peer.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestPumpInboundBroadcastsDataThenClose(t *testing.T) {
	s, _ := newTestStealer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	busLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.bus.Serve(busLn)
	defer busLn.Close()

	sub, err := net.Dial("tcp", busLn.Addr().String())
	require.NoError(t, err)
	defer sub.Close()
	require.Eventually(t, func() bool {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		return len(s.bus.conns) == 1
	}, time.Second, time.Millisecond)

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()
	peer, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	conn := (<-accepted).(*net.TCPConn)

	s.conns.register(3, conn)
	go pumpToBus(s.bus, 3, conn, func() { s.conns.drop(3) })

	_, err = peer.Write([]byte("hello_1"))
	require.NoError(t, err)
	peer.Close()

	r := bufio.NewReader(sub)

	first, err := protocol.Decode(r)
	require.NoError(t, err)
	require.Equal(t, protocol.KindTcpDataEvent, first.Kind)
	var data protocol.TcpDataEvent
	require.NoError(t, protocol.Unmarshal(first, &data))
	require.Equal(t, uint64(3), data.ConnectionID)
	require.Equal(t, []byte("hello_1"), data.Bytes)

	second, err := protocol.Decode(r)
	require.NoError(t, err)
	require.Equal(t, protocol.KindTcpCloseEvent, second.Kind)

	s.conns.mu.Lock()
	_, tracked := s.conns.conns[3]
	s.conns.mu.Unlock()
	require.False(t, tracked)
}

func TestTcpSubscribeInstallsRedirectWhenStealing(t *testing.T) {
	s, logPath := newTestStealer(t)

	a := NewAgent(nil, nil, s, nil, nil)
	var resp protocol.TcpSubscribeResponse
	require.NoError(t, a.TcpSubscribe(protocol.TcpSubscribeRequest{Port: 8080, ClientID: 1}, &resp))
	require.Equal(t, uint16(8080), resp.Port)
	require.Equal(t, 1, redirectRuleCount(t, logPath, "8080"))

	require.NoError(t, a.TcpUnsubscribe(protocol.TcpUnsubscribeRequest{Port: 8080, ClientID: 1}, nil))
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "-D ")
}

// TestTwoClientsSharePortRedirect exercises spec §8 scenario 2's agent
// half: two distinct proxy sessions subscribing the same port install one
// redirect, the first unsubscribe changes nothing, and only the last
// subscriber's unsubscribe tears the rule down.
func TestTwoClientsSharePortRedirect(t *testing.T) {
	s, logPath := newTestStealer(t)

	a := NewAgent(nil, nil, s, nil, nil)
	var resp protocol.TcpSubscribeResponse
	require.NoError(t, a.TcpSubscribe(protocol.TcpSubscribeRequest{Port: 80, ClientID: 1}, &resp))
	require.NoError(t, a.TcpSubscribe(protocol.TcpSubscribeRequest{Port: 80, ClientID: 2}, &resp))
	require.Equal(t, 1, redirectRuleCount(t, logPath, "80"))

	require.NoError(t, a.TcpUnsubscribe(protocol.TcpUnsubscribeRequest{Port: 80, ClientID: 1}, nil))
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.NotContains(t, string(data), "-D "+iptables.ChainStdOutput)

	require.NoError(t, a.TcpUnsubscribe(protocol.TcpUnsubscribeRequest{Port: 80, ClientID: 2}, nil))
	data, err = os.ReadFile(logPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "-D "+iptables.ChainStdOutput)
}

// TestClientClosedReleasesEverything: a vanished session's ports are
// released as if it had unsubscribed each one (spec §4.8's implicit
// ClientClosed).
func TestClientClosedReleasesEverything(t *testing.T) {
	s, logPath := newTestStealer(t)

	a := NewAgent(nil, nil, s, nil, nil)
	var resp protocol.TcpSubscribeResponse
	require.NoError(t, a.TcpSubscribe(protocol.TcpSubscribeRequest{Port: 80, ClientID: 1}, &resp))
	require.NoError(t, a.TcpSubscribe(protocol.TcpSubscribeRequest{Port: 81, ClientID: 1}, &resp))
	require.NoError(t, a.TcpSubscribe(protocol.TcpSubscribeRequest{Port: 80, ClientID: 2}, &resp))

	require.NoError(t, a.ClientClosed(1, nil))

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "--dport 81")
	require.Contains(t, string(data), "-D "+iptables.ChainStdOutput+" -p tcp --dport 81")
	// port 80 is still held by client 2
	require.NotContains(t, string(data), "-D "+iptables.ChainStdOutput+" -p tcp --dport 80 ")

	a.mu.Lock()
	_, stillHeld := a.clientPorts[1]
	a.mu.Unlock()
	require.False(t, stillHeld)
}
