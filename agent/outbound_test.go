package agent

import (
	"bufio"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftpod/driftpod/protocol"
)

// echoTarget is the remote endpoint an Outbound dial lands on: it
// accepts one connection, writes greeting, then echoes nothing further.
func echoTarget(t *testing.T, greeting string) (*net.TCPAddr, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		if greeting != "" {
			c.Write([]byte(greeting))
		}
		accepted <- c
	}()
	return ln.Addr().(*net.TCPAddr), accepted
}

func newTestOutbound(t *testing.T) (*Outbound, *bufio.Reader) {
	t.Helper()
	bus := NewEventBus()
	busLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go bus.Serve(busLn)
	t.Cleanup(func() { busLn.Close() })

	sub, err := net.Dial("tcp", busLn.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })
	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.conns) == 1
	}, time.Second, time.Millisecond)

	o := NewOutbound(bus)
	t.Cleanup(func() { o.Close() })
	return o, bufio.NewReader(sub)
}

func TestOutboundDialPumpsRemoteBytesOntoBus(t *testing.T) {
	o, busR := newTestOutbound(t)
	addr, accepted := echoTarget(t, "hello_from_pod")

	id, err := o.Dial(addr.IP.String(), uint16(addr.Port))
	require.NoError(t, err)
	require.GreaterOrEqual(t, id, uint64(outboundIDBase))

	frame, err := protocol.Decode(busR)
	require.NoError(t, err)
	require.Equal(t, protocol.KindTcpDataEvent, frame.Kind)

	var data protocol.TcpDataEvent
	require.NoError(t, protocol.Unmarshal(frame, &data))
	require.Equal(t, id, data.ConnectionID)
	require.Equal(t, []byte("hello_from_pod"), data.Bytes)

	// the target hanging up yields the close event
	(<-accepted).Close()
	frame, err = protocol.Decode(busR)
	require.NoError(t, err)
	require.Equal(t, protocol.KindTcpCloseEvent, frame.Kind)
}

func TestOutboundWriteConnReachesTarget(t *testing.T) {
	o, _ := newTestOutbound(t)
	addr, accepted := echoTarget(t, "")

	id, err := o.Dial(addr.IP.String(), uint16(addr.Port))
	require.NoError(t, err)

	require.NoError(t, o.WriteConn(id, []byte("ping")))

	target := <-accepted
	buf := make([]byte, 4)
	_, err = io.ReadFull(target, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	require.NoError(t, o.CloseConn(id))
	target.SetReadDeadline(time.Now().Add(time.Second))
	_, err = target.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestOutboundDialFailureSurfaces(t *testing.T) {
	o, _ := newTestOutbound(t)
	// a listener bound and immediately closed leaves a port nothing
	// accepts on
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	_, err = o.Dial("127.0.0.1", port)
	require.Error(t, err)
}

func TestAgentConnectWithoutOutbound(t *testing.T) {
	a := NewAgent(nil, nil, nil, nil, nil)
	var resp protocol.ConnectResponse
	require.Error(t, a.Connect(protocol.ConnectRequest{Addr: "10.0.0.1", Port: 80}, &resp))
}
