package proxy

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/driftpod/driftpod/protocol"
	"github.com/stretchr/testify/require"
)

// fakeAgent accepts one connection, answers the NewSession handshake, and
// echoes back a Pong-shaped GenericOK for every subsequent request it
// receives, recording each frame it saw.
type fakeAgent struct {
	ln   net.Listener
	seen chan protocol.Frame
}

func startFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	fa := &fakeAgent{ln: ln, seen: make(chan protocol.Frame, 16)}
	go fa.serve(t)
	return fa
}

func (fa *fakeAgent) serve(t *testing.T) {
	for {
		conn, err := fa.ln.Accept()
		if err != nil {
			return
		}
		go fa.handleConn(t, conn)
	}
}

func (fa *fakeAgent) handleConn(t *testing.T, conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	for {
		frame, err := protocol.Decode(r)
		if err != nil {
			return
		}
		fa.seen <- frame

		switch frame.Kind {
		case protocol.KindNewSession:
			ack, _ := protocol.Marshal(frame.ID, protocol.KindNewSession, protocol.NewSessionAck{
				SessionID:         7,
				NegotiatedVersion: protocol.CurrentVersion,
			})
			require.NoError(t, protocol.Encode(conn, ack))
		default:
			resp, _ := protocol.Marshal(frame.ID, protocol.KindGenericOK, nil)
			require.NoError(t, protocol.Encode(conn, resp))
		}
	}
}

func TestDialPerformsHandshake(t *testing.T) {
	fa := startFakeAgent(t)
	defer fa.ln.Close()

	c, err := Dial(fa.ln.Addr().String(), 0)
	require.NoError(t, err)
	defer c.Close()

	require.Equal(t, uint64(7), c.SessionID)
}

func TestCallRoundTrips(t *testing.T) {
	fa := startFakeAgent(t)
	defer fa.ln.Close()

	c, err := Dial(fa.ln.Addr().String(), 0)
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Call(protocol.KindPing, nil)
	require.NoError(t, err)
	require.Equal(t, protocol.KindGenericOK, resp.Kind)
}

func TestConcurrentCallsGetTheirOwnResponse(t *testing.T) {
	fa := startFakeAgent(t)
	defer fa.ln.Close()

	c, err := Dial(fa.ln.Addr().String(), 0)
	require.NoError(t, err)
	defer c.Close()

	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := c.Call(protocol.KindPing, nil)
			errs <- err
		}()
	}

	for i := 0; i < 8; i++ {
		require.NoError(t, <-errs)
	}
}

func TestSendDoesNotBlockOnResponse(t *testing.T) {
	fa := startFakeAgent(t)
	defer fa.ln.Close()

	c, err := Dial(fa.ln.Addr().String(), 0)
	require.NoError(t, err)
	defer c.Close()

	done := make(chan struct{})
	go func() {
		require.NoError(t, c.Send(protocol.KindTcpCloseEvent, protocol.TcpCloseEvent{ConnectionID: 1}))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked")
	}
}

func TestCallFailsAfterClose(t *testing.T) {
	fa := startFakeAgent(t)
	defer fa.ln.Close()

	c, err := Dial(fa.ln.Addr().String(), 0)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = c.Call(protocol.KindPing, nil)
	require.Error(t, err)
}
