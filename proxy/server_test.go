package proxy

import (
	"bufio"
	"net"
	"net/rpc"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftpod/driftpod/protocol"
)

// stubAgent stands in for agent.Agent on the other side of AgentClient's
// net/rpc hop, registered under the same "Agent" name the real agent
// process uses.
type stubAgent struct {
	openPath string
}

func (f *stubAgent) Ping(_ struct{}, _ *struct{}) error { return nil }

func (f *stubAgent) Open(req protocol.OpenRequest, resp *protocol.OpenResponse) error {
	f.openPath = req.Path
	*resp = protocol.OpenResponse{Fd: 7}
	return nil
}

func (f *stubAgent) Close(req protocol.CloseRequest, _ *struct{}) error { return nil }

func (f *stubAgent) ClientClosed(clientID uint64, _ *struct{}) error { return nil }

func (f *stubAgent) GetEnvVars(req protocol.GetEnvVarsRequest, resp *protocol.GetEnvVarsResponse) error {
	resp.Vars = map[string]string{"FOO": "bar"}
	return nil
}

func newTestServer(t *testing.T) (*Server, net.Listener) {
	t.Helper()

	rpcServer := rpc.NewServer()
	require.NoError(t, rpcServer.RegisterName("Agent", &stubAgent{}))

	rpcLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go rpcServer.Accept(rpcLn)
	t.Cleanup(func() { rpcLn.Close() })

	agentClient, err := DialAgent(rpcLn.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { agentClient.Close() })

	server := NewServer(agentClient)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go server.Serve(ln)
	t.Cleanup(func() { ln.Close() })

	return server, ln
}

func dialAndHandshake(t *testing.T, ln net.Listener) (net.Conn, *bufio.Reader) {
	t.Helper()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	req, err := protocol.Marshal(1, protocol.KindNewSession, protocol.NewSession{ProtocolVersion: protocol.CurrentVersion})
	require.NoError(t, err)
	require.NoError(t, protocol.Encode(conn, req))

	r := bufio.NewReader(conn)
	ackFrame, err := protocol.Decode(r)
	require.NoError(t, err)
	require.Equal(t, protocol.KindGenericOK, ackFrame.Kind)
	require.Equal(t, uint64(1), ackFrame.ID)

	var ack protocol.NewSessionAck
	require.NoError(t, protocol.Unmarshal(ackFrame, &ack))
	require.Equal(t, protocol.CurrentVersion, ack.NegotiatedVersion)

	return conn, r
}

func TestServerHandshakeAssignsSession(t *testing.T) {
	_, ln := newTestServer(t)
	dialAndHandshake(t, ln)
}

func TestServerDispatchesOpenRequest(t *testing.T) {
	_, ln := newTestServer(t)
	conn, r := dialAndHandshake(t, ln)

	req, err := protocol.Marshal(2, protocol.KindOpenRequest, protocol.OpenRequest{Path: "/tmp/x"})
	require.NoError(t, err)
	require.NoError(t, protocol.Encode(conn, req))

	frame, err := protocol.Decode(r)
	require.NoError(t, err)
	require.Equal(t, uint64(2), frame.ID)
	require.Equal(t, protocol.KindOpenResponse, frame.Kind)

	var resp protocol.OpenResponse
	require.NoError(t, protocol.Unmarshal(frame, &resp))
	require.Equal(t, uint64(7), resp.Fd)
}

func TestServerDispatchesGetEnvVars(t *testing.T) {
	_, ln := newTestServer(t)
	conn, r := dialAndHandshake(t, ln)

	req, err := protocol.Marshal(3, protocol.KindGetEnvVarsRequest, protocol.GetEnvVarsRequest{})
	require.NoError(t, err)
	require.NoError(t, protocol.Encode(conn, req))

	frame, err := protocol.Decode(r)
	require.NoError(t, err)
	require.Equal(t, protocol.KindGetEnvVarsResponse, frame.Kind)

	var resp protocol.GetEnvVarsResponse
	require.NoError(t, protocol.Unmarshal(frame, &resp))
	require.Equal(t, "bar", resp.Vars["FOO"])
}

func TestServerUnknownKindReturnsErrorFrame(t *testing.T) {
	_, ln := newTestServer(t)
	conn, r := dialAndHandshake(t, ln)

	req := protocol.Frame{ID: 9, Kind: protocol.Kind(9999)}
	require.NoError(t, protocol.Encode(conn, req))

	frame, err := protocol.Decode(r)
	require.NoError(t, err)
	require.Equal(t, uint64(9), frame.ID)
	require.Equal(t, protocol.KindErrorResponse, frame.Kind)

	var errResp protocol.ErrorResponse
	require.NoError(t, protocol.Unmarshal(frame, &errResp))
	require.NotEmpty(t, errResp.Message)
}

func TestServerBroadcastEventReachesConnectedSession(t *testing.T) {
	server, ln := newTestServer(t)
	conn, r := dialAndHandshake(t, ln)
	_ = conn

	payload, err := protocol.Marshal(0, protocol.KindTcpCloseEvent, protocol.TcpCloseEvent{ConnectionID: 5})
	require.NoError(t, err)
	server.BroadcastEvent(protocol.KindTcpCloseEvent, payload.Payload)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	frame, err := protocol.Decode(r)
	require.NoError(t, err)
	require.Equal(t, protocol.KindTcpCloseEvent, frame.Kind)

	var ev protocol.TcpCloseEvent
	require.NoError(t, protocol.Unmarshal(frame, &ev))
	require.Equal(t, uint64(5), ev.ConnectionID)
}
