package proxy

import (
	"fmt"
	"net"
	"net/rpc"

	"github.com/driftpod/driftpod/protocol"
)

// AgentClient is the proxy's own connection to the agent (spec §4.4,
// §4.5): the Go-to-Go hop, so unlike Conn it rides stdlib net/rpc
// directly rather than the hand-rolled framing protocol.Frame carries to
// the layer. One method per RPC, mirroring the teacher's agent.Client.
type AgentClient struct {
	rpc *rpc.Client
}

// DialAgent connects to the agent's RPC listener at addr.
func DialAgent(addr string) (*AgentClient, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("proxy: dial agent %s: %w", addr, err)
	}
	return &AgentClient{rpc: rpc.NewClient(conn)}, nil
}

func (a *AgentClient) Close() error {
	return a.rpc.Close()
}

func (a *AgentClient) Ping() error {
	var none struct{}
	return a.rpc.Call("Agent.Ping", struct{}{}, &none)
}

func (a *AgentClient) Open(req protocol.OpenRequest) (protocol.OpenResponse, error) {
	var resp protocol.OpenResponse
	err := a.rpc.Call("Agent.Open", req, &resp)
	return resp, err
}

func (a *AgentClient) OpenRelative(req protocol.OpenRelativeRequest) (protocol.OpenResponse, error) {
	var resp protocol.OpenResponse
	err := a.rpc.Call("Agent.OpenRelative", req, &resp)
	return resp, err
}

func (a *AgentClient) Read(req protocol.ReadRequest) (protocol.ReadResponse, error) {
	var resp protocol.ReadResponse
	err := a.rpc.Call("Agent.Read", req, &resp)
	return resp, err
}

func (a *AgentClient) Write(req protocol.WriteRequest) (protocol.WriteResponse, error) {
	var resp protocol.WriteResponse
	err := a.rpc.Call("Agent.Write", req, &resp)
	return resp, err
}

func (a *AgentClient) Lseek(req protocol.LseekRequest) (protocol.LseekResponse, error) {
	var resp protocol.LseekResponse
	err := a.rpc.Call("Agent.Lseek", req, &resp)
	return resp, err
}

func (a *AgentClient) Close_(req protocol.CloseRequest) error {
	var none struct{}
	return a.rpc.Call("Agent.Close", req, &none)
}

func (a *AgentClient) Mkdir(req protocol.MkdirRequest) error {
	var none struct{}
	return a.rpc.Call("Agent.Mkdir", req, &none)
}

func (a *AgentClient) Unlink(req protocol.UnlinkRequest) error {
	var none struct{}
	return a.rpc.Call("Agent.Unlink", req, &none)
}

func (a *AgentClient) Stat(req protocol.StatRequest) (protocol.StatResponse, error) {
	var resp protocol.StatResponse
	err := a.rpc.Call("Agent.Stat", req, &resp)
	return resp, err
}

func (a *AgentClient) Access(req protocol.AccessRequest) error {
	var none struct{}
	return a.rpc.Call("Agent.Access", req, &none)
}

func (a *AgentClient) Statfs(req protocol.StatfsRequest) (protocol.StatfsResponse, error) {
	var resp protocol.StatfsResponse
	err := a.rpc.Call("Agent.Statfs", req, &resp)
	return resp, err
}

func (a *AgentClient) Readdir(req protocol.ReaddirRequest) (protocol.ReaddirResponse, error) {
	var resp protocol.ReaddirResponse
	err := a.rpc.Call("Agent.Readdir", req, &resp)
	return resp, err
}

func (a *AgentClient) Readlink(req protocol.ReadlinkRequest) (protocol.ReadlinkResponse, error) {
	var resp protocol.ReadlinkResponse
	err := a.rpc.Call("Agent.Readlink", req, &resp)
	return resp, err
}

func (a *AgentClient) GetAddrInfo(req protocol.GetAddrInfoRequestV2) (protocol.GetAddrInfoResponse, error) {
	var resp protocol.GetAddrInfoResponse
	err := a.rpc.Call("Agent.GetAddrInfo", req, &resp)
	return resp, err
}

func (a *AgentClient) TcpSubscribe(req protocol.TcpSubscribeRequest) (protocol.TcpSubscribeResponse, error) {
	var resp protocol.TcpSubscribeResponse
	err := a.rpc.Call("Agent.TcpSubscribe", req, &resp)
	return resp, err
}

func (a *AgentClient) TcpUnsubscribe(req protocol.TcpUnsubscribeRequest) error {
	var none struct{}
	return a.rpc.Call("Agent.TcpUnsubscribe", req, &none)
}

func (a *AgentClient) Connect(req protocol.ConnectRequest) (protocol.ConnectResponse, error) {
	var resp protocol.ConnectResponse
	err := a.rpc.Call("Agent.Connect", req, &resp)
	return resp, err
}

// ClientClosed tells the agent a proxy session is gone so it can release
// every subscription that session held.
func (a *AgentClient) ClientClosed(clientID uint64) error {
	var none struct{}
	return a.rpc.Call("Agent.ClientClosed", clientID, &none)
}

func (a *AgentClient) TcpClientData(req protocol.TcpDataEvent) error {
	var none struct{}
	return a.rpc.Call("Agent.TcpClientData", req, &none)
}

func (a *AgentClient) TcpClientClose(req protocol.TcpCloseEvent) error {
	var none struct{}
	return a.rpc.Call("Agent.TcpClientClose", req, &none)
}

func (a *AgentClient) GetEnvVars(req protocol.GetEnvVarsRequest) (protocol.GetEnvVarsResponse, error) {
	var resp protocol.GetEnvVarsResponse
	err := a.rpc.Call("Agent.GetEnvVars", req, &resp)
	return resp, err
}
