// Agent is the net/rpc service the internal proxy dials (spec §4.4,
// §4.5): one exported method per protocol.Kind the layer can ask for,
// delegating to filemanager.Manager, sniffer.Sniffer, Stealer and
// dnsworker.Worker. Shaped the same as the teacher's own
// AgentServer: a single struct whose exported methods are registered
// wholesale with net/rpc (agent/server.go), rather than a dispatch table.
package agent

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/driftpod/driftpod/agent/dnsworker"
	"github.com/driftpod/driftpod/agent/filemanager"
	"github.com/driftpod/driftpod/agent/sniffer"
	"github.com/driftpod/driftpod/protocol"
)

// Agent implements the RPC surface proxy.AgentClient calls into.
type Agent struct {
	Files *filemanager.Manager
	Sniff *sniffer.Sniffer
	Steal *Stealer
	Out   *Outbound
	DNS   *dnsworker.Worker

	// clientPorts tracks which ports each proxy session currently holds,
	// so ClientClosed can release them and the stealer's per-port
	// refcount stays balanced against the sniffer's own bookkeeping.
	mu          sync.Mutex
	clientPorts map[uint64]map[uint16]struct{}
}

func NewAgent(files *filemanager.Manager, sniff *sniffer.Sniffer, steal *Stealer, out *Outbound, dns *dnsworker.Worker) *Agent {
	return &Agent{
		Files:       files,
		Sniff:       sniff,
		Steal:       steal,
		Out:         out,
		DNS:         dns,
		clientPorts: make(map[uint64]map[uint16]struct{}),
	}
}

func (a *Agent) Ping(_ struct{}, _ *struct{}) error {
	return nil
}

func (a *Agent) Open(req protocol.OpenRequest, resp *protocol.OpenResponse) error {
	r, err := a.Files.Open(req)
	*resp = r
	return err
}

func (a *Agent) OpenRelative(req protocol.OpenRelativeRequest, resp *protocol.OpenResponse) error {
	r, err := a.Files.OpenRelative(req)
	*resp = r
	return err
}

func (a *Agent) Read(req protocol.ReadRequest, resp *protocol.ReadResponse) error {
	r, err := a.Files.Read(req)
	*resp = r
	return err
}

func (a *Agent) Write(req protocol.WriteRequest, resp *protocol.WriteResponse) error {
	r, err := a.Files.Write(req)
	*resp = r
	return err
}

func (a *Agent) Lseek(req protocol.LseekRequest, resp *protocol.LseekResponse) error {
	r, err := a.Files.Lseek(req)
	*resp = r
	return err
}

func (a *Agent) Close(req protocol.CloseRequest, _ *struct{}) error {
	return a.Files.Close(req)
}

func (a *Agent) Mkdir(req protocol.MkdirRequest, _ *struct{}) error {
	return a.Files.Mkdir(req)
}

func (a *Agent) Unlink(req protocol.UnlinkRequest, _ *struct{}) error {
	return a.Files.Unlink(req)
}

func (a *Agent) Stat(req protocol.StatRequest, resp *protocol.StatResponse) error {
	r, err := a.Files.Stat(req)
	*resp = r
	return err
}

func (a *Agent) Readdir(req protocol.ReaddirRequest, resp *protocol.ReaddirResponse) error {
	r, err := a.Files.Readdir(req)
	*resp = r
	return err
}

func (a *Agent) Access(req protocol.AccessRequest, _ *struct{}) error {
	return a.Files.Access(req)
}

func (a *Agent) Statfs(req protocol.StatfsRequest, resp *protocol.StatfsResponse) error {
	r, err := a.Files.Statfs(req)
	*resp = r
	return err
}

func (a *Agent) Readlink(req protocol.ReadlinkRequest, resp *protocol.ReadlinkResponse) error {
	r, err := a.Files.Readlink(req)
	*resp = r
	return err
}

func (a *Agent) GetAddrInfo(req protocol.GetAddrInfoRequestV2, resp *protocol.GetAddrInfoResponse) error {
	if a.DNS == nil {
		return fmt.Errorf("agent: dns worker not configured")
	}
	r, err := a.DNS.Resolve(req)
	*resp = r
	return err
}

// track records (client, port), reporting whether it is new for client.
func (a *Agent) track(client uint64, port uint16) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	ports, ok := a.clientPorts[client]
	if !ok {
		ports = make(map[uint16]struct{})
		a.clientPorts[client] = ports
	}
	if _, held := ports[port]; held {
		return false
	}
	ports[port] = struct{}{}
	return true
}

// untrack removes (client, port), reporting whether client actually held it.
func (a *Agent) untrack(client uint64, port uint16) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	ports, ok := a.clientPorts[client]
	if !ok {
		return false
	}
	if _, held := ports[port]; !held {
		return false
	}
	delete(ports, port)
	if len(ports) == 0 {
		delete(a.clientPorts, client)
	}
	return true
}

// TcpSubscribe wires a port subscription (spec §4.5, §4.6, §4.8): the
// sniffer side mirrors, and when a stealer is configured the same port
// also gets a nat redirect so NewTcpConnectionEvent carries stolen, not
// just mirrored, traffic. req.ClientID is the caller's proxy session id,
// stamped by the intproxy, so distinct callers subscribing the same port
// stay distinct subscribers; a re-subscribe by the same caller is free.
func (a *Agent) TcpSubscribe(req protocol.TcpSubscribeRequest, resp *protocol.TcpSubscribeResponse) error {
	if a.track(req.ClientID, req.Port) {
		if a.Sniff != nil {
			if err := a.Sniff.Subscribe(sniffer.ClientID(req.ClientID), req.Port); err != nil {
				a.untrack(req.ClientID, req.Port)
				return err
			}
		}
		if a.Steal != nil {
			if err := a.Steal.StealPort(req.Port); err != nil {
				if a.Sniff != nil {
					a.Sniff.Unsubscribe(sniffer.ClientID(req.ClientID), req.Port)
				}
				a.untrack(req.ClientID, req.Port)
				return err
			}
		}
	}
	*resp = protocol.TcpSubscribeResponse{Port: req.Port}
	return nil
}

func (a *Agent) TcpUnsubscribe(req protocol.TcpUnsubscribeRequest, _ *struct{}) error {
	if !a.untrack(req.ClientID, req.Port) {
		return nil
	}
	if a.Steal != nil {
		if err := a.Steal.ReleasePort(req.Port); err != nil {
			return err
		}
	}
	if a.Sniff != nil {
		return a.Sniff.Unsubscribe(sniffer.ClientID(req.ClientID), req.Port)
	}
	return nil
}

// ClientClosed releases everything a disconnected proxy session held
// (spec §4.8's implicit ClientClosed): every stolen-port refcount it
// contributed and its sniffer subscriptions.
func (a *Agent) ClientClosed(clientID uint64, _ *struct{}) error {
	a.mu.Lock()
	ports := a.clientPorts[clientID]
	delete(a.clientPorts, clientID)
	a.mu.Unlock()

	if a.Steal != nil {
		for port := range ports {
			if err := a.Steal.ReleasePort(port); err != nil {
				return err
			}
		}
	}
	if a.Sniff != nil {
		return a.Sniff.RemoveClient(sniffer.ClientID(clientID))
	}
	return nil
}

// Connect dials req.Addr:req.Port from inside the pod on the layer's
// behalf (spec §4.3) and returns the connection id its TcpData/TcpClose
// events are keyed by.
func (a *Agent) Connect(req protocol.ConnectRequest, resp *protocol.ConnectResponse) error {
	if a.Out == nil {
		return fmt.Errorf("agent: outbound dialer not configured")
	}
	id, err := a.Out.Dial(req.Addr, req.Port)
	if err != nil {
		return err
	}
	*resp = protocol.ConnectResponse{ConnectionID: id}
	return nil
}

// TcpClientData writes the application's bytes back out a bridged
// connection; the layer's socketpair pump is the producer. The id space
// picks the owner: stolen ids belong to the stealer, dialed ids to the
// outbound dialer.
func (a *Agent) TcpClientData(req protocol.TcpDataEvent, _ *struct{}) error {
	if req.ConnectionID >= outboundIDBase {
		if a.Out == nil {
			return fmt.Errorf("agent: outbound dialer not configured")
		}
		return a.Out.WriteConn(req.ConnectionID, req.Bytes)
	}
	if a.Steal == nil {
		return fmt.Errorf("agent: stealer not configured")
	}
	return a.Steal.WriteConn(req.ConnectionID, req.Bytes)
}

// TcpClientClose half-closes a bridged connection's write side once the
// application closes its fd.
func (a *Agent) TcpClientClose(req protocol.TcpCloseEvent, _ *struct{}) error {
	if req.ConnectionID >= outboundIDBase {
		if a.Out == nil {
			return nil
		}
		return a.Out.CloseConn(req.ConnectionID)
	}
	if a.Steal == nil {
		return nil
	}
	return a.Steal.CloseConn(req.ConnectionID)
}

// GetEnvVars returns the agent process's own environment (spec §1's
// "fetch the target's environment" flow), filtered by the layer's
// include/exclude lists. An include list, if non-empty, is exclusive:
// only named variables are returned. Exclude always wins over include.
func (a *Agent) GetEnvVars(req protocol.GetEnvVarsRequest, resp *protocol.GetEnvVarsResponse) error {
	vars := make(map[string]string)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if matchesAny(name, req.FilterExcludes) {
			continue
		}
		if len(req.FilterIncludes) > 0 && !matchesAny(name, req.FilterIncludes) {
			continue
		}
		vars[name] = value
	}
	resp.Vars = vars
	return nil
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if p == name {
			return true
		}
		if strings.HasSuffix(p, "*") && strings.HasPrefix(name, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}
