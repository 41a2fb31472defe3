package agent

import (
	"fmt"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/driftpod/driftpod/internal/netx"
)

// outboundIDBase offsets agent-dialed connection ids above the stealer's
// stolen range; all three id spaces (mirrored, stolen, dialed) share the
// one event bus, and the layer routes purely by connection id.
const outboundIDBase = 1 << 33

// Outbound dials targets from inside the pod on the layer's behalf (spec
// §4.3: a policy-remote connect() is established via the agent) and
// bridges each connection's inbound bytes over the event bus, the same
// TcpData/TcpClose discipline the stealer applies to diverted traffic.
// The agent process already lives in the target pod, so a plain dial
// here is a dial from the pod's own network namespace.
type Outbound struct {
	bus *EventBus

	nextConn atomic.Uint64
	conns    connTable
}

func NewOutbound(bus *EventBus) *Outbound {
	return &Outbound{bus: bus, conns: newConnTable()}
}

// Dial connects to addr:port and starts pumping its inbound bytes onto
// the bus under the returned connection id. The layer writes the other
// direction through TcpClientData.
func (o *Outbound) Dial(addr string, port uint16) (uint64, error) {
	c, err := netx.Dial("tcp", net.JoinHostPort(addr, strconv.Itoa(int(port))))
	if err != nil {
		return 0, fmt.Errorf("outbound: dial %s:%d: %w", addr, port, err)
	}
	conn := c.(*net.TCPConn)

	id := outboundIDBase + o.nextConn.Add(1) - 1
	o.conns.register(id, conn)

	go pumpToBus(o.bus, id, conn, func() { o.conns.drop(id) })
	return id, nil
}

// WriteConn carries the application's bytes out the dialed connection.
func (o *Outbound) WriteConn(id uint64, data []byte) error {
	if err := o.conns.write(id, data); err != nil {
		return fmt.Errorf("outbound: %w", err)
	}
	return nil
}

// CloseConn half-closes the write side once the application is done.
func (o *Outbound) CloseConn(id uint64) error {
	return o.conns.closeWrite(id)
}

// Close tears down every live dialed connection.
func (o *Outbound) Close() error {
	o.conns.closeAll()
	return nil
}
