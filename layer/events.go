package layer

import (
	"sync"

	"github.com/driftpod/driftpod/protocol"
	"github.com/driftpod/driftpod/proxy"
)

// eventRouter fans the proxy connection's single unsolicited-event
// stream out to whichever listener or stolen-connection pump actually
// wants it: NewTcpConnectionEvent routed by destination port (one
// listening socket per port in this process), TcpDataEvent/TcpCloseEvent
// routed by connection id (spec §4.3's accept()/stolen-connection pump).
type eventRouter struct {
	mu        sync.Mutex
	byPort    map[uint16]chan protocol.Frame
	byConn    map[uint64]chan protocol.Frame
}

func newEventRouter() *eventRouter {
	return &eventRouter{
		byPort: make(map[uint16]chan protocol.Frame),
		byConn: make(map[uint64]chan protocol.Frame),
	}
}

// registerPort installs a channel that receives every NewTcpConnectionEvent
// destined for port; call unregisterPort when the listener closes.
func (r *eventRouter) registerPort(port uint16) <-chan protocol.Frame {
	ch := make(chan protocol.Frame, 16)
	r.mu.Lock()
	r.byPort[port] = ch
	r.mu.Unlock()
	return ch
}

func (r *eventRouter) unregisterPort(port uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.byPort[port]; ok {
		delete(r.byPort, port)
		close(ch)
	}
}

// registerConn installs a channel that receives every TcpDataEvent/
// TcpCloseEvent for connID, used by the stolen-connection pump.
func (r *eventRouter) registerConn(connID uint64) <-chan protocol.Frame {
	ch := make(chan protocol.Frame, 64)
	r.mu.Lock()
	r.byConn[connID] = ch
	r.mu.Unlock()
	return ch
}

func (r *eventRouter) unregisterConn(connID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.byConn[connID]; ok {
		delete(r.byConn, connID)
		close(ch)
	}
}

func (r *eventRouter) dispatch(frame protocol.Frame) {
	switch frame.Kind {
	case protocol.KindNewTcpConnectionEvent:
		var ev protocol.NewTcpConnectionEvent
		if err := protocol.Unmarshal(frame, &ev); err != nil {
			return
		}
		r.mu.Lock()
		ch, ok := r.byPort[ev.DestinationPort]
		r.mu.Unlock()
		if ok {
			select {
			case ch <- frame:
			default:
			}
		}
	case protocol.KindTcpDataEvent:
		var ev protocol.TcpDataEvent
		if err := protocol.Unmarshal(frame, &ev); err != nil {
			return
		}
		r.dispatchConn(ev.ConnectionID, frame)
	case protocol.KindTcpCloseEvent:
		var ev protocol.TcpCloseEvent
		if err := protocol.Unmarshal(frame, &ev); err != nil {
			return
		}
		r.dispatchConn(ev.ConnectionID, frame)
	}
}

func (r *eventRouter) dispatchConn(connID uint64, frame protocol.Frame) {
	r.mu.Lock()
	ch, ok := r.byConn[connID]
	r.mu.Unlock()
	if ok {
		select {
		case ch <- frame:
		default:
		}
	}
}

// run drains conn's event stream until it closes, dispatching each
// frame. Started once per Layer (including once per forked child, on
// its own fresh connection).
func (r *eventRouter) run(conn *proxy.Conn) {
	for frame := range conn.Events() {
		r.dispatch(frame)
	}
}
