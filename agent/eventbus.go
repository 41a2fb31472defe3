package agent

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"

	"github.com/driftpod/driftpod/protocol"
	"github.com/sirupsen/logrus"
)

// EventBus is the agent's half of the unsolicited-event path (spec
// §4.3, §4.5): every intproxy that wants NewTcpConnectionEvent/
// TcpDataEvent/TcpCloseEvent dials this listener once and receives every
// event broadcast afterward. Subscription filtering happens downstream,
// in each layer's eventRouter (layer/events.go), so the bus itself never
// needs to track which intproxy asked for which port.
type EventBus struct {
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	nextID atomic.Uint64
}

func NewEventBus() *EventBus {
	return &EventBus{conns: make(map[net.Conn]struct{})}
}

// Serve accepts connections from ln until it errors (listener closed).
func (b *EventBus) Serve(ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return err
		}
		b.mu.Lock()
		b.conns[nc] = struct{}{}
		b.mu.Unlock()
		go b.watchClose(nc)
	}
}

// watchClose removes nc once its peer disconnects. The event bus never
// reads anything meaningful from nc; any read error just means the peer
// is gone.
func (b *EventBus) watchClose(nc net.Conn) {
	r := bufio.NewReader(nc)
	for {
		if _, err := r.ReadByte(); err != nil {
			b.mu.Lock()
			delete(b.conns, nc)
			b.mu.Unlock()
			nc.Close()
			return
		}
	}
}

// Broadcast encodes payload under kind and writes it to every connected
// subscriber.
func (b *EventBus) Broadcast(kind protocol.Kind, payload any) {
	frame, err := protocol.Marshal(b.nextID.Add(1), kind, payload)
	if err != nil {
		logrus.WithError(err).Error("eventbus: marshal failed")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for nc := range b.conns {
		if err := protocol.Encode(nc, frame); err != nil {
			logrus.WithError(err).Debug("eventbus: dropping disconnected subscriber")
			delete(b.conns, nc)
			nc.Close()
		}
	}
}

// PumpSniffer drains sniffer-sourced TCP events and broadcasts them,
// following the same "new connection announces a channel, a goroutine
// per connection forwards its own stream" shape the sniffer itself uses
// internally for fan-out.
func (a *Agent) PumpSniffer(bus *EventBus) {
	if a.Sniff == nil {
		return
	}
	for conn := range a.Sniff.NewConnections() {
		bus.Broadcast(protocol.KindNewTcpConnectionEvent, protocol.NewTcpConnectionEvent{
			ConnectionID:    conn.SessionID,
			DestinationPort: conn.DestinationPort,
			SourcePort:      conn.SourcePort,
			SourceAddr:      conn.SourceAddr,
		})
		go pumpConnectionEvents(bus, conn.SessionID, conn.Events)
	}
}

func pumpConnectionEvents(bus *EventBus, connID uint64, events <-chan any) {
	for ev := range events {
		switch e := ev.(type) {
		case protocol.TcpDataEvent:
			bus.Broadcast(protocol.KindTcpDataEvent, e)
		case protocol.TcpCloseEvent:
			bus.Broadcast(protocol.KindTcpCloseEvent, e)
			return
		}
	}
}
