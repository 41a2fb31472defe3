package agent

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftpod/driftpod/protocol"
)

func newEventBusListener(t *testing.T) (*EventBus, net.Listener) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	bus := NewEventBus()
	go bus.Serve(ln)
	t.Cleanup(func() { ln.Close() })
	return bus, ln
}

func TestEventBusBroadcastsToEverySubscriber(t *testing.T) {
	bus, ln := newEventBusListener(t)

	sub1, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer sub1.Close()
	sub2, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer sub2.Close()

	// give Serve a moment to register both connections
	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.conns) == 2
	}, time.Second, time.Millisecond)

	bus.Broadcast(protocol.KindTcpCloseEvent, protocol.TcpCloseEvent{ConnectionID: 42})

	for _, sub := range []net.Conn{sub1, sub2} {
		frame, err := protocol.Decode(bufio.NewReader(sub))
		require.NoError(t, err)
		require.Equal(t, protocol.KindTcpCloseEvent, frame.Kind)

		var ev protocol.TcpCloseEvent
		require.NoError(t, protocol.Unmarshal(frame, &ev))
		require.Equal(t, uint64(42), ev.ConnectionID)
	}
}

func TestEventBusPrunesDisconnectedSubscriber(t *testing.T) {
	bus, ln := newEventBusListener(t)

	sub, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.conns) == 1
	}, time.Second, time.Millisecond)

	sub.Close()

	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.conns) == 0
	}, time.Second, time.Millisecond)
}

func TestPumpConnectionEventsStopsAfterClose(t *testing.T) {
	bus, ln := newEventBusListener(t)

	sub, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.conns) == 1
	}, time.Second, time.Millisecond)

	events := make(chan any, 2)
	events <- protocol.TcpDataEvent{ConnectionID: 1, Bytes: []byte("x")}
	events <- protocol.TcpCloseEvent{ConnectionID: 1}
	close(events)

	done := make(chan struct{})
	go func() {
		pumpConnectionEvents(bus, 1, events)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pumpConnectionEvents did not return after a close event")
	}

	r := bufio.NewReader(sub)
	first, err := protocol.Decode(r)
	require.NoError(t, err)
	require.Equal(t, protocol.KindTcpDataEvent, first.Kind)

	second, err := protocol.Decode(r)
	require.NoError(t, err)
	require.Equal(t, protocol.KindTcpCloseEvent, second.Kind)
}
