package sniffer

import (
	"net"
	"testing"

	"github.com/driftpod/driftpod/protocol"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

// newTestSniffer builds a Sniffer with no underlying raw socket, suitable
// for feeding synthetic packets directly into handlePacket.
func newTestSniffer() *Sniffer {
	return &Sniffer{
		subs:     newSubscriptions(),
		sessions: make(map[SessionKey]*broadcastSession),
		newConns: make(chan SniffedConnection, broadcastCapacity),
	}
}

// buildTCPPacket serializes an Ethernet/IPv4/TCP frame, the shape
// handlePacket expects from AF_PACKET capture.
func buildTCPPacket(t *testing.T, srcIP, dstIP string, srcPort, dstPort uint16, syn, ack, fin, rst bool, payload []byte) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(srcIP).To4(),
		DstIP:    net.ParseIP(dstIP).To4(),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		SYN:     syn,
		ACK:     ack,
		FIN:     fin,
		RST:     rst,
		Window:  1024,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func TestIsNewSessionAcceptsBareSyn(t *testing.T) {
	require.True(t, isNewSession(&layers.TCP{SYN: true}))
}

func TestIsNewSessionRejectsSynAck(t *testing.T) {
	require.False(t, isNewSession(&layers.TCP{SYN: true, ACK: true}))
}

func TestIsNewSessionAdoptsHTTP1Get(t *testing.T) {
	require.True(t, isNewSession(&layers.TCP{Payload: []byte("GET / HTTP/1.1\r\n")}))
}

func TestIsNewSessionAdoptsHTTP2Preface(t *testing.T) {
	require.True(t, isNewSession(&layers.TCP{Payload: []byte("PRI * HTTP/2.0\r\n\r\n")}))
}

func TestIsNewSessionRejectsArbitraryPayload(t *testing.T) {
	require.False(t, isNewSession(&layers.TCP{Payload: []byte("not http at all")}))
}

// TestMirrorOnePortIgnoreAnother exercises spec §8 end-to-end scenario 1:
// a client subscribed to port 80 sees exactly one NewConnection for a SYN
// on port 80, a Data event carrying the payload, then a Close on FIN; a
// SYN on the unsubscribed port 81 produces nothing.
func TestMirrorOnePortIgnoreAnother(t *testing.T) {
	s := newTestSniffer()
	s.subs.subscribe(ClientID(1), 80)

	s.handlePacket(buildTCPPacket(t, "1.1.1.1", "127.0.0.1", 3133, 80, true, false, false, false, nil))
	s.handlePacket(buildTCPPacket(t, "1.1.1.1", "127.0.0.1", 9999, 81, true, false, false, false, nil))

	select {
	case conn := <-s.NewConnections():
		require.Equal(t, uint64(0), conn.SessionID)
		require.Equal(t, uint16(80), conn.DestinationPort)
		require.Equal(t, uint16(3133), conn.SourcePort)

		s.handlePacket(buildTCPPacket(t, "1.1.1.1", "127.0.0.1", 3133, 80, false, true, false, false, []byte("hello_1")))
		ev := <-conn.Events
		data, ok := ev.(protocol.TcpDataEvent)
		require.True(t, ok)
		require.Equal(t, uint64(0), data.ConnectionID)
		require.Equal(t, []byte("hello_1"), data.Bytes)

		s.handlePacket(buildTCPPacket(t, "1.1.1.1", "127.0.0.1", 3133, 80, false, true, true, false, nil))
		ev = <-conn.Events
		closeEv, ok := ev.(protocol.TcpCloseEvent)
		require.True(t, ok)
		require.Equal(t, uint64(0), closeEv.ConnectionID)
	default:
		t.Fatal("expected a new connection notification for port 80")
	}

	select {
	case <-s.NewConnections():
		t.Fatal("port 81 is not subscribed, no notification expected")
	default:
	}
}

// TestLaggingDataReceiverIsDropped: a receiver that stops draining is
// closed and removed once its queue overflows, so one slow consumer
// never stalls delivery to the others.
func TestLaggingDataReceiverIsDropped(t *testing.T) {
	slow := make(chan any, 1)
	fast := make(chan any, broadcastCapacity)
	sess := &broadcastSession{id: 0, receivers: []chan any{slow, fast}}

	for i := 0; i < 3; i++ {
		sess.trySend(protocol.TcpDataEvent{ConnectionID: 0, Bytes: []byte("x")})
	}

	// slow got one event, then overflowed: its channel must be closed
	<-slow
	_, open := <-slow
	require.False(t, open, "lagging receiver's channel must be closed")
	require.Len(t, sess.receivers, 1)

	// the surviving receiver saw every event
	require.Len(t, fast, 3)
}

// TestConnectionIDAssignedOnDelivery exercises spec §8 scenario 4: once
// the new-connection channel is full, further sessions are silently
// dropped rather than queued, and the next session that actually lands
// gets the id that corresponds to its delivery order, not its arrival
// order among dropped siblings.
func TestConnectionIDAssignedOnDelivery(t *testing.T) {
	s := newTestSniffer()
	s.newConns = make(chan SniffedConnection, 2) // small capacity to force drops
	s.subs.subscribe(ClientID(1), 80)

	for i := 0; i < 2; i++ {
		s.handlePacket(buildTCPPacket(t, "1.1.1.1", "127.0.0.1", 3000+uint16(i), 80, true, false, false, false, nil))
	}
	// Channel is now full (capacity 2); this session is dropped entirely.
	s.handlePacket(buildTCPPacket(t, "1.1.1.1", "127.0.0.1", 3002, 80, true, false, false, false, nil))

	require.Len(t, s.sessions, 2)

	first := <-s.NewConnections()
	require.Equal(t, uint64(0), first.SessionID)
	second := <-s.NewConnections()
	require.Equal(t, uint64(1), second.SessionID)

	// Room freed up: the next new session is delivered with id 2, not 3 —
	// the dropped session's candidate id was never committed.
	s.handlePacket(buildTCPPacket(t, "1.1.1.1", "127.0.0.1", 3003, 80, true, false, false, false, nil))
	third := <-s.NewConnections()
	require.Equal(t, uint64(2), third.SessionID)
}
