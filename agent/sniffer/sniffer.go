package sniffer

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/driftpod/driftpod/protocol"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// broadcastCapacity is each client's channel capacity: a stalled client's
// queue absorbs capacity further events, and the next one that finds it
// full drops the client.
const broadcastCapacity = 512

// SniffedConnection is handed to a client, non-blocking, the moment the
// sniffer classifies a packet as belonging to a new session (spec §4.5).
type SniffedConnection struct {
	SessionID       uint64
	DestinationPort uint16
	SourcePort      uint16
	SourceAddr      string
	Events          <-chan any // protocol.TcpDataEvent | protocol.TcpCloseEvent
}

type broadcastSession struct {
	id        uint64
	key       SessionKey
	receivers []chan any
	mu        sync.Mutex
}

func (b *broadcastSession) trySend(ev any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < len(b.receivers); {
		r := b.receivers[i]
		select {
		case r <- ev:
			i++
		default:
			// receiver's queue is full; it misses this event and, per
			// spec §9, gets dropped outright rather than risk unbounded
			// backlog (global throughput over one slow consumer).
			close(r)
			b.receivers = append(b.receivers[:i], b.receivers[i+1:]...)
			logrus.WithField("session", b.id).Warn("sniffer: dropping lagging receiver")
		}
	}
}

// Sniffer owns one raw AF_PACKET capture loop (spec §4.5): parses
// Ethernet/IPv4/IPv6/TCP, classifies new sessions, and broadcasts payload
// bytes to every subscriber of the destination port via a non-blocking
// fan-out.
type Sniffer struct {
	iface string
	fd    int

	subs     *subscriptions
	nextSess atomic.Uint64

	mu       sync.Mutex
	sessions map[SessionKey]*broadcastSession

	newConns chan SniffedConnection
}

// New opens the raw socket bound to iface. Opening the socket is the only
// privileged step; everything else is pure Go.
func New(iface string) (*Sniffer, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("sniffer: socket: %w", err)
	}

	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("sniffer: interface %q: %w", iface, err)
	}

	addr := unix.SockaddrLinklayer{Protocol: htons(unix.ETH_P_ALL), Ifindex: ifi.Index}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("sniffer: bind %q: %w", iface, err)
	}

	s := &Sniffer{
		iface:    iface,
		fd:       fd,
		subs:     newSubscriptions(),
		sessions: make(map[SessionKey]*broadcastSession),
		newConns: make(chan SniffedConnection, broadcastCapacity),
	}

	if err := s.installFilter(); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return s, nil
}

func htons(i uint16) uint16 {
	return (i<<8)&0xff00 | i>>8
}

func (s *Sniffer) installFilter() error {
	insns, err := buildFilter(s.subs.topics())
	if err != nil {
		return fmt.Errorf("sniffer: compile filter: %w", err)
	}

	raw := make([]unix.SockFilter, len(insns))
	for i, ins := range insns {
		raw[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	prog := unix.SockFprog{Len: uint16(len(raw)), Filter: &raw[0]}

	return unix.SetsockoptSockFprog(s.fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &prog)
}

// Subscribe registers client's interest in port, reprogramming the BPF
// filter only if the topic set actually grew (spec §4.8).
func (s *Sniffer) Subscribe(client ClientID, port uint16) error {
	if s.subs.subscribe(client, port) {
		return s.installFilter()
	}
	return nil
}

// Unsubscribe drops client's interest in port, reprogramming only if the
// topic set shrank.
func (s *Sniffer) Unsubscribe(client ClientID, port uint16) error {
	if s.subs.unsubscribe(client, port) {
		return s.installFilter()
	}
	return nil
}

// RemoveClient handles implicit ClientClosed (spec §4.8).
func (s *Sniffer) RemoveClient(client ClientID) error {
	if s.subs.removeClient(client) {
		return s.installFilter()
	}
	return nil
}

// NewConnections is where SniffedConnection values are delivered.
func (s *Sniffer) NewConnections() <-chan SniffedConnection {
	return s.newConns
}

// Run drives the capture loop until ctx is cancelled.
func (s *Sniffer) Run(ctx context.Context) error {
	defer unix.Close(s.fd)

	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, _, err := unix.Recvfrom(s.fd, buf, 0)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("sniffer: recvfrom: %w", err)
		}

		s.handlePacket(buf[:n])
	}
}

func (s *Sniffer) handlePacket(raw []byte) {
	packet := gopacket.NewPacket(raw, layers.LayerTypeEthernet, gopacket.Lazy)

	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return
	}
	tcp, _ := tcpLayer.(*layers.TCP)

	var srcIP, dstIP netip.Addr
	switch nl := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		srcIP, _ = netip.AddrFromSlice(nl.SrcIP.To4())
		dstIP, _ = netip.AddrFromSlice(nl.DstIP.To4())
	case *layers.IPv6:
		srcIP, _ = netip.AddrFromSlice(nl.SrcIP.To16())
		dstIP, _ = netip.AddrFromSlice(nl.DstIP.To16())
	default:
		return
	}
	if !srcIP.IsValid() || !dstIP.IsValid() {
		return
	}

	key := NewSessionKey(srcIP, dstIP, uint16(tcp.SrcPort), uint16(tcp.DstPort))

	s.mu.Lock()
	sess, known := s.sessions[key]
	s.mu.Unlock()

	if !known {
		if !isNewSession(tcp) {
			return
		}

		clients := s.subs.subscribersOf(uint16(tcp.DstPort))
		if len(clients) == 0 {
			return
		}

		sess = &broadcastSession{key: key}
		for range clients {
			sess.receivers = append(sess.receivers, make(chan any, broadcastCapacity))
		}

		// connection_id is assigned on delivery, not on packet arrival: the
		// candidate id is only committed (and the counter only advanced)
		// once a notification actually lands in newConns, so a session no
		// client ever sees never "spends" an id. Every receiver of the same
		// session shares the one id.
		id := s.nextSess.Load()
		delivered := false
		for _, r := range sess.receivers {
			conn := SniffedConnection{
				SessionID:       id,
				DestinationPort: uint16(tcp.DstPort),
				SourcePort:      uint16(tcp.SrcPort),
				SourceAddr:      srcIP.String(),
				Events:          r,
			}
			select {
			case s.newConns <- conn:
				if !delivered {
					sess.id = id
					s.nextSess.Add(1)
					delivered = true
				}
			default:
				logrus.Warn("sniffer: newConns channel full, dropping notification")
			}
		}

		if !delivered {
			// No client picked this session up; don't track it, so a
			// later packet on the same flow gets a fresh chance.
			return
		}

		s.mu.Lock()
		s.sessions[key] = sess
		s.mu.Unlock()
	}

	if len(tcp.Payload) > 0 {
		sess.trySend(protocol.TcpDataEvent{ConnectionID: sess.id, Bytes: tcp.Payload})
	}

	if tcp.FIN || tcp.RST {
		sess.trySend(protocol.TcpCloseEvent{ConnectionID: sess.id})
		s.mu.Lock()
		delete(s.sessions, key)
		s.mu.Unlock()
	}
}

// isNewSession implements the spec §4.5/§9 heuristic: SYN-only, or the
// payload begins with HTTP/1 or HTTP/2 magic bytes, adopts flows that
// began before the subscription existed. This deliberately accepted
// false-positive surface (any payload starting with "GET "/"POST "/"PRI ")
// is unconditionally implemented per the spec's open question.
func isNewSession(tcp *layers.TCP) bool {
	if tcp.SYN && !tcp.ACK {
		return true
	}
	return looksLikeHTTP(tcp.Payload)
}

var http2Preface = []byte("PRI * HTTP/2.0")

func looksLikeHTTP(payload []byte) bool {
	prefixes := [][]byte{[]byte("GET "), []byte("POST "), []byte("PUT "), []byte("HEAD "), []byte("DELETE ")}
	for _, p := range prefixes {
		if bytes.HasPrefix(payload, p) {
			return true
		}
	}
	return bytes.HasPrefix(payload, http2Preface)
}
