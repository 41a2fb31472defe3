// Package proxy implements the internal proxy: the per-process multiplexer
// that sits between the interception layer and the agent (spec §4.4). It
// owns one TCP connection to the agent-facing side, converts per-call
// requests into framed protocol.Frame messages, and fans responses back
// to whichever caller is waiting on that request's id.
//
// The request/response bookkeeping is a structural twin of the teacher's
// internal/fdx.Fdx: a single reader goroutine demultiplexes inbound frames
// by id into a waiting one-shot channel, or leaves the answer behind for a
// request that is about to ask for it, because the two orderings are both
// legal (spec §6: "out-of-order delivery is legal").
package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftpod/driftpod/protocol"
	"github.com/sirupsen/logrus"
)

// DefaultDeadline is the single configurable read/write deadline applied
// to every frame (spec §4.4).
var DefaultDeadline = 30 * time.Second

type pendingCall struct {
	resp chan protocol.Frame
	err  chan error
}

// Conn is the process-wide connection to the internal proxy. Callers use
// Call for request/response semantics and Send for fire-and-forget.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*pendingCall
	closed  bool
	closeErr error

	writeMu sync.Mutex

	SessionID uint64

	// events carries frames the agent pushes without a matching pending
	// call: NewTcpConnectionEvent/TcpDataEvent/TcpCloseEvent (spec §4.3,
	// §4.5). Buffered and drained via a non-blocking send, same posture
	// as the sniffer's own broadcast channels: a slow consumer misses
	// events rather than stalling every other frame on the connection.
	events chan protocol.Frame
}

// eventBufferSize bounds the unsolicited-event backlog; sized the same
// as the sniffer's per-session broadcast capacity (agent/sniffer/sniffer.go).
const eventBufferSize = 512

// Dial connects to addr and performs the NewSession handshake described in
// spec §4.4 and §6.
func Dial(addr string, forkedFrom uint64) (*Conn, error) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("proxy: dial %s: %w", addr, err)
	}

	c := newConn(nc)

	ack, err := c.handshake(forkedFrom)
	if err != nil {
		c.conn.Close()
		return nil, err
	}
	c.SessionID = ack.SessionID

	return c, nil
}

func newConn(nc net.Conn) *Conn {
	c := &Conn{
		conn:    nc,
		r:       bufio.NewReader(nc),
		pending: make(map[uint64]*pendingCall),
		events:  make(chan protocol.Frame, eventBufferSize),
	}
	go c.readLoop()
	return c
}

func (c *Conn) handshake(forkedFrom uint64) (protocol.NewSessionAck, error) {
	req := protocol.NewSession{
		ProtocolVersion:   protocol.CurrentVersion,
		ForkedFromSession: forkedFrom,
	}

	frame, err := c.Call(protocol.KindNewSession, req)
	if err != nil {
		return protocol.NewSessionAck{}, err
	}

	var ack protocol.NewSessionAck
	if err := protocol.Unmarshal(frame, &ack); err != nil {
		return protocol.NewSessionAck{}, fmt.Errorf("proxy: decode session ack: %w", err)
	}
	return ack, nil
}

func (c *Conn) readLoop() {
	for {
		c.conn.SetReadDeadline(time.Time{})
		frame, err := protocol.Decode(c.r)
		if err != nil {
			c.shutdown(err)
			return
		}

		if frame.Kind == protocol.KindErrorResponse {
			var eresp protocol.ErrorResponse
			_ = protocol.Unmarshal(frame, &eresp)
			c.deliverErr(frame.ID, errors.New(eresp.Message))
			continue
		}

		c.deliver(frame)
	}
}

func (c *Conn) deliver(frame protocol.Frame) {
	c.mu.Lock()
	pc, ok := c.pending[frame.ID]
	if ok {
		delete(c.pending, frame.ID)
	}
	c.mu.Unlock()

	if !ok {
		// no caller waiting: either a fire-and-forget ack, or an
		// unsolicited event (spec §4.3, §4.5) that socket detours read
		// via Events().
		select {
		case c.events <- frame:
		default:
			logrus.WithField("kind", frame.Kind).Warn("proxy: dropping event, consumer too slow")
		}
		return
	}
	pc.resp <- frame
}

// Events returns the channel unsolicited agent frames (new/stolen TCP
// connections, their data, their close) are delivered on. Socket
// detours read this to implement accept()'s "wait for either a local
// kernel accept or an agent-announced stolen connection" contract
// (spec §4.3).
func (c *Conn) Events() <-chan protocol.Frame {
	return c.events
}

func (c *Conn) deliverErr(id uint64, err error) {
	c.mu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok {
		pc.err <- err
	}
}

func (c *Conn) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, pc := range pending {
		pc.err <- err
	}
	c.conn.Close()
}

// Call sends kind/payload as a request and blocks until the matching
// response arrives, or the connection fails. Cancellation of an in-flight
// call is not supported (spec §7): the caller's goroutine blocks until a
// response or an I/O error.
func (c *Conn) Call(kind protocol.Kind, payload any) (protocol.Frame, error) {
	id := c.nextID.Add(1)

	pc := &pendingCall{resp: make(chan protocol.Frame, 1), err: make(chan error, 1)}

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return protocol.Frame{}, err
	}
	c.pending[id] = pc
	c.mu.Unlock()

	frame, err := protocol.Marshal(id, kind, payload)
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return protocol.Frame{}, err
	}

	if err := c.writeFrame(frame); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return protocol.Frame{}, err
	}

	select {
	case resp := <-pc.resp:
		return resp, nil
	case err := <-pc.err:
		return protocol.Frame{}, err
	}
}

// Send issues a fire-and-forget message: the caller enqueues and returns,
// acknowledgement is implicit (spec §4.4).
func (c *Conn) Send(kind protocol.Kind, payload any) error {
	id := c.nextID.Add(1)
	frame, err := protocol.Marshal(id, kind, payload)
	if err != nil {
		return err
	}
	return c.writeFrame(frame)
}

func (c *Conn) writeFrame(f protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(DefaultDeadline))
	if err := protocol.Encode(c.conn, f); err != nil {
		logrus.WithError(err).Error("proxy: write frame failed")
		return err
	}
	return nil
}

func (c *Conn) Close() error {
	c.shutdown(net.ErrClosed)
	return nil
}
