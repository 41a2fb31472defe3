package proxy

import (
	"bufio"
	"crypto/rand"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/driftpod/driftpod/protocol"
)

// traceIDSource hands out sortable, time-ordered ids for log correlation
// across a session's lifetime (accept, every dispatched frame, close).
// ulid.Monotonic is not safe for concurrent use by itself, hence the
// package-level mutex guarding every call.
var (
	traceIDMu     sync.Mutex
	traceIDSource = ulid.Monotonic(rand.Reader, 0)
)

func newTraceID() string {
	traceIDMu.Lock()
	defer traceIDMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), traceIDSource)
	if err != nil {
		return ""
	}
	return id.String()
}

// Server is the internal proxy's layer-facing side (spec §4.4): it
// accepts the layer's framed connection, performs the NewSession
// handshake, and translates every subsequent frame into an AgentClient
// call, writing the agent's answer back verbatim. One Server instance
// serves every layer process that dials this intproxy's listener,
// mirroring the teacher's Fdx/AgentServer split: framing and dispatch
// live here, the actual work lives in agent.Agent reached through
// AgentClient.
type Server struct {
	agent *AgentClient

	mu          sync.Mutex
	sessions    map[uint64]*serverSession
	nextSession atomic.Uint64
}

type serverSession struct {
	writeMu sync.Mutex
	conn    net.Conn
	id      uint64
	traceID string
	version uint32
}

func (s *serverSession) write(f protocol.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return protocol.Encode(s.conn, f)
}

// NewServer wraps agent as the backend every accepted connection
// dispatches to.
func NewServer(agent *AgentClient) *Server {
	return &Server{agent: agent, sessions: make(map[uint64]*serverSession)}
}

// Serve accepts connections from ln until it returns an error (listener
// closed, typically).
func (s *Server) Serve(ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(nc)
	}
}

// BroadcastEvent relays an agent-originated TCP event to every connected
// session. Sessions that never subscribed to the port/connection id just
// drop it on the floor (layer/events.go's eventRouter), so broadcasting
// rather than targeting a specific session is a correctness no-op and
// avoids this Server having to track per-session subscriptions itself.
func (s *Server) BroadcastEvent(kind protocol.Kind, payload json.RawMessage) {
	s.mu.Lock()
	sessions := make([]*serverSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	frame := protocol.Frame{ID: 0, Kind: kind, Payload: payload}
	for _, sess := range sessions {
		if err := sess.write(frame); err != nil {
			logrus.WithError(err).Warn("proxy: failed to relay event to session")
		}
	}
}

func (s *Server) handleConn(nc net.Conn) {
	defer nc.Close()

	r := bufio.NewReader(nc)

	first, err := protocol.Decode(r)
	if err != nil {
		return
	}
	if first.Kind != protocol.KindNewSession {
		logrus.Warn("proxy: first frame was not NewSession, closing")
		return
	}

	var req protocol.NewSession
	if err := protocol.Unmarshal(first, &req); err != nil {
		return
	}

	sessionID := s.nextSession.Add(1)
	ack := protocol.NewSessionAck{
		SessionID:         sessionID,
		NegotiatedVersion: protocol.Negotiate(protocol.CurrentVersion, req.ProtocolVersion),
	}
	ackFrame, err := protocol.Marshal(first.ID, protocol.KindGenericOK, ack)
	if err != nil {
		return
	}

	sess := &serverSession{conn: nc, id: sessionID, traceID: newTraceID(), version: ack.NegotiatedVersion}
	// registered before the ack goes out, so a broadcast issued once the
	// layer has seen its ack always reaches this session
	s.mu.Lock()
	s.sessions[sessionID] = sess
	s.mu.Unlock()
	if err := sess.write(ackFrame); err != nil {
		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
		return
	}
	logrus.WithFields(logrus.Fields{"session": sessionID, "trace": sess.traceID}).Debug("proxy: session established")
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
		// implicit ClientClosed (spec §4.8): release whatever this
		// session still held on the agent side.
		if err := s.agent.ClientClosed(sessionID); err != nil {
			logrus.WithField("session", sessionID).WithError(err).Warn("proxy: client-closed release failed")
		}
	}()

	for {
		frame, err := protocol.Decode(r)
		if err != nil {
			return
		}
		go s.dispatch(sess, frame)
	}
}

// dispatch translates one layer-originated frame into an AgentClient
// call and writes the response back, tagged with the same request id
// (spec §6: responses echo the requester's id). Requests run
// concurrently with each other on a session — nothing here assumes
// in-order completion, matching spec §6's "out-of-order delivery is
// legal".
func (s *Server) dispatch(sess *serverSession, frame protocol.Frame) {
	// layer-originated stolen-connection traffic is fire-and-forget (spec
	// §4.4): relay to the agent, never write a response frame back.
	switch frame.Kind {
	case protocol.KindTcpDataEvent:
		var ev protocol.TcpDataEvent
		if err := protocol.Unmarshal(frame, &ev); err != nil {
			return
		}
		if err := s.agent.TcpClientData(ev); err != nil {
			logrus.WithFields(logrus.Fields{"trace": sess.traceID, "conn": ev.ConnectionID}).WithError(err).Debug("proxy: client data relay failed")
		}
		return
	case protocol.KindTcpCloseEvent:
		var ev protocol.TcpCloseEvent
		if err := protocol.Unmarshal(frame, &ev); err != nil {
			return
		}
		_ = s.agent.TcpClientClose(ev)
		return
	}

	resp, kind, err := s.call(sess, frame)
	if err != nil {
		logrus.WithFields(logrus.Fields{"trace": sess.traceID, "kind": frame.Kind}).WithError(err).Debug("proxy: request failed")
		errFrame, merr := protocol.Marshal(frame.ID, protocol.KindErrorResponse, protocol.ErrorResponse{
			Message: err.Error(),
			ID:      frame.ID,
		})
		if merr != nil {
			return
		}
		_ = sess.write(errFrame)
		return
	}

	respFrame, err := protocol.Marshal(frame.ID, kind, resp)
	if err != nil {
		return
	}
	_ = sess.write(respFrame)
}

func (s *Server) call(sess *serverSession, frame protocol.Frame) (any, protocol.Kind, error) {
	switch frame.Kind {
	case protocol.KindOpenRequest:
		var req protocol.OpenRequest
		if err := protocol.Unmarshal(frame, &req); err != nil {
			return nil, 0, err
		}
		resp, err := s.agent.Open(req)
		return resp, protocol.KindOpenResponse, err

	case protocol.KindOpenRelativeRequest:
		var req protocol.OpenRelativeRequest
		if err := protocol.Unmarshal(frame, &req); err != nil {
			return nil, 0, err
		}
		resp, err := s.agent.OpenRelative(req)
		return resp, protocol.KindOpenResponse, err

	case protocol.KindReadRequest:
		var req protocol.ReadRequest
		if err := protocol.Unmarshal(frame, &req); err != nil {
			return nil, 0, err
		}
		resp, err := s.agent.Read(req)
		return resp, protocol.KindReadResponse, err

	case protocol.KindWriteRequest:
		var req protocol.WriteRequest
		if err := protocol.Unmarshal(frame, &req); err != nil {
			return nil, 0, err
		}
		resp, err := s.agent.Write(req)
		return resp, protocol.KindWriteResponse, err

	case protocol.KindLseekRequest:
		var req protocol.LseekRequest
		if err := protocol.Unmarshal(frame, &req); err != nil {
			return nil, 0, err
		}
		resp, err := s.agent.Lseek(req)
		return resp, protocol.KindLseekResponse, err

	case protocol.KindCloseRequest:
		var req protocol.CloseRequest
		if err := protocol.Unmarshal(frame, &req); err != nil {
			return nil, 0, err
		}
		err := s.agent.Close_(req)
		return struct{}{}, protocol.KindGenericOK, err

	case protocol.KindMkdirRequest:
		var req protocol.MkdirRequest
		if err := protocol.Unmarshal(frame, &req); err != nil {
			return nil, 0, err
		}
		err := s.agent.Mkdir(req)
		return struct{}{}, protocol.KindGenericOK, err

	case protocol.KindUnlinkRequest:
		var req protocol.UnlinkRequest
		if err := protocol.Unmarshal(frame, &req); err != nil {
			return nil, 0, err
		}
		err := s.agent.Unlink(req)
		return struct{}{}, protocol.KindGenericOK, err

	case protocol.KindStatRequest:
		var req protocol.StatRequest
		if err := protocol.Unmarshal(frame, &req); err != nil {
			return nil, 0, err
		}
		resp, err := s.agent.Stat(req)
		return resp, protocol.KindStatResponse, err

	case protocol.KindAccessRequest:
		var req protocol.AccessRequest
		if err := protocol.Unmarshal(frame, &req); err != nil {
			return nil, 0, err
		}
		err := s.agent.Access(req)
		return struct{}{}, protocol.KindGenericOK, err

	case protocol.KindStatfsRequest:
		var req protocol.StatfsRequest
		if err := protocol.Unmarshal(frame, &req); err != nil {
			return nil, 0, err
		}
		resp, err := s.agent.Statfs(req)
		return resp, protocol.KindStatfsResponse, err

	case protocol.KindReaddirRequest:
		var req protocol.ReaddirRequest
		if err := protocol.Unmarshal(frame, &req); err != nil {
			return nil, 0, err
		}
		resp, err := s.agent.Readdir(req)
		return resp, protocol.KindReaddirResponse, err

	case protocol.KindReadlinkRequest:
		var req protocol.ReadlinkRequest
		if err := protocol.Unmarshal(frame, &req); err != nil {
			return nil, 0, err
		}
		resp, err := s.agent.Readlink(req)
		return resp, protocol.KindReadlinkResponse, err

	case protocol.KindGetAddrInfoRequest:
		var req protocol.GetAddrInfoRequestV2
		if err := protocol.Unmarshal(frame, &req); err != nil {
			return nil, 0, err
		}
		if !protocol.SupportsV2DNS(sess.version) {
			// a v1 peer never sent these; clear anything a confused
			// encoder left behind so the agent sees a plain v1 request
			req.Flags = 0
			req.Protocol = 0
		}
		resp, err := s.agent.GetAddrInfo(req)
		return resp, protocol.KindGetAddrInfoResponse, err

	case protocol.KindTcpSubscribeRequest:
		var req protocol.TcpSubscribeRequest
		if err := protocol.Unmarshal(frame, &req); err != nil {
			return nil, 0, err
		}
		// the session id is the subscription's client identity; stamped
		// here, never trusted from the layer (spec §3's many-to-many
		// port-subscription table keys on the real caller).
		req.ClientID = sess.id
		resp, err := s.agent.TcpSubscribe(req)
		return resp, protocol.KindTcpSubscribeResponse, err

	case protocol.KindTcpUnsubscribeRequest:
		var req protocol.TcpUnsubscribeRequest
		if err := protocol.Unmarshal(frame, &req); err != nil {
			return nil, 0, err
		}
		req.ClientID = sess.id
		err := s.agent.TcpUnsubscribe(req)
		return struct{}{}, protocol.KindGenericOK, err

	case protocol.KindConnectRequest:
		var req protocol.ConnectRequest
		if err := protocol.Unmarshal(frame, &req); err != nil {
			return nil, 0, err
		}
		resp, err := s.agent.Connect(req)
		return resp, protocol.KindConnectResponse, err

	case protocol.KindGetEnvVarsRequest:
		var req protocol.GetEnvVarsRequest
		if err := protocol.Unmarshal(frame, &req); err != nil {
			return nil, 0, err
		}
		resp, err := s.agent.GetEnvVars(req)
		return resp, protocol.KindGetEnvVarsResponse, err

	case protocol.KindPing:
		return struct{}{}, protocol.KindGenericOK, s.agent.Ping()

	default:
		return nil, 0, &unknownKindError{kind: frame.Kind}
	}
}

type unknownKindError struct{ kind protocol.Kind }

func (e *unknownKindError) Error() string {
	return "proxy: unknown frame kind"
}
