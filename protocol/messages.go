package protocol

// OpenOptions is the canonical translation of libc open flags / fopen mode
// strings the layer sends with every Open/OpenRelative request (spec §4.2).
type OpenOptions struct {
	Read      bool
	Write     bool
	Append    bool
	Truncate  bool
	Create    bool
	CreateNew bool
}

type OpenRequest struct {
	Path    string
	Options OpenOptions
}

// OpenRelativeRequest resolves Path against an already-open remote
// directory handle (spec §4.2's openat contract).
type OpenRelativeRequest struct {
	DirFd   uint64
	Path    string
	Options OpenOptions
}

type OpenResponse struct {
	Fd    uint64
	IsDir bool
}

type ReadRequest struct {
	Fd    uint64
	Count uint32
}

type ReadResponse struct {
	Bytes []byte
}

type WriteRequest struct {
	Fd    uint64
	Bytes []byte
}

type WriteResponse struct {
	Written uint32
}

// SeekWhence mirrors SEEK_SET/SEEK_CUR/SEEK_END; any other whence never
// reaches the agent (spec §4.2: "any other whence returns -1 without
// touching the agent").
type SeekWhence uint8

const (
	SeekSet SeekWhence = iota
	SeekCur
	SeekEnd
)

type LseekRequest struct {
	Fd     uint64
	Offset int64
	Whence SeekWhence
}

type LseekResponse struct {
	Offset int64
}

type CloseRequest struct {
	Fd uint64
}

type MkdirRequest struct {
	Path      string
	ParentFd  uint64
	HasParent bool
}

type UnlinkRequest struct {
	Path      string
	ParentFd  uint64
	HasParent bool
	IsDir     bool
}

type StatRequest struct {
	Path      string
	ParentFd  uint64
	HasParent bool
}

type StatResponse struct {
	Size    int64
	Mode    uint32
	IsDir   bool
	ModTime int64
}

// AccessRequest mirrors access(2)/faccessat(2): Mode is the F_OK/R_OK/
// W_OK/X_OK bitmask, checked with the agent's own credentials.
type AccessRequest struct {
	Path      string
	ParentFd  uint64
	HasParent bool
	Mode      uint32
}

type StatfsRequest struct {
	Path      string
	ParentFd  uint64
	HasParent bool
}

type StatfsResponse struct {
	Type   int64
	Bsize  int64
	Blocks uint64
	Bfree  uint64
	Bavail uint64
	Files  uint64
	Ffree  uint64
}

// ReaddirRequest drives both the classic readdir stream and the resumable
// getdents64 stream (spec §4.2); Cursor is opaque to the layer and echoed
// back by the agent.
type ReaddirRequest struct {
	Fd     uint64
	Cursor uint64
}

type DirEntry struct {
	Name  string
	IsDir bool
	Ino   uint64
}

type ReaddirResponse struct {
	Entries []DirEntry
	Cursor  uint64
	Done    bool
}

type ReadlinkRequest struct {
	Path      string
	ParentFd  uint64
	HasParent bool
}

type ReadlinkResponse struct {
	Target string
}

type ErrorResponse struct {
	Kind    string
	Message string
	ID      uint64
}

// AddrFamily mirrors the v4/v6/both/any selector from spec §4.7.
type AddrFamily uint8

const (
	FamilyV4 AddrFamily = iota
	FamilyV6
	FamilyBoth
	FamilyAny
)

type SockType uint8

const (
	SockStream SockType = iota
	SockDgram
)

// GetAddrInfoRequest is the v1 shape; GetAddrInfoRequestV2 adds flags and
// protocol, preserved for forward compatibility but currently ignored by
// the resolver (spec §4.7).
type GetAddrInfoRequest struct {
	Node   string
	Family AddrFamily
	Type   SockType
}

type GetAddrInfoRequestV2 struct {
	GetAddrInfoRequest
	Flags    int32
	Protocol int32
}

type AddrInfo struct {
	Family AddrFamily
	Type   SockType
	Addr   string // textual IP, parsed with net.ParseIP/netip.ParseAddr
	Port   uint16
}

type GetAddrInfoResponse struct {
	Results []AddrInfo
}

// TcpSubscribeRequest registers interest in a port. ClientID is the
// caller's proxy session id; the intproxy stamps it from the NewSession
// handshake rather than trusting whatever the layer sent, so two layers
// subscribing the same port stay distinct subscribers (spec §3's
// many-to-many port-subscription table).
type TcpSubscribeRequest struct {
	Port     uint16
	ClientID uint64
}

type TcpUnsubscribeRequest struct {
	Port     uint16
	ClientID uint64
}

type TcpSubscribeResponse struct {
	Port uint16
}

type NewTcpConnectionEvent struct {
	ConnectionID    uint64
	DestinationPort uint16
	SourcePort      uint16
	SourceAddr      string
}

type TcpDataEvent struct {
	ConnectionID uint64
	Bytes        []byte
}

type TcpCloseEvent struct {
	ConnectionID uint64
}

// ConnectRequest asks the agent to dial Addr:Port from inside the pod's
// network namespace on the layer's behalf (spec §4.3: a policy-remote
// connect() is established via the agent, never dialed locally). The
// response's ConnectionID keys the TcpData/TcpClose events both
// directions of the bridged connection ride on.
type ConnectRequest struct {
	Addr string
	Port uint16
}

type ConnectResponse struct {
	ConnectionID uint64
}

type GetEnvVarsRequest struct {
	FilterIncludes []string
	FilterExcludes []string
}

type GetEnvVarsResponse struct {
	Vars map[string]string
}

// NewSession negotiates protocol version and, on fork, carries the
// parent's session id so the agent can correlate layer-side state across
// the fork boundary (spec §4.4).
type NewSession struct {
	ProtocolVersion   uint32
	ForkedFromSession uint64 // 0 if this is not a forked session
}

type NewSessionAck struct {
	SessionID         uint64
	NegotiatedVersion uint32
}
