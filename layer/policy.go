package layer

import (
	"net"
	"regexp"
)

// defaultIgnorePattern excludes temporary directories, the loader's own
// paths, and system library directories, the default ignore set spec
// §4.2 names explicitly.
var defaultIgnorePattern = regexp.MustCompile(
	`^(/tmp/|/var/tmp/|/proc/|/sys/|/dev/|/usr/lib/|/lib/|/lib64/|/usr/lib64/|` +
		`.*/driftpod-layer\.so$|.*\.driftpod/)`)

// Policy decides which paths and connect() targets are "remote" (spec
// §4.2, §4.3): absolute paths not matched by the ignore regex, and
// outbound connections not matched by the outgoing-bypass set.
type Policy struct {
	ignorePath *regexp.Regexp

	// OutgoingIgnorePorts bypasses connect() for ports the application
	// must reach locally regardless of remote policy (e.g. a local
	// debugger port); empty by default.
	OutgoingIgnorePorts map[uint16]struct{}

	// RemoteDNS enables forwarding getaddrinfo() to the agent (spec
	// §4.3). Off by default so a trace-only layer never depends on the
	// proxy being reachable.
	RemoteDNS bool
}

func NewPolicy() *Policy {
	return &Policy{
		ignorePath:          defaultIgnorePattern,
		OutgoingIgnorePorts: make(map[uint16]struct{}),
	}
}

// IsRemotePath reports whether an absolute path should be redirected to
// the agent (spec §4.2). Relative paths are never remote on their own;
// callers resolve that via IsRemoteRelative using the directory fd's own
// managed status.
func (p *Policy) IsRemotePath(path string) bool {
	if len(path) == 0 || path[0] != '/' {
		return false
	}
	return !p.ignorePath.MatchString(path)
}

// IsRemoteRelative reports whether an openat(2)-style call targeting a
// relative path should be redirected: only if the directory fd itself is
// already managed (spec §4.2: "relative paths are remote only if
// openat's directory fd is itself remote").
func (p *Policy) IsRemoteRelative(dirIsManaged bool) bool {
	return dirIsManaged
}

// IsRemoteConnect reports whether a connect() target should be proxied
// through the agent (spec §4.3). Loopback targets and explicitly
// ignored ports always bypass, since those are almost always the
// application talking to a sibling process it already expects to be
// local.
func (p *Policy) IsRemoteConnect(addr *net.TCPAddr) bool {
	if addr == nil {
		return false
	}
	if addr.IP.IsLoopback() {
		return false
	}
	if _, ignored := p.OutgoingIgnorePorts[uint16(addr.Port)]; ignored {
		return false
	}
	return true
}
