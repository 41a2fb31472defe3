package layer

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRemotePathRejectsRelative(t *testing.T) {
	p := NewPolicy()
	require.False(t, p.IsRemotePath("etc/hosts"))
	require.False(t, p.IsRemotePath(""))
}

func TestRemotePathIgnoresSystemDirs(t *testing.T) {
	p := NewPolicy()
	for _, path := range []string{"/tmp/x", "/proc/self/maps", "/usr/lib/libc.so.6", "/dev/null"} {
		require.False(t, p.IsRemotePath(path), path)
	}
}

func TestRemotePathAcceptsOrdinaryAbsolute(t *testing.T) {
	p := NewPolicy()
	require.True(t, p.IsRemotePath("/etc/resolv.conf"))
	require.True(t, p.IsRemotePath("/app/config.yaml"))
}

func TestRemoteRelativeFollowsDirFd(t *testing.T) {
	p := NewPolicy()
	require.True(t, p.IsRemoteRelative(true))
	require.False(t, p.IsRemoteRelative(false))
}

func TestRemoteConnectBypassesLoopbackAndIgnoredPorts(t *testing.T) {
	p := NewPolicy()
	require.False(t, p.IsRemoteConnect(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 80}))

	remote := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 80}
	require.True(t, p.IsRemoteConnect(remote))

	p.OutgoingIgnorePorts[80] = struct{}{}
	require.False(t, p.IsRemoteConnect(remote))
}

func TestParseFopenModeShapes(t *testing.T) {
	cases := []struct {
		mode string
		want string
	}{
		{"r", "read"},
		{"r+", "read write"},
		{"w", "write truncate create"},
		{"w+", "read write truncate create"},
		{"a", "write append create"},
		{"wx", "write truncate createnew"},
	}
	for _, c := range cases {
		o, err := ParseFopenMode(c.mode)
		require.NoError(t, err, c.mode)

		var got []string
		if o.Read {
			got = append(got, "read")
		}
		if o.Write {
			got = append(got, "write")
		}
		if o.Append {
			got = append(got, "append")
		}
		if o.Truncate {
			got = append(got, "truncate")
		}
		if o.Create {
			got = append(got, "create")
		}
		if o.CreateNew {
			got = append(got, "createnew")
		}
		require.Equal(t, c.want, joinWords(got), c.mode)
	}
}

func joinWords(ws []string) string {
	out := ""
	for i, w := range ws {
		if i > 0 {
			out += " "
		}
		out += w
	}
	return out
}

func TestParseFopenModeRejectsGarbage(t *testing.T) {
	_, err := ParseFopenMode("")
	require.Error(t, err)
	_, err = ParseFopenMode("z")
	require.Error(t, err)
}

func TestOpenFlagsToOptions(t *testing.T) {
	// O_RDONLY
	o := OpenFlagsToOptions(0)
	require.True(t, o.Read)
	require.False(t, o.Write)

	// O_WRONLY|O_CREAT|O_TRUNC
	o = OpenFlagsToOptions(0x1 | 0x40 | 0x200)
	require.False(t, o.Read)
	require.True(t, o.Write)
	require.True(t, o.Create)
	require.True(t, o.Truncate)

	// O_RDWR|O_CREAT|O_EXCL
	o = OpenFlagsToOptions(0x2 | 0x40 | 0x80)
	require.True(t, o.Read)
	require.True(t, o.Write)
	require.True(t, o.CreateNew)
	require.False(t, o.Create)
}
