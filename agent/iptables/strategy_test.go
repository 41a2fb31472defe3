package iptables

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func fakeChainLister(t *testing.T, chains string) *Driver {
	backend := writeFakeBackend(t, "iptables-legacy", `
case "$@" in
  *"-S"*) `+chains+` ;;
  *) exit 0 ;;
esac`)
	return NewDriver(backend)
}

func TestDetectMeshVendorIstioSidecar(t *testing.T) {
	d := fakeChainLister(t, `echo "-N ISTIO_OUTPUT"; echo "-N ISTIO_REDIRECT"`)
	require.Equal(t, MeshIstioSidecar, DetectMeshVendor(d))
}

func TestDetectMeshVendorAmbient(t *testing.T) {
	d := fakeChainLister(t, `echo "-N ZTUNNEL_OUTPUT"`)
	require.Equal(t, MeshIstioAmbient, DetectMeshVendor(d))
}

func TestDetectMeshVendorLinkerd(t *testing.T) {
	d := fakeChainLister(t, `echo "-N PROXY_INIT_REDIRECT"`)
	require.Equal(t, MeshLinkerd, DetectMeshVendor(d))
}

func TestDetectMeshVendorKuma(t *testing.T) {
	d := fakeChainLister(t, `echo "-N KUMA_MESH_OUTPUT"`)
	require.Equal(t, MeshKuma, DetectMeshVendor(d))
}

func TestDetectMeshVendorNone(t *testing.T) {
	d := fakeChainLister(t, `echo "-N DOCKER"`)
	require.Equal(t, MeshNone, DetectMeshVendor(d))
}

func TestNewRedirectStrategySelectsVariantPerVendor(t *testing.T) {
	backend := writeFakeBackend(t, "iptables-legacy", `exit 0`)
	driver := NewDriver(backend)

	cases := []struct {
		vendor MeshVendor
		want   any
	}{
		{MeshNone, &standardStrategy{}},
		{MeshIstioSidecar, &meshStrategy{}},
		{MeshLinkerd, &meshStrategy{}},
		{MeshKuma, &meshStrategy{}},
		{MeshIstioAmbient, &ambientMeshStrategy{}},
	}
	for _, c := range cases {
		got := NewRedirectStrategy(driver, c.vendor, false)
		require.IsType(t, c.want, got)
	}
}

func TestNewRedirectStrategyWrapsWithFlushConnections(t *testing.T) {
	backend := writeFakeBackend(t, "iptables-legacy", `exit 0`)
	driver := NewDriver(backend)

	got := NewRedirectStrategy(driver, MeshNone, true)
	require.IsType(t, &flushConnectionsWrapper{}, got)
}

func TestStandardStrategyMountsAndRedirects(t *testing.T) {
	log := newFakeLog(t)
	backend := writeFakeBackend(t, "iptables-legacy", `echo "$@" >> "$FAKE_LOG"; exit 0`)
	driver := NewDriver(backend)

	s := NewRedirectStrategy(driver, MeshNone, false)
	require.NoError(t, s.MountEntrypoint())
	require.NoError(t, s.AddRedirect(8080, 9090))
	require.NoError(t, s.RemoveRedirect(8080, 9090))
	require.NoError(t, s.UnmountEntrypoint())

	lines := readFakeLog(t, log)
	require.NotEmpty(t, lines)
	// chain creation and its seeded RETURN come first, then the jump rule
	require.Contains(t, lines[2], "-A OUTPUT -j "+ChainStdOutput)
}
