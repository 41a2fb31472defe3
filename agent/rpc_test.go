package agent

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftpod/driftpod/protocol"
)

func TestTrackUntrackPerClient(t *testing.T) {
	a := NewAgent(nil, nil, nil, nil, nil)

	require.True(t, a.track(1, 80))
	require.False(t, a.track(1, 80), "re-subscribe by the same client is a no-op")
	require.True(t, a.track(2, 80), "a second client is a distinct subscriber")

	require.True(t, a.untrack(1, 80))
	require.False(t, a.untrack(1, 80), "release is one-shot per client")
	require.True(t, a.untrack(2, 80))
}

func TestUntrackUnknownClientOrPort(t *testing.T) {
	a := NewAgent(nil, nil, nil, nil, nil)
	require.False(t, a.untrack(9, 9999))
}

func TestGetEnvVarsExcludeWinsOverInclude(t *testing.T) {
	require.NoError(t, os.Setenv("DRIFTPOD_TEST_SECRET", "shh"))
	require.NoError(t, os.Setenv("DRIFTPOD_TEST_KEEP", "yes"))
	t.Cleanup(func() {
		os.Unsetenv("DRIFTPOD_TEST_SECRET")
		os.Unsetenv("DRIFTPOD_TEST_KEEP")
	})

	a := &Agent{}
	var resp protocol.GetEnvVarsResponse
	err := a.GetEnvVars(protocol.GetEnvVarsRequest{
		FilterIncludes: []string{"DRIFTPOD_TEST_*"},
		FilterExcludes: []string{"DRIFTPOD_TEST_SECRET"},
	}, &resp)
	require.NoError(t, err)

	require.Equal(t, "yes", resp.Vars["DRIFTPOD_TEST_KEEP"])
	_, excluded := resp.Vars["DRIFTPOD_TEST_SECRET"]
	require.False(t, excluded)
}

func TestGetEnvVarsNoIncludeMeansEverythingNotExcluded(t *testing.T) {
	require.NoError(t, os.Setenv("DRIFTPOD_TEST_OTHER", "1"))
	t.Cleanup(func() { os.Unsetenv("DRIFTPOD_TEST_OTHER") })

	a := &Agent{}
	var resp protocol.GetEnvVarsResponse
	require.NoError(t, a.GetEnvVars(protocol.GetEnvVarsRequest{}, &resp))

	require.Equal(t, "1", resp.Vars["DRIFTPOD_TEST_OTHER"])
}

func TestMatchesAnyGlobSuffix(t *testing.T) {
	require.True(t, matchesAny("AWS_SECRET", []string{"AWS_*"}))
	require.True(t, matchesAny("PATH", []string{"PATH"}))
	require.False(t, matchesAny("PATH", []string{"AWS_*"}))
}

func TestGetAddrInfoRequiresDNSWorker(t *testing.T) {
	a := &Agent{}
	var resp protocol.GetAddrInfoResponse
	err := a.GetAddrInfo(protocol.GetAddrInfoRequestV2{GetAddrInfoRequest: protocol.GetAddrInfoRequest{Node: "example.com"}}, &resp)
	require.Error(t, err)
}
