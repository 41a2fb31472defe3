package sniffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildFilterEmptyPortsDropsAlways(t *testing.T) {
	insns, err := buildFilter(nil)
	require.NoError(t, err)
	require.Len(t, insns, 1)
}

func TestBuildFilterWithPortsCompiles(t *testing.T) {
	insns, err := buildFilter([]uint16{80, 443})
	require.NoError(t, err)
	require.NotEmpty(t, insns)
}
