package protocol

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	req := OpenRequest{Path: "/etc/resolv.conf", Options: OpenOptions{Read: true}}
	frame, err := Marshal(42, KindOpenRequest, req)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, frame))

	got, err := Decode(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, frame.ID, got.ID)
	require.Equal(t, frame.Kind, got.Kind)

	var decoded OpenRequest
	require.NoError(t, Unmarshal(got, &decoded))
	require.Equal(t, req, decoded)
}

func TestDecodeRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	frame := Frame{ID: 1, Kind: KindPing}
	require.NoError(t, Encode(&buf, frame))

	// corrupt the length prefix to claim an enormous payload
	raw := buf.Bytes()
	raw[0] = 0x7f
	raw[1] = 0xff
	raw[2] = 0xff
	raw[3] = 0xff

	_, err := Decode(bufio.NewReader(bytes.NewReader(raw)))
	require.Error(t, err)
}

func TestMultipleFramesOutOfOrderIDsAreLegal(t *testing.T) {
	var buf bytes.Buffer
	f1, _ := Marshal(5, KindPing, nil)
	f2, _ := Marshal(1, KindPing, nil)
	require.NoError(t, Encode(&buf, f1))
	require.NoError(t, Encode(&buf, f2))

	r := bufio.NewReader(&buf)
	got1, err := Decode(r)
	require.NoError(t, err)
	got2, err := Decode(r)
	require.NoError(t, err)

	require.Equal(t, uint64(5), got1.ID)
	require.Equal(t, uint64(1), got2.ID)
}
