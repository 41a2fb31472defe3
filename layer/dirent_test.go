package layer

import (
	"encoding/binary"
	"testing"

	"github.com/driftpod/driftpod/protocol"
	"github.com/stretchr/testify/require"
)

func TestPackDirentsLayoutAndConsumption(t *testing.T) {
	entries := []protocol.DirEntry{
		{Name: ".", IsDir: true, Ino: 1},
		{Name: "..", IsDir: true, Ino: 2},
		{Name: "file.txt", IsDir: false, Ino: 3},
	}

	buf, consumed := packDirents(entries, 0, 4096)
	require.Equal(t, 3, consumed)

	// first record: ino 1, offset 1, type DT_DIR, name "."
	require.Equal(t, uint64(1), binary.LittleEndian.Uint64(buf[0:8]))
	require.Equal(t, uint64(1), binary.LittleEndian.Uint64(buf[8:16]))
	recLen := int(binary.LittleEndian.Uint16(buf[16:18]))
	require.Equal(t, 0, recLen%8)
	require.Equal(t, dtDir, buf[18])
	require.Equal(t, byte('.'), buf[19])
	require.Equal(t, byte(0), buf[20])
}

func TestPackDirentsPushesBackWhatDoesNotFit(t *testing.T) {
	entries := []protocol.DirEntry{
		{Name: "aaaa", Ino: 1},
		{Name: "bbbb", Ino: 2},
	}

	// room for exactly one record: 8+8+2+1+5 = 24, aligned to 24
	buf, consumed := packDirents(entries, 0, 24)
	require.Equal(t, 1, consumed)
	require.Len(t, buf, 24)

	// the second entry packs on the next call with its offset continuing
	buf2, consumed2 := packDirents(entries[consumed:], 1, 4096)
	require.Equal(t, 1, consumed2)
	require.Equal(t, uint64(2), binary.LittleEndian.Uint64(buf2[8:16]))
}
