package layer

import (
	"encoding/binary"

	"github.com/driftpod/driftpod/protocol"
)

// Linux dirent64 d_type values (spec §4.2's getdents64); only the two
// kinds the agent ever reports matter here.
const (
	dtUnknown byte = 0
	dtDir     byte = 4
	dtReg     byte = 8
)

func direntType(isDir bool) byte {
	if isDir {
		return dtDir
	}
	return dtReg
}

func alignUp8(n int) int {
	return (n + 7) &^ 7
}

// packDirents serializes as many of entries as fit within maxBytes into
// the Linux getdents64(2) wire layout (ino, off, reclen, type, name),
// starting offsets at baseOff+1. It returns the packed bytes and how many
// entries were actually consumed, so the caller can push back whatever
// didn't fit rather than drop it (spec §8 invariant 6: entries are never
// skipped or duplicated across calls).
func packDirents(entries []protocol.DirEntry, baseOff uint64, maxBytes int) (buf []byte, consumed int) {
	off := baseOff
	for _, e := range entries {
		name := append([]byte(e.Name), 0)
		recLen := alignUp8(8 + 8 + 2 + 1 + len(name))
		if len(buf)+recLen > maxBytes {
			break
		}

		rec := make([]byte, recLen)
		binary.LittleEndian.PutUint64(rec[0:8], e.Ino)
		off++
		binary.LittleEndian.PutUint64(rec[8:16], off)
		binary.LittleEndian.PutUint16(rec[16:18], uint16(recLen))
		rec[18] = direntType(e.IsDir)
		copy(rec[19:], name)

		buf = append(buf, rec...)
		consumed++
	}
	return buf, consumed
}
