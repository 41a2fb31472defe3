package filemanager

import (
	"os"
	"syscall"
)

// inoOf extracts the inode number getdents64 would report, so resumable
// listings stay stable even if a caller re-stats an entry by name later.
func inoOf(info os.FileInfo) uint64 {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0
	}
	return st.Ino
}
