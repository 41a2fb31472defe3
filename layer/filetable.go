package layer

import (
	"fmt"
	"sync"

	"github.com/driftpod/driftpod/protocol"
	"golang.org/x/sys/unix"
)

// FileEntry is the layer-side half of spec §3's "local fd table": a
// local descriptor standing in for a remote file handle the agent
// actually owns.
type FileEntry struct {
	RemoteFd uint64
	IsDir    bool

	// Directory stream state for the fdopendir/readdir/getdents64 family
	// (spec §4.2): DirPending buffers entries already fetched from the
	// agent but not yet handed to the application, DirCursor is the
	// opaque resumable position Readdir echoes back, and DirDone marks
	// that the agent has nothing left beyond DirPending.
	DirPending []protocol.DirEntry
	DirCursor  uint64
	DirDone    bool
}

// FileTable maps local fds to remote file handles (spec §3). Every
// local fd it hands out is backed by a real, reserved OS descriptor (a
// fresh open of /dev/null) so that a detoured close() still balances the
// process's own fd accounting even though the bytes never actually flow
// through that descriptor.
type FileTable struct {
	mu      sync.Mutex
	entries map[int32]*FileEntry

	devNull *int
}

func NewFileTable() *FileTable {
	return &FileTable{entries: make(map[int32]*FileEntry)}
}

// reservePlaceholderFd opens /dev/null to claim a local fd number the
// kernel and the application both agree is "open", without opening the
// real remote file a second time locally.
func reservePlaceholderFd() (int32, error) {
	fd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, fmt.Errorf("filetable: reserve placeholder fd: %w", err)
	}
	return int32(fd), nil
}

// Insert allocates a fresh local fd backed by remoteFd and installs it in
// the table. Returns the local fd the detour should hand back to the
// application.
func (t *FileTable) Insert(remoteFd uint64, isDir bool) (int32, error) {
	localFd, err := reservePlaceholderFd()
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	t.entries[localFd] = &FileEntry{RemoteFd: remoteFd, IsDir: isDir}
	t.mu.Unlock()

	return localFd, nil
}

// Get looks up localFd, reporting whether it is a managed entry at all
// (unmanaged fds must bypass straight to libc, per spec §4.2).
func (t *FileTable) Get(localFd int32) (*FileEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[localFd]
	return e, ok
}

// Remove deletes localFd from the table and closes its placeholder,
// returning the entry that was removed (nil if localFd was unmanaged).
// Per spec §4.2, close never fails observably, so Remove reports no
// error; the result of closing the placeholder is discarded.
func (t *FileTable) Remove(localFd int32) *FileEntry {
	t.mu.Lock()
	e, ok := t.entries[localFd]
	if ok {
		delete(t.entries, localFd)
	}
	t.mu.Unlock()

	if !ok {
		return nil
	}
	unix.Close(int(localFd))
	return e
}

// Len reports the table's current size, used by tests to check invariant
// 1 from spec §8 ("the size of the fd table returns to its pre-open
// value").
func (t *FileTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// DupAt installs newFd as a second local fd sharing oldFd's remote
// handle, used by dup(2)/dup2(2)/dup3(2) (spec §4.3 applies the same
// duplication pattern to files as it does to sockets). The caller is
// responsible for releasing whatever newFd held before and for actually
// performing the OS-level dup so the two fd numbers are real. Reports
// false if oldFd isn't managed.
func (t *FileTable) DupAt(oldFd, newFd int32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[oldFd]
	if !ok {
		return false
	}
	t.entries[newFd] = &FileEntry{RemoteFd: e.RemoteFd, IsDir: e.IsDir}
	return true
}

// Fork returns a copy of the table for the child process created by
// fork(2) (spec §3: "on fork, the child inherits the mapping by value").
// The child's placeholder fds are the same numbers as the parent's,
// since fork duplicates the whole fd table at the OS level too.
func (t *FileTable) Fork() *FileTable {
	t.mu.Lock()
	defer t.mu.Unlock()

	child := NewFileTable()
	for fd, e := range t.entries {
		dup := *e
		child.entries[fd] = &dup
	}
	return child
}
