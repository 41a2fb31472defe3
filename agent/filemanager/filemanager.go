// Package filemanager implements the agent's remote file table: one
// synchronous Manager method per file request kind, each turning the
// request into a response, backed by real os.File handles opened against
// the target's root via internal/rootfs, an O_PATH-confined-openat
// discipline for resolving paths inside another namespace's filesystem
// without escaping it.
package filemanager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/driftpod/driftpod/internal/ferr"
	"github.com/driftpod/driftpod/internal/rootfs"
	"github.com/driftpod/driftpod/protocol"
)

// entry is either an open file (file != nil) or a lazily-materialized
// directory (dir != nil); never both.
type entry struct {
	file *os.File
	dir  *dirStream
}

// Manager owns the remote file table for one target root. Ids are drawn
// from a monotonically increasing generator and never reused within a
// session.
type Manager struct {
	root *rootfs.FS

	mu      sync.Mutex
	entries map[uint64]*entry
	nextID  atomic.Uint64
}

// New opens rootPath (typically /proc/<pid>/root) as the confinement
// boundary for every subsequent request.
func New(rootPath string) (*Manager, error) {
	root, err := rootfs.Open(rootPath)
	if err != nil {
		return nil, err
	}
	return &Manager{root: root, entries: make(map[uint64]*entry)}, nil
}

// Shutdown closes every outstanding entry and the root confinement
// handle. Named distinctly from the per-request Close(protocol.CloseRequest)
// RPC method below, since Go doesn't allow overloading by signature.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.file != nil {
			e.file.Close()
		} else if e.dir != nil {
			e.dir.close()
		}
	}
	return m.root.Close()
}

func (m *Manager) allocID() uint64 {
	return m.nextID.Add(1)
}

func openFlags(o protocol.OpenOptions) int {
	flags := 0
	switch {
	case o.Read && o.Write:
		flags = os.O_RDWR
	case o.Write:
		flags = os.O_WRONLY
	default:
		flags = os.O_RDONLY
	}
	if o.Append {
		flags |= os.O_APPEND
	}
	if o.Truncate {
		flags |= os.O_TRUNC
	}
	if o.CreateNew {
		flags |= os.O_CREATE | os.O_EXCL
	} else if o.Create {
		flags |= os.O_CREATE
	}
	return flags
}

// Open resolves req.Path against the manager's root and installs a new
// table entry, directory or file depending on what it finds.
func (m *Manager) Open(req protocol.OpenRequest) (protocol.OpenResponse, error) {
	return m.open(req.Path, req.Options)
}

// OpenRelative resolves req.Path against an already-open directory
// handle, the remote-side twin of openat.
func (m *Manager) OpenRelative(req protocol.OpenRelativeRequest) (protocol.OpenResponse, error) {
	parent, err := m.dirHandle(req.DirFd)
	if err != nil {
		return protocol.OpenResponse{}, err
	}

	flags := openFlags(req.Options)
	f, err := rootfs.OpenRelativeTo(parent, req.Path, flags, 0o644)
	if err != nil {
		return protocol.OpenResponse{}, err
	}
	return m.install(f)
}

func (m *Manager) open(path string, opts protocol.OpenOptions) (protocol.OpenResponse, error) {
	flags := openFlags(opts)

	f, err := m.root.OpenFile(path, flags, 0o644)
	if err != nil {
		return protocol.OpenResponse{}, err
	}
	return m.install(f)
}

func (m *Manager) install(f *os.File) (protocol.OpenResponse, error) {
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return protocol.OpenResponse{}, err
	}

	id := m.allocID()
	e := &entry{}
	if info.IsDir() {
		e.dir = newDirStream(f)
	} else {
		e.file = f
	}

	m.mu.Lock()
	m.entries[id] = e
	m.mu.Unlock()

	return protocol.OpenResponse{Fd: id, IsDir: info.IsDir()}, nil
}

func (m *Manager) fileEntry(fd uint64) (*entry, error) {
	m.mu.Lock()
	e, ok := m.entries[fd]
	m.mu.Unlock()
	if !ok {
		return nil, ferr.NotFound(fd)
	}
	return e, nil
}

// dirHandle returns the os.File backing fd, which must name a directory
// entry, for the *Relative requests that resolve paths against it.
func (m *Manager) dirHandle(fd uint64) (*os.File, error) {
	e, err := m.fileEntry(fd)
	if err != nil {
		return nil, err
	}
	if e.dir == nil {
		return nil, ferr.NotDirectory(fd)
	}
	return e.dir.f, nil
}

// Read satisfies a Read request; Fd must name an open file, not a
// directory.
func (m *Manager) Read(req protocol.ReadRequest) (protocol.ReadResponse, error) {
	e, err := m.fileEntry(req.Fd)
	if err != nil {
		return protocol.ReadResponse{}, err
	}
	if e.file == nil {
		return protocol.ReadResponse{}, ferr.NotFile(req.Fd)
	}

	buf := make([]byte, req.Count)
	n, err := e.file.Read(buf)
	if n == 0 && err != nil && !errors.Is(err, io.EOF) {
		return protocol.ReadResponse{}, err
	}
	return protocol.ReadResponse{Bytes: buf[:n]}, nil
}

func (m *Manager) Write(req protocol.WriteRequest) (protocol.WriteResponse, error) {
	e, err := m.fileEntry(req.Fd)
	if err != nil {
		return protocol.WriteResponse{}, err
	}
	if e.file == nil {
		return protocol.WriteResponse{}, ferr.NotFile(req.Fd)
	}

	n, err := e.file.Write(req.Bytes)
	if err != nil {
		return protocol.WriteResponse{}, err
	}
	return protocol.WriteResponse{Written: uint32(n)}, nil
}

func (m *Manager) Lseek(req protocol.LseekRequest) (protocol.LseekResponse, error) {
	e, err := m.fileEntry(req.Fd)
	if err != nil {
		return protocol.LseekResponse{}, err
	}
	if e.file == nil {
		return protocol.LseekResponse{}, ferr.NotFile(req.Fd)
	}

	var whence int
	switch req.Whence {
	case protocol.SeekSet:
		whence = io.SeekStart
	case protocol.SeekCur:
		whence = io.SeekCurrent
	case protocol.SeekEnd:
		whence = io.SeekEnd
	default:
		return protocol.LseekResponse{}, fmt.Errorf("filemanager: invalid whence %d", req.Whence)
	}

	off, err := e.file.Seek(req.Offset, whence)
	if err != nil {
		return protocol.LseekResponse{}, err
	}
	return protocol.LseekResponse{Offset: off}, nil
}

// Close drops the table entry. Close requests return no response;
// callers should not wait on the returned error for anything beyond
// logging.
func (m *Manager) Close(req protocol.CloseRequest) error {
	m.mu.Lock()
	e, ok := m.entries[req.Fd]
	if ok {
		delete(m.entries, req.Fd)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if e.file != nil {
		return e.file.Close()
	}
	return e.dir.close()
}

func (m *Manager) Mkdir(req protocol.MkdirRequest) error {
	if req.HasParent {
		parent, err := m.dirHandle(req.ParentFd)
		if err != nil {
			return err
		}
		return rootfs.MkdirRelativeTo(parent, req.Path, 0o755)
	}
	return m.root.Mkdir(req.Path, 0o755)
}

func (m *Manager) Unlink(req protocol.UnlinkRequest) error {
	if req.HasParent {
		parent, err := m.dirHandle(req.ParentFd)
		if err != nil {
			return err
		}
		return rootfs.RemoveRelativeTo(parent, req.Path, req.IsDir)
	}
	return m.root.Remove(req.Path, req.IsDir)
}

func (m *Manager) Stat(req protocol.StatRequest) (protocol.StatResponse, error) {
	var info os.FileInfo
	if req.HasParent {
		parent, err := m.dirHandle(req.ParentFd)
		if err != nil {
			return protocol.StatResponse{}, err
		}
		info, err = rootfs.StatRelativeTo(parent, req.Path)
		if err != nil {
			return protocol.StatResponse{}, err
		}
	} else {
		var err error
		info, err = m.root.Stat(req.Path)
		if err != nil {
			return protocol.StatResponse{}, err
		}
	}

	return protocol.StatResponse{
		Size:    info.Size(),
		Mode:    uint32(info.Mode()),
		IsDir:   info.IsDir(),
		ModTime: info.ModTime().Unix(),
	}, nil
}

func (m *Manager) Access(req protocol.AccessRequest) error {
	if req.HasParent {
		parent, err := m.dirHandle(req.ParentFd)
		if err != nil {
			return err
		}
		return rootfs.AccessRelativeTo(parent, req.Path, req.Mode)
	}
	return m.root.Access(req.Path, req.Mode)
}

func (m *Manager) Statfs(req protocol.StatfsRequest) (protocol.StatfsResponse, error) {
	var st unix.Statfs_t
	if req.HasParent {
		parent, err := m.dirHandle(req.ParentFd)
		if err != nil {
			return protocol.StatfsResponse{}, err
		}
		st, err = rootfs.StatfsRelativeTo(parent, req.Path)
		if err != nil {
			return protocol.StatfsResponse{}, err
		}
	} else {
		var err error
		st, err = m.root.Statfs(req.Path)
		if err != nil {
			return protocol.StatfsResponse{}, err
		}
	}

	return protocol.StatfsResponse{
		Type:   int64(st.Type),
		Bsize:  st.Bsize,
		Blocks: st.Blocks,
		Bfree:  st.Bfree,
		Bavail: st.Bavail,
		Files:  st.Files,
		Ffree:  st.Ffree,
	}, nil
}

func (m *Manager) Readlink(req protocol.ReadlinkRequest) (protocol.ReadlinkResponse, error) {
	var target string
	if req.HasParent {
		parent, err := m.dirHandle(req.ParentFd)
		if err != nil {
			return protocol.ReadlinkResponse{}, err
		}
		target, err = rootfs.ReadlinkRelativeTo(parent, req.Path)
		if err != nil {
			return protocol.ReadlinkResponse{}, err
		}
	} else {
		var err error
		target, err = m.root.Readlink(req.Path)
		if err != nil {
			return protocol.ReadlinkResponse{}, err
		}
	}

	return protocol.ReadlinkResponse{Target: target}, nil
}

// Readdir drives both the classic stream and the resumable getdents64
// cursor: the directory entry must exist and must be a directory, not a
// file.
func (m *Manager) Readdir(req protocol.ReaddirRequest) (protocol.ReaddirResponse, error) {
	e, err := m.fileEntry(req.Fd)
	if err != nil {
		return protocol.ReaddirResponse{}, err
	}
	if e.dir == nil {
		return protocol.ReaddirResponse{}, ferr.NotDirectory(req.Fd)
	}
	return e.dir.next(req.Cursor)
}
