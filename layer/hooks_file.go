package layer

import (
	"fmt"

	"github.com/driftpod/driftpod/internal/ferr"
	"github.com/driftpod/driftpod/protocol"
)

// ParseFopenMode translates an fopen(3)-style mode string ("r", "r+",
// "w", "w+", "a", "a+", with an optional trailing "b"/"x") into the
// canonical OpenOptions spec §4.2 requires every Open/OpenRelative
// request to carry.
func ParseFopenMode(mode string) (protocol.OpenOptions, error) {
	var o protocol.OpenOptions
	if len(mode) == 0 {
		return o, fmt.Errorf("layer: empty fopen mode")
	}
	switch mode[0] {
	case 'r':
		o.Read = true
	case 'w':
		o.Write = true
		o.Truncate = true
		o.Create = true
	case 'a':
		o.Write = true
		o.Append = true
		o.Create = true
	default:
		return o, fmt.Errorf("layer: invalid fopen mode %q", mode)
	}
	for _, c := range mode[1:] {
		switch c {
		case '+':
			o.Read = true
			o.Write = true
		case 'x':
			o.CreateNew = true
			o.Create = false
		case 'b', 'e', 'c', 'm':
			// binary/close-on-exec/no-cancel/memory-mapped hints: none
			// affect the canonical OpenOptions translation.
		}
	}
	return o, nil
}

// OpenFlagsToOptions translates the open(2)/openat(2) flag bitmask into
// OpenOptions. Flag values match Linux's O_* constants as seen by the
// detour (the caller already has them as plain ints off the libc call).
func OpenFlagsToOptions(flags int) protocol.OpenOptions {
	const (
		oWRONLY   = 0x1
		oRDWR     = 0x2
		oCREAT    = 0x40
		oEXCL     = 0x80
		oTRUNC    = 0x200
		oAPPEND   = 0x400
	)

	o := protocol.OpenOptions{Read: true}
	if flags&oWRONLY != 0 {
		o.Read = false
		o.Write = true
	} else if flags&oRDWR != 0 {
		o.Write = true
	}
	if flags&oAPPEND != 0 {
		o.Append = true
	}
	if flags&oTRUNC != 0 {
		o.Truncate = true
	}
	if flags&oEXCL != 0 && flags&oCREAT != 0 {
		o.CreateNew = true
	} else if flags&oCREAT != 0 {
		o.Create = true
	}
	return o
}

// Open services the open(2)/fopen(3) detour for an absolute, policy-
// remote path (spec §4.2). The caller (export.go) has already checked
// Policy.IsRemotePath and TraceOnly before reaching here.
func (l *Layer) Open(path string, opts protocol.OpenOptions) (int32, error) {
	frame, err := l.conn().Call(protocol.KindOpenRequest, protocol.OpenRequest{Path: path, Options: opts})
	if err != nil {
		return -1, err
	}
	var resp protocol.OpenResponse
	if err := protocol.Unmarshal(frame, &resp); err != nil {
		return -1, err
	}
	return l.Files.Insert(resp.Fd, resp.IsDir)
}

// OpenRelative services openat(2) against a directory fd the table
// already knows is managed (spec §4.2).
func (l *Layer) OpenRelative(dirLocalFd int32, path string, opts protocol.OpenOptions) (int32, error) {
	dirEntry, ok := l.Files.Get(dirLocalFd)
	if !ok {
		return -1, ferr.NotFound(uint64(dirLocalFd))
	}

	frame, err := l.conn().Call(protocol.KindOpenRelativeRequest, protocol.OpenRelativeRequest{
		DirFd:   dirEntry.RemoteFd,
		Path:    path,
		Options: opts,
	})
	if err != nil {
		return -1, err
	}
	var resp protocol.OpenResponse
	if err := protocol.Unmarshal(frame, &resp); err != nil {
		return -1, err
	}
	return l.Files.Insert(resp.Fd, resp.IsDir)
}

// Read services read(2)/fread(3). Returning zero bytes with a nil error
// means EOF (spec §4.2, §8 invariant 5); the caller never needs to
// distinguish "zero more available right now" from "no more ever".
func (l *Layer) Read(localFd int32, count int) ([]byte, error) {
	e, ok := l.Files.Get(localFd)
	if !ok {
		return nil, ferr.NotFound(uint64(localFd))
	}

	frame, err := l.conn().Call(protocol.KindReadRequest, protocol.ReadRequest{Fd: e.RemoteFd, Count: uint32(count)})
	if err != nil {
		return nil, err
	}
	var resp protocol.ReadResponse
	if err := protocol.Unmarshal(frame, &resp); err != nil {
		return nil, err
	}
	if len(resp.Bytes) > count {
		// defensive: a conforming agent never does this (spec §8
		// invariant 5), but the detour must not hand the application
		// more bytes than it asked for under any circumstance.
		resp.Bytes = resp.Bytes[:count]
	}
	return resp.Bytes, nil
}

// Write services write(2). A nil buf is the caller's job to reject
// before reaching here (spec §4.2: "null buffer returns -1").
func (l *Layer) Write(localFd int32, buf []byte) (int, error) {
	e, ok := l.Files.Get(localFd)
	if !ok {
		return -1, ferr.NotFound(uint64(localFd))
	}

	owned := make([]byte, len(buf))
	copy(owned, buf)

	frame, err := l.conn().Call(protocol.KindWriteRequest, protocol.WriteRequest{Fd: e.RemoteFd, Bytes: owned})
	if err != nil {
		return -1, err
	}
	var resp protocol.WriteResponse
	if err := protocol.Unmarshal(frame, &resp); err != nil {
		return -1, err
	}
	return int(resp.Written), nil
}

// Lseek services lseek(2). Any whence other than SEEK_SET/CUR/END never
// reaches here; the detour returns -1 itself without calling Lseek at
// all (spec §4.2).
func (l *Layer) Lseek(localFd int32, offset int64, whence protocol.SeekWhence) (int64, error) {
	e, ok := l.Files.Get(localFd)
	if !ok {
		return -1, ferr.NotFound(uint64(localFd))
	}

	frame, err := l.conn().Call(protocol.KindLseekRequest, protocol.LseekRequest{Fd: e.RemoteFd, Offset: offset, Whence: whence})
	if err != nil {
		return -1, err
	}
	var resp protocol.LseekResponse
	if err := protocol.Unmarshal(frame, &resp); err != nil {
		return -1, err
	}
	return resp.Offset, nil
}

// CloseFile services close(2) for a managed fd: remove from the local
// table, then tell the agent to release the remote id. Per spec §4.2
// this never fails observably to the caller; a write failure is logged by
// proxy.Conn's frame writer and the returned error is discarded.
func (l *Layer) CloseFile(localFd int32) {
	e := l.Files.Remove(localFd)
	if e == nil {
		return
	}
	_ = l.conn().Send(protocol.KindCloseRequest, protocol.CloseRequest{Fd: e.RemoteFd})
}

// Readdir drives both fdopendir/readdir and the resumable getdents64
// stream (spec §4.2, §4.3): Cursor is opaque and simply echoed back.
func (l *Layer) Readdir(localFd int32, cursor uint64) (protocol.ReaddirResponse, error) {
	e, ok := l.Files.Get(localFd)
	if !ok {
		return protocol.ReaddirResponse{}, ferr.NotFound(uint64(localFd))
	}

	frame, err := l.conn().Call(protocol.KindReaddirRequest, protocol.ReaddirRequest{Fd: e.RemoteFd, Cursor: cursor})
	if err != nil {
		return protocol.ReaddirResponse{}, err
	}
	var resp protocol.ReaddirResponse
	if err := protocol.Unmarshal(frame, &resp); err != nil {
		return protocol.ReaddirResponse{}, err
	}
	return resp, nil
}

// pathRequest is the shape shared by mkdir/unlink/stat/readlink: either
// a bare path against the target's root, or a path relative to an
// already-open directory fd.
type pathRequest struct {
	Path      string
	ParentFd  uint64
	HasParent bool
}

func (l *Layer) resolveParent(dirLocalFd int32, hasDir bool) (pathRequest, error) {
	if !hasDir {
		return pathRequest{}, nil
	}
	e, ok := l.Files.Get(dirLocalFd)
	if !ok {
		return pathRequest{}, ferr.NotFound(uint64(dirLocalFd))
	}
	return pathRequest{ParentFd: e.RemoteFd, HasParent: true}, nil
}

func (l *Layer) Mkdir(path string, dirLocalFd int32, hasDir bool) error {
	p, err := l.resolveParent(dirLocalFd, hasDir)
	if err != nil {
		return err
	}
	_, err = l.conn().Call(protocol.KindMkdirRequest, protocol.MkdirRequest{
		Path: path, ParentFd: p.ParentFd, HasParent: p.HasParent,
	})
	return err
}

func (l *Layer) Unlink(path string, isDir bool, dirLocalFd int32, hasDir bool) error {
	p, err := l.resolveParent(dirLocalFd, hasDir)
	if err != nil {
		return err
	}
	_, err = l.conn().Call(protocol.KindUnlinkRequest, protocol.UnlinkRequest{
		Path: path, IsDir: isDir, ParentFd: p.ParentFd, HasParent: p.HasParent,
	})
	return err
}

func (l *Layer) Stat(path string, dirLocalFd int32, hasDir bool) (protocol.StatResponse, error) {
	p, err := l.resolveParent(dirLocalFd, hasDir)
	if err != nil {
		return protocol.StatResponse{}, err
	}
	frame, err := l.conn().Call(protocol.KindStatRequest, protocol.StatRequest{
		Path: path, ParentFd: p.ParentFd, HasParent: p.HasParent,
	})
	if err != nil {
		return protocol.StatResponse{}, err
	}
	var resp protocol.StatResponse
	if err := protocol.Unmarshal(frame, &resp); err != nil {
		return protocol.StatResponse{}, err
	}
	return resp, nil
}

func (l *Layer) Access(path string, mode uint32, dirLocalFd int32, hasDir bool) error {
	p, err := l.resolveParent(dirLocalFd, hasDir)
	if err != nil {
		return err
	}
	_, err = l.conn().Call(protocol.KindAccessRequest, protocol.AccessRequest{
		Path: path, Mode: mode, ParentFd: p.ParentFd, HasParent: p.HasParent,
	})
	return err
}

func (l *Layer) Statfs(path string, dirLocalFd int32, hasDir bool) (protocol.StatfsResponse, error) {
	p, err := l.resolveParent(dirLocalFd, hasDir)
	if err != nil {
		return protocol.StatfsResponse{}, err
	}
	frame, err := l.conn().Call(protocol.KindStatfsRequest, protocol.StatfsRequest{
		Path: path, ParentFd: p.ParentFd, HasParent: p.HasParent,
	})
	if err != nil {
		return protocol.StatfsResponse{}, err
	}
	var resp protocol.StatfsResponse
	if err := protocol.Unmarshal(frame, &resp); err != nil {
		return protocol.StatfsResponse{}, err
	}
	return resp, nil
}

// refillDirPending fetches the next batch from the agent when localFd's
// cached page is empty, leaving e.DirPending/DirCursor/DirDone updated in
// place.
func (l *Layer) refillDirPending(localFd int32, e *FileEntry) error {
	if len(e.DirPending) > 0 || e.DirDone {
		return nil
	}
	resp, err := l.Readdir(localFd, e.DirCursor)
	if err != nil {
		return err
	}
	e.DirPending = resp.Entries
	e.DirCursor = resp.Cursor
	e.DirDone = resp.Done
	return nil
}

// NextDirEntry serves one classic readdir(3) call: it pages in entries
// from the agent as needed and hands back one at a time, in the order the
// agent returned them (spec §4.2, §8 invariant 6). ok is false once every
// entry, including the synthetic "." and "..", has been returned.
func (l *Layer) NextDirEntry(localFd int32) (protocol.DirEntry, bool, error) {
	e, ok := l.Files.Get(localFd)
	if !ok {
		return protocol.DirEntry{}, false, ferr.NotFound(uint64(localFd))
	}

	if err := l.refillDirPending(localFd, e); err != nil {
		return protocol.DirEntry{}, false, err
	}
	if len(e.DirPending) == 0 {
		return protocol.DirEntry{}, false, nil
	}

	next := e.DirPending[0]
	e.DirPending = e.DirPending[1:]
	return next, true, nil
}

// Getdents64 fills up to maxBytes of the caller's buffer with packed
// dirent64 records for localFd's directory stream (spec §4.2), paging in
// more entries from the agent as the current page drains. An empty,
// non-error result means end of directory.
func (l *Layer) Getdents64(localFd int32, maxBytes int) ([]byte, error) {
	e, ok := l.Files.Get(localFd)
	if !ok {
		return nil, ferr.NotFound(uint64(localFd))
	}

	if err := l.refillDirPending(localFd, e); err != nil {
		return nil, err
	}
	if len(e.DirPending) == 0 {
		return nil, nil
	}

	baseOff := e.DirCursor - uint64(len(e.DirPending))
	buf, consumed := packDirents(e.DirPending, baseOff, maxBytes)
	e.DirPending = e.DirPending[consumed:]
	return buf, nil
}

func (l *Layer) Readlink(path string, dirLocalFd int32, hasDir bool) (string, error) {
	p, err := l.resolveParent(dirLocalFd, hasDir)
	if err != nil {
		return "", err
	}
	frame, err := l.conn().Call(protocol.KindReadlinkRequest, protocol.ReadlinkRequest{
		Path: path, ParentFd: p.ParentFd, HasParent: p.HasParent,
	})
	if err != nil {
		return "", err
	}
	var resp protocol.ReadlinkResponse
	if err := protocol.Unmarshal(frame, &resp); err != nil {
		return "", err
	}
	return resp.Target, nil
}
