package filemanager

import (
	"os"
	"sort"

	"github.com/driftpod/driftpod/protocol"
)

// dirStream materializes a directory's entries lazily and serves them as
// a resumable cursor: position 0 and 1 are the synthetic "." and ".."
// entries, every position after that indexes into a cached real-entry
// list, read once on first use and sorted by name.
type dirStream struct {
	f        *os.File
	children []os.DirEntry
	loaded   bool
}

func newDirStream(f *os.File) *dirStream {
	return &dirStream{f: f}
}

func (d *dirStream) close() error {
	return d.f.Close()
}

func (d *dirStream) ensureLoaded() error {
	if d.loaded {
		return nil
	}
	entries, err := d.f.ReadDir(-1)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	d.children = entries
	d.loaded = true
	return nil
}

// dirBatchSize bounds how many entries next returns per call, so a huge
// directory doesn't turn into one unbounded response frame.
const dirBatchSize = 256

// next returns up to dirBatchSize entries starting at cursor, synthesizing
// "." at position 0 and ".." at position 1, then the real children in
// name order. Done is true once the response reaches
// the final entry.
func (d *dirStream) next(cursor uint64) (protocol.ReaddirResponse, error) {
	if err := d.ensureLoaded(); err != nil {
		return protocol.ReaddirResponse{}, err
	}

	total := uint64(len(d.children)) + 2 // "." + ".."
	if cursor >= total {
		return protocol.ReaddirResponse{Cursor: cursor, Done: true}, nil
	}

	var entries []protocol.DirEntry
	pos := cursor
	for len(entries) < dirBatchSize && pos < total {
		switch pos {
		case 0:
			entries = append(entries, protocol.DirEntry{Name: ".", IsDir: true})
		case 1:
			entries = append(entries, protocol.DirEntry{Name: "..", IsDir: true})
		default:
			child := d.children[pos-2]
			info, err := child.Info()
			if err != nil {
				return protocol.ReaddirResponse{}, err
			}
			entries = append(entries, protocol.DirEntry{
				Name:  child.Name(),
				IsDir: child.IsDir(),
				Ino:   inoOf(info),
			})
		}
		pos++
	}

	return protocol.ReaddirResponse{
		Entries: entries,
		Cursor:  pos,
		Done:    pos >= total,
	}, nil
}
