// Package index maps file keys to their physical location in archive data.
//
// Index entries come from two sources: the local installation's bucketed
// .idx files (ParseLocal, LoadLocalDir) and the CDN archive .index files
// (ParseOnline). Both store keys truncated to KeySize bytes, so lookups
// always truncate the presented key first.
package index

import (
	"github.com/user/cascgo/pkg/checksum"
)

// KeySize is the number of key bytes the index stores and matches on.
const KeySize = 9

// Entry locates one encoded blob.
type Entry struct {
	FileKey    checksum.FileKey
	FileNumber uint32 // data.NNN number locally, archive position online
	Offset     uint64
	Size       uint64
}

// Index is an immutable file key lookup table. It is safe for concurrent use.
type Index struct {
	entries map[checksum.FileKey]Entry
	ordered []Entry
}

// New builds an Index. When two entries share the same truncated key the
// first one wins and later ones are dropped.
func New(entries []Entry) *Index {
	idx := &Index{
		entries: make(map[checksum.FileKey]Entry, len(entries)),
		ordered: make([]Entry, 0, len(entries)),
	}
	for _, e := range entries {
		key, ok := truncate(e.FileKey)
		if !ok {
			continue
		}
		if _, dup := idx.entries[key]; dup {
			continue
		}
		idx.entries[key] = e
		idx.ordered = append(idx.ordered, e)
	}
	return idx
}

func truncate(key checksum.FileKey) (checksum.FileKey, bool) {
	short, err := key.Trim(KeySize)
	if err != nil {
		return checksum.FileKey{}, false
	}
	return short, true
}

// Entry looks up a key of at least KeySize bytes.
func (idx *Index) Entry(key checksum.FileKey) (Entry, bool) {
	short, ok := truncate(key)
	if !ok {
		return Entry{}, false
	}
	e, ok := idx.entries[short]
	return e, ok
}

// Entries returns every entry in insertion order.
func (idx *Index) Entries() []Entry {
	return append([]Entry(nil), idx.ordered...)
}

// Len returns the number of distinct keys.
func (idx *Index) Len() int { return len(idx.ordered) }
