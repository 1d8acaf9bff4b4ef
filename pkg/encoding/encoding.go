// Package encoding parses the CASC Encoding file, the table that maps a
// content key to the file keys its encoded blobs are stored under.
package encoding

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"

	"github.com/user/cascgo/pkg/cascerr"
	"github.com/user/cascgo/pkg/checksum"
)

const (
	// Magic opens every Encoding file.
	Magic = "EN"

	// SegmentSize is the fixed size of one entry segment.
	SegmentSize = 4096

	headerSize       = 22
	segmentCheckSize = 2 * checksum.MD5Size
	entryFixedSize   = 2 + 4 + checksum.MD5Size // key count, file size, content key
	formatName       = "encoding"
)

// Entry is one content key record. FileKeys[0] is the preferred resolution
// target.
type Entry struct {
	ContentKey checksum.ContentKey
	FileSize   uint64
	FileKeys   []checksum.FileKey
}

// File is a parsed Encoding file. It is read-only after Parse.
type File struct {
	specs   []string
	order   []checksum.ContentKey
	entries map[checksum.ContentKey]Entry
}

type header struct {
	segmentCount  uint32
	segmentOffset uint32
}

func readHeader(data []byte) (header, error) {
	if len(data) < headerSize {
		return header{}, cascerr.Malformed(formatName, "file of %d bytes is shorter than the header", len(data))
	}
	if string(data[0:2]) != Magic {
		return header{}, cascerr.Malformed(formatName, "bad magic %q", data[0:2])
	}
	// Bytes 2-8 (version, key sizes, page sizes) and 13-17 are not used.
	return header{
		segmentCount:  binary.BigEndian.Uint32(data[9:13]),
		segmentOffset: binary.BigEndian.Uint32(data[18:22]),
	}, nil
}

// Parse validates and decodes an Encoding file. Segment checksums and the
// first content key of every segment are checked; any failure rejects the
// whole file.
func Parse(data []byte) (*File, error) {
	h, err := readHeader(data)
	if err != nil {
		return nil, err
	}

	count := uint64(h.segmentCount)
	required := uint64(headerSize) + uint64(h.segmentOffset) + count*segmentCheckSize + count*SegmentSize
	if required > uint64(len(data)) {
		return nil, cascerr.Malformed(formatName, "%d segments need %d bytes, file has %d", count, required, len(data))
	}

	specEnd := headerSize + int(h.segmentOffset)
	f := &File{
		specs:   splitSpecs(data[headerSize:specEnd]),
		entries: make(map[checksum.ContentKey]Entry),
	}

	checks := data[specEnd : specEnd+int(count)*segmentCheckSize]
	pages := data[specEnd+int(count)*segmentCheckSize:]
	for i := 0; i < int(count); i++ {
		check := checks[i*segmentCheckSize : (i+1)*segmentCheckSize]
		page := pages[i*SegmentSize : (i+1)*SegmentSize]

		if sum := md5.Sum(page); !bytes.Equal(sum[:], check[checksum.MD5Size:]) {
			return nil, &cascerr.ChecksumError{
				What:     fmt.Sprintf("encoding segment %d", i),
				Expected: append([]byte(nil), check[checksum.MD5Size:]...),
				Actual:   sum[:],
			}
		}

		entries, err := parseSegment(page, i)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			first := checksum.NewContentKey(check[:checksum.MD5Size])
			if entries[0].ContentKey != first {
				return nil, &cascerr.ChecksumError{
					What:     fmt.Sprintf("encoding segment %d first content key", i),
					Expected: first.Bytes(),
					Actual:   entries[0].ContentKey.Bytes(),
				}
			}
		}
		for _, e := range entries {
			f.add(e)
		}
	}
	return f, nil
}

func (f *File) add(e Entry) {
	if e.ContentKey.IsZero() {
		return
	}
	if _, dup := f.entries[e.ContentKey]; dup {
		return
	}
	f.entries[e.ContentKey] = e
	f.order = append(f.order, e.ContentKey)
}

func parseSegment(page []byte, seg int) ([]Entry, error) {
	var entries []Entry
	pos := 0
	for pos+2 <= len(page) {
		keyCount := int(binary.LittleEndian.Uint16(page[pos : pos+2]))
		if keyCount == 0 {
			break
		}
		end := pos + entryFixedSize + keyCount*checksum.MD5Size
		if end > len(page) {
			return nil, cascerr.Malformed(formatName, "segment %d entry at %d with %d keys overruns the segment", seg, pos, keyCount)
		}

		ck := page[pos+6 : pos+entryFixedSize]
		keys := make([]checksum.FileKey, keyCount)
		for k := range keys {
			off := pos + entryFixedSize + k*checksum.MD5Size
			keys[k] = checksum.NewFileKey(page[off : off+checksum.MD5Size])
		}
		entries = append(entries, Entry{
			ContentKey: checksum.NewContentKey(ck),
			FileSize:   uint64(binary.BigEndian.Uint32(page[pos+2 : pos+6])),
			FileKeys:   keys,
		})
		pos = end
	}
	return entries, nil
}

func splitSpecs(block []byte) []string {
	var specs []string
	for _, s := range bytes.Split(block, []byte{0}) {
		if len(s) > 0 {
			specs = append(specs, string(s))
		}
	}
	return specs
}

// Entry returns the record for a content key.
func (f *File) Entry(ck checksum.ContentKey) (Entry, bool) {
	e, ok := f.entries[ck]
	return e, ok
}

// FileKey returns the preferred file key for a content key.
func (f *File) FileKey(ck checksum.ContentKey) (checksum.FileKey, bool) {
	e, ok := f.entries[ck]
	if !ok || len(e.FileKeys) == 0 {
		return checksum.FileKey{}, false
	}
	return e.FileKeys[0], true
}

// Entries returns every record in file order.
func (f *File) Entries() []Entry {
	out := make([]Entry, len(f.order))
	for i, ck := range f.order {
		out[i] = f.entries[ck]
	}
	return out
}

// Len returns the number of distinct content keys.
func (f *File) Len() int { return len(f.entries) }

// Specs returns the encoding spec strings stored ahead of the segments.
func (f *File) Specs() []string { return f.specs }
