package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/user/cascgo/pkg/cascerr"
	"github.com/user/cascgo/pkg/checksum"
)

const (
	onlineKeySize        = checksum.MD5Size
	onlineRecordSize     = onlineKeySize + 8
	onlineFooterCountOff = 12
	onlineFormat         = "archive index"
)

// ParseOnline reads a CDN archive .index file. Every entry is attributed to
// archive, the position of the archive in the CDN config's archive list.
//
// The record count is the little-endian u32 twelve bytes before the end of
// the file; records are {key[16], size u32 BE, offset u32 BE}.
func ParseOnline(data []byte, archive uint32) ([]Entry, error) {
	if len(data) < onlineFooterCountOff {
		return nil, cascerr.Malformed(onlineFormat, "file of %d bytes has no footer", len(data))
	}
	countPos := len(data) - onlineFooterCountOff
	count := int(binary.LittleEndian.Uint32(data[countPos : countPos+4]))
	if uint64(count)*onlineRecordSize > uint64(countPos) {
		return nil, cascerr.Malformed(onlineFormat, "footer claims %d records but only %d bytes precede it", count, countPos)
	}

	r := bytes.NewReader(data[:countPos])
	entries := make([]Entry, 0, count)
	key := make([]byte, onlineKeySize)
	var fields [8]byte
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("reading archive index key %d: %w", i, err)
		}
		if isZero(key) {
			if err := skipZeroBlock(r, key); err != nil {
				return nil, fmt.Errorf("archive index entry %d: %w", i, err)
			}
		}
		if _, err := io.ReadFull(r, fields[:]); err != nil {
			return nil, fmt.Errorf("reading archive index entry %d: %w", i, err)
		}
		size := int32(binary.BigEndian.Uint32(fields[0:4]))
		offset := int32(binary.BigEndian.Uint32(fields[4:8]))
		if size < 0 {
			return nil, cascerr.Malformed(onlineFormat, "entry %d has negative size %d", i, size)
		}
		if offset < 0 {
			return nil, cascerr.Malformed(onlineFormat, "entry %d has negative offset %d", i, offset)
		}
		entries = append(entries, Entry{
			FileKey:    checksum.NewFileKey(key),
			FileNumber: archive,
			Offset:     uint64(offset),
			Size:       uint64(size),
		})
	}
	return entries, nil
}

// skipZeroBlock handles an all-zero key by reading the next 16 bytes into
// key once. Archive index blocks end in up to 16 bytes of zero padding, so
// the retry lands on the first key of the next block; a second zero key is
// a format error.
//
// TODO: confirm against archive indexes whose blocks carry more than 16
// bytes of padding; those would need a skip to the next block boundary.
func skipZeroBlock(r io.Reader, key []byte) error {
	if _, err := io.ReadFull(r, key); err != nil {
		return fmt.Errorf("reading key after zero padding: %w", err)
	}
	if isZero(key) {
		return cascerr.Malformed(onlineFormat, "zero key after padding")
	}
	return nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
