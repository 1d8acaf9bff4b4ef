package index

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/user/cascgo/pkg/cascerr"
	"github.com/user/cascgo/pkg/checksum"
	"github.com/user/cascgo/pkg/jenkins"
)

// Fixed layout of a version 7 local index.
const (
	LocalVersion         = 0x07
	localSpanSizeBytes   = 4
	localSpanOffsetBytes = 5
	localKeyBytes        = KeySize
	localSubHeaderSize   = 16
	localEntrySize       = 18
	localOffsetBits      = 30
	localOffsetMask      = 1<<localOffsetBits - 1
	localFormat          = "local index"
)

// LocalHeader is the fixed sub-header of a local .idx file.
type LocalHeader struct {
	Version         uint16
	Bucket          uint8
	ExtraBytes      uint8
	SpanSizeBytes   uint8
	SpanOffsetBytes uint8
	KeyBytes        uint8
	SegmentBits     uint8
	MaxFileOffset   uint64
}

// LocalFile names one .idx file and the identity encoded in its name.
type LocalFile struct {
	Path    string
	Bucket  uint8
	Version uint32
}

// ParseLocalFileName decodes "BBVVVVVVVV.idx": byte 0 is the bucket (file
// number), bytes 1 to 4 are the big-endian version.
func ParseLocalFileName(name string) (bucket uint8, version uint32, err error) {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	raw, err := hex.DecodeString(base)
	if err != nil {
		return 0, 0, fmt.Errorf("index file name %q is not hex: %w", name, err)
	}
	if len(raw) != 5 {
		return 0, 0, fmt.Errorf("index file name %q decodes to %d bytes, want 5", name, len(raw))
	}
	return raw[0], binary.BigEndian.Uint32(raw[1:5]), nil
}

func align16(n int) int { return (n + 15) &^ 15 }

// ParseLocal reads one local .idx file. Duplicate keys inside the file are
// dropped, keeping the first.
func ParseLocal(r io.Reader) ([]Entry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading local index: %w", err)
	}
	if len(data) < 8 {
		return nil, cascerr.Malformed(localFormat, "file of %d bytes has no header", len(data))
	}

	headerLen := int(binary.LittleEndian.Uint32(data[0:4]))
	headerHash := binary.LittleEndian.Uint32(data[4:8])
	if headerLen < localSubHeaderSize || 8+headerLen > len(data) {
		return nil, cascerr.Malformed(localFormat, "header length %d out of range", headerLen)
	}
	headerBytes := data[8 : 8+headerLen]
	if actual := jenkins.HashLittle(headerBytes, 0); actual != headerHash {
		return nil, &cascerr.ChecksumError{
			What:     "local index header",
			Expected: binary.BigEndian.AppendUint32(nil, headerHash),
			Actual:   binary.BigEndian.AppendUint32(nil, actual),
		}
	}

	h := LocalHeader{
		Version:         binary.LittleEndian.Uint16(headerBytes[0:2]),
		Bucket:          headerBytes[2],
		ExtraBytes:      headerBytes[3],
		SpanSizeBytes:   headerBytes[4],
		SpanOffsetBytes: headerBytes[5],
		KeyBytes:        headerBytes[6],
		SegmentBits:     headerBytes[7],
		MaxFileOffset:   binary.BigEndian.Uint64(headerBytes[8:16]),
	}
	if err := h.validate(); err != nil {
		return nil, err
	}

	pos := align16(8 + headerLen)
	if pos+8 > len(data) {
		return nil, cascerr.Malformed(localFormat, "missing data block header at %d", pos)
	}
	dataLen := int(binary.LittleEndian.Uint32(data[pos : pos+4]))
	// The data block hash at pos+4 is not verified.
	pos += 8
	if pos+dataLen > len(data) {
		return nil, cascerr.Malformed(localFormat, "data block of %d bytes overruns the %d-byte file", dataLen, len(data))
	}

	reader := bytes.NewReader(data[pos : pos+dataLen])
	count := dataLen / localEntrySize
	entries := make([]Entry, 0, count)
	seen := make(map[checksum.FileKey]struct{}, count)
	var rec [localEntrySize]byte
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(reader, rec[:]); err != nil {
			return nil, fmt.Errorf("reading local index entry %d: %w", i, err)
		}
		e := decodeLocalEntry(rec)
		if _, dup := seen[e.FileKey]; dup {
			continue
		}
		seen[e.FileKey] = struct{}{}
		entries = append(entries, e)
	}
	return entries, nil
}

func (h LocalHeader) validate() error {
	switch {
	case h.Version != LocalVersion:
		return cascerr.Malformed(localFormat, "version 0x%02X, want 0x%02X", h.Version, LocalVersion)
	case h.ExtraBytes != 0:
		return cascerr.Malformed(localFormat, "extra bytes %d, want 0", h.ExtraBytes)
	case h.SpanSizeBytes != localSpanSizeBytes:
		return cascerr.Malformed(localFormat, "span size bytes %d, want %d", h.SpanSizeBytes, localSpanSizeBytes)
	case h.SpanOffsetBytes != localSpanOffsetBytes:
		return cascerr.Malformed(localFormat, "span offset bytes %d, want %d", h.SpanOffsetBytes, localSpanOffsetBytes)
	case h.KeyBytes != localKeyBytes:
		return cascerr.Malformed(localFormat, "key bytes %d, want %d", h.KeyBytes, localKeyBytes)
	}
	return nil
}

// decodeLocalEntry unpacks {key[9], high u8, low u32 BE, size u32 LE}. The
// data file number is high<<2 | low>>30 and the offset is the low 30 bits.
func decodeLocalEntry(rec [localEntrySize]byte) Entry {
	high := uint32(rec[9])
	low := binary.BigEndian.Uint32(rec[10:14])
	return Entry{
		FileKey:    checksum.NewFileKey(rec[0:9]),
		FileNumber: high<<2 | low>>localOffsetBits,
		Offset:     uint64(low & localOffsetMask),
		Size:       uint64(binary.LittleEndian.Uint32(rec[14:18])),
	}
}

// ScanLocalDir lists the .idx files in dir, keeping only the highest version
// per bucket. The result is sorted by bucket.
func ScanLocalDir(dir string, log logrus.FieldLogger) ([]LocalFile, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.idx"))
	if err != nil {
		return nil, fmt.Errorf("listing index files in %s: %w", dir, err)
	}

	newest := make(map[uint8]LocalFile)
	for _, p := range paths {
		bucket, version, err := ParseLocalFileName(p)
		if err != nil {
			return nil, err
		}
		cur, ok := newest[bucket]
		switch {
		case !ok:
			newest[bucket] = LocalFile{Path: p, Bucket: bucket, Version: version}
		case version > cur.Version:
			log.WithField("path", cur.Path).Debug("discarding superseded index file")
			newest[bucket] = LocalFile{Path: p, Bucket: bucket, Version: version}
		default:
			log.WithField("path", p).Debug("discarding superseded index file")
		}
	}

	files := make([]LocalFile, 0, len(newest))
	for _, f := range newest {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Bucket < files[j].Bucket })
	return files, nil
}

// LoadLocalDir scans dir and builds one Index from the newest file of every
// bucket.
func LoadLocalDir(dir string, log logrus.FieldLogger) (*Index, error) {
	files, err := ScanLocalDir(dir, log)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, cascerr.MissingResource("no index files in %s", dir)
	}

	var all []Entry
	for _, lf := range files {
		entries, err := parseLocalPath(lf.Path)
		if err != nil {
			return nil, err
		}
		log.WithFields(logrus.Fields{"path": lf.Path, "entries": len(entries)}).Debug("parsed index file")
		all = append(all, entries...)
	}
	return New(all), nil
}

func parseLocalPath(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening index file %s: %w", path, err)
	}
	defer f.Close()

	entries, err := ParseLocal(f)
	if err != nil {
		return nil, fmt.Errorf("parsing index file %s: %w", path, err)
	}
	return entries, nil
}
