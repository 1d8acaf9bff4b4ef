// Package blte decodes BLTE, the chunked and checksummed container every
// CASC archive entry is stored in.
//
// A BLTE stream starts with the magic "BLTE" and a big-endian header size.
// A header size of zero means the rest of the stream is a single chunk.
// Otherwise a chunk table follows: a 0x0F marker, a 24-bit chunk count and
// one {compressed size, decompressed size, MD5} record per chunk. Each
// chunk payload starts with a one-byte mode tag.
//
// Open validates the whole structure and every chunk checksum up front.
// Chunks are decompressed on demand, once each, so window reads only pay
// for the chunks they overlap.
package blte

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"

	"github.com/klauspost/compress/zlib"

	"github.com/user/cascgo/pkg/cascerr"
)

const (
	// Magic opens every BLTE stream.
	Magic = "BLTE"

	// ChunkTableMarker precedes the chunk count in multi-chunk mode.
	ChunkTableMarker = 0x0F

	preambleSize    = 8  // magic + header size
	tableHeaderSize = 4  // marker + 24-bit count
	chunkRecordSize = 24 // compressed, decompressed, md5
	formatName      = "blte"
)

// Mode is the compression tag stored in the first byte of a chunk payload.
type Mode byte

const (
	ModeRaw  Mode = 'N'
	ModeZlib Mode = 'Z'
)

func (m Mode) String() string {
	switch m {
	case ModeRaw:
		return "raw"
	case ModeZlib:
		return "zlib"
	default:
		return fmt.Sprintf("unknown(%q)", byte(m))
	}
}

// ChunkInfo describes one chunk as recorded in the stream.
type ChunkInfo struct {
	CompressedSize   uint32
	DecompressedSize uint32 // zero when the stream does not record it
	Checksum         []byte // nil in single-chunk mode
	Mode             Mode
}

type chunk struct {
	ChunkInfo
	data []byte // payload without the mode byte

	once sync.Once
	out  []byte
	err  error
}

// File is a parsed BLTE stream. It is safe for concurrent readers.
type File struct {
	chunks []*chunk

	layoutOnce sync.Once
	offsets    []int64 // logical start offset of each chunk
	size       int64
	layoutErr  error
}

// Open reads a BLTE stream of the given total size from r.
func Open(r io.Reader, size int64) (*File, error) {
	if size < preambleSize {
		return nil, cascerr.Malformed(formatName, "stream of %d bytes is shorter than the preamble", size)
	}

	var preamble [preambleSize]byte
	if _, err := io.ReadFull(r, preamble[:]); err != nil {
		return nil, fmt.Errorf("reading blte preamble: %w", err)
	}
	if string(preamble[:4]) != Magic {
		return nil, cascerr.Malformed(formatName, "bad magic %q", preamble[:4])
	}
	headerSize := int64(binary.BigEndian.Uint32(preamble[4:]))

	var infos []ChunkInfo
	if headerSize == 0 {
		compressed := size - preambleSize
		if compressed > math.MaxUint32 {
			return nil, cascerr.Malformed(formatName, "single chunk of %d bytes is too large", compressed)
		}
		infos = []ChunkInfo{{CompressedSize: uint32(compressed)}}
	} else {
		var err error
		infos, err = readChunkTable(r, headerSize, size)
		if err != nil {
			return nil, err
		}
	}

	f := &File{chunks: make([]*chunk, 0, len(infos))}
	multi := headerSize != 0
	for i, info := range infos {
		c, err := readChunk(r, i, info, multi)
		if err != nil {
			return nil, err
		}
		f.chunks = append(f.chunks, c)
	}
	return f, nil
}

// Decode parses and fully decompresses an in-memory BLTE stream.
func Decode(data []byte) ([]byte, error) {
	f, err := Open(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	return f.Bytes()
}

func readChunkTable(r io.Reader, headerSize, size int64) ([]ChunkInfo, error) {
	if headerSize < preambleSize+tableHeaderSize || headerSize > size {
		return nil, cascerr.Malformed(formatName, "header size %d out of range for %d-byte stream", headerSize, size)
	}

	var table [tableHeaderSize]byte
	if _, err := io.ReadFull(r, table[:]); err != nil {
		return nil, fmt.Errorf("reading blte chunk table header: %w", err)
	}
	if table[0] != ChunkTableMarker {
		return nil, cascerr.Malformed(formatName, "bad chunk table marker 0x%02X", table[0])
	}
	count := int64(table[1])<<16 | int64(table[2])<<8 | int64(table[3])
	if count == 0 {
		return nil, cascerr.Malformed(formatName, "chunk table declares zero chunks")
	}
	if want := preambleSize + tableHeaderSize + count*chunkRecordSize; want != headerSize {
		return nil, cascerr.Malformed(formatName, "%d chunks need a %d-byte header, stream declares %d", count, want, headerSize)
	}

	records := make([]byte, count*chunkRecordSize)
	if _, err := io.ReadFull(r, records); err != nil {
		return nil, fmt.Errorf("reading blte chunk table: %w", err)
	}

	remaining := size - headerSize
	infos := make([]ChunkInfo, count)
	for i := range infos {
		rec := records[i*chunkRecordSize:]
		infos[i] = ChunkInfo{
			CompressedSize:   binary.BigEndian.Uint32(rec[0:4]),
			DecompressedSize: binary.BigEndian.Uint32(rec[4:8]),
			Checksum:         append([]byte(nil), rec[8:24]...),
		}
		remaining -= int64(infos[i].CompressedSize)
		if remaining < 0 {
			return nil, cascerr.Malformed(formatName, "chunk %d overruns the %d-byte stream", i, size)
		}
	}
	return infos, nil
}

func readChunk(r io.Reader, i int, info ChunkInfo, verify bool) (*chunk, error) {
	if info.CompressedSize == 0 {
		return nil, cascerr.Malformed(formatName, "chunk %d is empty", i)
	}
	payload := make([]byte, info.CompressedSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading blte chunk %d (%d bytes): %w", i, info.CompressedSize, err)
	}

	if verify {
		sum := md5.Sum(payload)
		if !bytes.Equal(sum[:], info.Checksum) {
			return nil, &cascerr.ChecksumError{
				What:     fmt.Sprintf("blte chunk %d", i),
				Expected: info.Checksum,
				Actual:   sum[:],
			}
		}
	}

	info.Mode = Mode(payload[0])
	switch info.Mode {
	case ModeRaw:
		if info.DecompressedSize != 0 && int64(len(payload)-1) != int64(info.DecompressedSize) {
			return nil, cascerr.Malformed(formatName, "raw chunk %d holds %d bytes, header says %d",
				i, len(payload)-1, info.DecompressedSize)
		}
	case ModeZlib:
	default:
		return nil, cascerr.Malformed(formatName, "chunk %d uses unsupported mode %s", i, info.Mode)
	}
	return &chunk{ChunkInfo: info, data: payload[1:]}, nil
}

// Chunks returns the chunk records in stream order.
func (f *File) Chunks() []ChunkInfo {
	out := make([]ChunkInfo, len(f.chunks))
	for i, c := range f.chunks {
		out[i] = c.ChunkInfo
	}
	return out
}

func (c *chunk) decode() ([]byte, error) {
	c.once.Do(func() {
		switch c.Mode {
		case ModeRaw:
			c.out = c.data
		case ModeZlib:
			c.out, c.err = inflate(c.data, c.DecompressedSize)
		}
	})
	return c.out, c.err
}

func inflate(data []byte, want uint32) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening zlib chunk: %w", err)
	}
	defer zr.Close()

	if want == 0 {
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("inflating zlib chunk: %w", err)
		}
		return out, nil
	}

	out, err := io.ReadAll(io.LimitReader(zr, int64(want)+1))
	if err != nil {
		return nil, fmt.Errorf("inflating zlib chunk: %w", err)
	}
	if len(out) != int(want) {
		return nil, cascerr.Malformed(formatName, "zlib chunk inflated to %d bytes, header says %d", len(out), want)
	}
	return out, nil
}

// knownSize returns the logical size of a chunk without decoding it, if the
// stream records it.
func (c *chunk) knownSize() (int64, bool) {
	if c.DecompressedSize != 0 {
		return int64(c.DecompressedSize), true
	}
	if c.Mode == ModeRaw {
		return int64(len(c.data)), true
	}
	return 0, false
}

func (f *File) layout() error {
	f.layoutOnce.Do(func() {
		f.offsets = make([]int64, len(f.chunks))
		var pos int64
		for i, c := range f.chunks {
			f.offsets[i] = pos
			n, ok := c.knownSize()
			if !ok {
				out, err := c.decode()
				if err != nil {
					f.layoutErr = fmt.Errorf("decoding blte chunk %d: %w", i, err)
					return
				}
				n = int64(len(out))
			}
			pos += n
		}
		f.size = pos
	})
	return f.layoutErr
}

// Size returns the decompressed length of the file. Chunks that do not
// record their decompressed size are decoded to find it.
func (f *File) Size() (int64, error) {
	if err := f.layout(); err != nil {
		return 0, err
	}
	return f.size, nil
}

// ReadAt implements io.ReaderAt over the decompressed content.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if err := f.layout(); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, fmt.Errorf("blte: negative offset %d", off)
	}
	if off >= f.size {
		return 0, io.EOF
	}

	i := sort.Search(len(f.offsets), func(i int) bool { return f.offsets[i] > off }) - 1
	n := 0
	for ; i < len(f.chunks) && n < len(p); i++ {
		out, err := f.chunks[i].decode()
		if err != nil {
			return n, fmt.Errorf("decoding blte chunk %d: %w", i, err)
		}
		start := off + int64(n) - f.offsets[i]
		n += copy(p[n:], out[start:])
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Bytes decompresses the whole file. Any chunk failure aborts the read.
func (f *File) Bytes() ([]byte, error) {
	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	if size > math.MaxInt {
		return nil, fmt.Errorf("blte: %d-byte file exceeds addressable memory", size)
	}
	out := make([]byte, 0, size)
	for i, c := range f.chunks {
		b, err := c.decode()
		if err != nil {
			return nil, fmt.Errorf("decoding blte chunk %d: %w", i, err)
		}
		out = append(out, b...)
	}
	return out, nil
}

// Reader returns a reader over the whole decompressed content.
func (f *File) Reader() (*io.SectionReader, error) {
	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	return io.NewSectionReader(f, 0, size), nil
}

// Window returns a reader over length bytes starting at offset.
func (f *File) Window(offset, length int64) (*io.SectionReader, error) {
	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	if offset < 0 || length < 0 || offset+length > size {
		return nil, fmt.Errorf("blte: window [%d, %d) outside %d-byte file", offset, offset+length, size)
	}
	return io.NewSectionReader(f, offset, length), nil
}
