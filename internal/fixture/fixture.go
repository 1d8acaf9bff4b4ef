// Package fixture builds small, valid CASC binaries for tests.
package fixture

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zlib"

	"github.com/user/cascgo/pkg/jenkins"
)

// Chunk is one BLTE chunk before encoding.
type Chunk struct {
	Mode byte // 'N' or 'Z'
	Data []byte
}

func chunkPayload(c Chunk) []byte {
	body := c.Data
	if c.Mode == 'Z' {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		zw.Write(c.Data)
		zw.Close()
		body = buf.Bytes()
	}
	return append([]byte{c.Mode}, body...)
}

// BLTESingle encodes data as a single-chunk BLTE stream.
func BLTESingle(mode byte, data []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("BLTE")
	binary.Write(&buf, binary.BigEndian, uint32(0))
	buf.Write(chunkPayload(Chunk{Mode: mode, Data: data}))
	return buf.Bytes()
}

// BLTEMulti encodes chunks under a chunk table.
func BLTEMulti(chunks ...Chunk) []byte {
	payloads := make([][]byte, len(chunks))
	for i, c := range chunks {
		payloads[i] = chunkPayload(c)
	}

	var buf bytes.Buffer
	buf.WriteString("BLTE")
	binary.Write(&buf, binary.BigEndian, uint32(12+24*len(chunks)))
	buf.WriteByte(0x0F)
	buf.Write([]byte{byte(len(chunks) >> 16), byte(len(chunks) >> 8), byte(len(chunks))})
	for i, p := range payloads {
		binary.Write(&buf, binary.BigEndian, uint32(len(p)))
		binary.Write(&buf, binary.BigEndian, uint32(len(chunks[i].Data)))
		sum := md5.Sum(p)
		buf.Write(sum[:])
	}
	for _, p := range payloads {
		buf.Write(p)
	}
	return buf.Bytes()
}

// LocalRecord is one local index entry.
type LocalRecord struct {
	Key        []byte // at least 9 bytes; truncated when written
	FileNumber uint32
	Offset     uint32
	Size       uint32
}

// LocalIndex encodes a version 7 .idx file.
func LocalIndex(bucket byte, records []LocalRecord) []byte {
	header := make([]byte, 16)
	binary.LittleEndian.PutUint16(header[0:2], 0x07)
	header[2] = bucket
	header[3] = 0
	header[4] = 4
	header[5] = 5
	header[6] = 9
	header[7] = 30
	binary.BigEndian.PutUint64(header[8:16], 0x4000000000)

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(len(header)))
	binary.Write(&buf, binary.LittleEndian, jenkins.HashLittle(header, 0))
	buf.Write(header)
	for buf.Len()%16 != 0 {
		buf.WriteByte(0)
	}

	var body bytes.Buffer
	for _, r := range records {
		body.Write(r.Key[:9])
		body.WriteByte(byte(r.FileNumber >> 2))
		binary.Write(&body, binary.BigEndian, r.FileNumber<<30|r.Offset&0x3FFFFFFF)
		binary.Write(&body, binary.LittleEndian, r.Size)
	}
	binary.Write(&buf, binary.LittleEndian, uint32(body.Len()))
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	buf.Write(body.Bytes())
	return buf.Bytes()
}

// LocalIndexName returns the file name for a bucket and version.
func LocalIndexName(bucket byte, version uint32) string {
	return fmt.Sprintf("%02x%08x.idx", bucket, version)
}

// OnlineRecord is one archive index entry.
type OnlineRecord struct {
	Key    []byte // 16 bytes
	Size   uint32
	Offset uint32
}

// OnlineIndex encodes an archive .index file with 4096-byte blocks of 170
// records, each block padded with 16 zero bytes, and a 28-byte footer.
func OnlineIndex(records []OnlineRecord) []byte {
	var buf bytes.Buffer
	for i, r := range records {
		if i > 0 && i%170 == 0 {
			buf.Write(make([]byte, 16))
		}
		buf.Write(r.Key)
		binary.Write(&buf, binary.BigEndian, r.Size)
		binary.Write(&buf, binary.BigEndian, r.Offset)
	}
	for buf.Len()%4096 != 0 {
		buf.WriteByte(0)
	}
	footer := make([]byte, 28)
	footer[8] = 1  // version
	footer[11] = 4 // block size KB
	footer[12] = 4 // offset bytes
	footer[13] = 4 // size bytes
	footer[14] = 16
	footer[15] = 8
	binary.LittleEndian.PutUint32(footer[16:20], uint32(len(records)))
	buf.Write(footer)
	return buf.Bytes()
}

// EncodingEntry is one content key record.
type EncodingEntry struct {
	ContentKey []byte // 16 bytes
	Size       uint32
	FileKeys   [][]byte // 16 bytes each
}

// Encoding encodes an encoding file with one 4096-byte segment per element
// of segments.
func Encoding(specs []string, segments ...[]EncodingEntry) []byte {
	var specBlock bytes.Buffer
	for _, s := range specs {
		specBlock.WriteString(s)
		specBlock.WriteByte(0)
	}

	pages := make([][]byte, len(segments))
	for i, seg := range segments {
		page := make([]byte, 0, 4096)
		for _, e := range seg {
			page = binary.LittleEndian.AppendUint16(page, uint16(len(e.FileKeys)))
			page = binary.BigEndian.AppendUint32(page, e.Size)
			page = append(page, e.ContentKey...)
			for _, k := range e.FileKeys {
				page = append(page, k...)
			}
		}
		if len(page) > 4096 {
			panic("fixture: encoding segment overflow")
		}
		pages[i] = append(page, make([]byte, 4096-len(page))...)
	}

	var buf bytes.Buffer
	buf.WriteString("EN")
	buf.Write([]byte{1, 16, 16})
	binary.Write(&buf, binary.LittleEndian, uint16(4))
	binary.Write(&buf, binary.LittleEndian, uint16(4))
	binary.Write(&buf, binary.BigEndian, uint32(len(segments)))
	binary.Write(&buf, binary.BigEndian, uint32(0))
	buf.WriteByte(0)
	binary.Write(&buf, binary.BigEndian, uint32(specBlock.Len()))
	buf.Write(specBlock.Bytes())
	for i, seg := range segments {
		first := make([]byte, 16)
		if len(seg) > 0 {
			copy(first, seg[0].ContentKey)
		}
		buf.Write(first)
		sum := md5.Sum(pages[i])
		buf.Write(sum[:])
	}
	for _, p := range pages {
		buf.Write(p)
	}
	return buf.Bytes()
}

// RootRecord is one named root entry.
type RootRecord struct {
	ContentKey   []byte // 16 bytes
	FilenameHash uint64
	FileDataID   int32 // delta as stored
}

// RootBlock groups records sharing flags.
type RootBlock struct {
	ContentFlags uint32
	LocaleFlags  uint32
	Records      []RootRecord
}

// Root encodes a classic root file.
func Root(blocks ...RootBlock) []byte {
	var buf bytes.Buffer
	for _, b := range blocks {
		binary.Write(&buf, binary.LittleEndian, uint32(len(b.Records)))
		binary.Write(&buf, binary.LittleEndian, b.ContentFlags)
		binary.Write(&buf, binary.LittleEndian, b.LocaleFlags)
		for _, r := range b.Records {
			binary.Write(&buf, binary.LittleEndian, r.FileDataID)
		}
		for _, r := range b.Records {
			buf.Write(r.ContentKey)
			binary.Write(&buf, binary.LittleEndian, r.FilenameHash)
		}
	}
	return buf.Bytes()
}

// MD5 returns the digest of data as a slice.
func MD5(data []byte) []byte {
	sum := md5.Sum(data)
	return sum[:]
}

// Key returns a deterministic 16-byte key derived from seed.
func Key(seed string) []byte {
	return MD5([]byte(seed))
}

// LocalIndexHeaderHash returns the little-endian header hash for header.
func LocalIndexHeaderHash(header []byte) []byte {
	return binary.LittleEndian.AppendUint32(nil, jenkins.HashLittle(header, 0))
}

// Blob is one stored BLTE stream and the file key it is indexed under.
type Blob struct {
	Key  []byte
	Data []byte
}

// Build is a minimal CASC build: a Root naming every file, an Encoding
// table and the stored blobs behind both.
type Build struct {
	BuildConfig []byte
	BuildKey    string

	Encoding    Blob
	EncodingKey []byte // content key
	RootKey     []byte // content key

	// Blobs holds root and file data in storage order.
	Blobs []Blob
}

func hexKey(k []byte) string { return fmt.Sprintf("%x", k) }

// NewBuild lays out files, keyed by name. Names listed in split are stored
// as two blobs whose concatenation is the file's BLTE stream, with both
// keys in the Encoding entry.
func NewBuild(files map[string][]byte, split ...string) *Build {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	splitSet := make(map[string]bool, len(split))
	for _, s := range split {
		splitSet[s] = true
	}

	b := &Build{}
	var entries []EncodingEntry
	var records []RootRecord
	for i, name := range names {
		content := files[name]
		ck := MD5(content)
		stream := BLTEMulti(Chunk{Mode: 'Z', Data: content})

		var keys [][]byte
		if splitSet[name] {
			half := len(stream) / 2
			for _, part := range [][]byte{stream[:half], stream[half:]} {
				k := MD5(part)
				keys = append(keys, k)
				b.Blobs = append(b.Blobs, Blob{Key: k, Data: part})
			}
		} else {
			k := MD5(stream)
			keys = append(keys, k)
			b.Blobs = append(b.Blobs, Blob{Key: k, Data: stream})
		}
		entries = append(entries, EncodingEntry{ContentKey: ck, Size: uint32(len(content)), FileKeys: keys})
		records = append(records, RootRecord{ContentKey: ck, FilenameHash: jenkins.FilenameHash(name), FileDataID: int32(i)})
	}

	rootData := Root(RootBlock{LocaleFlags: 0xFFFFFFFF, Records: records})
	b.RootKey = MD5(rootData)
	rootStream := BLTEMulti(Chunk{Mode: 'Z', Data: rootData})
	b.Blobs = append([]Blob{{Key: MD5(rootStream), Data: rootStream}}, b.Blobs...)
	entries = append([]EncodingEntry{{ContentKey: b.RootKey, Size: uint32(len(rootData)), FileKeys: [][]byte{MD5(rootStream)}}}, entries...)

	encData := Encoding([]string{"z"}, entries)
	b.EncodingKey = MD5(encData)
	encStream := BLTESingle('Z', encData)
	b.Encoding = Blob{Key: MD5(encStream), Data: encStream}

	b.BuildConfig = []byte(fmt.Sprintf("# Build Configuration\n\nroot = %s\nencoding = %s %s\nencoding-size = %d %d\n",
		hexKey(b.RootKey), hexKey(b.EncodingKey), hexKey(b.Encoding.Key), len(encData), len(encStream)))
	b.BuildKey = hexKey(MD5(b.BuildConfig))
	return b
}

func keyDir(root, key string) string {
	return filepath.Join(root, key[0:2], key[2:4], key)
}

// WriteLocal writes the build as a local installation under dir: a
// .build.info, the build config, one data.000 and one .idx file. Every
// blob, the Encoding file included, is stored behind a 30-byte header.
func (b *Build) WriteLocal(dir string) error {
	buildInfo := "Branch!STRING:0|Active!DEC:1|Build Key!HEX:16|CDN Key!HEX:16|Version!STRING:0\n" +
		"us|1|" + b.BuildKey + "|00000000000000000000000000000000|1.0.0\n"
	if err := os.WriteFile(filepath.Join(dir, ".build.info"), []byte(buildInfo), 0o644); err != nil {
		return err
	}

	cfg := keyDir(filepath.Join(dir, "Data", "config"), b.BuildKey)
	if err := os.MkdirAll(filepath.Dir(cfg), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(cfg, b.BuildConfig, 0o644); err != nil {
		return err
	}

	var data bytes.Buffer
	var records []LocalRecord
	for _, blob := range append([]Blob{b.Encoding}, b.Blobs...) {
		off := data.Len()
		data.Write(make([]byte, 30))
		data.Write(blob.Data)
		records = append(records, LocalRecord{Key: blob.Key, Offset: uint32(off), Size: uint32(30 + len(blob.Data))})
	}

	dataDir := filepath.Join(dir, "Data", "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dataDir, "data.000"), data.Bytes(), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dataDir, LocalIndexName(0, 1)), LocalIndex(0, records), 0o644)
}

// CDN returns the build as CDN resources keyed by URI: the build and CDN
// configs, one archive with its .index, and the Encoding file stored
// loose under data/.
func (b *Build) CDN() (files map[string][]byte, cdnKey string) {
	var archive bytes.Buffer
	var records []OnlineRecord
	for _, blob := range b.Blobs {
		records = append(records, OnlineRecord{Key: blob.Key, Size: uint32(len(blob.Data)), Offset: uint32(archive.Len())})
		archive.Write(blob.Data)
	}
	archiveKey := hexKey(MD5(archive.Bytes()))

	cdnConfig := []byte("# CDN Configuration\n\narchives = " + archiveKey + "\n")
	cdnKey = hexKey(MD5(cdnConfig))

	join := func(dir, key string) string { return filepath.ToSlash(keyDir(dir, key)) }
	files = map[string][]byte{
		join("config", b.BuildKey):           b.BuildConfig,
		join("config", cdnKey):               cdnConfig,
		join("data", archiveKey):             archive.Bytes(),
		join("data", archiveKey) + ".index":  OnlineIndex(records),
		join("data", hexKey(b.Encoding.Key)): b.Encoding.Data,
	}
	return files, cdnKey
}
