package blte

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/cascgo/internal/fixture"
	"github.com/user/cascgo/pkg/cascerr"
)

func open(t *testing.T, data []byte) *File {
	t.Helper()
	f, err := Open(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	return f
}

func TestSingleChunkRaw(t *testing.T) {
	plain := []byte("hello from an archive")
	out, err := Decode(fixture.BLTESingle('N', plain))
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestSingleChunkZlib(t *testing.T) {
	plain := []byte(strings.Repeat("compressible ", 200))
	f := open(t, fixture.BLTESingle('Z', plain))

	size, err := f.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(len(plain)), size)

	out, err := f.Bytes()
	require.NoError(t, err)
	assert.Equal(t, plain, out)

	chunks := f.Chunks()
	require.Len(t, chunks, 1)
	assert.Equal(t, ModeZlib, chunks[0].Mode)
	assert.Nil(t, chunks[0].Checksum)
}

func TestMultiChunkConcatenatesInOrder(t *testing.T) {
	a := []byte(strings.Repeat("A", 100))
	b := []byte(strings.Repeat("B", 300))
	c := []byte("tail")
	data := fixture.BLTEMulti(
		fixture.Chunk{Mode: 'N', Data: a},
		fixture.Chunk{Mode: 'Z', Data: b},
		fixture.Chunk{Mode: 'N', Data: c},
	)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, append(append(append([]byte{}, a...), b...), c...), out)
}

func TestWindowCrossesChunkBoundary(t *testing.T) {
	a := []byte(strings.Repeat("A", 100))
	b := []byte(strings.Repeat("B", 50))
	f := open(t, fixture.BLTEMulti(
		fixture.Chunk{Mode: 'Z', Data: a},
		fixture.Chunk{Mode: 'Z', Data: b},
	))

	w, err := f.Window(90, 20)
	require.NoError(t, err)
	got, err := io.ReadAll(w)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("A", 10)+strings.Repeat("B", 10), string(got))

	_, err = f.Window(140, 20)
	assert.Error(t, err)
}

func TestReaderSeeksAndReadsWholeFile(t *testing.T) {
	plain := []byte("0123456789abcdef")
	f := open(t, fixture.BLTEMulti(
		fixture.Chunk{Mode: 'N', Data: plain[:6]},
		fixture.Chunk{Mode: 'Z', Data: plain[6:]},
	))

	r, err := f.Reader()
	require.NoError(t, err)
	_, err = r.Seek(4, io.SeekStart)
	require.NoError(t, err)
	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, plain[4:], rest)

	buf := make([]byte, 4)
	n, err := f.ReadAt(buf, 14)
	assert.Equal(t, 2, n)
	assert.Equal(t, io.EOF, err)
}

func TestBadMagic(t *testing.T) {
	data := fixture.BLTESingle('N', []byte("x"))
	copy(data, "BLTF")
	_, err := Decode(data)
	assert.True(t, errors.Is(err, cascerr.ErrMalformed))
}

func TestBadChunkTableMarker(t *testing.T) {
	data := fixture.BLTEMulti(fixture.Chunk{Mode: 'N', Data: []byte("x")})
	data[8] = 0x10
	_, err := Decode(data)
	assert.True(t, errors.Is(err, cascerr.ErrMalformed))
}

func TestChunkCountMismatch(t *testing.T) {
	data := fixture.BLTEMulti(
		fixture.Chunk{Mode: 'N', Data: []byte("x")},
		fixture.Chunk{Mode: 'N', Data: []byte("y")},
	)
	data[11] = 3
	_, err := Decode(data)
	assert.True(t, errors.Is(err, cascerr.ErrMalformed))
}

func TestUnsupportedMode(t *testing.T) {
	_, err := Decode(fixture.BLTESingle('E', []byte("encrypted")))
	assert.True(t, errors.Is(err, cascerr.ErrMalformed))
}

func TestRawSizeMismatch(t *testing.T) {
	data := fixture.BLTEMulti(fixture.Chunk{Mode: 'N', Data: []byte("abcd")})
	// Decompressed size field of the first chunk record.
	binary.BigEndian.PutUint32(data[16:20], 9)
	_, err := Decode(data)
	assert.True(t, errors.Is(err, cascerr.ErrMalformed))
}

func TestZlibSizeMismatchFailsOnRead(t *testing.T) {
	data := fixture.BLTEMulti(fixture.Chunk{Mode: 'Z', Data: []byte("abcdefgh")})
	binary.BigEndian.PutUint32(data[16:20], 4)
	f := open(t, data)
	_, err := f.Bytes()
	assert.True(t, errors.Is(err, cascerr.ErrMalformed))
}

func TestCorruptedPayloadFailsChecksum(t *testing.T) {
	plain := []byte(strings.Repeat("payload bytes ", 20))
	clean := fixture.BLTEMulti(
		fixture.Chunk{Mode: 'Z', Data: plain},
		fixture.Chunk{Mode: 'N', Data: plain},
	)
	headerSize := int(binary.BigEndian.Uint32(clean[4:8]))

	for pos := headerSize; pos < len(clean); pos++ {
		for bit := 0; bit < 8; bit++ {
			data := append([]byte(nil), clean...)
			data[pos] ^= 1 << bit
			_, err := Open(bytes.NewReader(data), int64(len(data)))
			var ce *cascerr.ChecksumError
			require.True(t, errors.As(err, &ce), "flipping bit %d of byte %d was not detected: %v", bit, pos, err)
			assert.NotEqual(t, ce.Expected, ce.Actual)
		}
	}
}

func TestChunkOverrunsDeclaredSize(t *testing.T) {
	data := fixture.BLTEMulti(fixture.Chunk{Mode: 'N', Data: []byte("abcdef")})
	_, err := Open(bytes.NewReader(data), int64(len(data)-2))
	assert.True(t, errors.Is(err, cascerr.ErrMalformed))
}

func TestTruncatedStreamIsIOError(t *testing.T) {
	data := fixture.BLTESingle('N', []byte("abcdef"))
	_, err := Open(bytes.NewReader(data[:len(data)-2]), int64(len(data)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}
