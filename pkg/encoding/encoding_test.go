package encoding

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/cascgo/internal/fixture"
	"github.com/user/cascgo/pkg/cascerr"
	"github.com/user/cascgo/pkg/checksum"
)

func ck(seed string) checksum.ContentKey { return checksum.NewContentKey(fixture.Key(seed)) }

func twoSegments() []byte {
	return fixture.Encoding(
		[]string{"b:{*=z}", "n"},
		[]fixture.EncodingEntry{
			{ContentKey: fixture.Key("a"), Size: 10, FileKeys: [][]byte{fixture.Key("ea")}},
			{ContentKey: fixture.Key("b"), Size: 20, FileKeys: [][]byte{fixture.Key("eb1"), fixture.Key("eb2")}},
		},
		[]fixture.EncodingEntry{
			{ContentKey: fixture.Key("c"), Size: 30, FileKeys: [][]byte{fixture.Key("ec")}},
		},
	)
}

func TestParseRoundTrip(t *testing.T) {
	f, err := Parse(twoSegments())
	require.NoError(t, err)

	assert.Equal(t, 3, f.Len())
	assert.Equal(t, []string{"b:{*=z}", "n"}, f.Specs())

	e, ok := f.Entry(ck("b"))
	require.True(t, ok)
	assert.Equal(t, uint64(20), e.FileSize)
	require.Len(t, e.FileKeys, 2)

	fk, ok := f.FileKey(ck("b"))
	require.True(t, ok)
	assert.Equal(t, checksum.NewFileKey(fixture.Key("eb1")), fk)

	_, ok = f.FileKey(ck("missing"))
	assert.False(t, ok)

	entries := f.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, ck("a"), entries[0].ContentKey)
	assert.Equal(t, ck("c"), entries[2].ContentKey)
}

func TestParseRejectsSegmentChecksum(t *testing.T) {
	data := twoSegments()
	data[len(data)-SegmentSize+100] ^= 0x01
	_, err := Parse(data)
	var ce *cascerr.ChecksumError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, "encoding segment 1", ce.What)
}

func TestParseRejectsFirstKeyMismatch(t *testing.T) {
	data := twoSegments()
	specLen := len("b:{*=z}") + 1 + len("n") + 1
	// First content key of segment 0 in the checksum table.
	data[22+specLen] ^= 0xff
	_, err := Parse(data)
	require.True(t, errors.Is(err, cascerr.ErrChecksumMismatch), "got %v", err)

	var ce *cascerr.ChecksumError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "encoding segment 0 first content key", ce.What)
	assert.Equal(t, data[22+specLen:22+specLen+16], ce.Expected)
	assert.Equal(t, byte(0xff), ce.Expected[0]^ce.Actual[0])
}

func TestParseRejectsShortFile(t *testing.T) {
	data := twoSegments()
	_, err := Parse(data[:len(data)-1])
	assert.True(t, errors.Is(err, cascerr.ErrMalformed))

	_, err = Parse([]byte("EN"))
	assert.True(t, errors.Is(err, cascerr.ErrMalformed))
}

func TestParseRejectsBadMagic(t *testing.T) {
	data := twoSegments()
	data[1] = 'X'
	_, err := Parse(data)
	assert.True(t, errors.Is(err, cascerr.ErrMalformed))
}

func TestParseDropsDuplicateAndNullKeys(t *testing.T) {
	null := make([]byte, 16)
	data := fixture.Encoding(nil,
		[]fixture.EncodingEntry{
			{ContentKey: fixture.Key("dup"), Size: 1, FileKeys: [][]byte{fixture.Key("first")}},
			{ContentKey: null, Size: 2, FileKeys: [][]byte{fixture.Key("null")}},
		},
		[]fixture.EncodingEntry{
			{ContentKey: fixture.Key("dup"), Size: 3, FileKeys: [][]byte{fixture.Key("second")}},
		},
	)
	f, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, 1, f.Len())

	e, ok := f.Entry(ck("dup"))
	require.True(t, ok)
	assert.Equal(t, uint64(1), e.FileSize)
	assert.Empty(t, f.Specs())
}

func TestParseEmptySegment(t *testing.T) {
	f, err := Parse(fixture.Encoding(nil, nil))
	require.NoError(t, err)
	assert.Equal(t, 0, f.Len())
}
