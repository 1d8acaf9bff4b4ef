package checksum

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumEqualityIsByteWise(t *testing.T) {
	a := FromBytes([]byte{1, 2, 3})
	b := FromBytes([]byte{1, 2, 3})
	assert.Equal(t, a, b)
	assert.True(t, a == b)

	m := map[Checksum]int{a: 7}
	assert.Equal(t, 7, m[b])
}

func TestFromBytesCopies(t *testing.T) {
	buf := []byte{0xaa, 0xbb}
	c := FromBytes(buf)
	buf[0] = 0
	assert.Equal(t, "aabb", c.String())

	out := c.Bytes()
	out[1] = 0
	assert.Equal(t, "aabb", c.String())
}

func TestTrim(t *testing.T) {
	c, err := FromHex("00112233445566778899aabbccddeeff")
	require.NoError(t, err)
	require.Equal(t, MD5Size, c.Len())

	short, err := c.Trim(9)
	require.NoError(t, err)
	assert.Equal(t, "001122334455667788", short.String())
	assert.Equal(t, 16, c.Len())

	_, err = short.Trim(10)
	assert.Error(t, err)
}

func TestFileKeyTrimKeepsType(t *testing.T) {
	k, err := ParseFileKey("0102030405060708090a0b0c0d0e0f10")
	require.NoError(t, err)

	short, err := k.Trim(9)
	require.NoError(t, err)
	assert.IsType(t, FileKey{}, short)
	assert.Equal(t, NewFileKey([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9}), short)
}

func TestIsZero(t *testing.T) {
	assert.True(t, Checksum{}.IsZero())
	assert.True(t, FromBytes(make([]byte, 16)).IsZero())
	assert.False(t, FromBytes([]byte{0, 0, 1}).IsZero())
}

func TestFromHexRejectsGarbage(t *testing.T) {
	_, err := FromHex("zz")
	assert.Error(t, err)
	_, err = ParseContentKey("abc")
	assert.Error(t, err)
}
