package cascerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatErrorUnwrapsToMalformed(t *testing.T) {
	err := fmt.Errorf("opening index: %w", Malformed("idx", "version %d", 9))
	require.True(t, errors.Is(err, ErrMalformed))
	assert.Contains(t, err.Error(), "idx: version 9")

	var fe *FormatError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "idx", fe.Format)
}

func TestChecksumErrorReportsBothDigests(t *testing.T) {
	err := &ChecksumError{What: "chunk 2", Expected: []byte{0xab, 0xcd}, Actual: []byte{0x01}}
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
	assert.Equal(t, "chunk 2: checksum mismatch (expected abcd, got 01)", err.Error())
}

func TestNotFound(t *testing.T) {
	err := NotFound("file %q", "missing.txt")
	assert.True(t, IsNotFound(err))
	assert.False(t, IsNotFound(ErrMalformed))
	assert.Equal(t, `file "missing.txt": entry not found`, err.Error())
}

func TestMissingResourceIsNotNotFound(t *testing.T) {
	err := fmt.Errorf("loading index: %w", MissingResource("no index files in %s", "Data/data"))
	assert.True(t, errors.Is(err, ErrMissingResource))
	assert.False(t, IsNotFound(err))
	assert.Equal(t, "loading index: no index files in Data/data: storage resource missing", err.Error())
}
