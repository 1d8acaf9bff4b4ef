// Package checksum holds the fixed-length byte identifiers used across CASC.
//
// A Checksum compares and hashes by its bytes, so it can be used directly as
// a map key. FileKey (archive-storage identity) and ContentKey (content
// identity) wrap it as distinct types; converting between them always needs
// an explicit lookup through the Encoding file.
package checksum

import (
	"encoding/hex"
	"fmt"
)

// MD5Size is the length of a full content or file key.
const MD5Size = 16

// Checksum is an immutable byte string. The zero value is the empty checksum.
type Checksum struct {
	raw string
}

// FromBytes copies b into a new Checksum.
func FromBytes(b []byte) Checksum {
	return Checksum{raw: string(b)}
}

// FromHex decodes a hexadecimal checksum.
func FromHex(s string) (Checksum, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Checksum{}, fmt.Errorf("decoding checksum %q: %w", s, err)
	}
	return FromBytes(b), nil
}

// Bytes returns a copy of the raw bytes.
func (c Checksum) Bytes() []byte { return []byte(c.raw) }

// Len returns the number of bytes.
func (c Checksum) Len() int { return len(c.raw) }

// String returns the lowercase hex form.
func (c Checksum) String() string { return hex.EncodeToString([]byte(c.raw)) }

// IsZero reports whether the checksum is empty or all zero bytes.
func (c Checksum) IsZero() bool {
	for i := 0; i < len(c.raw); i++ {
		if c.raw[i] != 0 {
			return false
		}
	}
	return true
}

// Trim returns the first n bytes as a new Checksum.
func (c Checksum) Trim(n int) (Checksum, error) {
	if n < 0 || n > len(c.raw) {
		return Checksum{}, fmt.Errorf("cannot trim %d-byte checksum %s to %d bytes", len(c.raw), c, n)
	}
	return Checksum{raw: c.raw[:n]}, nil
}

// FileKey identifies an encoded blob in archive storage (the "EKey").
type FileKey struct {
	Checksum
}

// NewFileKey copies b into a FileKey.
func NewFileKey(b []byte) FileKey { return FileKey{FromBytes(b)} }

// ParseFileKey decodes a hexadecimal file key.
func ParseFileKey(s string) (FileKey, error) {
	c, err := FromHex(s)
	return FileKey{c}, err
}

// Trim returns the first n bytes of the key.
func (k FileKey) Trim(n int) (FileKey, error) {
	c, err := k.Checksum.Trim(n)
	return FileKey{c}, err
}

// ContentKey identifies decoded file content (the content checksum, "CKey").
type ContentKey struct {
	Checksum
}

// NewContentKey copies b into a ContentKey.
func NewContentKey(b []byte) ContentKey { return ContentKey{FromBytes(b)} }

// ParseContentKey decodes a hexadecimal content key.
func ParseContentKey(s string) (ContentKey, error) {
	c, err := FromHex(s)
	return ContentKey{c}, err
}

// Trim returns the first n bytes of the key.
func (k ContentKey) Trim(n int) (ContentKey, error) {
	c, err := k.Checksum.Trim(n)
	return ContentKey{c}, err
}
