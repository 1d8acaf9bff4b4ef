// Package cascerr holds the error taxonomy shared by the CASC readers.
//
// Structural problems wrap ErrMalformed and integrity failures wrap
// ErrChecksumMismatch. Missing chain hops wrap ErrNotFound; a table the
// chain cannot work without (index files, Encoding, Root) wraps
// ErrMissingResource instead, so a broken installation never looks like
// an absent file. I/O errors are never converted and reach callers
// wrapped but intact.
package cascerr

import (
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrMalformed reports bad magic, bad version or a fixed-constant mismatch.
	ErrMalformed = errors.New("malformed archive data")

	// ErrChecksumMismatch reports a failed segment, chunk or header integrity check.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrNotFound reports a filename, hash or key without a resolution.
	ErrNotFound = errors.New("entry not found")

	// ErrMissingResource reports that storage lacks a table every lookup
	// depends on.
	ErrMissingResource = errors.New("storage resource missing")
)

// FormatError describes a structural violation in a named binary format.
type FormatError struct {
	Format string
	Reason string
}

// Malformed builds a *FormatError with a formatted reason.
func Malformed(format, reason string, args ...any) error {
	return &FormatError{Format: format, Reason: fmt.Sprintf(reason, args...)}
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: %s", e.Format, e.Reason)
}

func (e *FormatError) Unwrap() error { return ErrMalformed }

// ChecksumError reports which integrity check failed, with both digests.
type ChecksumError struct {
	What     string
	Expected []byte
	Actual   []byte
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("%s: checksum mismatch (expected %s, got %s)",
		e.What, hex.EncodeToString(e.Expected), hex.EncodeToString(e.Actual))
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// NotFound wraps ErrNotFound with a description of the missing entry.
func NotFound(what string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(what, args...), ErrNotFound)
}

// MissingResource wraps ErrMissingResource with a description of the
// absent table.
func MissingResource(what string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(what, args...), ErrMissingResource)
}

// IsNotFound reports whether err is a missing-entry result.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
