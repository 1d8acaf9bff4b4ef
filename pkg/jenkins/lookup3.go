// Package jenkins implements Bob Jenkins' lookup3 hash as used by CASC.
//
// The local index header checksum uses HashLittle and filename identities
// use the 64-bit combination of both HashLittle2 outputs.
package jenkins

import (
	"math/bits"
	"strings"
)

func rot(x uint32, k int) uint32 { return bits.RotateLeft32(x, k) }

func mix(a, b, c uint32) (uint32, uint32, uint32) {
	a -= c
	a ^= rot(c, 4)
	c += b
	b -= a
	b ^= rot(a, 6)
	a += c
	c -= b
	c ^= rot(b, 8)
	b += a
	a -= c
	a ^= rot(c, 16)
	c += b
	b -= a
	b ^= rot(a, 19)
	a += c
	c -= b
	c ^= rot(b, 4)
	b += a
	return a, b, c
}

func final(a, b, c uint32) (uint32, uint32, uint32) {
	c ^= b
	c -= rot(b, 14)
	a ^= c
	a -= rot(c, 11)
	b ^= a
	b -= rot(a, 25)
	c ^= b
	c -= rot(b, 16)
	a ^= c
	a -= rot(c, 4)
	b ^= a
	b -= rot(a, 14)
	c ^= b
	c -= rot(b, 24)
	return a, b, c
}

func le32(k []byte) uint32 {
	var v uint32
	for i := len(k) - 1; i >= 0; i-- {
		v = v<<8 | uint32(k[i])
	}
	return v
}

// HashLittle2 returns the primary (pc) and secondary (pb) 32-bit hashes of
// data, seeded with pc and pb.
func HashLittle2(data []byte, pc, pb uint32) (uint32, uint32) {
	a := 0xdeadbeef + uint32(len(data)) + pc
	b := a
	c := a + pb

	k := data
	for len(k) > 12 {
		a += le32(k[0:4])
		b += le32(k[4:8])
		c += le32(k[8:12])
		a, b, c = mix(a, b, c)
		k = k[12:]
	}
	if len(k) == 0 {
		return c, b
	}

	// Tail bytes are added as a little-endian zero-padded read.
	switch {
	case len(k) > 8:
		c += le32(k[8:])
		b += le32(k[4:8])
		a += le32(k[0:4])
	case len(k) > 4:
		b += le32(k[4:])
		a += le32(k[0:4])
	default:
		a += le32(k)
	}
	_, b, c = final(a, b, c)
	return c, b
}

// HashLittle returns the 32-bit lookup3 hash of data.
func HashLittle(data []byte, initval uint32) uint32 {
	c, _ := HashLittle2(data, initval, 0)
	return c
}

// NormalizeFilename converts a path to the form CASC hashes: backslash
// separated and upper case.
func NormalizeFilename(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "/", `\`))
}

// asciiBytes maps every non-ASCII rune to '?'.
func asciiBytes(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0x7f {
			r = '?'
		}
		out = append(out, byte(r))
	}
	return out
}

// FilenameHash returns the 64-bit identity of a filename: the normalized
// name is hashed with HashLittle2 and the two halves are combined as
// pc<<32 | pb.
func FilenameHash(name string) uint64 {
	pc, pb := HashLittle2(asciiBytes(NormalizeFilename(name)), 0, 0)
	return uint64(pc)<<32 | uint64(pb)
}
