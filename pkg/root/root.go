// Package root parses the classic CASC Root file, which maps filename
// hashes to content keys. A hash may carry several entries, one per
// locale or content variant.
package root

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/user/cascgo/pkg/cascerr"
	"github.com/user/cascgo/pkg/checksum"
)

const (
	manifestMagic   = "TSFM"
	blockHeaderSize = 12
	recordSize      = checksum.MD5Size + 8
	formatName      = "root"
)

// Locale is a bit in a block's locale mask.
type Locale uint32

const (
	LocaleEnUS Locale = 0x2
	LocaleKoKR Locale = 0x4
	LocaleFrFR Locale = 0x10
	LocaleDeDE Locale = 0x20
	LocaleZhCN Locale = 0x40
	LocaleEsES Locale = 0x80
	LocaleZhTW Locale = 0x100
	LocaleEnGB Locale = 0x200
	LocaleEnCN Locale = 0x400
	LocaleEnTW Locale = 0x800
	LocaleEsMX Locale = 0x1000
	LocaleRuRU Locale = 0x2000
	LocalePtBR Locale = 0x4000
	LocaleItIT Locale = 0x8000
	LocalePtPT Locale = 0x10000

	LocaleAll Locale = 0xFFFFFFFF
)

var localeNames = map[string]Locale{
	"enus": LocaleEnUS,
	"kokr": LocaleKoKR,
	"frfr": LocaleFrFR,
	"dede": LocaleDeDE,
	"zhcn": LocaleZhCN,
	"eses": LocaleEsES,
	"zhtw": LocaleZhTW,
	"engb": LocaleEnGB,
	"encn": LocaleEnCN,
	"entw": LocaleEnTW,
	"esmx": LocaleEsMX,
	"ruru": LocaleRuRU,
	"ptbr": LocalePtBR,
	"itit": LocaleItIT,
	"ptpt": LocalePtPT,
	"all":  LocaleAll,
}

// ParseLocale maps a name such as "enUS" to its flag. The empty string
// means every locale.
func ParseLocale(name string) (Locale, error) {
	if name == "" {
		return LocaleAll, nil
	}
	l, ok := localeNames[strings.ToLower(name)]
	if !ok {
		return 0, fmt.Errorf("unknown locale %q", name)
	}
	return l, nil
}

// Entry is one Root record.
type Entry struct {
	FilenameHash uint64
	ContentKey   checksum.ContentKey
	BlockFlags   uint64 // locale mask
	BlockUnknown uint64 // content flags
	EntryUnknown uint64 // file data id delta
}

// Locale returns the entry's locale mask.
func (e Entry) Locale() Locale { return Locale(e.BlockFlags) }

// Root is a parsed Root file. It is read-only after Parse.
type Root struct {
	order   []uint64
	entries map[uint64][]Entry
	count   int
}

// Parse decodes a classic block-format Root file. Newer manifest-format
// roots are rejected.
func Parse(data []byte) (*Root, error) {
	if len(data) >= 4 && string(data[:4]) == manifestMagic {
		return nil, cascerr.Malformed(formatName, "manifest format roots are not supported")
	}

	r := &Root{entries: make(map[uint64][]Entry)}
	for pos, block := 0, 0; pos < len(data); block++ {
		if pos+blockHeaderSize > len(data) {
			return nil, cascerr.Malformed(formatName, "block %d header at %d overruns the %d-byte file", block, pos, len(data))
		}
		count := int(binary.LittleEndian.Uint32(data[pos : pos+4]))
		contentFlags := binary.LittleEndian.Uint32(data[pos+4 : pos+8])
		localeFlags := binary.LittleEndian.Uint32(data[pos+8 : pos+12])
		pos += blockHeaderSize

		if count < 0 || count > (len(data)-pos)/(4+recordSize) {
			return nil, cascerr.Malformed(formatName, "block %d declares %d records past the end of the file", block, count)
		}
		ids := data[pos : pos+4*count]
		pos += 4 * count
		for i := 0; i < count; i++ {
			rec := data[pos+i*recordSize : pos+(i+1)*recordSize]
			r.add(Entry{
				FilenameHash: binary.LittleEndian.Uint64(rec[checksum.MD5Size:]),
				ContentKey:   checksum.NewContentKey(rec[:checksum.MD5Size]),
				BlockFlags:   uint64(localeFlags),
				BlockUnknown: uint64(contentFlags),
				EntryUnknown: uint64(binary.LittleEndian.Uint32(ids[i*4 : i*4+4])),
			})
		}
		pos += count * recordSize
	}
	return r, nil
}

func (r *Root) add(e Entry) {
	if _, ok := r.entries[e.FilenameHash]; !ok {
		r.order = append(r.order, e.FilenameHash)
	}
	r.entries[e.FilenameHash] = append(r.entries[e.FilenameHash], e)
	r.count++
}

// Entries returns every entry recorded for hash, in file order.
func (r *Root) Entries(hash uint64) []Entry {
	return append([]Entry(nil), r.entries[hash]...)
}

// Has reports whether hash has at least one entry.
func (r *Root) Has(hash uint64) bool {
	return len(r.entries[hash]) > 0
}

// Hashes returns the distinct filename hashes in file order.
func (r *Root) Hashes() []uint64 {
	return append([]uint64(nil), r.order...)
}

// Len returns the total number of entries.
func (r *Root) Len() int { return r.count }

// Prefer orders entries so those whose locale mask intersects locale come
// first. Relative order is otherwise kept.
func Prefer(entries []Entry, locale Locale) []Entry {
	out := append([]Entry(nil), entries...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Locale()&locale != 0 && out[j].Locale()&locale == 0
	})
	return out
}
