// Package pgvalue decodes the textual formats PostgreSQL uses for WAL positions,
// pretty-printed sizes, intervals and enumerated columns, and renders them back.
package pgvalue

import (
	"fmt"
	"strconv"
	"strings"

	walerrors "github.com/walwatch/walwatch/internal/errors"
)

// LSN is a position in the WAL stream, as a monotonically increasing byte offset.
type LSN uint64

// ParseLSN parses the "XXXXXXXX/XXXXXXXX" form produced by pg_lsn output.
// Both halves are hexadecimal, at most 8 digits, case-insensitive.
func ParseLSN(s string) (LSN, error) {
	s = strings.TrimSpace(s)
	hi, lo, ok := strings.Cut(s, "/")
	if !ok || !validLSNHalf(hi) || !validLSNHalf(lo) {
		return 0, walerrors.NewParseError("lsn", s, walerrors.ErrUnparseableLSN)
	}

	h, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return 0, walerrors.NewParseError("lsn", s, walerrors.ErrUnparseableLSN)
	}
	l, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return 0, walerrors.NewParseError("lsn", s, walerrors.ErrUnparseableLSN)
	}

	return LSN(h<<32 | l), nil
}

func validLSNHalf(s string) bool {
	if len(s) == 0 || len(s) > 8 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// String renders the LSN the way PostgreSQL does: upper-case hex, no zero padding.
func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", uint32(l>>32), uint32(l))
}

// Hi returns the upper 32 bits (the logical WAL file id).
func (l LSN) Hi() uint32 { return uint32(l >> 32) }

// Lo returns the lower 32 bits (the offset within the logical WAL file).
func (l LSN) Lo() uint32 { return uint32(l) }

// Diff returns l - other in bytes. Negative when other is ahead of l.
func (l LSN) Diff(other LSN) int64 {
	return int64(l) - int64(other)
}

// MarshalText implements encoding.TextMarshaler so JSON shows "0/3B2C4A8".
func (l LSN) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *LSN) UnmarshalText(text []byte) error {
	v, err := ParseLSN(string(text))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// DefaultSegmentSize is the default wal_segment_size (16 MB).
const DefaultSegmentSize = 16 * 1024 * 1024

// SegmentFileName returns the name of the WAL segment file that contains l,
// matching pg_walfile_name(). segmentSize must be a power of two between 1 MB and 1 GB.
func (l LSN) SegmentFileName(timeline uint32, segmentSize uint64) string {
	if segmentSize == 0 {
		segmentSize = DefaultSegmentSize
	}
	segNo := uint64(l) / segmentSize
	segsPerID := uint64(0x100000000) / segmentSize
	return fmt.Sprintf("%08X%08X%08X", timeline, uint32(segNo/segsPerID), uint32(segNo%segsPerID))
}
