package pgvalue

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	walerrors "github.com/walwatch/walwatch/internal/errors"
)

// Binary multipliers for the units pg_size_pretty emits.
var sizeUnits = map[string]int64{
	"bytes": 1,
	"kB":    1 << 10,
	"MB":    1 << 20,
	"GB":    1 << 30,
	"TB":    1 << 40,
}

// sizeMagnitude is the number format pg_size_pretty prints.
var sizeMagnitude = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)

// ParseSize converts a pg_size_pretty string ("145 MB", "2.4 GB", "8192 bytes")
// into bytes using 1024-based units. Fractional magnitudes are rounded to the
// nearest byte. Unit names are case-sensitive, as PostgreSQL prints them.
func ParseSize(s string) (int64, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0, walerrors.NewParseError("size", s, walerrors.ErrUnparseableSize)
	}

	mult, ok := sizeUnits[fields[1]]
	if !ok || !sizeMagnitude.MatchString(fields[0]) {
		return 0, walerrors.NewParseError("size", s, walerrors.ErrUnparseableSize)
	}

	if mult == 1 {
		n, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return 0, walerrors.NewParseError("size", s, walerrors.ErrUnparseableSize)
		}
		return n, nil
	}

	f, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, walerrors.NewParseError("size", s, walerrors.ErrUnparseableSize)
	}

	v := math.Round(f * float64(mult))
	if v >= math.MaxInt64 || v <= math.MinInt64 {
		return 0, walerrors.NewParseError("size", s, walerrors.ErrUnparseableSize)
	}
	return int64(v), nil
}

// FormatSize renders bytes exactly as pg_size_pretty(bigint) does: values below
// 10 kB are printed in bytes, larger values in the biggest unit that keeps the
// magnitude under 20480, rounded half away from zero.
func FormatSize(size int64) string {
	const limit = 10 * 1024
	const limit2 = limit*2 - 1

	if abs64(size) < limit {
		return fmt.Sprintf("%d bytes", size)
	}

	// keep one extra bit for rounding
	size >>= 9
	for _, unit := range []string{"kB", "MB", "GB"} {
		if abs64(size) < limit2 {
			return fmt.Sprintf("%d %s", halfRounded(size), unit)
		}
		size >>= 10
	}
	return fmt.Sprintf("%d TB", halfRounded(size))
}

func halfRounded(x int64) int64 {
	if x < 0 {
		return (x - 1) / 2
	}
	return (x + 1) / 2
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
