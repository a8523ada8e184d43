package pgvalue

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	walerrors "github.com/walwatch/walwatch/internal/errors"
)

const (
	msPerSecond = int64(1000)
	msPerMinute = 60 * msPerSecond
	msPerHour   = 60 * msPerMinute
	msPerDay    = 24 * msPerHour
)

// Interval field widths follow EXTRACT(epoch FROM interval): a month is 30 days
// and a year is 365.25 days.
var intervalUnits = map[string]int64{
	"year":  msPerDay*365 + msPerDay/4,
	"years": msPerDay*365 + msPerDay/4,
	"mon":   30 * msPerDay,
	"mons":  30 * msPerDay,
	"day":   msPerDay,
	"days":  msPerDay,
}

// ParseIntervalMillis parses an interval printed with IntervalStyle "postgres",
// for example "00:10:00.5", "2 days 03:04:05" or "1 year 2 mons", into
// milliseconds. Fractional milliseconds are truncated. Negative components or
// any other shape fail with ErrUnparseableDuration.
func ParseIntervalMillis(s string) (int64, error) {
	fail := func() (int64, error) {
		return 0, walerrors.NewParseError("interval", s, walerrors.ErrUnparseableDuration)
	}

	tokens := strings.Fields(s)
	if len(tokens) == 0 {
		return fail()
	}

	var total int64
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]

		if strings.Contains(tok, ":") {
			if i != len(tokens)-1 {
				return fail()
			}
			ms, ok := parseClock(tok)
			if !ok {
				return fail()
			}
			total += ms
			continue
		}

		if i+1 >= len(tokens) {
			return fail()
		}
		n, ok := parseNonNegative(tok)
		if !ok {
			return fail()
		}
		width, ok := intervalUnits[tokens[i+1]]
		if !ok {
			return fail()
		}
		total += n * width
		i++
	}

	return total, nil
}

// ParseInterval is ParseIntervalMillis returned as a time.Duration.
func ParseInterval(s string) (time.Duration, error) {
	ms, err := ParseIntervalMillis(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// parseClock parses "HH:MM:SS[.ffffff]"; hours may exceed 23.
func parseClock(s string) (int64, bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, false
	}

	hours, ok := parseNonNegative(parts[0])
	if !ok {
		return 0, false
	}
	minutes, ok := parseNonNegative(parts[1])
	if !ok || minutes > 59 || len(parts[1]) != 2 {
		return 0, false
	}

	secPart, fracPart, hasFrac := strings.Cut(parts[2], ".")
	seconds, ok := parseNonNegative(secPart)
	if !ok || seconds > 59 || len(secPart) != 2 {
		return 0, false
	}

	var millis int64
	if hasFrac {
		if fracPart == "" || len(fracPart) > 6 {
			return 0, false
		}
		digits := (fracPart + "000")[:3]
		if _, ok := parseNonNegative(fracPart); !ok {
			return 0, false
		}
		millis, _ = parseNonNegative(digits)
	}

	return hours*msPerHour + minutes*msPerMinute + seconds*msPerSecond + millis, true
}

func parseNonNegative(s string) (int64, bool) {
	if s == "" || s[0] == '-' || s[0] == '+' {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// FormatMillis renders a millisecond duration compactly ("2h 5m", "45s", "120ms")
// for display next to the raw value.
func FormatMillis(ms int64) string {
	if ms < msPerSecond {
		return fmt.Sprintf("%dms", ms)
	}
	d := ms / msPerDay
	h := (ms % msPerDay) / msPerHour
	m := (ms % msPerHour) / msPerMinute
	sec := (ms % msPerMinute) / msPerSecond

	switch {
	case d > 0:
		return fmt.Sprintf("%dd %dh %dm", d, h, m)
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, sec)
	default:
		return fmt.Sprintf("%ds", sec)
	}
}
