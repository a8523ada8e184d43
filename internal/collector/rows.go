package collector

import (
	"fmt"
	"time"

	"github.com/walwatch/walwatch/internal/pgvalue"
)

// Row is one decoded result row keyed by column name.
type Row = map[string]any

// rowReader reads typed columns from a Row and keeps the first error, so
// parsers can read every column and check once.
type rowReader struct {
	row Row
	err error
}

func newRowReader(row Row) *rowReader {
	return &rowReader{row: row}
}

func (r *rowReader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *rowReader) raw(col string) (any, bool) {
	v, ok := r.row[col]
	if !ok {
		r.fail(fmt.Errorf("missing column %q", col))
		return nil, false
	}
	return v, v != nil
}

func (r *rowReader) typeErr(col string, v any) {
	r.fail(fmt.Errorf("column %q: unexpected type %T", col, v))
}

// optString returns the text value and false for NULL.
func (r *rowReader) optString(col string) (string, bool) {
	v, ok := r.raw(col)
	if !ok {
		return "", false
	}
	s, isStr := v.(string)
	if !isStr {
		r.typeErr(col, v)
		return "", false
	}
	return s, true
}

// str returns the text value; NULL reads as "".
func (r *rowReader) str(col string) string {
	s, _ := r.optString(col)
	return s
}

// requiredString is str that rejects NULL.
func (r *rowReader) requiredString(col string) string {
	s, ok := r.optString(col)
	if !ok && r.err == nil {
		r.fail(fmt.Errorf("column %q is NULL", col))
	}
	return s
}

func (r *rowReader) int64(col string) int64 {
	n, ok := r.optInt64(col)
	if !ok && r.err == nil {
		r.fail(fmt.Errorf("column %q is NULL", col))
	}
	return n
}

// optInt64 returns the integer value and false for NULL.
func (r *rowReader) optInt64(col string) (int64, bool) {
	v, ok := r.raw(col)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int16:
		return int64(n), true
	case int:
		return int64(n), true
	case uint32:
		return int64(n), true
	default:
		r.typeErr(col, v)
		return 0, false
	}
}

func (r *rowReader) optTime(col string) *time.Time {
	v, ok := r.raw(col)
	if !ok {
		return nil
	}
	t, isTime := v.(time.Time)
	if !isTime {
		r.typeErr(col, v)
		return nil
	}
	return &t
}

func (r *rowReader) time(col string) time.Time {
	t := r.optTime(col)
	if t == nil {
		if r.err == nil {
			r.fail(fmt.Errorf("column %q is NULL", col))
		}
		return time.Time{}
	}
	return *t
}

func (r *rowReader) boolText(col string) bool {
	s := r.requiredString(col)
	if r.err != nil {
		return false
	}
	b, err := pgvalue.ParseBool(s)
	if err != nil {
		r.fail(err)
	}
	return b
}

// optLSN parses a text LSN column; NULL yields nil.
func (r *rowReader) optLSN(col string) *pgvalue.LSN {
	s, ok := r.optString(col)
	if !ok || r.err != nil {
		return nil
	}
	lsn, err := pgvalue.ParseLSN(s)
	if err != nil {
		r.fail(err)
		return nil
	}
	return &lsn
}

// optIntervalMillis parses a text interval column; NULL yields nil.
func (r *rowReader) optIntervalMillis(col string) *int64 {
	s, ok := r.optString(col)
	if !ok || r.err != nil {
		return nil
	}
	ms, err := pgvalue.ParseIntervalMillis(s)
	if err != nil {
		r.fail(err)
		return nil
	}
	return &ms
}

func readEnum[T ~string](r *rowReader, e pgvalue.Enum[T], col string) T {
	s := r.requiredString(col)
	if r.err != nil {
		var zero T
		return zero
	}
	v, err := e.Parse(s)
	if err != nil {
		r.fail(err)
	}
	return v
}
