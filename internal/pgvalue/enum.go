package pgvalue

import (
	"slices"

	walerrors "github.com/walwatch/walwatch/internal/errors"
)

// Enum is an explicit allow-list for a text column. Values outside the list are
// rejected instead of being mapped to a default.
type Enum[T ~string] struct {
	kind    string
	allowed []T
}

// NewEnum declares the accepted spellings for a column of the given kind.
func NewEnum[T ~string](kind string, values ...T) Enum[T] {
	return Enum[T]{kind: kind, allowed: values}
}

// Parse maps s onto one of the allowed values.
func (e Enum[T]) Parse(s string) (T, error) {
	v := T(s)
	if slices.Contains(e.allowed, v) {
		return v, nil
	}
	var zero T
	return zero, walerrors.NewParseError(e.kind, s, walerrors.ErrUnexpectedEnumValue)
}

// Values returns the allowed values in declaration order.
func (e Enum[T]) Values() []T {
	return slices.Clone(e.allowed)
}

// Kind returns the column kind used in error messages.
func (e Enum[T]) Kind() string {
	return e.kind
}

var boolSpellings = map[string]bool{
	"on":    true,
	"off":   false,
	"true":  true,
	"false": false,
	"t":     true,
	"f":     false,
}

// ParseBool parses the boolean spellings PostgreSQL emits for settings and
// text-cast boolean columns.
func ParseBool(s string) (bool, error) {
	v, ok := boolSpellings[s]
	if !ok {
		return false, walerrors.NewParseError("bool", s, walerrors.ErrUnexpectedEnumValue)
	}
	return v, nil
}
