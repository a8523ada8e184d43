// Package errors provides the typed errors used across the WAL collector.
//
// Sentinel Errors:
//   - ErrBackoffActive: a reconnect was requested before the backoff window elapsed
//   - ErrNotConnected: no live session exists for the target
//   - ErrUnparseableLSN, ErrUnparseableSize, ErrUnparseableDuration, ErrUnexpectedEnumValue:
//     a PostgreSQL textual value did not match its expected format
//   - ErrInvalidTarget, ErrTargetNotFound, ErrTargetExists: target registry failures
//
// Typed Errors:
//   - ConnectionError: network, auth or timeout failure reaching a target (retried with backoff)
//   - QueryError: one metric query failed (embedded in the snapshot, collection continues)
//   - ParseError: malformed PostgreSQL value (always surfaced wrapped in a QueryError)
//   - ConfigError: invalid target definition (rejected at registration)
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Use errors.Is() to check for these conditions.
var (
	ErrBackoffActive = errors.New("connection backoff active")
	ErrNotConnected  = errors.New("not connected")
	ErrSessionInUse  = errors.New("session already leased")

	ErrUnparseableLSN      = errors.New("unparseable LSN")
	ErrUnparseableSize     = errors.New("unparseable size")
	ErrUnparseableDuration = errors.New("unparseable duration")
	ErrUnexpectedEnumValue = errors.New("unexpected enum value")

	ErrInvalidTarget  = errors.New("invalid target")
	ErrTargetNotFound = errors.New("target not found")
	ErrTargetExists   = errors.New("target already registered")
)

// ConnectionError represents a failure to obtain a usable session for a target.
type ConnectionError struct {
	TargetID string // Target the connection belongs to
	Op       string // Operation that failed (e.g. "connect", "ping", "acquire")
	Err      error  // Underlying error
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(targetID, op string, err error) *ConnectionError {
	return &ConnectionError{TargetID: targetID, Op: op, Err: err}
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error for target %s during %s: %v", e.TargetID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is reports whether target matches this error type.
func (e *ConnectionError) Is(target error) bool {
	_, ok := target.(*ConnectionError)
	return ok
}

// QueryError represents the failure of a single metric query.
type QueryError struct {
	Query string // Name of the metric query, not its SQL text
	Err   error  // Underlying driver or parse error
}

// NewQueryError creates a new QueryError.
func NewQueryError(query string, err error) *QueryError {
	return &QueryError{Query: query, Err: err}
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	return fmt.Sprintf("query %s failed: %v", e.Query, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *QueryError) Unwrap() error {
	return e.Err
}

// Is reports whether target matches this error type.
func (e *QueryError) Is(target error) bool {
	_, ok := target.(*QueryError)
	return ok
}

// ParseError represents a PostgreSQL textual value that could not be decoded.
type ParseError struct {
	Kind  string // Value kind ("lsn", "size", "interval", or the enum name)
	Value string // Raw input, truncated for long values
	Err   error  // One of the ErrUnparseable* sentinels
}

// valueMaxLen bounds the raw value echoed in error messages.
const valueMaxLen = 64

// NewParseError creates a new ParseError.
func NewParseError(kind, value string, err error) *ParseError {
	if len(value) > valueMaxLen {
		value = value[:valueMaxLen] + "..."
	}
	return &ParseError{Kind: kind, Value: value, Err: err}
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("%v: %s %q", e.Err, e.Kind, e.Value)
}

// Unwrap returns the sentinel error for errors.Is support.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// Is reports whether target matches this error type.
func (e *ParseError) Is(target error) bool {
	_, ok := target.(*ParseError)
	return ok
}

// FieldViolation describes one invalid field of a configuration object.
type FieldViolation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ConfigError represents an invalid target definition.
type ConfigError struct {
	Violations []FieldViolation
}

// NewConfigError creates a ConfigError with a single violation.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Violations: []FieldViolation{{Field: field, Message: message}}}
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if len(e.Violations) == 0 {
		return "invalid target"
	}
	messages := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		messages[i] = fmt.Sprintf("%s: %s", v.Field, v.Message)
	}
	return fmt.Sprintf("invalid target: %s", strings.Join(messages, "; "))
}

// Unwrap returns ErrInvalidTarget for errors.Is support.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidTarget
}

// IsConnectionError reports whether err is or wraps a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// QueryName extracts the originating query name from err, if any.
func QueryName(err error) string {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Query
	}
	return ""
}
