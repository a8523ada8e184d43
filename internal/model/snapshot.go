package model

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	walerrors "github.com/walwatch/walwatch/internal/errors"
	"github.com/walwatch/walwatch/internal/health"
	"github.com/walwatch/walwatch/internal/pgvalue"
)

// ErrorKind classifies a field-level error marker.
type ErrorKind string

const (
	KindConnection  ErrorKind = "connection"
	KindQuery       ErrorKind = "query"
	KindParse       ErrorKind = "parse"
	KindUnavailable ErrorKind = "unavailable"
)

// FieldError marks a snapshot field that could not be collected.
type FieldError struct {
	Query   string    `json:"query,omitempty"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`

	cause error
}

// NewFieldError converts a collection error into a field marker, keeping err
// reachable through errors.Is / errors.As.
func NewFieldError(err error) *FieldError {
	fe := &FieldError{
		Query:   walerrors.QueryName(err),
		Kind:    KindQuery,
		Message: err.Error(),
		cause:   err,
	}
	var pe *walerrors.ParseError
	switch {
	case walerrors.IsConnectionError(err), errors.Is(err, walerrors.ErrNotConnected), errors.Is(err, walerrors.ErrBackoffActive):
		fe.Kind = KindConnection
	case errors.As(err, &pe):
		fe.Kind = KindParse
	}
	return fe
}

// Unavailable marks a field that has no value for a reason other than a failure,
// such as a derived metric on the first cycle.
func Unavailable(message string) *FieldError {
	return &FieldError{Kind: KindUnavailable, Message: message}
}

func (e *FieldError) Error() string {
	if e.Query != "" {
		return e.Query + ": " + e.Message
	}
	return e.Message
}

func (e *FieldError) Unwrap() error {
	return e.cause
}

// Result is either a collected value or an error marker, never both.
type Result[T any] struct {
	Value T
	Err   *FieldError
}

// OK wraps a collected value.
func OK[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

// Failed wraps a collection error.
func Failed[T any](err error) Result[T] {
	return Result[T]{Err: NewFieldError(err)}
}

// Missing wraps an existing marker.
func Missing[T any](fe *FieldError) Result[T] {
	return Result[T]{Err: fe}
}

// Ok reports whether the value was collected.
func (r Result[T]) Ok() bool {
	return r.Err == nil
}

// Get returns the value and whether it is valid.
func (r Result[T]) Get() (T, bool) {
	return r.Value, r.Err == nil
}

func (r Result[T]) MarshalJSON() ([]byte, error) {
	if r.Err != nil {
		return json.Marshal(struct {
			Error *FieldError `json:"error"`
		}{r.Err})
	}
	return json.Marshal(struct {
		Value T `json:"value"`
	}{r.Value})
}

func (r *Result[T]) UnmarshalJSON(data []byte) error {
	var raw struct {
		Value json.RawMessage `json:"value"`
		Error *FieldError     `json:"error"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Error != nil {
		*r = Result[T]{Err: raw.Error}
		return nil
	}
	var v T
	if len(raw.Value) > 0 {
		if err := json.Unmarshal(raw.Value, &v); err != nil {
			return err
		}
	}
	*r = Result[T]{Value: v}
	return nil
}

// WalPosition is the server's current write (or replay, on a standby) position.
type WalPosition struct {
	LSN      pgvalue.LSN `json:"lsn"`
	Timeline uint32      `json:"timeline"`
	WalFile  string      `json:"wal_file"`
}

// WalGrowth is the WAL generation rate between two consecutive snapshots.
type WalGrowth struct {
	BytesPerSecond float64 `json:"bytes_per_second"`
	BytesPerMinute string  `json:"bytes_per_minute"`
	WindowMS       int64   `json:"window_ms"`
}

// HealthReport holds one status per dimension plus their roll-up.
type HealthReport struct {
	Archiving    health.Status `json:"archiving"`
	Replication  health.Status `json:"replication"`
	WalGrowth    health.Status `json:"wal_growth"`
	Transactions health.Status `json:"transactions"`
	Overall      health.Status `json:"overall"`
}

// Dimensions returns the per-dimension statuses keyed by name.
func (h HealthReport) Dimensions() map[string]health.Status {
	return map[string]health.Status{
		"archiving":    h.Archiving,
		"replication":  h.Replication,
		"wal_growth":   h.WalGrowth,
		"transactions": h.Transactions,
	}
}

// WalSnapshot is the result of one collection cycle for one target.
// A snapshot is never modified after it has been stored.
type WalSnapshot struct {
	CollectionID  uuid.UUID   `json:"collection_id"`
	TargetID      string      `json:"target_id"`
	CollectedAt   time.Time   `json:"collected_at"`
	CycleMS       int64       `json:"cycle_ms"`
	ConnectionErr *FieldError `json:"connection_error,omitempty"`

	Server       Result[ServerStatus]        `json:"server"`
	Position     Result[WalPosition]         `json:"position"`
	WalDir       Result[WalDirStats]         `json:"wal_dir"`
	Growth       Result[WalGrowth]           `json:"growth"`
	Settings     Result[[]WalConfigParam]    `json:"settings"`
	Archiver     Result[ArchiverState]       `json:"archiver"`
	Slots        Result[[]ReplicationSlot]   `json:"slots"`
	Replication  Result[[]ReplicationClient] `json:"replication"`
	Transactions Result[[]LongTransaction]   `json:"transactions"`

	Health HealthReport `json:"health"`
}

// Age returns how long ago the snapshot was taken.
func (s *WalSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.CollectedAt)
}

// IsStale reports whether the snapshot is older than twice the polling interval.
func (s *WalSnapshot) IsStale(now time.Time, interval time.Duration) bool {
	return s.Age(now) > 2*interval
}

// Overview is the condensed summary shown on a dashboard landing page.
type Overview struct {
	TargetID          string        `json:"target_id"`
	CollectedAt       time.Time     `json:"collected_at"`
	ServerRole        string        `json:"server_role,omitempty"`
	CurrentLSN        string        `json:"current_lsn,omitempty"`
	CurrentWalFile    string        `json:"current_wal_file,omitempty"`
	WalDirSize        string        `json:"wal_dir_size,omitempty"`
	WalFiles          *int64        `json:"wal_files,omitempty"`
	ArchiveMode       ArchiveMode   `json:"archive_mode,omitempty"`
	FailedArchives    *int64        `json:"failed_archives,omitempty"`
	ActiveSlots       *int          `json:"active_slots,omitempty"`
	InactiveSlots     *int          `json:"inactive_slots,omitempty"`
	LongTransactions  *int          `json:"long_transactions,omitempty"`
	Overall           health.Status `json:"overall"`
	Stale             bool          `json:"stale"`
	ConnectionProblem string        `json:"connection_problem,omitempty"`
}

// Overview condenses the snapshot. Fields whose source failed are left empty.
func (s *WalSnapshot) Overview(now time.Time, interval time.Duration) Overview {
	ov := Overview{
		TargetID:    s.TargetID,
		CollectedAt: s.CollectedAt,
		Overall:     s.Health.Overall,
		Stale:       s.IsStale(now, interval),
	}
	if s.ConnectionErr != nil {
		ov.ConnectionProblem = s.ConnectionErr.Message
	}
	if srv, ok := s.Server.Get(); ok {
		ov.ServerRole = srv.Role
	}
	if pos, ok := s.Position.Get(); ok {
		ov.CurrentLSN = pos.LSN.String()
		ov.CurrentWalFile = pos.WalFile
	}
	if dir, ok := s.WalDir.Get(); ok {
		ov.WalDirSize = dir.BytesDisplay
		files := dir.Files
		ov.WalFiles = &files
	}
	if arch, ok := s.Archiver.Get(); ok {
		ov.ArchiveMode = arch.Mode
		failed := arch.FailedSinceLastArchive
		ov.FailedArchives = &failed
	}
	if slots, ok := s.Slots.Get(); ok {
		var active, inactive int
		for _, sl := range slots {
			if sl.Active {
				active++
			} else {
				inactive++
			}
		}
		ov.ActiveSlots, ov.InactiveSlots = &active, &inactive
	}
	if txs, ok := s.Transactions.Get(); ok {
		n := 0
		for _, tx := range txs {
			if tx.LongRunning {
				n++
			}
		}
		ov.LongTransactions = &n
	}
	return ov
}
