// Package health maps raw WAL metric values onto status levels.
//
// Every function here is pure: thresholds are passed in explicitly and no
// package state is read or written, so callers may classify concurrently.
package health

import (
	"fmt"
	"strings"
	"time"
)

// Status is the health level of one metric or dimension.
type Status int

const (
	Unknown Status = iota
	Good
	Warning
	Error
)

var statusNames = map[Status]string{
	Unknown: "unknown",
	Good:    "good",
	Warning: "warning",
	Error:   "error",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	for st, name := range statusNames {
		if strings.EqualFold(name, string(text)) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown health status %q", text)
}

// severity orders statuses for aggregation: Error > Warning > Unknown > Good.
func (s Status) severity() int {
	switch s {
	case Good:
		return 0
	case Unknown:
		return 1
	case Warning:
		return 2
	case Error:
		return 3
	default:
		return 1
	}
}

// Worse reports whether s dominates other when rolling statuses up.
func (s Status) Worse(other Status) bool {
	return s.severity() > other.severity()
}

// Worst returns the dominating status. With no arguments it returns Good.
func Worst(statuses ...Status) Status {
	worst := Good
	for _, s := range statuses {
		if s.Worse(worst) {
			worst = s
		}
	}
	return worst
}

// Thresholds holds every configurable boundary the classifiers use.
type Thresholds struct {
	LongTxDuration         time.Duration
	LongTxWalFloorBytes    int64
	SlotRetainedWarnBytes  int64
	SlotRetainedErrorBytes int64
	WalGrowthWarnBPS       float64
	WalGrowthErrorBPS      float64
}

const (
	mb = int64(1) << 20
	gb = int64(1) << 30
)

// DefaultThresholds returns the built-in boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LongTxDuration:         5 * time.Minute,
		LongTxWalFloorBytes:    10 * mb,
		SlotRetainedWarnBytes:  1 * gb,
		SlotRetainedErrorBytes: 5 * gb,
		WalGrowthWarnBPS:       float64(64*mb) / 60,
		WalGrowthErrorBPS:      float64(256*mb) / 60,
	}
}

// Metric names accepted by Classify.
type Metric string

const (
	MetricArchiver        Metric = "archiver"
	MetricSlot            Metric = "replication_slot"
	MetricReplicationPeer Metric = "replication_client"
	MetricLongTransaction Metric = "long_transaction"
	MetricWalGrowth       Metric = "wal_growth_rate"
)

// ArchiverValue is the input for MetricArchiver.
type ArchiverValue struct {
	Mode                   string
	FailedSinceLastArchive int64
}

// SlotValue is the input for MetricSlot.
type SlotValue struct {
	Active        bool
	Lost          bool
	RetainedBytes int64
}

// TransactionValue is the input for MetricLongTransaction. A nil
// WalRetainedBytes means the retained volume could not be estimated.
type TransactionValue struct {
	Duration         time.Duration
	WalRetainedBytes *int64
}

// Classify dispatches on metric name. A value of the wrong shape yields Unknown.
func Classify(metric Metric, value any, th Thresholds) Status {
	switch metric {
	case MetricArchiver:
		if v, ok := value.(ArchiverValue); ok {
			return ClassifyArchiver(v)
		}
	case MetricSlot:
		if v, ok := value.(SlotValue); ok {
			return ClassifySlot(v, th)
		}
	case MetricReplicationPeer:
		if v, ok := value.(string); ok {
			return ClassifyReplicationState(v)
		}
	case MetricLongTransaction:
		if v, ok := value.(TransactionValue); ok {
			if IsLongRunning(v, th) {
				return Warning
			}
			return Good
		}
	case MetricWalGrowth:
		if v, ok := value.(float64); ok {
			return ClassifyWalGrowth(v, th)
		}
	}
	return Unknown
}

// ClassifyArchiver: any failure since the last successful archive is an error.
// Archiving switched off is a warning since point-in-time recovery is impossible.
func ClassifyArchiver(v ArchiverValue) Status {
	if v.FailedSinceLastArchive > 0 {
		return Error
	}
	if v.Mode == "off" {
		return Warning
	}
	return Good
}

// ClassifySlot flags inactive slots by retained WAL. Active slots are consumed
// continuously and are only an error once their WAL has been removed.
func ClassifySlot(v SlotValue, th Thresholds) Status {
	if v.Lost {
		return Error
	}
	if v.Active {
		return Good
	}
	switch {
	case v.RetainedBytes > th.SlotRetainedErrorBytes:
		return Error
	case v.RetainedBytes > th.SlotRetainedWarnBytes:
		return Warning
	default:
		return Good
	}
}

// ClassifyReplicationState: a standby that is not streaming is falling behind or
// not yet attached.
func ClassifyReplicationState(state string) Status {
	if state == "streaming" {
		return Good
	}
	return Warning
}

// IsLongRunning requires both conditions: the transaction outlived the duration
// threshold and it pins more WAL than the floor.
func IsLongRunning(v TransactionValue, th Thresholds) bool {
	if v.WalRetainedBytes == nil {
		return false
	}
	return v.Duration > th.LongTxDuration && *v.WalRetainedBytes > th.LongTxWalFloorBytes
}

// ClassifyWalGrowth classifies a WAL generation rate in bytes per second.
func ClassifyWalGrowth(bytesPerSecond float64, th Thresholds) Status {
	switch {
	case bytesPerSecond > th.WalGrowthErrorBPS:
		return Error
	case bytesPerSecond > th.WalGrowthWarnBPS:
		return Warning
	default:
		return Good
	}
}

// ClassifySetting grades a WAL-related server parameter by its current value.
func ClassifySetting(name, value string) Status {
	switch name {
	case "archive_mode":
		switch value {
		case "on", "always":
			return Good
		case "off":
			return Warning
		}
		return Error
	case "wal_level":
		switch value {
		case "replica", "logical":
			return Good
		case "minimal":
			return Warning
		}
		return Error
	case "wal_keep_size", "wal_keep_segments":
		if value == "0" {
			return Warning
		}
		return Good
	case "archive_command":
		return Good
	default:
		return Good
	}
}
