package model

import (
	"time"

	"github.com/walwatch/walwatch/internal/health"
	"github.com/walwatch/walwatch/internal/pgvalue"
)

type SlotType string

const (
	SlotPhysical SlotType = "physical"
	SlotLogical  SlotType = "logical"
)

// WalStatus is pg_replication_slots.wal_status.
type WalStatus string

const (
	WalReserved   WalStatus = "reserved"
	WalExtended   WalStatus = "extended"
	WalUnreserved WalStatus = "unreserved"
	WalLost       WalStatus = "lost"
)

// ReplicationState is pg_stat_replication.state.
type ReplicationState string

// SyncState is pg_stat_replication.sync_state.
type SyncState string

// BackendState is pg_stat_activity.state.
type BackendState string

// ArchiveMode is the archive_mode setting.
type ArchiveMode string

const (
	ArchiveOn     ArchiveMode = "on"
	ArchiveOff    ArchiveMode = "off"
	ArchiveAlways ArchiveMode = "always"
)

// Allow-lists for every enumerated column the collector reads.
var (
	SlotTypes         = pgvalue.NewEnum[SlotType]("slot_type", SlotPhysical, SlotLogical)
	WalStatuses       = pgvalue.NewEnum[WalStatus]("wal_status", WalReserved, WalExtended, WalUnreserved, WalLost)
	ReplicationStates = pgvalue.NewEnum[ReplicationState]("replication_state", "startup", "catchup", "streaming", "backup", "stopping")
	SyncStates        = pgvalue.NewEnum[SyncState]("sync_state", "async", "potential", "sync", "quorum")
	BackendStates     = pgvalue.NewEnum[BackendState]("backend_state",
		"active", "idle", "idle in transaction", "idle in transaction (aborted)", "fastpath function call", "disabled")
	ArchiveModes = pgvalue.NewEnum[ArchiveMode]("archive_mode", ArchiveOn, ArchiveOff, ArchiveAlways)
)

// ServerStatus describes the instance itself.
type ServerStatus struct {
	InRecovery bool      `json:"in_recovery"`
	Role       string    `json:"role"`
	StartedAt  time.Time `json:"started_at"`
	Version    string    `json:"version"`
}

// WalDirStats is the content of pg_wal.
type WalDirStats struct {
	Files        int64  `json:"files"`
	Bytes        int64  `json:"bytes"`
	BytesDisplay string `json:"bytes_display"`
}

// WalConfigParam is one WAL-related server setting.
type WalConfigParam struct {
	Name    string        `json:"name"`
	Setting string        `json:"setting"`
	Unit    string        `json:"unit,omitempty"`
	Display string        `json:"display"`
	Status  health.Status `json:"status"`
}

// ArchiverState is pg_stat_archiver plus the derived failure count.
type ArchiverState struct {
	Mode                   ArchiveMode `json:"mode"`
	ArchivedCount          int64       `json:"archived_count"`
	LastArchivedWal        string      `json:"last_archived_wal,omitempty"`
	LastArchivedAt         *time.Time  `json:"last_archived_at,omitempty"`
	FailedCount            int64       `json:"failed_count"`
	LastFailedWal          string      `json:"last_failed_wal,omitempty"`
	LastFailedAt           *time.Time  `json:"last_failed_at,omitempty"`
	StatsReset             *time.Time  `json:"stats_reset,omitempty"`
	FailedAtLastArchive    int64       `json:"failed_count_at_last_archive"`
	FailedSinceLastArchive int64       `json:"failed_since_last_archive"`
}

// CountFailures sets FailedSinceLastArchive. failed_count is cumulative, so
// the failures after the last success are failed_count minus its value when
// that success happened. The server does not keep that value; it is carried
// forward from prev, the previous snapshot's state (nil when there is none).
//
// Without a usable baseline the result is a bound: every failure when the
// server has never archived, otherwise the failures since prev, or 1 when
// there is no prev either.
func (a *ArchiverState) CountFailures(prev *ArchiverState) {
	if a.LastFailedAt == nil || (a.LastArchivedAt != nil && a.LastArchivedAt.After(*a.LastFailedAt)) {
		a.FailedAtLastArchive = a.FailedCount
		a.FailedSinceLastArchive = 0
		return
	}

	switch {
	case a.LastArchivedAt == nil:
		a.FailedAtLastArchive = 0
	case prev != nil && prev.sameEpoch(a) && timesEqual(prev.LastArchivedAt, a.LastArchivedAt):
		a.FailedAtLastArchive = prev.FailedAtLastArchive
	case prev != nil && prev.sameEpoch(a):
		a.FailedAtLastArchive = prev.FailedCount
	default:
		a.FailedAtLastArchive = a.FailedCount - 1
	}
	a.FailedAtLastArchive = min(max(a.FailedAtLastArchive, 0), a.FailedCount-1)
	a.FailedSinceLastArchive = a.FailedCount - a.FailedAtLastArchive
}

// sameEpoch reports whether the counters of next continue from a.
func (a *ArchiverState) sameEpoch(next *ArchiverState) bool {
	return timesEqual(a.StatsReset, next.StatsReset) && a.FailedCount <= next.FailedCount
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// ReplicationSlot is one row of pg_replication_slots.
type ReplicationSlot struct {
	Name            string        `json:"slot_name"`
	Type            SlotType      `json:"slot_type"`
	Plugin          string        `json:"plugin,omitempty"`
	Database        string        `json:"database,omitempty"`
	Active          bool          `json:"active"`
	WalStatus       WalStatus     `json:"wal_status"`
	RestartLSN      *pgvalue.LSN  `json:"restart_lsn,omitempty"`
	RestartWalFile  string        `json:"restart_wal_file,omitempty"`
	RetainedBytes   int64         `json:"retained_bytes"`
	RetainedDisplay string        `json:"retained_display"`
	Status          health.Status `json:"status"`
}

// ReplicationClient is one row of pg_stat_replication.
type ReplicationClient struct {
	PID             int32            `json:"pid"`
	User            string           `json:"user"`
	ApplicationName string           `json:"application_name"`
	ClientAddr      string           `json:"client_addr,omitempty"`
	State           ReplicationState `json:"state"`
	SyncState       SyncState        `json:"sync_state"`
	SentLSN         *pgvalue.LSN     `json:"sent_lsn,omitempty"`
	WriteLSN        *pgvalue.LSN     `json:"write_lsn,omitempty"`
	FlushLSN        *pgvalue.LSN     `json:"flush_lsn,omitempty"`
	ReplayLSN       *pgvalue.LSN     `json:"replay_lsn,omitempty"`
	ReplayLagMS     *int64           `json:"replay_lag_ms,omitempty"`
	ReplayLag       string           `json:"replay_lag,omitempty"`
	LagBytes        *int64           `json:"lag_bytes,omitempty"`
	LagDisplay      string           `json:"lag_display,omitempty"`
	Status          health.Status    `json:"status"`
}

// LongTransaction is an open transaction from pg_stat_activity.
type LongTransaction struct {
	PID                int32        `json:"pid"`
	Database           string       `json:"database"`
	User               string       `json:"user"`
	ApplicationName    string       `json:"application_name,omitempty"`
	ClientAddr         string       `json:"client_addr,omitempty"`
	State              BackendState `json:"state"`
	XactStart          time.Time    `json:"xact_start"`
	DurationMS         int64        `json:"duration_ms"`
	Duration           string       `json:"duration"`
	Query              string       `json:"query"`
	WalRetainedBytes   *int64       `json:"wal_retained_bytes,omitempty"`
	WalRetainedDisplay string       `json:"wal_retained_display,omitempty"`
	LongRunning        bool         `json:"long_running"`
}
