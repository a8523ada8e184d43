package collector

import (
	"fmt"

	"github.com/walwatch/walwatch/internal/health"
	"github.com/walwatch/walwatch/internal/model"
	"github.com/walwatch/walwatch/internal/pgvalue"
	"github.com/walwatch/walwatch/internal/queries"
)

// The fixed query set. Parsers fill raw and display fields once; statuses
// that depend on thresholds are left for the assembler.
var (
	ServerStatusQuery = MetricQuery[model.ServerStatus]{
		Name:  queries.ServerStatusName,
		SQL:   queries.ServerStatusSQL,
		Shape: SingleRow,
		Parse: func(rows []Row) (model.ServerStatus, error) {
			return parseOne(rows, func(r *rowReader) model.ServerStatus {
				st := model.ServerStatus{
					InRecovery: r.boolText("in_recovery"),
					StartedAt:  r.time("started_at"),
					Version:    r.str("version"),
				}
				st.Role = "primary"
				if st.InRecovery {
					st.Role = "standby"
				}
				return st
			})
		},
	}

	CurrentPositionQuery = MetricQuery[model.WalPosition]{
		Name:  queries.CurrentPositionName,
		SQL:   queries.CurrentPositionSQL,
		Shape: SingleRow,
		Parse: func(rows []Row) (model.WalPosition, error) {
			pos, err := parseOne(rows, func(r *rowReader) model.WalPosition {
				lsn := r.optLSN("lsn")
				tl := r.int64("timeline")
				if r.err != nil {
					return model.WalPosition{}
				}
				if lsn == nil {
					r.fail(fmt.Errorf("server reported no WAL position"))
					return model.WalPosition{}
				}
				return model.WalPosition{
					LSN:      *lsn,
					Timeline: uint32(tl),
					WalFile:  lsn.SegmentFileName(uint32(tl), pgvalue.DefaultSegmentSize),
				}
			})
			return pos, err
		},
	}

	WalDirectoryQuery = MetricQuery[model.WalDirStats]{
		Name:  queries.WalDirectoryName,
		SQL:   queries.WalDirectorySQL,
		Shape: SingleRow,
		Parse: func(rows []Row) (model.WalDirStats, error) {
			return parseOne(rows, func(r *rowReader) model.WalDirStats {
				bytes := r.int64("bytes")
				return model.WalDirStats{
					Files:        r.int64("files"),
					Bytes:        bytes,
					BytesDisplay: pgvalue.FormatSize(bytes),
				}
			})
		},
	}

	WalSettingsQuery = MetricQuery[[]model.WalConfigParam]{
		Name:  queries.WalSettingsName,
		SQL:   queries.WalSettingsSQL,
		Shape: ManyRows,
		Parse: func(rows []Row) ([]model.WalConfigParam, error) {
			return parseEach(rows, func(r *rowReader) model.WalConfigParam {
				p := model.WalConfigParam{
					Name:    r.requiredString("name"),
					Setting: r.str("setting"),
					Unit:    r.str("unit"),
					Display: r.str("display"),
				}
				p.Status = health.ClassifySetting(p.Name, p.Setting)
				return p
			})
		},
	}

	ArchiverQuery = MetricQuery[model.ArchiverState]{
		Name:  queries.ArchiverName,
		SQL:   queries.ArchiverSQL,
		Shape: SingleRow,
		Parse: func(rows []Row) (model.ArchiverState, error) {
			return parseOne(rows, func(r *rowReader) model.ArchiverState {
				return model.ArchiverState{
					Mode:            readEnum(r, model.ArchiveModes, "archive_mode"),
					ArchivedCount:   r.int64("archived_count"),
					LastArchivedWal: r.str("last_archived_wal"),
					LastArchivedAt:  r.optTime("last_archived_time"),
					FailedCount:     r.int64("failed_count"),
					LastFailedWal:   r.str("last_failed_wal"),
					LastFailedAt:    r.optTime("last_failed_time"),
					StatsReset:      r.optTime("stats_reset"),
				}
			})
		},
	}

	ReplicationSlotsQuery = MetricQuery[[]model.ReplicationSlot]{
		Name:  queries.ReplicationSlotsName,
		SQL:   queries.ReplicationSlotsSQL,
		Shape: ManyRows,
		Parse: func(rows []Row) ([]model.ReplicationSlot, error) {
			return parseEach(rows, parseSlot)
		},
	}

	ReplicationQuery = MetricQuery[[]model.ReplicationClient]{
		Name:  queries.ReplicationName,
		SQL:   queries.ReplicationSQL,
		Shape: ManyRows,
		Parse: func(rows []Row) ([]model.ReplicationClient, error) {
			return parseEach(rows, func(r *rowReader) model.ReplicationClient {
				c := model.ReplicationClient{
					PID:             int32(r.int64("pid")),
					User:            r.str("usename"),
					ApplicationName: r.str("application_name"),
					ClientAddr:      r.str("client_addr"),
					State:           readEnum(r, model.ReplicationStates, "state"),
					SyncState:       readEnum(r, model.SyncStates, "sync_state"),
					SentLSN:         r.optLSN("sent_lsn"),
					WriteLSN:        r.optLSN("write_lsn"),
					FlushLSN:        r.optLSN("flush_lsn"),
					ReplayLSN:       r.optLSN("replay_lsn"),
					ReplayLagMS:     r.optIntervalMillis("replay_lag"),
				}
				if c.ReplayLagMS != nil {
					c.ReplayLag = pgvalue.FormatMillis(*c.ReplayLagMS)
				}
				return c
			})
		},
	}

	LongTransactionsQuery = MetricQuery[[]model.LongTransaction]{
		Name:  queries.LongTransactionsName,
		SQL:   queries.LongTransactionsSQL,
		Shape: ManyRows,
		Parse: func(rows []Row) ([]model.LongTransaction, error) {
			return parseEach(rows, func(r *rowReader) model.LongTransaction {
				tx := model.LongTransaction{
					PID:             int32(r.int64("pid")),
					Database:        r.str("datname"),
					User:            r.str("usename"),
					ApplicationName: r.str("application_name"),
					ClientAddr:      r.str("client_addr"),
					State:           readEnum(r, model.BackendStates, "state"),
					XactStart:       r.time("xact_start"),
					Query:           r.str("query"),
				}
				if ms := r.optIntervalMillis("duration"); ms != nil {
					tx.DurationMS = *ms
				} else if r.err == nil {
					r.fail(fmt.Errorf("column %q is NULL", "duration"))
				}
				tx.Duration = pgvalue.FormatMillis(tx.DurationMS)
				return tx
			})
		},
	}
)

func parseSlot(r *rowReader) model.ReplicationSlot {
	s := model.ReplicationSlot{
		Name:     r.requiredString("slot_name"),
		Type:     readEnum(r, model.SlotTypes, "slot_type"),
		Plugin:   r.str("plugin"),
		Database: r.str("database"),
		Active:   r.boolText("active"),
	}

	// NULL until the slot first reserves WAL.
	if ws, ok := r.optString("wal_status"); ok && r.err == nil {
		status, err := model.WalStatuses.Parse(ws)
		if err != nil {
			r.fail(err)
		}
		s.WalStatus = status
	}

	s.RestartLSN = r.optLSN("restart_lsn")

	// retained is the rounded rendering; thresholds use the exact count.
	exact, hasExact := r.optInt64("retained_bytes")
	if retained, ok := r.optString("retained"); ok && hasExact && r.err == nil {
		if _, err := pgvalue.ParseSize(retained); err != nil {
			r.fail(err)
		}
		s.RetainedBytes = exact
		s.RetainedDisplay = retained
	} else {
		s.RetainedDisplay = pgvalue.FormatSize(0)
	}
	return s
}
