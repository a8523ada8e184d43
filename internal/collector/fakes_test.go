package collector

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/walwatch/walwatch/internal/model"
	"github.com/walwatch/walwatch/internal/queries"
)

// fakeRows is an in-memory pgx.Rows.
type fakeRows struct {
	fields []pgconn.FieldDescription
	data   [][]any
	idx    int
	closed bool
}

func rowsOf(cols []string, data ...[]any) *fakeRows {
	fields := make([]pgconn.FieldDescription, len(cols))
	for i, c := range cols {
		fields[i] = pgconn.FieldDescription{Name: c}
	}
	return &fakeRows{fields: fields, data: data}
}

func (r *fakeRows) Close()                                       { r.closed = true }
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return r.fields }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.closed || r.idx >= len(r.data) {
		r.closed = true
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Values() ([]any, error) {
	return r.data[r.idx-1], nil
}

func (r *fakeRows) Scan(dest ...any) error {
	if len(dest) == 1 {
		if rs, ok := dest[0].(pgx.RowScanner); ok {
			return rs.ScanRow(r)
		}
	}
	return errors.New("fakeRows: only RowScanner destinations are supported")
}

// fakeLease answers queries from a table keyed by SQL text.
type fakeLease struct {
	mu        sync.Mutex
	responses map[string]func() (pgx.Rows, error)
	pingErr   error
	released  int
	failed    []error
	queried   []string
}

func (l *fakeLease) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	l.mu.Lock()
	l.queried = append(l.queried, sql)
	fn, ok := l.responses[sql]
	l.mu.Unlock()
	if !ok {
		return nil, &pgconn.PgError{Code: "42883", Message: "no fake response"}
	}
	return fn()
}

func (l *fakeLease) Ping(context.Context) error { return l.pingErr }
func (l *fakeLease) Release()                   { l.released++ }
func (l *fakeLease) MarkFailed(reason error)    { l.failed = append(l.failed, reason) }

func (l *fakeLease) respond(sql string, rows func() *fakeRows) {
	l.responses[sql] = func() (pgx.Rows, error) { return rows(), nil }
}

func (l *fakeLease) fail(sql string, err error) {
	l.responses[sql] = func() (pgx.Rows, error) { return nil, err }
}

type fakeAcquirer struct {
	lease *fakeLease
	err   error
}

func (a *fakeAcquirer) Acquire(context.Context, string) (Lease, error) {
	if a.err != nil {
		return nil, a.err
	}
	return a.lease, nil
}

type fakeHistory struct {
	snaps []*model.WalSnapshot
}

func (h *fakeHistory) Latest(string) (*model.WalSnapshot, bool) {
	if len(h.snaps) == 0 {
		return nil, false
	}
	return h.snaps[len(h.snaps)-1], true
}

func (h *fakeHistory) History(_ string, limit int) []*model.WalSnapshot {
	if limit <= 0 || limit > len(h.snaps) {
		return h.snaps
	}
	return h.snaps[len(h.snaps)-limit:]
}

// healthyLease returns a lease answering every query with a plausible primary.
func healthyLease(lsn string) *fakeLease {
	l := &fakeLease{responses: map[string]func() (pgx.Rows, error){}}

	l.respond(queries.ServerStatusSQL, func() *fakeRows {
		return rowsOf([]string{"in_recovery", "started_at", "version"},
			[]any{"false", startedAt, "16.2"})
	})
	l.respond(queries.CurrentPositionSQL, func() *fakeRows {
		return rowsOf([]string{"lsn", "timeline"}, []any{lsn, int32(1)})
	})
	l.respond(queries.WalDirectorySQL, func() *fakeRows {
		return rowsOf([]string{"files", "bytes"}, []any{int64(12), int64(12 << 24)})
	})
	l.respond(queries.WalSettingsSQL, func() *fakeRows {
		cols := []string{"name", "setting", "unit", "display"}
		return rowsOf(cols,
			[]any{"archive_mode", "on", "", "on"},
			[]any{"wal_keep_size", "0", "MB", "0"},
			[]any{"wal_level", "replica", "", "replica"},
			[]any{"wal_segment_size", "16777216", "B", "16MB"},
		)
	})
	l.respond(queries.ArchiverSQL, func() *fakeRows {
		return rowsOf([]string{"archived_count", "last_archived_wal", "last_archived_time", "failed_count",
			"last_failed_wal", "last_failed_time", "stats_reset", "archive_mode"},
			[]any{int64(140), "0000000100000000000000A0", startedAt, int64(0), "", nil, startedAt, "on"})
	})
	l.respond(queries.ReplicationSlotsSQL, func() *fakeRows {
		return rowsOf([]string{"slot_name", "slot_type", "plugin", "database", "active", "wal_status", "restart_lsn", "retained_bytes", "retained"},
			[]any{"standby_1", "physical", "", "", "true", "reserved", "0/3000000", int64(16 << 20), "16 MB"},
			[]any{"old_cdc", "logical", "pgoutput", "app", "false", "extended", "0/1000000", int64(6 << 30), "6 GB"},
			[]any{"unused", "physical", "", "", "false", nil, nil, nil, nil},
		)
	})
	l.respond(queries.ReplicationSQL, func() *fakeRows {
		return rowsOf([]string{"pid", "usename", "application_name", "client_addr", "state", "sync_state",
			"sent_lsn", "write_lsn", "flush_lsn", "replay_lsn", "replay_lag"},
			[]any{int32(4242), "replicator", "standby_1", "10.0.0.2", "streaming", "async",
				"0/5000000", "0/5000000", "0/4F00000", "0/4000000", "00:00:00.25"},
		)
	})
	l.respond(queries.LongTransactionsSQL, func() *fakeRows {
		return rowsOf([]string{"pid", "datname", "usename", "application_name", "client_addr", "state", "xact_start", "duration", "query"})
	})
	return l
}
