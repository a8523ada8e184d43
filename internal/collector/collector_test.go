package collector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walwatch/walwatch/internal/clock"
	walerrors "github.com/walwatch/walwatch/internal/errors"
	"github.com/walwatch/walwatch/internal/health"
	"github.com/walwatch/walwatch/internal/model"
	"github.com/walwatch/walwatch/internal/pgvalue"
	"github.com/walwatch/walwatch/internal/queries"
)

var (
	startedAt = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	now       = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

func testTarget() model.Target {
	return model.Target{ID: "db1", Host: "localhost", Port: 5432, Database: "postgres", Username: "walwatch"}
}

func newAssembler(acq Acquirer, hist History, clk clock.Clock) *Assembler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAssembler(acq, hist, clk, logger, Config{
		QueryTimeout: time.Second,
		Thresholds:   health.DefaultThresholds(),
	})
}

func mustLSN(t *testing.T, s string) pgvalue.LSN {
	t.Helper()
	lsn, err := pgvalue.ParseLSN(s)
	require.NoError(t, err)
	return lsn
}

func snapshotAt(t *testing.T, at time.Time, lsn string) *model.WalSnapshot {
	return &model.WalSnapshot{
		TargetID:    "db1",
		CollectedAt: at,
		Position:    model.OK(model.WalPosition{LSN: mustLSN(t, lsn), Timeline: 1}),
	}
}

func TestCollect_HealthyPrimary(t *testing.T) {
	lease := healthyLease("0/5000000")
	a := newAssembler(&fakeAcquirer{lease: lease}, &fakeHistory{}, clock.NewFake(now))

	snap := a.Collect(context.Background(), testTarget())

	assert.Nil(t, snap.ConnectionErr)
	assert.Equal(t, now, snap.CollectedAt)
	assert.NotEqual(t, [16]byte{}, [16]byte(snap.CollectionID))
	assert.Equal(t, 1, lease.released)
	assert.Empty(t, lease.failed)

	srv, ok := snap.Server.Get()
	require.True(t, ok)
	assert.Equal(t, "primary", srv.Role)

	pos, ok := snap.Position.Get()
	require.True(t, ok)
	assert.Equal(t, "0/5000000", pos.LSN.String())
	assert.Equal(t, "000000010000000000000005", pos.WalFile)

	dir, ok := snap.WalDir.Get()
	require.True(t, ok)
	assert.Equal(t, "192 MB", dir.BytesDisplay)

	settings, ok := snap.Settings.Get()
	require.True(t, ok)
	require.Len(t, settings, 4)
	assert.Equal(t, health.Warning, settings[1].Status, "wal_keep_size = 0")

	arch, ok := snap.Archiver.Get()
	require.True(t, ok)
	assert.Equal(t, model.ArchiveOn, arch.Mode)
	assert.Zero(t, arch.FailedSinceLastArchive)

	slots, ok := snap.Slots.Get()
	require.True(t, ok)
	require.Len(t, slots, 3)
	assert.Equal(t, health.Good, slots[0].Status)
	assert.Equal(t, health.Error, slots[1].Status, "inactive slot holding 6 GB")
	assert.Equal(t, int64(6<<30), slots[1].RetainedBytes)
	assert.Equal(t, "6 GB", slots[1].RetainedDisplay)
	assert.Equal(t, "000000010000000000000001", slots[1].RestartWalFile)
	assert.Equal(t, model.WalStatus(""), slots[2].WalStatus)
	assert.Nil(t, slots[2].RestartLSN)
	assert.Equal(t, health.Good, slots[2].Status)

	clients, ok := snap.Replication.Get()
	require.True(t, ok)
	require.Len(t, clients, 1)
	assert.Equal(t, int64(16<<20), *clients[0].LagBytes)
	assert.Equal(t, "16 MB", clients[0].LagDisplay)
	assert.Equal(t, int64(250), *clients[0].ReplayLagMS)

	assert.False(t, snap.Growth.Ok(), "no previous snapshot")
	assert.Equal(t, model.KindUnavailable, snap.Growth.Err.Kind)

	assert.Equal(t, model.HealthReport{
		Archiving:    health.Good,
		Replication:  health.Error,
		WalGrowth:    health.Unknown,
		Transactions: health.Good,
		Overall:      health.Error,
	}, snap.Health)
}

func TestCollect_ArchivingFailuresFlipToError(t *testing.T) {
	lease := healthyLease("0/5000000")
	lease.respond(queries.ArchiverSQL, func() *fakeRows {
		lastFailed := now.Add(-time.Minute)
		return rowsOf([]string{"archived_count", "last_archived_wal", "last_archived_time", "failed_count",
			"last_failed_wal", "last_failed_time", "stats_reset", "archive_mode"},
			[]any{int64(140), "0000000100000000000000A0", now.Add(-time.Hour), int64(3),
				"0000000100000000000000A1", lastFailed, nil, "on"})
	})
	a := newAssembler(&fakeAcquirer{lease: lease}, &fakeHistory{}, clock.NewFake(now))

	snap := a.Collect(context.Background(), testTarget())
	arch, ok := snap.Archiver.Get()
	require.True(t, ok)
	assert.Equal(t, int64(1), arch.FailedSinceLastArchive, "no history: at least the last failure")
	assert.Equal(t, health.Error, snap.Health.Archiving)
}

func TestCollect_ArchivingFailuresCountedFromPreviousSuccess(t *testing.T) {
	lastArchived := now.Add(-time.Hour)
	prev := snapshotAt(t, now.Add(-time.Minute), "0/4000000")
	prev.Archiver = model.OK(model.ArchiverState{
		Mode:                model.ArchiveOn,
		LastArchivedAt:      &lastArchived,
		FailedCount:         10,
		LastFailedAt:        &startedAt,
		StatsReset:          &startedAt,
		FailedAtLastArchive: 10,
	})

	lease := healthyLease("0/5000000")
	lease.respond(queries.ArchiverSQL, func() *fakeRows {
		return rowsOf([]string{"archived_count", "last_archived_wal", "last_archived_time", "failed_count",
			"last_failed_wal", "last_failed_time", "stats_reset", "archive_mode"},
			[]any{int64(140), "0000000100000000000000A0", lastArchived, int64(12),
				"0000000100000000000000A1", now.Add(-30 * time.Second), startedAt, "on"})
	})
	a := newAssembler(&fakeAcquirer{lease: lease}, &fakeHistory{snaps: []*model.WalSnapshot{prev}}, clock.NewFake(now))

	snap := a.Collect(context.Background(), testTarget())
	arch, ok := snap.Archiver.Get()
	require.True(t, ok)
	assert.Equal(t, int64(12), arch.FailedCount)
	assert.Equal(t, int64(10), arch.FailedAtLastArchive)
	assert.Equal(t, int64(2), arch.FailedSinceLastArchive)
	assert.Equal(t, health.Error, snap.Health.Archiving)
}

func TestCollect_GrowthRate(t *testing.T) {
	hist := &fakeHistory{snaps: []*model.WalSnapshot{snapshotAt(t, now.Add(-time.Minute), "0/3000000")}}
	a := newAssembler(&fakeAcquirer{lease: healthyLease("0/5000000")}, hist, clock.NewFake(now))

	snap := a.Collect(context.Background(), testTarget())
	g, ok := snap.Growth.Get()
	require.True(t, ok)
	assert.InDelta(t, float64(32<<20)/60, g.BytesPerSecond, 0.001)
	assert.Equal(t, "32 MB/min", g.BytesPerMinute)
	assert.Equal(t, int64(60000), g.WindowMS)
	assert.Equal(t, health.Good, snap.Health.WalGrowth)
}

func TestCollect_GrowthBackwardsIsUnavailable(t *testing.T) {
	hist := &fakeHistory{snaps: []*model.WalSnapshot{snapshotAt(t, now.Add(-time.Minute), "1/0")}}
	a := newAssembler(&fakeAcquirer{lease: healthyLease("0/5000000")}, hist, clock.NewFake(now))

	snap := a.Collect(context.Background(), testTarget())
	require.False(t, snap.Growth.Ok())
	assert.Contains(t, snap.Growth.Err.Message, "backwards")
}

func TestCollect_SlotClassifiedOnExactBytes(t *testing.T) {
	const gib = int64(1) << 30
	tests := []struct {
		name     string
		retained int64
		want     health.Status
	}{
		{"just over warn", gib + 300<<10, health.Warning},
		{"at warn", gib, health.Good},
		{"just over error", 5*gib + 300<<10, health.Error},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lease := healthyLease("0/5000000")
			lease.respond(queries.ReplicationSlotsSQL, func() *fakeRows {
				return rowsOf([]string{"slot_name", "slot_type", "plugin", "database", "active", "wal_status", "restart_lsn", "retained_bytes", "retained"},
					[]any{"cdc", "logical", "pgoutput", "app", "false", "extended", "0/1000000", tt.retained, pgvalue.FormatSize(tt.retained)})
			})
			a := newAssembler(&fakeAcquirer{lease: lease}, &fakeHistory{}, clock.NewFake(now))

			snap := a.Collect(context.Background(), testTarget())
			slots, ok := snap.Slots.Get()
			require.True(t, ok)
			require.Len(t, slots, 1)
			assert.Equal(t, tt.retained, slots[0].RetainedBytes)
			assert.Equal(t, pgvalue.FormatSize(tt.retained), slots[0].RetainedDisplay)
			assert.Equal(t, tt.want, slots[0].Status)
		})
	}
}

func txRows(rows ...[]any) func() *fakeRows {
	return func() *fakeRows {
		return rowsOf([]string{"pid", "datname", "usename", "application_name", "client_addr", "state", "xact_start", "duration", "query"}, rows...)
	}
}

func TestCollect_LongTransactions(t *testing.T) {
	hist := &fakeHistory{snaps: []*model.WalSnapshot{
		snapshotAt(t, now.Add(-20*time.Minute), "0/1000000"),
		snapshotAt(t, now.Add(-9*time.Minute), "0/2000000"),
	}}
	lease := healthyLease("0/4200000")
	lease.respond(queries.LongTransactionsSQL, txRows(
		[]any{int32(100), "app", "etl", "loader", "10.0.0.9", "idle in transaction", now.Add(-10 * time.Minute), "00:10:00", "BEGIN"},
		[]any{int32(101), "app", "web", "api", "", "active", now.Add(-2 * time.Minute), "00:02:00", "SELECT 1"},
	))
	a := newAssembler(&fakeAcquirer{lease: lease}, hist, clock.NewFake(now))

	snap := a.Collect(context.Background(), testTarget())
	txs, ok := snap.Transactions.Get()
	require.True(t, ok)
	require.Len(t, txs, 2)

	// 10 minutes, 50 MB retained
	assert.Equal(t, int64(10*60*1000), txs[0].DurationMS)
	assert.Equal(t, "10m 0s", txs[0].Duration)
	require.NotNil(t, txs[0].WalRetainedBytes)
	assert.Equal(t, int64(50<<20), *txs[0].WalRetainedBytes)
	assert.True(t, txs[0].LongRunning)

	require.NotNil(t, txs[1].WalRetainedBytes)
	assert.Equal(t, int64(34<<20), *txs[1].WalRetainedBytes)
	assert.False(t, txs[1].LongRunning, "too short")

	assert.Equal(t, health.Warning, snap.Health.Transactions)
}

func TestCollect_LongTransactionBelowWalFloor(t *testing.T) {
	hist := &fakeHistory{snaps: []*model.WalSnapshot{snapshotAt(t, now.Add(-15*time.Minute), "0/4F00000")}}
	lease := healthyLease("0/5000000")
	lease.respond(queries.LongTransactionsSQL, txRows(
		[]any{int32(100), "app", "etl", "", "", "idle in transaction", now.Add(-10 * time.Minute), "00:10:00", "BEGIN"},
	))
	a := newAssembler(&fakeAcquirer{lease: lease}, hist, clock.NewFake(now))

	snap := a.Collect(context.Background(), testTarget())
	txs, ok := snap.Transactions.Get()
	require.True(t, ok)
	assert.Equal(t, int64(1<<20), *txs[0].WalRetainedBytes)
	assert.False(t, txs[0].LongRunning)
	assert.Equal(t, health.Good, snap.Health.Transactions)
}

func TestCollect_LongTransactionWithoutHistory(t *testing.T) {
	lease := healthyLease("0/5000000")
	lease.respond(queries.LongTransactionsSQL, txRows(
		[]any{int32(100), "app", "etl", "", "", "active", now.Add(-time.Hour), "01:00:00", "VACUUM"},
	))
	a := newAssembler(&fakeAcquirer{lease: lease}, &fakeHistory{}, clock.NewFake(now))

	snap := a.Collect(context.Background(), testTarget())
	txs, _ := snap.Transactions.Get()
	assert.Nil(t, txs[0].WalRetainedBytes, "retention unknown without history")
	assert.False(t, txs[0].LongRunning)
}

func TestCollect_AcquireFailureMarksEveryField(t *testing.T) {
	acq := &fakeAcquirer{err: walerrors.NewConnectionError("db1", "connect", errors.New("connection refused"))}
	a := newAssembler(acq, &fakeHistory{}, clock.NewFake(now))

	snap := a.Collect(context.Background(), testTarget())
	require.NotNil(t, snap.ConnectionErr)
	assert.Equal(t, model.KindConnection, snap.ConnectionErr.Kind)

	for name, ok := range map[string]bool{
		"server":       snap.Server.Ok(),
		"position":     snap.Position.Ok(),
		"wal_dir":      snap.WalDir.Ok(),
		"growth":       snap.Growth.Ok(),
		"settings":     snap.Settings.Ok(),
		"archiver":     snap.Archiver.Ok(),
		"slots":        snap.Slots.Ok(),
		"replication":  snap.Replication.Ok(),
		"transactions": snap.Transactions.Ok(),
	} {
		assert.False(t, ok, name)
	}
	assert.Equal(t, health.Unknown, snap.Health.Overall)
	assert.Equal(t, health.Unknown, snap.Health.Archiving)
}

func TestCollect_QueryFailureDegradesOneField(t *testing.T) {
	lease := healthyLease("0/5000000")
	lease.fail(queries.ReplicationSlotsSQL, &pgconn.PgError{Code: "42501", Message: "permission denied for view pg_replication_slots"})
	a := newAssembler(&fakeAcquirer{lease: lease}, &fakeHistory{}, clock.NewFake(now))

	snap := a.Collect(context.Background(), testTarget())
	require.False(t, snap.Slots.Ok())
	assert.Equal(t, queries.ReplicationSlotsName, snap.Slots.Err.Query)
	assert.Equal(t, model.KindQuery, snap.Slots.Err.Kind)

	assert.True(t, snap.WalDir.Ok())
	assert.True(t, snap.Replication.Ok())
	assert.Equal(t, health.Unknown, snap.Health.Replication)
	assert.Equal(t, 1, lease.released)
	assert.Empty(t, lease.failed)
}

func TestCollect_ParseErrorsAreFieldLevel(t *testing.T) {
	lease := healthyLease("zz/10")
	lease.respond(queries.ReplicationSQL, func() *fakeRows {
		return rowsOf([]string{"pid", "usename", "application_name", "client_addr", "state", "sync_state",
			"sent_lsn", "write_lsn", "flush_lsn", "replay_lsn", "replay_lag"},
			[]any{int32(1), "r", "s", "", "rewinding", "async", nil, nil, nil, nil, nil})
	})
	a := newAssembler(&fakeAcquirer{lease: lease}, &fakeHistory{}, clock.NewFake(now))

	snap := a.Collect(context.Background(), testTarget())

	require.False(t, snap.Position.Ok())
	assert.Equal(t, model.KindParse, snap.Position.Err.Kind)
	assert.ErrorIs(t, snap.Position.Err, walerrors.ErrUnparseableLSN)
	assert.False(t, snap.Growth.Ok())

	require.False(t, snap.Replication.Ok())
	assert.ErrorIs(t, snap.Replication.Err, walerrors.ErrUnexpectedEnumValue)

	assert.True(t, snap.Archiver.Ok())
	assert.Empty(t, lease.failed, "parse errors never fail the session")
}

func TestCollect_BrokenSessionIsMarkedFailed(t *testing.T) {
	lease := healthyLease("0/5000000")
	lease.fail(queries.WalDirectorySQL, errors.New("unexpected EOF"))
	lease.pingErr = errors.New("conn closed")
	a := newAssembler(&fakeAcquirer{lease: lease}, &fakeHistory{}, clock.NewFake(now))

	snap := a.Collect(context.Background(), testTarget())
	assert.False(t, snap.WalDir.Ok())
	assert.Nil(t, snap.ConnectionErr, "mid-cycle loss is a field error")
	require.Len(t, lease.failed, 1)
	assert.Zero(t, lease.released)

	lease = healthyLease("0/5000000")
	lease.fail(queries.WalDirectorySQL, context.DeadlineExceeded)
	a = newAssembler(&fakeAcquirer{lease: lease}, &fakeHistory{}, clock.NewFake(now))
	a.Collect(context.Background(), testTarget())
	assert.Empty(t, lease.failed, "ping succeeded")
	assert.Equal(t, 1, lease.released)
}

func TestCollect_TimestampsAreMonotonic(t *testing.T) {
	prev := snapshotAt(t, now, "0/1000000")
	clk := clock.NewFake(now.Add(-time.Second))
	a := newAssembler(&fakeAcquirer{lease: healthyLease("0/5000000")}, &fakeHistory{snaps: []*model.WalSnapshot{prev}}, clk)

	snap := a.Collect(context.Background(), testTarget())
	assert.True(t, snap.CollectedAt.After(prev.CollectedAt))
}

func TestRun_ShapeMismatch(t *testing.T) {
	lease := healthyLease("0/1")
	lease.respond(queries.WalDirectorySQL, func() *fakeRows {
		return rowsOf([]string{"files", "bytes"}, []any{int64(1), int64(2)}, []any{int64(3), int64(4)})
	})

	_, err := Run(context.Background(), lease, WalDirectoryQuery, time.Second)
	require.Error(t, err)
	assert.Equal(t, queries.WalDirectoryName, walerrors.QueryName(err))
	assert.Contains(t, err.Error(), "expected 1 row, got 2")
}

func TestRun_TypeMismatch(t *testing.T) {
	lease := healthyLease("0/1")
	lease.respond(queries.WalDirectorySQL, func() *fakeRows {
		return rowsOf([]string{"files", "bytes"}, []any{"twelve", int64(2)})
	})

	_, err := Run(context.Background(), lease, WalDirectoryQuery, time.Second)
	assert.ErrorContains(t, err, `column "files": unexpected type string`)
}
