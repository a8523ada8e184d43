package collector

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/walwatch/walwatch/internal/clock"
	"github.com/walwatch/walwatch/internal/connection"
	"github.com/walwatch/walwatch/internal/health"
	"github.com/walwatch/walwatch/internal/model"
	"github.com/walwatch/walwatch/internal/pgvalue"
)

// Lease is an exclusive session on one target.
type Lease interface {
	Queryer
	Ping(ctx context.Context) error
	Release()
	MarkFailed(reason error)
}

// Acquirer hands out leases.
type Acquirer interface {
	Acquire(ctx context.Context, targetID string) (Lease, error)
}

// History gives the assembler access to previously stored snapshots.
type History interface {
	Latest(targetID string) (*model.WalSnapshot, bool)
	History(targetID string, limit int) []*model.WalSnapshot
}

type managerAcquirer struct {
	m *connection.Manager
}

func (a managerAcquirer) Acquire(ctx context.Context, targetID string) (Lease, error) {
	l, err := a.m.Acquire(ctx, targetID)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// FromManager adapts a connection.Manager to Acquirer.
func FromManager(m *connection.Manager) Acquirer {
	return managerAcquirer{m: m}
}

// Config tunes the assembler.
type Config struct {
	QueryTimeout time.Duration
	PingTimeout  time.Duration
	Thresholds   health.Thresholds
}

// Assembler produces one WalSnapshot per call to Collect.
type Assembler struct {
	pool    Acquirer
	history History
	clock   clock.Clock
	logger  *slog.Logger
	cfg     Config
}

// NewAssembler creates an Assembler.
func NewAssembler(pool Acquirer, history History, clk clock.Clock, logger *slog.Logger, cfg Config) *Assembler {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 2 * time.Second
	}
	return &Assembler{
		pool:    pool,
		history: history,
		clock:   clk,
		logger:  logger.With("component", "assembler"),
		cfg:     cfg,
	}
}

// Collect runs the full query set for target. It never fails: a connection
// failure marks every field, a query failure marks one.
func (a *Assembler) Collect(ctx context.Context, target model.Target) *model.WalSnapshot {
	start := a.clock.Now()
	prev, hasPrev := a.history.Latest(target.ID)
	if hasPrev && !start.After(prev.CollectedAt) {
		start = prev.CollectedAt.Add(time.Microsecond)
	}

	snap := &model.WalSnapshot{
		CollectionID: uuid.New(),
		TargetID:     target.ID,
		CollectedAt:  start,
	}
	logger := a.logger.With("target_id", target.ID, "collection_id", snap.CollectionID)

	lease, err := a.pool.Acquire(ctx, target.ID)
	if err != nil {
		logger.Debug("acquire failed", "error", err)
		markAll(snap, model.NewFieldError(err))
		snap.CycleMS = a.clock.Now().Sub(start).Milliseconds()
		return snap
	}

	var suspect error
	note := func(err error) {
		if err != nil && suspect == nil && connection.MayBreakSession(err) {
			suspect = err
		}
	}

	snap.Server = runInto(ctx, lease, ServerStatusQuery, a.cfg.QueryTimeout, note)
	snap.Position = runInto(ctx, lease, CurrentPositionQuery, a.cfg.QueryTimeout, note)
	snap.WalDir = runInto(ctx, lease, WalDirectoryQuery, a.cfg.QueryTimeout, note)
	snap.Settings = runInto(ctx, lease, WalSettingsQuery, a.cfg.QueryTimeout, note)
	snap.Archiver = runInto(ctx, lease, ArchiverQuery, a.cfg.QueryTimeout, note)
	snap.Slots = runInto(ctx, lease, ReplicationSlotsQuery, a.cfg.QueryTimeout, note)
	snap.Replication = runInto(ctx, lease, ReplicationQuery, a.cfg.QueryTimeout, note)
	snap.Transactions = runInto(ctx, lease, LongTransactionsQuery, a.cfg.QueryTimeout, note)

	a.finish(ctx, lease, suspect, logger)

	a.derive(snap, prev, hasPrev)
	snap.Health = a.evaluate(snap)
	snap.CycleMS = a.clock.Now().Sub(start).Milliseconds()

	logger.Debug("collection finished",
		"cycle_ms", snap.CycleMS,
		"overall", snap.Health.Overall.String(),
	)
	return snap
}

func runInto[T any](ctx context.Context, q Queryer, mq MetricQuery[T], timeout time.Duration, note func(error)) model.Result[T] {
	v, err := Run(ctx, q, mq, timeout)
	if err != nil {
		note(err)
		return model.Failed[T](err)
	}
	return model.OK(v)
}

// finish releases the lease, or marks it failed when a query error may have
// broken the session and a ping confirms it.
func (a *Assembler) finish(ctx context.Context, lease Lease, suspect error, logger *slog.Logger) {
	if suspect == nil {
		lease.Release()
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, a.cfg.PingTimeout)
	defer cancel()
	if err := lease.Ping(pingCtx); err != nil {
		logger.Warn("session lost during collection", "error", err, "first_error", suspect)
		lease.MarkFailed(errors.Join(suspect, err))
		return
	}
	lease.Release()
}

func markAll(snap *model.WalSnapshot, fe *model.FieldError) {
	snap.ConnectionErr = fe
	snap.Server = model.Missing[model.ServerStatus](fe)
	snap.Position = model.Missing[model.WalPosition](fe)
	snap.WalDir = model.Missing[model.WalDirStats](fe)
	snap.Growth = model.Missing[model.WalGrowth](fe)
	snap.Settings = model.Missing[[]model.WalConfigParam](fe)
	snap.Archiver = model.Missing[model.ArchiverState](fe)
	snap.Slots = model.Missing[[]model.ReplicationSlot](fe)
	snap.Replication = model.Missing[[]model.ReplicationClient](fe)
	snap.Transactions = model.Missing[[]model.LongTransaction](fe)
	snap.Health = model.HealthReport{
		Archiving:    health.Unknown,
		Replication:  health.Unknown,
		WalGrowth:    health.Unknown,
		Transactions: health.Unknown,
		Overall:      health.Unknown,
	}
}

// derive fills fields computed from other fields and from history.
func (a *Assembler) derive(snap *model.WalSnapshot, prev *model.WalSnapshot, hasPrev bool) {
	pos, havePos := snap.Position.Get()

	if havePos {
		if segSize := segmentSize(snap.Settings); segSize > 0 {
			pos.WalFile = pos.LSN.SegmentFileName(pos.Timeline, segSize)
			snap.Position = model.OK(pos)
		}
	}

	snap.Growth = growth(snap, prev, hasPrev)

	if arch, ok := snap.Archiver.Get(); ok {
		var before *model.ArchiverState
		if hasPrev {
			if p, ok := prev.Archiver.Get(); ok {
				before = &p
			}
		}
		arch.CountFailures(before)
		snap.Archiver = model.OK(arch)
	}

	if slots, ok := snap.Slots.Get(); ok {
		for i := range slots {
			sl := &slots[i]
			sl.Status = health.ClassifySlot(health.SlotValue{
				Active:        sl.Active,
				Lost:          sl.WalStatus == model.WalLost,
				RetainedBytes: sl.RetainedBytes,
			}, a.cfg.Thresholds)
			if havePos && sl.RestartLSN != nil {
				sl.RestartWalFile = sl.RestartLSN.SegmentFileName(pos.Timeline, segmentSizeOr(snap.Settings))
			}
		}
	}

	if clients, ok := snap.Replication.Get(); ok {
		for i := range clients {
			c := &clients[i]
			c.Status = health.ClassifyReplicationState(string(c.State))
			if havePos && c.ReplayLSN != nil {
				lag := pos.LSN.Diff(*c.ReplayLSN)
				if lag < 0 {
					lag = 0
				}
				c.LagBytes = &lag
				c.LagDisplay = pgvalue.FormatSize(lag)
			}
		}
	}

	if txs, ok := snap.Transactions.Get(); ok {
		var history []*model.WalSnapshot
		if havePos {
			history = a.history.History(snap.TargetID, 0)
		}
		for i := range txs {
			tx := &txs[i]
			if havePos {
				if base, found := lsnAt(history, tx.XactStart); found {
					retained := pos.LSN.Diff(base)
					if retained < 0 {
						retained = 0
					}
					tx.WalRetainedBytes = &retained
					tx.WalRetainedDisplay = pgvalue.FormatSize(retained)
				}
			}
			tx.LongRunning = health.IsLongRunning(health.TransactionValue{
				Duration:         time.Duration(tx.DurationMS) * time.Millisecond,
				WalRetainedBytes: tx.WalRetainedBytes,
			}, a.cfg.Thresholds)
		}
	}
}

// growth is the WAL generation rate since the previous snapshot, measured on
// the LSN since pg_wal shrinks whenever segments are recycled.
func growth(snap, prev *model.WalSnapshot, hasPrev bool) model.Result[model.WalGrowth] {
	cur, ok := snap.Position.Get()
	if !ok {
		return model.Missing[model.WalGrowth](snap.Position.Err)
	}
	if !hasPrev {
		return model.Missing[model.WalGrowth](model.Unavailable("no previous snapshot"))
	}
	before, ok := prev.Position.Get()
	if !ok {
		return model.Missing[model.WalGrowth](model.Unavailable("previous snapshot has no WAL position"))
	}
	elapsed := snap.CollectedAt.Sub(prev.CollectedAt)
	if elapsed <= 0 {
		return model.Missing[model.WalGrowth](model.Unavailable("no time elapsed since previous snapshot"))
	}
	delta := cur.LSN.Diff(before.LSN)
	if delta < 0 {
		return model.Missing[model.WalGrowth](model.Unavailable("WAL position moved backwards"))
	}

	bps := float64(delta) / elapsed.Seconds()
	return model.OK(model.WalGrowth{
		BytesPerSecond: bps,
		BytesPerMinute: pgvalue.FormatSize(int64(bps*60)) + "/min",
		WindowMS:       elapsed.Milliseconds(),
	})
}

// lsnAt returns the WAL position recorded by the newest snapshot taken at or
// before t. When t predates all history the oldest position is used, which
// underestimates the retained volume.
func lsnAt(history []*model.WalSnapshot, t time.Time) (pgvalue.LSN, bool) {
	var (
		best   pgvalue.LSN
		found  bool
		oldest pgvalue.LSN
		seen   bool
	)
	for _, s := range history {
		pos, ok := s.Position.Get()
		if !ok {
			continue
		}
		if !seen {
			oldest, seen = pos.LSN, true
		}
		if s.CollectedAt.After(t) {
			break
		}
		best, found = pos.LSN, true
	}
	if found {
		return best, true
	}
	return oldest, seen
}

func segmentSize(settings model.Result[[]model.WalConfigParam]) uint64 {
	params, ok := settings.Get()
	if !ok {
		return 0
	}
	for _, p := range params {
		if p.Name != "wal_segment_size" {
			continue
		}
		n, err := strconv.ParseUint(p.Setting, 10, 64)
		if err != nil || n == 0 {
			return 0
		}
		// before PostgreSQL 11 the unit is 8kB blocks
		if p.Unit == "8kB" {
			n *= 8192
		}
		return n
	}
	return 0
}

func segmentSizeOr(settings model.Result[[]model.WalConfigParam]) uint64 {
	if n := segmentSize(settings); n > 0 {
		return n
	}
	return pgvalue.DefaultSegmentSize
}

// evaluate derives one status per dimension. A failed source yields Unknown.
func (a *Assembler) evaluate(snap *model.WalSnapshot) model.HealthReport {
	var rep model.HealthReport

	if arch, ok := snap.Archiver.Get(); ok {
		rep.Archiving = health.ClassifyArchiver(health.ArchiverValue{
			Mode:                   string(arch.Mode),
			FailedSinceLastArchive: arch.FailedSinceLastArchive,
		})
	} else {
		rep.Archiving = health.Unknown
	}

	var repl []health.Status
	if slots, ok := snap.Slots.Get(); ok {
		for _, s := range slots {
			repl = append(repl, s.Status)
		}
	} else {
		repl = append(repl, health.Unknown)
	}
	if clients, ok := snap.Replication.Get(); ok {
		for _, c := range clients {
			repl = append(repl, c.Status)
		}
	} else {
		repl = append(repl, health.Unknown)
	}
	rep.Replication = health.Worst(repl...)

	if g, ok := snap.Growth.Get(); ok {
		rep.WalGrowth = health.ClassifyWalGrowth(g.BytesPerSecond, a.cfg.Thresholds)
	} else {
		rep.WalGrowth = health.Unknown
	}

	if txs, ok := snap.Transactions.Get(); ok {
		rep.Transactions = health.Good
		for _, tx := range txs {
			if tx.LongRunning {
				rep.Transactions = health.Warning
				break
			}
		}
	} else {
		rep.Transactions = health.Unknown
	}

	rep.Overall = health.Worst(rep.Archiving, rep.Replication, rep.WalGrowth, rep.Transactions)
	return rep
}

