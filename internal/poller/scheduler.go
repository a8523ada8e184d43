// Package poller schedules one collection cycle per target at its polling
// interval and owns the runtime target registry.
package poller

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/walwatch/walwatch/internal/channels"
	"github.com/walwatch/walwatch/internal/clock"
	walerrors "github.com/walwatch/walwatch/internal/errors"
	"github.com/walwatch/walwatch/internal/model"
)

// State is the scheduling state of one target.
type State int

const (
	StateIdle State = iota
	StateCollecting
	StateErrorBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollecting:
		return "collecting"
	case StateErrorBackoff:
		return "error_backoff"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Collection outcomes, as counted in Stats.
const (
	ResultOK      = "ok"
	ResultPartial = "partial"
	ResultFailed  = "failed"
)

// Collector produces one snapshot per call.
type Collector interface {
	Collect(ctx context.Context, target model.Target) *model.WalSnapshot
}

// Connections is told about registry changes so it can manage sessions.
type Connections interface {
	Register(target model.Target) error
	Update(target model.Target) error
	Remove(targetID string)
}

// Config tunes the scheduler.
type Config struct {
	TickInterval     time.Duration
	DefaultInterval  time.Duration
	JitterFraction   float64
	FailureThreshold int
	ErrorBackoff     time.Duration
	MaxConcurrent    int
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = 30 * time.Second
	}
	if c.JitterFraction < 0 {
		c.JitterFraction = 0
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = time.Minute
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 16
	}
}

// TargetStatus is the externally visible scheduling state of a target.
type TargetStatus struct {
	TargetID            string    `json:"target_id"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	NextRun             time.Time `json:"next_run"`
	BackoffUntil        time.Time `json:"backoff_until,omitzero"`
	LastRun             time.Time `json:"last_run,omitzero"`
	LastResult          string    `json:"last_result,omitempty"`
}

// Stats are cumulative scheduler counters.
type Stats struct {
	Collections  map[string]uint64
	TicksDropped uint64
}

type scheduledTarget struct {
	target       model.Target
	state        State
	next         time.Time
	failures     int
	backoffUntil time.Time
	lastRun      time.Time
	lastResult   string
	heapIndex    int
}

// targetQueue implements heap.Interface ordered by next run time.
type targetQueue []*scheduledTarget

func (q targetQueue) Len() int { return len(q) }

func (q targetQueue) Less(i, j int) bool {
	return q[i].next.Before(q[j].next)
}

func (q targetQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].heapIndex = i
	q[j].heapIndex = j
}

func (q *targetQueue) Push(x any) {
	item := x.(*scheduledTarget)
	item.heapIndex = len(*q)
	*q = append(*q, item)
}

func (q *targetQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.heapIndex = -1
	*q = old[:n-1]
	return item
}

// Scheduler runs collection cycles. A target is never collected twice at
// once: a tick that finds the previous cycle still running is dropped.
type Scheduler struct {
	collector Collector
	conns     Connections
	writer    *ResultWriter
	events    *channels.EventChannels
	clock     clock.Clock
	jitter    func(time.Duration) time.Duration
	logger    *slog.Logger
	cfg       Config

	mu      sync.Mutex
	targets map[string]*scheduledTarget
	queue   targetQueue

	sem chan struct{}
	wg  sync.WaitGroup

	runMu   sync.Mutex
	running bool

	collections  sync.Map // result -> *atomic.Uint64
	ticksDropped atomic.Uint64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithJitter replaces the interval jitter function.
func WithJitter(f func(time.Duration) time.Duration) Option {
	return func(s *Scheduler) { s.jitter = f }
}

// WithEvents attaches an event hub.
func WithEvents(events *channels.EventChannels) Option {
	return func(s *Scheduler) { s.events = events }
}

// NewScheduler creates a Scheduler. Targets are added with Register.
func NewScheduler(collector Collector, conns Connections, writer *ResultWriter, logger *slog.Logger, cfg Config, opts ...Option) *Scheduler {
	cfg.applyDefaults()
	s := &Scheduler{
		collector: collector,
		conns:     conns,
		writer:    writer,
		clock:     clock.Real{},
		jitter:    proportionalJitter(cfg.JitterFraction),
		logger:    logger.With("component", "scheduler"),
		cfg:       cfg,
		targets:   make(map[string]*scheduledTarget),
		sem:       make(chan struct{}, cfg.MaxConcurrent),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// proportionalJitter spreads d uniformly over ±fraction.
func proportionalJitter(fraction float64) func(time.Duration) time.Duration {
	return func(d time.Duration) time.Duration {
		if fraction <= 0 {
			return d
		}
		delta := (rand.Float64()*2 - 1) * fraction
		return time.Duration(float64(d) * (1 + delta))
	}
}

// Run drives the scheduler until ctx is cancelled, then waits for in-flight
// collections to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.runMu.Unlock()

	s.logger.Info("starting scheduler",
		"tick_interval", s.cfg.TickInterval,
		"default_interval", s.cfg.DefaultInterval,
		"failure_threshold", s.cfg.FailureThreshold,
		"error_backoff", s.cfg.ErrorBackoff,
	)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// IsRunning returns whether Run is active.
func (s *Scheduler) IsRunning() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

func (s *Scheduler) shutdown() {
	s.logger.Info("shutting down scheduler, waiting for collections to complete")
	s.wg.Wait()

	s.runMu.Lock()
	s.running = false
	s.runMu.Unlock()

	s.logger.Info("scheduler shutdown complete")
}

type dueTarget struct {
	st     *scheduledTarget
	target model.Target
}

// tick starts a cycle for every due target.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.clock.Now()

	var (
		due     []dueTarget
		dropped []string
	)

	s.mu.Lock()
	for len(s.queue) > 0 && !s.queue[0].next.After(now) {
		st := heap.Pop(&s.queue).(*scheduledTarget)

		if st.state == StateErrorBackoff && !now.Before(st.backoffUntil) {
			st.backoffUntil = time.Time{}
			s.setStateLocked(st, StateIdle, now)
		}

		switch st.state {
		case StateCollecting:
			dropped = append(dropped, st.target.ID)
			st.next = now.Add(s.interval(st))
		case StateErrorBackoff:
			st.next = st.backoffUntil
		default:
			s.setStateLocked(st, StateCollecting, now)
			st.next = now.Add(s.interval(st))
			due = append(due, dueTarget{st: st, target: st.target})
		}
		heap.Push(&s.queue, st)
	}
	s.mu.Unlock()

	for _, id := range dropped {
		s.ticksDropped.Add(1)
		s.logger.Warn("tick dropped, previous collection still running", "target_id", id)
		if s.events != nil {
			channels.Emit(s.events, s.events.TickDropped, channels.TickDroppedEvent{TargetID: id, Timestamp: now})
		}
	}

	for _, d := range due {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.collect(ctx, d.st, d.target)
		}()
	}

	if len(due) > 0 {
		s.logger.Debug("tick started collections", "count", len(due))
	}
}

func (s *Scheduler) interval(st *scheduledTarget) time.Duration {
	return s.jitter(st.target.PollingInterval(s.cfg.DefaultInterval))
}

func (s *Scheduler) collect(ctx context.Context, st *scheduledTarget, target model.Target) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		s.complete(st, target, nil)
		return
	}
	s.complete(st, target, s.collector.Collect(ctx, target))
}

// complete records the outcome of a cycle. Results for targets removed while
// the cycle was running are discarded.
func (s *Scheduler) complete(st *scheduledTarget, target model.Target, snap *model.WalSnapshot) {
	now := s.clock.Now()
	logger := s.logger.With("target_id", target.ID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.targets[target.ID]; !ok || cur != st {
		logger.Info("discarding result for removed target")
		return
	}
	if snap == nil {
		s.setStateLocked(st, StateIdle, now)
		return
	}

	result := outcome(snap)
	s.counter(result).Add(1)
	st.lastRun = snap.CollectedAt
	st.lastResult = result

	if err := s.writer.Write(target, snap); err != nil {
		logger.Error("failed to store snapshot", "error", err)
	}

	if snap.ConnectionErr == nil {
		st.failures = 0
		s.setStateLocked(st, StateIdle, now)
		return
	}

	st.failures++
	if st.failures < s.cfg.FailureThreshold {
		s.setStateLocked(st, StateIdle, now)
		return
	}

	st.backoffUntil = now.Add(s.cfg.ErrorBackoff)
	st.next = st.backoffUntil
	if st.heapIndex >= 0 {
		heap.Fix(&s.queue, st.heapIndex)
	}
	s.setStateLocked(st, StateErrorBackoff, now)
}

// outcome classifies a snapshot for the collection counters.
func outcome(snap *model.WalSnapshot) string {
	if snap.ConnectionErr != nil {
		return ResultFailed
	}
	for _, fe := range []*model.FieldError{
		snap.Server.Err, snap.Position.Err, snap.WalDir.Err, snap.Settings.Err,
		snap.Archiver.Err, snap.Slots.Err, snap.Replication.Err, snap.Transactions.Err,
	} {
		if fe != nil {
			return ResultPartial
		}
	}
	return ResultOK
}

func (s *Scheduler) counter(result string) *atomic.Uint64 {
	c, _ := s.collections.LoadOrStore(result, new(atomic.Uint64))
	return c.(*atomic.Uint64)
}

// setStateLocked changes st's state. Entering and leaving ErrorBackoff is
// announced; the idle/collecting cycle is not.
func (s *Scheduler) setStateLocked(st *scheduledTarget, to State, now time.Time) {
	from := st.state
	if from == to {
		return
	}
	st.state = to

	if from != StateErrorBackoff && to != StateErrorBackoff {
		return
	}
	if to == StateErrorBackoff {
		s.logger.Warn("target entered error backoff",
			"target_id", st.target.ID,
			"consecutive_failures", st.failures,
			"backoff_until", st.backoffUntil,
		)
	}
	if s.events != nil {
		channels.Emit(s.events, s.events.SchedulerState, channels.SchedulerStateEvent{
			TargetID:            st.target.ID,
			From:                from.String(),
			To:                  to.String(),
			ConsecutiveFailures: st.failures,
			BackoffUntil:        st.backoffUntil,
			Timestamp:           now,
		})
	}
}

// Register validates target and schedules its first cycle on the next tick.
func (s *Scheduler) Register(target model.Target) error {
	if err := model.ValidateTarget(target); err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.targets[target.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", walerrors.ErrTargetExists, target.ID)
	}
	if err := s.conns.Register(target); err != nil {
		s.mu.Unlock()
		return err
	}
	st := &scheduledTarget{target: target, next: s.clock.Now(), heapIndex: -1}
	s.targets[target.ID] = st
	heap.Push(&s.queue, st)
	s.mu.Unlock()

	s.logger.Info("target registered",
		"target_id", target.ID,
		"host", target.Host,
		"database", target.Database,
		"interval", target.PollingInterval(s.cfg.DefaultInterval),
	)
	s.lifecycle(target.ID, "registered")
	return nil
}

// Update replaces a target's configuration. History and failure counts are kept.
func (s *Scheduler) Update(target model.Target) error {
	if err := model.ValidateTarget(target); err != nil {
		return err
	}

	s.mu.Lock()
	st, ok := s.targets[target.ID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", walerrors.ErrTargetNotFound, target.ID)
	}
	if err := s.conns.Update(target); err != nil {
		s.mu.Unlock()
		return err
	}
	st.target = target

	// a shorter interval takes effect without waiting out the old one
	if st.state != StateErrorBackoff {
		if soonest := s.clock.Now().Add(target.PollingInterval(s.cfg.DefaultInterval)); soonest.Before(st.next) {
			st.next = soonest
			heap.Fix(&s.queue, st.heapIndex)
		}
	}
	s.mu.Unlock()

	s.logger.Info("target updated", "target_id", target.ID)
	s.lifecycle(target.ID, "updated")
	return nil
}

// Remove stops scheduling targetID and drops its history. A cycle already
// running finishes but its result is discarded.
func (s *Scheduler) Remove(targetID string) error {
	s.mu.Lock()
	st, ok := s.targets[targetID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", walerrors.ErrTargetNotFound, targetID)
	}
	// Teardown finishes before the id is free for Register again.
	s.conns.Remove(targetID)
	s.writer.Forget(targetID)
	delete(s.targets, targetID)
	if st.heapIndex >= 0 {
		heap.Remove(&s.queue, st.heapIndex)
	}
	s.mu.Unlock()

	s.logger.Info("target removed", "target_id", targetID)
	s.lifecycle(targetID, "removed")
	return nil
}

func (s *Scheduler) lifecycle(targetID, action string) {
	if s.events == nil {
		return
	}
	channels.Emit(s.events, s.events.TargetLifecycle, channels.TargetLifecycleEvent{
		TargetID:  targetID,
		Action:    action,
		Timestamp: s.clock.Now(),
	})
}

// Target returns the registered configuration of targetID.
func (s *Scheduler) Target(targetID string) (model.Target, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.targets[targetID]
	if !ok {
		return model.Target{}, false
	}
	return st.target, true
}

// Targets returns all registered targets ordered by ID.
func (s *Scheduler) Targets() []model.Target {
	s.mu.Lock()
	out := make([]model.Target, 0, len(s.targets))
	for _, st := range s.targets {
		out = append(out, st.target)
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b model.Target) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Status returns the scheduling state of targetID.
func (s *Scheduler) Status(targetID string) (TargetStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.targets[targetID]
	if !ok {
		return TargetStatus{}, fmt.Errorf("%w: %s", walerrors.ErrTargetNotFound, targetID)
	}
	return TargetStatus{
		TargetID:            targetID,
		State:               st.state,
		ConsecutiveFailures: st.failures,
		NextRun:             st.next,
		BackoffUntil:        st.backoffUntil,
		LastRun:             st.lastRun,
		LastResult:          st.lastResult,
	}, nil
}

// DefaultInterval is the polling interval for targets that do not set one.
func (s *Scheduler) DefaultInterval() time.Duration {
	return s.cfg.DefaultInterval
}

// Stats returns a copy of the cumulative counters.
func (s *Scheduler) Stats() Stats {
	st := Stats{
		Collections:  make(map[string]uint64, 3),
		TicksDropped: s.ticksDropped.Load(),
	}
	for _, r := range []string{ResultOK, ResultPartial, ResultFailed} {
		st.Collections[r] = s.counter(r).Load()
	}
	return st
}

// Wait blocks until all in-flight collections have finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
