// Package connection owns the single database session kept per monitored
// target, including its state machine and reconnect backoff.
package connection

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sethvargo/go-retry"

	"github.com/walwatch/walwatch/internal/channels"
	"github.com/walwatch/walwatch/internal/clock"
	walerrors "github.com/walwatch/walwatch/internal/errors"
	"github.com/walwatch/walwatch/internal/model"
)

// State is the lifecycle state of a target's connection.
type State int

const (
	Idle State = iota
	Connecting
	Active
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CredentialResolver turns a credential reference into a password.
type CredentialResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Config controls connection attempts and reconnect backoff.
type Config struct {
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	MaxRetryWindow time.Duration
}

// Health is a point-in-time view of one target's connection.
type Health struct {
	State        State     `json:"state"`
	Reason       string    `json:"reason,omitempty"`
	Failures     int       `json:"failures"`
	FailingSince time.Time `json:"failing_since,omitzero"`
	BackoffUntil time.Time `json:"backoff_until,omitzero"`
}

type entry struct {
	mu sync.Mutex

	target       model.Target
	session      Session
	state        State
	reason       string
	failures     int
	failingSince time.Time
	backoff      retry.Backoff
	backoffUntil time.Time

	leased         bool
	closeOnRelease bool
	removed        bool
}

// Manager hands out at most one session per target at a time.
type Manager struct {
	connector Connector
	resolver  CredentialResolver
	clock     clock.Clock
	events    *channels.EventChannels
	logger    *slog.Logger
	cfg       Config

	// jitter maps a backoff step onto the actual wait; full jitter by default.
	jitter func(time.Duration) time.Duration

	mu      sync.RWMutex
	entries map[string]*entry
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithJitter replaces the full-jitter function applied to each backoff step.
func WithJitter(f func(time.Duration) time.Duration) Option {
	return func(m *Manager) { m.jitter = f }
}

// WithEvents publishes state transitions to the hub.
func WithEvents(events *channels.EventChannels) Option {
	return func(m *Manager) { m.events = events }
}

// NewManager creates a Manager.
func NewManager(connector Connector, resolver CredentialResolver, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = time.Minute
	}
	m := &Manager{
		connector: connector,
		resolver:  resolver,
		clock:     clock.Real{},
		logger:    logger.With("component", "connection_manager"),
		cfg:       cfg,
		jitter:    fullJitter,
		entries:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func fullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d) + 1))
}

func (m *Manager) newBackoff() retry.Backoff {
	return retry.WithCappedDuration(m.cfg.BackoffCap, retry.NewExponential(m.cfg.BackoffBase))
}

// Register creates an idle entry for target. No connection is opened until
// the first Acquire.
func (m *Manager) Register(target model.Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[target.ID]; exists {
		return fmt.Errorf("%w: %s", walerrors.ErrTargetExists, target.ID)
	}
	m.entries[target.ID] = &entry{target: target, state: Idle, backoff: m.newBackoff()}
	return nil
}

// Update swaps the target definition. When connection settings changed the
// session is rebuilt: immediately when idle, on release when leased.
func (m *Manager) Update(target model.Target) error {
	m.mu.RLock()
	e, ok := m.entries[target.ID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", walerrors.ErrTargetNotFound, target.ID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	reconnect := e.target.ConnectionFingerprint() != target.ConnectionFingerprint()
	e.target = target
	if !reconnect {
		return nil
	}

	e.failures = 0
	e.failingSince = time.Time{}
	e.backoffUntil = time.Time{}
	e.backoff = m.newBackoff()
	e.reason = ""
	if e.leased {
		e.closeOnRelease = true
		return nil
	}
	m.closeSessionLocked(e)
	m.setStateLocked(e, Idle, "")
	return nil
}

// Remove forgets the target. A leased session is closed when released.
func (m *Manager) Remove(targetID string) {
	m.mu.Lock()
	e, ok := m.entries[targetID]
	delete(m.entries, targetID)
	m.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true
	if e.leased {
		e.closeOnRelease = true
		return
	}
	m.closeSessionLocked(e)
}

// Acquire returns an exclusive lease on the target's session, connecting if
// needed. While the target is inside its backoff window it fails with a
// ConnectionError wrapping ErrBackoffActive without attempting a connection.
func (m *Manager) Acquire(ctx context.Context, targetID string) (*Lease, error) {
	m.mu.RLock()
	e, ok := m.entries[targetID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", walerrors.ErrTargetNotFound, targetID)
	}

	e.mu.Lock()
	if e.leased {
		e.mu.Unlock()
		return nil, walerrors.NewConnectionError(targetID, "acquire", walerrors.ErrSessionInUse)
	}

	now := m.clock.Now()
	if e.state == Failed {
		if m.cfg.MaxRetryWindow > 0 && !e.failingSince.IsZero() && now.Sub(e.failingSince) >= m.cfg.MaxRetryWindow {
			m.logger.Info("retry window exhausted, discarding connection state",
				"target_id", targetID,
				"failures", e.failures,
				"failing_since", e.failingSince,
			)
			e.failures = 0
			e.failingSince = time.Time{}
			e.backoffUntil = time.Time{}
			e.backoff = m.newBackoff()
			m.setStateLocked(e, Idle, "")
		} else if now.Before(e.backoffUntil) {
			until := e.backoffUntil
			e.mu.Unlock()
			return nil, walerrors.NewConnectionError(targetID, "acquire",
				fmt.Errorf("%w until %s", walerrors.ErrBackoffActive, until.Format(time.RFC3339)))
		}
	}

	if e.state == Active && e.session != nil {
		e.leased = true
		e.mu.Unlock()
		return &Lease{m: m, e: e, targetID: targetID, session: e.session}, nil
	}

	// Hold the lease across the dial so no second attempt can start.
	e.leased = true
	target := e.target
	m.setStateLocked(e, Connecting, "")
	e.mu.Unlock()

	session, err := m.connect(ctx, target)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.leased = false

	if err != nil {
		m.failLocked(e, err)
		return nil, walerrors.NewConnectionError(targetID, "connect", err)
	}

	if e.removed || e.closeOnRelease {
		e.closeOnRelease = false
		session.Close()
		if e.removed {
			return nil, walerrors.NewConnectionError(targetID, "connect", walerrors.ErrTargetNotFound)
		}
		m.setStateLocked(e, Idle, "")
		return nil, walerrors.NewConnectionError(targetID, "connect", walerrors.ErrNotConnected)
	}

	e.session = session
	e.failures = 0
	e.failingSince = time.Time{}
	e.backoffUntil = time.Time{}
	e.backoff = m.newBackoff()
	m.setStateLocked(e, Active, "")
	e.leased = true
	return &Lease{m: m, e: e, targetID: targetID, session: session}, nil
}

func (m *Manager) connect(ctx context.Context, target model.Target) (Session, error) {
	password := ""
	if target.CredentialRef != "" && m.resolver != nil {
		var err error
		password, err = m.resolver.Resolve(ctx, target.CredentialRef)
		if err != nil {
			return nil, fmt.Errorf("resolve credentials: %w", err)
		}
	}
	return m.connector.Connect(ctx, target, password)
}

// Release returns the lease. It is safe to call more than once.
func (m *Manager) Release(l *Lease) {
	if l == nil {
		return
	}
	e := l.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if l.done {
		return
	}
	l.done = true
	e.leased = false

	if e.closeOnRelease {
		e.closeOnRelease = false
		m.closeSessionLocked(e)
		if !e.removed {
			m.setStateLocked(e, Idle, "")
		}
	}
}

// MarkFailed closes the leased session and starts the backoff window.
func (m *Manager) MarkFailed(l *Lease, reason error) {
	if l == nil {
		return
	}
	e := l.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if l.done {
		return
	}
	l.done = true
	e.leased = false
	e.closeOnRelease = false
	m.closeSessionLocked(e)
	if e.removed {
		return
	}
	m.failLocked(e, reason)
}

// HealthOf reports the connection state of a target.
func (m *Manager) HealthOf(targetID string) (Health, error) {
	m.mu.RLock()
	e, ok := m.entries[targetID]
	m.mu.RUnlock()
	if !ok {
		return Health{}, fmt.Errorf("%w: %s", walerrors.ErrTargetNotFound, targetID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return Health{
		State:        e.state,
		Reason:       e.reason,
		Failures:     e.failures,
		FailingSince: e.failingSince,
		BackoffUntil: e.backoffUntil,
	}, nil
}

// Test opens a throwaway session to target and pings it. The managed entry,
// if any, is not touched.
func (m *Manager) Test(ctx context.Context, target model.Target) (time.Duration, error) {
	start := m.clock.Now()
	session, err := m.connect(ctx, target)
	if err != nil {
		return 0, walerrors.NewConnectionError(target.ID, "test", err)
	}
	defer session.Close()

	if err := session.Ping(ctx); err != nil {
		return 0, walerrors.NewConnectionError(target.ID, "test", err)
	}
	return m.clock.Now().Sub(start), nil
}

// Close closes every idle session. Leased sessions close on release.
func (m *Manager) Close() {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		e.removed = true
		if e.leased {
			e.closeOnRelease = true
		} else {
			m.closeSessionLocked(e)
		}
		e.mu.Unlock()
	}
}

func (m *Manager) failLocked(e *entry, err error) {
	now := m.clock.Now()
	e.failures++
	if e.failingSince.IsZero() {
		e.failingSince = now
	}
	step, _ := e.backoff.Next()
	e.backoffUntil = now.Add(m.jitter(step))
	m.setStateLocked(e, Failed, err.Error())

	m.logger.Warn("connection failed",
		"target_id", e.target.ID,
		"failures", e.failures,
		"backoff_until", e.backoffUntil,
		"error", err,
	)
}

func (m *Manager) closeSessionLocked(e *entry) {
	if e.session != nil {
		e.session.Close()
		e.session = nil
	}
}

func (m *Manager) setStateLocked(e *entry, to State, reason string) {
	from := e.state
	e.state = to
	e.reason = reason
	if from == to || m.events == nil {
		return
	}
	if !channels.Emit(m.events, m.events.ConnectionState, channels.ConnectionStateEvent{
		TargetID:  e.target.ID,
		From:      from.String(),
		To:        to.String(),
		Reason:    reason,
		Failures:  e.failures,
		Timestamp: m.clock.Now(),
	}) {
		m.logger.Warn("failed to emit connection state event: channel full",
			"target_id", e.target.ID,
		)
	}
}

// Lease is exclusive use of a target's session until released.
type Lease struct {
	m        *Manager
	e        *entry
	targetID string
	session  Session
	done     bool
}

// TargetID returns the leased target.
func (l *Lease) TargetID() string { return l.targetID }

// Query runs sql on the leased session.
func (l *Lease) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return l.session.Query(ctx, sql, args...)
}

// Ping checks the leased session.
func (l *Lease) Ping(ctx context.Context) error {
	return l.session.Ping(ctx)
}

// Release is shorthand for Manager.Release.
func (l *Lease) Release() { l.m.Release(l) }

// MarkFailed is shorthand for Manager.MarkFailed.
func (l *Lease) MarkFailed(reason error) { l.m.MarkFailed(l, reason) }
