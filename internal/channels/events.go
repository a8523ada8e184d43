package channels

import (
	"time"

	"github.com/google/uuid"

	"github.com/walwatch/walwatch/internal/health"
	"github.com/walwatch/walwatch/internal/model"
)

// Topics used when events leave the process.
const (
	TopicTargetLifecycle = "target.lifecycle"
	TopicConnectionState = "connection.state"
	TopicSchedulerState  = "scheduler.state"
	TopicTickDropped     = "scheduler.tick_dropped"
	TopicHealthChanged   = "health.changed"
	TopicSnapshotStored  = "snapshot.stored"
)

// TargetLifecycleEvent is published when a target is registered, updated or removed
type TargetLifecycleEvent struct {
	TargetID  string    `json:"target_id"`
	Action    string    `json:"action"` // "registered", "updated", "removed"
	Timestamp time.Time `json:"timestamp"`
}

// ConnectionStateEvent is published on every connection state transition
type ConnectionStateEvent struct {
	TargetID  string    `json:"target_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"` // only set when To == "failed"
	Failures  int       `json:"failures"`
	Timestamp time.Time `json:"timestamp"`
}

// SchedulerStateEvent is published when a target enters or leaves error backoff
type SchedulerStateEvent struct {
	TargetID            string    `json:"target_id"`
	From                string    `json:"from"`
	To                  string    `json:"to"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	BackoffUntil        time.Time `json:"backoff_until,omitzero"`
	Timestamp           time.Time `json:"timestamp"`
}

// TickDroppedEvent is published when a tick fires while a collection is still running
type TickDroppedEvent struct {
	TargetID  string    `json:"target_id"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthChangedEvent is published when a health dimension changes between snapshots
type HealthChangedEvent struct {
	TargetID     string        `json:"target_id"`
	CollectionID uuid.UUID     `json:"collection_id"`
	Dimension    string        `json:"dimension"`
	From         health.Status `json:"from"`
	To           health.Status `json:"to"`
	Timestamp    time.Time     `json:"timestamp"`
}

// SnapshotStoredEvent carries the condensed view of every stored snapshot
type SnapshotStoredEvent struct {
	Overview model.Overview `json:"overview"`
}

// EventChannels provides typed channels for all collector events
type EventChannels struct {
	TargetLifecycle chan TargetLifecycleEvent
	ConnectionState chan ConnectionStateEvent
	SchedulerState  chan SchedulerStateEvent
	TickDropped     chan TickDroppedEvent
	HealthChanged   chan HealthChangedEvent
	SnapshotStored  chan SnapshotStoredEvent

	// Graceful shutdown
	done chan struct{}
}

// NewEventChannels creates a new EventChannels hub with configured buffer sizes
func NewEventChannels(cfg EventChannelsConfig) *EventChannels {
	cfg.ApplyDefaults()
	return &EventChannels{
		TargetLifecycle: make(chan TargetLifecycleEvent, cfg.SchedulerBufferSize),
		ConnectionState: make(chan ConnectionStateEvent, cfg.ConnectionBufferSize),
		SchedulerState:  make(chan SchedulerStateEvent, cfg.SchedulerBufferSize),
		TickDropped:     make(chan TickDroppedEvent, cfg.SchedulerBufferSize),
		HealthChanged:   make(chan HealthChangedEvent, cfg.HealthBufferSize),
		SnapshotStored:  make(chan SnapshotStoredEvent, cfg.SnapshotBufferSize),
		done:            make(chan struct{}),
	}
}

// Close signals consumers to exit. Data channels stay open so that a late
// producer never panics; Emit refuses new events once closed.
func (ec *EventChannels) Close() error {
	select {
	case <-ec.done:
	default:
		close(ec.done)
	}
	return nil
}

// Done returns a channel that's closed when the EventChannels is shutting down
func (ec *EventChannels) Done() <-chan struct{} {
	return ec.done
}

// Emit performs a non-blocking send. It returns false when the hub is nil or
// closed, or the channel buffer is full.
func Emit[T any](ec *EventChannels, ch chan T, event T) bool {
	if ec == nil {
		return false
	}
	select {
	case <-ec.done:
		return false
	default:
	}
	select {
	case ch <- event:
		return true
	default:
		return false
	}
}
