package poller

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/walwatch/walwatch/internal/channels"
	"github.com/walwatch/walwatch/internal/model"
)

// SnapshotStore is where finished snapshots are published.
type SnapshotStore interface {
	Put(snap *model.WalSnapshot) error
	Latest(targetID string) (*model.WalSnapshot, bool)
	Remove(targetID string)
}

// ResultWriter stores snapshots and announces what changed.
type ResultWriter struct {
	store           SnapshotStore
	events          *channels.EventChannels
	defaultInterval time.Duration
	logger          *slog.Logger
}

// NewResultWriter creates a new ResultWriter. events may be nil.
func NewResultWriter(store SnapshotStore, events *channels.EventChannels, defaultInterval time.Duration, logger *slog.Logger) *ResultWriter {
	return &ResultWriter{
		store:           store,
		events:          events,
		defaultInterval: defaultInterval,
		logger:          logger.With("component", "result_writer"),
	}
}

// Write publishes snap as the latest snapshot of target and emits a
// HealthChangedEvent for every dimension that moved since the previous one.
func (w *ResultWriter) Write(target model.Target, snap *model.WalSnapshot) error {
	prev, hasPrev := w.store.Latest(target.ID)

	if err := w.store.Put(snap); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}

	logger := w.logger.With(
		"target_id", target.ID,
		"collection_id", snap.CollectionID,
	)
	if snap.ConnectionErr != nil {
		logger.Warn("collection failed",
			"error", snap.ConnectionErr.Message,
		)
	} else {
		logger.Debug("snapshot stored",
			"overall", snap.Health.Overall.String(),
			"cycle_ms", snap.CycleMS,
		)
	}

	if w.events == nil {
		return nil
	}

	if hasPrev {
		before := prev.Health.Dimensions()
		after := snap.Health.Dimensions()
		names := make([]string, 0, len(after))
		for name := range after {
			names = append(names, name)
		}
		slices.Sort(names)

		for _, name := range names {
			if before[name] == after[name] {
				continue
			}
			ev := channels.HealthChangedEvent{
				TargetID:     target.ID,
				CollectionID: snap.CollectionID,
				Dimension:    name,
				From:         before[name],
				To:           after[name],
				Timestamp:    snap.CollectedAt,
			}
			if !channels.Emit(w.events, w.events.HealthChanged, ev) {
				logger.Warn("failed to emit health changed event: channel full",
					"dimension", name,
				)
			}
		}
	}

	ov := snap.Overview(snap.CollectedAt, target.PollingInterval(w.defaultInterval))
	channels.Emit(w.events, w.events.SnapshotStored, channels.SnapshotStoredEvent{Overview: ov})
	return nil
}

// Forget drops all stored history for targetID.
func (w *ResultWriter) Forget(targetID string) {
	w.store.Remove(targetID)
}
