package channels

import (
	"context"
	"log/slog"
)

// Sink receives every event after it has been logged.
type Sink interface {
	Publish(ctx context.Context, topic, targetID string, event any) error
}

// StartEventLogger starts a goroutine that drains all event channels, logs each
// event and forwards it to sinks. It returns when ctx is cancelled or the hub
// is closed.
func StartEventLogger(ctx context.Context, events *EventChannels, logger *slog.Logger, sinks ...Sink) {
	logger = logger.With("component", "events")

	forward := func(topic, targetID string, event any) {
		for _, sink := range sinks {
			if err := sink.Publish(ctx, topic, targetID, event); err != nil {
				logger.WarnContext(ctx, "failed to forward event",
					slog.String("topic", topic),
					slog.String("target_id", targetID),
					slog.Any("error", err),
				)
			}
		}
	}

	go func() {
		for {
			select {
			case ev := <-events.TargetLifecycle:
				logger.InfoContext(ctx, "Target "+ev.Action,
					slog.String("target_id", ev.TargetID),
				)
				forward(TopicTargetLifecycle, ev.TargetID, ev)

			case ev := <-events.ConnectionState:
				level := slog.LevelDebug
				if ev.To == "failed" {
					level = slog.LevelWarn
				}
				logger.Log(ctx, level, "Connection state changed",
					slog.String("target_id", ev.TargetID),
					slog.String("from", ev.From),
					slog.String("to", ev.To),
					slog.Int("failures", ev.Failures),
					slog.String("reason", ev.Reason),
				)
				forward(TopicConnectionState, ev.TargetID, ev)

			case ev := <-events.SchedulerState:
				logger.InfoContext(ctx, "Scheduler state changed",
					slog.String("target_id", ev.TargetID),
					slog.String("from", ev.From),
					slog.String("to", ev.To),
					slog.Int("consecutive_failures", ev.ConsecutiveFailures),
				)
				forward(TopicSchedulerState, ev.TargetID, ev)

			case ev := <-events.TickDropped:
				forward(TopicTickDropped, ev.TargetID, ev)

			case ev := <-events.HealthChanged:
				logger.InfoContext(ctx, "Health changed",
					slog.String("target_id", ev.TargetID),
					slog.String("dimension", ev.Dimension),
					slog.String("from", ev.From.String()),
					slog.String("to", ev.To.String()),
				)
				forward(TopicHealthChanged, ev.TargetID, ev)

			case ev := <-events.SnapshotStored:
				forward(TopicSnapshotStored, ev.Overview.TargetID, ev)

			case <-ctx.Done():
				return
			case <-events.Done():
				return
			}
		}
	}()
}
