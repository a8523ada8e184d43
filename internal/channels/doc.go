// Package channels carries typed collector events from producers (connection
// manager, scheduler, result writer) to consumers (structured log, NATS).
//
// Producers never block: Emit drops an event when the buffer is full and
// reports the drop so the caller can log it.
//
//	events := channels.NewEventChannels(cfg)
//	defer events.Close()
//
//	if !channels.Emit(events, events.ConnectionState, channels.ConnectionStateEvent{...}) {
//	    logger.Warn("failed to emit connection state event: channel full")
//	}
//
// A single dispatcher started with StartEventLogger drains every channel, logs
// each event and forwards it to the configured sinks.
package channels
