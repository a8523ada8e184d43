package channels

// EventChannelsConfig configures buffer sizes for event channels
type EventChannelsConfig struct {
	ConnectionBufferSize int
	SchedulerBufferSize  int
	HealthBufferSize     int
	SnapshotBufferSize   int
}

// ApplyDefaults fills zero buffer sizes.
func (c *EventChannelsConfig) ApplyDefaults() {
	if c.ConnectionBufferSize <= 0 {
		c.ConnectionBufferSize = 64
	}
	if c.SchedulerBufferSize <= 0 {
		c.SchedulerBufferSize = 64
	}
	if c.HealthBufferSize <= 0 {
		c.HealthBufferSize = 128
	}
	if c.SnapshotBufferSize <= 0 {
		c.SnapshotBufferSize = 32
	}
}
