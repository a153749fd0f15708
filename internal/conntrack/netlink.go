package conntrack

import "time"

// NetlinkConfig configures the kernel conntrack backend.
type NetlinkConfig struct {
	// PollInterval is how often the kernel table is dumped to detect
	// destroyed flows.
	PollInterval time.Duration

	// RefreshRate bounds on-demand dumps triggered by liveness misses, in
	// dumps per second.
	RefreshRate float64
}

// DefaultNetlinkConfig returns the defaults.
func DefaultNetlinkConfig() NetlinkConfig {
	return NetlinkConfig{
		PollInterval: time.Second,
		RefreshRate:  4,
	}
}
