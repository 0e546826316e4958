// Package scheduler runs the daemon's periodic housekeeping jobs.
package scheduler

import "time"

// Config defines how often each housekeeping job runs. A zero interval
// disables the job.
type Config struct {
	// GCInterval is how often finished tasks are collected and archived.
	GCInterval time.Duration `yaml:"gc_interval"`
	// PruneInterval is how often tasks past their TTL are expired.
	PruneInterval time.Duration `yaml:"prune_interval"`
	// MissionInterval is how often active missions get a pass when no idle
	// event arrived for them.
	MissionInterval time.Duration `yaml:"mission_interval"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		GCInterval:      time.Minute,
		PruneInterval:   time.Minute,
		MissionInterval: 30 * time.Second,
	}
}
