package config

import (
	"os"
	"time"
)

// applyDefaults fills unset fields with sensible values. Hostname falls back
// to the OS hostname so a minimal config only needs region and backend.
func (c *Config) applyDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = "/var/lib/diskwarden/state.db"
	}
	if c.Host.Hostname == "" {
		if hn, err := os.Hostname(); err == nil {
			c.Host.Hostname = hn
		}
	}
	if c.Daemon.HeartbeatInterval.Duration <= 0 {
		c.Daemon.HeartbeatInterval.Duration = 10 * time.Second
	}
	if c.Daemon.LivenessThreshold.Duration <= 0 {
		c.Daemon.LivenessThreshold.Duration = 6 * c.Daemon.HeartbeatInterval.Duration
	}
	if c.Daemon.StallThreshold.Duration <= 0 {
		c.Daemon.StallThreshold.Duration = 30 * time.Minute
	}
	if c.Daemon.RecoveryPolicy == "" {
		c.Daemon.RecoveryPolicy = RecoveryResume
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9155"
	}
	if c.Events.Stream == "" {
		c.Events.Stream = "DISKWARDEN"
	}
	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = "diskwarden"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}
