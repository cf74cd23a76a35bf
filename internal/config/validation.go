package config

import (
	"fmt"

	"git.home.luguber.info/inful/diskwarden/internal/topology"
)

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("config: database.path must be set")
	}
	if c.Host.Region == "" {
		return fmt.Errorf("config: host.region must be set")
	}
	if c.Host.Hostname == "" {
		return fmt.Errorf("config: host.hostname must be set")
	}
	if _, err := topology.ParseBackendType(c.Host.Backend); err != nil {
		return fmt.Errorf("config: host.backend: %w", err)
	}
	switch c.Daemon.RecoveryPolicy {
	case RecoveryResume, RecoveryFail:
	default:
		return fmt.Errorf("config: daemon.recovery_policy must be %q or %q, got %q",
			RecoveryResume, RecoveryFail, c.Daemon.RecoveryPolicy)
	}
	if c.Daemon.LivenessThreshold.Duration <= c.Daemon.HeartbeatInterval.Duration {
		return fmt.Errorf("config: daemon.liveness_threshold must exceed daemon.heartbeat_interval")
	}
	if c.Events.Enabled && c.Events.URL == "" {
		return fmt.Errorf("config: events.url must be set when events are enabled")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: logging.format must be text or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	return nil
}

// HostInfo converts the host section into the topology registration payload.
func (c *Config) HostInfo() topology.HostInfo {
	backend, _ := topology.ParseBackendType(c.Host.Backend)
	info := topology.HostInfo{
		Region:   c.Host.Region,
		Backend:  backend,
		Hostname: c.Host.Hostname,
	}
	if c.Host.ArrayName != "" {
		info.ArrayName = &c.Host.ArrayName
	}
	if c.Host.PoolName != "" {
		info.PoolName = &c.Host.PoolName
	}
	return info
}
