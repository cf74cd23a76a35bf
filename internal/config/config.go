package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration, loaded from YAML with environment
// variable expansion.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Host     HostConfig     `yaml:"host"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Events   EventsConfig   `yaml:"events"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig locates the SQLite state database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// HostConfig describes the storage host this daemon manages. Region, backend
// and hostname form the storage-detail lookup key.
type HostConfig struct {
	Region    string `yaml:"region"`
	Backend   string `yaml:"backend"`
	Hostname  string `yaml:"hostname,omitempty"` // defaults to os.Hostname
	ArrayName string `yaml:"array_name,omitempty"`
	PoolName  string `yaml:"pool_name,omitempty"`
}

// RecoveryPolicy decides what a restarted daemon does with operations left
// open by its previous run.
type RecoveryPolicy string

const (
	// RecoveryResume picks open operations back up from their last step.
	RecoveryResume RecoveryPolicy = "resume"
	// RecoveryFail marks the last in-flight step failed and closes the
	// operations.
	RecoveryFail RecoveryPolicy = "fail"
)

// DaemonConfig holds the timing knobs of the daemon loop.
type DaemonConfig struct {
	HeartbeatInterval Duration       `yaml:"heartbeat_interval"`
	LivenessThreshold Duration       `yaml:"liveness_threshold"`
	StallThreshold    Duration       `yaml:"stall_threshold"`
	RecoveryPolicy    RecoveryPolicy `yaml:"recovery_policy"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr,omitempty"`
}

// EventsConfig controls NATS JetStream event publishing.
type EventsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url,omitempty"`
	Stream        string `yaml:"stream,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix,omitempty"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn, error
	Format string `yaml:"format,omitempty"` // text or json
}

// Load reads the configuration file, expands ${VAR} references from the
// environment (including variables from a .env file when present), applies
// defaults and validates the result.
func Load(configPath string) (*Config, error) {
	loadEnvFile()

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const exampleConfig = `# diskwarden daemon configuration
database:
  path: /var/lib/diskwarden/state.db

host:
  region: us-east
  backend: ceph
  # hostname defaults to the OS hostname
  # array_name: array-01
  # pool_name: pool-a

daemon:
  heartbeat_interval: 10s
  liveness_threshold: 60s
  stall_threshold: 30m
  recovery_policy: resume

metrics:
  enabled: true
  listen_addr: ":9155"

events:
  enabled: false
  # url: nats://localhost:4222
  # stream: DISKWARDEN
  # subject_prefix: diskwarden

logging:
  level: info
  format: text
`

// Init writes an example configuration file.
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}
	return os.WriteFile(configPath, []byte(exampleConfig), 0o644)
}
