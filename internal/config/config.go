package config

import (
	"fmt"
	"time"

	"github.com/devrev/pairdb/distcache/internal/model"
	"gopkg.in/yaml.v3"
)

// DefaultServiceName is used when the configuration declares no service
const DefaultServiceName = "DistributedCache"

// Config represents the complete configuration for a cache member
type Config struct {
	Member      MemberConfig      `yaml:"member"`
	Replication ReplicationConfig `yaml:"replication"`
	Services    []ServiceConfig   `yaml:"services"`
	Transport   TransportConfig   `yaml:"transport"`
	Gossip      GossipConfig      `yaml:"gossip"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// MemberConfig holds the identity and topology metadata of this member
type MemberConfig struct {
	ID       string         `yaml:"id"`
	Host     string         `yaml:"host"`
	Port     int            `yaml:"port"`
	Location model.Location `yaml:"location"`
}

// ReplicationConfig holds process-wide replication settings
type ReplicationConfig struct {
	// DefaultAsyncBackup applies to every service that does not set async_backup
	DefaultAsyncBackup string `yaml:"default_async_backup"`
	Workers            int    `yaml:"workers"`
	QueueSize          int    `yaml:"queue_size"`
}

// AsyncBackup is the raw async-backup value; YAML booleans and durations are both accepted
type AsyncBackup struct {
	Value string
	Set   bool
}

// UnmarshalYAML keeps the scalar text so false, true and "10s" parse alike
func (a *AsyncBackup) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("async_backup must be a scalar, got %v at line %d", node.Tag, node.Line)
	}
	a.Value = node.Value
	a.Set = true
	return nil
}

// ServiceConfig holds configuration for one partitioned cache service
type ServiceConfig struct {
	Name           string          `yaml:"name"`
	PartitionCount int             `yaml:"partition_count"`
	BackupCount    *int            `yaml:"backup_count"`
	AsyncBackup    AsyncBackup     `yaml:"async_backup"`
	ReadLocator    string          `yaml:"read_locator"`
	SyncTimeout    time.Duration   `yaml:"sync_timeout"`
	RecoveryReads  string          `yaml:"recovery_reads"`
	BackupLog      BackupLogConfig `yaml:"backup_log"`
	Pressure       PressureConfig  `yaml:"pressure"`
}

// BackupLogConfig bounds the per-partition backup log
type BackupLogConfig struct {
	MaxEntries int   `yaml:"max_entries"`
	MaxBytes   int64 `yaml:"max_bytes"`
}

// PressureConfig controls early flushes under scheduled backups
type PressureConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	MaxAge     time.Duration `yaml:"max_age"`
	FlushRate  float64       `yaml:"flush_rate"`
	FlushBurst int           `yaml:"flush_burst"`
}

// TransportConfig holds inter-member transport configuration
type TransportConfig struct {
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialBackoff  time.Duration `yaml:"initial_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Recovery read modes while a promoted primary replays its log
const (
	RecoveryReadsBlock    = "block"
	RecoveryReadsFailFast = "fail-fast"
)

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Member.Host == "" {
		cfg.Member.Host = "0.0.0.0"
	}
	if cfg.Member.Port == 0 {
		cfg.Member.Port = 7574
	}

	if cfg.Replication.Workers == 0 {
		cfg.Replication.Workers = 16
	}
	if cfg.Replication.QueueSize == 0 {
		cfg.Replication.QueueSize = 1024
	}

	if len(cfg.Services) == 0 {
		cfg.Services = []ServiceConfig{{Name: DefaultServiceName}}
	}
	for i := range cfg.Services {
		setServiceDefaults(&cfg.Services[i], cfg.Replication.DefaultAsyncBackup)
	}

	if cfg.Transport.RequestTimeout == 0 {
		cfg.Transport.RequestTimeout = 5 * time.Second
	}
	if cfg.Transport.MaxAttempts == 0 {
		cfg.Transport.MaxAttempts = 5
	}
	if cfg.Transport.InitialBackoff == 0 {
		cfg.Transport.InitialBackoff = 50 * time.Millisecond
	}
	if cfg.Transport.MaxBackoff == 0 {
		cfg.Transport.MaxBackoff = 2 * time.Second
	}
	if cfg.Transport.BreakerFailures == 0 {
		cfg.Transport.BreakerFailures = 5
	}
	if cfg.Transport.BreakerTimeout == 0 {
		cfg.Transport.BreakerTimeout = 10 * time.Second
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = time.Second
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9095
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func setServiceDefaults(svc *ServiceConfig, defaultAsyncBackup string) {
	if svc.PartitionCount == 0 {
		svc.PartitionCount = 257
	}
	if svc.BackupCount == nil {
		one := 1
		svc.BackupCount = &one
	}
	if !svc.AsyncBackup.Set && defaultAsyncBackup != "" {
		svc.AsyncBackup = AsyncBackup{Value: defaultAsyncBackup, Set: true}
	}
	if svc.ReadLocator == "" {
		svc.ReadLocator = string(model.ReadLocatorPrimary)
	}
	if svc.SyncTimeout == 0 {
		svc.SyncTimeout = 5 * time.Second
	}
	if svc.RecoveryReads == "" {
		svc.RecoveryReads = RecoveryReadsBlock
	}
	if svc.BackupLog.MaxEntries == 0 {
		svc.BackupLog.MaxEntries = 100000
	}
	if svc.BackupLog.MaxBytes == 0 {
		svc.BackupLog.MaxBytes = 64 * 1024 * 1024 // 64MB
	}
	if svc.Pressure.MaxEntries == 0 {
		svc.Pressure.MaxEntries = 1000
	}
	if svc.Pressure.FlushRate == 0 {
		svc.Pressure.FlushRate = 10
	}
	if svc.Pressure.FlushBurst == 0 {
		svc.Pressure.FlushBurst = 1
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Member.ID == "" {
		return fmt.Errorf("member.id is required")
	}
	if c.Member.Port < 1 || c.Member.Port > 65535 {
		return fmt.Errorf("member.port must be between 1 and 65535")
	}
	if c.Replication.DefaultAsyncBackup != "" {
		if _, err := model.ParseReplicationPolicy(c.Replication.DefaultAsyncBackup); err != nil {
			return fmt.Errorf("replication.default_async_backup: %w", err)
		}
	}

	seen := make(map[string]bool, len(c.Services))
	for i, svc := range c.Services {
		if svc.Name == "" {
			return fmt.Errorf("services[%d].name is required", i)
		}
		if seen[svc.Name] {
			return fmt.Errorf("services[%d]: duplicate service name %q", i, svc.Name)
		}
		seen[svc.Name] = true

		if err := svc.Validate(); err != nil {
			return fmt.Errorf("service %q: %w", svc.Name, err)
		}
	}

	if c.Transport.MaxAttempts < 1 {
		return fmt.Errorf("transport.max_attempts must be at least 1")
	}
	return nil
}

// Validate validates a single service configuration
func (s *ServiceConfig) Validate() error {
	if s.PartitionCount < 1 {
		return fmt.Errorf("partition_count must be positive")
	}
	if s.BackupCount != nil && *s.BackupCount < 0 {
		return fmt.Errorf("backup_count must not be negative")
	}
	if _, err := s.ReplicationPolicy(); err != nil {
		return err
	}
	if _, err := s.ReadLocatorPolicy(); err != nil {
		return err
	}
	if s.RecoveryReads != RecoveryReadsBlock && s.RecoveryReads != RecoveryReadsFailFast {
		return fmt.Errorf("recovery_reads must be %q or %q", RecoveryReadsBlock, RecoveryReadsFailFast)
	}
	if s.BackupLog.MaxEntries < 1 {
		return fmt.Errorf("backup_log.max_entries must be positive")
	}
	if s.Pressure.MaxEntries > s.BackupLog.MaxEntries {
		return fmt.Errorf("pressure.max_entries (%d) exceeds backup_log.max_entries (%d)",
			s.Pressure.MaxEntries, s.BackupLog.MaxEntries)
	}
	return nil
}

// ReplicationPolicy parses the service's async-backup value
func (s *ServiceConfig) ReplicationPolicy() (model.ReplicationPolicy, error) {
	return model.ParseReplicationPolicy(s.AsyncBackup.Value)
}

// ReadLocatorPolicy parses the service's read-locator value
func (s *ServiceConfig) ReadLocatorPolicy() (model.ReadLocatorPolicy, error) {
	return model.ParseReadLocator(s.ReadLocator)
}

// Backups returns the configured backup count
func (s *ServiceConfig) Backups() int {
	if s.BackupCount == nil {
		return 1
	}
	return *s.BackupCount
}
