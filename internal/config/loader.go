package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// envBindings maps config keys to the environment variables that override them
var envBindings = map[string]string{
	"member.id":                        "DISTCACHE_MEMBER_ID",
	"member.host":                      "DISTCACHE_MEMBER_HOST",
	"member.port":                      "DISTCACHE_MEMBER_PORT",
	"member.location.machine":          "DISTCACHE_MACHINE",
	"member.location.rack":             "DISTCACHE_RACK",
	"member.location.site":             "DISTCACHE_SITE",
	"replication.default_async_backup": "DISTCACHE_ASYNC_BACKUP",
	"gossip.seed_nodes":                "DISTCACHE_SEED_NODES",
	"logging.level":                    "LOG_LEVEL",
	"logging.format":                   "LOG_FORMAT",
}

// Load loads configuration from a YAML file and environment variables.
// A missing file is not an error; defaults and the environment apply.
func Load(filePath string) (*Config, error) {
	var cfg Config

	if filePath != "" {
		data, err := os.ReadFile(filePath)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment overrides take precedence over the file and must land before
	// defaults so the process-wide async-backup value reaches every service
	if err := applyEnvironmentOverrides(&cfg); err != nil {
		return nil, err
	}

	if cfg.Member.ID == "" {
		cfg.Member.ID = uuid.New().String()
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) error {
	v := viper.New()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if id := v.GetString("member.id"); id != "" {
		cfg.Member.ID = id
	}
	if host := v.GetString("member.host"); host != "" {
		cfg.Member.Host = host
	}
	if v.IsSet("member.port") {
		cfg.Member.Port = v.GetInt("member.port")
	}
	if machine := v.GetString("member.location.machine"); machine != "" {
		cfg.Member.Location.Machine = machine
	}
	if rack := v.GetString("member.location.rack"); rack != "" {
		cfg.Member.Location.Rack = rack
	}
	if site := v.GetString("member.location.site"); site != "" {
		cfg.Member.Location.Site = site
	}
	if asyncBackup := v.GetString("replication.default_async_backup"); asyncBackup != "" {
		cfg.Replication.DefaultAsyncBackup = asyncBackup
	}
	if seeds := v.GetString("gossip.seed_nodes"); seeds != "" {
		cfg.Gossip.SeedNodes = strings.Split(seeds, ",")
		cfg.Gossip.Enabled = true
	}
	if level := v.GetString("logging.level"); level != "" {
		cfg.Logging.Level = level
	}
	if format := v.GetString("logging.format"); format != "" {
		cfg.Logging.Format = format
	}
	return nil
}
