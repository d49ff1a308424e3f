package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Load builds the configuration from defaults, an optional YAML file and
// environment variables, in increasing order of precedence.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		v := viper.New()
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if err := applyEnvironmentOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadConfig loads configuration from environment variables only
func LoadConfig() (*Config, error) {
	return Load("")
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) error {
	if host := os.Getenv("ECS_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("ECS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	if interval := os.Getenv("HEARTBEAT_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			cfg.ECS.HeartbeatInterval = d
		}
	}
	if timeout := os.Getenv("PROBE_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			cfg.ECS.ProbeTimeout = d
		}
	}
	if timeout := os.Getenv("RPC_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			cfg.ECS.RPCTimeout = d
		}
	}
	if factor := os.Getenv("REPLICATION_FACTOR"); factor != "" {
		if f, err := strconv.Atoi(factor); err == nil {
			cfg.ECS.ReplicationFactor = f
		}
	}
	if initial := os.Getenv("INITIAL_NODES"); initial != "" {
		if n, err := strconv.Atoi(initial); err == nil {
			cfg.ECS.InitialNodes = n
		}
	}
	if strategy := os.Getenv("CACHE_STRATEGY"); strategy != "" {
		cfg.ECS.CacheStrategy = strategy
	}
	if size := os.Getenv("CACHE_SIZE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil {
			cfg.ECS.CacheSize = n
		}
	}

	// Node list replaces the file's list entirely
	if nodes := os.Getenv("ECS_NODES"); nodes != "" {
		parsed, err := ParseNodes(nodes)
		if err != nil {
			return fmt.Errorf("ECS_NODES: %w", err)
		}
		cfg.Nodes = parsed
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Snapshot.Backend = "redis"
		cfg.Snapshot.RedisAddr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Snapshot.RedisPassword = password
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return nil
}
