package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/arohanajit/kvstore-ecs/internal/hashring"
)

// Config holds all configuration settings for the coordinator
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	ECS      ECSConfig      `mapstructure:"ecs"`
	Nodes    []NodeConfig   `mapstructure:"nodes"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// ServerConfig configures the admin HTTP API
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ECSConfig configures membership management and failure detection
type ECSConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"` // Time between probe cycles
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`      // Deadline for one heartbeat probe
	RPCTimeout        time.Duration `mapstructure:"rpc_timeout"`        // Deadline for every other node RPC
	ReplicationFactor int           `mapstructure:"replication_factor"` // Replica holders per range
	MinRingSize       int           `mapstructure:"min_ring_size"`      // Removal never drops the ring below this
	InitialNodes      int           `mapstructure:"initial_nodes"`      // Nodes added at start-up
	CacheStrategy     string        `mapstructure:"cache_strategy"`
	CacheSize         int           `mapstructure:"cache_size"`
}

// NodeConfig is one storage node the coordinator may place on the ring
type NodeConfig struct {
	Name string `mapstructure:"name"`
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// SnapshotConfig selects where membership snapshots are persisted
type SnapshotConfig struct {
	Backend       string `mapstructure:"backend"` // memory or redis
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisKey      string `mapstructure:"redis_key"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			RequestTimeout:  60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		ECS: ECSConfig{
			HeartbeatInterval: 5 * time.Second,
			ProbeTimeout:      0, // derived from the heartbeat interval
			RPCTimeout:        10 * time.Second,
			ReplicationFactor: 2,
			MinRingSize:       3,
			InitialNodes:      0,
			CacheStrategy:     string(hashring.CacheFIFO),
			CacheSize:         100,
		},
		Snapshot: SnapshotConfig{
			Backend:  "memory",
			RedisKey: "ecs:membership:snapshot",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Address is the admin API listen address
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// DefaultCache is the cache configuration used for bootstrap and when an
// add request leaves it out
func (c *Config) DefaultCache() hashring.CacheConfig {
	return hashring.CacheConfig{
		Strategy: hashring.CacheStrategy(c.ECS.CacheStrategy),
		Size:     c.ECS.CacheSize,
	}.Normalize()
}

// NodeRecords converts the configured nodes into IDLE ring records
func (c *Config) NodeRecords() []hashring.NodeRecord {
	records := make([]hashring.NodeRecord, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		records = append(records, hashring.NodeRecord{
			Name: n.Name,
			Host: n.Host,
			Port: n.Port,
		})
	}
	return records
}

// Validate checks if the configuration is valid and fills derived values
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.ECS.HeartbeatInterval <= 0 {
		return errors.New("heartbeat interval must be positive")
	}
	if c.ECS.ProbeTimeout <= 0 {
		c.ECS.ProbeTimeout = c.ECS.HeartbeatInterval / 3
	}
	if c.ECS.ProbeTimeout > c.ECS.HeartbeatInterval {
		return fmt.Errorf("probe timeout %s exceeds heartbeat interval %s", c.ECS.ProbeTimeout, c.ECS.HeartbeatInterval)
	}
	if c.ECS.RPCTimeout <= 0 {
		return errors.New("rpc timeout must be positive")
	}
	if c.ECS.ReplicationFactor < 1 {
		return fmt.Errorf("replication factor must be at least 1, got %d", c.ECS.ReplicationFactor)
	}
	if c.ECS.MinRingSize < 1 {
		return fmt.Errorf("minimum ring size must be at least 1, got %d", c.ECS.MinRingSize)
	}
	if err := c.DefaultCache().Validate(); err != nil {
		return fmt.Errorf("default cache: %w", err)
	}

	names := make(map[string]bool, len(c.Nodes))
	addrs := make(map[string]bool, len(c.Nodes))
	for i, n := range c.Nodes {
		if n.Name == "" || n.Host == "" || n.Port <= 0 {
			return fmt.Errorf("node %d: name, host and port are required", i)
		}
		addr := fmt.Sprintf("%s:%d", n.Host, n.Port)
		if names[n.Name] || addrs[addr] {
			return fmt.Errorf("node %s (%s) is configured twice", n.Name, addr)
		}
		names[n.Name] = true
		addrs[addr] = true
	}
	if c.ECS.InitialNodes < 0 || c.ECS.InitialNodes > len(c.Nodes) {
		return fmt.Errorf("initial nodes %d out of range, %d configured", c.ECS.InitialNodes, len(c.Nodes))
	}

	switch c.Snapshot.Backend {
	case "memory":
	case "redis":
		if c.Snapshot.RedisAddr == "" {
			return errors.New("redis snapshot backend requires redis_addr")
		}
	default:
		return fmt.Errorf("unknown snapshot backend %q", c.Snapshot.Backend)
	}
	return nil
}

// ParseNodes parses "name=host:port,name=host:port" into node configs
func ParseNodes(s string) ([]NodeConfig, error) {
	var nodes []NodeConfig
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, addr, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("invalid node %q: want name=host:port", item)
		}
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid node address %q: %w", addr, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid port in %q: %w", item, err)
		}
		nodes = append(nodes, NodeConfig{Name: name, Host: host, Port: port})
	}
	return nodes, nil
}
