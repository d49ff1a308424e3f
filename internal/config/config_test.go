package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 5*time.Second, cfg.ECS.HeartbeatInterval)
	assert.Equal(t, 2, cfg.ECS.ReplicationFactor)
	assert.Equal(t, 3, cfg.ECS.MinRingSize)
	assert.Equal(t, "memory", cfg.Snapshot.Backend)

	require.NoError(t, cfg.Validate())
	assert.Equal(t, cfg.ECS.HeartbeatInterval/3, cfg.ECS.ProbeTimeout, "probe timeout derives from the interval")
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name: "custom port and host",
			envVars: map[string]string{
				"ECS_PORT": "9090",
				"ECS_HOST": "127.0.0.1",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9090, cfg.Server.Port)
				assert.Equal(t, "127.0.0.1", cfg.Server.Host)
				assert.Equal(t, "127.0.0.1:9090", cfg.Address())
			},
		},
		{
			name: "timing",
			envVars: map[string]string{
				"HEARTBEAT_INTERVAL": "900ms",
				"PROBE_TIMEOUT":      "100ms",
				"RPC_TIMEOUT":        "2s",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 900*time.Millisecond, cfg.ECS.HeartbeatInterval)
				assert.Equal(t, 100*time.Millisecond, cfg.ECS.ProbeTimeout)
				assert.Equal(t, 2*time.Second, cfg.ECS.RPCTimeout)
			},
		},
		{
			name: "node list",
			envVars: map[string]string{
				"ECS_NODES":     "server1=127.0.0.1:50000, server2=127.0.0.1:50001",
				"INITIAL_NODES": "2",
			},
			validate: func(t *testing.T, cfg *Config) {
				require.Len(t, cfg.Nodes, 2)
				assert.Equal(t, NodeConfig{Name: "server2", Host: "127.0.0.1", Port: 50001}, cfg.Nodes[1])
				assert.Equal(t, 2, cfg.ECS.InitialNodes)
				records := cfg.NodeRecords()
				assert.Equal(t, "127.0.0.1:50000", records[0].Key())
			},
		},
		{
			name: "invalid port value",
			envVars: map[string]string{
				"ECS_PORT": "invalid",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 8080, cfg.Server.Port, "invalid input keeps the default")
			},
		},
		{
			name: "redis address selects the redis backend",
			envVars: map[string]string{
				"REDIS_ADDR": "localhost:6379",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "redis", cfg.Snapshot.Backend)
				assert.Equal(t, "localhost:6379", cfg.Snapshot.RedisAddr)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := LoadConfig()
			require.NoError(t, err)
			tt.validate(t, cfg)
		})
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ecs.yaml")
	yaml := `
server:
  port: 7070
ecs:
  heartbeat_interval: 2s
  rpc_timeout: 3s
  replication_factor: 3
  initial_nodes: 1
  cache_strategy: lru
  cache_size: 64
nodes:
  - name: server1
    host: 10.0.0.1
    port: 5000
  - name: server2
    host: 10.0.0.2
    port: 5000
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("RPC_TIMEOUT", "4s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 2*time.Second, cfg.ECS.HeartbeatInterval)
	assert.Equal(t, 4*time.Second, cfg.ECS.RPCTimeout, "environment wins over the file")
	assert.Equal(t, 3, cfg.ECS.ReplicationFactor)
	assert.Len(t, cfg.Nodes, 2)
	assert.Equal(t, "LRU", string(cfg.DefaultCache().Strategy))
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout, "unset keys keep defaults")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"zero interval", func(c *Config) { c.ECS.HeartbeatInterval = 0 }},
		{"probe longer than interval", func(c *Config) { c.ECS.ProbeTimeout = time.Minute }},
		{"replication factor", func(c *Config) { c.ECS.ReplicationFactor = 0 }},
		{"unknown cache strategy", func(c *Config) { c.ECS.CacheStrategy = "ARC" }},
		{"duplicate node", func(c *Config) {
			c.Nodes = []NodeConfig{{"a", "h", 1}, {"a", "h", 2}}
		}},
		{"duplicate address", func(c *Config) {
			c.Nodes = []NodeConfig{{"a", "h", 1}, {"b", "h", 1}}
		}},
		{"too many initial nodes", func(c *Config) { c.ECS.InitialNodes = 1 }},
		{"redis without address", func(c *Config) { c.Snapshot.Backend = "redis" }},
		{"unknown backend", func(c *Config) { c.Snapshot.Backend = "etcd" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseNodes(t *testing.T) {
	nodes, err := ParseNodes("a=h1:1,,b=h2:2")
	require.NoError(t, err)
	assert.Equal(t, []NodeConfig{{"a", "h1", 1}, {"b", "h2", 2}}, nodes)

	_, err = ParseNodes("a-h1:1")
	assert.Error(t, err)
	_, err = ParseNodes("a=h1")
	assert.Error(t, err)
	_, err = ParseNodes("a=h1:x")
	assert.Error(t, err)
}
