package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foonetic/timelined/internal/trim"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  node_id: node-a\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.Server.NodeID)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9990, cfg.Admin.HTTPPort)
	assert.Equal(t, 10, cfg.ReadPool.PoolSize)
	assert.Equal(t, 1000, cfg.ReadPool.Pipeline)
	assert.Equal(t, 200, cfg.RangeQueryPageSize)
	assert.Contains(t, cfg.TimelineTrim.Bounds, "default")
	assert.Equal(t, 800, cfg.TimelineTrim.Bounds["default"].Lower)
	require.Len(t, cfg.Tables, 1)
	assert.Equal(t, "timelines", cfg.Tables[0].Name)
	assert.Equal(t, "127.0.0.1:6379", cfg.Tables[0].Replicas[0].Host)
}

func TestLoadConfigHonorsExplicitTables(t *testing.T) {
	path := writeConfig(t, `
server:
  node_id: node-a
tables:
  - name: timelines
    replicas:
      - host: r1:6379
        weight: 2
      - host: r2:6379
        weight: 1
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Len(t, cfg.Tables, 1)
	require.Len(t, cfg.Tables[0].Replicas, 2)
	assert.Equal(t, "r1:6379", cfg.Tables[0].Replicas[0].Host)
	assert.Equal(t, 2, cfg.Tables[0].Replicas[0].Weight)
}

func TestLoadConfigMissingFileFails(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigMissingNodeIDFailsValidation(t *testing.T) {
	path := writeConfig(t, "admin:\n  http_port: 9990\n")
	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "node_id")
}

func TestValidateRejectsBadTrimBounds(t *testing.T) {
	cfg := &Config{
		Server:    ServerConfig{NodeID: "n"},
		Admin:     AdminConfig{HTTPPort: 9990},
		ReadPool:  ReplicaPoolConfig{PoolSize: 1},
		WritePool: ReplicaPoolConfig{PoolSize: 1},
		TimelineTrim: TimelineTrimConfig{
			Bounds: map[string]trim.Bounds{
				"default": {Lower: 100, Upper: 50},
			},
		},
	}
	assert.ErrorContains(t, cfg.Validate(), "timeline_trim.bounds")
}

func TestValidateRejectsMissingTableName(t *testing.T) {
	cfg := &Config{
		Server:    ServerConfig{NodeID: "n"},
		Admin:     AdminConfig{HTTPPort: 9990},
		ReadPool:  ReplicaPoolConfig{PoolSize: 1},
		WritePool: ReplicaPoolConfig{PoolSize: 1},
		Tables: []TableConfig{
			{Name: "", Replicas: []ReplicaHostConfig{{Host: "h", Weight: 1}}},
		},
	}
	assert.ErrorContains(t, cfg.Validate(), "name is required")
}

func TestValidateRejectsTableWithNoReplicas(t *testing.T) {
	cfg := &Config{
		Server:    ServerConfig{NodeID: "n"},
		Admin:     AdminConfig{HTTPPort: 9990},
		ReadPool:  ReplicaPoolConfig{PoolSize: 1},
		WritePool: ReplicaPoolConfig{PoolSize: 1},
		Tables: []TableConfig{
			{Name: "timelines", Replicas: nil},
		},
	}
	assert.ErrorContains(t, cfg.Validate(), "at least one replica")
}

func TestValidateRejectsBadAdminPort(t *testing.T) {
	cfg := &Config{
		Server:    ServerConfig{NodeID: "n"},
		Admin:     AdminConfig{HTTPPort: 70000},
		ReadPool:  ReplicaPoolConfig{PoolSize: 1},
		WritePool: ReplicaPoolConfig{PoolSize: 1},
	}
	assert.ErrorContains(t, cfg.Validate(), "http_port")
}
