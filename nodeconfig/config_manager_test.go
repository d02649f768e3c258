package nodeconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/knadh/koanf/providers/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func managerFor(t *testing.T, path string) *ConfigManager {
	t.Helper()
	return &ConfigManager{
		KoanProvider:   file.Provider(path),
		WriterProvider: NewFileWriteCloserProvider(path),
	}
}

func TestDefaultsWhenFileMissing(t *testing.T) {
	cm := managerFor(t, filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, cm.Load())

	cfg := cm.GetConfig()
	assert.Equal(t, "libp2p", cfg.Node.Transport)
	assert.Equal(t, 9010, cfg.Api.Port)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 20, cfg.Directory.BucketSize)
	assert.Equal(t, 15*time.Minute, cfg.Directory.StaleAfter)
	assert.Equal(t, 5*time.Minute, cfg.Coordinator.JobTimeout)
	assert.Equal(t, 10*time.Second, cfg.Worker.HeartbeatInterval)
	assert.Equal(t, 4222, cfg.Nats.Port)
}

func TestFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node:
  transport: nats
  listen_address: /ip4/0.0.0.0/tcp/4001
api:
  port: 9999
storage:
  backend: leveldb
  path: /tmp/mesh-data
coordinator:
  enabled: true
  job_timeout: 90s
`), 0644))

	cm := managerFor(t, path)
	require.NoError(t, cm.Load())

	cfg := cm.GetConfig()
	assert.Equal(t, "nats", cfg.Node.Transport)
	assert.Equal(t, 9999, cfg.Api.Port)
	assert.Equal(t, "leveldb", cfg.Storage.Backend)
	assert.Equal(t, "/tmp/mesh-data", cfg.Storage.Path)
	assert.True(t, cfg.Coordinator.Enabled)
	assert.Equal(t, 90*time.Second, cfg.Coordinator.JobTimeout)
	// Untouched sections keep their defaults.
	assert.Equal(t, 20, cfg.Directory.BucketSize)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api:\n  port: 9999\n"), 0644))
	t.Setenv("GRIDMESH_API__PORT", "7777")
	t.Setenv("GRIDMESH_NODE__TRANSPORT", "nats")

	cm := managerFor(t, path)
	require.NoError(t, cm.Load())

	cfg := cm.GetConfig()
	assert.Equal(t, 7777, cfg.Api.Port)
	assert.Equal(t, "nats", cfg.Node.Transport)
}

func TestSetNodeIdPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cm := managerFor(t, path)
	require.NoError(t, cm.Load())
	require.Empty(t, cm.GetConfig().Node.Id)

	require.NoError(t, cm.SetNodeId("00112233445566778899aabbccddeeff00112233"))

	reloaded := managerFor(t, path)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, "00112233445566778899aabbccddeeff00112233", reloaded.GetConfig().Node.Id)
}

func TestSetBootstrapPeersPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cm := managerFor(t, path)
	require.NoError(t, cm.Load())

	peers := []string{"/ip4/10.0.0.2/tcp/4001", "/ip4/10.0.0.3/tcp/4001"}
	require.NoError(t, cm.SetBootstrapPeers(peers))

	reloaded := managerFor(t, path)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, peers, reloaded.GetConfig().Node.BootstrapPeers)
}

func TestWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cm := managerFor(t, path)
	require.NoError(t, cm.Load())

	cm.GetConfig().Worker.Enabled = true
	cm.GetConfig().Worker.RunnerUrl = "http://runner:8080"
	require.NoError(t, cm.Write())

	reloaded := managerFor(t, path)
	require.NoError(t, reloaded.Load())
	assert.True(t, reloaded.GetConfig().Worker.Enabled)
	assert.Equal(t, "http://runner:8080", reloaded.GetConfig().Worker.RunnerUrl)
}
