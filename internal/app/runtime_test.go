package app

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/NodePath81/homenet/internal/config"
	"github.com/NodePath81/homenet/internal/orchestrator"
	"github.com/NodePath81/homenet/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func testRuntimeConfig(t *testing.T) config.Config {
	cfg := config.Default()
	disabled := false
	port := freePort(t)
	cfg.Server.BindAddr = "127.0.0.1"
	cfg.Server.Port = port
	cfg.Discovery.Enabled = &disabled
	cfg.Gateway.Enabled = &disabled
	cfg.Storage.Path = filepath.Join(t.TempDir(), "homenet.db")
	cfg.Test.Target = "127.0.0.1"
	cfg.Test.Port = port
	cfg.Test.Duration = config.Duration(time.Second)
	cfg.Sampler.Interval = config.Duration(20 * time.Millisecond)
	cfg.Sampler.BaselineSamples = 3
	return cfg
}

func TestRuntimeRunsTestAndPersistsResult(t *testing.T) {
	cfg := testRuntimeConfig(t)
	rt, err := NewRuntime(cfg, util.Discard())
	require.NoError(t, err)
	require.NoError(t, rt.Start())
	store := rt.store
	defer rt.Stop()

	var last orchestrator.Event
	for ev := range rt.tests.Run(context.Background(), orchestrator.Request{DeviceID: "dev-1"}) {
		last = ev
	}
	require.Equal(t, orchestrator.EventComplete, last.Kind, "error: %s", last.Error)

	results, err := store.DeviceMeasurements(context.Background(), "dev-1", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, last.Result.ID, results[0].ID)
	assert.Equal(t, uint64(1), rt.server.Stats().TotalSessions)
}

func TestRuntimeStopAfterFailedStart(t *testing.T) {
	cfg := testRuntimeConfig(t)
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", util.FormatPort(cfg.Server.Port)))
	require.NoError(t, err)
	defer ln.Close()

	rt, err := NewRuntime(cfg, util.Discard())
	require.NoError(t, err)
	assert.Error(t, rt.Start())
	rt.Stop()
	rt.Stop()
}

func TestSupervisorRejectsBadConfig(t *testing.T) {
	s := NewSupervisor(filepath.Join(t.TempDir(), "missing.yaml"), util.Discard())
	assert.Error(t, s.Start())
	s.Stop()
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestSupervisorKeepsRuntimeOnInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, fmt.Sprintf(`
server:
  bind_addr: 127.0.0.1
  port: %d
gateway:
  enabled: false
discovery:
  enabled: false
control:
  enabled: false
storage:
  path: %s
`, freePort(t), filepath.Join(dir, "homenet.db")))

	s := NewSupervisor(path, util.Discard())
	require.NoError(t, s.Start())
	defer s.Stop()
	assert.True(t, s.Running())

	writeConfig(t, path, "server:\n  max_sessions: -1\n")
	assert.Error(t, s.Restart())
	assert.True(t, s.Running())

	s.Stop()
	assert.False(t, s.Running())
}
