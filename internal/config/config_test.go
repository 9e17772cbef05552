package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithDirCreatesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := NewWithDir(dir)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.GetHost())
	assert.Equal(t, 8080, cfg.GetPort())
	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddr())
	assert.True(t, strings.HasPrefix(cfg.GetUserToken(), "gatebox-"))
	assert.NotEmpty(t, cfg.GetJWTSecret())
	assert.Equal(t, PolicySourceFile, cfg.GetPolicy().Source)
	assert.Equal(t, "off", cfg.GetRecordMode())
	assert.False(t, cfg.GetRedis().Enabled)
	assert.Equal(t, "127.0.0.1:6379", cfg.GetRedis().Addr)
	assert.Empty(t, cfg.GetMetrics().Exporter)
	assert.Zero(t, cfg.GetRateLimit().RPS)

	// Both providers are pre-seeded so the file documents the shape.
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	require.NoError(t, err)
	var onDisk map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Contains(t, string(onDisk["upstreams"]), "openai")
	assert.Contains(t, string(onDisk["upstreams"]), "anthropic")
}

func TestNewWithDirLoadsExistingAndBackfills(t *testing.T) {
	dir := t.TempDir()
	raw := `{"host":"0.0.0.0","port":9090,"upstreams":{"openai":{"api_key":"sk-test"}}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(raw), 0600))

	cfg, err := NewWithDir(dir)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.GetHost())
	assert.Equal(t, 9090, cfg.GetPort())
	assert.Equal(t, "sk-test", cfg.GetUpstream("openai").APIKey)

	// Generated tokens are persisted so they survive restarts.
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "gatebox-")
	assert.Contains(t, string(data), cfg.GetJWTSecret())
}

func TestSettersPersistAcrossLoads(t *testing.T) {
	dir := t.TempDir()
	cfg, err := NewWithDir(dir)
	require.NoError(t, err)

	require.NoError(t, cfg.SetListen("0.0.0.0", 9191))
	require.NoError(t, cfg.SetUserToken("gatebox-fixed"))
	require.NoError(t, cfg.SetUpstream("anthropic", Upstream{BaseURL: "http://localhost:8787", APIKey: "ak"}))
	require.NoError(t, cfg.SetPolicy(Policy{Source: PolicySourceFile, Path: "/tmp/policy.yaml"}))
	require.NoError(t, cfg.SetRecordMode("failed"))
	require.NoError(t, cfg.SetDebug(true))

	reloaded, err := NewWithDir(dir)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9191", reloaded.ListenAddr())
	assert.Equal(t, "gatebox-fixed", reloaded.GetUserToken())
	assert.Equal(t, "http://localhost:8787", reloaded.GetUpstream("anthropic").BaseURL)
	assert.Equal(t, "/tmp/policy.yaml", reloaded.GetPolicy().Path)
	assert.Equal(t, "failed", reloaded.GetRecordMode())
	assert.True(t, reloaded.GetDebug())
}

func TestSetListenKeepsUnsetFields(t *testing.T) {
	cfg, err := NewWithDir(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, cfg.SetListen("", 9999))
	assert.Equal(t, "127.0.0.1", cfg.GetHost())
	assert.Equal(t, 9999, cfg.GetPort())

	require.NoError(t, cfg.SetListen("0.0.0.0", 0))
	assert.Equal(t, "0.0.0.0", cfg.GetHost())
	assert.Equal(t, 9999, cfg.GetPort())
}

func TestSetPolicyRejectsUnknownSource(t *testing.T) {
	cfg, err := NewWithDir(t.TempDir())
	require.NoError(t, err)

	err = cfg.SetPolicy(Policy{Source: "carrier-pigeon"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestSetRecordModeRejectsUnknown(t *testing.T) {
	cfg, err := NewWithDir(t.TempDir())
	require.NoError(t, err)

	require.Error(t, cfg.SetRecordMode("sometimes"))
	for _, mode := range []string{"off", "failed", "all"} {
		assert.NoError(t, cfg.SetRecordMode(mode))
	}
}

func TestGetUpstreamUnknownIsZero(t *testing.T) {
	cfg, err := NewWithDir(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Upstream{}, cfg.GetUpstream("bedrock"))
}

func TestEnvOverridesApplyWithoutPersisting(t *testing.T) {
	t.Setenv(EnvListen, "0.0.0.0:7070")
	t.Setenv(EnvRedisAddr, "redis:6379")
	t.Setenv(EnvPolicySource, "/etc/gatebox/policy.yaml")

	dir := t.TempDir()
	cfg, err := NewWithDir(dir)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:7070", cfg.ListenAddr())
	assert.True(t, cfg.GetRedis().Enabled)
	assert.Equal(t, "redis:6379", cfg.GetRedis().Addr)
	assert.Equal(t, PolicySourceFile, cfg.GetPolicy().Source)
	assert.Equal(t, "/etc/gatebox/policy.yaml", cfg.GetPolicy().Path)

	// The file keeps the defaults; overrides live only in memory.
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	require.NoError(t, err)
	var onDisk struct {
		Port  int   `json:"port"`
		Redis Redis `json:"redis"`
	}
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, 8080, onDisk.Port)
	assert.False(t, onDisk.Redis.Enabled)
}

func TestEnvPolicySourceStore(t *testing.T) {
	t.Setenv(EnvPolicySource, "store")

	cfg, err := NewWithDir(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, PolicySourceStore, cfg.GetPolicy().Source)
	assert.Empty(t, cfg.GetPolicy().Path)
}

func TestWatcherReloadsOnRewrite(t *testing.T) {
	dir := t.TempDir()
	cfg, err := NewWithDir(dir)
	require.NoError(t, err)

	w, err := NewWatcher(cfg)
	require.NoError(t, err)
	notified := make(chan struct{}, 1)
	w.OnChange(func(*Config) {
		select {
		case notified <- struct{}{}:
		default:
		}
	})
	require.NoError(t, w.Start())
	t.Cleanup(func() { _ = w.Stop() })

	// ModTime granularity can be one second; make sure the rewrite is newer.
	time.Sleep(1100 * time.Millisecond)
	raw := `{"host":"127.0.0.1","port":6161}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(raw), 0600))

	select {
	case <-notified:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload")
	}
	assert.Equal(t, 6161, cfg.GetPort())
}

func TestWatcherKeepsConfigOnBadRewrite(t *testing.T) {
	dir := t.TempDir()
	cfg, err := NewWithDir(dir)
	require.NoError(t, err)
	port := cfg.GetPort()

	w, err := NewWatcher(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{broken`), 0600))
	require.Error(t, w.TriggerReload())
	assert.Equal(t, port, cfg.GetPort())
}
