package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bootstrapPeer = "/ip4/10.0.0.2/tcp/4001/p2p/12D3KooWD3eckifWpRn9wQpMG9R9hX3sD158z7EqHWmweQAJU5SA"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	addrs, err := cfg.Node.ListenMultiaddrs()
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.Equal(t, "/ip4/127.0.0.1/tcp/0", addrs[0].String())
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
node:
  listen_addrs:
    - /ip4/0.0.0.0/tcp/4001
    - /ip4/0.0.0.0/udp/4001/quic-v1
  bootstrap:
    - `+bootstrapPeer+`
  conn_grace_period: 1m
http:
  addr: 0.0.0.0:8080
logger:
  level: debug
  format: console
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/ip4/0.0.0.0/tcp/4001", "/ip4/0.0.0.0/udp/4001/quic-v1"}, cfg.Node.ListenAddrs)
	assert.Equal(t, time.Minute, cfg.Node.ConnGracePeriod)
	assert.Equal(t, "0.0.0.0:8080", cfg.HTTP.Addr)
	assert.True(t, cfg.HTTP.Enabled)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "console", cfg.Logger.Format)
	assert.Equal(t, 128, cfg.Node.ConnHigh)

	boot, err := cfg.Node.BootstrapMultiaddrs()
	require.NoError(t, err)
	require.Len(t, boot, 1)
	assert.Equal(t, bootstrapPeer, boot[0].String())
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "node:\n  listen_adresses: []\n")

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadEmptyFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "http:\n  addr: 127.0.0.1:9000\nlogger:\n  level: warn\n")
	t.Setenv("P2PNODE_HTTP_ADDR", "127.0.0.1:9100")
	t.Setenv("P2PNODE_NODE_LISTEN_ADDRS", "/ip4/127.0.0.1/tcp/4101,/ip6/::1/tcp/4101")
	t.Setenv("P2PNODE_METRICS_ENABLED", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9100", cfg.HTTP.Addr)
	assert.Equal(t, "warn", cfg.Logger.Level)
	assert.Equal(t, []string{"/ip4/127.0.0.1/tcp/4101", "/ip6/::1/tcp/4101"}, cfg.Node.ListenAddrs)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "bad listen address", mutate: func(c *Config) { c.Node.ListenAddrs = []string{"127.0.0.1:4001"} }},
		{name: "bootstrap without peer id", mutate: func(c *Config) { c.Node.Bootstrap = []string{"/ip4/10.0.0.2/tcp/4001"} }},
		{name: "negative command buffer", mutate: func(c *Config) { c.Node.CommandBuffer = -1 }},
		{name: "inverted watermarks", mutate: func(c *Config) { c.Node.ConnLow, c.Node.ConnHigh = 50, 10 }},
		{name: "mdns without rendezvous", mutate: func(c *Config) { c.Node.MDNS, c.Node.Rendezvous = true, "" }},
		{name: "zero bootstrap timeout", mutate: func(c *Config) { c.Node.BootstrapTimeout = 0 }},
		{name: "http without addr", mutate: func(c *Config) { c.HTTP.Addr = "" }},
		{name: "bad log level", mutate: func(c *Config) { c.Logger.Level = "chatty" }},
		{name: "bad log format", mutate: func(c *Config) { c.Logger.Format = "xml" }},
		{name: "relative metrics path", mutate: func(c *Config) { c.Metrics.Path = "metrics" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}
