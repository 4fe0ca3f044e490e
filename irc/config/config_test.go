package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "ircd.yaml", `
server:
  name: irc.example.net
  network: ExampleNet
  port: 6697
dns:
  server: 10.0.0.53
  timeout: 3
operators:
  - name: admin
    password_hash: $2a$10$abcdefghijklmnopqrstuv
modules:
  - name: m_cloak
    enabled: true
    config:
      prefix: net-
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "irc.example.net", cfg.Server.Name)
	assert.Equal(t, "ExampleNet", cfg.Server.Network)
	assert.Equal(t, 6697, cfg.Server.Port)
	assert.Equal(t, "10.0.0.53", cfg.DNS.Server)
	assert.Equal(t, int64(3), cfg.DNS.Timeout)
	require.Len(t, cfg.Operators, 1)
	assert.Equal(t, "admin", cfg.Operators[0].Name)

	block, ok := cfg.Module("m_cloak")
	require.True(t, ok)
	assert.True(t, block.Enabled)
	assert.Equal(t, "net-", block.Config["prefix"])
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "ircd.toml", `
[server]
name = "irc.example.net"
port = 6667

[dns]
server = "192.0.2.53"
timeout = 5
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "irc.example.net", cfg.Server.Name)
	assert.Equal(t, "192.0.2.53", cfg.DNS.Server)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "ircd.json",
		`{"server":{"name":"irc.example.net","port":6667},"dns":{"server":"192.0.2.53"}}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "irc.example.net", cfg.Server.Name)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("IRCD_SERVER_NAME", "irc.env.example")
	t.Setenv("IRCD_DNS_TIMEOUT", "9")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "irc.env.example", cfg.Server.Name)
	assert.Equal(t, int64(9), cfg.DNS.Timeout)
}

func TestValidationRejectsBadDNSServer(t *testing.T) {
	path := writeFile(t, "ircd.yaml", `
server:
  name: irc.example.net
dns:
  server: not-an-ip
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidationRejectsBadPort(t *testing.T) {
	path := writeFile(t, "ircd.yaml", `
server:
  name: irc.example.net
  port: 131071
dns:
  server: 127.0.0.1
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.DNS.Server)
	assert.Equal(t, "0.0.0.0:6667", cfg.ListenAddress())
}

func TestMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/ircd.yaml")
	assert.Error(t, err)
}

func TestReloadKeepsSource(t *testing.T) {
	path := writeFile(t, "ircd.yaml", `
server:
  name: irc.example.net
dns:
  server: 127.0.0.1
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	fresh, err := cfg.Reload()
	require.NoError(t, err)
	assert.Equal(t, path, fresh.Source)
	assert.Equal(t, "irc.example.net", fresh.Server.Name)
}
