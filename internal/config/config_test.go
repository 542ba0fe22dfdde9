package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seclink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "server", cfg.Role)
	assert.Equal(t, "udp", cfg.Transport)
	assert.Equal(t, "stdio", cfg.Mode)
	assert.Equal(t, time.Millisecond, cfg.Link.DeadlineFloor)
	assert.Equal(t, 4096, cfg.Link.MaxPacketSize)
	assert.Equal(t, []string{"stderr"}, cfg.Log.Outputs)
	assert.Equal(t, "default", cfg.Identity.PeerName)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
role: client
udp:
  peer: 192.0.2.10:4500
link:
  deadline_floor: 5ms
  max_packet_size: 1500
quic:
  alpn: custom/1
  max_idle_timeout: 1m
log:
  level: debug
  format: json
stats_interval: 0s
`)
	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "client", cfg.Role)
	assert.Equal(t, "192.0.2.10:4500", cfg.UDP.Peer)
	assert.Equal(t, 5*time.Millisecond, cfg.Link.DeadlineFloor)
	assert.Equal(t, 1500, cfg.Link.MaxPacketSize)
	assert.Equal(t, "custom/1", cfg.QUIC.ALPN)
	assert.Equal(t, time.Minute, cfg.QUIC.MaxIdleTimeout)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Zero(t, cfg.StatsInterval)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "log:\n  level: warn\n")
	t.Setenv("SECLINK_LOG_LEVEL", "debug")
	t.Setenv("SECLINK_MODE", "tun")
	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "tun", cfg.Mode)
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	t.Setenv("SECLINK_ROLE", "server")
	fs := Flags()
	require.NoError(t, fs.Parse([]string{"--role", "client", "--peer", "127.0.0.1:9", "--peer-fingerprint", "ab:cd"}))
	cfg, err := Load(writeConfig(t, ""), fs)
	require.NoError(t, err)
	assert.Equal(t, "client", cfg.Role)
	assert.Equal(t, "127.0.0.1:9", cfg.UDP.Peer)
	assert.Equal(t, "ab:cd", cfg.Identity.PeerFingerprint)
	assert.Equal(t, "127.0.0.1:9", cfg.Identity.PeerName, "peer name follows udp.peer")
	assert.Equal(t, "udp", cfg.Transport, "unset flags keep lower layers")
}

func TestLoadRejectsInvalid(t *testing.T) {
	for name, body := range map[string]string{
		"role":           "role: relay\n",
		"transport":      "transport: tcp\n",
		"mode":           "mode: file\n",
		"udp client":     "role: client\n",
		"log level":      "log:\n  level: loud\n",
		"deadline floor": "link:\n  deadline_floor: 0s\n",
		"packet size":    "link:\n  max_packet_size: 512\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body), nil)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.Error(t, err)
}
