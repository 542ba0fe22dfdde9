// Package config loads seclink peer configuration from YAML, environment
// (SECLINK_ prefix) and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"dev.c0redev.seclink/internal/quicengine"
)

// Config is the root configuration of a seclink peer.
type Config struct {
	// Role: client or server. The client starts the handshake.
	Role string `mapstructure:"role"`
	// Transport: udp or ice.
	Transport string `mapstructure:"transport"`
	// Mode: stdio (one line per message) or tun (one IP packet per message).
	Mode string `mapstructure:"mode"`

	UDP      UDPConfig         `mapstructure:"udp"`
	ICE      ICEConfig         `mapstructure:"ice"`
	Identity IdentityConfig    `mapstructure:"identity"`
	Link     LinkConfig        `mapstructure:"link"`
	QUIC     quicengine.Config `mapstructure:"quic"`
	TUN      TUNConfig         `mapstructure:"tun"`
	Log      LogConfig         `mapstructure:"log"`

	// StatsInterval between periodic stats log lines; 0 disables them.
	StatsInterval time.Duration `mapstructure:"stats_interval"`
}

// UDPConfig for the plain UDP transport.
type UDPConfig struct {
	Listen string `mapstructure:"listen"`
	// Peer to send to. Empty waits for the first datagram.
	Peer string `mapstructure:"peer"`
}

// ICEConfig for the ICE transport. Signals are exchanged out of band.
type ICEConfig struct {
	STUN []string `mapstructure:"stun"`
	// Passphrase seals signal blobs; both peers must use the same one.
	Passphrase string `mapstructure:"passphrase"`
}

// IdentityConfig locates this peer's certificate and pins the other's.
type IdentityConfig struct {
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	// PeerFingerprint is hex SHA-256 of the peer certificate, colons allowed.
	PeerFingerprint string `mapstructure:"peer_fingerprint"`
	// KnownPeers is the sqlite database remembering peer fingerprints on
	// first use. Empty disables it.
	KnownPeers string `mapstructure:"known_peers"`
	// PeerName keys the peer in KnownPeers; defaults to udp.peer.
	PeerName string `mapstructure:"peer_name"`
}

// LinkConfig tunes the secure link and its endpoint queues.
type LinkConfig struct {
	MaxPacketSize  int           `mapstructure:"max_packet_size"`
	MaxMessageSize int           `mapstructure:"max_message_size"`
	DeadlineFloor  time.Duration `mapstructure:"deadline_floor"`
	OutboundQueue  int           `mapstructure:"outbound_queue"`
	InboundQueue   int           `mapstructure:"inbound_queue"`
}

// TUNConfig names the TUN device used in tun mode.
type TUNConfig struct {
	Name string `mapstructure:"name"`
	MTU  int    `mapstructure:"mtu"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	dir := "."
	if home, err := os.UserHomeDir(); err == nil {
		dir = filepath.Join(home, ".seclink")
	}
	return &Config{
		Role:      "server",
		Transport: "udp",
		Mode:      "stdio",
		UDP:       UDPConfig{Listen: ":0"},
		ICE:       ICEConfig{STUN: []string{"stun:stun.l.google.com:19302"}},
		Identity: IdentityConfig{
			CertFile:   filepath.Join(dir, "cert.pem"),
			KeyFile:    filepath.Join(dir, "key.pem"),
			KnownPeers: filepath.Join(dir, "peers.db"),
		},
		Link: LinkConfig{
			MaxPacketSize:  4096,
			MaxMessageSize: 16 << 20,
			DeadlineFloor:  time.Millisecond,
			OutboundQueue:  64,
			InboundQueue:   64,
		},
		QUIC: quicengine.Config{
			HandshakeTimeout: 10 * time.Second,
			MaxIdleTimeout:   30 * time.Second,
			KeepAlivePeriod:  10 * time.Second,
		},
		TUN: TUNConfig{MTU: 1280},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				Filename:   "logs/seclink.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		StatsInterval: 30 * time.Second,
	}
}

// Flags returns the command-line flags Load understands.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("seclink", pflag.ContinueOnError)
	fs.StringP("config", "c", "", "config file (default ./seclink.yaml or ~/.seclink/seclink.yaml)")
	fs.String("role", "", "client or server")
	fs.String("transport", "", "udp or ice")
	fs.String("mode", "", "stdio or tun")
	fs.String("listen", "", "local UDP address")
	fs.String("peer", "", "peer UDP address")
	fs.String("peer-fingerprint", "", "expected SHA-256 of the peer certificate")
	fs.String("peer-name", "", "name of the peer in the known peers database")
	fs.String("passphrase", "", "passphrase sealing ICE signals")
	fs.String("tun", "", "TUN device name")
	fs.String("log-level", "", "debug, info, warn or error")
	return fs
}

var flagKeys = map[string]string{
	"role":             "role",
	"transport":        "transport",
	"mode":             "mode",
	"listen":           "udp.listen",
	"peer":             "udp.peer",
	"peer-fingerprint": "identity.peer_fingerprint",
	"peer-name":        "identity.peer_name",
	"passphrase":       "ice.passphrase",
	"tun":              "tun.name",
	"log-level":        "log.level",
}

// Load reads configuration from path (if non-empty), otherwise it searches
// common locations. Environment variables use the prefix SECLINK and `.`/`-`
// are replaced with `_`, e.g. SECLINK_LOG_LEVEL=debug. Flags that were set
// on fs override everything else; fs may be nil.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SECLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	seed(v, cfg)

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path == "" {
		path = os.Getenv("SECLINK_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("seclink")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".seclink"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seed registers every key so env-only configs work.
func seed(v *viper.Viper, c *Config) {
	v.SetDefault("role", c.Role)
	v.SetDefault("transport", c.Transport)
	v.SetDefault("mode", c.Mode)
	v.SetDefault("udp.listen", c.UDP.Listen)
	v.SetDefault("udp.peer", c.UDP.Peer)
	v.SetDefault("ice.stun", c.ICE.STUN)
	v.SetDefault("ice.passphrase", c.ICE.Passphrase)
	v.SetDefault("identity.cert_file", c.Identity.CertFile)
	v.SetDefault("identity.key_file", c.Identity.KeyFile)
	v.SetDefault("identity.peer_fingerprint", c.Identity.PeerFingerprint)
	v.SetDefault("identity.known_peers", c.Identity.KnownPeers)
	v.SetDefault("identity.peer_name", c.Identity.PeerName)
	v.SetDefault("link.max_packet_size", c.Link.MaxPacketSize)
	v.SetDefault("link.max_message_size", c.Link.MaxMessageSize)
	v.SetDefault("link.deadline_floor", c.Link.DeadlineFloor)
	v.SetDefault("link.outbound_queue", c.Link.OutboundQueue)
	v.SetDefault("link.inbound_queue", c.Link.InboundQueue)
	v.SetDefault("quic.alpn", c.QUIC.ALPN)
	v.SetDefault("quic.server_name", c.QUIC.ServerName)
	v.SetDefault("quic.handshake_timeout", c.QUIC.HandshakeTimeout)
	v.SetDefault("quic.max_idle_timeout", c.QUIC.MaxIdleTimeout)
	v.SetDefault("quic.keep_alive_period", c.QUIC.KeepAlivePeriod)
	v.SetDefault("quic.max_incoming_streams", c.QUIC.MaxIncomingStreams)
	v.SetDefault("quic.queue_len", c.QUIC.QueueLen)
	v.SetDefault("tun.name", c.TUN.Name)
	v.SetDefault("tun.mtu", c.TUN.MTU)
	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.format", c.Log.Format)
	v.SetDefault("log.outputs", c.Log.Outputs)
	v.SetDefault("log.development", c.Log.Development)
	v.SetDefault("log.rotation.enable", c.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", c.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", c.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", c.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", c.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", c.Log.Rotation.Compress)
	v.SetDefault("stats_interval", c.StatsInterval)
}

func (c *Config) validate() error {
	c.Role = strings.ToLower(strings.TrimSpace(c.Role))
	switch c.Role {
	case "client", "server":
	default:
		return fmt.Errorf("invalid role: %q", c.Role)
	}
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	switch c.Transport {
	case "udp", "ice":
	default:
		return fmt.Errorf("invalid transport: %q", c.Transport)
	}
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	switch c.Mode {
	case "stdio", "tun":
	default:
		return fmt.Errorf("invalid mode: %q", c.Mode)
	}
	if c.Transport == "udp" && c.Role == "client" && c.UDP.Peer == "" {
		return errors.New("udp client needs udp.peer")
	}
	if strings.TrimSpace(c.Identity.PeerName) == "" {
		c.Identity.PeerName = c.UDP.Peer
		if c.Identity.PeerName == "" {
			c.Identity.PeerName = "default"
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	if c.Link.MaxPacketSize < 1200 {
		return fmt.Errorf("link.max_packet_size %d below 1200", c.Link.MaxPacketSize)
	}
	if c.Link.DeadlineFloor <= 0 {
		return fmt.Errorf("link.deadline_floor must be positive, got %s", c.Link.DeadlineFloor)
	}
	if c.Link.MaxMessageSize <= 0 {
		return fmt.Errorf("link.max_message_size must be positive, got %d", c.Link.MaxMessageSize)
	}
	return nil
}
