package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "udpft"
	// DataDirEnv overrides the data directory when set.
	DataDirEnv = "UDPFT_DATA_DIR"
	// DefaultPort is the well-known UDP port of a receiver.
	DefaultPort = 9999
	// DefaultMaxPayload is the data payload carried by one datagram.
	DefaultMaxPayload = 4096
	// DefaultWindowSize is the number of unacknowledged chunks in flight.
	DefaultWindowSize = 4
	// DefaultAckTimeoutMS bounds each wait for an ACK.
	DefaultAckTimeoutMS = 500
	// DefaultHandshakeTimeoutMS is the first handshake wait.
	DefaultHandshakeTimeoutMS = 1000
	// DefaultMaxHandshakeAttempts bounds handshake retries.
	DefaultMaxHandshakeAttempts = 20
	// DefaultIdleTimeoutSeconds releases receiver sessions that went quiet.
	DefaultIdleTimeoutSeconds = 120
	// DefaultLogLevel is used when the configured level does not parse.
	DefaultLogLevel = "info"

	// maxDatagramPayload keeps payload plus header inside one IPv4 UDP datagram.
	maxDatagramPayload = 65507 - 32
	configFileName     = "config.json"
	receiveDirName     = "received"
)

// Config contains persistent node settings. CLI flags override them per run.
type Config struct {
	NodeID        string `json:"node_id"`
	NodeName      string `json:"node_name"`
	ListenAddress string `json:"listen_address"`
	ServerAddress string `json:"server_address"`
	ReceiveDir    string `json:"receive_dir"`

	MaxPayload         int `json:"max_payload"`
	WindowSize         int `json:"window_size"`
	AckTimeoutMS       int `json:"ack_timeout_ms"`
	HandshakeTimeoutMS int `json:"handshake_timeout_ms"`

	// MaxHandshakeAttempts of zero picks the default; a negative value retries forever.
	MaxHandshakeAttempts int   `json:"max_handshake_attempts"`
	IdleTimeoutSeconds   int   `json:"idle_timeout_seconds"`
	MaxFileSize          int64 `json:"max_file_size"`
	TOS                  int   `json:"tos"`

	DiscoveryEnabled bool   `json:"discovery_enabled"`
	LogLevel         string `json:"log_level"`
}

// AckTimeout is the per-round ACK wait.
func (c *Config) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutMS) * time.Millisecond
}

// HandshakeTimeout is the first handshake wait.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMS) * time.Millisecond
}

// IdleTimeout is how long a receiver session may stay silent.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// HandshakeAttempts returns the retry bound, zero meaning unbounded.
func (c *Config) HandshakeAttempts() int {
	return max(c.MaxHandshakeAttempts, 0)
}

// Level parses LogLevel, falling back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If UDPFT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, receiveDirName),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the config,
// its path and the data directory.
func LoadOrCreate() (*Config, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}

		return cfg, cfgPath, dataDir, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	}

	return cfg, cfgPath, dataDir, nil
}

func defaultConfig(dataDir string) *Config {
	cfg := &Config{DiscoveryEnabled: true}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func defaultNodeName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "udpft node"
}

func normalizeDefaults(cfg *Config, dataDir string) bool {
	updated := false
	setString := func(field *string, value string) {
		if strings.TrimSpace(*field) == "" {
			*field = value
			updated = true
		}
	}
	setPositive := func(field *int, value int) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}

	setString(&cfg.NodeID, uuid.NewString())
	setString(&cfg.NodeName, defaultNodeName())
	setString(&cfg.ListenAddress, fmt.Sprintf(":%d", DefaultPort))
	setString(&cfg.ServerAddress, fmt.Sprintf("127.0.0.1:%d", DefaultPort))
	setString(&cfg.ReceiveDir, filepath.Join(dataDir, receiveDirName))

	setPositive(&cfg.MaxPayload, DefaultMaxPayload)
	if cfg.MaxPayload > maxDatagramPayload {
		cfg.MaxPayload = maxDatagramPayload
		updated = true
	}
	setPositive(&cfg.WindowSize, DefaultWindowSize)
	setPositive(&cfg.AckTimeoutMS, DefaultAckTimeoutMS)
	setPositive(&cfg.HandshakeTimeoutMS, DefaultHandshakeTimeoutMS)
	setPositive(&cfg.IdleTimeoutSeconds, DefaultIdleTimeoutSeconds)
	if cfg.MaxHandshakeAttempts == 0 {
		cfg.MaxHandshakeAttempts = DefaultMaxHandshakeAttempts
		updated = true
	}
	if cfg.MaxFileSize < 0 {
		cfg.MaxFileSize = 0
		updated = true
	}
	if cfg.TOS < 0 || cfg.TOS > 255 {
		cfg.TOS = 0
		updated = true
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	return updated
}
