package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration, loaded from <data-dir>/config.toml.
type Config struct {
	Broker BrokerConfig `toml:"broker"`
	Direct DirectConfig `toml:"direct"`
	Store  StoreConfig  `toml:"store"`
	Log    LogConfig    `toml:"log"`
}

// BrokerConfig tunes the MQTT broker transport.
type BrokerConfig struct {
	URL                  string   `toml:"url"`
	ClientID             string   `toml:"client_id"`
	ConnectTimeout       Duration `toml:"connect_timeout"`
	KeepAlive            Duration `toml:"keep_alive"`
	ReconnectPeriod      Duration `toml:"reconnect_period"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
}

// DirectConfig tunes the point-to-point WebSocket transport.
type DirectConfig struct {
	URL                  string   `toml:"url"`
	HandshakeTimeout     Duration `toml:"handshake_timeout"`
	ReconnectBaseDelay   Duration `toml:"reconnect_base_delay"`
	ReconnectMaxDelay    Duration `toml:"reconnect_max_delay"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
}

// StoreConfig locates the local message database.
type StoreConfig struct {
	Path string `toml:"path"`
}

// LogConfig locates the daemon log file.
type LogConfig struct {
	Path string `toml:"path"`
}

// Duration wraps time.Duration so TOML values can be written as "30s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file exists, rooted at
// the given data directory.
func Default(dataDir string) *Config {
	return &Config{
		Broker: BrokerConfig{
			URL:                  "tcp://localhost:1883",
			ConnectTimeout:       Duration(30 * time.Second),
			KeepAlive:            Duration(60 * time.Second),
			ReconnectPeriod:      Duration(time.Second),
			MaxReconnectAttempts: 10,
		},
		Direct: DirectConfig{
			URL:                  "ws://localhost:3001",
			HandshakeTimeout:     Duration(10 * time.Second),
			ReconnectBaseDelay:   Duration(time.Second),
			ReconnectMaxDelay:    Duration(30 * time.Second),
			MaxReconnectAttempts: 10,
		},
		Store: StoreConfig{Path: filepath.Join(dataDir, "chatd.db")},
		Log:   LogConfig{Path: filepath.Join(dataDir, "logs", "chatd.log")},
	}
}

// DefaultDataDir returns ~/.chatd.
func DefaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatd")
}

// Load reads config from path, filling unset fields from Default(dataDir).
func Load(path, dataDir string) (*Config, error) {
	cfg := Default(dataDir)
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
