package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"

	"cryptsend/crypto"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "cryptsend"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "CRYPTSEND_DATA_DIR"
	// DefaultListeningPort is the receiver's TCP port when no override exists.
	DefaultListeningPort = 3001
	// DefaultMinPasswordLength is the shortest password either side accepts.
	DefaultMinPasswordLength = 6
	// DefaultChunkSize is the sender's read size.
	DefaultChunkSize = 64 * 1024
	// DefaultIdleTimeoutSeconds bounds each receiver read.
	DefaultIdleTimeoutSeconds = 120
	// DefaultDialTimeoutSeconds bounds the sender's TCP dial.
	DefaultDialTimeoutSeconds = 30
	// DefaultAckTimeoutSeconds bounds the wait for the receiver's status line.
	DefaultAckTimeoutSeconds = 30
	// DefaultMaxConcurrent caps simultaneous receiver sessions.
	DefaultMaxConcurrent = 8
	// DefaultLogLevel is the logrus level name used when none is set.
	DefaultLogLevel = "info"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// historyFileName is the SQLite transfer log.
	historyFileName = "history.db"
)

// ErrPasswordTooShort is returned by ValidatePassword.
var ErrPasswordTooShort = errors.New("config: password too short")

// Config contains persistent local settings.
type Config struct {
	DeviceID           string `json:"device_id"`
	DeviceName         string `json:"device_name"`
	ListeningPort      int    `json:"listening_port"`
	DownloadDir        string `json:"download_dir"`
	MinPasswordLength  int    `json:"min_password_length"`
	ChunkSize          int    `json:"chunk_size"`
	ScryptN            int    `json:"scrypt_n"`
	ScryptR            int    `json:"scrypt_r"`
	ScryptP            int    `json:"scrypt_p"`
	IdleTimeoutSeconds int    `json:"idle_timeout_seconds"`
	DialTimeoutSeconds int    `json:"dial_timeout_seconds"`
	AckTimeoutSeconds  int    `json:"ack_timeout_seconds"`
	MaxConcurrent      int    `json:"max_concurrent"`
	Overwrite          bool   `json:"overwrite"`
	Advertise          bool   `json:"advertise"`
	DisableHistory     bool   `json:"disable_history"`
	LogLevel           string `json:"log_level"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CRYPTSEND_DATA_DIR is set, its value is used as an explicit override.
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

// HistoryPath returns the full path to the transfer history database.
func HistoryPath(dataDir string) string {
	return filepath.Join(dataDir, historyFileName)
}

// EnsureDataDirectory creates the app data directory if needed.
func EnsureDataDirectory(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
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

// LoadOrCreate ensures the data directory and config exist, then returns the
// config with the data directory it lives in.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectory(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = Default()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, dataDir, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, dataDir, nil
}

// Default returns a config with every field at its default.
func Default() *Config {
	cfg := &Config{}
	normalizeDefaults(cfg)
	return cfg
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "cryptsend"
}

func normalizeDefaults(cfg *Config) bool {
	updated := false
	kdf := crypto.DefaultKDFParams()

	setString := func(field *string, value string) {
		if *field == "" {
			*field = value
			updated = true
		}
	}
	setInt := func(field *int, value int) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}

	setString(&cfg.DeviceID, uuid.NewString())
	setString(&cfg.DeviceName, defaultDeviceName())
	setString(&cfg.DownloadDir, ".")
	setString(&cfg.LogLevel, DefaultLogLevel)

	if cfg.ListeningPort <= 0 || cfg.ListeningPort > 65535 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	setInt(&cfg.MinPasswordLength, DefaultMinPasswordLength)
	setInt(&cfg.ChunkSize, DefaultChunkSize)
	setInt(&cfg.ScryptN, kdf.N)
	setInt(&cfg.ScryptR, kdf.R)
	setInt(&cfg.ScryptP, kdf.P)
	setInt(&cfg.IdleTimeoutSeconds, DefaultIdleTimeoutSeconds)
	setInt(&cfg.DialTimeoutSeconds, DefaultDialTimeoutSeconds)
	setInt(&cfg.AckTimeoutSeconds, DefaultAckTimeoutSeconds)
	setInt(&cfg.MaxConcurrent, DefaultMaxConcurrent)

	return updated
}

// ValidatePassword enforces the configured minimum length.
func (c *Config) ValidatePassword(password string) error {
	minLength := c.MinPasswordLength
	if minLength <= 0 {
		minLength = DefaultMinPasswordLength
	}
	if len(password) < minLength {
		return fmt.Errorf("%w: must be at least %d characters", ErrPasswordTooShort, minLength)
	}
	return nil
}

// KDFParams returns the configured scrypt cost.
func (c *Config) KDFParams() crypto.KDFParams {
	return crypto.KDFParams{N: c.ScryptN, R: c.ScryptR, P: c.ScryptP}
}

// IdleTimeout returns the receiver read timeout.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// DialTimeout returns the sender dial timeout.
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutSeconds) * time.Second
}

// AckTimeout returns how long the sender waits for the receiver's status.
func (c *Config) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutSeconds) * time.Second
}
