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

	"stationuli/models"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "stationuli"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "STATIONULI_DATA_DIR"
	// DefaultListeningPort is the TCP port used when no user override exists.
	DefaultListeningPort = 8080
	// DefaultDeviceType is advertised when device_type is empty or unknown.
	DefaultDeviceType = "desktop"

	DefaultDebounceMs        = 500
	DefaultStopTimeoutMs     = 5000
	DefaultGracePeriodMs     = 2000
	DefaultRefreshIntervalMs = 3000
	DefaultConnectTimeoutMs  = 5000
	DefaultHistoryDays       = 30
	DefaultMaxReceiveMB      = 4096
	DefaultLogLevel          = "info"

	LogFormatText = "text"
	LogFormatJSON = "json"

	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	receivedDir    = "received"
	exportedDir    = "exported"
	databaseFile   = "stationuli.db"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID          string `json:"device_id"`
	DeviceName        string `json:"device_name"`
	DeviceType        string `json:"device_type"`
	ListeningPort     int    `json:"listening_port"`
	DebounceMs        int    `json:"debounce_ms"`
	StopTimeoutMs     int    `json:"stop_timeout_ms"`
	GracePeriodMs     int    `json:"grace_period_ms"`
	RefreshIntervalMs int    `json:"refresh_interval_ms"`
	ConnectTimeoutMs  int    `json:"connect_timeout_ms"`
	HistoryDays       int    `json:"history_retention_days"`
	MaxReceiveMB      int    `json:"max_receive_mb"`
	DownloadDir       string `json:"download_dir"`
	LogLevel          string `json:"log_level"`
	LogFormat         string `json:"log_format"`
}

func (c *DeviceConfig) DebounceWindow() time.Duration  { return millis(c.DebounceMs) }
func (c *DeviceConfig) StopTimeout() time.Duration     { return millis(c.StopTimeoutMs) }
func (c *DeviceConfig) GracePeriod() time.Duration     { return millis(c.GracePeriodMs) }
func (c *DeviceConfig) RefreshInterval() time.Duration { return millis(c.RefreshIntervalMs) }
func (c *DeviceConfig) ConnectTimeout() time.Duration  { return millis(c.ConnectTimeoutMs) }

// HistoryRetention is how long received-file history rows are kept.
func (c *DeviceConfig) HistoryRetention() time.Duration {
	return time.Duration(c.HistoryDays) * 24 * time.Hour
}

// MaxReceiveBytes is the largest inbound file the receiver accepts.
func (c *DeviceConfig) MaxReceiveBytes() int64 { return int64(c.MaxReceiveMB) << 20 }

func millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// ResolveDataDir returns the OS-aware app data directory.
//
// If STATIONULI_DATA_DIR is set, its value is used as an explicit override.
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

// DatabasePath returns the SQLite database location for a data directory.
func DatabasePath(dataDir string) string {
	return filepath.Join(dataDir, databaseFile)
}

// ExportDir is where saved received files are copied.
func ExportDir(dataDir string) string {
	return filepath.Join(dataDir, exportedDir)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, receivedDir),
		ExportDir(dataDir),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
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
func LoadOrCreate() (*DeviceConfig, string, string, error) {
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

	if err := os.MkdirAll(cfg.DownloadDir, 0o700); err != nil {
		return nil, "", "", fmt.Errorf("create download directory %q: %w", cfg.DownloadDir, err)
	}

	return cfg, cfgPath, dataDir, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	cfg := &DeviceConfig{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func hostDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "Stationuli Device"
}

// normalizeDefaults fills missing or out-of-range values and reports whether
// anything changed.
func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	setInt := func(field *int, fallback int) {
		if *field <= 0 {
			*field = fallback
			updated = true
		}
	}

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}
	if strings.TrimSpace(cfg.DeviceName) == "" {
		cfg.DeviceName = hostDeviceName()
		updated = true
	}
	if kind := normalizeDeviceType(cfg.DeviceType); kind != cfg.DeviceType {
		cfg.DeviceType = kind
		updated = true
	}

	if cfg.ListeningPort <= 0 || cfg.ListeningPort > 65535 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	setInt(&cfg.DebounceMs, DefaultDebounceMs)
	setInt(&cfg.StopTimeoutMs, DefaultStopTimeoutMs)
	setInt(&cfg.GracePeriodMs, DefaultGracePeriodMs)
	setInt(&cfg.RefreshIntervalMs, DefaultRefreshIntervalMs)
	setInt(&cfg.ConnectTimeoutMs, DefaultConnectTimeoutMs)
	setInt(&cfg.HistoryDays, DefaultHistoryDays)
	setInt(&cfg.MaxReceiveMB, DefaultMaxReceiveMB)

	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(dataDir, receivedDir)
		updated = true
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}
	if format := normalizeLogFormat(cfg.LogFormat); format != cfg.LogFormat {
		cfg.LogFormat = format
		updated = true
	}

	return updated
}

func normalizeDeviceType(kind string) string {
	parsed := models.ParseDeviceKind(kind)
	if parsed == models.DeviceKindUnknown {
		return DefaultDeviceType
	}
	return string(parsed)
}

func normalizeLogFormat(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case LogFormatJSON:
		return LogFormatJSON
	default:
		return LogFormatText
	}
}
