package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, dataDir, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if dataDir != tempDir {
		t.Fatalf("expected data dir %q, got %q", tempDir, dataDir)
	}
	if firstCfg.DeviceID == "" {
		t.Fatalf("expected non-empty device ID")
	}
	if firstCfg.ListeningPort != DefaultListeningPort {
		t.Fatalf("expected default listening port %d, got %d", DefaultListeningPort, firstCfg.ListeningPort)
	}
	if firstCfg.DeviceType != DefaultDeviceType {
		t.Fatalf("expected device type %q, got %q", DefaultDeviceType, firstCfg.DeviceType)
	}
	if firstCfg.DebounceWindow() != 500*time.Millisecond {
		t.Fatalf("expected 500ms debounce, got %s", firstCfg.DebounceWindow())
	}
	if firstCfg.StopTimeout() != 5*time.Second {
		t.Fatalf("expected 5s stop timeout, got %s", firstCfg.StopTimeout())
	}
	if firstCfg.GracePeriod() != 2*time.Second {
		t.Fatalf("expected 2s grace period, got %s", firstCfg.GracePeriod())
	}
	if firstCfg.RefreshInterval() != 3*time.Second {
		t.Fatalf("expected 3s refresh interval, got %s", firstCfg.RefreshInterval())
	}
	if firstCfg.HistoryRetention() != 30*24*time.Hour {
		t.Fatalf("expected 30 day history retention, got %s", firstCfg.HistoryRetention())
	}
	if firstCfg.MaxReceiveBytes() != 4<<30 {
		t.Fatalf("expected 4GiB receive limit, got %d", firstCfg.MaxReceiveBytes())
	}
	if firstCfg.LogLevel != DefaultLogLevel || firstCfg.LogFormat != LogFormatText {
		t.Fatalf("unexpected log defaults: %q/%q", firstCfg.LogLevel, firstCfg.LogFormat)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}
	for _, dir := range []string{filepath.Join(tempDir, "received"), ExportDir(tempDir)} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %q to exist: %v", dir, err)
		}
	}
	if firstCfg.DownloadDir != filepath.Join(tempDir, "received") {
		t.Fatalf("unexpected download dir %q", firstCfg.DownloadDir)
	}

	secondCfg, secondPath, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.DeviceID != firstCfg.DeviceID {
		t.Fatalf("expected stable device ID, got %q then %q", firstCfg.DeviceID, secondCfg.DeviceID)
	}
	if *secondCfg != *firstCfg {
		t.Fatalf("expected reloaded config to match, got %+v then %+v", firstCfg, secondCfg)
	}
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	cfgPath := ConfigPath(tempDir)
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	downloads := filepath.Join(tempDir, "downloads")
	partial := &DeviceConfig{
		DeviceID:      "legacy-device",
		DeviceName:    "Legacy",
		DeviceType:    "Mobile",
		ListeningPort: 70000,
		DebounceMs:    250,
		HistoryDays:   7,
		MaxReceiveMB:  -1,
		DownloadDir:   downloads,
		LogFormat:     "JSON",
	}
	if err := Save(cfgPath, partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DeviceID != "legacy-device" || cfg.DeviceName != "Legacy" {
		t.Fatalf("expected identity to be retained, got %q/%q", cfg.DeviceID, cfg.DeviceName)
	}
	if cfg.DeviceType != "mobile" {
		t.Fatalf("expected device type to normalize to mobile, got %q", cfg.DeviceType)
	}
	if cfg.ListeningPort != DefaultListeningPort {
		t.Fatalf("expected out-of-range port to reset, got %d", cfg.ListeningPort)
	}
	if cfg.DebounceMs != 250 {
		t.Fatalf("expected explicit debounce to be retained, got %d", cfg.DebounceMs)
	}
	if cfg.StopTimeoutMs != DefaultStopTimeoutMs {
		t.Fatalf("expected missing stop timeout to default, got %d", cfg.StopTimeoutMs)
	}
	if cfg.HistoryRetention() != 7*24*time.Hour {
		t.Fatalf("expected explicit retention to be retained, got %s", cfg.HistoryRetention())
	}
	if cfg.MaxReceiveMB != DefaultMaxReceiveMB {
		t.Fatalf("expected negative receive limit to default, got %d", cfg.MaxReceiveMB)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("expected json log format, got %q", cfg.LogFormat)
	}
	if info, err := os.Stat(downloads); err != nil || !info.IsDir() {
		t.Fatalf("expected custom download dir to be created: %v", err)
	}

	reloaded, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if *reloaded != *cfg {
		t.Fatalf("expected normalized config to be persisted, got %+v", reloaded)
	}
}

func TestLoadRejectsMalformedConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
