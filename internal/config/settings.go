package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings holds operational, non-secret daemon configuration: where data
// lives, how verbosely to log, and how often the two drivers tick. Secrets
// and chain/commission parameters live in BrokerConfig instead, loaded
// from the environment.
type Settings struct {
	// Network selects which default chain parameters (mainnet/testnet) the
	// rest of the daemon falls back to when BrokerConfig leaves a value unset.
	Network string `yaml:"network"`

	Storage   StorageSettings   `yaml:"storage"`
	Logging   LoggingSettings   `yaml:"logging"`
	Metrics   MetricsSettings   `yaml:"metrics"`
	StatusAPI StatusAPISettings `yaml:"status_api"`

	// DealTick is how often statemachine.Driver.Tick fans out over active
	// deals; QueueTick is how often queueworker.Driver.Tick fans out over
	// senders; queue-tick defaults to a ~5s cadence.
	DealTick  time.Duration `yaml:"deal_tick"`
	QueueTick time.Duration `yaml:"queue_tick"`
}

// StorageSettings holds on-disk layout settings.
type StorageSettings struct {
	DataDir string `yaml:"data_dir"`
}

// LoggingSettings holds logging settings.
type LoggingSettings struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// MetricsSettings holds the Prometheus exporter's listen address.
type MetricsSettings struct {
	ListenAddr string `yaml:"listen_addr"`
}

// StatusAPISettings holds the external RPC server's listen address.
type StatusAPISettings struct {
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultSettings returns a Settings with sensible defaults.
func DefaultSettings() *Settings {
	return &Settings{
		Network: "mainnet",
		Storage: StorageSettings{
			DataDir: "~/.atomicbroker",
		},
		Logging: LoggingSettings{
			Level: "info",
			File:  "",
		},
		Metrics: MetricsSettings{
			ListenAddr: "127.0.0.1:9090",
		},
		StatusAPI: StatusAPISettings{
			ListenAddr: "127.0.0.1:8080",
		},
		DealTick:  5 * time.Second,
		QueueTick: 5 * time.Second,
	}
}

// SettingsFileName is the default settings file name.
const SettingsFileName = "settings.yaml"

// LoadSettings loads operational settings from a YAML file under dataDir.
// If the file doesn't exist, it creates one with default values.
func LoadSettings(dataDir string) (*Settings, error) {
	expandedDir := expandPath(dataDir)
	settingsPath := filepath.Join(expandedDir, SettingsFileName)

	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		s := DefaultSettings()
		s.Storage.DataDir = dataDir

		if err := s.Save(settingsPath); err != nil {
			return nil, fmt.Errorf("failed to create default settings: %w", err)
		}
		return s, nil
	}

	data, err := os.ReadFile(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	s := DefaultSettings()
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings file: %w", err)
	}

	return s, nil
}

// Save writes the settings to a YAML file.
func (s *Settings) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	header := []byte("# Atomic swap broker daemon settings\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}

	return nil
}

// SettingsPath returns the full path to the settings file for a data directory.
func SettingsPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), SettingsFileName)
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
