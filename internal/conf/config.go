// Package conf loads runtime configuration for the pipeline host: scheduler
// periods and deadlines, buffer pool tiers, xrun thresholds and telemetry
// settings, through viper bound to the pipelinesim CLI flags.
package conf

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Settings is the root configuration tree for the pipeline host process.
type Settings struct {
	Debug bool

	Main struct {
		Name string
		Log  LogConfig
	}

	Pipeline struct {
		// SchedulePeriodMs is the LL scheduler tick period.
		SchedulePeriodMs int
		// DPWorkerCount is the number of DP work-stealing pool workers.
		// Zero means autodetect via the host's logical core count.
		DPWorkerCount int
		// DeepBufferBytes is the default warm-up threshold for modules
		// configured for deep buffering.
		DeepBufferBytes int
		// XrunRecoveryLimit is the number of consecutive xruns that are
		// auto-recovered; past it the scheduler logs an error instead of
		// recovering the pipeline.
		XrunRecoveryLimit int

		BufferPool struct {
			SmallSize   int
			MediumSize  int
			LargeSize   int
			SmallCount  int
			MediumCount int
			LargeCount  int
		}
	}

	Telemetry struct {
		Enabled   bool
		SentryDSN string
	}

	Topology struct {
		Path string
	}
}

// LogConfig defines the configuration for a log file.
type LogConfig struct {
	Enabled     bool
	Path        string
	Rotation    RotationType
	MaxSize     int64
	RotationDay time.Weekday
}

// RotationType defines the different types of log rotation.
type RotationType string

const (
	RotationDaily  RotationType = "daily"
	RotationWeekly RotationType = "weekly"
	RotationSize   RotationType = "size"
)

var (
	settingsInstance *Settings
	once             sync.Once
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file, over the built-in defaults, into a
// fresh Settings instance. Environment variables are not consulted.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := validateSettings(settings); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	settingsInstance = settings
	return settings, nil
}

func initViper() error {
	viper.SetConfigName("pipelinesim")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	setDefaultConfig()

	err = viper.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// GetSettings returns the current settings instance without initializing it.
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// SaveSettings persists the current settings to the config file path.
func SaveSettings() error {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return writeSettingsFile(settingsInstance)
}

// UpdateSettings validates and replaces the in-memory settings, then
// persists them.
func UpdateSettings(newSettings *Settings) error {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	if err := validateSettings(newSettings); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	settingsInstance = newSettings
	return writeSettingsFile(newSettings)
}

func writeSettingsFile(settings *Settings) error {
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	configPath := filepath.Join(configPaths[0], "pipelinesim.yaml")

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil { //nolint:gosec // accept 0o755 for now
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings: %w", err)
	}

	return os.WriteFile(configPath, data, 0o644) //nolint:gosec // accept 0o644 for now
}

// Setting returns the process-wide settings instance, loading it lazily
// from defaults and the config file the first time it is requested.
func Setting() *Settings {
	once.Do(func() {
		if settingsInstance == nil {
			_, err := Load()
			if err != nil {
				log.Fatalf("error loading settings: %v", err)
			}
		}
	})
	return GetSettings()
}
