package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths searched for a config file, in order.
var DefaultConfigPaths = []string{
	"glucose-scraper.yaml",
	"glucose-scraper.yml",
	"/etc/glucose-scraper/config.yaml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// EnvPrefix is stripped from environment variables before mapping them,
// e.g. GLUCOSE_SHARE_ACCOUNT -> share.account.
const EnvPrefix = "GLUCOSE_"

// Dexcom Share endpoint and client identity
const (
	DefaultShareBaseURL       = "https://share1.dexcom.com/ShareWebServices/Services"
	DefaultShareApplicationID = "d89443d2-327c-4a6f-89e5-496bbb0317db"
	DefaultShareUserAgent     = "Dexcom Share/3.0.2.11 CFNetwork/711.2.23 Darwin/14.0.0"
)

// Defaults returns a Config with every default applied and no credentials.
func Defaults() Config {
	return Config{
		Share: ShareConfig{
			ApplicationID:      DefaultShareApplicationID,
			BaseURL:            DefaultShareBaseURL,
			UserAgent:          DefaultShareUserAgent,
			RequestTimeout:     30 * time.Second,
			LoginRatePerMinute: 0,
		},
		Polling: PollingConfig{
			Interval:           150 * time.Second,
			MaxAuthFails:       5,
			AuthRetryBase:      2,
			AuthBackoffCeiling: 5 * time.Minute,
			MaxFetchFails:      10,
			FailRetryBase:      2,
			RetryDelay:         60 * time.Second,
			BufferCapacity:     288,
			MaxReadingLag:      15 * time.Minute,
		},
		Patient: PatientConfig{
			PeakMinutes:         75,
			DIAHours:            5,
			ActiveWindowMinutes: 0,
		},
		Nightscout: NightscoutConfig{
			Enabled:       false,
			LookbackHours: 0,
		},
		Database: DatabaseConfig{
			Path: "glucose.duckdb",
		},
		Alerts: AlertsConfig{
			Enabled:       false,
			Unit:          "mg/dL",
			TargetLow:     70,
			TargetHigh:    170,
			UrgentLow:     55,
			UrgentHigh:    250,
			RepeatMinutes: 15,
		},
		Server: ServerConfig{
			Listen:          "",
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load builds the configuration from layered sources:
//  1. Defaults
//  2. YAML file (path, else CONFIG_PATH, else DefaultConfigPaths; optional)
//  3. GLUCOSE_* environment variables
//
// The result is validated before it is returned.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	defaults := Defaults()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	} else if _, err := os.Stat(path); err != nil {
		return Config{}, fmt.Errorf("config file %s: %w", path, err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// envTransformFunc maps GLUCOSE_SECTION_FIELD_NAME to section.field_name.
// Section names never contain underscores, so only the first one splits.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	section, field, ok := strings.Cut(key, "_")
	if !ok {
		return key
	}
	return section + "." + field
}
