// Package config holds the scraper configuration and its layered loader.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mrcode/glucose-scraper/internal/insulin"
	"github.com/mrcode/glucose-scraper/internal/logging"
	"github.com/mrcode/glucose-scraper/internal/models"
)

// Config is the complete scraper configuration. It is loaded once and
// passed by value to constructors.
type Config struct {
	Share      ShareConfig      `koanf:"share"`
	Polling    PollingConfig    `koanf:"polling"`
	Patient    PatientConfig    `koanf:"patient"`
	Nightscout NightscoutConfig `koanf:"nightscout"`
	Database   DatabaseConfig   `koanf:"database"`
	Alerts     AlertsConfig     `koanf:"alerts"`
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// ShareConfig configures the Dexcom Share account and transport
type ShareConfig struct {
	Account            string        `koanf:"account" validate:"required"`
	Password           string        `koanf:"password" validate:"required"`
	ApplicationID      string        `koanf:"application_id" validate:"required"`
	BaseURL            string        `koanf:"base_url" validate:"required,url"`
	UserAgent          string        `koanf:"user_agent"`
	RequestTimeout     time.Duration `koanf:"request_timeout" validate:"gt=0"`
	LoginRatePerMinute float64       `koanf:"login_rate_per_minute" validate:"gte=0"`
}

// PollingConfig holds the loop cadence and retry policy
type PollingConfig struct {
	Interval           time.Duration `koanf:"interval" validate:"gt=0"`
	MaxAuthFails       int           `koanf:"max_auth_fails" validate:"gte=0"`
	AuthRetryBase      float64       `koanf:"auth_retry_base" validate:"gte=1"`
	AuthBackoffCeiling time.Duration `koanf:"auth_backoff_ceiling" validate:"gte=0"`
	MaxFetchFails      int           `koanf:"max_fetch_fails" validate:"gte=0"`
	FailRetryBase      float64       `koanf:"fail_retry_base" validate:"gte=1"`
	RetryDelay         time.Duration `koanf:"retry_delay" validate:"gte=0"`
	BufferCapacity     int           `koanf:"buffer_capacity" validate:"gte=0"`
	MaxReadingLag      time.Duration `koanf:"max_reading_lag" validate:"gte=0"`
}

// PatientConfig holds the insulin curve constants
type PatientConfig struct {
	PeakMinutes         float64 `koanf:"peak_minutes" validate:"gt=0"`
	DIAHours            float64 `koanf:"dia_hours" validate:"gt=0"`
	ActiveWindowMinutes float64 `koanf:"active_window_minutes" validate:"gte=0"` // 0 = dia_hours*60
}

// NightscoutConfig configures the treatment (dose) source
type NightscoutConfig struct {
	Enabled       bool    `koanf:"enabled"`
	URL           string  `koanf:"url" validate:"omitempty,url"`
	APISecret     string  `koanf:"api_secret"`
	APIToken      string  `koanf:"api_token"`
	UseToken      bool    `koanf:"use_token"`
	LookbackHours float64 `koanf:"lookback_hours" validate:"gte=0"`
}

// DatabaseConfig configures the DuckDB store
type DatabaseConfig struct {
	Path string `koanf:"path"` // empty = in-memory
}

// AlertsConfig configures desktop glucose alerts
type AlertsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	Unit          string `koanf:"unit" validate:"oneof=mg/dL mmol/L"`
	TargetLow     int    `koanf:"target_low" validate:"gt=0"`
	TargetHigh    int    `koanf:"target_high" validate:"gtfield=TargetLow"`
	UrgentLow     int    `koanf:"urgent_low" validate:"gt=0,ltefield=TargetLow"`
	UrgentHigh    int    `koanf:"urgent_high" validate:"gtefield=TargetHigh"`
	RepeatMinutes int    `koanf:"repeat_minutes" validate:"gte=0"`
}

// ServerConfig configures the status HTTP server
type ServerConfig struct {
	Listen          string        `koanf:"listen"` // empty = disabled
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gte=0"`
}

// LoggingConfig configures the zerolog logger
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error disabled off"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: failed %q constraint", fe.Namespace(), fe.Tag())
		}
		return err
	}

	if err := c.PatientParams().Validate(); err != nil {
		return fmt.Errorf("patient: %w", err)
	}

	if c.Nightscout.Enabled && c.Nightscout.URL == "" {
		return errors.New("nightscout.url is required when nightscout is enabled")
	}
	if c.Nightscout.Enabled && c.Nightscout.UseToken && c.Nightscout.APIToken == "" {
		return errors.New("nightscout.api_token is required when use_token is set")
	}

	return nil
}

// PatientParams returns the insulin curve parameters
func (c *Config) PatientParams() insulin.Params {
	return insulin.Params{
		PeakMinutes:   c.Patient.PeakMinutes,
		DurationHours: c.Patient.DIAHours,
	}
}

// ActiveWindowMinutes returns the dose look-back window, defaulting to the DIA
func (c *Config) ActiveWindowMinutes() float64 {
	if c.Patient.ActiveWindowMinutes > 0 {
		return c.Patient.ActiveWindowMinutes
	}
	return c.Patient.DIAHours * 60
}

// DoseLookback returns how far back treatments are requested
func (c *Config) DoseLookback() time.Duration {
	if c.Nightscout.LookbackHours > 0 {
		return time.Duration(c.Nightscout.LookbackHours * float64(time.Hour))
	}
	return time.Duration(c.ActiveWindowMinutes() * float64(time.Minute))
}

// AlertSettings returns the thresholds used for status classification
func (c *Config) AlertSettings() models.AlertSettings {
	s := models.DefaultAlertSettings()
	s.Unit = c.Alerts.Unit
	s.TargetLow = c.Alerts.TargetLow
	s.TargetHigh = c.Alerts.TargetHigh
	s.UrgentLow = c.Alerts.UrgentLow
	s.UrgentHigh = c.Alerts.UrgentHigh
	s.RepeatAlertMinutes = c.Alerts.RepeatMinutes

	if !c.Alerts.Enabled {
		s.EnableHighAlert = false
		s.EnableLowAlert = false
		s.EnableUrgentHighAlert = false
		s.EnableUrgentLowAlert = false
	}
	return s
}

// LogConfig converts the logging section into a logging.Config
func (c *Config) LogConfig() logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = c.Logging.Level
	lc.Format = c.Logging.Format
	lc.Caller = c.Logging.Caller
	return lc
}
