// Package config provides configuration loading from YAML files.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	SIP       SIPConfig         `yaml:"sip"`
	Hardware  HardwareConfig    `yaml:"hardware"`
	Timing    TimingConfig      `yaml:"timing"`
	Audio     AudioConfig       `yaml:"audio"`
	CallLog   CallLogConfig     `yaml:"call_log"`
	SpeedDial map[string]string `yaml:"speed_dial"`
	Allowlist []string          `yaml:"allowlist"`
}

// SIPConfig represents the SIP account and backend configuration.
type SIPConfig struct {
	Backend    string         `yaml:"backend" default:"memory" validate:"oneof=memory diago"`
	AccountURI string         `yaml:"account_uri"`
	Username   string         `yaml:"username"`
	Password   string         `yaml:"password"`
	Settings   map[string]any `yaml:"settings"`
}

// HardwareConfig represents GPIO pin assignments.
type HardwareConfig struct {
	Chip         string `yaml:"chip" default:"gpiochip0"`
	PinHook      int    `yaml:"pin_hook" default:"17" validate:"gte=0"`
	PinDialPulse int    `yaml:"pin_dial_pulse" default:"27" validate:"gte=0"`
	PinRinger    int    `yaml:"pin_ringer" default:"23" validate:"gte=0"`
	Mock         bool   `yaml:"mock"`
}

// TimingConfig represents debounce and timeout tuning.
type TimingConfig struct {
	DebounceMs            int `yaml:"debounce_ms" default:"25" validate:"gte=1,lte=500"`
	PulseTimeoutMs        int `yaml:"pulse_timeout_ms" default:"200" validate:"gte=50,lte=1000"`
	InterDigitTimeoutMs   int `yaml:"inter_digit_timeout_ms" default:"5000" validate:"gte=500"`
	CallAttemptTimeoutSec int `yaml:"call_attempt_timeout_sec" default:"60" validate:"gte=5"`
	RingOnMs              int `yaml:"ring_on_ms" default:"2000" validate:"gte=100"`
	RingOffMs             int `yaml:"ring_off_ms" default:"4000" validate:"gte=100"`
}

// AudioConfig represents dial tone audio configuration. When no tone
// file is configured, one is synthesized at startup.
type AudioConfig struct {
	DialToneFile string `yaml:"dial_tone_file"`
	Player       string `yaml:"player" default:"aplay"`
}

// CallLogConfig represents call history storage configuration.
type CallLogConfig struct {
	Dir      string `yaml:"dir" default:"data/calllog"`
	InMemory bool   `yaml:"in_memory"`
}

// Load loads configuration from a YAML file.
// Environment variables take precedence over file values for sensitive fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	cfg.overrideFromEnv()

	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// overrideFromEnv overrides config values with environment variables.
func (c *Config) overrideFromEnv() {
	if v := os.Getenv("SIP_ACCOUNT_URI"); v != "" {
		c.SIP.AccountURI = v
	}
	if v := os.Getenv("SIP_USERNAME"); v != "" {
		c.SIP.Username = v
	}
	if v := os.Getenv("SIP_PASSWORD"); v != "" {
		c.SIP.Password = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}

	// The diago backend needs real account details; memory does not.
	if c.SIP.Backend == "diago" {
		if c.SIP.AccountURI == "" || c.SIP.Username == "" {
			return errors.New("sip account_uri and username are required for the diago backend")
		}
	}

	for code, number := range c.SpeedDial {
		if code == "" || number == "" {
			return errors.Newf("speed_dial entry %q -> %q must be non-empty", code, number)
		}
		if strings.ContainsFunc(code, func(r rune) bool { return r < '0' || r > '9' }) {
			return errors.Newf("speed_dial code %q must be digits only", code)
		}
	}

	return nil
}

// SpeedDialNumber resolves a dialed speed dial code to its target
// number.
func (c *Config) SpeedDialNumber(code string) (string, bool) {
	number, ok := c.SpeedDial[code]
	return number, ok
}

// IsAllowed reports whether the number may be called or received. An
// allowlist entry of "*" permits everything; otherwise matching is
// exact. An empty allowlist denies all numbers.
func (c *Config) IsAllowed(number string) bool {
	for _, entry := range c.Allowlist {
		if entry == "*" || entry == number {
			return true
		}
	}
	return false
}

// Debounce returns the hook switch debounce window.
func (t TimingConfig) Debounce() time.Duration {
	return time.Duration(t.DebounceMs) * time.Millisecond
}

// PulseTimeout returns the rotary pulse-train inactivity window.
func (t TimingConfig) PulseTimeout() time.Duration {
	return time.Duration(t.PulseTimeoutMs) * time.Millisecond
}

// InterDigitTimeout returns the dialing-complete window.
func (t TimingConfig) InterDigitTimeout() time.Duration {
	return time.Duration(t.InterDigitTimeoutMs) * time.Millisecond
}

// CallAttemptTimeout returns how long an unanswered outbound call rings.
func (t TimingConfig) CallAttemptTimeout() time.Duration {
	return time.Duration(t.CallAttemptTimeoutSec) * time.Second
}

// RingOn returns the bell cadence on phase.
func (t TimingConfig) RingOn() time.Duration {
	return time.Duration(t.RingOnMs) * time.Millisecond
}

// RingOff returns the bell cadence off phase.
func (t TimingConfig) RingOff() time.Duration {
	return time.Duration(t.RingOffMs) * time.Millisecond
}
