package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vincentbai/browsetrace-captcha/pkg/captcha"
)

const DefaultFileName = "captcha.yaml"

// Config holds the settings of the capture facade, the development
// verification endpoint and logging.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Capture CaptureConfig `yaml:"capture"`
	Logging LoggingConfig `yaml:"logging"`

	// Source indicates where the configuration originated (defaults or a file path).
	Source string `yaml:"-"`
}

// ServerConfig configures the development verification endpoint.
type ServerConfig struct {
	Address        string        `yaml:"address"`
	DatabasePath   string        `yaml:"database_path"`
	PublicToken    string        `yaml:"public_token"`
	AdminToken     string        `yaml:"admin_token"`
	PrivateKeyPath string        `yaml:"private_key_path"`
	RedisAddr      string        `yaml:"redis_addr"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
}

// CaptureConfig mirrors captcha.Config.
type CaptureConfig struct {
	Endpoint          string        `yaml:"endpoint"`
	Credential        string        `yaml:"credential"`
	AutoIntercept     bool          `yaml:"auto_intercept"`
	MotionLimit       time.Duration `yaml:"motion_limit"`
	SubmitTimeout     time.Duration `yaml:"submit_timeout"`
	RecordFieldValues bool          `yaml:"record_field_values"`
	TokenField        string        `yaml:"token_field"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the baseline configuration used when no overrides are supplied.
func Default() Config {
	defaults := captcha.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Address:      "127.0.0.1:8123",
			DatabasePath: filepath.Join(DefaultDataDir(), "interactions.db"),
			TokenTTL:     10 * time.Minute,
			RateLimit:    20,
			RateBurst:    40,
		},
		Capture: CaptureConfig{
			Endpoint:      "http://127.0.0.1:8123",
			MotionLimit:   defaults.MotionLimit,
			SubmitTimeout: defaults.SubmitTimeout,
			TokenField:    defaults.TokenField,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		Source: "<defaults>",
	}
}

// DefaultDataDir is the platform-specific application data directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "BrowserTraceCaptcha")
	case "windows":
		return filepath.Join(home, "AppData", "Roaming", "BrowserTraceCaptcha")
	default: // linux and others
		return filepath.Join(home, ".local", "share", "BrowserTraceCaptcha")
	}
}

// Load reads configuration from disk if present, otherwise returning
// defaults, then applies environment overrides. When path is empty the
// loader tries ./captcha.yaml and tolerates its absence.
func Load(path string) (Config, error) {
	cfg := Default()

	candidate := strings.TrimSpace(path)
	explicit := candidate != ""
	if !explicit {
		candidate = DefaultFileName
	}

	raw, err := os.ReadFile(candidate)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %q: %w", candidate, err)
		}
		cfg.Source = candidate
	case errors.Is(err, os.ErrNotExist):
		if explicit {
			return cfg, fmt.Errorf("config file %q not found", candidate)
		}
	default:
		return cfg, fmt.Errorf("read config file %q: %w", candidate, err)
	}

	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	overrides := map[string]*string{
		"BROWSETRACE_ADDRESS":  &c.Server.Address,
		"CAPTCHA_DB_PATH":      &c.Server.DatabasePath,
		"CAPTCHA_AUTH_TOKEN":   &c.Server.AdminToken,
		"CAPTCHA_PUBLIC_TOKEN": &c.Server.PublicToken,
		"CAPTCHA_REDIS_ADDR":   &c.Server.RedisAddr,
		"CAPTCHA_ENDPOINT":     &c.Capture.Endpoint,
		"CAPTCHA_CREDENTIAL":   &c.Capture.Credential,
		"CAPTCHA_LOG_LEVEL":    &c.Logging.Level,
	}
	for key, target := range overrides {
		if value := strings.TrimSpace(getenv(key)); value != "" {
			*target = value
		}
	}
}

// Validate ensures essential configuration values are present and sensible.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.Address) == "" {
		return errors.New("server.address must not be empty")
	}
	if strings.TrimSpace(c.Server.DatabasePath) == "" {
		return errors.New("server.database_path must not be empty")
	}
	if c.Server.TokenTTL <= 0 {
		return errors.New("server.token_ttl must be positive")
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		return errors.New("server.rate_limit and server.rate_burst must not be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		return errors.New("server.rate_burst must be at least 1 when server.rate_limit is set")
	}
	if c.Capture.MotionLimit < 0 {
		return errors.New("capture.motion_limit must not be negative")
	}
	if c.Capture.SubmitTimeout < 0 {
		return errors.New("capture.submit_timeout must not be negative")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "auto", "json", "text", "console":
	default:
		return fmt.Errorf("logging.format %q is not supported", c.Logging.Format)
	}
	return nil
}

// CaptchaConfig converts the capture section for captcha.New.
func (c Config) CaptchaConfig() captcha.Config {
	return captcha.Config{
		Endpoint:          c.Capture.Endpoint,
		Credential:        c.Capture.Credential,
		AutoIntercept:     c.Capture.AutoIntercept,
		MotionLimit:       c.Capture.MotionLimit,
		SubmitTimeout:     c.Capture.SubmitTimeout,
		RecordFieldValues: c.Capture.RecordFieldValues,
		TokenField:        c.Capture.TokenField,
	}
}
