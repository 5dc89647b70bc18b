package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"voicerelay/internal/upstream"
)

// Environment variable names
const (
	EnvConfigPath = "VOICERELAY_CONFIG"
	EnvPort       = "PORT"
	EnvModel      = "GEMINI_MODEL"
	EnvCORSOrigin = "CORS_ORIGIN"
	EnvUpstream   = "GEMINI_LIVE_URL"
	EnvLogLevel   = "LOG_LEVEL"
	EnvLogFormat  = "LOG_FORMAT"
)

// CredentialEnvVars are checked in order; the first non-empty one wins.
var CredentialEnvVars = []string{"GEMINI_API_KEY", "GOOGLE_API_KEY", "GOOGLE_GENAI_API_KEY"}

// ProductionEnvVars mark a production deployment when set to "production".
var ProductionEnvVars = []string{"APP_ENV", "NODE_ENV"}

const (
	DefaultPort  = 3001
	DefaultModel = "gemini-2.0-flash-live-001"
	DefaultVoice = "Puck"
)

// DefaultSystemInstruction defines the assistant persona sent in every setup.
const DefaultSystemInstruction = `You are Rev, the voice assistant for Revolt Motors, an Indian electric motorcycle company.
Only talk about Revolt Motors: its motorcycles (such as the RV400 and RV1), features, pricing, booking,
test rides, charging, service and dealerships. If the user asks about anything else, politely steer the
conversation back to Revolt Motors. Keep answers short and conversational because they are spoken aloud.
Reply in the language the user speaks.`

// Config represents the complete service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Relay    RelayConfig    `yaml:"relay"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port       int    `yaml:"port"`
	Production bool   `yaml:"production"`
	CORSOrigin string `yaml:"cors_origin"`
}

// UpstreamConfig holds the provider connection settings. The API key is only
// ever read from the environment.
type UpstreamConfig struct {
	APIKey  string                 `yaml:"-"`
	BaseURL string                 `yaml:"base_url"`
	Session upstream.SessionConfig `yaml:"session"`
}

type RelayConfig struct {
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReapInterval      time.Duration `yaml:"reap_interval"`
	ClientQueueSize   int           `yaml:"client_queue_size"`
	UpstreamQueueSize int           `yaml:"upstream_queue_size"`
	ReadLimit         int64         `yaml:"read_limit"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: DefaultPort},
		Upstream: UpstreamConfig{
			BaseURL: upstream.DefaultBaseURL,
			Session: upstream.SessionConfig{
				Model:             DefaultModel,
				Voice:             DefaultVoice,
				SystemInstruction: DefaultSystemInstruction,
				InputMIMEType:     upstream.DefaultInputMIMEType,
				VAD: upstream.VADConfig{
					StartSensitivity:  upstream.StartSensitivityHigh,
					EndSensitivity:    upstream.EndSensitivityHigh,
					PrefixPaddingMs:   20,
					SilenceDurationMs: 100,
				},
			},
		},
		Relay: RelayConfig{
			IdleTimeout:       5 * time.Minute,
			ReapInterval:      60 * time.Second,
			ClientQueueSize:   256,
			UpstreamQueueSize: 256,
			ReadLimit:         1 << 20,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration: defaults, then the optional YAML file at
// path (or $VOICERELAY_CONFIG), then environment variables. A .env file in
// the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides values from the environment through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	c.Upstream.APIKey = FirstNonEmpty(getenv, CredentialEnvVars...)

	if v := getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvPort, v, err)
		}
		c.Server.Port = port
	}
	if v := getenv(EnvModel); v != "" {
		c.Upstream.Session.Model = v
	}
	if v := getenv(EnvUpstream); v != "" {
		c.Upstream.BaseURL = v
	}
	if v := getenv(EnvCORSOrigin); v != "" {
		c.Server.CORSOrigin = v
	}
	for _, name := range ProductionEnvVars {
		if strings.EqualFold(getenv(name), "production") {
			c.Server.Production = true
		}
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := getenv(EnvLogFormat); v != "" {
		c.Logging.Format = v
	}
	return nil
}

// FirstNonEmpty returns the first non-blank value among names.
func FirstNonEmpty(getenv func(string) string, names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

// HasAPIKey reports whether an upstream credential is configured.
func (c *Config) HasAPIKey() bool {
	return c.Upstream.APIKey != ""
}

// Validate performs validation of the configuration. A missing API key is not
// an error: the server runs and reports it to every client.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.Production && c.Server.CORSOrigin == "" {
		return fmt.Errorf("%s is required in production", EnvCORSOrigin)
	}
	if c.Upstream.Session.Model == "" {
		return fmt.Errorf("upstream model cannot be empty")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream base_url cannot be empty")
	}
	if c.Relay.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be positive, got %s", c.Relay.IdleTimeout)
	}
	if c.Relay.ReapInterval <= 0 {
		return fmt.Errorf("reap_interval must be positive, got %s", c.Relay.ReapInterval)
	}
	if c.Relay.ClientQueueSize < 1 || c.Relay.UpstreamQueueSize < 1 {
		return fmt.Errorf("queue sizes must be at least 1")
	}
	if c.Relay.ReadLimit < 1024 {
		return fmt.Errorf("read_limit must be at least 1024 bytes, got %d", c.Relay.ReadLimit)
	}
	return nil
}
