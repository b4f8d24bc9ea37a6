package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models bulkline.yml.
type Config struct {
	Server struct {
		Listen    string `yaml:"listen"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Workers struct {
		PoolSize          int `yaml:"pool_size"`
		LeaseSeconds      int `yaml:"lease_seconds"`
		PollIntervalMs    int `yaml:"poll_interval_ms"`
		DispatchPerSecond int `yaml:"dispatch_per_second"`
	} `yaml:"workers"`
	Queue struct {
		MaxAttempts        int `yaml:"max_attempts"`
		BackoffBaseSeconds int `yaml:"backoff_base_seconds"`
	} `yaml:"queue"`
	Extraction struct {
		PageSize    int `yaml:"page_size"`
		PageDelayMs int `yaml:"page_delay_ms"`
	} `yaml:"extraction"`
	Mutation struct {
		DelayMs  int64 `yaml:"delay_ms"`
		JitterMs int64 `yaml:"jitter_ms"`
	} `yaml:"mutation"`
	Safety struct {
		WindowSize             int     `yaml:"window_size"`
		FailureThreshold       float64 `yaml:"failure_threshold"`
		DefaultCooldownSeconds int     `yaml:"default_cooldown_seconds"`
	} `yaml:"safety"`
	Crypto struct {
		// CredentialKey is a hex-encoded 32-byte key used to encrypt
		// account session credentials at rest.
		CredentialKey string `yaml:"credential_key"`
	} `yaml:"crypto"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Kinds          []string `yaml:"kinds,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run 'bl init' to generate one", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "bulkline.yml")
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workers.PoolSize <= 0 {
		return fmt.Errorf("config.workers.pool_size must be positive")
	}
	if c.Workers.LeaseSeconds <= 0 {
		return fmt.Errorf("config.workers.lease_seconds must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("config.queue.max_attempts must be positive")
	}
	if c.Queue.BackoffBaseSeconds <= 0 {
		return fmt.Errorf("config.queue.backoff_base_seconds must be positive")
	}
	if c.Extraction.PageSize <= 0 {
		return fmt.Errorf("config.extraction.page_size must be positive")
	}
	if c.Safety.WindowSize <= 0 {
		return fmt.Errorf("config.safety.window_size must be positive")
	}
	if c.Safety.FailureThreshold <= 0 || c.Safety.FailureThreshold > 1 {
		return fmt.Errorf("config.safety.failure_threshold must be in (0,1]")
	}
	if c.Safety.DefaultCooldownSeconds <= 0 {
		return fmt.Errorf("config.safety.default_cooldown_seconds must be positive")
	}
	if c.Crypto.CredentialKey != "" {
		key, err := hex.DecodeString(c.Crypto.CredentialKey)
		if err != nil {
			return fmt.Errorf("config.crypto.credential_key is not valid hex: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("config.crypto.credential_key must decode to 32 bytes, got %d", len(key))
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// CredentialKey returns the decoded credential key, or nil when unset.
func (c *Config) CredentialKey() []byte {
	if c.Crypto.CredentialKey == "" {
		return nil
	}
	key, err := hex.DecodeString(c.Crypto.CredentialKey)
	if err != nil {
		return nil
	}
	return key
}

// Default returns the built-in defaults.
func Default() *Config {
	var cfg Config
	cfg.Server.Listen = "127.0.0.1:8080"
	cfg.Server.BasePath = "/v0"
	cfg.Workers.PoolSize = 50
	cfg.Workers.LeaseSeconds = 120
	cfg.Workers.PollIntervalMs = 500
	cfg.Workers.DispatchPerSecond = 1000
	cfg.Queue.MaxAttempts = 3
	cfg.Queue.BackoffBaseSeconds = 5
	cfg.Extraction.PageSize = 100
	cfg.Extraction.PageDelayMs = 1000
	cfg.Mutation.DelayMs = 3000
	cfg.Mutation.JitterMs = 500
	cfg.Safety.WindowSize = 20
	cfg.Safety.FailureThreshold = 0.5
	cfg.Safety.DefaultCooldownSeconds = 300
	return &cfg
}

// GenerateDefault returns default config YAML for 'bl init'.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  listen: 127.0.0.1:8080
  base_path: /v0
  # jwt_secret: change-me

workers:
  pool_size: 50
  lease_seconds: 120
  poll_interval_ms: 500
  dispatch_per_second: 1000

queue:
  max_attempts: 3
  backoff_base_seconds: 5

extraction:
  page_size: 100
  page_delay_ms: 1000

mutation:
  delay_ms: 3000
  jitter_ms: 500

safety:
  window_size: 20
  failure_threshold: 0.5
  default_cooldown_seconds: 300

crypto:
  # 32-byte hex key for encrypting session credentials at rest.
  # Generate with: openssl rand -hex 32
  credential_key: ""

# webhooks:
#   - url: https://example.test/hooks/bulkline
#     kinds: [job.completed, job.failed]
`
