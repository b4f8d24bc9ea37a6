package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bulkline/internal/config"
)

func TestDefaultTemplateRoundTrips(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	if err != nil {
		t.Fatalf("generated default config does not parse: %v", err)
	}
	if cfg.Workers.PoolSize != 50 || cfg.Queue.MaxAttempts != 3 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("base path = %q, want /v0", cfg.Server.BasePath)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte("workers:\n  pool_size: 5\nmutation:\n  delay_ms: 100\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Workers.PoolSize != 5 {
		t.Fatalf("pool size = %d, want 5", cfg.Workers.PoolSize)
	}
	if cfg.Mutation.DelayMs != 100 {
		t.Fatalf("delay = %d, want 100", cfg.Mutation.DelayMs)
	}
	// Untouched sections keep their defaults.
	if cfg.Safety.WindowSize != 20 {
		t.Fatalf("window size = %d, want default 20", cfg.Safety.WindowSize)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"zero pool", "workers:\n  pool_size: 0\n", "pool_size"},
		{"zero attempts", "queue:\n  max_attempts: 0\n", "max_attempts"},
		{"threshold above one", "safety:\n  failure_threshold: 1.5\n", "failure_threshold"},
		{"non-hex key", "crypto:\n  credential_key: zzzz\n", "credential_key"},
		{"short key", "crypto:\n  credential_key: 'abcd'\n", "32 bytes"},
		{"webhook without url", "webhooks:\n  - secret: s\n", "url"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(c.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), c.want) {
				t.Fatalf("error %q does not mention %q", err, c.want)
			}
		})
	}
}

func TestCredentialKeyDecodesHex(t *testing.T) {
	hexKey := strings.Repeat("ab", 32)
	cfg, err := config.FromYAML([]byte("crypto:\n  credential_key: " + hexKey + "\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	key := cfg.CredentialKey()
	if len(key) != 32 {
		t.Fatalf("key length = %d, want 32", len(key))
	}
	if key[0] != 0xab {
		t.Fatalf("key[0] = %x, want ab", key[0])
	}
}

func TestCredentialKeyNilWhenUnset(t *testing.T) {
	if key := config.Default().CredentialKey(); key != nil {
		t.Fatalf("key = %v, want nil", key)
	}
}

func TestLoadOptionalFallsBackToDefaults(t *testing.T) {
	cfg, err := config.LoadOptional(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Workers.PoolSize != config.Default().Workers.PoolSize {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	content := "server:\n  listen: 127.0.0.1:9999\n"
	if err := os.WriteFile(filepath.Join(dir, "bulkline.yml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:9999" {
		t.Fatalf("listen = %q", cfg.Server.Listen)
	}

	if _, err := config.Load(t.TempDir()); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
