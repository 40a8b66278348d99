package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected default NATS URL nats://localhost:4222, got %s", cfg.NATS.URL)
	}
	if cfg.Forge.BaseURL != "https://api.github.com" {
		t.Errorf("expected default forge base URL https://api.github.com, got %s", cfg.Forge.BaseURL)
	}
	if cfg.Pipeline.Prefix != "mergeflow" {
		t.Errorf("expected default prefix mergeflow, got %s", cfg.Pipeline.Prefix)
	}
	if cfg.Pipeline.MaxIterations != 10 {
		t.Errorf("expected default max iterations 10, got %d", cfg.Pipeline.MaxIterations)
	}
	if cfg.Webhook.ListenAddr != ":8090" {
		t.Errorf("expected default listen addr :8090, got %s", cfg.Webhook.ListenAddr)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Forge.Repo = "acme/payments"
		return cfg
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing forge repo",
			modify:  func(c *Config) { c.Forge.Repo = "" },
			wantErr: true,
		},
		{
			name:    "missing forge base URL",
			modify:  func(c *Config) { c.Forge.BaseURL = "" },
			wantErr: true,
		},
		{
			name:    "missing pipeline prefix",
			modify:  func(c *Config) { c.Pipeline.Prefix = "" },
			wantErr: true,
		},
		{
			name:    "missing quality label",
			modify:  func(c *Config) { c.Pipeline.QualityLabel = "" },
			wantErr: true,
		},
		{
			name:    "zero max iterations",
			modify:  func(c *Config) { c.Pipeline.MaxIterations = 0 },
			wantErr: true,
		},
		{
			name:    "missing listen addr",
			modify:  func(c *Config) { c.Webhook.ListenAddr = "" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
nats:
  url: "nats://test:4222"
forge:
  base_url: "https://forge.internal/api/v1"
  repo: "acme/payments"
  timeout: 30s
pipeline:
  prefix: "payments-pipeline"
  max_iterations: 5
  reviewers:
    - qa-reviewer
    - test-reviewer
webhook:
  listen_addr: ":9000"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.NATS.URL != "nats://test:4222" {
		t.Errorf("expected NATS URL nats://test:4222, got %s", cfg.NATS.URL)
	}
	if cfg.Forge.BaseURL != "https://forge.internal/api/v1" {
		t.Errorf("expected forge base URL https://forge.internal/api/v1, got %s", cfg.Forge.BaseURL)
	}
	if cfg.Forge.Repo != "acme/payments" {
		t.Errorf("expected repo acme/payments, got %s", cfg.Forge.Repo)
	}
	if cfg.Forge.Timeout != 30*time.Second {
		t.Errorf("expected timeout 30s, got %v", cfg.Forge.Timeout)
	}
	if cfg.Pipeline.Prefix != "payments-pipeline" {
		t.Errorf("expected prefix payments-pipeline, got %s", cfg.Pipeline.Prefix)
	}
	if cfg.Pipeline.MaxIterations != 5 {
		t.Errorf("expected max iterations 5, got %d", cfg.Pipeline.MaxIterations)
	}
	if len(cfg.Pipeline.Reviewers) != 2 {
		t.Errorf("expected 2 reviewers, got %d", len(cfg.Pipeline.Reviewers))
	}
	if cfg.Webhook.ListenAddr != ":9000" {
		t.Errorf("expected listen addr :9000, got %s", cfg.Webhook.ListenAddr)
	}
	// Defaults survive for unset fields
	if cfg.Pipeline.QualityLabel != "ready-for-qa" {
		t.Errorf("expected default quality label, got %s", cfg.Pipeline.QualityLabel)
	}
}

func TestLoadFromFileExpandsEnv(t *testing.T) {
	t.Setenv("TEST_FORGE_TOKEN", "secret-token-value")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
forge:
  repo: "acme/payments"
  token: "${TEST_FORGE_TOKEN}"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Forge.Token != "secret-token-value" {
		t.Errorf("expected expanded token, got %s", cfg.Forge.Token)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Forge: ForgeConfig{
			Repo: "acme/payments",
		},
		Pipeline: PipelineConfig{
			Prefix:       "payments-pipeline",
			PreferBranch: true,
		},
	}

	base.Merge(override)

	if base.Forge.Repo != "acme/payments" {
		t.Errorf("expected repo acme/payments, got %s", base.Forge.Repo)
	}
	if base.Pipeline.Prefix != "payments-pipeline" {
		t.Errorf("expected prefix payments-pipeline, got %s", base.Pipeline.Prefix)
	}
	if !base.Pipeline.PreferBranch {
		t.Error("expected prefer_branch to be set")
	}
	// Base defaults survive when the override leaves them empty
	if base.Forge.BaseURL != "https://api.github.com" {
		t.Errorf("expected forge base URL to remain default, got %s", base.Forge.BaseURL)
	}
	if base.Pipeline.QualityLabel != "ready-for-qa" {
		t.Errorf("expected quality label to remain default, got %s", base.Pipeline.QualityLabel)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("MERGEFLOW_NATS_URL", "nats://override:4222")
	t.Setenv("MERGEFLOW_FORGE_TOKEN", "env-token")

	cfg := DefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.NATS.URL != "nats://override:4222" {
		t.Errorf("expected NATS URL from env, got %s", cfg.NATS.URL)
	}
	if cfg.Forge.Token != "env-token" {
		t.Errorf("expected forge token from env, got %s", cfg.Forge.Token)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Forge.Repo = "acme/payments"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	// Verify file was created
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	// Load and verify
	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Forge.Repo != "acme/payments" {
		t.Errorf("expected repo acme/payments, got %s", loaded.Forge.Repo)
	}
}
