// Package config provides configuration loading and management for Mergeflow.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Mergeflow configuration
type Config struct {
	NATS     NATSConfig     `yaml:"nats"`
	Forge    ForgeConfig    `yaml:"forge"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Webhook  WebhookConfig  `yaml:"webhook"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (default: nats://localhost:4222)
	URL string `yaml:"url"`
}

// ForgeConfig configures access to the hosting platform's REST API
type ForgeConfig struct {
	// BaseURL is the forge API root (default: https://api.github.com)
	BaseURL string `yaml:"base_url"`
	// Repo is the owner/name repository slug
	Repo string `yaml:"repo"`
	// Token authenticates forge API calls. Supports ${VAR} expansion.
	Token string `yaml:"token"`
	// Timeout bounds each forge API call (default: 15s)
	Timeout time.Duration `yaml:"timeout"`
}

// PipelineConfig configures correlation and remediation behavior
type PipelineConfig struct {
	// Prefix names this deployment; workflow instance names derive from it
	Prefix string `yaml:"prefix"`
	// QualityLabel is the label that advances a task into quality review
	QualityLabel string `yaml:"quality_label"`
	// MaxIterations is the remediation budget for new tasks
	MaxIterations int `yaml:"max_iterations"`
	// DisableImplicitResolution keeps feedback open until explicitly resolved
	DisableImplicitResolution bool `yaml:"disable_implicit_resolution"`
	// PreferBranch prefers branch-derived task ids over labels on disagreement
	PreferBranch bool `yaml:"prefer_branch"`
	// ImplementationIdentities are pusher identities recognized as
	// implementation agents
	ImplementationIdentities []string `yaml:"implementation_identities"`
	// Reviewers is the reviewer identity allow-list for actionable feedback
	Reviewers []string `yaml:"reviewers"`
	// ReviewerTeamPrefixes accepts any identity with one of these prefixes
	ReviewerTeamPrefixes []string `yaml:"reviewer_team_prefixes"`
}

// WebhookConfig configures the webhook receiver
type WebhookConfig struct {
	// ListenAddr is the HTTP listen address (default: :8090)
	ListenAddr string `yaml:"listen_addr"`
	// Secret is the shared HMAC secret. Empty disables signature checks.
	// Supports ${VAR} expansion.
	Secret string `yaml:"secret"`
	// MaxBodyBytes caps delivery payload size (default: 1 MiB)
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
		Forge: ForgeConfig{
			BaseURL: "https://api.github.com",
			Timeout: 15 * time.Second,
		},
		Pipeline: PipelineConfig{
			Prefix:        "mergeflow",
			QualityLabel:  "ready-for-qa",
			MaxIterations: 10,
		},
		Webhook: WebhookConfig{
			ListenAddr:   ":8090",
			MaxBodyBytes: 1 << 20,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.Forge.BaseURL == "" {
		return fmt.Errorf("forge.base_url is required")
	}
	if c.Forge.Repo == "" {
		return fmt.Errorf("forge.repo is required")
	}
	if c.Pipeline.Prefix == "" {
		return fmt.Errorf("pipeline.prefix is required")
	}
	if c.Pipeline.QualityLabel == "" {
		return fmt.Errorf("pipeline.quality_label is required")
	}
	if c.Pipeline.MaxIterations <= 0 {
		return fmt.Errorf("pipeline.max_iterations must be positive")
	}
	if c.Webhook.ListenAddr == "" {
		return fmt.Errorf("webhook.listen_addr is required")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file. Environment variable
// references (${VAR} or $VAR) are expanded before parsing, so secrets can
// stay out of the file itself.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}

	// Forge
	if other.Forge.BaseURL != "" {
		c.Forge.BaseURL = other.Forge.BaseURL
	}
	if other.Forge.Repo != "" {
		c.Forge.Repo = other.Forge.Repo
	}
	if other.Forge.Token != "" {
		c.Forge.Token = other.Forge.Token
	}
	if other.Forge.Timeout != 0 {
		c.Forge.Timeout = other.Forge.Timeout
	}

	// Pipeline
	if other.Pipeline.Prefix != "" {
		c.Pipeline.Prefix = other.Pipeline.Prefix
	}
	if other.Pipeline.QualityLabel != "" {
		c.Pipeline.QualityLabel = other.Pipeline.QualityLabel
	}
	if other.Pipeline.MaxIterations != 0 {
		c.Pipeline.MaxIterations = other.Pipeline.MaxIterations
	}
	if other.Pipeline.DisableImplicitResolution {
		c.Pipeline.DisableImplicitResolution = true
	}
	if other.Pipeline.PreferBranch {
		c.Pipeline.PreferBranch = true
	}
	if len(other.Pipeline.ImplementationIdentities) > 0 {
		c.Pipeline.ImplementationIdentities = other.Pipeline.ImplementationIdentities
	}
	if len(other.Pipeline.Reviewers) > 0 {
		c.Pipeline.Reviewers = other.Pipeline.Reviewers
	}
	if len(other.Pipeline.ReviewerTeamPrefixes) > 0 {
		c.Pipeline.ReviewerTeamPrefixes = other.Pipeline.ReviewerTeamPrefixes
	}

	// Webhook
	if other.Webhook.ListenAddr != "" {
		c.Webhook.ListenAddr = other.Webhook.ListenAddr
	}
	if other.Webhook.Secret != "" {
		c.Webhook.Secret = other.Webhook.Secret
	}
	if other.Webhook.MaxBodyBytes != 0 {
		c.Webhook.MaxBodyBytes = other.Webhook.MaxBodyBytes
	}
}
