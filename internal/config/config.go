// Package config normalizes the policy core's settings into a fixed struct.
//
// Settings arrive from a YAML file, AIDP_ environment variables, or an
// in-memory nested map handed over by the orchestrator. All three paths go
// through the same koanf loader so defaults and key normalization are
// applied exactly once, at the boundary.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultNeedsInputLabel is applied to an issue or PR when watch mode gives up.
	DefaultNeedsInputLabel = "aidp-needs-input"
	// DefaultMaxRetryAttempts is the number of retries before escalation.
	DefaultMaxRetryAttempts = 3
	// DefaultTokenTTL is the lifetime of a secrets proxy token.
	DefaultTokenTTL = 5 * time.Minute
	// DefaultLogLimit bounds the audit and usage logs.
	DefaultLogLimit = 1000
)

// RuleOfTwoConfig gates the whole policy layer.
type RuleOfTwoConfig struct {
	Enabled bool `koanf:"enabled" yaml:"enabled" json:"enabled"`
}

// WatchModeConfig drives the fail-forward handler.
type WatchModeConfig struct {
	MaxRetryAttempts   int    `koanf:"max_retry_attempts" yaml:"max_retry_attempts" json:"max_retry_attempts"`
	FailForwardEnabled bool   `koanf:"fail_forward_enabled" yaml:"fail_forward_enabled" json:"fail_forward_enabled"`
	NeedsInputLabel    string `koanf:"needs_input_label" yaml:"needs_input_label" json:"needs_input_label"`
}

// SecretsProxyConfig tunes token issuance.
type SecretsProxyConfig struct {
	DefaultTTL      time.Duration `koanf:"default_ttl" yaml:"default_ttl" json:"default_ttl"`
	StrictSingleUse bool          `koanf:"strict_single_use" yaml:"strict_single_use" json:"strict_single_use"`
	UsageLogLimit   int           `koanf:"usage_log_limit" yaml:"usage_log_limit" json:"usage_log_limit"`
}

// AuditConfig bounds the enforcer's in-memory audit log.
type AuditConfig struct {
	Limit int `koanf:"limit" yaml:"limit" json:"limit"`
}

// Config holds every setting the policy core reads.
type Config struct {
	RuleOfTwo    RuleOfTwoConfig    `koanf:"rule_of_two" yaml:"rule_of_two" json:"rule_of_two"`
	WatchMode    WatchModeConfig    `koanf:"watch_mode" yaml:"watch_mode" json:"watch_mode"`
	SecretsProxy SecretsProxyConfig `koanf:"secrets_proxy" yaml:"secrets_proxy" json:"secrets_proxy"`
	Audit        AuditConfig        `koanf:"audit" yaml:"audit" json:"audit"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		RuleOfTwo: RuleOfTwoConfig{Enabled: true},
		WatchMode: WatchModeConfig{
			MaxRetryAttempts:   DefaultMaxRetryAttempts,
			FailForwardEnabled: true,
			NeedsInputLabel:    DefaultNeedsInputLabel,
		},
		SecretsProxy: SecretsProxyConfig{
			DefaultTTL:    DefaultTokenTTL,
			UsageLogLimit: DefaultLogLimit,
		},
		Audit: AuditConfig{Limit: DefaultLogLimit},
	}
}

// Validate rejects settings the core cannot run with.
func (c Config) Validate() error {
	if c.WatchMode.MaxRetryAttempts < 1 {
		return fmt.Errorf("watch_mode.max_retry_attempts must be >= 1, got %d", c.WatchMode.MaxRetryAttempts)
	}
	if c.WatchMode.NeedsInputLabel == "" {
		return fmt.Errorf("watch_mode.needs_input_label must not be empty")
	}
	if c.SecretsProxy.DefaultTTL < 0 {
		return fmt.Errorf("secrets_proxy.default_ttl must not be negative, got %s", c.SecretsProxy.DefaultTTL)
	}
	if c.SecretsProxy.UsageLogLimit < 1 {
		return fmt.Errorf("secrets_proxy.usage_log_limit must be >= 1, got %d", c.SecretsProxy.UsageLogLimit)
	}
	if c.Audit.Limit < 1 {
		return fmt.Errorf("audit.limit must be >= 1, got %d", c.Audit.Limit)
	}
	return nil
}

// DefaultPath returns the project-local config file location.
func DefaultPath(projectDir string) string {
	return filepath.Join(projectDir, ".aidp", "aidp.yml")
}

// DefaultYAML renders Default as a commented YAML document.
func DefaultYAML() (string, error) {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", err
	}
	header := "# aidp security settings.\n" +
		"# Environment variables override this file: AIDP_RULE_OF_TWO__ENABLED=false\n\n"
	return header + string(data), nil
}
