// Package config provides the configuration schema and loading for the
// querygate tool server. Configuration comes from a YAML file plus
// QUERYGATE_-prefixed environment variables; secrets (the audit secret, the
// launcher token) come only from the environment, never from the file.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/query-gate/querygate/internal/domain/quota"
	"github.com/query-gate/querygate/internal/domain/rule"
)

// Config is the top-level configuration.
type Config struct {
	// Server configures the serving process.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Adapter configures the database backend.
	Adapter AdapterConfig `yaml:"adapter" mapstructure:"adapter"`

	// Tables configures the table and ORDER BY allowlists.
	Tables TablesConfig `yaml:"tables" mapstructure:"tables"`

	// Quota configures admission limits per tenant.
	Quota QuotaConfig `yaml:"quota" mapstructure:"quota"`

	// Audit configures the audit trail.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Rules defines the deny-only guard rules. Optional.
	Rules []RuleConfig `yaml:"rules" mapstructure:"rules" validate:"omitempty,dive"`

	// Launcher configures launcher token verification. Optional; when the
	// hash is empty no launcher token is required.
	Launcher LauncherConfig `yaml:"launcher" mapstructure:"launcher"`

	// Validator configures the static SQL validator.
	Validator ValidatorConfig `yaml:"validator" mapstructure:"validator"`

	// Telemetry configures metric export.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`
}

// ServerConfig configures the serving process.
type ServerConfig struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// AdapterConfig configures the database backend.
type AdapterConfig struct {
	// Backend selects the driver: sqlite or postgres.
	Backend string `yaml:"backend" mapstructure:"backend" validate:"required,oneof=sqlite postgres"`
	// DSN is the backend connection string.
	DSN string `yaml:"dsn" mapstructure:"dsn" validate:"required"`
}

// TablesConfig holds the table and ORDER BY allowlists.
type TablesConfig struct {
	// Allowed lists the queryable tables as schema.table. Empty means no
	// table may be queried.
	Allowed []string `yaml:"allowed" mapstructure:"allowed" validate:"omitempty,dive,table_name"`
	// OrderBy lists the sortable columns as schema.table.column.
	OrderBy []string `yaml:"order_by" mapstructure:"order_by" validate:"omitempty,dive,column_name"`
}

// PolicyConfig is one tenant's quota policy. Zero values fall back to the
// engine defaults.
type PolicyConfig struct {
	Window         string `yaml:"window" mapstructure:"window" validate:"omitempty,duration"`
	MaxRequests    int    `yaml:"max_requests" mapstructure:"max_requests" validate:"omitempty,min=1"`
	MaxConcurrent  int    `yaml:"max_concurrent" mapstructure:"max_concurrent" validate:"omitempty,min=1"`
	MaxResultBytes int64  `yaml:"max_result_bytes" mapstructure:"max_result_bytes" validate:"omitempty,min=1"`
	MaxDuration    string `yaml:"max_duration" mapstructure:"max_duration" validate:"omitempty,duration"`
}

// QuotaConfig configures admission limits.
type QuotaConfig struct {
	// Default applies to tenants without an explicit policy.
	Default PolicyConfig `yaml:"default" mapstructure:"default"`
	// Tenants maps tenant names to their policies.
	Tenants map[string]PolicyConfig `yaml:"tenants" mapstructure:"tenants"`
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	// Output is "stderr" or "file://<absolute-dir>".
	Output string `yaml:"output" mapstructure:"output" validate:"omitempty,audit_output"`
	// RetentionDays keeps rotated audit files this many days.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`
	// MaxFileSizeMB rotates the audit file past this size.
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"omitempty,min=1"`
	// BatchSize is the worker's write batch size.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`
	// FlushInterval is the worker's flush period.
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty,duration"`
	// ChannelSize is the event queue capacity.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`
	// SendTimeout bounds how long a request waits on a full queue before
	// it is denied.
	SendTimeout string `yaml:"send_timeout" mapstructure:"send_timeout" validate:"omitempty,duration"`
}

// RuleConfig is one configured guard rule.
type RuleConfig struct {
	Name       string `yaml:"name" mapstructure:"name" validate:"required"`
	Expression string `yaml:"expression" mapstructure:"expression" validate:"required"`
	Reason     string `yaml:"reason" mapstructure:"reason"`
	Enabled    *bool  `yaml:"enabled" mapstructure:"enabled"`
}

// LauncherConfig configures launcher token verification.
type LauncherConfig struct {
	// TokenHash is the argon2id hash the MCP_LAUNCHER_TOKEN env var must
	// verify against at startup. Empty disables the check.
	TokenHash string `yaml:"token_hash" mapstructure:"token_hash"`
}

// ValidatorConfig configures the static SQL validator.
type ValidatorConfig struct {
	// CacheSize bounds the validation result cache. 0 disables caching.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" validate:"omitempty,min=0"`
}

// TelemetryConfig configures metric export.
type TelemetryConfig struct {
	// MetricsInterval is the period between metric snapshots on stderr.
	// "0s" or empty disables export.
	MetricsInterval string `yaml:"metrics_interval" mapstructure:"metrics_interval" validate:"omitempty,duration"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{LogLevel: "info"},
		Audit: AuditConfig{
			Output:        "stderr",
			RetentionDays: 7,
			MaxFileSizeMB: 100,
			BatchSize:     100,
			FlushInterval: "1s",
			ChannelSize:   1000,
			SendTimeout:   "100ms",
		},
		Validator: ValidatorConfig{CacheSize: 512},
	}
}

// Load reads configuration from Viper into a Config on top of the defaults.
func Load() (*Config, error) {
	cfg := Default()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// QuotaPolicy converts a PolicyConfig into the engine's policy type.
// Duration strings have been validated already; bad values fall back to zero
// and the engine's defaults apply.
func (p PolicyConfig) QuotaPolicy() quota.Policy {
	policy := quota.Policy{
		MaxRequestsPerWindow: p.MaxRequests,
		MaxConcurrent:        p.MaxConcurrent,
		MaxResultBytes:       p.MaxResultBytes,
	}
	if p.Window != "" {
		policy.Window, _ = time.ParseDuration(p.Window)
	}
	if p.MaxDuration != "" {
		policy.MaxDuration, _ = time.ParseDuration(p.MaxDuration)
	}
	return policy
}

// TenantPolicies converts the per-tenant policy map.
func (q QuotaConfig) TenantPolicies() map[string]quota.Policy {
	policies := make(map[string]quota.Policy, len(q.Tenants))
	for tenant, p := range q.Tenants {
		policies[tenant] = p.QuotaPolicy()
	}
	return policies
}

// GuardRules converts the rule configs into domain rules. Enabled defaults
// to true when omitted.
func (c *Config) GuardRules() []rule.Rule {
	rules := make([]rule.Rule, 0, len(c.Rules))
	for _, rc := range c.Rules {
		enabled := true
		if rc.Enabled != nil {
			enabled = *rc.Enabled
		}
		rules = append(rules, rule.Rule{
			Name:       rc.Name,
			Expression: rc.Expression,
			Reason:     rc.Reason,
			Enabled:    enabled,
		})
	}
	return rules
}

// FlushIntervalDuration returns the parsed flush interval.
func (a AuditConfig) FlushIntervalDuration() time.Duration {
	d, err := time.ParseDuration(a.FlushInterval)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}

// SendTimeoutDuration returns the parsed send timeout.
func (a AuditConfig) SendTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(a.SendTimeout)
	if err != nil || d < 0 {
		return 100 * time.Millisecond
	}
	return d
}

// MetricsIntervalDuration returns the parsed metrics interval, 0 when
// disabled.
func (t TelemetryConfig) MetricsIntervalDuration() time.Duration {
	if t.MetricsInterval == "" {
		return 0
	}
	d, err := time.ParseDuration(t.MetricsInterval)
	if err != nil || d < 0 {
		return 0
	}
	return d
}
