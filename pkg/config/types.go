// Package config assembles a single typed configuration object at startup
// from a YAML file plus environment variable overrides, validating it
// eagerly so invalid combinations are rejected at load time rather than
// at first use.
package config

import "time"

// Config is the umbrella configuration object passed explicitly to every
// component constructor. There is no module-level mutable config state;
// exactly one Config is built by Initialize and threaded through main.
type Config struct {
	configDir string

	Mailbox    MailboxConfig
	Scheduler  SchedulerConfig
	Thresholds ThresholdConfig
	LLM        LLMConfig
	RateLimit  RateLimitConfig
	Auth       AuthConfig
	Encryption EncryptionConfig
	Database   DatabaseConfig
	Cache      CacheConfig
	Expertise  ExpertiseConfig
}

// ConfigDir returns the directory configuration was loaded from.
func (c *Config) ConfigDir() string { return c.configDir }

// MailboxConfig names the single monitored mailbox and body handling limits.
type MailboxConfig struct {
	TargetMailbox      string `yaml:"target_mailbox"`
	MaxEmailBodyLength int    `yaml:"max_email_body_length"`
}

// SchedulerConfig controls the polling loop and per-email processing budget.
type SchedulerConfig struct {
	PollingInterval        time.Duration `yaml:"polling_interval"`
	BatchSize              int           `yaml:"batch_size"`
	MaxProcessingTime      time.Duration `yaml:"max_processing_time"`
	RetryAttempts          int           `yaml:"retry_attempts"`
	RetryDelay             time.Duration `yaml:"retry_delay"`
	PatternDetectionEvery  int           `yaml:"pattern_detection_every"` // in polling intervals; 0 takes the default (6), negative disables
}

// ThresholdConfig holds the router's confidence thresholds. Must satisfy
// 0 ≤ review ≤ suggest ≤ auto ≤ 100 and 70 ≤ auto ≤ 100.
type ThresholdConfig struct {
	Auto    float64 `yaml:"auto"`
	Suggest float64 `yaml:"suggest"`
	Review  float64 `yaml:"review"`
}

// LLMConfig configures the LLM client used for classification, response
// generation, and escalation planning.
type LLMConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	// PromptBodyChars bounds how much of the email body is embedded in prompts.
	PromptBodyChars int `yaml:"prompt_body_chars"`
}

// RateLimitConfig configures the sliding-window admission guard.
type RateLimitConfig struct {
	MaxRequests  int           `yaml:"max_requests"`
	Window       time.Duration `yaml:"window"`
	BurstWindow  time.Duration `yaml:"burst_window"`
	BurstSize    int           `yaml:"burst_size"`
	AdaptiveLoad bool          `yaml:"adaptive_load"`
}

// AuthConfig holds the hosted platform's OAuth client-credentials
// settings and the claims a valid token must carry.
type AuthConfig struct {
	TenantID     string   `yaml:"tenant_id"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Authority    string   `yaml:"authority"`
	Scopes       []string `yaml:"scopes"`

	Audience        string        `yaml:"audience"`
	IssuerPrefix    string        `yaml:"issuer_prefix"`
	MaxClaimAge     time.Duration `yaml:"max_claim_age"`
	TokenCacheTTL   time.Duration `yaml:"token_cache_ttl"`
	MaxFailedAuth   int           `yaml:"max_failed_auth_attempts"`
	LockoutDuration time.Duration `yaml:"auth_lockout_duration"`
}

// EncryptionConfig configures field-level encryption at rest.
type EncryptionConfig struct {
	ActiveKeyID string            `yaml:"active_key_id"`
	Keys        map[string]string `yaml:"keys"` // key id -> base64-encoded 32-byte key
}

// DatabaseConfig configures the Postgres connection pool.
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CacheConfig configures the Redis-backed short-TTL cache.
type CacheConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ExpertiseConfig maps role tags to responder addresses for the Escalator.
type ExpertiseConfig struct {
	RoleAddresses map[string][]string `yaml:"role_addresses"`
}
