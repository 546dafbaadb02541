package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// yamlConfig mirrors the on-disk emailbot.yaml shape before environment
// variables are layered on top of it.
type yamlConfig struct {
	Mailbox    *MailboxConfig    `yaml:"mailbox"`
	Scheduler  *SchedulerConfig  `yaml:"scheduler"`
	Thresholds *ThresholdConfig  `yaml:"thresholds"`
	LLM        *LLMConfig        `yaml:"llm"`
	RateLimit  *RateLimitConfig  `yaml:"rate_limit"`
	Auth       *AuthConfig       `yaml:"auth"`
	Encryption *EncryptionConfig `yaml:"encryption"`
	Database   *DatabaseConfig   `yaml:"database"`
	Cache      *CacheConfig      `yaml:"cache"`
	Expertise  *ExpertiseConfig  `yaml:"expertise"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read emailbot.yaml from configDir (missing file is tolerated; the
//     service can run from environment variables alone).
//  2. Expand ${VAR} / $VAR references in the raw YAML.
//  3. Parse YAML into typed structs.
//  4. Apply built-in defaults for anything left unset.
//  5. Overlay the documented environment variables, which always win
//     over YAML and defaults.
//  6. Validate the fully assembled configuration.
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.InfoContext(ctx, "initializing configuration")

	cfg := &Config{configDir: configDir}

	if raw, err := os.ReadFile(filepath.Join(configDir, "emailbot.yaml")); err == nil {
		expanded := expandEnv(raw)
		var parsed yamlConfig
		if err := yaml.Unmarshal(expanded, &parsed); err != nil {
			return nil, fmt.Errorf("parsing emailbot.yaml: %w", err)
		}
		applyYAML(cfg, &parsed)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading emailbot.yaml: %w", err)
	} else {
		log.WarnContext(ctx, "no emailbot.yaml found, relying on environment variables and defaults")
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := NewValidator(cfg).ValidateAll(); err != nil {
		return nil, fmt.Errorf("configuration invalid: %w", err)
	}

	return cfg, nil
}

// expandEnv expands ${VAR} and $VAR references in raw YAML bytes before
// parsing, the same shell-style expansion the ambient config system uses
// throughout this corpus. Missing variables expand to empty string;
// ValidateAll is responsible for catching required fields left empty.
func expandEnv(raw []byte) []byte {
	return []byte(os.Expand(string(raw), os.Getenv))
}

func applyYAML(cfg *Config, y *yamlConfig) {
	if y.Mailbox != nil {
		cfg.Mailbox = *y.Mailbox
	}
	if y.Scheduler != nil {
		cfg.Scheduler = *y.Scheduler
	}
	if y.Thresholds != nil {
		cfg.Thresholds = *y.Thresholds
	}
	if y.LLM != nil {
		cfg.LLM = *y.LLM
	}
	if y.RateLimit != nil {
		cfg.RateLimit = *y.RateLimit
	}
	if y.Auth != nil {
		cfg.Auth = *y.Auth
	}
	if y.Encryption != nil {
		cfg.Encryption = *y.Encryption
	}
	if y.Database != nil {
		cfg.Database = *y.Database
	}
	if y.Cache != nil {
		cfg.Cache = *y.Cache
	}
	if y.Expertise != nil {
		cfg.Expertise = *y.Expertise
	}
}

// applyEnvOverrides binds the documented environment variables onto cfg;
// each, when set, wins over YAML and defaults.
func applyEnvOverrides(cfg *Config) {
	envDuration(&cfg.Scheduler.PollingInterval, "POLLING_INTERVAL_MINUTES", time.Minute)
	envInt(&cfg.Scheduler.BatchSize, "BATCH_SIZE")
	envDuration(&cfg.Scheduler.MaxProcessingTime, "MAX_PROCESSING_TIME_MINUTES", time.Minute)
	envInt(&cfg.Scheduler.RetryAttempts, "RETRY_ATTEMPTS")
	envDuration(&cfg.Scheduler.RetryDelay, "RETRY_DELAY_SECONDS", time.Second)

	envFloat(&cfg.Thresholds.Auto, "CONFIDENCE_THRESHOLD_AUTO")
	envFloat(&cfg.Thresholds.Suggest, "CONFIDENCE_THRESHOLD_SUGGEST")
	envFloat(&cfg.Thresholds.Review, "CONFIDENCE_THRESHOLD_REVIEW")

	envString(&cfg.LLM.Model, "LLM_MODEL")
	envInt(&cfg.LLM.MaxTokens, "LLM_MAX_TOKENS")
	envFloat(&cfg.LLM.Temperature, "LLM_TEMPERATURE")
	envDuration(&cfg.LLM.Timeout, "LLM_TIMEOUT", time.Second)
	envInt(&cfg.LLM.MaxRetries, "LLM_MAX_RETRIES")

	envInt(&cfg.RateLimit.MaxRequests, "RATE_LIMIT_REQUESTS")
	envDuration(&cfg.RateLimit.Window, "RATE_LIMIT_WINDOW", time.Second)

	envInt(&cfg.Mailbox.MaxEmailBodyLength, "MAX_EMAIL_BODY_LENGTH")
	envString(&cfg.Mailbox.TargetMailbox, "TARGET_MAILBOX")

	envString(&cfg.Auth.TenantID, "AUTH_TENANT_ID")
	envString(&cfg.Auth.ClientID, "AUTH_CLIENT_ID")
	envString(&cfg.Auth.ClientSecret, "AUTH_CLIENT_SECRET")
	envString(&cfg.Auth.Authority, "AUTH_AUTHORITY")
	if v := os.Getenv("AUTH_SCOPE"); v != "" {
		cfg.Auth.Scopes = strings.Fields(v)
	}

	if activeKey := os.Getenv("ENCRYPTION_KEY"); activeKey != "" {
		if cfg.Encryption.Keys == nil {
			cfg.Encryption.Keys = map[string]string{}
		}
		cfg.Encryption.Keys["env"] = activeKey
		cfg.Encryption.ActiveKeyID = "env"
	}

	envDuration(&cfg.Auth.TokenCacheTTL, "TOKEN_CACHE_TTL", time.Second)
	envInt(&cfg.Auth.MaxFailedAuth, "MAX_FAILED_AUTH_ATTEMPTS")
	envDuration(&cfg.Auth.LockoutDuration, "AUTH_LOCKOUT_DURATION", time.Second)
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDuration(dst *time.Duration, key string, unit time.Duration) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = time.Duration(n * float64(unit))
		}
	}
}
