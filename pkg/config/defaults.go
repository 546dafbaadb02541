package config

import "time"

// applyDefaults fills in zero-valued fields with the documented
// environment variable defaults from the configuration reference, using
// dario.cat/mergo so an operator's partial YAML only needs to specify
// overrides.
func applyDefaults(cfg *Config) {
	def := Config{
		Mailbox: MailboxConfig{
			MaxEmailBodyLength: 50000,
		},
		Scheduler: SchedulerConfig{
			PollingInterval:       5 * time.Minute,
			BatchSize:             10,
			MaxProcessingTime:     30 * time.Minute,
			RetryAttempts:         3,
			RetryDelay:            60 * time.Second,
			PatternDetectionEvery: 6,
		},
		Thresholds: ThresholdConfig{
			Auto:    85,
			Suggest: 60,
			Review:  40,
		},
		LLM: LLMConfig{
			MaxTokens:       300,
			Temperature:     0.1,
			Timeout:         30 * time.Second,
			MaxRetries:      3,
			PromptBodyChars: 4000,
		},
		RateLimit: RateLimitConfig{
			MaxRequests:  100,
			Window:       60 * time.Second,
			BurstWindow:  10 * time.Second,
			BurstSize:    20,
			AdaptiveLoad: true,
		},
		Auth: AuthConfig{
			MaxClaimAge:     24 * time.Hour,
			TokenCacheTTL:   3600 * time.Second,
			MaxFailedAuth:   5,
			LockoutDuration: 900 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "emailbot",
			SSLMode:         "require",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		Cache: CacheConfig{
			Addr: "localhost:6379",
		},
	}

	mergeInto(cfg, &def)
}
