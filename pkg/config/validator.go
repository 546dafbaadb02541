package config

import (
	"encoding/base64"
	"fmt"
)

// Validator validates configuration comprehensively with clear error
// messages, rejecting invalid combinations at load time rather than at
// first use.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll performs comprehensive validation, stopping at the first error.
func (v *Validator) ValidateAll() error {
	if err := v.validateMailbox(); err != nil {
		return fmt.Errorf("mailbox validation failed: %w", err)
	}
	if err := v.validateScheduler(); err != nil {
		return fmt.Errorf("scheduler validation failed: %w", err)
	}
	if err := v.validateThresholds(); err != nil {
		return fmt.Errorf("threshold validation failed: %w", err)
	}
	if err := v.validateLLM(); err != nil {
		return fmt.Errorf("LLM validation failed: %w", err)
	}
	if err := v.validateRateLimit(); err != nil {
		return fmt.Errorf("rate limit validation failed: %w", err)
	}
	if err := v.validateAuth(); err != nil {
		return fmt.Errorf("auth validation failed: %w", err)
	}
	if err := v.validateEncryption(); err != nil {
		return fmt.Errorf("encryption validation failed: %w", err)
	}
	if err := v.validateDatabase(); err != nil {
		return fmt.Errorf("database validation failed: %w", err)
	}
	return nil
}

func (v *Validator) validateMailbox() error {
	m := v.cfg.Mailbox
	if m.TargetMailbox == "" {
		return fmt.Errorf("target_mailbox must be set")
	}
	if m.MaxEmailBodyLength < 1 {
		return fmt.Errorf("max_email_body_length must be positive, got %d", m.MaxEmailBodyLength)
	}
	return nil
}

func (v *Validator) validateScheduler() error {
	s := v.cfg.Scheduler
	if s.PollingInterval <= 0 {
		return fmt.Errorf("polling_interval must be positive")
	}
	if s.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1, got %d", s.BatchSize)
	}
	if s.MaxProcessingTime <= 0 {
		return fmt.Errorf("max_processing_time must be positive")
	}
	if s.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts cannot be negative")
	}
	if s.RetryDelay < 0 {
		return fmt.Errorf("retry_delay cannot be negative")
	}
	return nil
}

func (v *Validator) validateThresholds() error {
	t := v.cfg.Thresholds
	if !(0 <= t.Review && t.Review <= t.Suggest && t.Suggest <= t.Auto && t.Auto <= 100) {
		return fmt.Errorf("thresholds must satisfy 0 <= review (%v) <= suggest (%v) <= auto (%v) <= 100",
			t.Review, t.Suggest, t.Auto)
	}
	if !(70 <= t.Auto && t.Auto <= 100) {
		return fmt.Errorf("auto threshold must be between 70 and 100, got %v", t.Auto)
	}
	return nil
}

func (v *Validator) validateLLM() error {
	l := v.cfg.LLM
	if l.MaxTokens < 1 {
		return fmt.Errorf("llm max_tokens must be positive, got %d", l.MaxTokens)
	}
	if l.Temperature < 0 || l.Temperature > 2 {
		return fmt.Errorf("llm temperature must be between 0 and 2, got %v", l.Temperature)
	}
	if l.Timeout <= 0 {
		return fmt.Errorf("llm timeout must be positive")
	}
	if l.MaxRetries < 0 {
		return fmt.Errorf("llm max_retries cannot be negative")
	}
	return nil
}

func (v *Validator) validateRateLimit() error {
	r := v.cfg.RateLimit
	if r.MaxRequests < 1 {
		return fmt.Errorf("rate_limit max_requests must be positive, got %d", r.MaxRequests)
	}
	if r.Window <= 0 {
		return fmt.Errorf("rate_limit window must be positive")
	}
	if r.BurstWindow <= 0 {
		return fmt.Errorf("rate_limit burst_window must be positive")
	}
	if r.BurstSize < 1 {
		return fmt.Errorf("rate_limit burst_size must be positive, got %d", r.BurstSize)
	}
	return nil
}

func (v *Validator) validateAuth() error {
	a := v.cfg.Auth
	if a.TenantID == "" {
		return fmt.Errorf("tenant_id must be set")
	}
	if a.ClientID == "" {
		return fmt.Errorf("client_id must be set")
	}
	if a.ClientSecret == "" {
		return fmt.Errorf("client_secret must be set")
	}
	if a.Authority == "" {
		return fmt.Errorf("authority must be set")
	}
	if a.MaxFailedAuth < 1 {
		return fmt.Errorf("max_failed_auth_attempts must be positive, got %d", a.MaxFailedAuth)
	}
	if a.LockoutDuration <= 0 {
		return fmt.Errorf("auth_lockout_duration must be positive")
	}
	return nil
}

func (v *Validator) validateEncryption() error {
	e := v.cfg.Encryption
	if e.ActiveKeyID == "" {
		return fmt.Errorf("encryption active_key_id must be set (set ENCRYPTION_KEY)")
	}
	encoded, ok := e.Keys[e.ActiveKeyID]
	if !ok {
		return fmt.Errorf("active_key_id %q has no corresponding key material", e.ActiveKeyID)
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("encryption key %q is not valid base64: %w", e.ActiveKeyID, err)
	}
	if len(decoded) != 32 {
		return fmt.Errorf("encryption key %q must decode to exactly 32 bytes for AES-256, got %d", e.ActiveKeyID, len(decoded))
	}
	for id, encoded := range e.Keys {
		if id == e.ActiveKeyID {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("encryption key %q is not valid base64: %w", id, err)
		}
		if len(decoded) != 32 {
			return fmt.Errorf("encryption key %q must decode to exactly 32 bytes for AES-256, got %d", id, len(decoded))
		}
	}
	return nil
}

func (v *Validator) validateDatabase() error {
	d := v.cfg.Database
	if d.Host == "" {
		return fmt.Errorf("database host must be set")
	}
	if d.Database == "" {
		return fmt.Errorf("database name must be set")
	}
	if d.MaxOpenConns < 1 {
		return fmt.Errorf("database max_open_conns must be positive, got %d", d.MaxOpenConns)
	}
	return nil
}
