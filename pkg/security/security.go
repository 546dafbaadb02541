// Package security accounts authentication attempts toward a per-identifier
// lockout policy and records the resulting SecurityEvents. It implements
// the SecurityRecorder interface pkg/tokenbroker declares, so the broker
// can be wired to a Guard without importing this package's types.
package security

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ssmanji89/emailprocer/pkg/store"
)

// AttemptStore is the subset of the Store the guard reads and writes.
type AttemptStore interface {
	PutAuthenticationAttempt(ctx context.Context, a store.AuthenticationAttempt) error
	RecentFailedAttempts(ctx context.Context, identifier string, since time.Time) (int, error)
	PutSecurityEvent(ctx context.Context, e store.SecurityEvent) error
}

// Config bounds the lockout policy: identifiers with at least
// MaxFailedAttempts failures within the trailing LockoutDuration window
// are locked out for LockoutDuration.
type Config struct {
	MaxFailedAttempts int
	LockoutDuration   time.Duration
}

// Guard tracks failed authentication attempts and the resulting lockouts.
// Lockout state is cached in memory per identifier for fast IsLocked
// checks; RecordAuthFailure is the only path that can set one.
type Guard struct {
	store  AttemptStore
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	lockedUntil map[string]time.Time
}

// New builds a Guard. A non-positive MaxFailedAttempts defaults to 5; a
// non-positive LockoutDuration defaults to 15 minutes.
func New(st AttemptStore, cfg Config) *Guard {
	if cfg.MaxFailedAttempts <= 0 {
		cfg.MaxFailedAttempts = 5
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = 15 * time.Minute
	}
	return &Guard{
		store:       st,
		cfg:         cfg,
		logger:      slog.Default().With("component", "security"),
		lockedUntil: map[string]time.Time{},
	}
}

// RecordAuthFailure persists the failed attempt and, once the identifier
// has accumulated cfg.MaxFailedAttempts failures within the lockout
// window, locks it out and emits a WARNING SecurityEvent.
func (g *Guard) RecordAuthFailure(ctx context.Context, identifier, reason string) {
	if err := g.store.PutAuthenticationAttempt(ctx, store.AuthenticationAttempt{
		Identifier: identifier,
		Success:    false,
		Reason:     reason,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		g.logger.Error("recording failed authentication attempt", "identifier", identifier, "error", err)
	}

	since := time.Now().Add(-g.cfg.LockoutDuration)
	count, err := g.store.RecentFailedAttempts(ctx, identifier, since)
	if err != nil {
		g.logger.Error("counting recent failed attempts", "identifier", identifier, "error", err)
		return
	}
	if count < g.cfg.MaxFailedAttempts {
		return
	}

	until := time.Now().Add(g.cfg.LockoutDuration)
	g.mu.Lock()
	g.lockedUntil[identifier] = until
	g.mu.Unlock()

	g.logger.Warn("identifier locked out after repeated authentication failures", "identifier", identifier, "failures", count, "until", until)
	if err := g.store.PutSecurityEvent(ctx, store.SecurityEvent{
		Identifier: identifier,
		Kind:       "auth_lockout",
		Severity:   store.SeverityWarning,
		Details:    fmt.Sprintf("locked out after %d failed attempts, reason=%s", count, reason),
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		g.logger.Error("recording lockout security event", "identifier", identifier, "error", err)
	}
}

// RecordAuthSuccess persists the successful attempt and clears any
// lockout for the identifier.
func (g *Guard) RecordAuthSuccess(ctx context.Context, identifier string) {
	if err := g.store.PutAuthenticationAttempt(ctx, store.AuthenticationAttempt{
		Identifier: identifier,
		Success:    true,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		g.logger.Error("recording successful authentication attempt", "identifier", identifier, "error", err)
	}

	g.mu.Lock()
	delete(g.lockedUntil, identifier)
	g.mu.Unlock()
}

// IsLocked reports whether identifier is currently locked out.
func (g *Guard) IsLocked(identifier string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.lockedUntil[identifier]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(g.lockedUntil, identifier)
		return false
	}
	return true
}
