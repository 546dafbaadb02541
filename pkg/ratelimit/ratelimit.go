// Package ratelimit implements the admission policy gating outbound
// calls to the mail, chat and LLM platforms: a sliding request window per
// identifier, a cooldown block once the window is exceeded, and a load
// factor that shrinks the effective limit when the system is busy.
//
// This is hand-rolled on sync.Mutex rather than an off-the-shelf token
// bucket limiter, since the sliding-window-plus-burst-plus-adaptive-load
// shape here is a different algorithm family from token buckets.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/ssmanji89/emailprocer/pkg/apperrors"
	"github.com/ssmanji89/emailprocer/pkg/store"
)

// WindowCache optionally backs the limiter's request-window counter
// across replicas. When nil, the limiter only tracks its own in-memory
// history, which is correct for a single instance but not shared across
// replicas of the same process.
type WindowCache interface {
	IncrementWindow(ctx context.Context, identifier string, windowStart time.Time, window time.Duration) (count int64, ok bool)
}

// Config configures the limiter's base behavior.
type Config struct {
	MaxRequests  int
	Window       time.Duration
	BurstWindow  time.Duration
	BurstSize    int
	AdaptiveLoad bool
	Cache        WindowCache
}

// loadCheckInterval is the minimum time between load-factor recomputations.
const loadCheckInterval = time.Minute

// SecurityEventRecorder is the subset of pkg/store the limiter needs to
// emit a WARNING-severity SecurityEvent when it blocks a client.
type SecurityEventRecorder interface {
	PutSecurityEvent(ctx context.Context, e store.SecurityEvent) error
}

// Limiter enforces the admission policy for a named resource (e.g. "mail"
// or "chat"), tracked independently per identifier (sender/mailbox).
type Limiter struct {
	cfg      Config
	resource string
	security SecurityEventRecorder

	mu           sync.Mutex
	history      map[string][]time.Time
	burstHistory map[string][]time.Time
	blockedUntil map[string]time.Time

	loadFactor    float64
	lastLoadCheck time.Time
}

// New builds a Limiter for resource (used only to label emitted
// SecurityEvents). security may be nil to skip event emission.
func New(cfg Config, resource string, security SecurityEventRecorder) *Limiter {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 100
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	return &Limiter{
		cfg:          cfg,
		resource:     resource,
		security:     security,
		history:      map[string][]time.Time{},
		burstHistory: map[string][]time.Time{},
		blockedUntil: map[string]time.Time{},
		loadFactor:   1.0,
	}
}

// Allow reports whether a request for identifier may proceed now. When it
// returns false the caller must not make the call; cfg is not mutated.
func (l *Limiter) Allow(ctx context.Context, identifier string) (bool, error) {
	l.mu.Lock()
	now := time.Now()

	if until, blocked := l.blockedUntil[identifier]; blocked {
		if now.Before(until) {
			l.mu.Unlock()
			return false, apperrors.Newf(apperrors.KindRateLimited, "ratelimit: %s blocked until %s", identifier, until)
		}
		delete(l.blockedUntil, identifier)
	}

	l.updateLoadFactor(now)
	effectiveMax := l.effectiveMax()

	l.history[identifier] = cutoff(l.history[identifier], now.Add(-l.cfg.Window))
	count := len(l.history[identifier])

	if l.cfg.BurstSize > 0 && l.cfg.BurstWindow > 0 {
		l.burstHistory[identifier] = cutoff(l.burstHistory[identifier], now.Add(-l.cfg.BurstWindow))
		if len(l.burstHistory[identifier]) >= l.cfg.BurstSize {
			l.block(identifier, now)
			l.mu.Unlock()
			l.emitBlocked(ctx, identifier, "burst_exceeded")
			return false, apperrors.Newf(apperrors.KindRateLimited, "ratelimit: %s exceeded burst limit", identifier)
		}
	}

	if count >= effectiveMax {
		l.block(identifier, now)
		l.mu.Unlock()
		l.emitBlocked(ctx, identifier, "window_exceeded")
		return false, apperrors.Newf(apperrors.KindRateLimited, "ratelimit: %s exceeded %d requests per %s", identifier, effectiveMax, l.cfg.Window)
	}

	l.history[identifier] = append(l.history[identifier], now)
	if l.cfg.BurstSize > 0 {
		l.burstHistory[identifier] = append(l.burstHistory[identifier], now)
	}
	l.mu.Unlock()

	if l.cfg.Cache != nil {
		windowStart := now.Truncate(l.cfg.Window)
		if distCount, ok := l.cfg.Cache.IncrementWindow(ctx, l.resource+":"+identifier, windowStart, l.cfg.Window); ok && int(distCount) > effectiveMax {
			l.emitBlocked(ctx, identifier, "distributed_window_exceeded")
			return false, apperrors.Newf(apperrors.KindRateLimited, "ratelimit: %s exceeded %d requests per %s across replicas", identifier, effectiveMax, l.cfg.Window)
		}
	}
	return true, nil
}

// block must be called with l.mu held.
func (l *Limiter) block(identifier string, now time.Time) {
	l.blockedUntil[identifier] = now.Add(l.cfg.Window)
}

func (l *Limiter) emitBlocked(ctx context.Context, identifier, reason string) {
	if l.security == nil {
		return
	}
	_ = l.security.PutSecurityEvent(ctx, store.SecurityEvent{
		Identifier: identifier,
		Kind:       "rate_limit_" + reason,
		Severity:   store.SeverityWarning,
		Details:    "resource=" + l.resource,
	})
}

// updateLoadFactor must be called with l.mu held. It recomputes the load
// factor at most once per loadCheckInterval, shrinking the effective limit
// as total tracked requests across all identifiers grow.
func (l *Limiter) updateLoadFactor(now time.Time) {
	if !l.cfg.AdaptiveLoad {
		l.loadFactor = 1.0
		return
	}
	if !l.lastLoadCheck.IsZero() && now.Sub(l.lastLoadCheck) < loadCheckInterval {
		return
	}
	l.lastLoadCheck = now

	total := 0
	for _, h := range l.history {
		total += len(h)
	}

	switch {
	case total > l.cfg.MaxRequests*2:
		l.loadFactor = 0.5
	case total > l.cfg.MaxRequests:
		l.loadFactor = 0.75
	default:
		l.loadFactor = 1.0
	}
}

func (l *Limiter) effectiveMax() int {
	effective := int(float64(l.cfg.MaxRequests) * l.loadFactor)
	if effective < 1 {
		effective = 1
	}
	return effective
}

// Status reports the current admission state for identifier, used by the
// health/ops surface.
type Status struct {
	CurrentRequests  int
	MaxRequests      int
	RequestsRemaining int
	IsBlocked        bool
	LoadFactor       float64
}

// Status returns a snapshot of identifier's current window occupancy.
func (l *Limiter) Status(identifier string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.history[identifier] = cutoff(l.history[identifier], now.Add(-l.cfg.Window))
	count := len(l.history[identifier])
	effectiveMax := l.effectiveMax()

	_, blocked := l.blockedUntil[identifier]
	remaining := effectiveMax - count
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		CurrentRequests:   count,
		MaxRequests:       effectiveMax,
		RequestsRemaining: remaining,
		IsBlocked:         blocked,
		LoadFactor:        l.loadFactor,
	}
}

// Reset clears all tracked history and blocks for identifier, an
// operator escape hatch.
func (l *Limiter) Reset(identifier string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.history, identifier)
	delete(l.burstHistory, identifier)
	delete(l.blockedUntil, identifier)
}

// cutoff drops entries older than before, keeping the slice sorted
// ascending (callers only ever append, so a single scan from the front
// suffices).
func cutoff(times []time.Time, before time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(before) {
		i++
	}
	if i == 0 {
		return times
	}
	return append([]time.Time(nil), times[i:]...)
}
