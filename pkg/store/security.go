package store

import (
	"context"
	"fmt"
	"time"
)

// PutAuthenticationAttempt records one authentication attempt, success or
// failure, for lockout accounting and monitoring.
func (c *Client) PutAuthenticationAttempt(ctx context.Context, a AuthenticationAttempt) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO authentication_attempts (identifier, success, reason)
		VALUES ($1,$2,$3)
	`, a.Identifier, a.Success, a.Reason)
	if err != nil {
		return fmt.Errorf("store: recording authentication attempt: %w", err)
	}
	return nil
}

// RecentFailedAttempts counts failed attempts for an identifier since a
// cutoff, the basis of the lockout decision.
func (c *Client) RecentFailedAttempts(ctx context.Context, identifier string, since time.Time) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `
		SELECT count(*) FROM authentication_attempts
		WHERE identifier = $1 AND success = FALSE AND created_at >= $2
	`, identifier, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: counting failed attempts: %w", err)
	}
	return n, nil
}

// PutSecurityEvent appends a SecurityEvent.
func (c *Client) PutSecurityEvent(ctx context.Context, e SecurityEvent) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO security_events (identifier, kind, severity, details)
		VALUES ($1,$2,$3,$4)
	`, e.Identifier, e.Kind, string(e.Severity), e.Details)
	if err != nil {
		return fmt.Errorf("store: recording security event: %w", err)
	}
	return nil
}

// RecentSecurityEvents returns the most recent events for an identifier,
// newest first.
func (c *Client) RecentSecurityEvents(ctx context.Context, identifier string, limit int) ([]SecurityEvent, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, identifier, kind, severity, details, created_at
		FROM security_events
		WHERE identifier = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, identifier, limit)
	if err != nil {
		return nil, fmt.Errorf("store: querying security events: %w", err)
	}
	defer rows.Close()

	var out []SecurityEvent
	for rows.Next() {
		var e SecurityEvent
		var severity string
		if err := rows.Scan(&e.ID, &e.Identifier, &e.Kind, &severity, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scanning security event: %w", err)
		}
		e.Severity = SecurityEventSeverity(severity)
		out = append(out, e)
	}
	return out, rows.Err()
}
