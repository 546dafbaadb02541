package store

import (
	"context"
	"fmt"
	"time"
)

// DashboardSnapshot is the aggregated view behind the analytics dashboard
// endpoint: current volumes, routing mix, and escalation load in one
// round trip rather than one query per widget.
type DashboardSnapshot struct {
	GeneratedAt       time.Time
	TotalEmails       int
	ProcessedEmails   int
	FailedEmails      int
	ActiveEscalations int
	AvgProcessingMS   float64
	RoutingBreakdown  map[string]int
	CategoryBreakdown map[string]int
	TopPatterns       []EmailPattern
}

// Dashboard assembles a DashboardSnapshot from the last lookback window.
func (c *Client) Dashboard(ctx context.Context, lookback time.Duration) (DashboardSnapshot, error) {
	cutoff := time.Now().UTC().Add(-lookback)
	snap := DashboardSnapshot{GeneratedAt: time.Now().UTC()}

	err := c.db.QueryRowContext(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE processing_status = 'COMPLETED'),
		       count(*) FILTER (WHERE processing_status = 'FAILED')
		FROM emails WHERE received_at >= $1
	`, cutoff).Scan(&snap.TotalEmails, &snap.ProcessedEmails, &snap.FailedEmails)
	if err != nil {
		return DashboardSnapshot{}, fmt.Errorf("store: aggregating email counts: %w", err)
	}

	err = c.db.QueryRowContext(ctx, `
		SELECT count(*) FROM escalation_groups WHERE status = 'active'
	`).Scan(&snap.ActiveEscalations)
	if err != nil {
		return DashboardSnapshot{}, fmt.Errorf("store: counting active escalations: %w", err)
	}

	err = c.db.QueryRowContext(ctx, `
		SELECT coalesce(avg(processing_time_ms), 0) FROM processing_results
		WHERE status = 'COMPLETED' AND created_at >= $1
	`, cutoff).Scan(&snap.AvgProcessingMS)
	if err != nil {
		return DashboardSnapshot{}, fmt.Errorf("store: averaging processing time: %w", err)
	}

	snap.RoutingBreakdown, err = c.countBy(ctx, `
		SELECT routing_decision, count(*) FROM processing_results
		WHERE created_at >= $1 AND routing_decision != ''
		GROUP BY routing_decision
	`, cutoff)
	if err != nil {
		return DashboardSnapshot{}, fmt.Errorf("store: aggregating routing breakdown: %w", err)
	}

	snap.CategoryBreakdown, err = c.countBy(ctx, `
		SELECT c.category, count(*) FROM classifications c
		JOIN emails e ON e.id = c.email_id
		WHERE e.received_at >= $1
		GROUP BY c.category
	`, cutoff)
	if err != nil {
		return DashboardSnapshot{}, fmt.Errorf("store: aggregating category breakdown: %w", err)
	}

	snap.TopPatterns, err = c.TopPatterns(ctx, 10)
	if err != nil {
		return DashboardSnapshot{}, fmt.Errorf("store: loading top patterns: %w", err)
	}

	return snap, nil
}

func (c *Client) countBy(ctx context.Context, query string, args ...any) (map[string]int, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		out[key] = n
	}
	return out, rows.Err()
}
