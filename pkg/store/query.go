package store

import (
	"context"
	"fmt"
	"time"
)

// EmailsBySender returns emails from a given sender, most recent first,
// capped at limit.
func (c *Client) EmailsBySender(ctx context.Context, address string, limit int) ([]EmailMessage, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, sender_address, sender_display_name, recipient_address, subject,
		       plain_body, html_body, body_truncated, received_at, processed_at,
		       conversation_id, importance, attachments, processing_status,
		       retry_count, last_error
		FROM emails
		WHERE sender_address = $1
		ORDER BY received_at DESC
		LIMIT $2
	`, address, limit)
	if err != nil {
		return nil, fmt.Errorf("store: querying emails by sender: %w", err)
	}
	defer rows.Close()

	var out []EmailMessage
	for rows.Next() {
		m, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// EmailsByDateRange returns emails received within [start, end), oldest first.
func (c *Client) EmailsByDateRange(ctx context.Context, start, end time.Time) ([]EmailMessage, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, sender_address, sender_display_name, recipient_address, subject,
		       plain_body, html_body, body_truncated, received_at, processed_at,
		       conversation_id, importance, attachments, processing_status,
		       retry_count, last_error
		FROM emails
		WHERE received_at >= $1 AND received_at < $2
		ORDER BY received_at ASC
	`, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("store: querying emails by date range: %w", err)
	}
	defer rows.Close()

	var out []EmailMessage
	for rows.Next() {
		m, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CategoryStatistics summarizes classification confidence by category.
type CategoryStatistics struct {
	Category      Category
	Count         int
	AvgConfidence float64
}

// ClassificationStatistics groups classifications by category with count
// and average confidence.
func (c *Client) ClassificationStatistics(ctx context.Context) ([]CategoryStatistics, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT category, count(*), avg(confidence)
		FROM classifications
		GROUP BY category
		ORDER BY count(*) DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: querying classification statistics: %w", err)
	}
	defer rows.Close()

	var out []CategoryStatistics
	for rows.Next() {
		var s CategoryStatistics
		var category string
		if err := rows.Scan(&category, &s.Count, &s.AvgConfidence); err != nil {
			return nil, fmt.Errorf("store: scanning classification statistics: %w", err)
		}
		s.Category = Category(category)
		out = append(out, s)
	}
	return out, rows.Err()
}

// AutomationCandidates returns patterns at or above the given frequency
// and automation-potential thresholds, most promising first.
func (c *Client) AutomationCandidates(ctx context.Context, minFrequency int, minPotential float64) ([]EmailPattern, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT pattern_id, type, description, frequency, first_seen, last_seen,
		       automation_potential, sample_email_ids, common_keywords, time_savings_estimate
		FROM email_patterns
		WHERE frequency >= $1 AND automation_potential >= $2
		ORDER BY automation_potential DESC, frequency DESC
	`, minFrequency, minPotential)
	if err != nil {
		return nil, fmt.Errorf("store: querying automation candidates: %w", err)
	}
	defer rows.Close()

	var out []EmailPattern
	for rows.Next() {
		var p EmailPattern
		var kind, samplesRaw, keywordsRaw string
		if err := rows.Scan(
			&p.PatternID, &kind, &p.Description, &p.Frequency, &p.FirstSeen, &p.LastSeen,
			&p.AutomationPotential, &samplesRaw, &keywordsRaw, &p.TimeSavingsEstimate,
		); err != nil {
			return nil, fmt.Errorf("store: scanning automation candidate: %w", err)
		}
		p.Type = PatternType(kind)
		p.SampleEmailIDs = decodeTextArray(samplesRaw)
		p.CommonKeywords = decodeTextArray(keywordsRaw)
		out = append(out, p)
	}
	return out, rows.Err()
}

// MetricSummary aggregates one metric name's values over a lookback window.
type MetricSummary struct {
	Name    string
	Count   int
	Average float64
	Min     float64
	Max     float64
}

// MetricsSummary aggregates performance metrics recorded in the last
// `days` days, optionally filtered to a single metric type.
func (c *Client) MetricsSummary(ctx context.Context, metricType string, days int) ([]MetricSummary, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	query := `
		SELECT name, count(*), avg(value), min(value), max(value)
		FROM performance_metrics
		WHERE created_at >= $1`
	args := []any{cutoff}
	if metricType != "" {
		query += ` AND type = $2`
		args = append(args, metricType)
	}
	query += ` GROUP BY name ORDER BY name`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: querying metrics summary: %w", err)
	}
	defer rows.Close()

	var out []MetricSummary
	for rows.Next() {
		var s MetricSummary
		if err := rows.Scan(&s.Name, &s.Count, &s.Average, &s.Min, &s.Max); err != nil {
			return nil, fmt.Errorf("store: scanning metrics summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
