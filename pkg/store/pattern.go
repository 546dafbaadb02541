package store

import (
	"context"
	"fmt"
	"time"
)

// UpsertPattern inserts a new EmailPattern or, if one with the same id
// already exists, bumps its frequency and last_seen.
func (c *Client) UpsertPattern(ctx context.Context, p EmailPattern) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO email_patterns (
			pattern_id, type, description, frequency, first_seen, last_seen,
			automation_potential, sample_email_ids, common_keywords, time_savings_estimate
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (pattern_id) DO UPDATE SET
			frequency = email_patterns.frequency + 1,
			last_seen = EXCLUDED.last_seen,
			automation_potential = EXCLUDED.automation_potential,
			sample_email_ids = EXCLUDED.sample_email_ids,
			common_keywords = EXCLUDED.common_keywords,
			time_savings_estimate = EXCLUDED.time_savings_estimate
	`, p.PatternID, string(p.Type), p.Description, p.Frequency, p.FirstSeen, p.LastSeen,
		p.AutomationPotential, encodeTextArray(p.SampleEmailIDs), encodeTextArray(p.CommonKeywords),
		p.TimeSavingsEstimate)
	if err != nil {
		return fmt.Errorf("store: upserting pattern: %w", err)
	}
	return nil
}

// TopPatterns returns the most frequent patterns, used by the dashboard
// snapshot.
func (c *Client) TopPatterns(ctx context.Context, limit int) ([]EmailPattern, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT pattern_id, type, description, frequency, first_seen, last_seen,
		       automation_potential, sample_email_ids, common_keywords, time_savings_estimate
		FROM email_patterns
		ORDER BY frequency DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: querying top patterns: %w", err)
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
			return nil, fmt.Errorf("store: scanning pattern: %w", err)
		}
		p.Type = PatternType(kind)
		p.SampleEmailIDs = decodeTextArray(samplesRaw)
		p.CommonKeywords = decodeTextArray(keywordsRaw)
		out = append(out, p)
	}
	return out, rows.Err()
}

// PatternMiningRow is a lightweight (id, subject, sender, category,
// received_at) row returned by RecentClassifiedEmails, enough for the
// pattern detector without pulling encrypted bodies.
type PatternMiningRow struct {
	EmailID    string
	Subject    string
	Sender     string
	Category   Category
	ReceivedAt time.Time
}

// RecentClassifiedEmails returns classified emails received since cutoff,
// used as input to the pattern detection job.
func (c *Client) RecentClassifiedEmails(ctx context.Context, cutoff time.Time) ([]PatternMiningRow, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT e.id, e.subject, e.sender_address, c.category, e.received_at
		FROM emails e
		JOIN classifications c ON c.email_id = e.id
		WHERE e.received_at >= $1
		ORDER BY e.received_at ASC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: querying recent classified emails: %w", err)
	}
	defer rows.Close()

	var out []PatternMiningRow
	for rows.Next() {
		var r PatternMiningRow
		var category string
		if err := rows.Scan(&r.EmailID, &r.Subject, &r.Sender, &category, &r.ReceivedAt); err != nil {
			return nil, fmt.Errorf("store: scanning pattern mining row: %w", err)
		}
		r.Category = Category(category)
		out = append(out, r)
	}
	return out, rows.Err()
}
