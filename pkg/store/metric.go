package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// RecordMetric appends a PerformanceMetric. Metrics are never updated,
// only inserted.
func (c *Client) RecordMetric(ctx context.Context, m PerformanceMetric) error {
	tags, err := json.Marshal(m.Tags)
	if err != nil {
		return fmt.Errorf("store: marshaling metric tags: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO performance_metrics (
			type, name, category, value, unit, email_id, time_window, aggregation, tags
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, m.Type, m.Name, m.Category, m.Value, m.Unit, m.EmailID, m.TimeWindow, m.Aggregation, tags)
	if err != nil {
		return fmt.Errorf("store: recording metric: %w", err)
	}
	return nil
}

// AverageMetric returns the average value for a metric name over all
// recorded samples, used by the dashboard's headline numbers.
func (c *Client) AverageMetric(ctx context.Context, name string) (float64, error) {
	var avg float64
	err := c.db.QueryRowContext(ctx, `
		SELECT coalesce(avg(value), 0) FROM performance_metrics WHERE name = $1
	`, name).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("store: averaging metric %q: %w", name, err)
	}
	return avg, nil
}
