package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// BeginProcessing records the start of one pipeline execution against an
// email and returns the new ProcessingResult's id.
func (c *Client) BeginProcessing(ctx context.Context, r ProcessingResult) (int64, error) {
	var id int64
	err := c.db.QueryRowContext(ctx, `
		INSERT INTO processing_results (email_id, status, started_at, routing_decision)
		VALUES ($1,$2,$3,$4)
		RETURNING id
	`, r.EmailID, string(r.Status), r.StartedAt, string(r.RoutingDecision)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: beginning processing result: %w", err)
	}
	return id, nil
}

// CompleteProcessing finalizes a ProcessingResult as a success.
func (c *Client) CompleteProcessing(ctx context.Context, id int64, r ProcessingResult) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE processing_results SET
			status = $2, completed_at = $3, action_taken = $4, response_sent = $5,
			escalation_created = $6, escalation_ref = $7, processing_time_ms = $8,
			classification_time_ms = $9, response_gen_time_ms = $10, routing_decision = $11
		WHERE id = $1
	`, id, string(r.Status), r.CompletedAt, r.ActionTaken, r.ResponseSent,
		r.EscalationCreated, r.EscalationRef, r.ProcessingTimeMS,
		r.ClassificationTimeMS, r.ResponseGenTimeMS, string(r.RoutingDecision))
	if err != nil {
		return fmt.Errorf("store: completing processing result: %w", err)
	}
	return nil
}

// FailProcessing finalizes a ProcessingResult as a failure at a named stage.
func (c *Client) FailProcessing(ctx context.Context, id int64, completedAt time.Time, stage, message string, retryCount int) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE processing_results SET
			status = 'FAILED', completed_at = $2, error_stage = $3, error_message = $4, retry_count = $5
		WHERE id = $1
	`, id, completedAt, stage, message, retryCount)
	if err != nil {
		return fmt.Errorf("store: failing processing result: %w", err)
	}
	return nil
}

// LatestProcessingResult fetches the most recent ProcessingResult for an email.
func (c *Client) LatestProcessingResult(ctx context.Context, emailID string) (ProcessingResult, error) {
	var r ProcessingResult
	var status, routing string
	err := c.db.QueryRowContext(ctx, `
		SELECT id, email_id, status, started_at, completed_at, action_taken, response_sent,
		       escalation_created, escalation_ref, processing_time_ms, classification_time_ms,
		       response_gen_time_ms, error_message, error_stage, retry_count, routing_decision
		FROM processing_results
		WHERE email_id = $1
		ORDER BY id DESC LIMIT 1
	`, emailID).Scan(
		&r.ID, &r.EmailID, &status, &r.StartedAt, &r.CompletedAt, &r.ActionTaken, &r.ResponseSent,
		&r.EscalationCreated, &r.EscalationRef, &r.ProcessingTimeMS, &r.ClassificationTimeMS,
		&r.ResponseGenTimeMS, &r.ErrorMessage, &r.ErrorStage, &r.RetryCount, &routing,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ProcessingResult{}, ErrNotFound
	}
	if err != nil {
		return ProcessingResult{}, fmt.Errorf("store: scanning processing result: %w", err)
	}
	r.Status = ProcessingStatus(status)
	r.RoutingDecision = RoutingDecision(routing)
	return r, nil
}

// ProcessingStatistics aggregates counts by status over the rows
// ProcessingStatisticsSince selects, used by scheduler health checks.
type ProcessingStatistics struct {
	TotalRuns   int
	Completed   int
	Failed      int
	AvgDuration float64
}

// ProcessingStatisticsSince summarizes processing_results created since a
// given row id (exclusive), used for the scheduler's rolling error-rate check.
func (c *Client) ProcessingStatisticsSince(ctx context.Context, sinceID int64) (ProcessingStatistics, error) {
	var s ProcessingStatistics
	err := c.db.QueryRowContext(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE status = 'COMPLETED'),
		       count(*) FILTER (WHERE status = 'FAILED'),
		       coalesce(avg(processing_time_ms) FILTER (WHERE status = 'COMPLETED'), 0)
		FROM processing_results WHERE id > $1
	`, sinceID).Scan(&s.TotalRuns, &s.Completed, &s.Failed, &s.AvgDuration)
	if err != nil {
		return ProcessingStatistics{}, fmt.Errorf("store: querying processing statistics: %w", err)
	}
	return s, nil
}
