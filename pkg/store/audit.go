package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// PutAudit appends an AuditEvent. Audit events are append-only and are
// never mutated or deleted by application code.
func (c *Client) PutAudit(ctx context.Context, e AuditEvent) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("store: marshaling audit details: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO audit_events (
			event_type, action, actor_id, actor_session, actor_ip, actor_user_agent,
			resource_type, resource_id, success, error, details, execution_time_ms,
			risk_score, requires_review
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, e.EventType, e.Action, e.ActorID, e.ActorSession, e.ActorIP, e.ActorUserAgent,
		e.ResourceType, e.ResourceID, e.Success, e.Error, details, e.ExecutionTimeMS,
		e.RiskScore, e.RequiresReview)
	if err != nil {
		return fmt.Errorf("store: inserting audit event: %w", err)
	}
	return nil
}

// RecentAuditEvents returns the most recent audit events for a resource,
// newest first.
func (c *Client) RecentAuditEvents(ctx context.Context, resourceType, resourceID string, limit int) ([]AuditEvent, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, event_type, action, actor_id, actor_session, actor_ip, actor_user_agent,
		       resource_type, resource_id, success, error, details, execution_time_ms,
		       risk_score, requires_review, created_at
		FROM audit_events
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, resourceType, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: querying audit events: %w", err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detailsRaw []byte
		if err := rows.Scan(
			&e.ID, &e.EventType, &e.Action, &e.ActorID, &e.ActorSession, &e.ActorIP, &e.ActorUserAgent,
			&e.ResourceType, &e.ResourceID, &e.Success, &e.Error, &detailsRaw, &e.ExecutionTimeMS,
			&e.RiskScore, &e.RequiresReview, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scanning audit event: %w", err)
		}
		if len(detailsRaw) > 0 {
			if err := json.Unmarshal(detailsRaw, &e.Details); err != nil {
				return nil, fmt.Errorf("store: unmarshaling audit details: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
