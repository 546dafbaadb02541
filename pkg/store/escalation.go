package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PutEscalationGroup persists a newly created escalation group. Caller
// must not have created the remote chat group yet persist a partial
// record: persistence happens only after the chat group itself exists.
func (c *Client) PutEscalationGroup(ctx context.Context, g EscalationGroup) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO escalation_groups (
			group_id, email_id, display_name, description, members, owner, status, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, g.GroupID, g.EmailID, g.DisplayName, g.Description, encodeTextArray(g.Members),
		g.Owner, string(g.Status), g.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: inserting escalation group: %w", err)
	}
	return nil
}

// GetEscalationGroup fetches one group by id.
func (c *Client) GetEscalationGroup(ctx context.Context, groupID string) (EscalationGroup, error) {
	var g EscalationGroup
	var status, membersRaw string
	err := c.db.QueryRowContext(ctx, `
		SELECT group_id, email_id, display_name, description, members, owner, status,
		       created_at, resolved_at, resolution_notes, resolution_time_hours,
		       message_count, first_response_time_min, engagement_score
		FROM escalation_groups WHERE group_id = $1
	`, groupID).Scan(
		&g.GroupID, &g.EmailID, &g.DisplayName, &g.Description, &membersRaw, &g.Owner, &status,
		&g.CreatedAt, &g.ResolvedAt, &g.ResolutionNotes, &g.ResolutionTimeHours,
		&g.MessageCount, &g.FirstResponseTimeMin, &g.EngagementScore,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return EscalationGroup{}, ErrNotFound
	}
	if err != nil {
		return EscalationGroup{}, fmt.Errorf("store: scanning escalation group: %w", err)
	}
	g.Status = EscalationStatus(status)
	g.Members = decodeTextArray(membersRaw)
	return g, nil
}

// ActiveEscalations lists escalation groups not yet resolved or abandoned.
func (c *Client) ActiveEscalations(ctx context.Context) ([]EscalationGroup, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT group_id, email_id, display_name, description, members, owner, status,
		       created_at, resolved_at, resolution_notes, resolution_time_hours,
		       message_count, first_response_time_min, engagement_score
		FROM escalation_groups WHERE status = 'active'
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: querying active escalations: %w", err)
	}
	defer rows.Close()

	var out []EscalationGroup
	for rows.Next() {
		var g EscalationGroup
		var status, membersRaw string
		if err := rows.Scan(
			&g.GroupID, &g.EmailID, &g.DisplayName, &g.Description, &membersRaw, &g.Owner, &status,
			&g.CreatedAt, &g.ResolvedAt, &g.ResolutionNotes, &g.ResolutionTimeHours,
			&g.MessageCount, &g.FirstResponseTimeMin, &g.EngagementScore,
		); err != nil {
			return nil, fmt.Errorf("store: scanning active escalation: %w", err)
		}
		g.Status = EscalationStatus(status)
		g.Members = decodeTextArray(membersRaw)
		out = append(out, g)
	}
	return out, rows.Err()
}

// ResolveEscalation marks a group resolved and records the resolution
// notes plus the elapsed hours since creation.
func (c *Client) ResolveEscalation(ctx context.Context, groupID, notes string, resolvedAt time.Time) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE escalation_groups SET
			status = 'resolved',
			resolved_at = $2,
			resolution_notes = $3,
			resolution_time_hours = EXTRACT(EPOCH FROM ($2 - created_at)) / 3600.0
		WHERE group_id = $1 AND status = 'active'
	`, groupID, resolvedAt.UTC(), notes)
	if err != nil {
		return fmt.Errorf("store: resolving escalation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: checking escalation resolution: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordEscalationMessage bumps message_count and, if this is the first
// message, stamps first_response_time_min.
func (c *Client) RecordEscalationMessage(ctx context.Context, groupID string, postedAt time.Time) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE escalation_groups SET
			message_count = message_count + 1,
			first_response_time_min = CASE
				WHEN message_count = 0 THEN EXTRACT(EPOCH FROM ($2 - created_at)) / 60.0
				ELSE first_response_time_min
			END
		WHERE group_id = $1
	`, groupID, postedAt.UTC())
	if err != nil {
		return fmt.Errorf("store: recording escalation message: %w", err)
	}
	return nil
}
