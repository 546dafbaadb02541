package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ssmanji89/emailprocer/pkg/apperrors"
)

// ErrClassificationExists is returned by PutClassification when a
// classification already exists for the email; classifications are
// write-once, never overwritten.
var ErrClassificationExists = errors.New("store: classification already exists for email")

// PutClassification inserts the single classification row associated
// with an email. A second call for the same email_id fails with
// ErrClassificationExists rather than overwriting.
func (c *Client) PutClassification(ctx context.Context, r ClassificationResult) error {
	reasoning, err := json.Marshal(r.Reasoning)
	if err != nil {
		return fmt.Errorf("store: marshaling reasoning: %w", err)
	}

	res, err := c.db.ExecContext(ctx, `
		INSERT INTO classifications (
			email_id, category, confidence, reasoning, urgency, suggested_action,
			required_expertise, estimated_effort, model_id, prompt_version, tokens_used
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (email_id) DO NOTHING
	`, r.EmailID, string(r.Category), r.Confidence, reasoning, string(r.Urgency), r.SuggestedAction,
		encodeTextArray(r.RequiredExpertise), r.EstimatedEffort, r.ModelID, r.PromptVersion, r.TokensUsed)
	if err != nil {
		return fmt.Errorf("store: inserting classification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: checking classification insert: %w", err)
	}
	if n == 0 {
		return apperrors.Wrap(apperrors.KindIntegrityConflict, ErrClassificationExists)
	}
	return nil
}

// GetClassification fetches the classification for a given email.
func (c *Client) GetClassification(ctx context.Context, emailID string) (ClassificationResult, error) {
	var r ClassificationResult
	var reasoningRaw []byte
	var category, urgency, expertiseRaw string
	var feedback sql.NullString

	err := c.db.QueryRowContext(ctx, `
		SELECT email_id, category, confidence, reasoning, urgency, suggested_action,
		       required_expertise, estimated_effort, model_id, prompt_version, tokens_used,
		       human_feedback, feedback_notes, feedback_at, created_at
		FROM classifications WHERE email_id = $1
	`, emailID).Scan(
		&r.EmailID, &category, &r.Confidence, &reasoningRaw, &urgency, &r.SuggestedAction,
		&expertiseRaw, &r.EstimatedEffort, &r.ModelID, &r.PromptVersion, &r.TokensUsed,
		&feedback, &r.FeedbackNotes, &r.FeedbackAt, &r.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ClassificationResult{}, ErrNotFound
	}
	if err != nil {
		return ClassificationResult{}, fmt.Errorf("store: scanning classification: %w", err)
	}
	r.Category = Category(category)
	r.Urgency = Urgency(urgency)
	r.RequiredExpertise = decodeTextArray(expertiseRaw)
	if feedback.Valid {
		fv := FeedbackValue(feedback.String)
		r.HumanFeedback = &fv
	}
	if err := json.Unmarshal(reasoningRaw, &r.Reasoning); err != nil {
		return ClassificationResult{}, fmt.Errorf("store: unmarshaling reasoning: %w", err)
	}
	return r, nil
}

// RecordFeedback attaches a human reviewer's feedback to an existing
// classification. It never alters model behavior; it is storage only.
func (c *Client) RecordFeedback(ctx context.Context, emailID string, value FeedbackValue, notes string, at time.Time) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE classifications SET human_feedback = $2, feedback_notes = $3, feedback_at = $4
		WHERE email_id = $1
	`, emailID, string(value), notes, at.UTC())
	if err != nil {
		return fmt.Errorf("store: recording feedback: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: checking feedback update: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FeedbackSummary aggregates feedback counts by category, used by the
// analytics dashboard.
type FeedbackSummary struct {
	Category  Category
	Correct   int
	Incorrect int
	Partial   int
	Total     int
}

// FeedbackStatistics groups recorded feedback by category.
func (c *Client) FeedbackStatistics(ctx context.Context) ([]FeedbackSummary, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT category,
		       count(*) FILTER (WHERE human_feedback = 'correct'),
		       count(*) FILTER (WHERE human_feedback = 'incorrect'),
		       count(*) FILTER (WHERE human_feedback = 'partial'),
		       count(*) FILTER (WHERE human_feedback IS NOT NULL)
		FROM classifications
		GROUP BY category
	`)
	if err != nil {
		return nil, fmt.Errorf("store: querying feedback statistics: %w", err)
	}
	defer rows.Close()

	var out []FeedbackSummary
	for rows.Next() {
		var s FeedbackSummary
		var category string
		if err := rows.Scan(&category, &s.Correct, &s.Incorrect, &s.Partial, &s.Total); err != nil {
			return nil, fmt.Errorf("store: scanning feedback statistics: %w", err)
		}
		s.Category = Category(category)
		out = append(out, s)
	}
	return out, rows.Err()
}
