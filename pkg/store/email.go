package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ssmanji89/emailprocer/pkg/crypto"
)

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("store: not found")

// PutEmail inserts a new EmailMessage. The caller is responsible for
// encrypting PlainBody/HTMLBody beforehand via the configured KeyRing.
func (c *Client) PutEmail(ctx context.Context, m EmailMessage) error {
	plain, err := json.Marshal(m.PlainBody)
	if err != nil {
		return fmt.Errorf("store: marshaling plain body: %w", err)
	}
	var html any
	if m.HTMLBody != nil {
		b, err := json.Marshal(m.HTMLBody)
		if err != nil {
			return fmt.Errorf("store: marshaling html body: %w", err)
		}
		html = b
	}
	attachments, err := json.Marshal(m.Attachments)
	if err != nil {
		return fmt.Errorf("store: marshaling attachments: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO emails (
			id, sender_address, sender_display_name, recipient_address, subject,
			plain_body, html_body, body_truncated, received_at, conversation_id,
			importance, attachments, processing_status, retry_count, last_error
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO NOTHING
	`, m.ID, m.SenderAddress, m.SenderDisplayName, m.RecipientAddress, m.Subject,
		plain, html, m.BodyTruncated, m.ReceivedAt, m.ConversationID,
		m.Importance, attachments, string(m.ProcessingStatus), m.RetryCount, m.LastError)
	if err != nil {
		return fmt.Errorf("store: inserting email: %w", err)
	}
	return nil
}

// GetEmail fetches a single email by id.
func (c *Client) GetEmail(ctx context.Context, id string) (EmailMessage, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, sender_address, sender_display_name, recipient_address, subject,
		       plain_body, html_body, body_truncated, received_at, processed_at,
		       conversation_id, importance, attachments, processing_status,
		       retry_count, last_error
		FROM emails WHERE id = $1
	`, id)
	return scanEmail(row)
}

// UpdateEmailStatus transitions an email's processing_status and sets
// last_error; retry_count is changed only by IncrementRetryCount.
func (c *Client) UpdateEmailStatus(ctx context.Context, id string, status ProcessingStatus, lastErr string) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE emails SET processing_status = $2, last_error = $3 WHERE id = $1
	`, id, string(status), lastErr)
	if err != nil {
		return fmt.Errorf("store: updating email status: %w", err)
	}
	return nil
}

// IncrementRetryCount bumps retry_count by one and returns the new value.
func (c *Client) IncrementRetryCount(ctx context.Context, id string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `
		UPDATE emails SET retry_count = retry_count + 1 WHERE id = $1 RETURNING retry_count
	`, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: incrementing retry count: %w", err)
	}
	return n, nil
}

// MarkEmailProcessed stamps processed_at and sets the terminal status.
func (c *Client) MarkEmailProcessed(ctx context.Context, id string, at time.Time, status ProcessingStatus) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE emails SET processed_at = $2, processing_status = $3 WHERE id = $1
	`, id, at.UTC(), string(status))
	if err != nil {
		return fmt.Errorf("store: marking email processed: %w", err)
	}
	return nil
}

// UnprocessedEmails returns emails not yet in a terminal state, oldest first,
// capped at limit. Used by the scheduler's watermark guard to check
// whether any email is still in a non-terminal state.
func (c *Client) UnprocessedEmails(ctx context.Context, limit int) ([]EmailMessage, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, sender_address, sender_display_name, recipient_address, subject,
		       plain_body, html_body, body_truncated, received_at, processed_at,
		       conversation_id, importance, attachments, processing_status,
		       retry_count, last_error
		FROM emails
		WHERE processing_status NOT IN ('COMPLETED', 'FAILED')
		ORDER BY received_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: querying unprocessed emails: %w", err)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEmail(row rowScanner) (EmailMessage, error) {
	var m EmailMessage
	var plainRaw []byte
	var htmlRaw []byte
	var attachmentsRaw []byte
	var status string

	err := row.Scan(
		&m.ID, &m.SenderAddress, &m.SenderDisplayName, &m.RecipientAddress, &m.Subject,
		&plainRaw, &htmlRaw, &m.BodyTruncated, &m.ReceivedAt, &m.ProcessedAt,
		&m.ConversationID, &m.Importance, &attachmentsRaw, &status,
		&m.RetryCount, &m.LastError,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return EmailMessage{}, ErrNotFound
	}
	if err != nil {
		return EmailMessage{}, fmt.Errorf("store: scanning email: %w", err)
	}
	m.ProcessingStatus = ProcessingStatus(status)

	if err := json.Unmarshal(plainRaw, &m.PlainBody); err != nil {
		return EmailMessage{}, fmt.Errorf("store: unmarshaling plain body: %w", err)
	}
	if len(htmlRaw) > 0 {
		var h crypto.EncryptedField
		if err := json.Unmarshal(htmlRaw, &h); err != nil {
			return EmailMessage{}, fmt.Errorf("store: unmarshaling html body: %w", err)
		}
		m.HTMLBody = &h
	}
	if len(attachmentsRaw) > 0 {
		if err := json.Unmarshal(attachmentsRaw, &m.Attachments); err != nil {
			return EmailMessage{}, fmt.Errorf("store: unmarshaling attachments: %w", err)
		}
	}
	return m, nil
}
