// Package mail adapts the hosted mail platform's REST API to the
// pipeline's internal types: fetching unread messages, sending replies,
// marking messages read, and foldering. There is no platform SDK in the
// dependency set this project draws on, so the client is a thin
// hand-rolled REST wrapper over net/http in the same shape the chat
// client uses, following the wrap-a-remote-API-thinly pattern used
// elsewhere in this codebase for outbound service clients.
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cenkalti/backoff/v4"

	"github.com/ssmanji89/emailprocer/pkg/apperrors"
	"github.com/ssmanji89/emailprocer/pkg/store"
)

// TokenSource supplies a bearer token for outbound requests.
type TokenSource interface {
	GetToken(ctx context.Context) (string, error)
}

// Limiter gates outbound requests per identifier.
type Limiter interface {
	Allow(ctx context.Context, identifier string) (bool, error)
}

// Config configures the mail client.
type Config struct {
	BaseURL            string
	Mailbox            string
	BatchSize          int
	MaxEmailBodyLength int
	Timeout            time.Duration
	MaxRetries         int
}

// Message is the plaintext view of an email as read from the platform,
// before the pipeline encrypts sensitive fields for storage.
type Message struct {
	ID                string
	SenderAddress     string
	SenderDisplayName string
	RecipientAddress  string
	Subject           string
	PlainBody         string
	HTMLBody          string
	BodyTruncated     bool
	ReceivedAt        time.Time
	ConversationID    string
	Importance        string
	Attachments       []store.Attachment
}

// ProbeResult is the result of a connectivity probe.
type ProbeResult struct {
	Mailbox      string
	Capabilities []string
	Timestamp    time.Time
}

// Client is a REST client for the hosted mail platform, scoped to a
// single monitored mailbox.
type Client struct {
	http    *http.Client
	cfg     Config
	tokens  TokenSource
	limiter Limiter
	logger  *slog.Logger
}

// NewClient builds a mail Client for the configured mailbox.
func NewClient(cfg Config, tokens TokenSource, limiter Limiter) *Client {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		cfg:     cfg,
		tokens:  tokens,
		limiter: limiter,
		logger:  slog.Default().With("component", "mail-client"),
	}
}

// wireMessage mirrors the subset of the platform's wire format this
// client consumes; field names are adapted on decode into Message.
type wireMessage struct {
	ID               string `json:"id"`
	From             struct {
		Address string `json:"address"`
		Name    string `json:"name"`
	} `json:"from"`
	To             string `json:"to"`
	Subject        string `json:"subject"`
	BodyText       string `json:"body_text"`
	BodyHTML       string `json:"body_html"`
	ReceivedAt     time.Time `json:"received_at"`
	ConversationID string `json:"conversation_id"`
	Importance     string `json:"importance"`
	Attachments    []struct {
		Name        string `json:"name"`
		ContentType string `json:"content_type"`
		Size        int64  `json:"size"`
	} `json:"attachments"`
}

// FetchUnread returns at most cfg.BatchSize unread messages, ordered by
// received time ascending, optionally bounded below by since.
func (c *Client) FetchUnread(ctx context.Context, since *time.Time) ([]Message, error) {
	if _, err := c.limiter.Allow(ctx, "mail"); err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/mailboxes/%s/messages?filter=isRead eq false&top=%d&orderby=receivedDateTime asc",
		c.cfg.Mailbox, c.cfg.BatchSize)
	if since != nil {
		path += "&since=" + since.UTC().Format(time.RFC3339)
	}

	var wire struct {
		Value []wireMessage `json:"value"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &wire); err != nil {
		return nil, err
	}

	out := make([]Message, 0, len(wire.Value))
	for _, w := range wire.Value {
		out = append(out, c.toMessage(w))
	}
	return out, nil
}

func (c *Client) toMessage(w wireMessage) Message {
	plain := w.BodyText
	if plain == "" && w.BodyHTML != "" {
		plain = stripHTML(w.BodyHTML)
	}

	truncated := false
	if max := c.cfg.MaxEmailBodyLength; max > 0 && len(plain) > max {
		plain = plain[:max]
		truncated = true
	}

	attachments := make([]store.Attachment, 0, len(w.Attachments))
	for _, a := range w.Attachments {
		attachments = append(attachments, store.Attachment{
			Name:        a.Name,
			ContentType: a.ContentType,
			Size:        a.Size,
		})
	}

	return Message{
		ID:                w.ID,
		SenderAddress:     w.From.Address,
		SenderDisplayName: w.From.Name,
		RecipientAddress:  w.To,
		Subject:           w.Subject,
		PlainBody:         plain,
		HTMLBody:          w.BodyHTML,
		BodyTruncated:     truncated,
		ReceivedAt:        w.ReceivedAt.UTC(),
		ConversationID:    w.ConversationID,
		Importance:        w.Importance,
		Attachments:       attachments,
	}
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// stripHTML extracts readable text from an HTML body, collapsing runs
// of whitespace the way rendered text would read.
func stripHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return whitespaceRun.ReplaceAllString(html, " ")
	}
	text := doc.Find("body").Text()
	if text == "" {
		text = doc.Text()
	}
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(text, " "))
}

// SendReply sends a reply to original, quoting its subject with a "Re:"
// prefix unless it already carries one. The caller is responsible for
// ensuring at-most-once delivery via ProcessingResult.ResponseSent.
func (c *Client) SendReply(ctx context.Context, original Message, body, html string) error {
	if _, err := c.limiter.Allow(ctx, "mail"); err != nil {
		return err
	}

	payload := map[string]any{
		"subject":         quoteSubject(original.Subject),
		"body_text":       body,
		"conversation_id": original.ConversationID,
	}
	if html != "" {
		payload["body_html"] = html
	}

	path := fmt.Sprintf("/mailboxes/%s/messages/%s/reply", c.cfg.Mailbox, original.ID)
	return c.doJSON(ctx, http.MethodPost, path, payload, nil)
}

// quoteSubject prefixes subject with "Re: " unless it already carries a
// reply prefix (case-insensitive).
func quoteSubject(subject string) string {
	trimmed := strings.TrimSpace(subject)
	if strings.HasPrefix(strings.ToLower(trimmed), "re:") {
		return trimmed
	}
	return "Re: " + trimmed
}

// MarkRead marks a message read, tolerating a message already marked read.
func (c *Client) MarkRead(ctx context.Context, id string) error {
	if _, err := c.limiter.Allow(ctx, "mail"); err != nil {
		return err
	}
	path := fmt.Sprintf("/mailboxes/%s/messages/%s", c.cfg.Mailbox, id)
	err := c.doJSON(ctx, http.MethodPatch, path, map[string]any{"is_read": true}, nil)
	if err != nil && apperrors.Is(err, apperrors.KindMalformed) && strings.Contains(err.Error(), "already") {
		return nil
	}
	return err
}

// MoveToFolder moves a message to another folder. Optional; not
// required for the base processing flow.
func (c *Client) MoveToFolder(ctx context.Context, id, folderID string) error {
	if _, err := c.limiter.Allow(ctx, "mail"); err != nil {
		return err
	}
	path := fmt.Sprintf("/mailboxes/%s/messages/%s/move", c.cfg.Mailbox, id)
	return c.doJSON(ctx, http.MethodPost, path, map[string]any{"destination_id": folderID}, nil)
}

// CreateFolder creates a mail folder and returns its id. Optional; not
// required for the base processing flow.
func (c *Client) CreateFolder(ctx context.Context, name string) (string, error) {
	if _, err := c.limiter.Allow(ctx, "mail"); err != nil {
		return "", err
	}
	path := fmt.Sprintf("/mailboxes/%s/folders", c.cfg.Mailbox)
	var out struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, path, map[string]any{"display_name": name}, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// ConnectivityProbe checks that the mailbox is reachable and reports
// the capabilities the platform advertises.
func (c *Client) ConnectivityProbe(ctx context.Context) (ProbeResult, error) {
	if _, err := c.limiter.Allow(ctx, "mail"); err != nil {
		return ProbeResult{}, err
	}
	path := fmt.Sprintf("/mailboxes/%s", c.cfg.Mailbox)
	var out struct {
		Capabilities []string `json:"capabilities"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return ProbeResult{}, err
	}
	return ProbeResult{
		Mailbox:      c.cfg.Mailbox,
		Capabilities: out.Capabilities,
		Timestamp:    time.Now().UTC(),
	}, nil
}

// doJSON performs a single logical request, retrying transient
// failures with exponential backoff. out may be nil for no-content
// responses.
func (c *Client) doJSON(ctx context.Context, method, path string, reqBody, out any) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.cfg.MaxRetries)), ctx)

	return backoff.Retry(func() error {
		err := c.attempt(ctx, method, path, reqBody, out)
		if err == nil {
			return nil
		}
		if !apperrors.Retryable(apperrors.KindOf(err)) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

func (c *Client) attempt(ctx context.Context, method, path string, reqBody, out any) error {
	token, err := c.tokens.GetToken(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if reqBody != nil {
		raw, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("mail: marshaling request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("mail: building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.KindTransientNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.Wrap(apperrors.KindTransientNetwork, err)
	}

	if resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode, respBody)
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return apperrors.Wrap(apperrors.KindParseError, err)
	}
	return nil
}

func classifyStatus(code int, body []byte) error {
	msg := fmt.Sprintf("mail: platform returned %d: %s", code, bytes.TrimSpace(body))
	switch {
	case code == http.StatusUnauthorized:
		return apperrors.Newf(apperrors.KindAuthExpired, "%s", msg)
	case code == http.StatusForbidden:
		return apperrors.Newf(apperrors.KindPermissionDenied, "%s", msg)
	case code == http.StatusTooManyRequests:
		return apperrors.Newf(apperrors.KindRateLimited, "%s", msg)
	case code >= 500:
		return apperrors.Newf(apperrors.KindTransientNetwork, "%s", msg)
	case code == http.StatusRequestTimeout:
		return apperrors.Newf(apperrors.KindTimeout, "%s", msg)
	default:
		return apperrors.Newf(apperrors.KindMalformed, "%s", msg)
	}
}
