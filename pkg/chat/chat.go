// Package chat adapts the hosted chat platform's REST API: creating
// escalation groups, adding members, and posting messages. Like
// pkg/mail it is a hand-rolled REST client — there is no chat SDK in
// the project's dependency set — following the same thin-wrapper shape
// with context timeouts and a bounded poll for eventually-consistent
// provisioning.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ssmanji89/emailprocer/pkg/apperrors"
)

// TokenSource supplies a bearer token for outbound requests.
type TokenSource interface {
	GetToken(ctx context.Context) (string, error)
}

// Limiter gates outbound requests per identifier.
type Limiter interface {
	Allow(ctx context.Context, identifier string) (bool, error)
}

// Config configures the chat client.
type Config struct {
	BaseURL        string
	Timeout        time.Duration
	MaxRetries     int
	ProvisionPoll  time.Duration
	ProvisionTries int
}

// Group describes a chat group listed via ListGroups.
type Group struct {
	ID          string
	Name        string
	Created     time.Time
	Description string
}

// Client is a REST client for the hosted chat platform.
type Client struct {
	http    *http.Client
	cfg     Config
	tokens  TokenSource
	limiter Limiter
	logger  *slog.Logger
}

// NewClient builds a chat Client.
func NewClient(cfg Config, tokens TokenSource, limiter Limiter) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ProvisionPoll <= 0 {
		cfg.ProvisionPoll = 2 * time.Second
	}
	if cfg.ProvisionTries <= 0 {
		cfg.ProvisionTries = 5
	}
	return &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		cfg:     cfg,
		tokens:  tokens,
		limiter: limiter,
		logger:  slog.Default().With("component", "chat-client"),
	}
}

// CreateGroup resolves each member address to a directory id, logging
// and skipping individual resolution failures, and creates a group with
// the members that resolved. It fails if zero members resolve.
func (c *Client) CreateGroup(ctx context.Context, name, description string, members []string, visibility string) (string, error) {
	if _, err := c.limiter.Allow(ctx, "chat"); err != nil {
		return "", err
	}
	if visibility == "" {
		visibility = "private"
	}

	resolved := make([]string, 0, len(members))
	for _, addr := range members {
		id, err := c.resolveMember(ctx, addr)
		if err != nil {
			c.logger.Warn("skipping unresolved escalation member", "address", addr, "error", err)
			continue
		}
		resolved = append(resolved, id)
	}
	if len(resolved) == 0 {
		return "", apperrors.Newf(apperrors.KindMalformed, "chat: no members resolved for group %q", name)
	}

	var out struct {
		ID string `json:"id"`
	}
	payload := map[string]any{
		"display_name": name,
		"description":  description,
		"visibility":   visibility,
		"members":      resolved,
	}
	if err := c.doJSON(ctx, http.MethodPost, "/groups", payload, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) resolveMember(ctx context.Context, address string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	path := "/directory/resolve?address=" + address
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("chat: no directory match for %q", address)
	}
	return out.ID, nil
}

// PostMessage posts an HTML message to groupID, waiting (bounded) for
// the group's messaging channel to finish provisioning first.
func (c *Client) PostMessage(ctx context.Context, groupID, htmlBody string) error {
	if _, err := c.limiter.Allow(ctx, "chat"); err != nil {
		return err
	}
	if err := c.awaitProvisioned(ctx, groupID); err != nil {
		return err
	}
	path := fmt.Sprintf("/groups/%s/messages", groupID)
	return c.doJSON(ctx, http.MethodPost, path, map[string]any{"body_html": htmlBody}, nil)
}

// awaitProvisioned polls group readiness up to ProvisionTries times,
// spaced ProvisionPoll apart, before giving up.
func (c *Client) awaitProvisioned(ctx context.Context, groupID string) error {
	var out struct {
		Ready bool `json:"messaging_ready"`
	}
	path := fmt.Sprintf("/groups/%s", groupID)

	for attempt := 0; attempt < c.cfg.ProvisionTries; attempt++ {
		if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
			return err
		}
		if out.Ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ProvisionPoll):
		}
	}
	return apperrors.Newf(apperrors.KindTransientNetwork, "chat: group %s not ready for messaging after %d attempts", groupID, c.cfg.ProvisionTries)
}

// ListGroups lists groups whose display name carries the given prefix.
func (c *Client) ListGroups(ctx context.Context, prefix string) ([]Group, error) {
	if _, err := c.limiter.Allow(ctx, "chat"); err != nil {
		return nil, err
	}

	var wire struct {
		Value []struct {
			ID          string    `json:"id"`
			Name        string    `json:"display_name"`
			Created     time.Time `json:"created_at"`
			Description string    `json:"description"`
		} `json:"value"`
	}
	path := "/groups?filter=startswith(displayName,'" + prefix + "')"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &wire); err != nil {
		return nil, err
	}

	out := make([]Group, 0, len(wire.Value))
	for _, g := range wire.Value {
		out = append(out, Group{ID: g.ID, Name: g.Name, Created: g.Created.UTC(), Description: g.Description})
	}
	return out, nil
}

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
			return fmt.Errorf("chat: marshaling request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("chat: building request: %w", err)
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
	msg := fmt.Sprintf("chat: platform returned %d: %s", code, bytes.TrimSpace(body))
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
