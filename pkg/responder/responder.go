// Package responder generates and, for AUTO_REPLY outcomes, sends the
// reply to an email. DRAFT outcomes generate text but never send it;
// the draft is handed back for the pipeline to persist.
package responder

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ssmanji89/emailprocer/pkg/llmclient"
	"github.com/ssmanji89/emailprocer/pkg/mail"
)

// Invoker is the subset of the LLM client the responder needs.
type Invoker interface {
	Invoke(ctx context.Context, systemPrompt, userPrompt string, opt llmclient.Config) (string, error)
}

// Sender is the subset of the mail gateway the responder needs.
type Sender interface {
	SendReply(ctx context.Context, original mail.Message, body, html string) error
}

// Config bounds body length embedded in the response-generation prompt.
type Config struct {
	PromptBodyChars int
	Model           string
	MaxTokens       int
	Temperature     float64
}

// Responder generates reply text and sends it for AUTO_REPLY outcomes.
type Responder struct {
	llm    Invoker
	mail   Sender
	cfg    Config
	logger *slog.Logger
}

// New builds a Responder.
func New(llm Invoker, mailClient Sender, cfg Config) *Responder {
	if cfg.PromptBodyChars <= 0 {
		cfg.PromptBodyChars = 2000
	}
	return &Responder{llm: llm, mail: mailClient, cfg: cfg, logger: slog.Default().With("component", "responder")}
}

const systemPrompt = `You write a helpful, concise reply to a customer support email. Respond with plain text only, no preamble, no JSON.`

// Generate produces reply text for original given its classification
// context. It never sends the reply; callers decide whether to send
// (AUTO_REPLY) or persist as a draft (DRAFT).
func (r *Responder) Generate(ctx context.Context, original mail.Message, category, urgency string, confidence float64) (string, error) {
	truncated := original.PlainBody
	if len(truncated) > r.cfg.PromptBodyChars {
		truncated = truncated[:r.cfg.PromptBodyChars]
	}
	userPrompt := fmt.Sprintf(
		"From: %s\nSubject: %s\nCategory: %s\nUrgency: %s\nConfidence: %.0f\n\nBody:\n%s",
		original.SenderAddress, original.Subject, category, urgency, confidence, truncated,
	)
	return r.llm.Invoke(ctx, systemPrompt, userPrompt, llmclient.Config{
		Model:       r.cfg.Model,
		MaxTokens:   r.cfg.MaxTokens,
		Temperature: r.cfg.Temperature,
	})
}

// AutoReply generates a reply and sends it via the mail gateway. If
// sending fails, the caller is expected to downgrade the outcome to
// MANUAL_REVIEW and record the returned error; AutoReply itself does
// not retry beyond what the mail gateway already does internally.
func (r *Responder) AutoReply(ctx context.Context, original mail.Message, category, urgency string, confidence float64) (string, error) {
	text, err := r.Generate(ctx, original, category, urgency, confidence)
	if err != nil {
		return "", fmt.Errorf("responder: generating reply: %w", err)
	}
	if err := r.mail.SendReply(ctx, original, text, ""); err != nil {
		r.logger.Warn("auto-reply send failed, caller should downgrade to manual review", "email_id", original.ID, "error", err)
		return text, fmt.Errorf("responder: sending reply: %w", err)
	}
	return text, nil
}
