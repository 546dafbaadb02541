// Package classifier assembles the classification prompt, invokes the
// LLM client, and normalizes the model's JSON envelope into a Result,
// defaulting malformed or partial fields rather than failing outright.
// Reasoning text is carried in plaintext here; the pipeline encrypts it
// when persisting to the Store.
package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ssmanji89/emailprocer/pkg/llmclient"
	"github.com/ssmanji89/emailprocer/pkg/store"
)

// Invoker is the subset of the LLM client the classifier needs.
type Invoker interface {
	Invoke(ctx context.Context, systemPrompt, userPrompt string, opt llmclient.Config) (string, error)
}

// Config bounds how much of the email is embedded in the prompt.
type Config struct {
	PromptBodyChars int
	Model           string
	MaxTokens       int
	Temperature     float64
}

// Result is the plaintext classification outcome, before the pipeline
// encrypts its Reasoning field for storage.
type Result struct {
	Category          store.Category
	Confidence        float64
	Reasoning         string
	Urgency           store.Urgency
	SuggestedAction   string
	RequiredExpertise []string
	EstimatedEffort   string
	ModelID           string
	PromptVersion     string
	TokensUsed        int
}

// Classifier builds prompts, invokes the LLM, and normalizes the result.
type Classifier struct {
	llm    Invoker
	cfg    Config
	logger *slog.Logger
}

// New builds a Classifier.
func New(llm Invoker, cfg Config) *Classifier {
	if cfg.PromptBodyChars <= 0 {
		cfg.PromptBodyChars = 2000
	}
	return &Classifier{llm: llm, cfg: cfg, logger: slog.Default().With("component", "classifier")}
}

const systemPrompt = `You classify inbound support emails. Respond with a single JSON object with exactly these fields: category (one of PURCHASING, SUPPORT, INFORMATION, ESCALATION, CONSULTATION), confidence (0-100), reasoning (non-empty string), urgency (one of LOW, MEDIUM, HIGH, CRITICAL), suggested_action (non-empty string), required_expertise (array of role tags, may be empty), estimated_effort (free text).`

// Classify builds the classification prompt for subject/body, invokes
// the LLM, and normalizes its response. On LLM failure it returns the
// fallback classification the Router treats as an immediate escalation
// signal: INFORMATION, confidence 0, reasoning set to the error summary.
func (c *Classifier) Classify(ctx context.Context, emailID, subject, body, promptVersion string) Result {
	truncated := body
	if len(truncated) > c.cfg.PromptBodyChars {
		truncated = truncated[:c.cfg.PromptBodyChars]
	}
	userPrompt := fmt.Sprintf("Subject: %s\n\nBody:\n%s", subject, truncated)

	text, err := c.llm.Invoke(ctx, systemPrompt, userPrompt, llmclient.Config{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		c.logger.Warn("classification LLM call failed, returning fallback", "email_id", emailID, "error", err)
		return fallback(err.Error(), c.cfg.Model, promptVersion)
	}

	envelope := llmclient.ParseJSONEnvelope(text)
	if envelope["status"] == llmclient.Unparseable {
		c.logger.Warn("classification response unparseable, returning fallback", "email_id", emailID)
		return fallback("unparseable LLM response", c.cfg.Model, promptVersion)
	}

	return normalize(envelope, c.cfg.Model, promptVersion)
}

func fallback(reason, modelID, promptVersion string) Result {
	return Result{
		Category:        store.CategoryInformation,
		Confidence:      0,
		Reasoning:       reason,
		Urgency:         store.UrgencyMedium,
		SuggestedAction: "escalate: " + reason,
		ModelID:         modelID,
		PromptVersion:   promptVersion,
	}
}

var validCategories = map[string]store.Category{
	string(store.CategoryPurchasing):   store.CategoryPurchasing,
	string(store.CategorySupport):      store.CategorySupport,
	string(store.CategoryInformation):  store.CategoryInformation,
	string(store.CategoryEscalation):   store.CategoryEscalation,
	string(store.CategoryConsultation): store.CategoryConsultation,
}

var validUrgencies = map[string]store.Urgency{
	string(store.UrgencyLow):      store.UrgencyLow,
	string(store.UrgencyMedium):   store.UrgencyMedium,
	string(store.UrgencyHigh):     store.UrgencyHigh,
	string(store.UrgencyCritical): store.UrgencyCritical,
}

// normalize maps the LLM's JSON envelope onto a Result, mapping unknown
// enum values to INFORMATION/MEDIUM, rejecting a confidence outside the
// fixed 0-100 scale, and capping confidence at 25 when any field
// required defaulting.
func normalize(env map[string]any, modelID, promptVersion string) Result {
	r := Result{ModelID: modelID, PromptVersion: promptVersion}

	needsDefault := false

	category, ok := validCategories[strings.ToUpper(stringField(env, "category"))]
	if !ok {
		category = store.CategoryInformation
		needsDefault = true
	}
	r.Category = category

	urgency, ok := validUrgencies[strings.ToUpper(stringField(env, "urgency"))]
	if !ok {
		urgency = store.UrgencyMedium
		needsDefault = true
	}
	r.Urgency = urgency

	confidence, ok := numberField(env, "confidence")
	if !ok {
		confidence = 0
		needsDefault = true
	}
	if confidence < 0 || confidence > 100 {
		confidence = 0
		needsDefault = true
	}

	r.Reasoning = stringField(env, "reasoning")
	if r.Reasoning == "" {
		r.Reasoning = "normalized"
		needsDefault = true
	}

	r.SuggestedAction = stringField(env, "suggested_action")
	if r.SuggestedAction == "" {
		r.SuggestedAction = "review manually"
		needsDefault = true
	}
	r.EstimatedEffort = stringField(env, "estimated_effort")
	r.RequiredExpertise = stringSliceField(env, "required_expertise")

	if needsDefault && confidence > 25 {
		confidence = 25
	}
	r.Confidence = confidence

	return r
}

func stringField(env map[string]any, key string) string {
	v, ok := env[key].(string)
	if !ok {
		return ""
	}
	return v
}

func numberField(env map[string]any, key string) (float64, bool) {
	switch v := env[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func stringSliceField(env map[string]any, key string) []string {
	raw, ok := env[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
