// Package escalator resolves a responder set from an email's
// classification, creates a chat group for those responders, posts the
// initiating context message, and records the resulting EscalationGroup.
// No partial group is ever persisted: the Store write happens only
// after the chat group exists and the initial message has been posted.
package escalator

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/ssmanji89/emailprocer/pkg/llmclient"
	"github.com/ssmanji89/emailprocer/pkg/store"
)

// Invoker is the subset of the LLM client the escalator needs.
type Invoker interface {
	Invoke(ctx context.Context, systemPrompt, userPrompt string, opt llmclient.Config) (string, error)
}

// ChatGateway is the subset of the chat client the escalator needs.
type ChatGateway interface {
	CreateGroup(ctx context.Context, name, description string, members []string, visibility string) (string, error)
	PostMessage(ctx context.Context, groupID, htmlBody string) error
}

// GroupStore is the subset of the Store the escalator writes to.
type GroupStore interface {
	PutEscalationGroup(ctx context.Context, g store.EscalationGroup) error
}

// Config configures prompt bounds, model parameters, the expertise
// resolution map, and the group owner identity.
type Config struct {
	ExpertiseMap    map[string][]string
	Owner           string
	PromptBodyChars int
	Model           string
	MaxTokens       int
	Temperature     float64
}

// Plan is the LLM's escalation plan, or the fallback default when the
// LLM call fails.
type Plan struct {
	TeamMembers             []string
	Priority                string
	EstimatedResolutionTime string
	SuggestedInitialActions []string
	ResourcesNeeded         []string
	EscalationReason        string
}

// Email carries the minimal email context the escalator needs; callers
// pass plaintext fields (encryption is the pipeline/Store's concern).
type Email struct {
	ID         string
	Subject    string
	Sender     string
	Body       string
	ReceivedAt time.Time
}

// Classification carries the minimal classification context.
type Classification struct {
	Category   store.Category
	Urgency    store.Urgency
	Confidence float64
	Reasoning  string
}

// Escalator builds escalation plans, resolves responders, and creates
// the chat group that represents a human-handled email.
type Escalator struct {
	llm    Invoker
	chat   ChatGateway
	store  GroupStore
	cfg    Config
	logger *slog.Logger
}

// New builds an Escalator.
func New(llm Invoker, chat ChatGateway, st GroupStore, cfg Config) *Escalator {
	if cfg.PromptBodyChars <= 0 {
		cfg.PromptBodyChars = 2000
	}
	return &Escalator{llm: llm, chat: chat, store: st, cfg: cfg, logger: slog.Default().With("component", "escalator")}
}

const planSystemPrompt = `You plan how to escalate a support email to a human team. Respond with a single JSON object with exactly these fields: team_members (array of role tags), priority (low/medium/high), estimated_resolution_time (free text), suggested_initial_actions (array of strings), resources_needed (array of strings), escalation_reason (string).`

// Escalate runs the full escalation flow: plan, resolve members, create
// the chat group, post the initial message, and persist the
// EscalationGroup. On chat failure it returns an error and persists
// nothing — the caller downgrades the email outcome to MANUAL_REVIEW.
func (e *Escalator) Escalate(ctx context.Context, email Email, classification Classification, now time.Time) (store.EscalationGroup, error) {
	plan := e.plan(ctx, email, classification)

	members := e.resolveMembers(plan.TeamMembers, classification.Urgency, classification.Category)
	name := groupName(classification.Category, now, email.Subject)
	description := fmt.Sprintf("Escalation for email %s: %s", email.ID, email.Subject)

	groupID, err := e.chat.CreateGroup(ctx, name, description, members, "private")
	if err != nil {
		return store.EscalationGroup{}, fmt.Errorf("escalator: creating chat group: %w", err)
	}

	if err := e.chat.PostMessage(ctx, groupID, initialMessage(email, classification, plan)); err != nil {
		return store.EscalationGroup{}, fmt.Errorf("escalator: posting initial message: %w", err)
	}

	group := store.EscalationGroup{
		GroupID:     groupID,
		EmailID:     email.ID,
		DisplayName: name,
		Description: description,
		Members:     members,
		Owner:       e.cfg.Owner,
		Status:      store.EscalationActive,
		CreatedAt:   now.UTC(),
	}
	if err := e.store.PutEscalationGroup(ctx, group); err != nil {
		return store.EscalationGroup{}, fmt.Errorf("escalator: persisting escalation group: %w", err)
	}
	return group, nil
}

func (e *Escalator) plan(ctx context.Context, email Email, classification Classification) Plan {
	truncated := email.Body
	if len(truncated) > e.cfg.PromptBodyChars {
		truncated = truncated[:e.cfg.PromptBodyChars]
	}
	userPrompt := fmt.Sprintf(
		"Subject: %s\nCategory: %s\nUrgency: %s\nReasoning: %s\n\nBody:\n%s",
		email.Subject, classification.Category, classification.Urgency, classification.Reasoning, truncated,
	)

	text, err := e.llm.Invoke(ctx, planSystemPrompt, userPrompt, llmclient.Config{
		Model:       e.cfg.Model,
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
	})
	if err != nil {
		e.logger.Warn("escalation planning LLM call failed, using default plan", "email_id", email.ID, "error", err)
		return defaultPlan()
	}

	envelope := llmclient.ParseJSONEnvelope(text)
	if envelope["status"] == llmclient.Unparseable {
		e.logger.Warn("escalation plan unparseable, using default plan", "email_id", email.ID)
		return defaultPlan()
	}

	return Plan{
		TeamMembers:             stringSliceField(envelope, "team_members"),
		Priority:                stringField(envelope, "priority"),
		EstimatedResolutionTime: stringField(envelope, "estimated_resolution_time"),
		SuggestedInitialActions: stringSliceField(envelope, "suggested_initial_actions"),
		ResourcesNeeded:         stringSliceField(envelope, "resources_needed"),
		EscalationReason:        stringField(envelope, "escalation_reason"),
	}
}

func defaultPlan() Plan {
	return Plan{
		TeamMembers:             []string{"it_admin"},
		Priority:                "medium",
		EstimatedResolutionTime: "1-2 hours",
	}
}

// resolveMembers maps role tags onto addresses via the expertise map,
// applying the always-include rules for high urgency, purchasing, and
// escalation categories, and falling back to it_admin when nothing
// resolves.
func (e *Escalator) resolveMembers(roles []string, urgency store.Urgency, category store.Category) []string {
	roleSet := map[string]bool{}
	for _, r := range roles {
		roleSet[r] = true
	}
	if urgency == store.UrgencyHigh || urgency == store.UrgencyCritical {
		roleSet["manager"] = true
	}
	if category == store.CategoryPurchasing {
		roleSet["procurement"] = true
	}
	if category == store.CategoryEscalation {
		roleSet["manager"] = true
		roleSet["security"] = true
	}

	seen := map[string]bool{}
	var addresses []string
	for role := range roleSet {
		for _, addr := range e.cfg.ExpertiseMap[role] {
			if !seen[addr] {
				seen[addr] = true
				addresses = append(addresses, addr)
			}
		}
	}

	if len(addresses) == 0 {
		addresses = e.cfg.ExpertiseMap["it_admin"]
	}
	if len(addresses) == 0 {
		addresses = []string{"it_admin@localhost"}
	}
	return addresses
}

var nonSlugChar = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// groupName builds "EmailBot-<CATEGORY>-<yyyymmdd-HHMM>-<subject-slug-30>".
func groupName(category store.Category, at time.Time, subject string) string {
	slug := strings.Trim(nonSlugChar.ReplaceAllString(strings.ToLower(subject), "-"), "-")
	if len(slug) > 30 {
		slug = slug[:30]
	}
	return fmt.Sprintf("EmailBot-%s-%s-%s", category, at.UTC().Format("20060102-1504"), slug)
}

func initialMessage(email Email, classification Classification, plan Plan) string {
	body := email.Body
	if len(body) > 500 {
		body = body[:500]
	}
	return fmt.Sprintf(
		"<p><b>Email:</b> %s (from %s)</p>"+
			"<p><b>Category:</b> %s &mdash; <b>Urgency:</b> %s &mdash; <b>Confidence:</b> %.0f</p>"+
			"<p><b>Escalation reason:</b> %s</p>"+
			"<p><b>Priority:</b> %s &mdash; <b>Estimated resolution:</b> %s</p>"+
			"<p><b>Body excerpt:</b><br>%s</p>",
		email.Subject, email.Sender,
		classification.Category, classification.Urgency, classification.Confidence,
		plan.EscalationReason, plan.Priority, plan.EstimatedResolutionTime,
		body,
	)
}

func stringField(env map[string]any, key string) string {
	v, _ := env[key].(string)
	return v
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
