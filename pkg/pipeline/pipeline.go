// Package pipeline drives a single email through the full processing
// state machine: RECEIVED -> VALIDATING -> CLASSIFYING -> ROUTING ->
// {RESPONDING | ESCALATING} -> COMPLETED, with FAILED reachable from any
// stage once retries are exhausted. It is the seam between the
// plaintext domain packages (mail, classifier, responder, escalator,
// router) and the Store: every sensitive field is encrypted here,
// immediately before persistence, and nowhere else.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ssmanji89/emailprocer/pkg/apperrors"
	"github.com/ssmanji89/emailprocer/pkg/classifier"
	"github.com/ssmanji89/emailprocer/pkg/crypto"
	"github.com/ssmanji89/emailprocer/pkg/escalator"
	"github.com/ssmanji89/emailprocer/pkg/mail"
	"github.com/ssmanji89/emailprocer/pkg/router"
	"github.com/ssmanji89/emailprocer/pkg/store"
)

// MailGateway is the subset of the mail client the pipeline needs.
type MailGateway interface {
	FetchUnread(ctx context.Context, since *time.Time) ([]mail.Message, error)
	MarkRead(ctx context.Context, id string) error
}

// Classifier is the subset of the classifier the pipeline needs.
type Classifier interface {
	Classify(ctx context.Context, emailID, subject, body, promptVersion string) classifier.Result
}

// Responder is the subset of the responder the pipeline needs.
type Responder interface {
	AutoReply(ctx context.Context, original mail.Message, category, urgency string, confidence float64) (string, error)
	Generate(ctx context.Context, original mail.Message, category, urgency string, confidence float64) (string, error)
}

// Escalator is the subset of the escalator the pipeline needs.
type Escalator interface {
	Escalate(ctx context.Context, email escalator.Email, classification escalator.Classification, now time.Time) (store.EscalationGroup, error)
}

// Store is the subset of the Store the pipeline reads and writes.
type Store interface {
	PutEmail(ctx context.Context, m store.EmailMessage) error
	UpdateEmailStatus(ctx context.Context, id string, status store.ProcessingStatus, lastErr string) error
	IncrementRetryCount(ctx context.Context, id string) (int, error)
	MarkEmailProcessed(ctx context.Context, id string, at time.Time, status store.ProcessingStatus) error
	GetClassification(ctx context.Context, emailID string) (store.ClassificationResult, error)
	PutClassification(ctx context.Context, r store.ClassificationResult) error
	BeginProcessing(ctx context.Context, r store.ProcessingResult) (int64, error)
	CompleteProcessing(ctx context.Context, id int64, r store.ProcessingResult) error
	FailProcessing(ctx context.Context, id int64, completedAt time.Time, stage, message string, retryCount int) error
	LatestProcessingResult(ctx context.Context, emailID string) (store.ProcessingResult, error)
}

// SeenCache optionally provides a fast, cross-replica idempotency check
// ahead of the Store's own claim semantics, so two concurrently running
// instances racing on the same poll don't both start processing the
// same message.
type SeenCache interface {
	MarkSeen(ctx context.Context, emailID string) bool
}

// Config bounds per-email retry and timeout behavior, and carries the
// router's thresholds and the prompt version stamped on classifications.
type Config struct {
	RetryAttempts     int
	RetryDelay        time.Duration
	MaxProcessingTime time.Duration
	Thresholds        router.Thresholds
	PromptVersion     string
	Concurrency       int
	Cache             SeenCache
}

// Pipeline wires the mail, classifier, responder, escalator, and Store
// components into the per-email state machine.
type Pipeline struct {
	mail     MailGateway
	classify Classifier
	respond  Responder
	escalate Escalator
	store    Store
	keys     *crypto.KeyRing
	cfg      Config
	logger   *slog.Logger
}

// New builds a Pipeline.
func New(mailGateway MailGateway, classify Classifier, respond Responder, escalate Escalator, st Store, keys *crypto.KeyRing, cfg Config) *Pipeline {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.MaxProcessingTime <= 0 {
		cfg.MaxProcessingTime = 2 * time.Minute
	}
	return &Pipeline{
		mail:     mailGateway,
		classify: classify,
		respond:  respond,
		escalate: escalate,
		store:    st,
		keys:     keys,
		cfg:      cfg,
		logger:   slog.Default().With("component", "pipeline"),
	}
}

// Summary aggregates the outcome of one RunCycle.
type Summary struct {
	Fetched   int
	Completed int
	Skipped   int
	Failed    int
}

// RunCycle fetches unread mail since the given watermark and processes
// each message to completion, bounding concurrency at cfg.Concurrency
// (default: the batch size). One email's failure never aborts the
// others; all results are collected before RunCycle returns.
func (p *Pipeline) RunCycle(ctx context.Context, since *time.Time) (Summary, error) {
	messages, err := p.mail.FetchUnread(ctx, since)
	if err != nil {
		return Summary{}, fmt.Errorf("pipeline: fetching unread mail: %w", err)
	}
	if len(messages) == 0 {
		return Summary{}, nil
	}

	limit := p.cfg.Concurrency
	if limit <= 0 {
		limit = len(messages)
	}

	var mu sync.Mutex
	summary := Summary{Fetched: len(messages)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, msg := range messages {
		msg := msg
		g.Go(func() error {
			result, err := p.processWithRetry(gctx, msg)

			mu.Lock()
			defer mu.Unlock()
			switch result {
			case outcomeCompleted:
				summary.Completed++
			case outcomeSkipped:
				summary.Skipped++
			default:
				summary.Failed++
				p.logger.Error("email processing failed permanently", "email_id", msg.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		// The driving context ended before every email reached a terminal
		// status. Per-email failures above are fine (they're terminal);
		// this is the case where the cycle itself was cut short, which
		// the caller must not treat as "every message reached COMPLETED
		// or FAILED".
		return summary, fmt.Errorf("pipeline: cycle context ended before all emails finished: %w", err)
	}

	return summary, nil
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeCompleted
	outcomeSkipped
)

// processWithRetry runs processEmail up to cfg.RetryAttempts+1 times (the
// first attempt plus cfg.RetryAttempts retries),
// sleeping cfg.RetryDelay between attempts, retrying only errors the
// apperrors policy marks retryable. Every attempt's retry_count is
// persisted via the Store before the next attempt begins.
func (p *Pipeline) processWithRetry(ctx context.Context, msg mail.Message) (outcome, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.RetryAttempts; attempt++ {
		result, stage, err := p.processEmail(ctx, msg)
		if err == nil {
			return result, nil
		}
		lastErr = err

		retryCount, rcErr := p.store.IncrementRetryCount(ctx, msg.ID)
		if rcErr != nil {
			retryCount = attempt + 1
		}

		if !apperrors.Retryable(apperrors.KindOf(err)) || attempt == p.cfg.RetryAttempts {
			now := time.Now().UTC()
			_ = p.store.UpdateEmailStatus(ctx, msg.ID, store.StatusFailed, err.Error())
			p.failLatestProcessing(ctx, msg.ID, now, stage, err.Error())
			return outcomeFailed, err
		}

		p.logger.Warn("retrying email after transient error", "email_id", msg.ID, "stage", stage, "attempt", retryCount, "error", err)

		select {
		case <-ctx.Done():
			// The context ended mid-wait: the message must not be left in
			// a non-terminal status (e.g. CLASSIFYING), or the scheduler's
			// watermark would advance past it next cycle and it would
			// never be retried.
			now := time.Now().UTC()
			_ = p.store.UpdateEmailStatus(context.Background(), msg.ID, store.StatusFailed, ctx.Err().Error())
			p.failLatestProcessing(context.Background(), msg.ID, now, stage, ctx.Err().Error())
			return outcomeFailed, ctx.Err()
		case <-time.After(p.cfg.RetryDelay):
		}
	}
	return outcomeFailed, lastErr
}

// failLatestProcessing records the failure against the most recent
// ProcessingResult for emailID, if one was begun this attempt.
func (p *Pipeline) failLatestProcessing(ctx context.Context, emailID string, completedAt time.Time, stage, message string) {
	latest, err := p.store.LatestProcessingResult(context.Background(), emailID)
	if err != nil || latest.Status.IsTerminal() {
		return
	}
	_ = p.store.FailProcessing(context.Background(), latest.ID, completedAt, stage, message, latest.RetryCount)
}

// processEmail runs one attempt at the full state machine for msg,
// bounded by cfg.MaxProcessingTime. It is idempotent: if a COMPLETED
// ProcessingResult already exists for msg.ID, it returns immediately
// without re-running any stage.
func (p *Pipeline) processEmail(ctx context.Context, msg mail.Message) (outcome, string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.MaxProcessingTime)
	defer cancel()

	if latest, err := p.store.LatestProcessingResult(ctx, msg.ID); err == nil && latest.Status == store.StatusCompleted {
		return outcomeSkipped, "", nil
	}
	if p.cfg.Cache != nil && !p.cfg.Cache.MarkSeen(ctx, msg.ID) {
		return outcomeSkipped, "", nil
	}

	started := time.Now().UTC()
	stage := string(store.StatusReceived)

	plainBody, err := p.keys.EncryptString(msg.PlainBody)
	if err != nil {
		return outcomeFailed, stage, apperrors.Wrap(apperrors.KindFatal, fmt.Errorf("encrypting plain body: %w", err))
	}
	var htmlBody *crypto.EncryptedField
	if msg.HTMLBody != "" {
		field, err := p.keys.EncryptString(msg.HTMLBody)
		if err != nil {
			return outcomeFailed, stage, apperrors.Wrap(apperrors.KindFatal, fmt.Errorf("encrypting html body: %w", err))
		}
		htmlBody = &field
	}

	email := store.EmailMessage{
		ID:                msg.ID,
		SenderAddress:     msg.SenderAddress,
		SenderDisplayName: msg.SenderDisplayName,
		RecipientAddress:  msg.RecipientAddress,
		Subject:           msg.Subject,
		PlainBody:         plainBody,
		HTMLBody:          htmlBody,
		BodyTruncated:     msg.BodyTruncated,
		ReceivedAt:        msg.ReceivedAt,
		ConversationID:    msg.ConversationID,
		Importance:        msg.Importance,
		Attachments:       msg.Attachments,
		ProcessingStatus:  store.StatusReceived,
	}
	if err := p.store.PutEmail(ctx, email); err != nil {
		return outcomeFailed, stage, fmt.Errorf("persisting email: %w", err)
	}

	processingID, err := p.store.BeginProcessing(ctx, store.ProcessingResult{
		EmailID:   msg.ID,
		Status:    store.StatusReceived,
		StartedAt: started,
	})
	if err != nil {
		return outcomeFailed, stage, fmt.Errorf("beginning processing record: %w", err)
	}

	stage = string(store.StatusValidating)
	if err := p.store.UpdateEmailStatus(ctx, msg.ID, store.StatusValidating, ""); err != nil {
		return outcomeFailed, stage, err
	}
	if msg.SenderAddress == "" || msg.Subject == "" {
		failErr := apperrors.Newf(apperrors.KindMalformed, "email %s missing sender or subject", msg.ID)
		p.failStage(msg.ID, processingID, stage, failErr)
		return outcomeFailed, stage, failErr
	}

	stage = string(store.StatusClassifying)
	if err := p.store.UpdateEmailStatus(ctx, msg.ID, store.StatusClassifying, ""); err != nil {
		return outcomeFailed, stage, err
	}
	classification, err := p.classifyOnce(ctx, msg)
	if err != nil {
		p.failStage(msg.ID, processingID, stage, err)
		return outcomeFailed, stage, err
	}

	stage = string(store.StatusRouting)
	if err := p.store.UpdateEmailStatus(ctx, msg.ID, store.StatusRouting, ""); err != nil {
		return outcomeFailed, stage, err
	}
	decision := router.Route(p.cfg.Thresholds, classification.Confidence, classification.Urgency, classification.Category)

	result := store.ProcessingResult{
		EmailID:         msg.ID,
		StartedAt:       started,
		RoutingDecision: decision,
	}

	switch decision {
	case store.ActionAutoReply:
		stage = string(store.StatusResponding)
		if err := p.store.UpdateEmailStatus(ctx, msg.ID, store.StatusResponding, ""); err != nil {
			return outcomeFailed, stage, err
		}
		text, sendErr := p.respond.AutoReply(ctx, msg, string(classification.Category), string(classification.Urgency), classification.Confidence)
		if sendErr != nil {
			p.logger.Warn("auto-reply failed, downgrading to manual review", "email_id", msg.ID, "error", sendErr)
			result.ActionTaken = "manual review: auto-reply failed: " + sendErr.Error()
			result.RoutingDecision = store.ActionManualReview
		} else {
			result.ActionTaken = "auto-replied: " + text
			result.ResponseSent = true
		}

	case store.ActionDraft:
		stage = string(store.StatusResponding)
		if err := p.store.UpdateEmailStatus(ctx, msg.ID, store.StatusResponding, ""); err != nil {
			return outcomeFailed, stage, err
		}
		text, genErr := p.respond.Generate(ctx, msg, string(classification.Category), string(classification.Urgency), classification.Confidence)
		if genErr != nil {
			p.logger.Warn("draft generation failed, downgrading to manual review", "email_id", msg.ID, "error", genErr)
			result.ActionTaken = "manual review: draft generation failed: " + genErr.Error()
			result.RoutingDecision = store.ActionManualReview
		} else {
			result.ActionTaken = "draft: " + text
		}

	case store.ActionEscalate:
		stage = string(store.StatusEscalating)
		if err := p.store.UpdateEmailStatus(ctx, msg.ID, store.StatusEscalating, ""); err != nil {
			return outcomeFailed, stage, err
		}
		group, escErr := p.escalate.Escalate(ctx, escalator.Email{
			ID:         msg.ID,
			Subject:    msg.Subject,
			Sender:     msg.SenderAddress,
			Body:       msg.PlainBody,
			ReceivedAt: msg.ReceivedAt,
		}, escalator.Classification{
			Category:   classification.Category,
			Urgency:    classification.Urgency,
			Confidence: classification.Confidence,
			Reasoning:  classification.Reasoning,
		}, time.Now())
		if escErr != nil {
			p.logger.Warn("escalation failed, downgrading to manual review", "email_id", msg.ID, "error", escErr)
			result.ActionTaken = "manual review: escalation failed: " + escErr.Error()
			result.RoutingDecision = store.ActionManualReview
		} else {
			groupID := group.GroupID
			result.ActionTaken = "escalated to " + groupID
			result.EscalationCreated = true
			result.EscalationRef = &groupID
		}

	default: // MANUAL_REVIEW
		result.ActionTaken = "flagged for manual review"
	}

	completed := time.Now().UTC()
	result.CompletedAt = &completed
	result.Status = store.StatusCompleted
	result.ProcessingTimeMS = completed.Sub(started).Milliseconds()

	if err := p.store.CompleteProcessing(ctx, processingID, result); err != nil {
		return outcomeFailed, string(store.StatusCompleted), fmt.Errorf("completing processing record: %w", err)
	}
	if err := p.store.MarkEmailProcessed(ctx, msg.ID, completed, store.StatusCompleted); err != nil {
		return outcomeFailed, string(store.StatusCompleted), err
	}
	if err := p.mail.MarkRead(ctx, msg.ID); err != nil {
		p.logger.Warn("marking email read failed after successful processing", "email_id", msg.ID, "error", err)
	}

	return outcomeCompleted, "", nil
}

// classifyOnce reuses an existing classification for msg.ID when one
// was already persisted by a prior, interrupted attempt, so a retry
// never re-spends an LLM call for a stage it already completed.
func (p *Pipeline) classifyOnce(ctx context.Context, msg mail.Message) (classifier.Result, error) {
	if existing, err := p.store.GetClassification(ctx, msg.ID); err == nil {
		reasoning, decErr := p.keys.DecryptString(existing.Reasoning)
		if decErr != nil {
			reasoning = ""
		}
		return classifier.Result{
			Category:          existing.Category,
			Confidence:        existing.Confidence,
			Reasoning:         reasoning,
			Urgency:           existing.Urgency,
			SuggestedAction:   existing.SuggestedAction,
			RequiredExpertise: existing.RequiredExpertise,
			EstimatedEffort:   existing.EstimatedEffort,
			ModelID:           existing.ModelID,
			PromptVersion:     existing.PromptVersion,
			TokensUsed:        existing.TokensUsed,
		}, nil
	}

	result := p.classify.Classify(ctx, msg.ID, msg.Subject, msg.PlainBody, p.cfg.PromptVersion)

	reasoning, err := p.keys.EncryptString(result.Reasoning)
	if err != nil {
		return classifier.Result{}, apperrors.Wrap(apperrors.KindFatal, fmt.Errorf("encrypting reasoning: %w", err))
	}
	stored := store.ClassificationResult{
		EmailID:           msg.ID,
		Category:          result.Category,
		Confidence:        result.Confidence,
		Reasoning:         reasoning,
		Urgency:           result.Urgency,
		SuggestedAction:   result.SuggestedAction,
		RequiredExpertise: result.RequiredExpertise,
		EstimatedEffort:   result.EstimatedEffort,
		ModelID:           result.ModelID,
		PromptVersion:     result.PromptVersion,
		TokensUsed:        result.TokensUsed,
		CreatedAt:         time.Now().UTC(),
	}
	if err := p.store.PutClassification(ctx, stored); err != nil {
		return classifier.Result{}, fmt.Errorf("persisting classification: %w", err)
	}
	return result, nil
}

func (p *Pipeline) failStage(emailID string, processingID int64, stage string, cause error) {
	completed := time.Now().UTC()
	_ = p.store.UpdateEmailStatus(context.Background(), emailID, store.StatusFailed, cause.Error())
	_ = p.store.FailProcessing(context.Background(), processingID, completed, stage, cause.Error(), 0)
}
