package classifier

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ssmanji89/emailprocer/pkg/llmclient"
	"github.com/ssmanji89/emailprocer/pkg/store"
)

type fakeInvoker struct {
	text string
	err  error
}

func (f fakeInvoker) Invoke(ctx context.Context, systemPrompt, userPrompt string, opt llmclient.Config) (string, error) {
	return f.text, f.err
}

func TestClassifyWellFormedResponse(t *testing.T) {
	c := New(fakeInvoker{text: `{"category":"SUPPORT","confidence":92,"reasoning":"clear request","urgency":"LOW","suggested_action":"reply with steps","required_expertise":["support"],"estimated_effort":"low"}`}, Config{})

	r := c.Classify(context.Background(), "email-1", "Help", "body text", "v1")
	assert.Equal(t, store.CategorySupport, r.Category)
	assert.Equal(t, 92.0, r.Confidence)
	assert.Equal(t, store.UrgencyLow, r.Urgency)
	assert.Equal(t, []string{"support"}, r.RequiredExpertise)
}

func TestClassifyLLMFailureReturnsFallback(t *testing.T) {
	c := New(fakeInvoker{err: errors.New("endpoint down")}, Config{})

	r := c.Classify(context.Background(), "email-1", "Help", "body", "v1")
	assert.Equal(t, store.CategoryInformation, r.Category)
	assert.Equal(t, 0.0, r.Confidence)
	assert.Contains(t, r.SuggestedAction, "escalate")
}

func TestClassifyUnparseableResponseReturnsFallback(t *testing.T) {
	c := New(fakeInvoker{text: "not json at all"}, Config{})

	r := c.Classify(context.Background(), "email-1", "Help", "body", "v1")
	assert.Equal(t, store.CategoryInformation, r.Category)
	assert.Equal(t, 0.0, r.Confidence)
}

func TestClassifyNormalizesUnknownEnumsAndCapsConfidence(t *testing.T) {
	c := New(fakeInvoker{text: `{"category":"BOGUS","confidence":99,"urgency":"WHATEVER"}`}, Config{})

	r := c.Classify(context.Background(), "email-1", "Help", "body", "v1")
	assert.Equal(t, store.CategoryInformation, r.Category)
	assert.Equal(t, store.UrgencyMedium, r.Urgency)
	assert.Equal(t, "normalized", r.Reasoning)
	assert.Equal(t, 25.0, r.Confidence)
}

func TestClassifyRejectsOutOfRangeConfidence(t *testing.T) {
	c := New(fakeInvoker{text: `{"category":"SUPPORT","confidence":150,"reasoning":"clear request","urgency":"LOW","suggested_action":"reply"}`}, Config{})

	r := c.Classify(context.Background(), "email-1", "Help", "body", "v1")
	assert.Equal(t, 0.0, r.Confidence)
}

func TestClassifyRejectsNegativeConfidence(t *testing.T) {
	c := New(fakeInvoker{text: `{"category":"SUPPORT","confidence":-5,"reasoning":"clear request","urgency":"LOW","suggested_action":"reply"}`}, Config{})

	r := c.Classify(context.Background(), "email-1", "Help", "body", "v1")
	assert.Equal(t, 0.0, r.Confidence)
}

func TestClassifyTruncatesBodyForPrompt(t *testing.T) {
	var seenPrompt string
	c := New(capturingInvoker{captured: &seenPrompt}, Config{PromptBodyChars: 5})
	c.Classify(context.Background(), "email-1", "Subj", "1234567890", "v1")
	assert.Contains(t, seenPrompt, "12345")
	assert.NotContains(t, seenPrompt, "1234567890")
}

type capturingInvoker struct{ captured *string }

func (c capturingInvoker) Invoke(ctx context.Context, systemPrompt, userPrompt string, opt llmclient.Config) (string, error) {
	*c.captured = userPrompt
	return `{"category":"SUPPORT","confidence":80,"reasoning":"ok","urgency":"LOW","suggested_action":"reply"}`, nil
}
