package responder

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssmanji89/emailprocer/pkg/llmclient"
	"github.com/ssmanji89/emailprocer/pkg/mail"
)

type fakeInvoker struct {
	text string
	err  error
}

func (f fakeInvoker) Invoke(ctx context.Context, systemPrompt, userPrompt string, opt llmclient.Config) (string, error) {
	return f.text, f.err
}

type fakeSender struct {
	sent bool
	err  error
}

func (f *fakeSender) SendReply(ctx context.Context, original mail.Message, body, html string) error {
	f.sent = true
	return f.err
}

func TestGenerateIncludesContext(t *testing.T) {
	var seen string
	invoker := capturingInvoker{captured: &seen}
	r := New(invoker, &fakeSender{}, Config{})

	_, err := r.Generate(context.Background(), mail.Message{SenderAddress: "a@example.com", Subject: "Help", PlainBody: "need help"}, "SUPPORT", "LOW", 90)
	require.NoError(t, err)
	assert.Contains(t, seen, "a@example.com")
	assert.Contains(t, seen, "SUPPORT")
}

type capturingInvoker struct{ captured *string }

func (c capturingInvoker) Invoke(ctx context.Context, systemPrompt, userPrompt string, opt llmclient.Config) (string, error) {
	*c.captured = userPrompt
	return "reply text", nil
}

func TestAutoReplySendsGeneratedText(t *testing.T) {
	sender := &fakeSender{}
	r := New(fakeInvoker{text: "here's how to fix it"}, sender, Config{})

	text, err := r.AutoReply(context.Background(), mail.Message{ID: "m1"}, "SUPPORT", "LOW", 90)
	require.NoError(t, err)
	assert.Equal(t, "here's how to fix it", text)
	assert.True(t, sender.sent)
}

func TestAutoReplyReturnsErrorOnSendFailure(t *testing.T) {
	sender := &fakeSender{err: errors.New("mail down")}
	r := New(fakeInvoker{text: "reply"}, sender, Config{})

	_, err := r.AutoReply(context.Background(), mail.Message{ID: "m1"}, "SUPPORT", "LOW", 90)
	require.Error(t, err)
}

func TestAutoReplyPropagatesGenerationFailure(t *testing.T) {
	sender := &fakeSender{}
	r := New(fakeInvoker{err: errors.New("llm down")}, sender, Config{})

	_, err := r.AutoReply(context.Background(), mail.Message{ID: "m1"}, "SUPPORT", "LOW", 90)
	require.Error(t, err)
	assert.False(t, sender.sent)
}
