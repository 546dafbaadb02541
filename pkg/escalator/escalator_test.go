package escalator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type fakeChat struct {
	createErr  error
	postErr    error
	lastMembers []string
	posted     bool
}

func (f *fakeChat) CreateGroup(ctx context.Context, name, description string, members []string, visibility string) (string, error) {
	f.lastMembers = members
	if f.createErr != nil {
		return "", f.createErr
	}
	return "group-1", nil
}

func (f *fakeChat) PostMessage(ctx context.Context, groupID, htmlBody string) error {
	f.posted = true
	return f.postErr
}

type fakeStore struct {
	saved *store.EscalationGroup
}

func (f *fakeStore) PutEscalationGroup(ctx context.Context, g store.EscalationGroup) error {
	f.saved = &g
	return nil
}

func testConfig() Config {
	return Config{
		ExpertiseMap: map[string][]string{
			"support":     {"support@example.com"},
			"manager":     {"manager@example.com"},
			"procurement": {"procurement@example.com"},
			"security":    {"security@example.com"},
			"it_admin":    {"it@example.com"},
		},
		Owner: "owner@example.com",
	}
}

func TestEscalateCreatesAndPersistsGroup(t *testing.T) {
	chat := &fakeChat{}
	st := &fakeStore{}
	e := New(fakeInvoker{text: `{"team_members":["support"],"priority":"high","estimated_resolution_time":"2h","escalation_reason":"needs human"}`}, chat, st, testConfig())

	group, err := e.Escalate(context.Background(), Email{ID: "email-1", Subject: "Billing issue", Sender: "a@example.com", Body: "please help"},
		Classification{Category: store.CategorySupport, Urgency: store.UrgencyLow, Confidence: 30}, time.Date(2026, 1, 2, 15, 4, 0, 0, time.UTC))

	require.NoError(t, err)
	assert.Equal(t, "group-1", group.GroupID)
	assert.Contains(t, chat.lastMembers, "support@example.com")
	assert.True(t, chat.posted)
	require.NotNil(t, st.saved)
	assert.Equal(t, store.EscalationActive, st.saved.Status)
}

func TestEscalateAlwaysIncludesManagerForHighUrgency(t *testing.T) {
	chat := &fakeChat{}
	st := &fakeStore{}
	e := New(fakeInvoker{err: errors.New("llm down")}, chat, st, testConfig())

	_, err := e.Escalate(context.Background(), Email{ID: "e1", Subject: "Urgent"}, Classification{Category: store.CategorySupport, Urgency: store.UrgencyCritical}, time.Now())
	require.NoError(t, err)
	assert.Contains(t, chat.lastMembers, "manager@example.com")
}

func TestEscalateIncludesProcurementForPurchasing(t *testing.T) {
	chat := &fakeChat{}
	st := &fakeStore{}
	e := New(fakeInvoker{err: errors.New("llm down")}, chat, st, testConfig())

	_, err := e.Escalate(context.Background(), Email{ID: "e1", Subject: "PO request"}, Classification{Category: store.CategoryPurchasing, Urgency: store.UrgencyLow}, time.Now())
	require.NoError(t, err)
	assert.Contains(t, chat.lastMembers, "procurement@example.com")
}

func TestEscalateIncludesManagerAndSecurityForEscalationCategory(t *testing.T) {
	chat := &fakeChat{}
	st := &fakeStore{}
	e := New(fakeInvoker{err: errors.New("llm down")}, chat, st, testConfig())

	_, err := e.Escalate(context.Background(), Email{ID: "e1", Subject: "Security concern"}, Classification{Category: store.CategoryEscalation, Urgency: store.UrgencyLow}, time.Now())
	require.NoError(t, err)
	assert.Contains(t, chat.lastMembers, "manager@example.com")
	assert.Contains(t, chat.lastMembers, "security@example.com")
}

func TestEscalateFallsBackToItAdminWhenNothingResolves(t *testing.T) {
	chat := &fakeChat{}
	st := &fakeStore{}
	cfg := Config{ExpertiseMap: map[string][]string{"it_admin": {"it@example.com"}}}
	e := New(fakeInvoker{text: `{"team_members":["nonexistent_role"]}`}, chat, st, cfg)

	_, err := e.Escalate(context.Background(), Email{ID: "e1", Subject: "Odd"}, Classification{Category: store.CategorySupport, Urgency: store.UrgencyLow}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"it@example.com"}, chat.lastMembers)
}

func TestEscalateDoesNotPersistWhenChatCreationFails(t *testing.T) {
	chat := &fakeChat{createErr: errors.New("chat down")}
	st := &fakeStore{}
	e := New(fakeInvoker{err: errors.New("llm down")}, chat, st, testConfig())

	_, err := e.Escalate(context.Background(), Email{ID: "e1", Subject: "Test"}, Classification{Category: store.CategorySupport, Urgency: store.UrgencyLow}, time.Now())
	require.Error(t, err)
	assert.Nil(t, st.saved)
}

func TestEscalateDoesNotPersistWhenPostMessageFails(t *testing.T) {
	chat := &fakeChat{postErr: errors.New("chat down")}
	st := &fakeStore{}
	e := New(fakeInvoker{err: errors.New("llm down")}, chat, st, testConfig())

	_, err := e.Escalate(context.Background(), Email{ID: "e1", Subject: "Test"}, Classification{Category: store.CategorySupport, Urgency: store.UrgencyLow}, time.Now())
	require.Error(t, err)
	assert.Nil(t, st.saved)
}

func TestGroupNameTemplate(t *testing.T) {
	name := groupName(store.CategorySupport, time.Date(2026, 3, 4, 9, 5, 0, 0, time.UTC), "Re: My Printer Won't Work At All!!!")
	assert.Contains(t, name, "EmailBot-SUPPORT-20260304-0905-")
}
