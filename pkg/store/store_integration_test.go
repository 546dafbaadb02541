//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ssmanji89/emailprocer/pkg/crypto"
	"github.com/ssmanji89/emailprocer/pkg/store"
	"github.com/ssmanji89/emailprocer/test/testutil"
)

func newTestClient(t *testing.T) *store.Client {
	t.Helper()
	connStr := testutil.SetupTestSchema(t)
	keys := testKeyRing(t)

	c, err := store.NewClientFromDSN(context.Background(), connStr, "", keys)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testKeyRing(t *testing.T) *crypto.KeyRing {
	t.Helper()
	ring, err := crypto.NewKeyRing(map[string][]byte{"k1": make([]byte, 32)}, "k1")
	require.NoError(t, err)
	return ring
}

func TestEmailLifecycle(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	ring := testKeyRing(t)
	body, err := ring.EncryptString("hello world")
	require.NoError(t, err)

	email := store.EmailMessage{
		ID:               "email-1",
		SenderAddress:    "alice@example.com",
		RecipientAddress: "support@example.com",
		Subject:          "need help",
		PlainBody:        body,
		ReceivedAt:       time.Now().UTC(),
		ProcessingStatus: store.StatusReceived,
	}
	require.NoError(t, c.PutEmail(ctx, email))

	got, err := c.GetEmail(ctx, "email-1")
	require.NoError(t, err)
	require.Equal(t, email.SenderAddress, got.SenderAddress)
	require.Equal(t, store.StatusReceived, got.ProcessingStatus)

	require.NoError(t, c.UpdateEmailStatus(ctx, "email-1", store.StatusClassifying, ""))
	got, err = c.GetEmail(ctx, "email-1")
	require.NoError(t, err)
	require.Equal(t, store.StatusClassifying, got.ProcessingStatus)

	n, err := c.IncrementRetryCount(ctx, "email-1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	unprocessed, err := c.UnprocessedEmails(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unprocessed, 1)

	require.NoError(t, c.MarkEmailProcessed(ctx, "email-1", time.Now().UTC(), store.StatusCompleted))
	unprocessed, err = c.UnprocessedEmails(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unprocessed, 0)
}

func TestClassificationAndFeedback(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.PutEmail(ctx, store.EmailMessage{
		ID:               "email-2",
		SenderAddress:    "bob@example.com",
		RecipientAddress: "support@example.com",
		PlainBody:        crypto.EncryptedField{Ciphertext: "x", KeyID: "k1", Algo: crypto.Algo},
		ReceivedAt:       time.Now().UTC(),
		ProcessingStatus: store.StatusReceived,
	}))

	result := store.ClassificationResult{
		EmailID:           "email-2",
		Category:          store.CategorySupport,
		Confidence:        91.5,
		Urgency:           store.UrgencyMedium,
		RequiredExpertise: []string{"billing", "it"},
		Reasoning:         crypto.EncryptedField{Ciphertext: "y", KeyID: "k1", Algo: crypto.Algo},
	}
	require.NoError(t, c.PutClassification(ctx, result))

	got, err := c.GetClassification(ctx, "email-2")
	require.NoError(t, err)
	require.Equal(t, store.CategorySupport, got.Category)
	require.Equal(t, []string{"billing", "it"}, got.RequiredExpertise)

	require.NoError(t, c.RecordFeedback(ctx, "email-2", store.FeedbackCorrect, "looked right", time.Now().UTC()))

	stats, err := c.FeedbackStatistics(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, 1, stats[0].Correct)
}

func TestEscalationLifecycle(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.PutEmail(ctx, store.EmailMessage{
		ID:               "email-3",
		SenderAddress:    "carol@example.com",
		RecipientAddress: "support@example.com",
		PlainBody:        crypto.EncryptedField{Ciphertext: "z", KeyID: "k1", Algo: crypto.Algo},
		ReceivedAt:       time.Now().UTC(),
		ProcessingStatus: store.StatusReceived,
	}))

	group := store.EscalationGroup{
		GroupID:     "group-1",
		EmailID:     "email-3",
		DisplayName: "EmailBot-ESCALATION-20260730-0900-need-help",
		Members:     []string{"manager@example.com", "it_admin@example.com"},
		Status:      store.EscalationActive,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, c.PutEscalationGroup(ctx, group))

	active, err := c.ActiveEscalations(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, 2, active[0].MemberCount())

	require.NoError(t, c.ResolveEscalation(ctx, "group-1", "handled", time.Now().UTC()))
	active, err = c.ActiveEscalations(ctx)
	require.NoError(t, err)
	require.Len(t, active, 0)

	require.ErrorIs(t, c.ResolveEscalation(ctx, "missing-group", "n/a", time.Now().UTC()), store.ErrNotFound)
}

func TestDashboardAggregation(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.PutEmail(ctx, store.EmailMessage{
		ID:               "email-4",
		SenderAddress:    "dave@example.com",
		RecipientAddress: "support@example.com",
		PlainBody:        crypto.EncryptedField{Ciphertext: "a", KeyID: "k1", Algo: crypto.Algo},
		ReceivedAt:       time.Now().UTC(),
		ProcessingStatus: store.StatusCompleted,
	}))

	snap, err := c.Dashboard(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, snap.TotalEmails)
}
