package patterns

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssmanji89/emailprocer/pkg/store"
)

type fakeStore struct {
	rows      []store.PatternMiningRow
	fetchErr  error
	upserted  []store.EmailPattern
	upsertErr error
}

func (f *fakeStore) RecentClassifiedEmails(ctx context.Context, cutoff time.Time) ([]store.PatternMiningRow, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.rows, nil
}

func (f *fakeStore) UpsertPattern(ctx context.Context, p store.EmailPattern) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserted = append(f.upserted, p)
	return nil
}

func row(id, subject, sender string, at time.Time) store.PatternMiningRow {
	return store.PatternMiningRow{EmailID: id, Subject: subject, Sender: sender, Category: store.CategorySupport, ReceivedAt: at}
}

func TestDetectGroupsBySubjectSignature(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	st := &fakeStore{rows: []store.PatternMiningRow{
		row("e1", "Re: Password reset request #1001", "alice@example.com", now.Add(-3*time.Hour)),
		row("e2", "Fwd: password RESET request #2002", "bob@example.com", now.Add(-2*time.Hour)),
		row("e3", "password reset request", "carol@example.com", now.Add(-1*time.Hour)),
	}}
	d := New(st, Config{MinFrequency: 3, AutomationTarget: 3})

	n, err := d.Detect(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, st.upserted, 1)

	p := st.upserted[0]
	assert.Equal(t, store.PatternSubject, p.Type)
	assert.Equal(t, 3, p.Frequency)
	assert.Equal(t, float64(100), p.AutomationPotential)
	assert.Equal(t, now.Add(-3*time.Hour), p.FirstSeen)
	assert.Equal(t, now.Add(-1*time.Hour), p.LastSeen)
	assert.Contains(t, p.CommonKeywords, "password")
}

func TestDetectGroupsBySender(t *testing.T) {
	now := time.Now()
	st := &fakeStore{rows: []store.PatternMiningRow{
		row("e1", "question one", "repeat@example.com", now.Add(-3*time.Hour)),
		row("e2", "question two", "repeat@example.com", now.Add(-2*time.Hour)),
		row("e3", "question three", "Repeat@Example.com", now.Add(-1*time.Hour)),
	}}
	d := New(st, Config{MinFrequency: 3, AutomationTarget: 10})

	n, err := d.Detect(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, store.PatternSender, st.upserted[0].Type)
	assert.Equal(t, 3, st.upserted[0].Frequency)
}

func TestDetectSkipsGroupsBelowMinFrequency(t *testing.T) {
	now := time.Now()
	st := &fakeStore{rows: []store.PatternMiningRow{
		row("e1", "unique subject alpha", "a@example.com", now),
		row("e2", "unique subject beta", "b@example.com", now),
	}}
	d := New(st, Config{MinFrequency: 3})

	n, err := d.Detect(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, st.upserted)
}

func TestDetectCapsAutomationPotentialAt100(t *testing.T) {
	now := time.Now()
	var rows []store.PatternMiningRow
	for i := 0; i < 20; i++ {
		rows = append(rows, row("e", "renewal notice", "billing@example.com", now.Add(-time.Duration(i)*time.Hour)))
	}
	st := &fakeStore{rows: rows}
	d := New(st, Config{MinFrequency: 3, AutomationTarget: 5})

	_, err := d.Detect(context.Background(), now)
	require.NoError(t, err)
	for _, p := range st.upserted {
		assert.LessOrEqual(t, p.AutomationPotential, float64(100))
		assert.GreaterOrEqual(t, p.AutomationPotential, float64(0))
	}
}

func TestDetectCapsSampleEmailIDs(t *testing.T) {
	now := time.Now()
	var rows []store.PatternMiningRow
	for i := 0; i < 8; i++ {
		rows = append(rows, row("e"+string(rune('a'+i)), "invoice question", "ap@example.com", now.Add(-time.Duration(i)*time.Hour)))
	}
	st := &fakeStore{rows: rows}
	d := New(st, Config{MinFrequency: 3, MaxSampleEmailIDs: 2})

	_, err := d.Detect(context.Background(), now)
	require.NoError(t, err)
	require.NotEmpty(t, st.upserted)
	assert.LessOrEqual(t, len(st.upserted[0].SampleEmailIDs), 2)
}

func TestDetectNoRowsIsNoop(t *testing.T) {
	st := &fakeStore{}
	d := New(st, Config{})

	n, err := d.Detect(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDetectPropagatesFetchError(t *testing.T) {
	st := &fakeStore{fetchErr: assert.AnError}
	d := New(st, Config{})

	_, err := d.Detect(context.Background(), time.Now())
	assert.Error(t, err)
}

func TestSubjectSignatureIgnoresReplyPrefixAndDigits(t *testing.T) {
	assert.Equal(t, subjectSignature("Re: Invoice #4821 overdue"), subjectSignature("Fwd: invoice overdue"))
}

func TestSubjectSignatureEmptyForStopwordsOnly(t *testing.T) {
	assert.Equal(t, "", subjectSignature("Re: the a an"))
}

func TestPatternIDIsStableForSameSignature(t *testing.T) {
	assert.Equal(t, patternID("subject:password-reset"), patternID("subject:password-reset"))
	assert.NotEqual(t, patternID("subject:password-reset"), patternID("sender:x"))
}
