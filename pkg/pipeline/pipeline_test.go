package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssmanji89/emailprocer/pkg/apperrors"
	"github.com/ssmanji89/emailprocer/pkg/classifier"
	"github.com/ssmanji89/emailprocer/pkg/crypto"
	"github.com/ssmanji89/emailprocer/pkg/escalator"
	"github.com/ssmanji89/emailprocer/pkg/mail"
	"github.com/ssmanji89/emailprocer/pkg/router"
	"github.com/ssmanji89/emailprocer/pkg/store"
)

func testKeyRing(t *testing.T) *crypto.KeyRing {
	t.Helper()
	keys, err := crypto.NewKeyRing(map[string][]byte{"k1": make([]byte, 32)}, "k1")
	require.NoError(t, err)
	return keys
}

type fakeMail struct {
	mu       sync.Mutex
	messages []mail.Message
	markErr  error
	readIDs  []string
}

func (f *fakeMail) FetchUnread(ctx context.Context, since *time.Time) ([]mail.Message, error) {
	return f.messages, nil
}

func (f *fakeMail) MarkRead(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readIDs = append(f.readIDs, id)
	return f.markErr
}

type fakeClassifier struct {
	mu     sync.Mutex
	calls  int
	result classifier.Result
}

func (f *fakeClassifier) Classify(ctx context.Context, emailID, subject, body, promptVersion string) classifier.Result {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.result
}

type fakeResponder struct {
	autoReplyErr error
	generateErr  error
	sent         bool
}

func (f *fakeResponder) AutoReply(ctx context.Context, original mail.Message, category, urgency string, confidence float64) (string, error) {
	if f.autoReplyErr != nil {
		return "", f.autoReplyErr
	}
	f.sent = true
	return "auto reply text", nil
}

func (f *fakeResponder) Generate(ctx context.Context, original mail.Message, category, urgency string, confidence float64) (string, error) {
	if f.generateErr != nil {
		return "", f.generateErr
	}
	return "draft text", nil
}

type fakeEscalator struct {
	err      error
	escalated bool
}

func (f *fakeEscalator) Escalate(ctx context.Context, email escalator.Email, classification escalator.Classification, now time.Time) (store.EscalationGroup, error) {
	if f.err != nil {
		return store.EscalationGroup{}, f.err
	}
	f.escalated = true
	return store.EscalationGroup{GroupID: "group-1", EmailID: email.ID}, nil
}

type fakeStore struct {
	mu              sync.Mutex
	emails          map[string]store.EmailMessage
	statuses        map[string]store.ProcessingStatus
	retryCounts     map[string]int
	classifications map[string]store.ClassificationResult
	processing      map[string][]store.ProcessingResult
	nextID          int64
	putEmailErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		emails:          map[string]store.EmailMessage{},
		statuses:        map[string]store.ProcessingStatus{},
		retryCounts:     map[string]int{},
		classifications: map[string]store.ClassificationResult{},
		processing:      map[string][]store.ProcessingResult{},
	}
}

func (f *fakeStore) PutEmail(ctx context.Context, m store.EmailMessage) error {
	if f.putEmailErr != nil {
		return f.putEmailErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.emails[m.ID]; !exists {
		f.emails[m.ID] = m
	}
	return nil
}

func (f *fakeStore) UpdateEmailStatus(ctx context.Context, id string, status store.ProcessingStatus, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	return nil
}

func (f *fakeStore) IncrementRetryCount(ctx context.Context, id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retryCounts[id]++
	return f.retryCounts[id], nil
}

func (f *fakeStore) MarkEmailProcessed(ctx context.Context, id string, at time.Time, status store.ProcessingStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	return nil
}

func (f *fakeStore) GetClassification(ctx context.Context, emailID string) (store.ClassificationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.classifications[emailID]
	if !ok {
		return store.ClassificationResult{}, store.ErrNotFound
	}
	return r, nil
}

func (f *fakeStore) PutClassification(ctx context.Context, r store.ClassificationResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.classifications[r.EmailID]; ok {
		return store.ErrClassificationExists
	}
	f.classifications[r.EmailID] = r
	return nil
}

func (f *fakeStore) BeginProcessing(ctx context.Context, r store.ProcessingResult) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	r.ID = f.nextID
	f.processing[r.EmailID] = append(f.processing[r.EmailID], r)
	return r.ID, nil
}

func (f *fakeStore) findProcessing(id int64) (string, int) {
	for emailID, list := range f.processing {
		for i, r := range list {
			if r.ID == id {
				return emailID, i
			}
		}
	}
	return "", -1
}

func (f *fakeStore) CompleteProcessing(ctx context.Context, id int64, r store.ProcessingResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	emailID, i := f.findProcessing(id)
	if i < 0 {
		return store.ErrNotFound
	}
	r.ID = id
	r.EmailID = emailID
	f.processing[emailID][i] = r
	return nil
}

func (f *fakeStore) FailProcessing(ctx context.Context, id int64, completedAt time.Time, stage, message string, retryCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	emailID, i := f.findProcessing(id)
	if i < 0 {
		return store.ErrNotFound
	}
	r := f.processing[emailID][i]
	r.Status = store.StatusFailed
	r.CompletedAt = &completedAt
	r.ErrorStage = stage
	r.ErrorMessage = message
	r.RetryCount = retryCount
	f.processing[emailID][i] = r
	return nil
}

func (f *fakeStore) LatestProcessingResult(ctx context.Context, emailID string) (store.ProcessingResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.processing[emailID]
	if len(list) == 0 {
		return store.ProcessingResult{}, store.ErrNotFound
	}
	return list[len(list)-1], nil
}

type fakeSeenCache struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (f *fakeSeenCache) MarkSeen(ctx context.Context, emailID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	if f.seen[emailID] {
		return false
	}
	f.seen[emailID] = true
	return true
}

func baseCfg() Config {
	return Config{
		RetryAttempts:     2,
		RetryDelay:        time.Millisecond,
		MaxProcessingTime: time.Second,
		Thresholds:        router.DefaultThresholds(),
		PromptVersion:     "v1",
		Concurrency:       1,
	}
}

func TestRunCycleAutoRepliesHighConfidence(t *testing.T) {
	mailC := &fakeMail{messages: []mail.Message{{ID: "e1", SenderAddress: "a@example.com", Subject: "Help", PlainBody: "hi"}}}
	classify := &fakeClassifier{result: classifier.Result{Category: store.CategorySupport, Urgency: store.UrgencyLow, Confidence: 90, Reasoning: "clear"}}
	respond := &fakeResponder{}
	esc := &fakeEscalator{}
	st := newFakeStore()

	p := New(mailC, classify, respond, esc, st, testKeyRing(t), baseCfg())
	summary, err := p.RunCycle(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Completed)
	assert.True(t, respond.sent)
	assert.Equal(t, store.StatusCompleted, st.statuses["e1"])
	assert.Contains(t, mailC.readIDs, "e1")
}

func TestRunCycleEscalatesHighUrgency(t *testing.T) {
	mailC := &fakeMail{messages: []mail.Message{{ID: "e2", SenderAddress: "a@example.com", Subject: "Down", PlainBody: "server down"}}}
	classify := &fakeClassifier{result: classifier.Result{Category: store.CategoryEscalation, Urgency: store.UrgencyCritical, Confidence: 80, Reasoning: "critical"}}
	respond := &fakeResponder{}
	esc := &fakeEscalator{}
	st := newFakeStore()

	p := New(mailC, classify, respond, esc, st, testKeyRing(t), baseCfg())
	summary, err := p.RunCycle(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Completed)
	assert.True(t, esc.escalated)

	latest, err := st.LatestProcessingResult(context.Background(), "e2")
	require.NoError(t, err)
	assert.True(t, latest.EscalationCreated)
	assert.Equal(t, store.ActionEscalate, latest.RoutingDecision)
}

func TestRunCycleSkipsAlreadyCompletedEmail(t *testing.T) {
	mailC := &fakeMail{messages: []mail.Message{{ID: "e3", SenderAddress: "a@example.com", Subject: "Done", PlainBody: "already handled"}}}
	classify := &fakeClassifier{}
	st := newFakeStore()
	st.processing["e3"] = []store.ProcessingResult{{ID: 1, EmailID: "e3", Status: store.StatusCompleted}}

	p := New(mailC, classify, &fakeResponder{}, &fakeEscalator{}, st, testKeyRing(t), baseCfg())
	summary, err := p.RunCycle(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, classify.calls)
}

func TestRunCycleDowngradesToManualReviewOnSendFailure(t *testing.T) {
	mailC := &fakeMail{messages: []mail.Message{{ID: "e4", SenderAddress: "a@example.com", Subject: "Q", PlainBody: "question"}}}
	classify := &fakeClassifier{result: classifier.Result{Category: store.CategorySupport, Urgency: store.UrgencyLow, Confidence: 95, Reasoning: "clear"}}
	respond := &fakeResponder{autoReplyErr: errors.New("mail down")}
	st := newFakeStore()

	p := New(mailC, classify, respond, &fakeEscalator{}, st, testKeyRing(t), baseCfg())
	summary, err := p.RunCycle(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Completed)

	latest, err := st.LatestProcessingResult(context.Background(), "e4")
	require.NoError(t, err)
	assert.Equal(t, store.ActionManualReview, latest.RoutingDecision)
}

func TestRunCycleFailsAfterExhaustingRetries(t *testing.T) {
	mailC := &fakeMail{messages: []mail.Message{{ID: "e5", SenderAddress: "a@example.com", Subject: "X", PlainBody: "body"}}}
	classify := &fakeClassifier{}
	st := newFakeStore()
	st.putEmailErr = apperrors.Newf(apperrors.KindTransientNetwork, "db unreachable")

	cfg := baseCfg()
	cfg.RetryAttempts = 2
	p := New(mailC, classify, &fakeResponder{}, &fakeEscalator{}, st, testKeyRing(t), cfg)

	summary, err := p.RunCycle(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 3, st.retryCounts["e5"]) // initial attempt + 2 retries, each incrementing
}

func TestClassifyOnceReusesPersistedClassification(t *testing.T) {
	mailC := &fakeMail{messages: []mail.Message{{ID: "e6", SenderAddress: "a@example.com", Subject: "Hi", PlainBody: "hi"}}}
	classify := &fakeClassifier{result: classifier.Result{Category: store.CategorySupport, Urgency: store.UrgencyLow, Confidence: 10}}
	st := newFakeStore()
	keys := testKeyRing(t)
	reasoning, err := keys.EncryptString("already classified")
	require.NoError(t, err)
	st.classifications["e6"] = store.ClassificationResult{
		EmailID: "e6", Category: store.CategorySupport, Urgency: store.UrgencyLow, Confidence: 95, Reasoning: reasoning,
	}

	p := New(mailC, classify, &fakeResponder{}, &fakeEscalator{}, st, keys, baseCfg())
	summary, err := p.RunCycle(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, 0, classify.calls)

	latest, err := st.LatestProcessingResult(context.Background(), "e6")
	require.NoError(t, err)
	assert.Equal(t, store.ActionAutoReply, latest.RoutingDecision)
}

func TestRunCycleNoMessagesReturnsEmptySummary(t *testing.T) {
	mailC := &fakeMail{}
	p := New(mailC, &fakeClassifier{}, &fakeResponder{}, &fakeEscalator{}, newFakeStore(), testKeyRing(t), baseCfg())
	summary, err := p.RunCycle(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, Summary{}, summary)
}

func TestProcessEmailSkipsWhenCacheAlreadyMarkedSeen(t *testing.T) {
	mailC := &fakeMail{messages: []mail.Message{{ID: "e8", SenderAddress: "a@example.com", Subject: "Hi", PlainBody: "hi"}}}
	classify := &fakeClassifier{result: classifier.Result{Category: store.CategorySupport, Urgency: store.UrgencyLow, Confidence: 90, Reasoning: "clear"}}
	st := newFakeStore()
	seen := &fakeSeenCache{seen: map[string]bool{"e8": true}}

	cfg := baseCfg()
	cfg.Cache = seen
	p := New(mailC, classify, &fakeResponder{}, &fakeEscalator{}, st, testKeyRing(t), cfg)

	summary, err := p.RunCycle(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, classify.calls)
}

func TestProcessEmailProceedsWhenCacheHasNotSeenIt(t *testing.T) {
	mailC := &fakeMail{messages: []mail.Message{{ID: "e9", SenderAddress: "a@example.com", Subject: "Hi", PlainBody: "hi"}}}
	classify := &fakeClassifier{result: classifier.Result{Category: store.CategorySupport, Urgency: store.UrgencyLow, Confidence: 90, Reasoning: "clear"}}
	st := newFakeStore()

	cfg := baseCfg()
	cfg.Cache = &fakeSeenCache{}
	p := New(mailC, classify, &fakeResponder{}, &fakeEscalator{}, st, testKeyRing(t), cfg)

	summary, err := p.RunCycle(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, 1, classify.calls)
}

func TestRunCycleReturnsErrorAndPersistsFailedWhenContextEndsMidRetry(t *testing.T) {
	mailC := &fakeMail{messages: []mail.Message{{ID: "e10", SenderAddress: "a@example.com", Subject: "X", PlainBody: "body"}}}
	classify := &fakeClassifier{}
	st := newFakeStore()
	st.putEmailErr = apperrors.Newf(apperrors.KindTransientNetwork, "db unreachable")

	cfg := baseCfg()
	cfg.RetryAttempts = 3
	cfg.RetryDelay = 50 * time.Millisecond
	p := New(mailC, classify, &fakeResponder{}, &fakeEscalator{}, st, testKeyRing(t), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := p.RunCycle(ctx, nil)
	require.Error(t, err)
	assert.Equal(t, store.StatusFailed, st.statuses["e10"])
}

func TestRunCycleFlagsManualReviewForLowConfidence(t *testing.T) {
	mailC := &fakeMail{messages: []mail.Message{{ID: "e7", SenderAddress: "a@example.com", Subject: "Unclear", PlainBody: "???"}}}
	classify := &fakeClassifier{result: classifier.Result{Category: store.CategorySupport, Urgency: store.UrgencyLow, Confidence: 45}}
	st := newFakeStore()

	p := New(mailC, classify, &fakeResponder{}, &fakeEscalator{}, st, testKeyRing(t), baseCfg())
	summary, err := p.RunCycle(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Completed)

	latest, err := st.LatestProcessingResult(context.Background(), "e7")
	require.NoError(t, err)
	assert.Equal(t, store.ActionManualReview, latest.RoutingDecision)
	assert.Equal(t, "flagged for manual review", latest.ActionTaken)
}
